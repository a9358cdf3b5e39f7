package main

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/bcm283x"

	"meterbus.dev/config"
	"meterbus.dev/driver/rfm69"
	"meterbus.dev/driver/sx126x"
	"meterbus.dev/session"
)

const xtalHz = 32_000_000

// openRadio wires up the configured radio chip over the host's default
// SPI bus, mirroring lcd.Open's spireg.Open("")+Connect dance and
// wshat.Open's bcm283x GPIO line references.
func openRadio(cfg config.Config) (session.Receiver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("meterd: host.Init: %w", err)
	}
	port, err := spireg.Open("")
	if err != nil {
		return nil, fmt.Errorf("meterd: spireg.Open: %w", err)
	}
	conn, err := port.Connect(8*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("meterd: spi.Connect: %w", err)
	}

	switch cfg.RadioDriver {
	case "sx126x":
		dev := sx126x.New(conn, bcm283x.GPIO23, bcm283x.GPIO24)
		if err := dev.Init(); err != nil {
			return nil, fmt.Errorf("meterd: sx126x.Init: %w", err)
		}
		if err := dev.ConfigureWMBus(uint64(cfg.FrequencyHz), uint64(cfg.Bitrate), xtalHz); err != nil {
			return nil, fmt.Errorf("meterd: sx126x.ConfigureWMBus: %w", err)
		}
		return dev, nil
	case "rfm69":
		dev := rfm69.New(conn, bcm283x.GPIO24)
		if err := dev.Init(); err != nil {
			return nil, fmt.Errorf("meterd: rfm69.Init: %w", err)
		}
		const defaultDeviationHz = 50_000
		if err := dev.ConfigureWMBus(uint64(cfg.FrequencyHz), uint64(cfg.Bitrate), defaultDeviationHz, xtalHz); err != nil {
			return nil, fmt.Errorf("meterd: rfm69.ConfigureWMBus: %w", err)
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("meterd: unknown radio driver %q", cfg.RadioDriver)
	}
}
