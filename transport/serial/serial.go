// Package serial opens the wired M-Bus UART: 8E1 framing at one of the
// standard M-Bus baud rates, with the per-baud receive timeout §6 names.
package serial

import (
	"errors"
	"io"
	"time"

	"github.com/tarm/serial"
)

// ErrNoDevice is returned when no device path is available to try.
var ErrNoDevice = errors.New("serial: no device specified")

// rxTimeout is the per-baud RX timeout table from §6: 300→1300ms,
// 600→800, 1200→500, 2400/4800→300, 9600/19200/38400→200, other→500.
func rxTimeout(baud int) time.Duration {
	switch baud {
	case 300:
		return 1300 * time.Millisecond
	case 600:
		return 800 * time.Millisecond
	case 1200:
		return 500 * time.Millisecond
	case 2400, 4800:
		return 300 * time.Millisecond
	case 9600, 19200, 38400:
		return 200 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Open opens dev at baud with 8E1 framing (8 data bits, even parity, 1 stop
// bit) and the RX timeout §6 specifies for that baud rate. baud must be one
// of 300/600/1200/2400/4800/9600/19200/38400; any other value still opens
// (the chip may support it) but uses the "other" 500ms timeout entry.
func Open(dev string, baud int) (io.ReadWriteCloser, error) {
	if dev == "" {
		return nil, ErrNoDevice
	}
	c := &serial.Config{
		Name:        dev,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityEven,
		StopBits:    serial.Stop1,
		ReadTimeout: rxTimeout(baud),
	}
	return serial.OpenPort(c)
}
