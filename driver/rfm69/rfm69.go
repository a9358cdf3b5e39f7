// Package rfm69 implements a driver for the HopeRF RFM69 (JeeLabs-profile
// register map) (G)FSK transceiver, as an alternate radio to driver/sx126x
// for wM-Bus reception: register R/W over SPI, the chip's Sleep/Standby/
// FreqSynth/Tx/Rx mode graph, and classified IRQ delivery from DIO0.
package rfm69

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Register addresses, JeeLabs/HopeRF naming.
const (
	regFifo         = 0x00
	regOpMode       = 0x01
	regDataModul    = 0x02
	regBitrateMsb   = 0x03
	regBitrateLsb   = 0x04
	regFdevMsb      = 0x05
	regFdevLsb      = 0x06
	regFrfMsb       = 0x07
	regFrfMid       = 0x08
	regFrfLsb       = 0x09
	regRxBw         = 0x19
	regDioMapping1  = 0x25
	regDioMapping2  = 0x26
	regIrqFlags1    = 0x27
	regIrqFlags2    = 0x28
	regRssiValue    = 0x24
	regSyncConfig   = 0x2E
	regSyncValue1   = 0x2F
	regPacketConfig1 = 0x37
	regPayloadLength = 0x38
)

// RegOpMode mode bits (bits 4:2).
const (
	opModeSleep     = 0b000 << 2
	opModeStandby   = 0b001 << 2
	opModeFreqSynth = 0b010 << 2
	opModeTx        = 0b011 << 2
	opModeRx        = 0b100 << 2
)

// IRQ flags (RegIrqFlags1/2).
const (
	irq1ModeReady   = 1 << 7
	irq1Rssi        = 1 << 3
	irq1SyncAddrMatch = 1 << 0
	irq2FifoFull    = 1 << 7
	irq2PacketSent  = 1 << 3
	irq2PayloadReady = 1 << 2
	irq2CrcOk       = 1 << 1
)

// State mirrors the chip's RegOpMode operating modes.
type State int

const (
	Sleep State = iota
	Standby
	FreqSynth
	Tx
	Rx
)

func (s State) String() string {
	switch s {
	case Sleep:
		return "Sleep"
	case Standby:
		return "Standby"
	case FreqSynth:
		return "FreqSynth"
	case Tx:
		return "Tx"
	case Rx:
		return "Rx"
	default:
		return "Unknown"
	}
}

func (s State) regValue() byte {
	switch s {
	case Sleep:
		return opModeSleep
	case Standby:
		return opModeStandby
	case FreqSynth:
		return opModeFreqSynth
	case Tx:
		return opModeTx
	case Rx:
		return opModeRx
	default:
		return opModeStandby
	}
}

// validTransition implements the RFM69's mode graph, collapsed to the
// same shape as the SX126x's for chip-agnostic callers: Sleep only goes to
// Standby; Standby reaches FreqSynth or Sleep; FreqSynth reaches Tx/Rx or
// back to Standby; Tx and Rx reach each other or Standby.
func validTransition(from, to State) bool {
	switch from {
	case Sleep:
		return to == Standby
	case Standby:
		return to == FreqSynth || to == Sleep
	case FreqSynth:
		return to == Tx || to == Rx || to == Standby
	case Tx:
		return to == Rx || to == Standby
	case Rx:
		return to == Tx || to == Standby
	default:
		return false
	}
}

// InvalidStateTransitionError is returned by SetState for an edge not in
// the chip's mode graph.
type InvalidStateTransitionError struct{ From, To State }

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("rfm69: invalid state transition %v -> %v", e.From, e.To)
}

// Bus is the SPI surface this driver needs: register reads/writes framed
// as a single-byte address (bit 7 set for writes) followed by the data
// byte(s), per the RFM69 SPI protocol.
type Bus interface {
	Tx(w, r []byte) error
}

var (
	ErrModeReadyTimeout = errors.New("rfm69: mode-ready timeout")
	ErrChannelBusy      = errors.New("rfm69: channel busy")
)

const modeReadyTimeout = 100 * time.Millisecond

// Device drives one RFM69 over SPI, with DIO0 as the IRQ line.
type Device struct {
	bus  Bus
	dio0 gpio.PinIn

	state State

	interrupts chan Event
	cancel     chan struct{}
	done       chan struct{}
	timer      *time.Timer
	dropped    uint64
}

// New returns a Device in the Sleep state. Call Init before use.
func New(bus Bus, dio0 gpio.PinIn) *Device {
	return &Device{
		bus:        bus,
		dio0:       dio0,
		state:      Sleep,
		interrupts: make(chan Event, 32),
		cancel:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		timer:      time.NewTimer(0),
	}
}

// Init configures DIO0 for rising-edge detection and starts the IRQ
// polling goroutine, the same shape as driver/sx126x.Device.Init.
func (d *Device) Init() error {
	if err := d.dio0.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return fmt.Errorf("rfm69: init: %w", err)
	}
	go func() {
		for {
			select {
			case <-d.done:
				return
			default:
			}
			if d.dio0.WaitForEdge(-1) {
				d.handleInterrupt()
			}
		}
	}()
	return nil
}

// Close stops the IRQ polling goroutine.
func (d *Device) Close() {
	close(d.done)
	d.Cancel()
}

// State reports the device's last known operating mode.
func (d *Device) State() State { return d.state }

func (d *Device) readReg(addr byte) (byte, error) {
	w := []byte{addr &^ 0x80, 0x00}
	r := make([]byte, 2)
	if err := d.bus.Tx(w, r); err != nil {
		return 0, err
	}
	return r[1], nil
}

func (d *Device) writeReg(addr, val byte) error {
	return d.bus.Tx([]byte{addr | 0x80, val}, nil)
}

func (d *Device) waitModeReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		flags, err := d.readReg(regIrqFlags1)
		if err != nil {
			return err
		}
		if flags&irq1ModeReady != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrModeReadyTimeout
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// SetState attempts the given mode transition, failing with
// InvalidStateTransitionError if the edge is not in the chip's graph.
func (d *Device) SetState(to State) error {
	if !validTransition(d.state, to) {
		return &InvalidStateTransitionError{From: d.state, To: to}
	}
	if err := d.writeReg(regOpMode, to.regValue()); err != nil {
		return fmt.Errorf("rfm69: state: %w", err)
	}
	if err := d.waitModeReady(modeReadyTimeout); err != nil {
		return fmt.Errorf("rfm69: state: %w", err)
	}
	d.state = to
	return nil
}

// ConfigureWMBus sets up GFSK modulation for wM-Bus reception: frequency
// register = freqHz*2^19/xtalHz (RFM69's Frf has a 19-bit fractional
// resolution, versus the SX126x's 25-bit); bitrate register =
// xtalHz/bitrate; deviation register = deviation*2^19/xtalHz; a 2-byte
// sync word matching the same B4 B6 5A 5A preamble convention used by
// driver/sx126x, truncated to the bytes RegSyncValue1/2 carry when the
// chip is configured for a 2-byte sync (the wM-Bus preamble's trailing
// bytes, which is what RFM69 deployments match against in practice).
func (d *Device) ConfigureWMBus(freqHz, bitrate, deviation, xtalHz uint64) error {
	frf := freqHz << 19 / xtalHz
	if err := d.writeReg(regFrfMsb, byte(frf>>16)); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}
	if err := d.writeReg(regFrfMid, byte(frf>>8)); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}
	if err := d.writeReg(regFrfLsb, byte(frf)); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}

	br := xtalHz / bitrate
	if err := d.writeReg(regBitrateMsb, byte(br>>8)); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}
	if err := d.writeReg(regBitrateLsb, byte(br)); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}

	fdev := deviation << 19 / xtalHz
	if err := d.writeReg(regFdevMsb, byte(fdev>>8)); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}
	if err := d.writeReg(regFdevLsb, byte(fdev)); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}

	const gfskShapingBT05 = 0b10
	if err := d.writeReg(regDataModul, gfskShapingBT05); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}

	if err := d.writeReg(regSyncConfig, 0b1<<7|0b001<<3|0x01); err != nil { // sync on, 2-byte sync
		return fmt.Errorf("rfm69: configure: %w", err)
	}
	if err := d.writeReg(regSyncValue1, 0x5A); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}
	if err := d.writeReg(regSyncValue1+1, 0x5A); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}

	const variableLength = 0b1 << 7
	const crcOn = 0b1 << 4
	if err := d.writeReg(regPacketConfig1, variableLength|crcOn); err != nil {
		return fmt.Errorf("rfm69: configure: %w", err)
	}
	return d.writeReg(regPayloadLength, 0xFF)
}

// Transmit sends payload. Must be called from Standby.
func (d *Device) Transmit(payload []byte) error {
	if d.state != Standby {
		return &InvalidStateTransitionError{From: d.state, To: Tx}
	}
	if len(payload) > 255 {
		return fmt.Errorf("rfm69: transmit: payload too long: %d", len(payload))
	}
	if err := d.writeReg(regFifo, byte(len(payload))); err != nil {
		return fmt.Errorf("rfm69: transmit: %w", err)
	}
	for _, b := range payload {
		if err := d.writeReg(regFifo, b); err != nil {
			return fmt.Errorf("rfm69: transmit: %w", err)
		}
	}
	if err := d.SetState(FreqSynth); err != nil {
		return err
	}
	if err := d.SetState(Tx); err != nil {
		return err
	}
	ev, err := d.waitForInterrupt(1 * time.Second)
	if err != nil {
		return fmt.Errorf("rfm69: transmit: %w", err)
	}
	if ev.Kind != EventPacketSent {
		return fmt.Errorf("rfm69: transmit: unexpected event %v", ev.Kind)
	}
	return d.SetState(Standby)
}

// Receive enters RX and blocks until a frame arrives.
func (d *Device) Receive() ([]byte, error) {
	if d.state != Standby {
		return nil, &InvalidStateTransitionError{From: d.state, To: Rx}
	}
	if err := d.SetState(FreqSynth); err != nil {
		return nil, err
	}
	if err := d.SetState(Rx); err != nil {
		return nil, err
	}
	ev, err := d.waitForInterrupt(0)
	if err != nil {
		return nil, fmt.Errorf("rfm69: receive: %w", err)
	}
	if ev.Kind != EventPayloadReady {
		return nil, fmt.Errorf("rfm69: receive: unexpected event %v", ev.Kind)
	}
	n, err := d.readReg(regFifo)
	if err != nil {
		return nil, fmt.Errorf("rfm69: receive: %w", err)
	}
	payload := make([]byte, n)
	for i := range payload {
		b, err := d.readReg(regFifo)
		if err != nil {
			return nil, fmt.Errorf("rfm69: receive: %w", err)
		}
		payload[i] = b
	}
	return payload, d.SetState(Standby)
}

// RSSI reads the instantaneous RSSI register, in dBm.
func (d *Device) RSSI() (float64, error) {
	raw, err := d.readReg(regRssiValue)
	if err != nil {
		return 0, fmt.Errorf("rfm69: rssi: %w", err)
	}
	return -float64(raw) / 2, nil
}
