// Package sx126x implements a driver for the Semtech SX126x LoRa/(G)FSK
// transceiver, configured for wM-Bus GFSK reception: the opcode register
// protocol, BUSY-gated command issue, the chip's state transition graph,
// the TX/RX pipeline, and classified IRQ delivery.
package sx126x

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// State is one of the SX126x's operating states.
type State int

const (
	Sleep State = iota
	StandbyRc
	StandbyXosc
	FreqSynth
	Rx
	Tx
)

func (s State) String() string {
	switch s {
	case Sleep:
		return "Sleep"
	case StandbyRc:
		return "StandbyRc"
	case StandbyXosc:
		return "StandbyXosc"
	case FreqSynth:
		return "FreqSynth"
	case Rx:
		return "Rx"
	case Tx:
		return "Tx"
	default:
		return "Unknown"
	}
}

func isStandby(s State) bool { return s == StandbyRc || s == StandbyXosc }

// InvalidStateTransitionError is returned by SetState for an edge not in
// the chip's valid transition graph.
type InvalidStateTransitionError struct{ From, To State }

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("sx126x: invalid state transition %v -> %v", e.From, e.To)
}

// validTransition implements the graph:
//
//	Sleep -> StandbyRc | StandbyXosc
//	StandbyRc <-> StandbyXosc
//	Standby* -> FreqSynth | Sleep
//	FreqSynth -> Tx | Rx | Standby*
//	Tx <-> Rx
//	Tx | Rx -> Standby*
func validTransition(from, to State) bool {
	switch from {
	case Sleep:
		return to == StandbyRc || to == StandbyXosc
	case StandbyRc, StandbyXosc:
		if isStandby(to) {
			return true
		}
		return to == FreqSynth || to == Sleep
	case FreqSynth:
		return to == Tx || to == Rx || isStandby(to)
	case Tx:
		return to == Rx || isStandby(to)
	case Rx:
		return to == Tx || isStandby(to)
	default:
		return false
	}
}

// Opcodes, per the SX126x command table.
const (
	opSetSleep       = 0x84
	opSetStandby     = 0x80
	opSetFs          = 0xC1
	opSetTx          = 0x83
	opSetRx          = 0x82
	opStopTimerOnPre = 0x9F
	opSetRfFreq      = 0x86
	opSetPacketType  = 0x8A
	opSetModParams   = 0x8B
	opSetPacketParam = 0x8C
	opSetSyncWord    = 0x0D // write register opcode, used with regSyncWord address
	opSetBufferBase  = 0x8F
	opGetIrqStatus   = 0x12
	opClearIrqStatus = 0x02
	opWriteBuffer    = 0x0E
	opReadBuffer     = 0x1E
	opGetRxBufStatus = 0x13
	opGetPacketStat  = 0x14
	opWriteRegister  = 0x0D
	opReadRegister   = 0x1D
	nop              = 0x00
)

const (
	regSyncWord0 = 0x06C0
)

// Bus is the SPI+GPIO surface this driver needs. It is satisfied by a
// periph.io spi.Conn paired with the chip's BUSY/RESET/DIO1 lines.
type Bus interface {
	Tx(w, r []byte) error
}

// Errors.
var (
	ErrBusyTimeout      = errors.New("sx126x: BUSY timeout")
	ErrChannelBusy      = errors.New("sx126x: channel busy")
)

const (
	busyTimeout   = 100 * time.Millisecond
	regBusyTimeout = 50 * time.Millisecond
	txTimeout     = 1 * time.Second
)

// Device drives one SX126x over SPI, with BUSY and DIO1 as GPIO lines.
type Device struct {
	bus  Bus
	busy gpio.PinIn
	dio1 gpio.PinIn

	state State

	interrupts chan Event
	cancel     chan struct{}
	done       chan struct{}
	timer      *time.Timer
	dropped    uint64

	scratch [256]byte
}

// New returns a Device in the Sleep state. Call Init before use.
func New(bus Bus, busy, dio1 gpio.PinIn) *Device {
	return &Device{
		bus:        bus,
		busy:       busy,
		dio1:       dio1,
		state:      Sleep,
		interrupts: make(chan Event, 32),
		cancel:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		timer:      time.NewTimer(0),
	}
}

// Init configures DIO1 for rising-edge detection and starts the
// background goroutine that classifies and enqueues IRQ events, grounded
// on the debounce-loop pattern used for GPIO button polling: a tight
// WaitForEdge loop with no timeout, exiting when Close is called.
func (d *Device) Init() error {
	if err := d.dio1.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return fmt.Errorf("sx126x: init: %w", err)
	}
	go func() {
		for {
			select {
			case <-d.done:
				return
			default:
			}
			if d.dio1.WaitForEdge(-1) {
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

// State reports the device's last known state.
func (d *Device) State() State { return d.state }

// SetState attempts the given state transition, failing with
// InvalidStateTransitionError if the edge is not in the chip's graph.
func (d *Device) SetState(to State) error {
	if !validTransition(d.state, to) {
		return &InvalidStateTransitionError{From: d.state, To: to}
	}
	var err error
	switch to {
	case Sleep:
		err = d.command(opSetSleep, 0x00)
	case StandbyRc:
		err = d.command(opSetStandby, 0x00)
	case StandbyXosc:
		err = d.command(opSetStandby, 0x01)
	case FreqSynth:
		err = d.command(opSetFs)
	case Tx:
		err = d.setTxTimeout(txTimeout)
	case Rx:
		err = d.setRxTimeout(0xFFFFFF)
	}
	if err != nil {
		return fmt.Errorf("sx126x: state: %w", err)
	}
	d.state = to
	return nil
}

func (d *Device) setTxTimeout(timeout time.Duration) error {
	steps := timeoutToSteps(timeout)
	return d.command(opSetTx, byte(steps>>16), byte(steps>>8), byte(steps))
}

func (d *Device) setRxTimeout(steps uint32) error {
	return d.command(opSetRx, byte(steps>>16), byte(steps>>8), byte(steps))
}

// timeoutToSteps converts a duration to the chip's 15.625us RTC steps.
func timeoutToSteps(d time.Duration) uint32 {
	return uint32(d / (15625 * time.Nanosecond))
}

// freqToReg converts a target frequency to the chip's RF frequency
// register value: freqHz * 2^25 / xtalHz.
func freqToReg(freqHz, xtalHz uint64) uint64 {
	return freqHz << 25 / xtalHz
}

// bitrateToParam converts a target bitrate to the chip's bitrate
// parameter: 32 * xtalHz / bitrate.
func bitrateToParam(bitrate, xtalHz uint64) uint64 {
	return 32 * xtalHz / bitrate
}

// waitBusy blocks until BUSY goes low or timeout elapses.
func (d *Device) waitBusy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for d.busy.Read() == gpio.High {
		if time.Now().After(deadline) {
			return ErrBusyTimeout
		}
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

// command issues an opcode with parameter bytes, gating on BUSY before and
// after (per the datasheet's command-issue protocol).
func (d *Device) command(opcode byte, params ...byte) error {
	if err := d.waitBusy(busyTimeout); err != nil {
		return err
	}
	buf := d.scratch[:1+len(params)]
	buf[0] = opcode
	copy(buf[1:], params)
	if err := d.bus.Tx(buf, nil); err != nil {
		return err
	}
	return d.waitBusy(busyTimeout)
}

// readCommand issues opcode, then clocks nRead NOP bytes to read the reply.
func (d *Device) readCommand(opcode byte, nRead int) ([]byte, error) {
	if err := d.waitBusy(busyTimeout); err != nil {
		return nil, err
	}
	w := make([]byte, 1+nRead)
	w[0] = opcode
	r := make([]byte, len(w))
	if err := d.bus.Tx(w, r); err != nil {
		return nil, err
	}
	if err := d.waitBusy(busyTimeout); err != nil {
		return nil, err
	}
	return r[1:], nil
}

func (d *Device) writeRegister(addr uint16, val byte) error {
	if err := d.waitBusy(regBusyTimeout); err != nil {
		return err
	}
	return d.command(opWriteRegister, byte(addr>>8), byte(addr), val)
}

// ConfigureWMBus sets up GFSK modulation and packet parameters for wM-Bus
// reception at freqHz, with the given bitrate, against an xtalHz reference
// clock: frequency register = freqHz*2^25/xtalHz; bitrate param =
// 32*xtal/bitrate; Gaussian 0.5 shaping; 156kHz RX bandwidth; deviation =
// bitrate/2; 48-bit preamble; variable-length packet; 2-byte CRC (CCITT);
// 4-byte sync word B4 B6 5A 5A; whitening off. It does not send
// SetPaConfig, SetTxParams or SetDioIrqParams, so the PA/TX power and the
// IRQ-to-DIO routing are left as the chip has them.
func (d *Device) ConfigureWMBus(freqHz, bitrate, xtalHz uint64) error {
	if err := d.command(opSetPacketType, 0x00 /* GFSK */); err != nil {
		return fmt.Errorf("sx126x: configure: %w", err)
	}

	freqReg := freqToReg(freqHz, xtalHz)
	if err := d.command(opSetRfFreq,
		byte(freqReg>>24), byte(freqReg>>16), byte(freqReg>>8), byte(freqReg),
	); err != nil {
		return fmt.Errorf("sx126x: configure: %w", err)
	}

	bitrateParam := bitrateToParam(bitrate, xtalHz)
	deviation := bitrate / 2
	const gaussian05 = 0x09
	const rxBw156kHz = 0x1A
	if err := d.command(opSetModParams,
		byte(bitrateParam>>16), byte(bitrateParam>>8), byte(bitrateParam),
		gaussian05, rxBw156kHz,
		byte(deviation>>16), byte(deviation>>8), byte(deviation),
	); err != nil {
		return fmt.Errorf("sx126x: configure: %w", err)
	}

	const preambleBits = 48
	const packetTypeVariable = 0x01
	const crcCCITT2Byte = 0x02
	const whiteningOff = 0x00
	if err := d.command(opSetPacketParam,
		byte(preambleBits>>8), byte(preambleBits),
		0x00, // preamble detector length
		packetTypeVariable,
		0xFF, // max payload length
		crcCCITT2Byte,
		whiteningOff,
	); err != nil {
		return fmt.Errorf("sx126x: configure: %w", err)
	}

	if err := d.SetSyncWord([4]byte{0xB4, 0xB6, 0x5A, 0x5A}); err != nil {
		return err
	}

	if err := d.command(opSetBufferBase, 0x00, 0x00); err != nil {
		return fmt.Errorf("sx126x: configure: %w", err)
	}

	return nil
}

// SetSyncWord writes the 4-byte sync word used for wM-Bus framing.
//
// Open Question 4: takes a fixed [4]byte, not an ambiguous 8-byte slice —
// a caller holding an 8-byte field truncates or zero-extends on its own
// side, not this driver's.
func (d *Device) SetSyncWord(sync [4]byte) error {
	for i, b := range sync {
		if err := d.writeRegister(regSyncWord0+uint16(i), b); err != nil {
			return fmt.Errorf("sx126x: sync word: %w", err)
		}
	}
	return nil
}

const txBaseAddr = 0x00

// Transmit sends payload. The caller is responsible for any LBT/duty-cycle
// gating (see radio/lbt) before calling Transmit. Must be called while in
// Standby; internally transitions through FreqSynth to Tx.
func (d *Device) Transmit(payload []byte) error {
	if !isStandby(d.state) {
		return &InvalidStateTransitionError{From: d.state, To: Tx}
	}
	if err := d.writeBuffer(txBaseAddr, payload); err != nil {
		return fmt.Errorf("sx126x: transmit: %w", err)
	}
	if err := d.SetState(FreqSynth); err != nil {
		return err
	}
	if err := d.SetState(Tx); err != nil {
		return err
	}
	ev, err := d.waitForInterrupt(txTimeout)
	if err != nil {
		return fmt.Errorf("sx126x: transmit: %w", err)
	}
	if ev.Kind != EventTxDone {
		return fmt.Errorf("sx126x: transmit: unexpected event %v", ev.Kind)
	}
	return d.clearIRQ(irqTxDone)
}

func (d *Device) writeBuffer(offset byte, data []byte) error {
	if err := d.waitBusy(busyTimeout); err != nil {
		return err
	}
	buf := append([]byte{opWriteBuffer, offset}, data...)
	if err := d.bus.Tx(buf, nil); err != nil {
		return err
	}
	return d.waitBusy(busyTimeout)
}

// Receive enters continuous RX and blocks until a frame arrives, returning
// its payload, or an error on CRC failure/timeout (surfaced via the IRQ
// event, not necessarily fatal to the caller).
func (d *Device) Receive() ([]byte, error) {
	if !isStandby(d.state) {
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
		return nil, fmt.Errorf("sx126x: receive: %w", err)
	}
	switch ev.Kind {
	case EventRxDone:
		payload, err := d.readRxBuffer()
		if err != nil {
			return nil, fmt.Errorf("sx126x: receive: %w", err)
		}
		if err := d.clearIRQ(irqRxDone); err != nil {
			return nil, err
		}
		return payload, nil
	case EventCRCError:
		d.clearIRQ(irqCRCErr)
		return nil, fmt.Errorf("sx126x: receive: crc error")
	case EventTimeout:
		d.clearIRQ(irqTimeout)
		return nil, fmt.Errorf("sx126x: receive: timeout")
	default:
		return nil, fmt.Errorf("sx126x: receive: unexpected event %v", ev.Kind)
	}
}

func (d *Device) readRxBuffer() ([]byte, error) {
	status, err := d.readCommand(opGetRxBufStatus, 2)
	if err != nil {
		return nil, err
	}
	payloadLen, startOffset := status[0], status[1]
	if err := d.waitBusy(busyTimeout); err != nil {
		return nil, err
	}
	w := make([]byte, 2+int(payloadLen))
	w[0], w[1] = opReadBuffer, startOffset
	r := make([]byte, len(w))
	if err := d.bus.Tx(w, r); err != nil {
		return nil, err
	}
	return r[2:], d.waitBusy(busyTimeout)
}

// PacketStatus is GetPacketStatus's decoded reply: average/sync RSSI and
// AFC frequency error, all in dBm/Hz.
type PacketStatus struct {
	RSSIAvg float64
	RSSISync float64
	FreqError float64
}

// GetPacketStatus returns the average/sync RSSI and AFC frequency error
// for the most recently received packet.
func (d *Device) GetPacketStatus() (PacketStatus, error) {
	r, err := d.readCommand(opGetPacketStat, 3)
	if err != nil {
		return PacketStatus{}, fmt.Errorf("sx126x: packet status: %w", err)
	}
	return PacketStatus{
		RSSIAvg:   -float64(r[0]) / 2,
		RSSISync:  -float64(r[1]) / 2,
		FreqError: float64(int8(r[2])) * 1000,
	}, nil
}

// RSSI returns the synchronized-packet RSSI from GetPacketStatus, satisfying
// radio/lbt.Transceiver for the Listen-Before-Talk gate.
func (d *Device) RSSI() (float64, error) {
	status, err := d.GetPacketStatus()
	if err != nil {
		return 0, err
	}
	return status.RSSISync, nil
}
