// Package link implements the M-Bus link-layer state machine: secondary
// address selection, REQ_UD1/REQ_UD2 request/response, FCB toggling, and
// multi-telegram assembly, per EN 13757-2/3.
package link

import (
	"errors"
	"fmt"
	"time"

	"meterbus.dev/mbus"
	"meterbus.dev/mbus/record"
)

// State is one of the link state machine's five states.
type State int

const (
	Idle State = iota
	Selecting
	Requesting
	Receiving
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Selecting:
		return "Selecting"
	case Requesting:
		return "Requesting"
	case Receiving:
		return "Receiving"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// ProbeResult is the outcome of a secondary-address collision probe.
type ProbeResult int

const (
	ProbeNothing ProbeResult = iota
	ProbeSingle
	ProbeCollision
)

// Machine is the M-Bus link state machine. It owns the current primary
// address and the FCB; it does not own the transport — callers pass frame
// bytes in and get frame bytes to send out.
type Machine struct {
	state             State
	address           byte
	fcb               bool
	secondarySelected bool
}

// New returns a Machine in the Idle state.
func New() *Machine {
	return &Machine{state: Idle}
}

// State reports the current state.
func (m *Machine) State() State { return m.state }

var (
	ErrInvalidAddress    = errors.New("link: invalid primary address")
	ErrNoSecondarySelect = errors.New("link: address 253 requires a prior secondary select")
	ErrAddressMismatch   = errors.New("link: response address does not match request")
	ErrUnexpectedControl = errors.New("link: unexpected control byte in response")
	ErrUnexpectedType    = errors.New("link: expected a Long response frame")
)

// SelectPrimary sets the current address and clears FCB. Addresses 0, 254,
// 255 are rejected; 253 requires a prior successful SelectSecondary.
func (m *Machine) SelectPrimary(addr byte) error {
	if addr == 0 || addr == mbus.AddrTest || addr == mbus.AddrBroadcast {
		return ErrInvalidAddress
	}
	if addr == mbus.AddrSelectedBySecondary && !m.secondarySelected {
		return ErrNoSecondarySelect
	}
	m.address = addr
	m.fcb = false
	m.state = Selecting
	return nil
}

// PackSelectSecondary builds the selection frame to send for the given
// 8-byte secondary address mask (wildcards as 0xF nibbles already baked
// into mask by the caller).
func (m *Machine) PackSelectSecondary(mask mbus.SecondaryMask) ([]byte, error) {
	m.state = Selecting
	return mbus.PackSelect(mask, m.fcb)
}

// ConfirmSelectSecondary is called once an ACK is observed for the
// selection frame: the slave now responds at address 253.
func (m *Machine) ConfirmSelectSecondary() {
	m.secondarySelected = true
	m.state = Idle
}

// ProbeOutcome classifies a secondary-select probe's observed replies:
// zero replies is Nothing, exactly one ACK is Single, more than one
// (typically detected via a NAK/garbled response from colliding slaves)
// is Collision.
func ProbeOutcome(replies int, collisionDetected bool) ProbeResult {
	switch {
	case collisionDetected || replies > 1:
		return ProbeCollision
	case replies == 0:
		return ProbeNothing
	default:
		return ProbeSingle
	}
}

const (
	ctrlReqUD1   = 0x5A
	ctrlReqUD1FB = 0x7A
	ctrlReqUD2   = 0x5B
	ctrlReqUD2FB = 0x7B
	ctrlRspUD    = 0x08
)

func fcbControl(base byte, fcb bool) byte {
	if fcb {
		return base | 0x20
	}
	return base
}

// PackRequestClass2 builds the REQ_UD2 short frame (C=0x5B, or 0x7B with
// FCB set).
func (m *Machine) PackRequestClass2() ([]byte, error) {
	m.state = Requesting
	return mbus.Pack(mbus.Frame{Type: mbus.Short, Control: fcbControl(ctrlReqUD2, m.fcb), Address: m.address})
}

// PackRequestClass1 builds the REQ_UD1 short frame (C=0x5A, or 0x7A with
// FCB set).
func (m *Machine) PackRequestClass1() ([]byte, error) {
	m.state = Requesting
	return mbus.Pack(mbus.Frame{Type: mbus.Short, Control: fcbControl(ctrlReqUD1, m.fcb), Address: m.address})
}

// ReceiveData validates a response frame (Long, control=0x08, matching
// address, valid checksum) and returns the payload with continuation
// handling applied: the DIF/VIF chain is walked so that only a genuine
// DIF continuation marker (0x1F) is treated as "more follows", not every
// literal 0x1F byte in the data (Open Question 1 in SPEC_FULL.md §9 —
// resolved in favor of the correct walk).
func (m *Machine) ReceiveData(f mbus.Frame) ([]byte, bool, error) {
	m.state = Receiving
	if f.Type != mbus.Long {
		m.state = Error
		return nil, false, ErrUnexpectedType
	}
	if f.Control != ctrlRspUD {
		m.state = Error
		return nil, false, ErrUnexpectedControl
	}
	if f.Address != m.address {
		m.state = Error
		return nil, false, ErrAddressMismatch
	}
	if err := mbus.Verify(f); err != nil {
		m.state = Error
		return nil, false, err
	}
	more, payload, err := scanMoreFollows(f.Data)
	if err != nil {
		m.state = Error
		return nil, false, err
	}
	m.state = Idle
	return payload, more, nil
}

// scanMoreFollows walks the variable-record chain looking for a genuine
// DIF continuation marker (0x1F), stopping at the first error (malformed
// trailing bytes are tolerated — the telegram may legitimately end before
// a full record, since "more follows" records are sometimes the last
// thing in a frame). When a genuine marker is found, the returned payload
// has it (and anything after it) stripped, per §4.3.
func scanMoreFollows(data []byte) (more bool, payload []byte, err error) {
	b := data
	for len(b) > 0 {
		skipped := record.SkipIdleFillers(b)
		consumedFillers := len(b) - len(skipped)
		if len(skipped) == 0 {
			break
		}
		rec, n, err := record.Walk(skipped)
		if err != nil {
			// Not a hard failure for the purposes of continuation
			// detection: the remaining bytes may belong to a record
			// whose true end is ambiguous without more context.
			return false, data, nil
		}
		if rec.MoreRecordsFollow {
			markerOffset := len(data) - len(b) + consumedFillers
			return true, data[:markerOffset], nil
		}
		if rec.FunctionMedium == "manufacturer-specific" {
			// The rest of the payload is manufacturer data, not records.
			return false, data, nil
		}
		if n == 0 {
			return false, data, fmt.Errorf("link: record walk made no progress")
		}
		b = skipped[n:]
	}
	return false, data, nil
}

// ToggleFCB flips the frame count bit between successive frames of a
// multi-telegram exchange.
func (m *Machine) ToggleFCB() { m.fcb = !m.fcb }

// ResetFCB clears the FCB, called on error recovery or new device
// selection.
func (m *Machine) ResetFCB() { m.fcb = false }

// MasterTimeout returns the master timeout per the M-Bus spec formula:
// (330 + 50) / baud * 1000 + margin, in milliseconds.
func MasterTimeout(baud int, margin time.Duration) time.Duration {
	ms := float64(330+50) / float64(baud) * 1000
	return time.Duration(ms*float64(time.Millisecond)) + margin
}

// InterFrameGapBits is the minimum inter-frame gap, in bit times.
const InterFrameGapBits = 11

// InterFrameGap converts InterFrameGapBits to a duration at the given baud.
func InterFrameGap(baud int) time.Duration {
	bitTime := time.Second / time.Duration(baud)
	return InterFrameGapBits * bitTime
}
