// Package session wires a radio driver, the wM-Bus decoder, crypto, and
// the record codec into a background receive task: a device registry
// guarded by a reader-writer lock, and a dropped-on-overflow event
// fan-out, the same shape as the teacher's goroutine-plus-channel glue.
package session

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"meterbus.dev/mbus/record"
	"meterbus.dev/wmbus"
	"meterbus.dev/wmbus/crypto"
)

// Receiver is the capability a radio driver exposes to a Session: blocking
// receive of one raw frame. Satisfied by driver/sx126x.Device and
// driver/rfm69.Device.
type Receiver interface {
	Receive() ([]byte, error)
}

// KeyLookup resolves the decryption key for an observed device, or
// reports false if no key is known (the frame is then reported as an
// EventFrameError).
type KeyLookup func(dev crypto.DeviceID) (key []byte, ok bool)

// DeviceRecord is an observed wM-Bus device, keyed by 32-bit address.
type DeviceRecord struct {
	Address          uint32
	Manufacturer     uint16
	Version          byte
	DeviceType       byte
	LastSeen         time.Time
	LastAccessNumber uint64
	FrameCount       uint64
}

// ManufacturerCode renders the 16-bit manufacturer field as its three-letter
// form, per §6: ((mfr>>10)&0x1F)+64, ((mfr>>5)&0x1F)+64, (mfr&0x1F)+64.
func ManufacturerCode(mfr uint16) string {
	return string([]byte{
		byte((mfr>>10)&0x1F) + 64,
		byte((mfr>>5)&0x1F) + 64,
		byte(mfr&0x1F) + 64,
	})
}

// EventKind discriminates a ReceiveEvent's payload.
type EventKind int

const (
	EventFrameDecoded EventKind = iota
	EventFrameError
	EventDeviceSeen
)

// ReceiveEvent is the fan-out payload: a sum type over a decoded record, a
// decode error, or a device-registry update.
type ReceiveEvent struct {
	Kind    EventKind
	Record  record.Record
	Err     error
	Device  DeviceRecord
}

// Session owns the background receive task, the device registry, and the
// dropped-event counter.
type Session struct {
	recv      Receiver
	lookupKey KeyLookup

	mu       sync.RWMutex
	devices  map[uint32]DeviceRecord

	events  chan ReceiveEvent
	dropped uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a Session that will read frames from recv, using lookupKey
// to resolve decryption keys for encrypted frames. Call Start to launch
// the background receive task.
func New(recv Receiver, lookupKey KeyLookup) *Session {
	return &Session{
		recv:      recv,
		lookupKey: lookupKey,
		devices:   make(map[uint32]DeviceRecord),
		events:    make(chan ReceiveEvent, 64),
		done:      make(chan struct{}),
	}
}

// Events returns the fan-out channel. Consumers must keep reading it to
// avoid Dropped growing as the background task's non-blocking send fails.
func (s *Session) Events() <-chan ReceiveEvent { return s.events }

// Dropped reports the number of events dropped due to a full Events
// channel.
func (s *Session) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Start launches the background receive task: receive one frame, decode
// it, update the device registry, and fan out a ReceiveEvent, looping
// until Stop is called.
func (s *Session) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dec := wmbus.NewDecoder()
		for {
			select {
			case <-s.done:
				return
			default:
			}
			raw, err := s.recv.Receive()
			if err != nil {
				s.emit(ReceiveEvent{Kind: EventFrameError, Err: err})
				continue
			}
			s.process(dec, raw)
		}
	}()
}

// Stop signals the background receive task to exit and waits for it.
func (s *Session) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Session) process(dec *wmbus.Decoder, raw []byte) {
	frame, err := dec.Decode(raw)
	if err != nil {
		s.emit(ReceiveEvent{Kind: EventFrameError, Err: err})
		return
	}

	dev := s.touchDevice(frame)
	s.emit(ReceiveEvent{Kind: EventDeviceSeen, Device: dev})

	payload := frame.Payload
	if frame.Encrypted {
		devID := crypto.DeviceID{
			Address:      frame.Address,
			Manufacturer: frame.Manufacturer,
			Version:      frame.Version,
			DeviceType:   frame.DeviceType,
		}
		key, ok := s.lookupKey(devID)
		if !ok {
			s.emit(ReceiveEvent{Kind: EventFrameError, Err: fmt.Errorf("session: no key for device %08x", frame.Address)})
			return
		}
		header := [10]byte{frame.Length, frame.C}
		binary.LittleEndian.PutUint16(header[2:4], frame.Manufacturer)
		binary.LittleEndian.PutUint32(header[4:8], frame.Address)
		header[8] = frame.Version
		header[9] = frame.DeviceType
		aad := crypto.AAD(header, devID)
		plaintext, err := crypto.Decrypt(frame.CI, key, devID, aad, payload, crypto.GCMTagOMS, true)
		if err != nil {
			s.emit(ReceiveEvent{Kind: EventFrameError, Err: err})
			return
		}
		payload = plaintext
	}

	for len(payload) > 0 {
		payload = record.SkipIdleFillers(payload)
		if len(payload) == 0 {
			break
		}
		rec, n, err := record.Walk(payload)
		if err != nil {
			s.emit(ReceiveEvent{Kind: EventFrameError, Err: err})
			return
		}
		if rec.MoreRecordsFollow {
			payload = payload[n:]
			continue
		}
		if rec.FunctionMedium == "manufacturer-specific" {
			// The remainder of the telegram is manufacturer-specific data
			// with no further record boundary to walk.
			return
		}
		s.emit(ReceiveEvent{Kind: EventFrameDecoded, Record: rec})
		payload = payload[n:]
	}
}

func (s *Session) touchDevice(frame wmbus.Frame) DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := s.devices[frame.Address]
	dev.Address = frame.Address
	dev.Manufacturer = frame.Manufacturer
	dev.Version = frame.Version
	dev.DeviceType = frame.DeviceType
	dev.LastSeen = time.Now()
	dev.FrameCount++
	s.devices[frame.Address] = dev
	return dev
}

func (s *Session) emit(ev ReceiveEvent) {
	select {
	case s.events <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Devices returns a snapshot of the device registry.
func (s *Session) Devices() []DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// Snapshot exports the current device registry as CBOR, for external
// inspection or checkpointing by a caller (the engine itself never
// persists state across restarts).
func (s *Session) Snapshot() ([]byte, error) {
	devices := s.Devices()
	return cbor.Marshal(devices)
}
