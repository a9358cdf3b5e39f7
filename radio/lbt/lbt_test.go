package lbt

import (
	"errors"
	"testing"
	"time"
)

type fakeTransceiver struct {
	rssi float64
	err  error
}

func (f *fakeTransceiver) RSSI() (float64, error) { return f.rssi, f.err }

func noSleep(time.Duration) {}

func TestGateClearBelowThreshold(t *testing.T) {
	tr := &fakeTransceiver{rssi: -90}
	clear, rssi, err := Gate(tr, DefaultParams(), noSleep)
	if err != nil {
		t.Fatal(err)
	}
	if !clear {
		t.Fatal("expected channel clear")
	}
	if rssi != -90 {
		t.Fatalf("rssi = %v", rssi)
	}
}

func TestGateBusyAboveThreshold(t *testing.T) {
	tr := &fakeTransceiver{rssi: -50}
	clear, _, err := Gate(tr, DefaultParams(), noSleep)
	if err != nil {
		t.Fatal(err)
	}
	if clear {
		t.Fatal("expected channel busy")
	}
}

func TestTransmitSucceedsOnClearChannel(t *testing.T) {
	tr := &fakeTransceiver{rssi: -90}
	called := false
	err := Transmit(tr, DefaultParams(), noSleep, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("transmit callback not invoked")
	}
}

func TestTransmitFailsWithChannelBusy(t *testing.T) {
	tr := &fakeTransceiver{rssi: -50}
	err := Transmit(tr, DefaultParams(), noSleep, func() error {
		t.Fatal("transmit should not be called on a busy channel")
		return nil
	})
	var busyErr *ChannelBusyError
	if !errors.As(err, &busyErr) {
		t.Fatalf("err = %v, want *ChannelBusyError", err)
	}
}

func TestDutyCycleTracker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := NewDutyCycleTracker(1 * time.Hour)
	// 1% of 1 hour = 36s.
	if !d.CanTransmit(now, 10*time.Second, 1.0) {
		t.Fatal("expected 10s transmission to be allowed initially")
	}
	d.Record(now, 30*time.Second)
	if d.CanTransmit(now, 10*time.Second, 1.0) {
		t.Fatal("expected 10s transmission to exceed 1% budget after 30s already used")
	}
}

func TestDutyCycleTrackerPrunesOldEvents(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	d := NewDutyCycleTracker(1 * time.Hour)
	d.Record(start, 30*time.Second)
	later := start.Add(2 * time.Hour)
	if !d.CanTransmit(later, 30*time.Second, 1.0) {
		t.Fatal("expected old event to have been pruned from the window")
	}
}

func TestPowerControllerAverageCurrent(t *testing.T) {
	p := NewPowerController()
	p.Transition(DeepSleep, 1*time.Minute)
	p.Transition(Active, 1*time.Hour)
	avg := p.AverageCurrentUA()
	if avg <= 0 || avg >= averageCurrentUA[Active] {
		t.Fatalf("average current %v out of expected range", avg)
	}
}

func TestPowerControllerDefaultsToCurrentMode(t *testing.T) {
	p := NewPowerController()
	if got := p.AverageCurrentUA(); got != averageCurrentUA[Active] {
		t.Fatalf("got %v, want %v", got, averageCurrentUA[Active])
	}
}
