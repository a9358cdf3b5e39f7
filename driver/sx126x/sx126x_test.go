package sx126x

import (
	"testing"
	"time"
)

func TestValidTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{Sleep, StandbyRc},
		{Sleep, StandbyXosc},
		{StandbyRc, StandbyXosc},
		{StandbyXosc, StandbyRc},
		{StandbyRc, FreqSynth},
		{StandbyRc, Sleep},
		{FreqSynth, Tx},
		{FreqSynth, Rx},
		{FreqSynth, StandbyRc},
		{Tx, Rx},
		{Rx, Tx},
		{Tx, StandbyRc},
		{Rx, StandbyRc},
	}
	for _, c := range allowed {
		if !validTransition(c.from, c.to) {
			t.Errorf("validTransition(%v, %v) = false, want true", c.from, c.to)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	disallowed := []struct{ from, to State }{
		{Sleep, Tx},
		{Sleep, Rx},
		{Sleep, FreqSynth},
		{Tx, Sleep},
		{Rx, Sleep},
		{FreqSynth, Sleep},
	}
	for _, c := range disallowed {
		if validTransition(c.from, c.to) {
			t.Errorf("validTransition(%v, %v) = true, want false", c.from, c.to)
		}
	}
}

func TestInvalidStateTransitionError(t *testing.T) {
	err := &InvalidStateTransitionError{From: Sleep, To: Tx}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestFreqToReg(t *testing.T) {
	// 868 MHz against a 32 MHz crystal (common SX126x reference clock).
	const freq = 868_000_000
	const xtal = 32_000_000
	got := freqToReg(freq, xtal)
	want := uint64(freq) << 25 / uint64(xtal)
	if got != want {
		t.Fatalf("freqToReg = %d, want %d", got, want)
	}
	if got == 0 {
		t.Fatal("freqToReg produced zero register value")
	}
}

func TestBitrateToParam(t *testing.T) {
	got := bitrateToParam(4800, 32_000_000)
	want := uint64(32 * 32_000_000 / 4800)
	if got != want {
		t.Fatalf("bitrateToParam = %d, want %d", got, want)
	}
}

func TestTimeoutToSteps(t *testing.T) {
	got := timeoutToSteps(1 * time.Second)
	// 1s / 15.625us = 64000 steps.
	if got != 64000 {
		t.Fatalf("timeoutToSteps(1s) = %d, want 64000", got)
	}
}

func TestClassifyPriorityOrdering(t *testing.T) {
	cases := []struct {
		status uint16
		kind   EventKind
		prio   Priority
	}{
		{irqCRCErr, EventCRCError, PriorityCritical},
		{irqHeaderErr, EventHeaderError, PriorityCritical},
		{irqRxDone, EventRxDone, PriorityHigh},
		{irqTxDone, EventTxDone, PriorityHigh},
		{irqCADDone, EventCADDone, PriorityMedium},
		{irqPreambleDet, EventPreambleDetected, PriorityMedium},
		{irqTimeout, EventTimeout, PriorityLow},
	}
	for _, c := range cases {
		kind := classify(c.status)
		if kind != c.kind {
			t.Errorf("classify(%#x) = %v, want %v", c.status, kind, c.kind)
		}
		if kind.Priority() != c.prio {
			t.Errorf("%v.Priority() = %v, want %v", kind, kind.Priority(), c.prio)
		}
	}
}

func TestClassifyCRCTakesPriorityOverRxDone(t *testing.T) {
	// Both bits set: CRC error must win classification since it is
	// Critical priority and RxDone without valid CRC is not a usable frame.
	status := uint16(irqCRCErr | irqRxDone)
	if got := classify(status); got != EventCRCError {
		t.Fatalf("classify(CRCErr|RxDone) = %v, want EventCRCError", got)
	}
}
