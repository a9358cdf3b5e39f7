package serial

import (
	"testing"
	"time"
)

func TestRxTimeoutTable(t *testing.T) {
	cases := []struct {
		baud int
		want time.Duration
	}{
		{300, 1300 * time.Millisecond},
		{600, 800 * time.Millisecond},
		{1200, 500 * time.Millisecond},
		{2400, 300 * time.Millisecond},
		{4800, 300 * time.Millisecond},
		{9600, 200 * time.Millisecond},
		{19200, 200 * time.Millisecond},
		{38400, 200 * time.Millisecond},
		{57600, 500 * time.Millisecond},
	}
	for _, c := range cases {
		if got := rxTimeout(c.baud); got != c.want {
			t.Errorf("rxTimeout(%d) = %v, want %v", c.baud, got, c.want)
		}
	}
}

func TestOpenRejectsEmptyDevice(t *testing.T) {
	_, err := Open("", 9600)
	if err != ErrNoDevice {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}
