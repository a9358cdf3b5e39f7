package link

import (
	"testing"

	"meterbus.dev/mbus"
)

func TestSelectPrimaryRejectsReserved(t *testing.T) {
	m := New()
	for _, addr := range []byte{0, mbus.AddrTest, mbus.AddrBroadcast} {
		if err := m.SelectPrimary(addr); err != ErrInvalidAddress {
			t.Fatalf("addr %d: err = %v, want ErrInvalidAddress", addr, err)
		}
	}
}

func TestSelectPrimary253RequiresSecondary(t *testing.T) {
	m := New()
	if err := m.SelectPrimary(mbus.AddrSelectedBySecondary); err != ErrNoSecondarySelect {
		t.Fatalf("err = %v, want ErrNoSecondarySelect", err)
	}
	m.ConfirmSelectSecondary()
	if err := m.SelectPrimary(mbus.AddrSelectedBySecondary); err != nil {
		t.Fatalf("unexpected error after secondary select: %v", err)
	}
}

func TestFCBToggle(t *testing.T) {
	m := New()
	if err := m.SelectPrimary(1); err != nil {
		t.Fatal(err)
	}
	f1, err := m.PackRequestClass2()
	if err != nil {
		t.Fatal(err)
	}
	m.ToggleFCB()
	f2, err := m.PackRequestClass2()
	if err != nil {
		t.Fatal(err)
	}
	if f1[1] == f2[1] {
		t.Fatalf("control byte did not change across FCB toggle: %#x == %#x", f1[1], f2[1])
	}
}

func TestReceiveDataRoundTrip(t *testing.T) {
	m := New()
	if err := m.SelectPrimary(1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PackRequestClass2(); err != nil {
		t.Fatal(err)
	}
	payload := []byte{0x01, 0x02, 0x03}
	f := mbus.Frame{Type: mbus.Long, Control: 0x08, Address: 1, ControlInformation: 0x72, Data: payload}
	var sum byte
	sum += f.Control + f.Address + f.ControlInformation
	for _, b := range payload {
		sum += b
	}
	f.Checksum = sum

	data, more, err := m.ReceiveData(f)
	if err != nil {
		t.Fatal(err)
	}
	if more {
		t.Fatal("unexpected more-records-follow")
	}
	if len(data) != len(payload) {
		t.Fatalf("data = % x", data)
	}
	if m.State() != Idle {
		t.Fatalf("state = %v, want Idle", m.State())
	}
}

func TestReceiveDataAddressMismatch(t *testing.T) {
	m := New()
	if err := m.SelectPrimary(1); err != nil {
		t.Fatal(err)
	}
	f := mbus.Frame{Type: mbus.Long, Control: 0x08, Address: 2, ControlInformation: 0x72}
	if _, _, err := m.ReceiveData(f); err != ErrAddressMismatch {
		t.Fatalf("err = %v, want ErrAddressMismatch", err)
	}
	if m.State() != Error {
		t.Fatalf("state = %v, want Error", m.State())
	}
}

func TestReceiveDataStripsMoreFollowsMarker(t *testing.T) {
	m := New()
	if err := m.SelectPrimary(1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PackRequestClass2(); err != nil {
		t.Fatal(err)
	}
	// One real variable record (DIF 0x0C, VIF 0x13, BCD data) followed by
	// a genuine 0x1F "more follows" DIF continuation marker.
	record := []byte{0x0C, 0x13, 0x15, 0x31, 0x00, 0x00}
	payload := append(append([]byte(nil), record...), 0x1F)
	f := mbus.Frame{Type: mbus.Long, Control: 0x08, Address: 1, ControlInformation: 0x72, Data: payload}
	var sum byte
	sum += f.Control + f.Address + f.ControlInformation
	for _, b := range payload {
		sum += b
	}
	f.Checksum = sum

	data, more, err := m.ReceiveData(f)
	if err != nil {
		t.Fatal(err)
	}
	if !more {
		t.Fatal("expected more-records-follow")
	}
	if len(data) != len(record) {
		t.Fatalf("data = % x, want the 0x1F marker stripped (% x)", data, record)
	}
}

// TestLiveness is the §8.1 liveness property: any sequence of
// select/request/receive/process from Idle ends in Idle or Error, never
// hangs.
func TestLiveness(t *testing.T) {
	m := New()
	if err := m.SelectPrimary(5); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PackRequestClass2(); err != nil {
		t.Fatal(err)
	}
	// Malformed response: wrong control byte.
	bad := mbus.Frame{Type: mbus.Long, Control: 0x18, Address: 5}
	if _, _, err := m.ReceiveData(bad); err == nil {
		t.Fatal("expected error")
	}
	if m.State() != Error && m.State() != Idle {
		t.Fatalf("state = %v after malformed response", m.State())
	}
}

func TestMasterTimeout(t *testing.T) {
	d := MasterTimeout(2400, 0)
	if d <= 0 {
		t.Fatalf("timeout = %v", d)
	}
}
