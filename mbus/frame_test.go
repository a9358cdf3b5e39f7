package mbus

import (
	"bytes"
	"reflect"
	"testing"
)

func TestShortRoundTrip(t *testing.T) {
	f := Frame{Type: Short, Control: 0x53, Address: 0x01}
	f.Checksum = 0x54 // 0x53 + 0x01
	packed, err := Pack(f)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x10, 0x53, 0x01, 0x54, 0x16}
	if !bytes.Equal(packed, want) {
		t.Fatalf("pack = % x, want % x", packed, want)
	}
	got, err := Parse(packed)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Fatalf("parse = %+v, want %+v", got, f)
	}
	if err := Verify(got); err != nil {
		t.Fatal(err)
	}
}

func TestLongParse(t *testing.T) {
	payload := []byte{0x78, 0x56, 0x34, 0x12, 0x2D, 0x2C, 0x01, 0x07}
	covered := append([]byte{0x53, 0xFD, 0x52}, payload...)
	var sum byte
	for _, b := range covered {
		sum += b
	}
	frame := append([]byte{0x68, 0x0B, 0x0B, 0x68, 0x53, 0xFD, 0x52}, payload...)
	frame = append(frame, sum, 0x16)

	got, err := Parse(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != Long {
		t.Fatalf("type = %v, want Long", got.Type)
	}
	if got.Control != 0x53 || got.Address != 0xFD || got.ControlInformation != 0x52 {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Data, payload) {
		t.Fatalf("payload = % x, want % x", got.Data, payload)
	}
	if err := Verify(got); err != nil {
		t.Fatal(err)
	}
}

func TestParsePackRoundTrip(t *testing.T) {
	f := Frame{
		Type:               Long,
		Control:            0x08,
		Address:            0x01,
		ControlInformation: 0x72,
		Data:               []byte{1, 2, 3, 4, 5},
	}
	f.Checksum = f.covered()[0]
	var sum byte
	for _, b := range f.covered() {
		sum += b
	}
	f.Checksum = sum

	packed, err := Pack(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(packed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Control != f.Control || got.Address != f.Address || !bytes.Equal(got.Data, f.Data) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, f)
	}
	if err := Verify(got); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyBadChecksum(t *testing.T) {
	f := Frame{Type: Short, Control: 0x53, Address: 0x01, Checksum: 0x00}
	err := Verify(f)
	var ic *InvalidChecksum
	if err == nil {
		t.Fatal("expected error")
	}
	if !asInvalidChecksum(err, &ic) {
		t.Fatalf("wrong error type: %v", err)
	}
}

func asInvalidChecksum(err error, target **InvalidChecksum) bool {
	ic, ok := err.(*InvalidChecksum)
	if ok {
		*target = ic
	}
	return ok
}

func TestAckRoundTrip(t *testing.T) {
	packed, err := Pack(Frame{Type: Ack})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(packed, []byte{0xE5}) {
		t.Fatalf("pack = % x", packed)
	}
	got, err := Parse(packed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != Ack {
		t.Fatalf("type = %v", got.Type)
	}
}

func TestPackSelect(t *testing.T) {
	mask := SecondaryMask{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	packed, err := PackSelect(mask, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(packed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Control != 0x53 || got.Address != addrNetwork || got.ControlInformation != ciSelect {
		t.Fatalf("select header mismatch: %+v", got)
	}
}
