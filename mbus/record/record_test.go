package record

import (
	"math"
	"testing"
)

func TestWalkVariableVolume(t *testing.T) {
	// Idle filler + DIF 0x0C (8-digit BCD) + VIF 0x13 (m3, 1e-3) + BCD data
	// "00 00 31 15" (little-endian byte order) = 3115 raw units.
	b := []byte{0x2F, 0x0C, 0x13, 0x15, 0x31, 0x00, 0x00}
	b = SkipIdleFillers(b)

	rec, n, err := Walk(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d, want %d", n, len(b))
	}
	if !rec.Value.IsNumeric {
		t.Fatal("expected numeric value")
	}
	const want = 3115 * 1e-3 // raw BCD counter * VIF 0x13 exponent
	if math.Abs(rec.Value.Numeric-want) > 1e-9 {
		t.Fatalf("value = %v, want %v", rec.Value.Numeric, want)
	}
	if rec.Quantity != "Volume" {
		t.Fatalf("quantity = %q, want Volume", rec.Quantity)
	}
	if rec.MoreRecordsFollow {
		t.Fatal("unexpected more-records-follow")
	}
}

func TestWalkMoreRecordsFollow(t *testing.T) {
	rec, n, err := Walk([]byte{0x1F})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !rec.MoreRecordsFollow {
		t.Fatalf("got %+v, n=%d", rec, n)
	}
}

func TestWalkDIFEChainOverflow(t *testing.T) {
	b := make([]byte, 0, 13)
	b = append(b, 0x80) // DIF with extension bit set
	for i := 0; i < 11; i++ {
		b = append(b, 0x80) // 11 DIFEs, all chained -> overflow at 10
	}
	b = append(b, 0x00)
	_, _, err := Walk(b)
	if err != ErrChainOverflow {
		t.Fatalf("err = %v, want ErrChainOverflow", err)
	}
}

func TestWalkCustomVIFTooLong(t *testing.T) {
	b := []byte{0x01, 0x7C, 17}
	b = append(b, make([]byte, 17)...)
	_, _, err := Walk(b)
	if err != ErrCustomVIFTooBig {
		t.Fatalf("err = %v, want ErrCustomVIFTooBig", err)
	}
}

func TestParseFixedEnergy(t *testing.T) {
	b := make([]byte, 16)
	// medium byte at offset 7.
	b[7] = 0x00
	// status at offset 9, bit 0x80 clear -> BCD counter.
	b[9] = 0x00
	// counter BCD "00001234" little-endian nibble order at 12..16.
	b[12], b[13], b[14], b[15] = 0x34, 0x12, 0x00, 0x00
	rec, err := ParseFixed(b)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Unit != "Wh" || rec.Quantity != "Energy" {
		t.Fatalf("got unit=%s quantity=%s", rec.Unit, rec.Quantity)
	}
	want := 1234.0 * 1e-3
	if math.Abs(rec.Value.Numeric-want) > 1e-9 {
		t.Fatalf("value = %v, want %v", rec.Value.Numeric, want)
	}
}

func TestParseFixedUnknownMedium(t *testing.T) {
	b := make([]byte, 16)
	b[7] = 0xAB
	_, err := ParseFixed(b)
	if err == nil {
		t.Fatal("expected error")
	}
}
