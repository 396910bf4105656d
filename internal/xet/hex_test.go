package xet

import "testing"

func TestHexLittleEndianSegments(t *testing.T) {
	var h XorbHash
	h[0] = 0x01
	// First 8 bytes read as a little-endian u64 give 0x...01, printed as
	// 16 digits, so the leading byte surfaces at the end of the first
	// segment rather than the front of the string.
	want := "0000000000000001" + "0000000000000000" + "0000000000000000" + "0000000000000000"
	if got := h.Hex(); got != want {
		t.Fatalf("Hex() = %q, want %q", got, want)
	}
}

func TestHexRoundTrip(t *testing.T) {
	var h XorbHash
	for i := range h {
		h[i] = byte(i * 7)
	}
	got, err := XorbHashFromHex(h.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: %v != %v", got, h)
	}
}

func TestHexParseErrors(t *testing.T) {
	if _, err := XorbHashFromHex("abc"); err == nil {
		t.Fatal("short input should fail")
	}
	bad := make([]byte, 64)
	for i := range bad {
		bad[i] = 'g'
	}
	if _, err := ChunkHashFromHex(string(bad)); err == nil {
		t.Fatal("non-hex input should fail")
	}
}
