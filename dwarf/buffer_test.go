package dwarf

import (
	"encoding/binary"
	"testing"
)

func TestBufferFixedWidthReads(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	b := NewBuffer("mod", SecDebugInfo, binary.LittleEndian, data)

	v8, err := b.U8()
	if err != nil || v8 != 0x01 {
		t.Fatalf("U8: got %#x, %v", v8, err)
	}
	v16, err := b.U16()
	if err != nil || v16 != 0x0302 {
		t.Fatalf("U16: got %#x, %v", v16, err)
	}
	v32, err := b.U32()
	if err != nil || v32 != 0x07060504 {
		t.Fatalf("U32: got %#x, %v", v32, err)
	}
}

func TestBufferReadPastEndFails(t *testing.T) {
	b := NewBuffer("mod", SecDebugInfo, binary.LittleEndian, []byte{0x01})
	if _, err := b.U32(); err == nil {
		t.Fatalf("expected an error reading past end of buffer")
	}
}

func TestBufferPosEqualsEndIsNotAnError(t *testing.T) {
	b := NewBuffer("mod", SecDebugInfo, binary.LittleEndian, []byte{0x01})
	if _, err := b.U8(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Done() {
		t.Fatalf("expected buffer to be done")
	}
}

func TestBufferULEB128(t *testing.T) {
	// 624485 encodes to E5 8E 26 per the DWARF spec's worked example.
	b := NewBuffer("mod", SecDebugInfo, binary.LittleEndian, []byte{0xE5, 0x8E, 0x26})
	v, err := b.ULEB128()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 624485 {
		t.Fatalf("got %d, want 624485", v)
	}
}

func TestBufferSLEB128Negative(t *testing.T) {
	// -624485 encodes to 9B F1 59 per the DWARF spec's worked example.
	b := NewBuffer("mod", SecDebugInfo, binary.LittleEndian, []byte{0x9B, 0xF1, 0x59})
	v, err := b.SLEB128()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != -624485 {
		t.Fatalf("got %d, want -624485", v)
	}
}

func TestBufferCString(t *testing.T) {
	b := NewBuffer("mod", SecDebugStr, binary.LittleEndian, []byte("hello\x00world"))
	s, err := b.CString()
	if err != nil || s != "hello" {
		t.Fatalf("got %q, %v", s, err)
	}
}

func TestBufferUintVariableWidth(t *testing.T) {
	le := NewBuffer("mod", SecEHFrame, binary.LittleEndian, []byte{0x01, 0x02, 0x03})
	v, err := le.Uint(3)
	if err != nil || v != 0x030201 {
		t.Fatalf("le Uint(3): got %#x, %v", v, err)
	}

	be := NewBuffer("mod", SecEHFrame, binary.BigEndian, []byte{0x01, 0x02, 0x03})
	v, err = be.Uint(3)
	if err != nil || v != 0x010203 {
		t.Fatalf("be Uint(3): got %#x, %v", v, err)
	}
}
