// This file is part of drgn-go.
//
// drgn-go is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// drgn-go is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with drgn-go.  If not, see <https://www.gnu.org/licenses/>.

package dwarf

import (
	"encoding/binary"
	"fmt"

	derrors "github.com/ptesarik/drgn-go/errors"
	"github.com/ptesarik/drgn-go/internal/leb128"
)

// Buffer is a bounds-checked positional decoder over one section's bytes
// (spec.md §4.1, C1). Every failure carries the byte position relative to
// the owning section; callers enrich it with a module name via
// Buffer.errorf.
type Buffer struct {
	moduleName string
	sectionID  SectionID
	order      binary.ByteOrder

	data []byte
	pos  int
	prev int // start of the last-decoded item, for error anchoring
}

// NewBuffer wraps data for bounds-checked decoding. order selects the
// module's byte order; sectionID and moduleName are used only to enrich
// error messages.
func NewBuffer(moduleName string, sectionID SectionID, order binary.ByteOrder, data []byte) *Buffer {
	return &Buffer{moduleName: moduleName, sectionID: sectionID, order: order, data: data}
}

// Pos returns the buffer's current byte position.
func (b *Buffer) Pos() int { return b.pos }

// Len returns the total length of the underlying section data.
func (b *Buffer) Len() int { return len(b.data) }

// Done reports whether the buffer has been read to its end. pos == end is
// legal and signals end-of-stream, not an error.
func (b *Buffer) Done() bool { return b.pos >= len(b.data) }

// Remaining returns the unread tail of the buffer without consuming it.
func (b *Buffer) Remaining() []byte { return b.data[b.pos:] }

func (b *Buffer) errorf(format string, args ...interface{}) error {
	msg := formatOffset(b.prev) + ": " + fmt.Sprintf(format, args...)
	return derrors.NewStructural("buffer", "%s[%s]: %s", b.moduleName, b.sectionID, msg)
}

func formatOffset(pos int) string {
	return fmt.Sprintf("offset %#x", pos)
}

func (b *Buffer) need(n int) error {
	b.prev = b.pos
	if b.pos+n > len(b.data) {
		return b.errorf("need %d bytes, have %d", n, len(b.data)-b.pos)
	}
	return nil
}

// Skip advances the position by n bytes without interpreting them.
func (b *Buffer) Skip(n int) error {
	if err := b.need(n); err != nil {
		return err
	}
	b.pos += n
	return nil
}

// U8 reads one unsigned byte.
func (b *Buffer) U8() (uint8, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// U16 reads a 2-byte unsigned integer in the buffer's byte order.
func (b *Buffer) U16() (uint16, error) {
	if err := b.need(2); err != nil {
		return 0, err
	}
	v := b.order.Uint16(b.data[b.pos:])
	b.pos += 2
	return v, nil
}

// U32 reads a 4-byte unsigned integer in the buffer's byte order.
func (b *Buffer) U32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := b.order.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

// U64 reads an 8-byte unsigned integer in the buffer's byte order.
func (b *Buffer) U64() (uint64, error) {
	if err := b.need(8); err != nil {
		return 0, err
	}
	v := b.order.Uint64(b.data[b.pos:])
	b.pos += 8
	return v, nil
}

// S8/S16/S32/S64 read signed integers, widened to int64.

func (b *Buffer) S8() (int64, error) {
	v, err := b.U8()
	return int64(int8(v)), err
}

func (b *Buffer) S16() (int64, error) {
	v, err := b.U16()
	return int64(int16(v)), err
}

func (b *Buffer) S32() (int64, error) {
	v, err := b.U32()
	return int64(int32(v)), err
}

func (b *Buffer) S64() (int64, error) {
	v, err := b.U64()
	return int64(v), err
}

// Uint reads an n-byte (1..8) little/big-endian unsigned integer,
// widened to uint64, as used for variable-width address and offset
// fields (DW_FORM_addr with a non-power-of-two size, EH-frame encoded
// pointers, and so on).
func (b *Buffer) Uint(n int) (uint64, error) {
	if n < 1 || n > 8 {
		return 0, b.errorf("unsupported integer width %d", n)
	}
	if err := b.need(n); err != nil {
		return 0, err
	}
	buf := b.data[b.pos : b.pos+n]
	var v uint64
	if b.order == binary.LittleEndian {
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
	} else {
		for i := 0; i < n; i++ {
			v = v<<8 | uint64(buf[i])
		}
	}
	b.pos += n
	return v, nil
}

// ULEB128 reads an unsigned LEB128 value.
func (b *Buffer) ULEB128() (uint64, error) {
	b.prev = b.pos
	v, n, ok := leb128.DecodeULEB128(b.data[b.pos:])
	if !ok {
		return 0, b.errorf("truncated ULEB128")
	}
	b.pos += n
	return v, nil
}

// SLEB128 reads a signed LEB128 value.
func (b *Buffer) SLEB128() (int64, error) {
	b.prev = b.pos
	v, n, ok := leb128.DecodeSLEB128(b.data[b.pos:])
	if !ok {
		return 0, b.errorf("truncated SLEB128")
	}
	b.pos += n
	return v, nil
}

// SkipLEB128 advances past one ULEB128-encoded value without decoding it.
func (b *Buffer) SkipLEB128() error {
	_, err := b.ULEB128()
	return err
}

// Block reads an n-byte block of raw bytes.
func (b *Buffer) Block(n int) ([]byte, error) {
	if err := b.need(n); err != nil {
		return nil, err
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// CString reads a null-terminated string, consuming the terminator.
func (b *Buffer) CString() (string, error) {
	b.prev = b.pos
	i := b.pos
	for i < len(b.data) && b.data[i] != 0 {
		i++
	}
	if i >= len(b.data) {
		return "", b.errorf("unterminated string")
	}
	s := string(b.data[b.pos:i])
	b.pos = i + 1
	return s, nil
}

// Align rounds the position up to the given alignment (in bytes), used
// by the EH-frame "aligned" address encoding.
func (b *Buffer) Align(n int) {
	if n <= 1 {
		return
	}
	if r := b.pos % n; r != 0 {
		b.pos += n - r
	}
}
