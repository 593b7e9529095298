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

	derrors "github.com/ptesarik/drgn-go/errors"
	"github.com/ptesarik/drgn-go/internal/bits"
)

// ObjectKind distinguishes the shape of a materialized object (spec.md
// §4.7, C7).
type ObjectKind int

const (
	ObjAbsent ObjectKind = iota
	ObjReference
	ObjValue
)

// Object is the result of combining a location expression and a type
// into a description of where a variable's storage actually is.
type Object struct {
	Kind ObjectKind

	// Address is valid when Kind == ObjReference: the object lives in
	// target memory at this address (module load bias already applied,
	// unless the address falls outside the module's mapped range).
	Address uint64

	// Value holds the materialized bytes when Kind == ObjValue.
	Value []byte

	BitSize int
}

// objPiece is one contributor to a (possibly composite) object, before
// the pieces are combined.
type objPiece struct {
	kind     string // "memory", "register", "implicit", "stackvalue", "unknown"
	addr     uint64
	regno    int
	bytes    []byte
	stackVal uint64
	bitSize  int
}

// ObjectMaterializer implements spec.md §4.7 (C7): it evaluates a
// location expression via the evaluator (C4) until it stops at a
// location-description opcode, interprets one piece, and repeats until
// the expression is exhausted, then combines the accumulated pieces into
// a single Object.
type ObjectMaterializer struct {
	ctx *ExprContext

	// LoadBias is added to a pure-memory object's address unless
	// HaveMappedRange is set and the address falls outside
	// [MappedLow, MappedHigh).
	LoadBias              uint64
	MappedLow, MappedHigh uint64
	HaveMappedRange       bool
}

// NewObjectMaterializer builds a materializer for one evaluation context.
func NewObjectMaterializer(ctx *ExprContext) *ObjectMaterializer {
	return &ObjectMaterializer{ctx: ctx}
}

// Materialize runs expr to produce an Object of the given bit size.
// isTemplateValueParam requires a fully-known value (spec.md §4.7's
// "must have a value" rule for DW_TAG_template_value_parameter); for any
// other kind, an incompletely-known object is reported as absent rather
// than erroring.
func (m *ObjectMaterializer) Materialize(expr []byte, bitSize int, isTemplateValueParam bool) (*Object, error) {
	if len(expr) == 0 {
		return &Object{Kind: ObjAbsent, BitSize: bitSize}, nil
	}

	eval := NewEvaluator(m.ctx, expr)
	var pieces []objPiece

	for {
		if err := eval.Run(); err != nil {
			return nil, err
		}

		if eval.Reason == StopEndOfExpression {
			if len(pieces) == 0 {
				// No location-description opcode at all: the top of the
				// stack is a plain memory address, covering the whole
				// object.
				addr, err := eval.top()
				if err != nil {
					return nil, err
				}
				pieces = append(pieces, objPiece{kind: "memory", addr: addr, bitSize: bitSize})
			}
			break
		}

		opcode := eval.StopOpcode
		if _, err := eval.buf.U8(); err != nil { // consume the opcode itself
			return nil, err
		}

		switch {
		case opcode >= opReg0 && opcode <= opReg31:
			p := objPiece{kind: "register", regno: int(opcode - opReg0)}
			pieces = append(pieces, m.delimitPiece(eval, p, bitSize, len(pieces) == 0 && eval.buf.Done()))

		case opcode == opImplicitValue:
			size, err := eval.buf.ULEB128()
			if err != nil {
				return nil, err
			}
			data, err := eval.buf.Block(int(size))
			if err != nil {
				return nil, err
			}
			p := objPiece{kind: "implicit", bytes: data, bitSize: len(data) * 8}
			pieces = append(pieces, p)

		case opcode == opStackValue:
			v, err := eval.pop()
			if err != nil {
				return nil, err
			}
			p := objPiece{kind: "stackvalue", stackVal: v}
			pieces = append(pieces, m.delimitPiece(eval, p, bitSize, len(pieces) == 0 && eval.buf.Done()))

		case opcode == opPiece:
			size, err := eval.buf.ULEB128()
			if err != nil {
				return nil, err
			}
			if len(eval.stack) > 0 {
				addr, err := eval.pop()
				if err != nil {
					return nil, err
				}
				pieces = append(pieces, objPiece{kind: "memory", addr: addr, bitSize: int(size) * 8})
			} else {
				pieces = append(pieces, objPiece{kind: "unknown", bitSize: int(size) * 8})
			}

		case opcode == opBitPiece:
			sizeBits, err := eval.buf.ULEB128()
			if err != nil {
				return nil, err
			}
			if _, err := eval.buf.ULEB128(); err != nil { // bit offset within the source; not modeled per-source here
				return nil, err
			}
			if len(eval.stack) > 0 {
				addr, err := eval.pop()
				if err != nil {
					return nil, err
				}
				pieces = append(pieces, objPiece{kind: "memory", addr: addr, bitSize: int(sizeBits)})
			} else {
				pieces = append(pieces, objPiece{kind: "unknown", bitSize: int(sizeBits)})
			}

		default:
			return nil, derrors.NewStructural("object", "unexpected location-description opcode %#x", opcode)
		}

		if eval.buf.Done() {
			break
		}
	}

	return m.combine(pieces, bitSize, isTemplateValueParam)
}

// delimitPiece looks at what follows a register/stack_value opcode: an
// explicit piece/bit_piece delimiter, or nothing (the single opcode
// covers the whole object).
func (m *ObjectMaterializer) delimitPiece(eval *Evaluator, p objPiece, bitSize int, wholeObject bool) objPiece {
	if eval.buf.Done() {
		p.bitSize = bitSize
		return p
	}
	peekPos := eval.buf.Pos()
	opcode, err := eval.buf.U8()
	if err != nil {
		p.bitSize = bitSize
		return p
	}
	switch opcode {
	case opPiece:
		size, err := eval.buf.ULEB128()
		if err == nil {
			p.bitSize = int(size) * 8
			return p
		}
	case opBitPiece:
		sizeBits, err := eval.buf.ULEB128()
		if err == nil {
			if _, err := eval.buf.ULEB128(); err == nil {
				p.bitSize = int(sizeBits)
				return p
			}
		}
	}
	// Not a delimiter after all: rewind, this opcode starts the next
	// piece's own location description.
	eval.buf.pos = peekPos
	p.bitSize = bitSize
	return p
}

func (m *ObjectMaterializer) combine(pieces []objPiece, bitSize int, isTemplateValueParam bool) (*Object, error) {
	total := 0
	for _, p := range pieces {
		total += p.bitSize
	}
	if total != bitSize {
		if isTemplateValueParam {
			return nil, derrors.NewStructural("object", "template value parameter must have a complete value (got %d of %d bits)", total, bitSize)
		}
		return &Object{Kind: ObjAbsent, BitSize: bitSize}, nil
	}

	pureMemory := true
	contiguous := true
	for i, p := range pieces {
		if p.kind != "memory" {
			pureMemory = false
			break
		}
		if i > 0 {
			prev := pieces[i-1]
			if p.addr != prev.addr+uint64(prev.bitSize/8) {
				contiguous = false
			}
		}
	}

	if pureMemory && contiguous && len(pieces) > 0 {
		return &Object{Kind: ObjReference, Address: m.biased(pieces[0].addr), BitSize: bitSize}, nil
	}

	buf := make([]byte, (bitSize+7)/8)
	bitPos := 0
	for _, p := range pieces {
		var src []byte
		switch p.kind {
		case "memory":
			if m.ctx.Memory == nil {
				return &Object{Kind: ObjAbsent, BitSize: bitSize}, nil
			}
			data, err := m.ctx.Memory.ReadMemory(p.addr, (p.bitSize+7)/8, false)
			if err != nil {
				return nil, derrors.NewStructural("object", "reading memory piece at %#x: %v", p.addr, err)
			}
			src = data
		case "register":
			if m.ctx.Registers == nil || !m.ctx.Registers.Has(p.regno) {
				return &Object{Kind: ObjAbsent, BitSize: bitSize}, nil
			}
			raw, _ := m.ctx.Registers.Get(p.regno)
			src = raw
		case "implicit":
			src = p.bytes
		case "stackvalue":
			tmp := make([]byte, 8)
			order := m.ctx.ByteOrder
			if order == nil {
				order = binary.LittleEndian
			}
			order.PutUint64(tmp, p.stackVal)
			src = tmp
		case "unknown":
			return &Object{Kind: ObjAbsent, BitSize: bitSize}, nil
		}

		order := m.ctx.ByteOrder
		var extracted uint64
		if order == binary.BigEndian {
			extracted = bits.ExtractBitsBE(src, 0, p.bitSize)
		} else {
			extracted = bits.ExtractBitsLE(src, 0, p.bitSize)
		}
		writeBitsLE(buf, bitPos, p.bitSize, extracted)
		bitPos += p.bitSize
	}

	return &Object{Kind: ObjValue, Value: buf, BitSize: bitSize}, nil
}

func writeBitsLE(dst []byte, bitOffset, width int, value uint64) {
	for i := 0; i < width; i++ {
		bit := bitOffset + i
		byteIdx := bit / 8
		bitIdx := uint(bit % 8)
		if byteIdx >= len(dst) {
			return
		}
		if value&(1<<uint(i)) != 0 {
			dst[byteIdx] |= 1 << bitIdx
		}
	}
}

func (m *ObjectMaterializer) biased(addr uint64) uint64 {
	if m.HaveMappedRange && (addr < m.MappedLow || addr >= m.MappedHigh) {
		return addr
	}
	return addr + m.LoadBias
}
