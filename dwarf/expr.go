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

	"github.com/ptesarik/drgn-go/internal/bits"
	derrors "github.com/ptesarik/drgn-go/errors"
	"github.com/ptesarik/drgn-go/logger"
)

// maxExprOps bounds the number of opcodes a single expression evaluation
// may execute (spec.md §3, §5, §8): evaluation always terminates.
const maxExprOps = 10000

// ExprContext carries everything one expression evaluation needs (spec.md
// §3 "Expression context"): the expression bytes, the module it came
// from, the address size to mask results to, and, optionally, the
// enclosing compile unit / subprogram DIE and a register snapshot.
type ExprContext struct {
	Module      Module
	AddressSize int
	ByteOrder   binary.ByteOrder

	CU       *CU
	Function *DIE // the enclosing DW_TAG_subprogram, for fbreg

	Registers RegisterState
	Memory    MemoryReader

	// AddrBase resolves an index into .debug_addr (DW_AT_addr_base plus
	// the index) to an address, for addrx/constx.
	AddrBase func(index uint64) (uint64, error)

	// Trace, if non-nil, receives a human-readable line per executed
	// opcode: the derivation trail the teacher's UI uses to explain why a
	// variable resolved where it did (SPEC_FULL.md "Derivation trace").
	Trace interface{ WriteString(string) (int, error) }
}

func (c *ExprContext) trace(format string, args ...interface{}) {
	if c == nil || c.Trace == nil {
		return
	}
	c.Trace.WriteString(fmt.Sprintf(format, args...) + "\n")
}

func (c *ExprContext) addressMask() uint64 {
	bitsN := c.AddressSize * 8
	if bitsN <= 0 || bitsN >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bitsN)) - 1
}

// StopReason distinguishes why Evaluator.Run returned control to the
// caller.
type StopReason int

const (
	StopEndOfExpression StopReason = iota
	StopLocationDescription
)

// Evaluator is the DWARF expression stack machine (spec.md §4.4, C4). It
// operates on a 64-bit value stack, masking every result to the context's
// address size, and stops without consuming the opcode when it reaches a
// location-description opcode (reg*, implicit_value, stack_value, piece,
// bit_piece): the caller (the location resolver or the object
// materializer) handles those.
type Evaluator struct {
	ctx   *ExprContext
	buf   *Buffer
	stack []uint64
	ops   int

	// StopOpcode is the opcode Run stopped at when Reason ==
	// StopLocationDescription. The buffer position is left exactly at
	// that opcode, unconsumed.
	StopOpcode byte
	Reason     StopReason
}

// NewEvaluator creates an evaluator over expr, ready to Run.
func NewEvaluator(ctx *ExprContext, expr []byte) *Evaluator {
	order := ctx.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	return &Evaluator{
		ctx: ctx,
		buf: NewBuffer(ctx.Module.Name(), SecDebugInfo, order, expr),
	}
}

// Stack returns the current value stack, top last.
func (e *Evaluator) Stack() []uint64 { return e.stack }

// Pos returns the evaluator's current byte offset into the expression.
func (e *Evaluator) Pos() int { return e.buf.Pos() }

func (e *Evaluator) push(v uint64) {
	e.stack = append(e.stack, v&e.ctx.addressMask())
}

func (e *Evaluator) pop() (uint64, error) {
	if len(e.stack) == 0 {
		return 0, derrors.NewStructural("expr", "stack underflow")
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

func (e *Evaluator) top() (uint64, error) {
	if len(e.stack) == 0 {
		return 0, derrors.NewStructural("expr", "stack underflow")
	}
	return e.stack[len(e.stack)-1], nil
}

// Run executes opcodes until the expression is exhausted, an error
// occurs, or a location-description opcode is reached (in which case Run
// returns with Reason == StopLocationDescription and StopOpcode set, and
// the buffer positioned exactly at that opcode for the caller to
// interpret and, if it wants to keep going, to skip past itself before
// calling Run again).
func (e *Evaluator) Run() error {
	e.Reason = StopEndOfExpression
	for {
		if e.buf.Done() {
			return nil
		}

		e.ops++
		if e.ops > maxExprOps {
			return derrors.NewStructural("expr", "exceeded %d operation budget", maxExprOps)
		}

		startPos := e.buf.Pos()
		opcode, err := e.buf.U8()
		if err != nil {
			return err
		}

		if isLocationDescription(opcode) {
			e.Reason = StopLocationDescription
			e.StopOpcode = opcode
			e.buf.pos = startPos // leave unconsumed for the caller
			return nil
		}

		if reason, unsupported := isUnsupported(opcode); unsupported {
			return derrors.NewStructural("expr", "unsupported DWARF feature: %s (opcode %#x)", reason, opcode)
		}

		if err := e.step(opcode); err != nil {
			return err
		}
		if opcode < opLit0 || opcode > opLit31 { // literals trace themselves in step
			e.ctx.trace("op %#x", opcode)
		}
	}
}

func (e *Evaluator) step(opcode byte) error {
	switch {
	case opcode >= opLit0 && opcode <= opLit31:
		e.push(uint64(opcode - opLit0))
		e.ctx.trace("lit%d", opcode-opLit0)
		return nil

	case opcode >= opBreg0 && opcode <= opBreg31:
		return e.breg(int(opcode - opBreg0))
	}

	switch opcode {
	case opAddr:
		v, err := e.buf.Uint(e.ctx.AddressSize)
		if err != nil {
			return err
		}
		e.push(v)
		return nil

	case opAddrx:
		idx, err := e.buf.ULEB128()
		if err != nil {
			return err
		}
		return e.pushAddrBase(idx)

	case opConstx:
		idx, err := e.buf.ULEB128()
		if err != nil {
			return err
		}
		return e.pushAddrBase(idx)

	case opConst1u:
		v, err := e.buf.U8()
		e.push(uint64(v))
		return err
	case opConst1s:
		v, err := e.buf.S8()
		e.push(uint64(v))
		return err
	case opConst2u:
		v, err := e.buf.U16()
		e.push(uint64(v))
		return err
	case opConst2s:
		v, err := e.buf.S16()
		e.push(uint64(v))
		return err
	case opConst4u:
		v, err := e.buf.U32()
		e.push(uint64(v))
		return err
	case opConst4s:
		v, err := e.buf.S32()
		e.push(uint64(v))
		return err
	case opConst8u:
		v, err := e.buf.U64()
		e.push(v)
		return err
	case opConst8s:
		v, err := e.buf.S64()
		e.push(uint64(v))
		return err
	case opConstu:
		v, err := e.buf.ULEB128()
		e.push(v)
		return err
	case opConsts:
		v, err := e.buf.SLEB128()
		e.push(uint64(v))
		return err

	case opDup:
		v, err := e.top()
		if err != nil {
			return err
		}
		e.push(v)
		return nil
	case opDrop:
		_, err := e.pop()
		return err
	case opOver:
		if len(e.stack) < 2 {
			return derrors.NewStructural("expr", "stack underflow on over")
		}
		e.push(e.stack[len(e.stack)-2])
		return nil
	case opSwap:
		if len(e.stack) < 2 {
			return derrors.NewStructural("expr", "stack underflow on swap")
		}
		n := len(e.stack)
		e.stack[n-1], e.stack[n-2] = e.stack[n-2], e.stack[n-1]
		return nil
	case opRot:
		if len(e.stack) < 3 {
			return derrors.NewStructural("expr", "stack underflow on rot")
		}
		n := len(e.stack)
		e.stack[n-1], e.stack[n-2], e.stack[n-3] = e.stack[n-2], e.stack[n-3], e.stack[n-1]
		return nil
	case opPick:
		n, err := e.buf.U8()
		if err != nil {
			return err
		}
		idx := len(e.stack) - 1 - int(n)
		if idx < 0 {
			return derrors.NewStructural("expr", "pick index %d out of range", n)
		}
		e.push(e.stack[idx])
		return nil

	case opDeref:
		return e.deref(e.ctx.AddressSize)
	case opDerefSize:
		n, err := e.buf.U8()
		if err != nil {
			return err
		}
		return e.deref(int(n))

	case opAbs, opAnd, opDiv, opMinus, opMod, opMul, opNeg, opNot, opOr, opPlus, opShl, opShr, opShra, opXor:
		return e.arith(opcode)

	case opPlusUconst:
		n, err := e.buf.ULEB128()
		if err != nil {
			return err
		}
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(v + n)
		return nil

	case opEq, opGe, opGt, opLe, opLt, opNe:
		return e.relational(opcode)

	case opSkip:
		return e.jump(true)
	case opBra:
		return e.jump(false)

	case opNop:
		return nil

	case opFbreg:
		return e.fbreg()

	case opRegx:
		// regx is a location-description opcode but carries an operand
		// (the register number) that must still be consumed by the
		// caller once it inspects StopOpcode; we never reach here
		// because isLocationDescription already intercepted it.
		return derrors.NewStructural("expr", "internal error: regx reached step()")

	case opBregx:
		reg, err := e.buf.ULEB128()
		if err != nil {
			return err
		}
		off, err := e.buf.SLEB128()
		if err != nil {
			return err
		}
		return e.bregValue(int(reg), off)

	case opCallFrameCFA:
		if e.ctx.Registers == nil {
			return derrors.NewNotFound("expr", "no register state for call_frame_cfa")
		}
		cfa, ok := e.ctx.Registers.CFA()
		if !ok {
			return derrors.NewNotFound("expr", "register state has no CFA")
		}
		e.push(cfa)
		return nil

	case opPushObjectAddress:
		return derrors.NewStructural("expr", "unsupported DW_OP_push_object_address")

	default:
		return derrors.NewStructural("expr", "unknown opcode %#x", opcode)
	}
}

func (e *Evaluator) pushAddrBase(index uint64) error {
	if e.ctx.AddrBase == nil {
		return derrors.NewStructural("expr", "addrx/constx without DW_AT_addr_base")
	}
	v, err := e.ctx.AddrBase(index)
	if err != nil {
		return err
	}
	e.push(v)
	return nil
}

func (e *Evaluator) deref(size int) error {
	addr, err := e.pop()
	if err != nil {
		return err
	}
	if e.ctx.Memory == nil {
		return derrors.NewNotFound("expr", "no memory reader for deref")
	}
	raw, err := e.ctx.Memory.ReadMemory(addr, size, false)
	if err != nil {
		return derrors.NewStructural("expr", "deref at %#x: %v", addr, err)
	}
	var v uint64
	order := e.ctx.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	for i := 0; i < size && i < len(raw); i++ {
		var shift int
		if order == binary.LittleEndian {
			shift = i * 8
		} else {
			shift = (size - 1 - i) * 8
		}
		v |= uint64(raw[i]) << uint(shift)
	}
	e.push(v)
	return nil
}

func (e *Evaluator) breg(regno int) error {
	off, err := e.buf.SLEB128()
	if err != nil {
		return err
	}
	return e.bregValue(regno, off)
}

func (e *Evaluator) bregValue(regno int, off int64) error {
	if e.ctx.Registers == nil || !e.ctx.Registers.Has(regno) {
		return derrors.NewNotFound("expr", "register r%d not available", regno)
	}
	raw, _ := e.ctx.Registers.Get(regno)
	v := decodeRegisterValue(raw, e.ctx.ByteOrder)
	e.push(uint64(int64(v) + off))
	return nil
}

func decodeRegisterValue(raw []byte, order binary.ByteOrder) uint64 {
	if order == nil {
		order = binary.LittleEndian
	}
	var v uint64
	for i := 0; i < len(raw) && i < 8; i++ {
		var shift int
		if order == binary.LittleEndian {
			shift = i * 8
		} else {
			shift = (len(raw) - 1 - i) * 8
		}
		v |= uint64(raw[i]) << uint(shift)
	}
	return v
}

func (e *Evaluator) arith(opcode byte) error {
	mask := e.ctx.addressMask()
	addrBits := e.ctx.AddressSize * 8
	if addrBits <= 0 {
		addrBits = 64
	}

	unary := opcode == opAbs || opcode == opNeg || opcode == opNot
	if unary {
		v, err := e.pop()
		if err != nil {
			return err
		}
		switch opcode {
		case opAbs:
			sv := int64(v)
			if sv < 0 {
				sv = -sv
			}
			e.push(uint64(sv) & mask)
		case opNeg:
			e.push((^v + 1) & mask)
		case opNot:
			e.push(^v & mask)
		}
		return nil
	}

	b, err := e.pop()
	if err != nil {
		return err
	}
	a, err := e.pop()
	if err != nil {
		return err
	}

	switch opcode {
	case opAnd:
		e.push(a & b)
	case opOr:
		e.push(a | b)
	case opXor:
		e.push(a ^ b)
	case opPlus:
		e.push((a + b) & mask)
	case opMinus:
		e.push((a - b) & mask)
	case opMul:
		e.push((a * b) & mask)
	case opDiv:
		if b == 0 {
			return derrors.NewStructural("expr", "division by zero")
		}
		e.push(uint64(int64(a)/int64(b)) & mask)
	case opMod:
		if b == 0 {
			return derrors.NewStructural("expr", "modulo by zero")
		}
		e.push(uint64(int64(a)%int64(b)) & mask)
	case opShl:
		n, ok := bits.ClampShift(b, addrBits)
		if !ok {
			e.push(0)
		} else {
			e.push((a << uint(n)) & mask)
		}
	case opShr:
		n, ok := bits.ClampShift(b, addrBits)
		if !ok {
			e.push(0)
		} else {
			e.push((a >> uint(n)) & mask)
		}
	case opShra:
		n, ok := bits.ClampShift(b, addrBits)
		sa := int64(a)
		if !ok {
			if sa < 0 {
				e.push(mask)
			} else {
				e.push(0)
			}
		} else {
			e.push(uint64(sa>>uint(n)) & mask)
		}
	default:
		return derrors.NewStructural("expr", "internal error: unhandled arith opcode %#x", opcode)
	}
	return nil
}

func (e *Evaluator) relational(opcode byte) error {
	b, err := e.pop()
	if err != nil {
		return err
	}
	a, err := e.pop()
	if err != nil {
		return err
	}
	sa, sb := int64(a), int64(b)
	var result bool
	switch opcode {
	case opEq:
		result = sa == sb
	case opNe:
		result = sa != sb
	case opLt:
		result = sa < sb
	case opLe:
		result = sa <= sb
	case opGt:
		result = sa > sb
	case opGe:
		result = sa >= sb
	}
	if result {
		e.push(1)
	} else {
		e.push(0)
	}
	return nil
}

func (e *Evaluator) jump(unconditional bool) error {
	var doJump bool
	if unconditional {
		doJump = true
	} else {
		v, err := e.pop()
		if err != nil {
			return err
		}
		doJump = v != 0
	}

	off, err := e.buf.S16()
	if err != nil {
		return err
	}
	if !doJump {
		return nil
	}

	target := e.buf.Pos() + int(off)
	if target < 0 || target > e.buf.Len() {
		return derrors.NewStructural("expr", "jump target %d out of bounds", target)
	}
	e.buf.pos = target
	return nil
}

func (e *Evaluator) fbreg() error {
	off, err := e.buf.SLEB128()
	if err != nil {
		return err
	}
	fb, err := e.frameBase()
	if err != nil {
		return err
	}
	e.push(uint64(int64(fb) + off))
	return nil
}

func logUnacted(component, format string, args ...interface{}) {
	logger.Logf(component, format, args...)
}
