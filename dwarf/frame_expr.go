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
)

// ResolveCFA implements the CFA half of a CFI row (spec.md §4.9): a
// register+offset rule is plain arithmetic; an expression rule is run
// through the expression evaluator (C4), rejecting any location-
// description opcode, with the top of stack as the result.
func ResolveCFA(ctx *ExprContext, rule CFARule) (uint64, error) {
	switch rule.Kind {
	case CFARegisterOffset:
		if ctx.Registers == nil || !ctx.Registers.Has(rule.Register) {
			return 0, derrors.NewNotFound("frame_expr", "CFA register r%d not available", rule.Register)
		}
		raw, _ := ctx.Registers.Get(rule.Register)
		v := decodeRegisterValue(raw, ctx.ByteOrder)
		return uint64(int64(v) + rule.Offset), nil

	case CFAExpression:
		eval := NewEvaluator(ctx, rule.Expr)
		if err := eval.Run(); err != nil {
			return 0, err
		}
		if eval.Reason == StopLocationDescription {
			return 0, derrors.NewStructural("frame_expr", "location-description opcode not permitted in a CFA expression")
		}
		return eval.top()

	default:
		return 0, derrors.NewNotFound("frame_expr", "CFA rule is undefined")
	}
}

// EvaluateCFIExpression implements spec.md §4.9's dwarf_expression /
// at_dwarf_expression handling: if pushCFA is set, the CFA is pushed onto
// the stack before the expression runs (an absent CFA is a "not found"
// condition, not an error); the expression is then evaluated via C4,
// which may not stop at a location-description opcode. atForm selects
// between reading size bytes from the address left on the stack
// (at_dwarf_expression) and encoding the stack value itself, LSB-first,
// in size bytes adjusted for target endianness (dwarf_expression).
func EvaluateCFIExpression(ctx *ExprContext, expr []byte, pushCFA bool, cfa uint64, haveCFA bool, atForm bool, size int) ([]byte, error) {
	eval := NewEvaluator(ctx, expr)
	if pushCFA {
		if !haveCFA {
			return nil, derrors.NewNotFound("frame_expr", "CFI expression requires push_cfa but no CFA is available")
		}
		eval.push(cfa)
	}

	if err := eval.Run(); err != nil {
		return nil, err
	}
	if eval.Reason == StopLocationDescription {
		return nil, derrors.NewStructural("frame_expr", "location-description opcode not permitted in a CFI expression")
	}

	top, err := eval.top()
	if err != nil {
		return nil, err
	}

	if atForm {
		if ctx.Memory == nil {
			return nil, derrors.NewNotFound("frame_expr", "no memory reader for at_dwarf_expression")
		}
		data, err := ctx.Memory.ReadMemory(top, size, false)
		if err != nil {
			return nil, derrors.NewStructural("frame_expr", "reading CFI expression target at %#x: %v", top, err)
		}
		return data, nil
	}

	order := ctx.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	full := make([]byte, 8)
	buf := make([]byte, size)
	if order == binary.BigEndian {
		binary.BigEndian.PutUint64(full, top)
		if size <= 8 {
			copy(buf, full[8-size:])
		}
	} else {
		binary.LittleEndian.PutUint64(full, top)
		copy(buf, full[:min(size, 8)])
	}
	return buf, nil
}
