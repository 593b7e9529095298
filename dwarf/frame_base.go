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
	stddwarf "debug/dwarf"

	derrors "github.com/ptesarik/drgn-go/errors"
)

// frameBase implements spec.md §4.4.1: reads DW_AT_frame_base of the
// enclosing subprogram DIE. A direct-expression form is evaluated as-is;
// otherwise it is a location-list offset resolved against the current
// PC via the location resolver (C5). A single trailing register-form
// opcode (reg*) yields the register's value directly; any other
// remaining instructions after a register form are an error; otherwise
// the top of the evaluated stack is the frame base.
func (e *Evaluator) frameBase() (uint64, error) {
	if e.ctx.Function == nil {
		return 0, derrors.NewNotFound("expr", "fbreg without an enclosing subprogram")
	}

	var pc uint64
	var havePC bool
	if e.ctx.Registers != nil {
		pc, havePC = e.ctx.Registers.PC()
	}

	resolver := NewLocationResolver(e.ctx.Module)
	expr, err := resolver.Resolve(*e.ctx.Function, stddwarf.AttrFrameBase, pc, havePC)
	if err != nil {
		return 0, err
	}
	if len(expr) == 0 {
		return 0, derrors.NewNotFound("expr", "frame base location is absent at pc")
	}

	sub := NewEvaluator(e.ctx, expr)
	if err := sub.Run(); err != nil {
		return 0, err
	}

	if sub.Reason == StopLocationDescription {
		if sub.StopOpcode < opReg0 || sub.StopOpcode > opReg31 {
			if sub.StopOpcode != opRegx {
				return 0, derrors.NewStructural("expr", "frame base location description is not a register form")
			}
		}
		var regno int
		if sub.StopOpcode == opRegx {
			if _, err := sub.buf.U8(); err != nil { // consume opcode
				return 0, err
			}
			n, err := sub.buf.ULEB128()
			if err != nil {
				return 0, err
			}
			regno = int(n)
		} else {
			if _, err := sub.buf.U8(); err != nil {
				return 0, err
			}
			regno = int(sub.StopOpcode - opReg0)
		}
		if !sub.buf.Done() {
			return 0, derrors.NewStructural("expr", "trailing instructions after register frame base")
		}
		if e.ctx.Registers == nil || !e.ctx.Registers.Has(regno) {
			return 0, derrors.NewNotFound("expr", "frame base register r%d not available", regno)
		}
		raw, _ := e.ctx.Registers.Get(regno)
		return decodeRegisterValue(raw, e.ctx.ByteOrder), nil
	}

	return sub.top()
}
