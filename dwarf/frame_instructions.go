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
	"math/bits"

	derrors "github.com/ptesarik/drgn-go/errors"
)

// DW_CFA_* instruction opcodes (DWARF5 §6.4.2). The high two bits select
// one of the three packed-operand forms when nonzero.
const (
	cfaAdvanceLoc = 0x40
	cfaOffset     = 0x80
	cfaRestore    = 0xc0

	cfaNop                 = 0x00
	cfaSetLoc              = 0x01
	cfaAdvanceLoc1         = 0x02
	cfaAdvanceLoc2         = 0x03
	cfaAdvanceLoc4         = 0x04
	cfaOffsetExtended      = 0x05
	cfaRestoreExtended     = 0x06
	cfaUndefined           = 0x07
	cfaSameValue           = 0x08
	cfaRegister            = 0x09
	cfaRememberState       = 0x0a
	cfaRestoreState        = 0x0b
	cfaDefCFA              = 0x0c
	cfaDefCFARegister      = 0x0d
	cfaDefCFAOffset        = 0x0e
	cfaDefCFAExpression    = 0x0f
	cfaExpression          = 0x10
	cfaOffsetExtendedSF    = 0x11
	cfaDefCFASF            = 0x12
	cfaDefCFAOffsetSF      = 0x13
	cfaValOffset           = 0x14
	cfaValOffsetSF         = 0x15
	cfaValExpression       = 0x16
)

// cfiExecutor runs one instruction stream against a running CFIRow,
// tracking the synthetic PC for advance/set_loc opcodes (spec.md §4.8
// "Instruction execution").
type cfiExecutor struct {
	row        CFIRow
	initialRow CFIRow // reference for restore[_extended]
	stack      []CFIRow

	caf uint64
	daf int64
}

// computeRow implements spec.md §4.8's row construction: execute the
// CIE's initial instructions against the platform default row, snapshot
// that as the "initial row" restore reference, then execute the FDE's
// instructions up to targetPC.
func (fe *FrameEngine) computeRow(fde *FDE, targetPC uint64) (*CFIRow, error) {
	cie := fde.CIE
	var base CFIRow
	if fe.platform.DefaultRow != nil {
		base = fe.platform.DefaultRow.clone()
	} else {
		base = CFIRow{Registers: make(map[int]RegRule)}
	}

	exec := &cfiExecutor{row: base, caf: cie.CodeAlignmentFactor, daf: cie.DataAlignmentFactor}
	if _, err := exec.run(cie.InitialInstructions, 0, 0, false); err != nil {
		return nil, err
	}
	exec.initialRow = exec.row.clone()

	row, err := exec.run(fde.Instructions, fde.InitialLocation, targetPC, true)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// run executes instrs. If allowAdvance is false (the CIE initial-
// instructions pass), any location-advance opcode is an error. Otherwise
// execution stops as soon as advancing the synthetic PC would exceed
// targetPC, returning the row captured just before that advance.
func (e *cfiExecutor) run(instrs []byte, startPC, targetPC uint64, allowAdvance bool) (CFIRow, error) {
	b := NewBuffer("", SecDebugFrame, nil, instrs)
	pc := startPC

	advance := func(delta uint64) (bool, error) {
		if !allowAdvance {
			return false, derrors.NewStructural("frame", "location-advance opcode in CIE initial instructions")
		}
		amount, ok := mulOverflowU64(delta, e.caf)
		if !ok {
			return false, derrors.NewStructural("frame", "code alignment factor overflow")
		}
		next := pc + amount
		if next > targetPC {
			return true, nil // stop: row as of right now is the answer
		}
		pc = next
		return false, nil
	}

	for !b.Done() {
		opcode, err := b.U8()
		if err != nil {
			return e.row, err
		}

		high2 := opcode & 0xc0
		switch high2 {
		case cfaAdvanceLoc:
			stop, err := advance(uint64(opcode & 0x3f))
			if err != nil {
				return e.row, err
			}
			if stop {
				return e.row, nil
			}
			continue
		case cfaOffset:
			reg := int(opcode & 0x3f)
			off, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			e.setRegOffset(reg, off)
			continue
		case cfaRestore:
			reg := int(opcode & 0x3f)
			e.restoreReg(reg)
			continue
		}

		switch opcode {
		case cfaNop:

		case cfaSetLoc:
			addr, err := b.Uint(8)
			if err != nil {
				return e.row, err
			}
			if !allowAdvance {
				return e.row, derrors.NewStructural("frame", "set_loc in CIE initial instructions")
			}
			if addr > targetPC {
				return e.row, nil
			}
			pc = addr

		case cfaAdvanceLoc1:
			d, err := b.U8()
			if err != nil {
				return e.row, err
			}
			stop, err := advance(uint64(d))
			if err != nil {
				return e.row, err
			}
			if stop {
				return e.row, nil
			}

		case cfaAdvanceLoc2:
			d, err := b.U16()
			if err != nil {
				return e.row, err
			}
			stop, err := advance(uint64(d))
			if err != nil {
				return e.row, err
			}
			if stop {
				return e.row, nil
			}

		case cfaAdvanceLoc4:
			d, err := b.U32()
			if err != nil {
				return e.row, err
			}
			stop, err := advance(uint64(d))
			if err != nil {
				return e.row, err
			}
			if stop {
				return e.row, nil
			}

		case cfaOffsetExtended:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			off, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			e.setRegOffset(int(reg), off)

		case cfaRestoreExtended:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			e.restoreReg(int(reg))

		case cfaUndefined:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			e.row.Registers[int(reg)] = RegRule{Kind: RegUndefined}

		case cfaSameValue:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			e.row.Registers[int(reg)] = RegRule{Kind: RegSameValue}

		case cfaRegister:
			r1, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			r2, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			e.row.Registers[int(r1)] = RegRule{Kind: RegRegisterOffset, Register: int(r2)}

		case cfaRememberState:
			e.stack = append(e.stack, e.row.clone())

		case cfaRestoreState:
			if len(e.stack) == 0 {
				return e.row, derrors.NewStructural("frame", "restore_state with an empty state stack")
			}
			e.row = e.stack[len(e.stack)-1]
			e.stack = e.stack[:len(e.stack)-1]

		case cfaDefCFA:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			off, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			e.row.CFA = CFARule{Kind: CFARegisterOffset, Register: int(reg), Offset: int64(off)}

		case cfaDefCFASF:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			off, err := b.SLEB128()
			if err != nil {
				return e.row, err
			}
			scaled, ok := mulOverflowI64(off, e.daf)
			if !ok {
				return e.row, derrors.NewStructural("frame", "data alignment factor overflow")
			}
			e.row.CFA = CFARule{Kind: CFARegisterOffset, Register: int(reg), Offset: scaled}

		case cfaDefCFARegister:
			if e.row.CFA.Kind != CFARegisterOffset {
				return e.row, derrors.NewStructural("frame", "def_cfa_register without a prior register+offset CFA rule")
			}
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			e.row.CFA.Register = int(reg)

		case cfaDefCFAOffset:
			off, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			if e.row.CFA.Kind != CFARegisterOffset {
				return e.row, derrors.NewStructural("frame", "def_cfa_offset without a prior register+offset CFA rule")
			}
			e.row.CFA.Offset = int64(off)

		case cfaDefCFAOffsetSF:
			off, err := b.SLEB128()
			if err != nil {
				return e.row, err
			}
			if e.row.CFA.Kind != CFARegisterOffset {
				return e.row, derrors.NewStructural("frame", "def_cfa_offset_sf without a prior register+offset CFA rule")
			}
			scaled, ok := mulOverflowI64(off, e.daf)
			if !ok {
				return e.row, derrors.NewStructural("frame", "data alignment factor overflow")
			}
			e.row.CFA.Offset = scaled

		case cfaDefCFAExpression:
			block, err := readCFIBlock(b)
			if err != nil {
				return e.row, err
			}
			e.row.CFA = CFARule{Kind: CFAExpression, Expr: block}

		case cfaExpression:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			block, err := readCFIBlock(b)
			if err != nil {
				return e.row, err
			}
			e.row.Registers[int(reg)] = RegRule{Kind: RegAtDWARFExpression, Expr: block}

		case cfaValExpression:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			block, err := readCFIBlock(b)
			if err != nil {
				return e.row, err
			}
			e.row.Registers[int(reg)] = RegRule{Kind: RegDWARFExpression, Expr: block}

		case cfaOffsetExtendedSF:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			off, err := b.SLEB128()
			if err != nil {
				return e.row, err
			}
			scaled, ok := mulOverflowI64(off, e.daf)
			if !ok {
				return e.row, derrors.NewStructural("frame", "data alignment factor overflow")
			}
			e.row.Registers[int(reg)] = RegRule{Kind: RegAtCFAOffset, Offset: scaled}

		case cfaValOffset:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			off, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			scaled, ok := mulOverflowI64(int64(off), e.daf)
			if !ok {
				return e.row, derrors.NewStructural("frame", "data alignment factor overflow")
			}
			e.row.Registers[int(reg)] = RegRule{Kind: RegCFAOffset, Offset: scaled}

		case cfaValOffsetSF:
			reg, err := b.ULEB128()
			if err != nil {
				return e.row, err
			}
			off, err := b.SLEB128()
			if err != nil {
				return e.row, err
			}
			scaled, ok := mulOverflowI64(off, e.daf)
			if !ok {
				return e.row, derrors.NewStructural("frame", "data alignment factor overflow")
			}
			e.row.Registers[int(reg)] = RegRule{Kind: RegCFAOffset, Offset: scaled}

		default:
			return e.row, derrors.NewStructural("frame", "unsupported CFI instruction %#x", opcode)
		}
	}
	return e.row, nil
}

func (e *cfiExecutor) setRegOffset(reg int, uOff uint64) {
	scaled := int64(uOff) * e.daf
	e.row.Registers[reg] = RegRule{Kind: RegAtCFAOffset, Offset: scaled}
}

func (e *cfiExecutor) restoreReg(reg int) {
	if rule, ok := e.initialRow.Registers[reg]; ok {
		e.row.Registers[reg] = rule
	} else {
		delete(e.row.Registers, reg)
	}
}

func readCFIBlock(b *Buffer) ([]byte, error) {
	n, err := b.ULEB128()
	if err != nil {
		return nil, err
	}
	return b.Block(int(n))
}

func mulOverflowU64(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, false
	}
	return lo, true
}

func mulOverflowI64(a int64, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a {
		return 0, false
	}
	return p, true
}
