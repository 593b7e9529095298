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
	"sort"

	derrors "github.com/ptesarik/drgn-go/errors"
)

// CFARuleKind distinguishes how a CFIRow's CFA is computed.
type CFARuleKind int

const (
	CFAUndefined CFARuleKind = iota
	CFARegisterOffset
	CFAExpression
)

// CFARule is the CFA half of a CFI row (spec.md §3 "CFI row").
type CFARule struct {
	Kind     CFARuleKind
	Register int
	Offset   int64
	Expr     []byte
}

// RegRuleKind enumerates the register rule variants of spec.md §3
// ("undefined, same_value, register+offset, at_cfa+offset, cfa+offset,
// dwarf_expression{expr, push_cfa}, at_dwarf_expression{expr, push_cfa}").
type RegRuleKind int

const (
	RegUndefined RegRuleKind = iota
	RegSameValue
	RegRegisterOffset
	RegAtCFAOffset
	RegCFAOffset
	RegDWARFExpression
	RegAtDWARFExpression
)

// RegRule is one register's rule within a CFIRow.
type RegRule struct {
	Kind     RegRuleKind
	Register int // source register for RegRegisterOffset
	Offset   int64
	Expr     []byte
	PushCFA  bool
}

// CFIRow is an immutable (by convention; callers must not mutate a row
// returned from the engine) mapping of register number to rule, plus a
// CFA rule (spec.md §3).
type CFIRow struct {
	CFA       CFARule
	Registers map[int]RegRule
}

func (r CFIRow) clone() CFIRow {
	regs := make(map[int]RegRule, len(r.Registers))
	for k, v := range r.Registers {
		regs[k] = v
	}
	return CFIRow{CFA: r.CFA, Registers: regs}
}

// CIE is a parsed Common Information Entry (spec.md §3).
type CIE struct {
	Offset   uint64
	IsEH     bool
	Version  uint8
	AugStr   string
	HaveAugLength bool

	AddressSize          int
	FDEEncoding          AddressEncoding
	LSDAEncoding         AddressEncoding
	SignalFrame          bool
	ReturnAddressRegister int

	CodeAlignmentFactor uint64
	DataAlignmentFactor int64

	InitialInstructions []byte
}

// FDE is a parsed Frame Description Entry (spec.md §3), keyed by
// InitialLocation.
type FDE struct {
	CIE             *CIE
	InitialLocation uint64
	AddressRange    uint64
	Instructions    []byte
	IsEH            bool
}

// FrameEngine implements spec.md §4.8 (C8): parsing .debug_frame and
// .eh_frame, and producing a CFIRow for a given PC. Per spec.md §5, the
// CIE/FDE tables are built lazily on first lookup and never modified
// afterward.
type FrameEngine struct {
	module   Module
	platform Platform

	ciesDebug map[uint64]*CIE
	ciesEH    map[uint64]*CIE
	fdes      []*FDE
	built     bool
}

// NewFrameEngine builds a CFI engine over module's .debug_frame and
// .eh_frame sections.
func NewFrameEngine(module Module) *FrameEngine {
	return &FrameEngine{
		module:    module,
		platform:  module.Platform(),
		ciesDebug: make(map[uint64]*CIE),
		ciesEH:    make(map[uint64]*CIE),
	}
}

func (fe *FrameEngine) ensureBuilt() error {
	if fe.built {
		return nil
	}
	if sec := fe.module.Section(SecDebugFrame); sec.Present {
		if err := fe.parseSection(sec, SecDebugFrame, false); err != nil {
			return err
		}
	}
	if sec := fe.module.Section(SecEHFrame); sec.Present {
		if err := fe.parseSection(sec, SecEHFrame, true); err != nil {
			return err
		}
	}

	sort.SliceStable(fe.fdes, func(i, j int) bool {
		a, b := fe.fdes[i], fe.fdes[j]
		if a.InitialLocation != b.InitialLocation {
			return a.InitialLocation < b.InitialLocation
		}
		return boolRank(a.IsEH) < boolRank(b.IsEH)
	})

	deduped := fe.fdes[:0]
	var lastLoc uint64
	haveLast := false
	for _, f := range fe.fdes {
		if haveLast && f.InitialLocation == lastLoc {
			continue // keep the first: .debug_frame sorts before .eh_frame
		}
		deduped = append(deduped, f)
		lastLoc = f.InitialLocation
		haveLast = true
	}
	fe.fdes = deduped

	fe.built = true
	return nil
}

func boolRank(eh bool) int {
	if eh {
		return 1
	}
	return 0
}

// FindFDE binary-searches for the FDE covering unbiasedPC.
func (fe *FrameEngine) FindFDE(unbiasedPC uint64) (*FDE, error) {
	if err := fe.ensureBuilt(); err != nil {
		return nil, err
	}
	i := sort.Search(len(fe.fdes), func(i int) bool {
		return fe.fdes[i].InitialLocation+fe.fdes[i].AddressRange > unbiasedPC
	})
	if i >= len(fe.fdes) {
		return nil, derrors.NewNotFound("frame", "no FDE covers pc %#x", unbiasedPC)
	}
	f := fe.fdes[i]
	if unbiasedPC < f.InitialLocation || unbiasedPC >= f.InitialLocation+f.AddressRange {
		return nil, derrors.NewNotFound("frame", "no FDE covers pc %#x", unbiasedPC)
	}
	return f, nil
}

func readInitialLength(b *Buffer) (length uint64, offsetSize int, err error) {
	v, err := b.U32()
	if err != nil {
		return 0, 0, err
	}
	if v == 0xffffffff {
		v64, err := b.U64()
		return v64, 8, err
	}
	return uint64(v), 4, nil
}

func allOnes(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width*8)) - 1
}

func (fe *FrameEngine) parseSection(sec Section, id SectionID, isEH bool) error {
	order := byteOrderOf(fe.module)
	b := NewBuffer(fe.module.Name(), id, order, sec.Bytes)

	for !b.Done() {
		if len(b.Remaining()) < 4 {
			break
		}
		entryStart := b.Pos()
		length, offsetSize, err := readInitialLength(b)
		if err != nil {
			return err
		}
		if length == 0 {
			continue // zero-length terminator entry, common at the end of .eh_frame
		}
		entryEnd := b.Pos() + int(length)

		idFieldPos := b.Pos()
		idVal, err := b.Uint(offsetSize)
		if err != nil {
			return err
		}

		var isCIE bool
		if isEH {
			isCIE = idVal == 0
		} else {
			isCIE = idVal == allOnes(offsetSize)
		}

		if isCIE {
			cie, err := fe.parseCIE(b, entryEnd, isEH, uint64(entryStart))
			if err != nil {
				return err
			}
			if isEH {
				fe.ciesEH[uint64(entryStart)] = cie
			} else {
				fe.ciesDebug[uint64(entryStart)] = cie
			}
		} else {
			fde, err := fe.parseFDE(b, entryEnd, offsetSize, isEH, idVal, idFieldPos)
			if err != nil {
				return err
			}
			fe.fdes = append(fe.fdes, fde)
		}

		b.pos = entryEnd
	}
	return nil
}

func (fe *FrameEngine) parseCIE(b *Buffer, entryEnd int, isEH bool, offset uint64) (*CIE, error) {
	version, err := b.U8()
	if err != nil {
		return nil, err
	}
	if version == 2 {
		return nil, derrors.NewStructural("frame", "CIE version 2 is not supported")
	}
	if version != 1 && version != 3 && version != 4 {
		return nil, derrors.NewStructural("frame", "unrecognised CIE version %d", version)
	}

	augStr, err := b.CString()
	if err != nil {
		return nil, err
	}

	cie := &CIE{Offset: offset, IsEH: isEH, Version: version, AugStr: augStr, FDEEncoding: ehPEAbsPtrDefault}

	if version == 4 {
		addrSize, err := b.U8()
		if err != nil {
			return nil, err
		}
		if _, err := b.U8(); err != nil { // segment selector size, unused
			return nil, err
		}
		cie.AddressSize = int(addrSize)
	} else {
		cie.AddressSize = fe.platform.AddressSize
	}

	caf, err := b.ULEB128()
	if err != nil {
		return nil, err
	}
	cie.CodeAlignmentFactor = caf

	daf, err := b.SLEB128()
	if err != nil {
		return nil, err
	}
	cie.DataAlignmentFactor = daf

	if version == 1 {
		rar, err := b.U8()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = int(rar)
	} else {
		rar, err := b.ULEB128()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = int(rar)
	}

	hasZ := len(augStr) > 0 && augStr[0] == 'z'
	cie.HaveAugLength = hasZ
	for _, ch := range augStr {
		switch ch {
		case 'z', 'L', 'P', 'R', 'S':
		default:
			return nil, derrors.NewStructural("frame", "unsupported CIE augmentation character %q", ch)
		}
	}

	if hasZ {
		augLen, err := b.ULEB128()
		if err != nil {
			return nil, err
		}
		augEnd := b.Pos() + int(augLen)
		sa := NewSectionAddressing(fe.module)
		for _, ch := range augStr[1:] {
			switch ch {
			case 'L':
				enc, err := b.U8()
				if err != nil {
					return nil, err
				}
				cie.LSDAEncoding = AddressEncoding(enc)
			case 'P':
				enc, err := b.U8()
				if err != nil {
					return nil, err
				}
				if _, err := sa.ReadEncodedPointer(b, AddressEncoding(enc), fe.sectionBase(isEH), cie.AddressSize, 0); err != nil {
					return nil, err
				}
			case 'R':
				enc, err := b.U8()
				if err != nil {
					return nil, err
				}
				cie.FDEEncoding = AddressEncoding(enc)
			case 'S':
				cie.SignalFrame = true
			}
		}
		b.pos = augEnd
	}

	if b.Pos() > entryEnd {
		return nil, derrors.NewStructural("frame", "CIE at offset %#x overruns its length", offset)
	}
	cie.InitialInstructions = b.data[b.pos:entryEnd]
	return cie, nil
}

// ehPEAbsPtrDefault is the implicit FDE pointer encoding (absptr) when a
// CIE carries no 'z'/'R' augmentation.
const ehPEAbsPtrDefault = AddressEncoding(EHPEAbsPtr)

func (fe *FrameEngine) sectionBase(isEH bool) uint64 {
	if isEH {
		return fe.module.Section(SecEHFrame).Addr
	}
	return fe.module.Section(SecDebugFrame).Addr
}

func (fe *FrameEngine) parseFDE(b *Buffer, entryEnd int, offsetSize int, isEH bool, cieField uint64, cieFieldPos int) (*FDE, error) {
	var cieOffset uint64
	var cie *CIE
	var ok bool
	if isEH {
		cieOffset = uint64(cieFieldPos) - cieField
		cie, ok = fe.ciesEH[cieOffset]
	} else {
		cieOffset = cieField
		cie, ok = fe.ciesDebug[cieOffset]
	}
	if !ok {
		return nil, derrors.NewStructural("frame", "FDE references unknown CIE at offset %#x", cieOffset)
	}

	sa := NewSectionAddressing(fe.module)
	sectionBase := fe.sectionBase(isEH)

	initialLoc, err := sa.ReadEncodedPointer(b, cie.FDEEncoding, sectionBase, cie.AddressSize, 0)
	if err != nil {
		return nil, err
	}
	rangeEnc := AddressEncoding(cie.FDEEncoding.format())
	addressRange, err := sa.ReadEncodedPointer(b, rangeEnc, 0, cie.AddressSize, 0)
	if err != nil {
		return nil, err
	}

	if cie.HaveAugLength {
		augLen, err := b.ULEB128()
		if err != nil {
			return nil, err
		}
		b.pos += int(augLen)
	}

	if b.Pos() > entryEnd {
		return nil, derrors.NewStructural("frame", "FDE overruns its length")
	}

	return &FDE{
		CIE:             cie,
		InitialLocation: initialLoc,
		AddressRange:    addressRange,
		Instructions:    b.data[b.pos:entryEnd],
		IsEH:            isEH,
	}, nil
}

// FindRow implements the CFI Engine's public lookup (spec.md §6
// find_dwarf_cfi): producing the CFIRow active at unbiasedPC, along with
// the CIE's signal-frame flag and return-address register.
func (fe *FrameEngine) FindRow(unbiasedPC uint64) (*CFIRow, bool, int, error) {
	fde, err := fe.FindFDE(unbiasedPC)
	if err != nil {
		return nil, false, 0, err
	}
	row, err := fe.computeRow(fde, unbiasedPC)
	if err != nil {
		return nil, false, 0, err
	}
	return row, fde.CIE.SignalFrame, fde.CIE.ReturnAddressRegister, nil
}
