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
	derrors "github.com/ptesarik/drgn-go/errors"
)

// AddressEncoding is the one-byte EH-frame pointer-encoding code (spec.md
// §4.2, GLOSSARY "Address encoding"): a format selector in the low nibble,
// a base selector in bits 4-6 and an indirection flag in the top bit, per
// the LSB .eh_frame ABI.
type AddressEncoding uint8

const (
	ehPEOmit = 0xff

	ehPEFormatMask = 0x0f
	ehPEBaseMask   = 0x70
	ehPEIndirect   = 0x80

	EHPEAbsPtr  = 0x00
	EHPEULEB128 = 0x01
	EHPEUData2  = 0x02
	EHPEUData4  = 0x03
	EHPEUData8  = 0x04
	EHPESigned  = 0x08
	EHPESLEB128 = 0x09
	EHPESData2  = 0x0a
	EHPESData4  = 0x0b
	EHPESData8  = 0x0c

	EHPEPCRel   = 0x10
	EHPETextRel = 0x20
	EHPEDataRel = 0x30
	EHPEFuncRel = 0x40
	EHPEAligned = 0x50
)

// Omitted reports whether the encoding is the sentinel "no pointer
// present" value.
func (e AddressEncoding) Omitted() bool { return e == ehPEOmit }

func (e AddressEncoding) format() uint8 { return uint8(e) & ehPEFormatMask }
func (e AddressEncoding) base() uint8   { return uint8(e) & ehPEBaseMask }
func (e AddressEncoding) signed() bool  { return uint8(e)&EHPESigned != 0 }

// SectionAddressing locates the ELF section that owns a raw pointer (used
// for error reporting) and resolves the base addresses EH-frame pointer
// encodings are relative to: pcrel, textrel (.text) and datarel (.got).
// funcrel is supplied per-FDE by the caller, since it is the FDE's own
// initial_location rather than a module-wide constant.
type SectionAddressing struct {
	module  Module
	text    Section
	got     Section
	byRange []rangedSection
}

type rangedSection struct {
	id   SectionID
	sec  Section
}

// NewSectionAddressing indexes the module's sections for base-address
// resolution and pointer-to-section lookup.
func NewSectionAddressing(module Module) *SectionAddressing {
	sa := &SectionAddressing{module: module}
	sa.text = module.Section(SecText)
	sa.got = module.Section(SecGOT)

	allIDs := []SectionID{
		SecDebugInfo, SecDebugTypes, SecDebugAbbrev, SecDebugStr,
		SecDebugLine, SecDebugAddr, SecDebugLoc, SecDebugLocLists,
		SecDebugFrame, SecEHFrame, SecText, SecGOT,
	}
	for _, id := range allIDs {
		sec := module.Section(id)
		if sec.Present {
			sa.byRange = append(sa.byRange, rangedSection{id: id, sec: sec})
		}
	}
	return sa
}

// Owning locates the section containing ptr, or whose end equals ptr
// (end-of-section pointers are legal in DWARF).
func (sa *SectionAddressing) Owning(ptr uint64) (SectionID, bool) {
	for _, rs := range sa.byRange {
		start := rs.sec.Addr
		end := start + rs.sec.Size
		if ptr >= start && ptr <= end {
			return rs.id, true
		}
	}
	return 0, false
}

// Base resolves one of the base selectors of an EH-frame address encoding
// (spec.md §4.2). pos is the buffer's current position (used for pcrel,
// which is section_base + offset_within_section) and funcInitialLoc is
// the enclosing FDE's initial_location (for funcrel), or 0 if not
// applicable.
func (sa *SectionAddressing) Base(enc AddressEncoding, sectionBase, pos, funcInitialLoc uint64) (uint64, error) {
	switch enc.base() {
	case EHPEAbsPtr:
		return 0, nil
	case EHPEPCRel:
		return sectionBase + pos, nil
	case EHPETextRel:
		if !sa.text.Present {
			return 0, derrors.NewStructural("section", "textrel encoding but module has no .text section")
		}
		return sa.text.Addr, nil
	case EHPEDataRel:
		if !sa.got.Present {
			return 0, derrors.NewStructural("section", "datarel encoding but module has no .got section")
		}
		return sa.got.Addr, nil
	case EHPEFuncRel:
		return funcInitialLoc, nil
	case EHPEAligned:
		return 0, nil
	default:
		return 0, derrors.NewStructural("section", "unrecognised address-encoding base %#x", enc.base())
	}
}

// Width returns the encoded pointer's width in bytes for the module's
// address size when the encoding doesn't name one explicitly (absptr,
// uleb128/sleb128 are variable-width and are read via Buffer.ULEB128/
// SLEB128 instead of Width).
func (sa *SectionAddressing) Width(enc AddressEncoding, addressSize int) int {
	switch enc.format() {
	case EHPEUData2, EHPESData2:
		return 2
	case EHPEUData4, EHPESData4:
		return 4
	case EHPEUData8, EHPESData8:
		return 8
	default:
		return addressSize
	}
}

// ReadEncodedPointer reads one encoded pointer from b at its current
// position, applying the base selected by enc and the per-FDE funcrel
// base where relevant.
func (sa *SectionAddressing) ReadEncodedPointer(b *Buffer, enc AddressEncoding, sectionBase uint64, addressSize int, funcInitialLoc uint64) (uint64, error) {
	if enc.Omitted() {
		return 0, derrors.NewNotFound("section", "encoding omits the pointer")
	}
	if enc.base() == EHPEAligned {
		b.Align(addressSize)
	}

	pos := uint64(b.Pos())
	var raw uint64
	var err error

	switch enc.format() {
	case EHPEULEB128:
		raw, err = b.ULEB128()
	case EHPESLEB128:
		v, e := b.SLEB128()
		raw, err = uint64(v), e
	default:
		raw, err = b.Uint(sa.Width(enc, addressSize))
	}
	if err != nil {
		return 0, err
	}

	if enc.signed() {
		raw = signExtendToWidth(raw, sa.Width(enc, addressSize))
	}

	base, err := sa.Base(enc, sectionBase, pos, funcInitialLoc)
	if err != nil {
		return 0, err
	}
	return base + raw, nil
}

func signExtendToWidth(v uint64, width int) uint64 {
	bits := width * 8
	if bits <= 0 || bits >= 64 {
		return v
	}
	signBit := uint64(1) << uint(bits-1)
	if v&signBit != 0 {
		return v | (^uint64(0) << uint(bits))
	}
	return v
}
