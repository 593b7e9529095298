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
	"encoding/binary"
	"math"

	derrors "github.com/ptesarik/drgn-go/errors"
)

// LocationResolver implements spec.md §4.5 (C5): reading a DW_AT_location
// (or similar) attribute in its three shapes — a bare block, a DWARF 4
// .debug_loc list, or a DWARF 5 .debug_loclists list — and selecting the
// expression active at a given PC.
type LocationResolver struct {
	module Module
}

// NewLocationResolver builds a resolver over module's .debug_loc /
// .debug_loclists sections.
func NewLocationResolver(module Module) *LocationResolver {
	return &LocationResolver{module: module}
}

// Resolve reads attr off die and returns the expression bytes active at
// pc. A block form is returned as-is whatever havePC says; for a
// location-list form with havePC false, an empty expression is returned,
// which downstream reports as absent, per spec.md §4.5's last paragraph.
func (r *LocationResolver) Resolve(die DIE, attr AttrField, pc uint64, havePC bool) ([]byte, error) {
	raw := die.Val(attr)
	if raw == nil {
		return nil, derrors.NewNotFound("loclist", "die %#x has no %v attribute", uint64(die.Addr()), attr)
	}

	switch v := raw.(type) {
	case []byte:
		// Block form: the attribute bytes are the expression itself.
		return v, nil
	case int64:
		return r.resolveListOffset(die, uint64(v), pc, havePC)
	case uint64:
		return r.resolveListOffset(die, v, pc, havePC)
	default:
		return nil, derrors.NewStructural("loclist", "unsupported form for location attribute: %T", raw)
	}
}

func (r *LocationResolver) resolveListOffset(die DIE, offset uint64, pc uint64, havePC bool) ([]byte, error) {
	if !havePC {
		return nil, nil
	}

	cu := die.CU()
	version := 4
	if cu != nil && cu.Version != 0 {
		version = cu.Version
	}

	if version >= 5 {
		return r.resolveDWARF5(die, offset, pc)
	}
	return r.resolveDWARF4(die, offset, pc)
}

// resolveDWARF4 walks a .debug_loc list: a sequence of (start, end)
// address pairs followed by a u16 size and expression bytes, terminated
// by (0, 0). A pair where start == the address-size maximum updates the
// base address; otherwise the pair is relative to the CU's base
// (DW_AT_low_pc if no base has been set yet).
func (r *LocationResolver) resolveDWARF4(die DIE, offset, pc uint64) ([]byte, error) {
	sec := r.module.Section(SecDebugLoc)
	if !sec.Present {
		return nil, derrors.NewStructural("loclist", "location list offset but module has no .debug_loc section")
	}

	addressSize := r.module.Platform().AddressSize
	order := byteOrderOf(r.module)
	b := NewBuffer(r.module.Name(), SecDebugLoc, order, sec.Bytes)
	b.pos = int(offset)

	base, haveBase := die.CU().LowPC()
	maxAddr := addrSizeMax(addressSize)

	for {
		start, err := b.Uint(addressSize)
		if err != nil {
			return nil, err
		}
		end, err := b.Uint(addressSize)
		if err != nil {
			return nil, err
		}
		if start == 0 && end == 0 {
			return nil, nil // end of list; PC not covered
		}
		if start == maxAddr {
			base = end
			haveBase = true
			continue
		}

		size, err := b.U16()
		if err != nil {
			return nil, err
		}
		expr, err := b.Block(int(size))
		if err != nil {
			return nil, err
		}

		if !haveBase {
			continue
		}
		lo, hi := base+start, base+end
		if pc >= lo && pc < hi {
			return expr, nil
		}
	}
}

// DWARF 5 .debug_loclists entry kinds (DWARF5 spec §7.29).
const (
	dw_lle_end_of_list      = 0x00
	dw_lle_base_addressx    = 0x01
	dw_lle_startx_endx      = 0x02
	dw_lle_startx_length    = 0x03
	dw_lle_offset_pair      = 0x04
	dw_lle_default_location = 0x05
	dw_lle_base_address     = 0x06
	dw_lle_start_end        = 0x07
	dw_lle_start_length     = 0x08
)

// resolveDWARF5 walks a .debug_loclists list per the explicit kinds in
// spec.md §4.5: end_of_list, base_address[x], start[x]_end[x],
// start[x]_length, offset_pair, default_location. A default_location
// matches any PC not covered by a preceding ranged entry, and is applied
// only if no ranged entry matched (last-wins only among non-matches).
func (r *LocationResolver) resolveDWARF5(die DIE, offset, pc uint64) ([]byte, error) {
	sec := r.module.Section(SecDebugLocLists)
	if !sec.Present {
		return nil, derrors.NewStructural("loclist", "location list offset but module has no .debug_loclists section")
	}

	addressSize := r.module.Platform().AddressSize
	order := byteOrderOf(r.module)
	b := NewBuffer(r.module.Name(), SecDebugLocLists, order, sec.Bytes)
	b.pos = int(offset)

	var base uint64
	var haveBase bool
	var defaultExpr []byte
	var haveDefault bool

	addrAt := func(index uint64) (uint64, error) {
		return r.addrxLookup(die, index)
	}

	for {
		kind, err := b.U8()
		if err != nil {
			return nil, err
		}

		switch kind {
		case dw_lle_end_of_list:
			if haveDefault {
				return defaultExpr, nil
			}
			return nil, nil

		case dw_lle_base_addressx:
			idx, err := b.ULEB128()
			if err != nil {
				return nil, err
			}
			base, err = addrAt(idx)
			if err != nil {
				return nil, err
			}
			haveBase = true

		case dw_lle_base_address:
			base, err = b.Uint(addressSize)
			if err != nil {
				return nil, err
			}
			haveBase = true

		case dw_lle_startx_endx:
			loIdx, err := b.ULEB128()
			if err != nil {
				return nil, err
			}
			hiIdx, err := b.ULEB128()
			if err != nil {
				return nil, err
			}
			lo, err := addrAt(loIdx)
			if err != nil {
				return nil, err
			}
			hi, err := addrAt(hiIdx)
			if err != nil {
				return nil, err
			}
			expr, err := readLocListExpr(b)
			if err != nil {
				return nil, err
			}
			if pc >= lo && pc < hi {
				return expr, nil
			}

		case dw_lle_startx_length:
			loIdx, err := b.ULEB128()
			if err != nil {
				return nil, err
			}
			length, err := b.ULEB128()
			if err != nil {
				return nil, err
			}
			lo, err := addrAt(loIdx)
			if err != nil {
				return nil, err
			}
			expr, err := readLocListExpr(b)
			if err != nil {
				return nil, err
			}
			if pc >= lo && pc < lo+length {
				return expr, nil
			}

		case dw_lle_offset_pair:
			loOff, err := b.ULEB128()
			if err != nil {
				return nil, err
			}
			hiOff, err := b.ULEB128()
			if err != nil {
				return nil, err
			}
			expr, err := readLocListExpr(b)
			if err != nil {
				return nil, err
			}
			if !haveBase {
				continue
			}
			lo, hi := base+loOff, base+hiOff
			if pc >= lo && pc < hi {
				return expr, nil
			}

		case dw_lle_start_end:
			lo, err := b.Uint(addressSize)
			if err != nil {
				return nil, err
			}
			hi, err := b.Uint(addressSize)
			if err != nil {
				return nil, err
			}
			expr, err := readLocListExpr(b)
			if err != nil {
				return nil, err
			}
			if pc >= lo && pc < hi {
				return expr, nil
			}

		case dw_lle_start_length:
			lo, err := b.Uint(addressSize)
			if err != nil {
				return nil, err
			}
			length, err := b.ULEB128()
			if err != nil {
				return nil, err
			}
			expr, err := readLocListExpr(b)
			if err != nil {
				return nil, err
			}
			if pc >= lo && pc < lo+length {
				return expr, nil
			}

		case dw_lle_default_location:
			expr, err := readLocListExpr(b)
			if err != nil {
				return nil, err
			}
			defaultExpr = expr
			haveDefault = true

		default:
			return nil, derrors.NewStructural("loclist", "unknown .debug_loclists entry kind %#x", kind)
		}
	}
}

func readLocListExpr(b *Buffer) ([]byte, error) {
	size, err := b.ULEB128()
	if err != nil {
		return nil, err
	}
	return b.Block(int(size))
}

// addrxLookup resolves a .debug_loclists address-table index using
// DW_AT_loclists_base (mirroring DW_AT_addr_base for .debug_addr).
func (r *LocationResolver) addrxLookup(die DIE, index uint64) (uint64, error) {
	base, ok := die.CU().entry.Val(stddwarf.AttrLoclistsBase).(int64)
	if !ok {
		return 0, derrors.NewStructural("loclist", "loclistx/base_addressx without DW_AT_loclists_base")
	}
	return r.readAddrTableEntry(SecDebugAddr, uint64(base), index)
}

func (r *LocationResolver) readAddrTableEntry(id SectionID, base, index uint64) (uint64, error) {
	sec := r.module.Section(id)
	if !sec.Present {
		return 0, derrors.NewStructural("loclist", "%v table reference but module has no %v section", id, id)
	}
	addressSize := r.module.Platform().AddressSize
	offset := base + index*uint64(addressSize)
	if offset+uint64(addressSize) > sec.Size {
		return 0, derrors.NewStructural("loclist", "%v table index %d out of range", id, index)
	}
	b := NewBuffer(r.module.Name(), id, byteOrderOf(r.module), sec.Bytes)
	b.pos = int(offset)
	return b.Uint(addressSize)
}

func byteOrderOf(module Module) binary.ByteOrder {
	if module.Platform().LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func addrSizeMax(addressSize int) uint64 {
	bitsN := addressSize * 8
	if bitsN <= 0 || bitsN >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << uint(bitsN)) - 1
}
