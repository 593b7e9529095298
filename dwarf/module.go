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

// Package dwarf is the DWARF debugging-information core: an expression
// evaluator, a location resolver, a type constructor and a call-frame
// information engine, operating over sections and memory/registers
// supplied by an external collaborator module.
package dwarf

// SectionID enumerates the ELF sections this core knows how to consume.
// Not every Module has every section; absence is valid.
type SectionID int

const (
	SecDebugInfo SectionID = iota
	SecDebugTypes
	SecDebugAbbrev
	SecDebugStr
	SecDebugLine
	SecDebugAddr
	SecDebugLoc
	SecDebugLocLists
	SecDebugFrame
	SecEHFrame
	SecText
	SecGOT
)

func (s SectionID) String() string {
	switch s {
	case SecDebugInfo:
		return ".debug_info"
	case SecDebugTypes:
		return ".debug_types"
	case SecDebugAbbrev:
		return ".debug_abbrev"
	case SecDebugStr:
		return ".debug_str"
	case SecDebugLine:
		return ".debug_line"
	case SecDebugAddr:
		return ".debug_addr"
	case SecDebugLoc:
		return ".debug_loc"
	case SecDebugLocLists:
		return ".debug_loclists"
	case SecDebugFrame:
		return ".debug_frame"
	case SecEHFrame:
		return ".eh_frame"
	case SecText:
		return ".text"
	case SecGOT:
		return ".got"
	default:
		return "unknown section"
	}
}

// Section is the bytes, size and load address of one ELF section as seen
// by a Module. Present reports whether the section exists in the module
// at all (a Module may legitimately have no .debug_loc, for instance).
type Section struct {
	Bytes   []byte
	Size    uint64
	Addr    uint64
	Present bool
}

// RegisterLayout describes where one register lives within the register
// blob a Module's RegisterState hands back, keyed by DWARF register
// number.
type RegisterLayout struct {
	Offset int
	Size   int
}

// Platform describes target-machine facts a Module must supply: word
// size, byte order, the DWARF-regno-to-native register layout, and the
// CFI default row (the "initial" rule set a CIE's instructions build on).
type Platform struct {
	AddressSize  int // in bytes
	LittleEndian bool
	Registers    map[int]RegisterLayout
	DefaultRow   *CFIRow
}

// AddressMask returns the mask that truncates a 64-bit value to the
// platform's address size.
func (p Platform) AddressMask() uint64 {
	bits := p.AddressSize * 8
	if bits <= 0 || bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

// Module is the external collaborator that owns raw section bytes. ELF
// section loading, symbol-table parsing and module discovery are all out
// of scope for this core (spec.md §1) and live behind this interface; see
// package elfmodule for a debug/elf-backed implementation.
type Module interface {
	// Name identifies the module for error messages.
	Name() string

	// Section returns the named section's bytes, or Present=false if the
	// module has no such section.
	Section(id SectionID) Section

	// Platform describes the target machine.
	Platform() Platform
}

// Index is the external DWARF name index: maps (namespace, name, tag) to
// DIE references, and resolves a declaration DIE to its definition. A
// name index implementation is out of scope for this core (spec.md §1);
// the type constructor and the top-level find_* operations consult it
// abstractly.
type Index interface {
	// IterMatches yields DIE addresses matching name under namespace,
	// restricted to the given tags (nil/empty means any tag).
	IterMatches(namespace, name string, tags []Tag) []DIEAddr

	// FindDefinition resolves a declaration DIE address to the module and
	// DIE address of its definition, if the index has one.
	FindDefinition(declAddr DIEAddr) (Module, DIEAddr, bool)
}

// MemoryReader reads target memory, as captured from a live process or a
// core dump. Implementing it is out of scope for this core.
type MemoryReader interface {
	// ReadMemory reads len bytes at address. physical selects a physical
	// (vs. virtual) read where the target distinguishes the two.
	ReadMemory(address uint64, length int, physical bool) ([]byte, error)
}

// RegisterState exposes a snapshot of register values plus the ambient
// facts (PC, CFA, whether the snapshot was captured at a signal/interrupt
// boundary) an expression evaluation may need. Read-only during
// evaluation (spec.md §5).
type RegisterState interface {
	Has(regno int) bool
	Get(regno int) ([]byte, bool)

	PC() (uint64, bool)
	CFA() (uint64, bool)
	Interrupted() bool
}
