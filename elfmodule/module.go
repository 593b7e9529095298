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

// Package elfmodule implements dwarf.Module over debug/elf, the one
// concrete external collaborator the core names but does not own (spec.md
// §1, §6: "ELF section loading... is out of scope"). It is the Go
// equivalent of the teacher's elfShim: a thin adapter from a real ELF
// file to the narrow interface the DWARF core actually consumes.
package elfmodule

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	dwarfcore "github.com/ptesarik/drgn-go/dwarf"
	derrors "github.com/ptesarik/drgn-go/errors"
	"github.com/ptesarik/drgn-go/logger"
)

// sectionNames maps the core's section enumeration to conventional ELF
// section names (spec.md §3 "Section reference").
var sectionNames = map[dwarfcore.SectionID]string{
	dwarfcore.SecDebugInfo:     ".debug_info",
	dwarfcore.SecDebugTypes:    ".debug_types",
	dwarfcore.SecDebugAbbrev:   ".debug_abbrev",
	dwarfcore.SecDebugStr:      ".debug_str",
	dwarfcore.SecDebugLine:     ".debug_line",
	dwarfcore.SecDebugAddr:     ".debug_addr",
	dwarfcore.SecDebugLoc:      ".debug_loc",
	dwarfcore.SecDebugLocLists: ".debug_loclists",
	dwarfcore.SecDebugFrame:    ".debug_frame",
	dwarfcore.SecEHFrame:       ".eh_frame",
	dwarfcore.SecText:          ".text",
	dwarfcore.SecGOT:           ".got",
}

// Module implements dwarf.Module over an *elf.File. Name identifies it
// for error messages (typically the path it was opened from).
type Module struct {
	name string
	ef   *elf.File

	platform dwarfcore.Platform
}

// Open opens path as an ELF file and wraps it as a Module. The caller is
// responsible for calling Close when done with it.
func Open(path string) (*Module, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, derrors.NewStructural("elfmodule", "opening %s: %v", path, err)
	}
	return New(path, ef), nil
}

// New wraps an already-open *elf.File. Useful when the caller has its own
// file-discovery logic (mirroring the teacher's findELF, which tries a
// handful of conventional paths before giving up).
func New(name string, ef *elf.File) *Module {
	m := &Module{name: name, ef: ef}
	m.platform = platformFor(ef)
	return m
}

// Close releases the underlying ELF file.
func (m *Module) Close() error {
	return m.ef.Close()
}

// Name identifies the module for error messages (dwarf.Module).
func (m *Module) Name() string {
	return m.name
}

// Platform describes the target machine (dwarf.Module).
func (m *Module) Platform() dwarfcore.Platform {
	return m.platform
}

// Section returns one section's bytes, base address and presence
// (dwarf.Module). Absence (no section by that conventional name) is
// reported rather than erroring, per spec.md §3: "not every module has
// every section".
func (m *Module) Section(id dwarfcore.SectionID) dwarfcore.Section {
	name, ok := sectionNames[id]
	if !ok {
		return dwarfcore.Section{}
	}
	sec := m.ef.Section(name)
	if sec == nil {
		return dwarfcore.Section{}
	}
	data, err := sec.Data()
	if err != nil {
		logger.Logf("elfmodule", "reading section %s of %s: %v", name, m.name, err)
		return dwarfcore.Section{}
	}
	return dwarfcore.Section{Bytes: data, Size: sec.Size, Addr: sec.Addr, Present: true}
}

// byteOrder returns the file's native byte order as a binary.ByteOrder.
func byteOrder(ef *elf.File) binary.ByteOrder {
	if ef.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// addressSize returns the file's address width in bytes.
func addressSize(ef *elf.File) int {
	if ef.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// platformFor derives a dwarf.Platform from an ELF file header: word
// size and byte order come straight from the ELF identification bytes;
// the DWARF-register layout is machine-specific and is filled in for the
// architectures this module recognizes (amd64, arm64, arm, 386). An
// unrecognized machine still gets a usable Platform with no registers —
// expression evaluation that needs register state then reports
// not_found rather than guessing at a layout, per spec.md §7's "missing
// register... is not_found, not a hard error" policy.
func platformFor(ef *elf.File) dwarfcore.Platform {
	p := dwarfcore.Platform{
		AddressSize:  addressSize(ef),
		LittleEndian: byteOrder(ef) == binary.LittleEndian,
	}
	p.Registers = registerLayout(ef.Machine, p.AddressSize)
	return p
}

// registerLayout builds a DWARF-regno -> (offset, size) map over a flat
// register blob for the handful of architectures this adapter
// recognizes. The blob layout (registers in increasing DWARF regno
// order, each address-sized) is a convention of this adapter, not a
// DWARF requirement; a caller with its own register-capture format
// builds its own RegisterState instead of relying on this layout.
func registerLayout(machine elf.Machine, addressSize int) map[int]dwarfcore.RegisterLayout {
	var count int
	switch machine {
	case elf.EM_X86_64:
		count = 17 // rax..r15, rip (DWARF regnos 0-16)
	case elf.EM_AARCH64:
		count = 32 // x0..x30, sp
	case elf.EM_ARM:
		count = 16 // r0..r15
	case elf.EM_386:
		count = 9 // eax..edi, eip
	default:
		return nil
	}

	layout := make(map[int]dwarfcore.RegisterLayout, count)
	for i := 0; i < count; i++ {
		layout[i] = dwarfcore.RegisterLayout{Offset: i * addressSize, Size: addressSize}
	}
	return layout
}

// String implements fmt.Stringer for diagnostics.
func (m *Module) String() string {
	return fmt.Sprintf("elfmodule(%s, %v)", m.name, m.ef.Machine)
}
