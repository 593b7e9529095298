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

package elfmodule

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	dwarfcore "github.com/ptesarik/drgn-go/dwarf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileHeader(class elf.Class, data elf.Data, machine elf.Machine) *elf.File {
	return &elf.File{FileHeader: elf.FileHeader{Class: class, Data: data, Machine: machine}}
}

func TestPlatformForAmd64LittleEndian64Bit(t *testing.T) {
	p := platformFor(fileHeader(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64))
	assert.Equal(t, 8, p.AddressSize)
	assert.True(t, p.LittleEndian)
	require.Len(t, p.Registers, 17)
	assert.Equal(t, dwarfcore.RegisterLayout{Offset: 0, Size: 8}, p.Registers[0])
	assert.Equal(t, dwarfcore.RegisterLayout{Offset: 16 * 8, Size: 8}, p.Registers[16])
}

func TestPlatformForArm32BigEndian(t *testing.T) {
	p := platformFor(fileHeader(elf.ELFCLASS32, elf.ELFDATA2MSB, elf.EM_ARM))
	assert.Equal(t, 4, p.AddressSize)
	assert.False(t, p.LittleEndian)
	require.Len(t, p.Registers, 16)
	assert.Equal(t, dwarfcore.RegisterLayout{Offset: 4 * 4, Size: 4}, p.Registers[4])
}

func TestPlatformForUnknownMachineHasNoRegisters(t *testing.T) {
	p := platformFor(fileHeader(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_NONE))
	assert.Nil(t, p.Registers)
	assert.Equal(t, 8, p.AddressSize)
}

func TestByteOrderMatchesELFData(t *testing.T) {
	assert.Equal(t, binary.LittleEndian, byteOrder(fileHeader(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64)))
	assert.Equal(t, binary.BigEndian, byteOrder(fileHeader(elf.ELFCLASS64, elf.ELFDATA2MSB, elf.EM_AARCH64)))
}

func TestSectionAbsentReturnsZeroValue(t *testing.T) {
	m := New("empty", fileHeader(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64))
	sec := m.Section(dwarfcore.SecDebugInfo)
	assert.False(t, sec.Present)
}

func TestSectionUnknownIDReturnsZeroValue(t *testing.T) {
	m := New("empty", fileHeader(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64))
	sec := m.Section(dwarfcore.SectionID(999))
	assert.False(t, sec.Present)
}

func TestNameAndString(t *testing.T) {
	m := New("target.elf", fileHeader(elf.ELFCLASS64, elf.ELFDATA2LSB, elf.EM_X86_64))
	assert.Equal(t, "target.elf", m.Name())
	assert.Contains(t, m.String(), "target.elf")
}
