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
	stddwarf "debug/dwarf"
	"debug/elf"
	"testing"

	dwarfcore "github.com/ptesarik/drgn-go/dwarf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) (*Module, *Index) {
	t.Helper()
	m := New("test", &elf.File{FileHeader: elf.FileHeader{Class: elf.ELFCLASS64, Data: elf.ELFDATA2LSB, Machine: elf.EM_X86_64}})
	idx := &Index{module: m, byName: make(map[string][]nameEntry)}
	idx.byName["counter"] = []nameEntry{
		{addr: 0x10, tag: stddwarf.TagVariable, isDeclaration: true},
		{addr: 0x20, tag: stddwarf.TagVariable, isDeclaration: false},
	}
	idx.byName["draw"] = []nameEntry{
		{addr: 0x30, tag: stddwarf.TagSubprogram, isDeclaration: false},
	}
	return m, idx
}

func TestIterMatchesFiltersByTag(t *testing.T) {
	_, idx := newTestIndex(t)
	all := idx.IterMatches("", "counter", nil)
	assert.ElementsMatch(t, []dwarfcore.DIEAddr{0x10, 0x20}, all)

	vars := idx.IterMatches("", "counter", []dwarfcore.Tag{stddwarf.TagVariable})
	assert.ElementsMatch(t, []dwarfcore.DIEAddr{0x10, 0x20}, vars)

	funcs := idx.IterMatches("", "counter", []dwarfcore.Tag{stddwarf.TagSubprogram})
	assert.Empty(t, funcs)
}

func TestIterMatchesUnknownNameReturnsNil(t *testing.T) {
	_, idx := newTestIndex(t)
	assert.Nil(t, idx.IterMatches("", "nosuch", nil))
}

func TestFindDefinitionSkipsOtherDeclarations(t *testing.T) {
	m, idx := newTestIndex(t)
	mod, addr, ok := idx.FindDefinition(0x10)
	require.True(t, ok)
	assert.Equal(t, dwarfcore.DIEAddr(0x20), addr)
	assert.Same(t, m, mod)
}

func TestFindDefinitionNoDefinitionFound(t *testing.T) {
	_, idx := newTestIndex(t)
	_, _, ok := idx.FindDefinition(0x30)
	assert.False(t, ok, "draw has no other entry to serve as its definition")
}

func TestTagIn(t *testing.T) {
	assert.True(t, tagIn(stddwarf.TagVariable, []dwarfcore.Tag{stddwarf.TagVariable, stddwarf.TagSubprogram}))
	assert.False(t, tagIn(stddwarf.TagVariable, []dwarfcore.Tag{stddwarf.TagSubprogram}))
}
