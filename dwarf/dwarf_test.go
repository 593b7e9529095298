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
	"testing"

	"github.com/stretchr/testify/assert"
)

func dieWith(tag Tag, fields ...stddwarf.Field) DIE {
	return DIE{entry: &stddwarf.Entry{Tag: tag, Field: fields}}
}

func dieWithCU(tag Tag, cuName string, fields ...stddwarf.Field) DIE {
	d := dieWith(tag, fields...)
	d.cu = &CU{entry: &stddwarf.Entry{Tag: stddwarf.TagCompileUnit, Field: []stddwarf.Field{
		{Attr: stddwarf.AttrName, Val: cuName},
	}}}
	return d
}

func TestSplitNamespace(t *testing.T) {
	cases := []struct{ in, ns, local string }{
		{"counter", "", "counter"},
		{"foo::bar", "foo", "bar"},
		{"a::b::c", "a::b", "c"},
		{"::global", "", "global"},
	}
	for _, c := range cases {
		ns, local := splitNamespace(c.in)
		assert.Equal(t, c.ns, ns, c.in)
		assert.Equal(t, c.local, local, c.in)
	}
}

func TestObjectTags(t *testing.T) {
	assert.ElementsMatch(t, []Tag{stddwarf.TagEnumerator, stddwarf.TagConstant}, objectTags(FlagConstant))
	assert.ElementsMatch(t, []Tag{stddwarf.TagSubprogram}, objectTags(FlagFunction))
	assert.ElementsMatch(t, []Tag{stddwarf.TagVariable}, objectTags(FlagVariable))
	assert.ElementsMatch(t,
		[]Tag{stddwarf.TagEnumerator, stddwarf.TagConstant, stddwarf.TagVariable},
		objectTags(FlagConstant|FlagVariable))
	assert.Empty(t, objectTags(0))
}

func TestCuNameMatchesExactAndSuffix(t *testing.T) {
	d := dieWithCU(stddwarf.TagVariable, "/src/project/main.c")
	assert.True(t, cuNameMatches(d, "main.c"))
	assert.True(t, cuNameMatches(dieWithCU(stddwarf.TagVariable, "main.c"), "main.c"))
	assert.False(t, cuNameMatches(d, "other.c"))
}

func TestCuNameMatchesNoCU(t *testing.T) {
	d := dieWith(stddwarf.TagVariable)
	assert.False(t, cuNameMatches(d, "main.c"))
}

func TestIsScopeDIE(t *testing.T) {
	assert.True(t, isScopeDIE(stddwarf.TagCompileUnit))
	assert.True(t, isScopeDIE(stddwarf.TagSubprogram))
	assert.True(t, isScopeDIE(stddwarf.TagInlinedSubroutine))
	assert.True(t, isScopeDIE(stddwarf.TagLexDwarfBlock))
	assert.False(t, isScopeDIE(stddwarf.TagVariable))
	assert.False(t, isScopeDIE(stddwarf.TagBaseType))
}

func TestDieRangeAbsoluteHighPC(t *testing.T) {
	d := dieWith(stddwarf.TagSubprogram,
		stddwarf.Field{Attr: stddwarf.AttrLowpc, Val: uint64(0x1000)},
		stddwarf.Field{Attr: stddwarf.AttrHighpc, Val: uint64(0x2000)})
	lo, hi, ok := dieRange(d)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1000), lo)
	assert.Equal(t, uint64(0x2000), hi)
}

func TestDieRangeOffsetHighPC(t *testing.T) {
	d := dieWith(stddwarf.TagSubprogram,
		stddwarf.Field{Attr: stddwarf.AttrLowpc, Val: uint64(0x1000)},
		stddwarf.Field{Attr: stddwarf.AttrHighpc, Val: int64(0x100)})
	lo, hi, ok := dieRange(d)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1000), lo)
	assert.Equal(t, uint64(0x1100), hi)
}

func TestDieRangeNoLowPC(t *testing.T) {
	d := dieWith(stddwarf.TagCompileUnit)
	_, _, ok := dieRange(d)
	assert.False(t, ok)
}

func TestConstValueObjectForms(t *testing.T) {
	obj, ok := constValueObject(int64(7), 32)
	assert.True(t, ok)
	assert.Equal(t, ObjValue, obj.Kind)

	obj, ok = constValueObject(uint64(9), 32)
	assert.True(t, ok)
	assert.Equal(t, ObjValue, obj.Kind)

	obj, ok = constValueObject([]byte{1, 2, 3, 4}, 32)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, obj.Value)

	_, ok = constValueObject(nil, 32)
	assert.False(t, ok)
}

func TestUint64ValueObjectTruncatesToBitSize(t *testing.T) {
	obj := uint64ValueObject(0x1122334455667788, 16)
	assert.Equal(t, ObjValue, obj.Kind)
	assert.Equal(t, 16, obj.BitSize)
	assert.Len(t, obj.Value, 2)
	assert.Equal(t, byte(0x88), obj.Value[0])
	assert.Equal(t, byte(0x77), obj.Value[1])
}

func TestObjectBitSize(t *testing.T) {
	assert.Equal(t, 0, objectBitSize(nil))
	assert.Equal(t, 0, objectBitSize(&QualifiedType{}))
	assert.Equal(t, 32, objectBitSize(&QualifiedType{Type: &Type{ByteSize: 4}}))
}

func TestEnumeratorObjectUsesConstValueAndEnclosingType(t *testing.T) {
	enumType := &Type{Kind: KindEnum, ByteSize: 4}
	qt := &QualifiedType{Type: enumType}
	d := dieWith(stddwarf.TagEnumerator,
		stddwarf.Field{Attr: stddwarf.AttrConstValue, Val: int64(1)})
	obj, err := enumeratorObject(d, qt)
	assert.NoError(t, err)
	assert.Same(t, enumType, obj.Type.Type)
	assert.Equal(t, ObjValue, obj.Kind)
}

func TestEnumeratorObjectMissingConstValueErrors(t *testing.T) {
	d := dieWith(stddwarf.TagEnumerator)
	_, err := enumeratorObject(d, &QualifiedType{Type: &Type{ByteSize: 4}})
	assert.Error(t, err)
}

func TestSubprogramObjectBiasesLowPC(t *testing.T) {
	d := dieWith(stddwarf.TagSubprogram,
		stddwarf.Field{Attr: stddwarf.AttrLowpc, Val: uint64(0x4000)})
	qt := &QualifiedType{Type: &Type{Kind: KindFunction}}
	obj := subprogramObject(d, qt, ObjectQuery{LoadBias: 0x10000})
	assert.Equal(t, ObjReference, obj.Kind)
	assert.Equal(t, uint64(0x14000), obj.Address)
}

func TestSubprogramObjectNoLowPCIsAbsent(t *testing.T) {
	d := dieWith(stddwarf.TagSubprogram)
	obj := subprogramObject(d, &QualifiedType{}, ObjectQuery{})
	assert.Equal(t, ObjAbsent, obj.Kind)
}
