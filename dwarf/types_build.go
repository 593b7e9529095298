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

// maxTypeRecursion bounds type_from_dwarf's recursion depth (spec.md §3,
// §4.6 step 6, §5).
const maxTypeRecursion = 1000

// DW_ATE_* basic type encodings (DWARF5 §7.8). debug/dwarf keeps these
// unexported, so the values are restated here for DW_AT_encoding
// dispatch.
const (
	dwATEaddress      = 0x01
	dwATEboolean      = 0x02
	dwATEcomplexFloat = 0x03
	dwATEfloat        = 0x04
	dwATEsigned       = 0x05
	dwATEsignedChar   = 0x06
	dwATEunsigned     = 0x07
	dwATEunsignedChar = 0x08
	dwATEUTF          = 0x10
)

// TypeFromDWARF implements spec.md §4.6's type_from_dwarf entry point.
func (tc *TypeConstructor) TypeFromDWARF(die DIE, canBeIncompleteArray bool) (*QualifiedType, bool, error) {
	// Step 1: follow DW_AT_signature to a type-unit definition.
	if sig, ok := die.Val(stddwarf.AttrSignature).(uint64); ok {
		if tc.resolve == nil {
			return nil, false, derrors.NewStructural("types", "die %#x has DW_AT_signature but no signature resolver is configured", uint64(die.Addr()))
		}
		if def, ok := tc.resolve(die.Module(), DIEAddr(sig)); ok {
			die = def
		}
	}

	// Step 2: DW_AT_declaration -> consult Index for a definition.
	if die.Val(stddwarf.AttrDeclaration) != nil && tc.resolve != nil && tc.index != nil {
		if mod, addr, ok := tc.index.FindDefinition(die.Addr()); ok {
			if def, ok := tc.resolve(mod, addr); ok {
				die = def
			}
		}
	}

	// Step 3: memoization.
	key := die.Addr()
	if canBeIncompleteArray {
		if e, ok := tc.types[key]; ok {
			return e.qt, e.isIncompleteArray, nil
		}
	} else {
		if e, ok := tc.cantBeIncompleteArray[key]; ok {
			return e.qt, e.isIncompleteArray, nil
		}
		if e, ok := tc.types[key]; ok && !e.isIncompleteArray {
			return e.qt, false, nil
		}
	}

	tc.recurDep++
	if tc.recurDep > maxTypeRecursion {
		tc.recurDep--
		return nil, false, derrors.NewRecursion("types", "type construction recursion exceeded %d levels", maxTypeRecursion)
	}
	defer func() { tc.recurDep-- }()

	qt, isIncomplete, err := tc.build(die, canBeIncompleteArray)
	if err != nil {
		return nil, false, err
	}

	entry := memoEntry{qt: qt, isIncompleteArray: isIncomplete}
	if canBeIncompleteArray {
		tc.types[key] = entry
	} else {
		tc.cantBeIncompleteArray[key] = entry
	}
	return qt, isIncomplete, nil
}

func (tc *TypeConstructor) build(die DIE, canBeIncompleteArray bool) (*QualifiedType, bool, error) {
	switch die.Tag() {
	case stddwarf.TagConstType:
		return tc.qualify(die, QualConst, canBeIncompleteArray)
	case stddwarf.TagVolatileType:
		return tc.qualify(die, QualVolatile, canBeIncompleteArray)
	case stddwarf.TagRestrictType:
		return tc.qualify(die, QualRestrict, canBeIncompleteArray)
	case stddwarf.TagAtomicType:
		return tc.qualify(die, QualAtomic, canBeIncompleteArray)

	case stddwarf.TagBaseType:
		t, err := tc.buildBaseType(die)
		return &QualifiedType{Type: t}, false, err

	case stddwarf.TagStructType:
		t, err := tc.buildCompound(die, KindStruct)
		return &QualifiedType{Type: t}, false, err
	case stddwarf.TagUnionType:
		t, err := tc.buildCompound(die, KindUnion)
		return &QualifiedType{Type: t}, false, err
	case stddwarf.TagClassType:
		t, err := tc.buildCompound(die, KindClass)
		return &QualifiedType{Type: t}, false, err

	case stddwarf.TagEnumerationType:
		t, err := tc.buildEnum(die)
		return &QualifiedType{Type: t}, false, err

	case stddwarf.TagTypedef:
		return tc.buildTypedef(die, canBeIncompleteArray)

	case stddwarf.TagPointerType:
		t, err := tc.buildPointer(die)
		return &QualifiedType{Type: t}, false, err

	case stddwarf.TagArrayType:
		return tc.buildArray(die, canBeIncompleteArray)

	case stddwarf.TagSubroutineType, stddwarf.TagSubprogram:
		t, err := tc.buildFunction(die)
		return &QualifiedType{Type: t}, false, err

	case 0:
		return &QualifiedType{Type: &Type{Kind: KindVoid}}, false, nil

	default:
		return nil, false, derrors.NewStructural("types", "die %#x has unsupported tag %v for type construction", uint64(die.Addr()), die.Tag())
	}
}

func (tc *TypeConstructor) qualify(die DIE, q Qualifiers, canBeIncompleteArray bool) (*QualifiedType, bool, error) {
	inner, err := tc.typeAttr(die, stddwarf.AttrType, canBeIncompleteArray)
	if err != nil {
		return nil, false, err
	}
	isIncomplete := inner.Type.Kind == KindArray && !inner.Type.HasLength
	return &QualifiedType{Type: inner.Type, Qual: inner.Qual | q}, isIncomplete, nil
}

// typeAttr resolves die's DW_AT_type to a qualified type, treating a
// missing attribute as void.
func (tc *TypeConstructor) typeAttr(die DIE, attr AttrField, canBeIncompleteArray bool) (*QualifiedType, error) {
	ref, ok := die.refVal(attr)
	if !ok {
		return &QualifiedType{Type: &Type{Kind: KindVoid}}, nil
	}
	entry, err := entryAt(die.data(), ref)
	if err != nil {
		return nil, err
	}
	target := DIE{module: die.Module(), cu: die.cu, entry: entry}
	qt, _, err := tc.TypeFromDWARF(target, canBeIncompleteArray)
	return qt, err
}

func (tc *TypeConstructor) buildBaseType(die DIE) (*Type, error) {
	enc, _ := die.Val(stddwarf.AttrEncoding).(int64)
	size, _ := die.Val(stddwarf.AttrByteSize).(int64)
	name, _ := die.Val(stddwarf.AttrName).(string)
	little := die.Module().Platform().LittleEndian
	if v, ok := die.Val(stddwarf.AttrEndianity).(int64); ok {
		switch v { // DW_END_default == 0 keeps the platform's order
		case 1: // DW_END_big
			little = false
		case 2: // DW_END_little
			little = true
		}
	}

	switch enc {
	case dwATEboolean:
		return tc.internPrimitive(primKey{kind: KindBool, byteSize: uint64(size), littleEndian: little, name: name}), nil
	case dwATEfloat, dwATEcomplexFloat:
		return tc.internPrimitive(primKey{kind: KindFloat, byteSize: uint64(size), littleEndian: little, name: name}), nil
	case dwATEsigned, dwATEsignedChar:
		return tc.internPrimitive(primKey{kind: KindInt, byteSize: uint64(size), signed: true, littleEndian: little, name: name}), nil
	case dwATEunsigned, dwATEunsignedChar, dwATEaddress, dwATEUTF:
		return tc.internPrimitive(primKey{kind: KindInt, byteSize: uint64(size), signed: false, littleEndian: little, name: name}), nil
	default:
		return nil, derrors.NewStructural("types", "unsupported DW_AT_encoding %#x on base type %q", enc, name)
	}
}

func (tc *TypeConstructor) buildCompound(die DIE, kind TypeKind) (*Type, error) {
	name, _ := die.Val(stddwarf.AttrName).(string)
	size, _ := die.Val(stddwarf.AttrByteSize).(int64)
	t := &Type{Kind: kind, Name: name, ByteSize: uint64(size), Complete: die.Val(stddwarf.AttrDeclaration) == nil}

	children, err := die.Children()
	if err != nil {
		return nil, err
	}
	lastMember := -1
	for i, child := range children {
		if child.Tag() == stddwarf.TagMember {
			lastMember = i
		}
	}
	for i, child := range children {
		if child.Tag() != stddwarf.TagMember {
			continue
		}
		m, err := tc.buildMember(child, t, kind != KindUnion && i == lastMember)
		if err != nil {
			return nil, err
		}
		t.Members = append(t.Members, m)
	}
	return t, nil
}

func (tc *TypeConstructor) buildMember(die DIE, parent *Type, canBeIncompleteArray bool) (*Member, error) {
	m := &Member{}
	if name, ok := die.Val(stddwarf.AttrName).(string); ok {
		m.Name = name
		m.HasName = true
	}

	offset, err := memberBitOffset(die)
	if err != nil {
		return nil, err
	}
	m.BitOffset = offset

	if sz, ok := die.Val(stddwarf.AttrBitSize).(int64); ok {
		m.HasBitField = true
		m.BitFieldSize = uint64(sz)
	}

	captured := die
	m.thunk = func() (*QualifiedType, error) {
		// Non-last members, and members of a union, must not be encoded as
		// incomplete arrays (spec.md §4.6 "Incomplete-array
		// disambiguation"); buildCompound allows it only for the final
		// member of a struct or class.
		return tc.typeAttr(captured, stddwarf.AttrType, canBeIncompleteArray)
	}
	return m, nil
}

// memberBitOffset implements spec.md §4.6.1.
func memberBitOffset(die DIE) (uint64, error) {
	if v, ok := die.Val(stddwarf.AttrDataBitOffset).(int64); ok {
		return uint64(v), nil
	}

	var base uint64
	if loc, ok := die.Val(stddwarf.AttrDataMemberLoc).(int64); ok {
		base = uint64(loc) * 8
	} else if block, ok := die.Val(stddwarf.AttrDataMemberLoc).([]byte); ok {
		off, err := dataMemberLocFromBlock(block)
		if err != nil {
			return 0, err
		}
		base = off * 8
	}

	if bo, ok := die.Val(stddwarf.AttrBitOffset).(int64); ok {
		byteSize, ok := die.Val(stddwarf.AttrByteSize).(int64)
		// Without DW_AT_byte_size, use the member type's size, looking
		// through typedefs and qualifiers.
		for cur, depth := die, 0; !ok; depth++ {
			ref, hasRef := cur.refVal(stddwarf.AttrType)
			if !hasRef || depth >= maxTypeRecursion {
				return 0, derrors.NewStructural("types", "bit field member %#x has no byte size", uint64(die.Addr()))
			}
			entry, err := entryAt(cur.data(), ref)
			if err != nil {
				return 0, err
			}
			cur = DIE{module: cur.module, cu: cur.cu, entry: entry}
			byteSize, ok = cur.Val(stddwarf.AttrByteSize).(int64)
		}
		bitSize, _ := die.Val(stddwarf.AttrBitSize).(int64)
		little := die.Module().Platform().LittleEndian
		if little {
			base += uint64(8*byteSize - bo - bitSize)
		} else {
			base += uint64(bo)
		}
	}
	return base, nil
}

// dataMemberLocFromBlock handles DW_AT_data_member_location as a block
// containing exactly DW_OP_plus_uconst c (spec.md §4.6.1); any other
// block form is unsupported.
func dataMemberLocFromBlock(block []byte) (uint64, error) {
	b := NewBuffer("", SecDebugInfo, nil, block)
	op, err := b.U8()
	if err != nil {
		return 0, err
	}
	if op != opPlusUconst {
		return 0, derrors.NewStructural("types", "unsupported DW_AT_data_member_location block opcode %#x", op)
	}
	c, err := b.ULEB128()
	if err != nil {
		return 0, err
	}
	if !b.Done() {
		return 0, derrors.NewStructural("types", "DW_AT_data_member_location block has trailing instructions after plus_uconst")
	}
	return c, nil
}

func (tc *TypeConstructor) buildEnum(die DIE) (*Type, error) {
	name, _ := die.Val(stddwarf.AttrName).(string)
	t := &Type{Kind: KindEnum, Name: name, Complete: die.Val(stddwarf.AttrDeclaration) == nil}

	compat, err := tc.typeAttr(die, stddwarf.AttrType, true)
	if err != nil {
		return nil, err
	}
	if compat.Type.Kind == KindVoid {
		size, _ := die.Val(stddwarf.AttrByteSize).(int64)
		// No DW_AT_type: synthesize a compatible integer from byte size,
		// unsigned unless any enumerator value is negative.
		signed := false
		var enumerators []Enumerator
		if err := tc.walkEnumerators(die, &enumerators); err != nil {
			return nil, err
		}
		for _, e := range enumerators {
			if e.Value < 0 {
				signed = true
				break
			}
		}
		compat = &QualifiedType{Type: tc.internPrimitive(primKey{kind: KindInt, byteSize: uint64(size), signed: signed, littleEndian: die.Module().Platform().LittleEndian})}
		t.Enumerators = enumerators
	} else {
		if err := tc.walkEnumerators(die, &t.Enumerators); err != nil {
			return nil, err
		}
	}
	t.ByteSize = compat.Type.ByteSize
	t.CompatibleInt = compat
	return t, nil
}

func (tc *TypeConstructor) walkEnumerators(die DIE, out *[]Enumerator) error {
	children, err := die.Children()
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Tag() != stddwarf.TagEnumerator {
			continue
		}
		name, _ := child.Val(stddwarf.AttrName).(string)
		val, _ := child.Val(stddwarf.AttrConstValue).(int64)
		*out = append(*out, Enumerator{Name: name, Value: val})
	}
	return nil
}

func (tc *TypeConstructor) buildTypedef(die DIE, canBeIncompleteArray bool) (*QualifiedType, bool, error) {
	name, _ := die.Val(stddwarf.AttrName).(string)
	aliased, err := tc.typeAttr(die, stddwarf.AttrType, canBeIncompleteArray)
	if err != nil {
		return nil, false, err
	}
	t := &Type{Kind: KindTypedef, Name: name, Aliased: aliased}
	isIncomplete := aliased.Type.Kind == KindArray && !aliased.Type.HasLength
	return &QualifiedType{Type: t}, isIncomplete, nil
}

func (tc *TypeConstructor) buildPointer(die DIE) (*Type, error) {
	referenced, err := tc.typeAttr(die, stddwarf.AttrType, true)
	if err != nil {
		return nil, err
	}
	size, ok := die.Val(stddwarf.AttrByteSize).(int64)
	byteSize := uint64(size)
	if !ok {
		byteSize = uint64(die.Module().Platform().AddressSize)
	}
	key := pointerKey{referenced: referenced.Type, qual: referenced.Qual, byteSize: byteSize}
	return tc.internPointer(key, func() *Type {
		return &Type{Kind: KindPointer, Referenced: referenced, ByteSize: byteSize}
	}), nil
}

func (tc *TypeConstructor) buildArray(die DIE, canBeIncompleteArray bool) (*QualifiedType, bool, error) {
	element, err := tc.typeAttr(die, stddwarf.AttrType, true)
	if err != nil {
		return nil, false, err
	}

	type dim struct {
		length    uint64
		hasLength bool
	}
	var dims []dim

	children, err := die.Children()
	if err != nil {
		return nil, false, err
	}
	for _, child := range children {
		if child.Tag() != stddwarf.TagSubrangeType {
			continue
		}
		d := dim{}
		if count, ok := child.Val(stddwarf.AttrCount).(int64); ok {
			d.length, d.hasLength = uint64(count), true
		} else if upper, ok := child.Val(stddwarf.AttrUpperBound).(int64); ok {
			d.length, d.hasLength = uint64(upper+1), true
		}
		dims = append(dims, d)
	}
	if len(dims) == 0 {
		dims = append(dims, dim{})
	}

	// Right-associate: the innermost dimension wraps the element type
	// first (spec.md §4.6's "build right-associated nested arrays").
	cur := element
	isIncomplete := false
	for i := len(dims) - 1; i >= 0; i-- {
		d := dims[i]
		last := i == len(dims)-1
		allowIncomplete := last && canBeIncompleteArray
		if !d.hasLength && !allowIncomplete {
			return nil, false, derrors.NewStructural("types", "die %#x: incomplete array not permitted in this position", uint64(die.Addr()))
		}
		key := arrayKey{element: cur.Type, qual: cur.Qual, length: d.length, hasLength: d.hasLength}
		arr := tc.internArray(key, func() *Type {
			return &Type{Kind: KindArray, Element: cur, Length: d.length, HasLength: d.hasLength}
		})
		cur = &QualifiedType{Type: arr}
		isIncomplete = !d.hasLength
	}
	return cur, isIncomplete, nil
}

func (tc *TypeConstructor) buildFunction(die DIE) (*Type, error) {
	ret, err := tc.typeAttr(die, stddwarf.AttrType, true)
	if err != nil {
		return nil, err
	}
	t := &Type{Kind: KindFunction, Return: ret}

	children, err := die.Children()
	if err != nil {
		return nil, err
	}
	variadicSeen := false
	for _, child := range children {
		switch child.Tag() {
		case stddwarf.TagFormalParameter:
			if variadicSeen {
				return nil, derrors.NewStructural("types", "die %#x: formal parameter after unspecified_parameters", uint64(die.Addr()))
			}
			pt, err := tc.typeAttr(child, stddwarf.AttrType, true)
			if err != nil {
				return nil, err
			}
			t.Params = append(t.Params, pt)
		case stddwarf.TagUnspecifiedParameters:
			variadicSeen = true
			t.Variadic = true
		case stddwarf.TagTemplateTypeParameter, stddwarf.TagTemplateValueParameter:
			if name, ok := child.Val(stddwarf.AttrName).(string); ok {
				t.TemplateNames = append(t.TemplateNames, name)
			}
		}
	}
	return t, nil
}
