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

// Qualifiers is a bitset of the four DWARF type qualifiers (spec.md §3
// "Qualified type").
type Qualifiers uint8

const (
	QualConst Qualifiers = 1 << iota
	QualVolatile
	QualRestrict
	QualAtomic
)

// TypeKind enumerates the type-node shapes of spec.md §3 "Type kinds".
type TypeKind int

const (
	KindVoid TypeKind = iota
	KindInt
	KindBool
	KindFloat
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindClass
	KindEnum
	KindTypedef
	KindFunction
)

// Type is an immutable type node, owned by a TypeConstructor's arena.
// Pointer, array and primitive nodes are cached so that two equal
// constructions yield the same *Type (spec.md §3's pointer-equality
// requirement for downstream type comparisons).
type Type struct {
	Kind TypeKind

	// Name is the tag name for struct/union/class/enum, or the alias name
	// for typedef; empty for anonymous types.
	Name string

	ByteSize     uint64
	Signed       bool // int
	LittleEndian bool // overrides the platform default per DW_AT_endianity

	Referenced *QualifiedType // pointer

	Element   *QualifiedType // array
	Length    uint64
	HasLength bool // false => incomplete array

	Members  []*Member // struct/union/class
	Complete bool

	CompatibleInt *QualifiedType // enum
	Enumerators   []Enumerator

	Aliased *QualifiedType // typedef

	Return        *QualifiedType // function/subroutine
	Params        []*QualifiedType
	Variadic      bool
	TemplateNames []string
}

// QualifiedType pairs a type node with the qualifiers under which it was
// referenced (spec.md §3).
type QualifiedType struct {
	Type *Type
	Qual Qualifiers
}

// Enumerator is one DW_TAG_enumerator child of an enumeration_type.
type Enumerator struct {
	Name  string
	Value int64
}

// Member is a structure/union/class member (spec.md §3 "Member"). Its
// type is resolved lazily, per §4.6's "avoids O(n^2) cycles in mutually
// recursive compound definitions".
type Member struct {
	Name    string
	HasName bool

	BitOffset uint64

	HasBitField  bool
	BitFieldSize uint64

	thunk    func() (*QualifiedType, error)
	resolved *QualifiedType
	err      error
	done     bool
}

// Type forces the member's lazy type thunk, memoizing the result.
func (m *Member) Type() (*QualifiedType, error) {
	if !m.done {
		m.resolved, m.err = m.thunk()
		m.done = true
		m.thunk = nil
	}
	return m.resolved, m.err
}

// memoEntry is the value of the two per-DIE memoization maps (spec.md §3
// "Type memoization").
type memoEntry struct {
	qt                *QualifiedType
	isIncompleteArray bool
}

type primKey struct {
	kind         TypeKind
	byteSize     uint64
	signed       bool
	littleEndian bool
	name         string
}

type pointerKey struct {
	referenced *Type
	qual       Qualifiers
	byteSize   uint64
}

type arrayKey struct {
	element   *Type
	qual      Qualifiers
	length    uint64
	hasLength bool
}

// DeclResolver resolves a declaration DIE address to its definition DIE,
// possibly in a different module (backing Index.FindDefinition and
// DW_AT_signature type-unit lookups), and is supplied by the top-level
// API (dwarf.go), which is the only layer that keeps live debug/dwarf
// data per module. The type constructor itself never walks DIEs outside the one
// it was handed.
type DeclResolver func(module Module, addr DIEAddr) (DIE, bool)

// TypeConstructor implements spec.md §4.6 (C6): building qualified_type
// trees from DIEs, memoizing by DIE address, and caching pointer/array/
// primitive nodes by structural key for pointer-equality.
type TypeConstructor struct {
	index    Index
	resolve  DeclResolver
	recurDep int

	types                 map[DIEAddr]memoEntry
	cantBeIncompleteArray map[DIEAddr]memoEntry

	primitives map[primKey]*Type
	pointers   map[pointerKey]*Type
	arrays     map[arrayKey]*Type
}

// NewTypeConstructor builds a constructor. index and resolve may be nil.
// Without them, DW_AT_declaration is not followed and a declaration DIE
// is built in place (a degraded but still-correct mode: the resulting
// type just won't be deduplicated with the real definition found
// elsewhere); a DIE carrying DW_AT_signature is an error when resolve is
// nil.
func NewTypeConstructor(index Index, resolve DeclResolver) *TypeConstructor {
	return &TypeConstructor{
		index:                 index,
		resolve:               resolve,
		types:                 make(map[DIEAddr]memoEntry),
		cantBeIncompleteArray: make(map[DIEAddr]memoEntry),
		primitives:            make(map[primKey]*Type),
		pointers:              make(map[pointerKey]*Type),
		arrays:                make(map[arrayKey]*Type),
	}
}

func (tc *TypeConstructor) internPrimitive(k primKey) *Type {
	if t, ok := tc.primitives[k]; ok {
		return t
	}
	t := &Type{Kind: k.kind, Name: k.name, ByteSize: k.byteSize, Signed: k.signed, LittleEndian: k.littleEndian}
	tc.primitives[k] = t
	return t
}

func (tc *TypeConstructor) internPointer(k pointerKey, build func() *Type) *Type {
	if t, ok := tc.pointers[k]; ok {
		return t
	}
	t := build()
	tc.pointers[k] = t
	return t
}

func (tc *TypeConstructor) internArray(k arrayKey, build func() *Type) *Type {
	if t, ok := tc.arrays[k]; ok {
		return t
	}
	t := build()
	tc.arrays[k] = t
	return t
}
