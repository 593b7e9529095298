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
	"strings"

	derrors "github.com/ptesarik/drgn-go/errors"
)

// ObjectFlags selects which kinds of named entity find_object searches
// for (spec.md §6).
type ObjectFlags uint8

const (
	FlagConstant ObjectFlags = 1 << iota
	FlagFunction
	FlagVariable
)

// TypedObject pairs a materialized Object with the type it was
// materialized against. C7 itself only ever knows a bit size; find_object
// and object_from_dwarf (spec.md §6) are the layers that know which type
// produced that bit size, so they return the pair.
type TypedObject struct {
	*Object
	Type *QualifiedType
}

// ObjectQuery bundles the ambient facts find_object/object_from_dwarf
// need to evaluate a location expression at a particular moment: the
// program counter (for location-list selection and frame-base lookup), a
// register snapshot, a memory reader, and the per-CPU-style load bias
// knobs C7 already exposes. Every field is optional; a query with none
// set can still resolve objects whose location needs none of them (a
// compile-time constant, an enumerator).
type ObjectQuery struct {
	PC     uint64
	HavePC bool

	Registers RegisterState
	Memory    MemoryReader

	// AddrBase resolves a .debug_addr table index for the given module;
	// required only for addrx/constx-form expressions.
	AddrBase func(module Module, index uint64) (uint64, error)

	LoadBias              uint64
	MappedLow, MappedHigh uint64
	HaveMappedRange       bool
}

// moduleEntry is the per-module state the Core keeps: the parsed
// debug/dwarf data, the caller-supplied name index, and one
// TypeConstructor (so pointer/array/primitive caching and DIE
// memoization survive across repeated queries against the same module).
type moduleEntry struct {
	module Module
	index  Index
	data   *stddwarf.Data
	tc     *TypeConstructor
}

// Core is the top-level entry point of spec.md §6: find_type,
// find_object, object_from_dwarf, find_dwarf_cfi, find_dwarf_scopes and
// find_die_ancestors. It is the only layer that keeps live per-module
// debug/dwarf state; C4 through C9 only ever see one DIE, one module or
// one expression at a time.
type Core struct {
	modules []*moduleEntry
	byName  map[string]*moduleEntry
	frames  map[string]*FrameEngine
}

// NewCore builds an empty core. Modules are registered with AddModule as
// they are discovered; module discovery itself is out of scope (spec.md
// §1, §6).
func NewCore() *Core {
	return &Core{
		byName: make(map[string]*moduleEntry),
		frames: make(map[string]*FrameEngine),
	}
}

// AddModule registers a module's .debug_info (and .debug_types, if
// present) for querying, along with its name index. index may be nil for
// a module with no index available; declarations in it are then left
// in place rather than resolved to a definition found elsewhere.
func (c *Core) AddModule(module Module, index Index) error {
	data, err := buildDWARFData(module)
	if err != nil {
		return err
	}
	me := &moduleEntry{module: module, index: index, data: data}
	me.tc = NewTypeConstructor(index, c.resolveDecl)
	c.modules = append(c.modules, me)
	c.byName[module.Name()] = me
	return nil
}

// buildDWARFData parses a module's raw sections with the standard
// library's abbrev/unit decoder (spec.md §6's "ELF section loading... is
// out of scope" — but once a Module hands back bytes, decoding the
// DIE/abbreviation structure within .debug_info is the one piece this
// core delegates to debug/dwarf rather than reimplementing; see
// DESIGN.md).
func buildDWARFData(module Module) (*stddwarf.Data, error) {
	info := module.Section(SecDebugInfo)
	if !info.Present {
		return nil, derrors.NewNotFound("dwarf", "module %s has no .debug_info", module.Name())
	}
	abbrev := module.Section(SecDebugAbbrev)
	str := module.Section(SecDebugStr)

	data, err := stddwarf.New(abbrev.Bytes, nil, nil, info.Bytes, nil, nil, nil, str.Bytes)
	if err != nil {
		return nil, derrors.NewStructural("dwarf", "parsing .debug_info for %s: %v", module.Name(), err)
	}

	types := module.Section(SecDebugTypes)
	if types.Present {
		if err := data.AddTypes(module.Name()+".debug_types", types.Bytes); err != nil {
			return nil, derrors.NewStructural("dwarf", "parsing .debug_types for %s: %v", module.Name(), err)
		}
	}
	return data, nil
}

// resolveDecl is the DeclResolver every module's TypeConstructor is built
// with: it re-homes a DIE address in (possibly) another registered
// module, following the ancestor chain to recover the correct CU
// context (spec.md §4.6 steps 1-2).
func (c *Core) resolveDecl(module Module, addr DIEAddr) (DIE, bool) {
	me, ok := c.byName[module.Name()]
	if !ok {
		return DIE{}, false
	}
	return c.dieAt(me, addr)
}

// dieAt resolves addr to a fully CU-scoped DIE within me's module,
// reconstructing the CU context via AncestorsOf so that DW_AT_low_pc,
// version and language are all available to the caller.
func (c *Core) dieAt(me *moduleEntry, addr DIEAddr) (DIE, bool) {
	ancestors, err := AncestorsOf(me.module, me.data, addr)
	if err != nil || len(ancestors) == 0 {
		return DIE{}, false
	}
	return ancestors[len(ancestors)-1], true
}

// splitNamespace splits a `::`-qualified name into its namespace prefix
// and final component (spec.md §6: "leading :: selects the global
// namespace").
func splitNamespace(name string) (namespace, local string) {
	name = strings.TrimPrefix(name, "::")
	if idx := strings.LastIndex(name, "::"); idx >= 0 {
		return name[:idx], name[idx+2:]
	}
	return "", name
}

func (c *Core) candidates(me *moduleEntry, name string, tags []Tag) []DIEAddr {
	if me.index == nil {
		return nil
	}
	namespace, local := splitNamespace(name)
	return me.index.IterMatches(namespace, local, tags)
}

// cuNameMatches implements the optional filename filter on find_type and
// find_object: it matches either an exact DW_AT_name or a path whose
// final component is filename.
func cuNameMatches(die DIE, filename string) bool {
	if die.cu == nil || die.cu.entry == nil {
		return false
	}
	cuName, _ := die.cu.entry.Val(stddwarf.AttrName).(string)
	return cuName == filename || strings.HasSuffix(cuName, "/"+filename)
}

// FindType implements find_type(kind, name, name_len, filename?) (spec.md
// §6). kind selects the DWARF tag to search for (struct_type, base_type,
// typedef, and so on); name_len has no counterpart here because Go
// strings already carry their length.
func (c *Core) FindType(kind Tag, name string, filename string, hasFilename bool) (*QualifiedType, error) {
	for _, me := range c.modules {
		for _, addr := range c.candidates(me, name, []Tag{kind}) {
			die, ok := c.dieAt(me, addr)
			if !ok {
				continue
			}
			if hasFilename && !cuNameMatches(die, filename) {
				continue
			}
			qt, _, err := me.tc.TypeFromDWARF(die, true)
			if err != nil {
				return nil, err
			}
			return qt, nil
		}
	}
	return nil, derrors.NewNotFound("dwarf", "type %q not found", name)
}

// objectTags maps find_object's flag bits to the DWARF tags eligible to
// satisfy each one.
func objectTags(flags ObjectFlags) []Tag {
	var tags []Tag
	if flags&FlagConstant != 0 {
		tags = append(tags, stddwarf.TagEnumerator, stddwarf.TagConstant)
	}
	if flags&FlagFunction != 0 {
		tags = append(tags, stddwarf.TagSubprogram)
	}
	if flags&FlagVariable != 0 {
		tags = append(tags, stddwarf.TagVariable)
	}
	return tags
}

// FindObject implements find_object(name, filename?, flags) (spec.md
// §6): it searches the registered modules' indexes restricted to the
// tags flags selects, then materializes the first match via the same
// path object_from_dwarf uses.
func (c *Core) FindObject(name string, filename string, hasFilename bool, flags ObjectFlags, q ObjectQuery) (*TypedObject, error) {
	tags := objectTags(flags)
	for _, me := range c.modules {
		for _, addr := range c.candidates(me, name, tags) {
			die, ok := c.dieAt(me, addr)
			if !ok {
				continue
			}
			if hasFilename && !cuNameMatches(die, filename) {
				continue
			}
			return c.objectFromDIE(me, die, nil, nil, q)
		}
	}
	return nil, derrors.NewNotFound("dwarf", "object %q not found", name)
}

// ObjectFromDWARF implements object_from_dwarf(die, type_die?,
// subprogram_die?, regs?) (spec.md §6): the die-addressed counterpart to
// FindObject, for callers that already located the DIE (typically via
// FindDIEAncestors or a caller-owned walk) rather than searching by
// name. regs (and the rest of the ambient evaluation facts) travel in q.
func (c *Core) ObjectFromDWARF(die DIE, typeDie *DIE, subprogram *DIE, q ObjectQuery) (*TypedObject, error) {
	me, ok := c.byName[die.Module().Name()]
	if !ok {
		return nil, derrors.NewNotFound("dwarf", "die's module %s is not registered", die.Module().Name())
	}
	return c.objectFromDIE(me, die, typeDie, subprogram, q)
}

func (c *Core) objectFromDIE(me *moduleEntry, die DIE, typeDie *DIE, subprogram *DIE, q ObjectQuery) (*TypedObject, error) {
	qt, isTemplateValueParam, err := c.resolveObjectType(me, die, typeDie)
	if err != nil {
		return nil, err
	}

	if die.Tag() == stddwarf.TagEnumerator {
		return enumeratorObject(die, qt)
	}

	if die.Tag() == stddwarf.TagSubprogram {
		return subprogramObject(die, qt, q), nil
	}

	fn := subprogram
	if fn == nil {
		fn = c.enclosingSubprogram(me, die)
	}
	bitSize := objectBitSize(qt)

	if raw := die.Val(stddwarf.AttrConstValue); raw != nil {
		if obj, ok := constValueObject(raw, bitSize); ok {
			return &TypedObject{Object: obj, Type: qt}, nil
		}
	}

	resolver := NewLocationResolver(me.module)
	expr, err := resolver.Resolve(die, stddwarf.AttrLocation, q.PC, q.HavePC)
	if err != nil {
		return nil, err
	}
	if len(expr) == 0 {
		return &TypedObject{Object: &Object{Kind: ObjAbsent, BitSize: bitSize}, Type: qt}, nil
	}

	ctx := &ExprContext{
		Module:      me.module,
		AddressSize: me.module.Platform().AddressSize,
		ByteOrder:   byteOrderOf(me.module),
		CU:          die.CU(),
		Function:    fn,
		Registers:   q.Registers,
		Memory:      q.Memory,
	}
	if q.AddrBase != nil {
		module := me.module
		ctx.AddrBase = func(index uint64) (uint64, error) { return q.AddrBase(module, index) }
	}

	mat := NewObjectMaterializer(ctx)
	mat.LoadBias = q.LoadBias
	mat.MappedLow, mat.MappedHigh, mat.HaveMappedRange = q.MappedLow, q.MappedHigh, q.HaveMappedRange

	obj, err := mat.Materialize(expr, bitSize, isTemplateValueParam)
	if err != nil {
		return nil, err
	}
	return &TypedObject{Object: obj, Type: qt}, nil
}

// resolveObjectType finds the QualifiedType an object's bytes should be
// interpreted as: an explicit type_die wins; an enumerator's type is its
// enclosing enumeration_type's compatible integer type; otherwise the
// DIE's own DW_AT_type.
func (c *Core) resolveObjectType(me *moduleEntry, die DIE, typeDie *DIE) (*QualifiedType, bool, error) {
	if typeDie != nil {
		qt, _, err := me.tc.TypeFromDWARF(*typeDie, true)
		return qt, die.Tag() == stddwarf.TagTemplateValueParameter, err
	}

	if die.Tag() == stddwarf.TagEnumerator {
		enumDie, ok := c.enclosingEnum(me, die)
		if !ok {
			return nil, false, derrors.NewStructural("dwarf", "enumerator %#x has no enclosing enumeration_type", uint64(die.Addr()))
		}
		qt, _, err := me.tc.TypeFromDWARF(enumDie, false)
		if err != nil {
			return nil, false, err
		}
		if qt.Type.CompatibleInt == nil {
			return nil, false, derrors.NewStructural("dwarf", "enumeration %#x has no compatible integer type", uint64(enumDie.Addr()))
		}
		return qt.Type.CompatibleInt, false, nil
	}

	if die.Tag() == stddwarf.TagSubprogram {
		qt, _, err := me.tc.TypeFromDWARF(die, false)
		return qt, false, err
	}

	off, ok := die.refVal(stddwarf.AttrType)
	if !ok {
		return nil, false, derrors.NewNotFound("dwarf", "die %#x has no %v attribute", uint64(die.Addr()), stddwarf.AttrType)
	}
	target, err := entryAt(die.data(), off)
	if err != nil {
		return nil, false, err
	}
	typeDIE := DIE{module: die.Module(), cu: die.CU(), entry: target}
	qt, _, err := me.tc.TypeFromDWARF(typeDIE, true)
	return qt, die.Tag() == stddwarf.TagTemplateValueParameter, err
}

func (c *Core) enclosingEnum(me *moduleEntry, die DIE) (DIE, bool) {
	ancestors, err := AncestorsOf(me.module, me.data, die.Addr())
	if err != nil || len(ancestors) < 2 {
		return DIE{}, false
	}
	parent := ancestors[len(ancestors)-2]
	if parent.Tag() != stddwarf.TagEnumerationType {
		return DIE{}, false
	}
	return parent, true
}

func (c *Core) enclosingSubprogram(me *moduleEntry, die DIE) *DIE {
	ancestors, err := AncestorsOf(me.module, me.data, die.Addr())
	if err != nil {
		return nil
	}
	for i := len(ancestors) - 2; i >= 0; i-- {
		if ancestors[i].Tag() == stddwarf.TagSubprogram {
			d := ancestors[i]
			return &d
		}
	}
	return nil
}

func objectBitSize(qt *QualifiedType) int {
	if qt == nil || qt.Type == nil {
		return 0
	}
	return int(qt.Type.ByteSize) * 8
}

// enumeratorObject materializes a DW_TAG_enumerator directly from its
// DW_AT_const_value: enumerators have no location expression of their
// own (spec.md §8 scenario 1).
func enumeratorObject(die DIE, qt *QualifiedType) (*TypedObject, error) {
	bitSize := objectBitSize(qt)
	obj, ok := constValueObject(die.Val(stddwarf.AttrConstValue), bitSize)
	if !ok {
		return nil, derrors.NewStructural("dwarf", "enumerator %#x has no usable DW_AT_const_value", uint64(die.Addr()))
	}
	return &TypedObject{Object: obj, Type: qt}, nil
}

// subprogramObject materializes flags=function lookups: a subprogram has
// no DW_AT_location; its "storage" is the entry address in DW_AT_low_pc,
// biased the same way a pure-memory C7 object would be.
func subprogramObject(die DIE, qt *QualifiedType, q ObjectQuery) *TypedObject {
	lo, ok := die.Val(stddwarf.AttrLowpc).(uint64)
	if !ok {
		return &TypedObject{Object: &Object{Kind: ObjAbsent}, Type: qt}
	}
	mat := NewObjectMaterializer(nil)
	mat.LoadBias = q.LoadBias
	mat.MappedLow, mat.MappedHigh, mat.HaveMappedRange = q.MappedLow, q.MappedHigh, q.HaveMappedRange
	return &TypedObject{Object: &Object{Kind: ObjReference, Address: mat.biased(lo)}, Type: qt}
}

// constValueObject decodes a DW_AT_const_value attribute (whatever form
// debug/dwarf decoded it to) into a fixed-size value Object.
func constValueObject(raw interface{}, bitSize int) (*Object, bool) {
	switch v := raw.(type) {
	case int64:
		return uint64ValueObject(uint64(v), bitSize), true
	case uint64:
		return uint64ValueObject(v, bitSize), true
	case []byte:
		buf := make([]byte, (bitSize+7)/8)
		copy(buf, v)
		return &Object{Kind: ObjValue, Value: buf, BitSize: bitSize}, true
	case string:
		return &Object{Kind: ObjValue, Value: []byte(v), BitSize: len(v) * 8}, true
	default:
		return nil, false
	}
}

func uint64ValueObject(v uint64, bitSize int) *Object {
	full := make([]byte, 8)
	binary.LittleEndian.PutUint64(full, v)
	n := (bitSize + 7) / 8
	if n > 8 {
		n = 8
	}
	return &Object{Kind: ObjValue, Value: full[:n], BitSize: bitSize}
}

// frameEngine returns (building if necessary) the FrameEngine for a
// module, memoized so repeated find_dwarf_cfi calls reuse the parsed
// CIE/FDE table rather than re-parsing .debug_frame/.eh_frame every time.
func (c *Core) frameEngine(module Module) *FrameEngine {
	fe, ok := c.frames[module.Name()]
	if !ok {
		fe = NewFrameEngine(module)
		c.frames[module.Name()] = fe
	}
	return fe
}

// FindDWARFCFI implements find_dwarf_cfi(module, unbiased_pc) (spec.md
// §6), wrapping the CFI engine (C8).
func (c *Core) FindDWARFCFI(module Module, unbiasedPC uint64) (*CFIRow, bool, int, error) {
	return c.frameEngine(module).FindRow(unbiasedPC)
}

// FindDIEAncestors implements find_die_ancestors(die) (spec.md §6),
// wrapping C3's AncestorsOf.
func (c *Core) FindDIEAncestors(die DIE) ([]DIE, error) {
	me, ok := c.byName[die.Module().Name()]
	if !ok {
		return nil, derrors.NewNotFound("dwarf", "die's module %s is not registered", die.Module().Name())
	}
	return AncestorsOf(die.Module(), me.data, die.Addr())
}

// isScopeDIE reports whether a DIE's tag is one find_dwarf_scopes
// descends through and reports as part of the scope chain: compile
// units, subprograms, inlined subroutines and lexical blocks.
func isScopeDIE(tag Tag) bool {
	switch tag {
	case stddwarf.TagCompileUnit, stddwarf.TagSubprogram, stddwarf.TagInlinedSubroutine, stddwarf.TagLexDwarfBlock:
		return true
	default:
		return false
	}
}

// dieRange reads a DIE's DW_AT_low_pc/DW_AT_high_pc pair. DW_AT_high_pc
// may be encoded as an absolute address or, in DWARF4+ producers, as an
// offset from low_pc; debug/dwarf decodes the former as uint64 and the
// latter as int64, so the two forms are distinguished by the attribute's
// decoded Go type.
func dieRange(die DIE) (lo, hi uint64, ok bool) {
	lov, ok := die.Val(stddwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, 0, false
	}
	switch hv := die.Val(stddwarf.AttrHighpc).(type) {
	case uint64:
		return lov, hv, true
	case int64:
		return lov, lov + uint64(hv), true
	default:
		return 0, 0, false
	}
}

// ancestorChain copies a Cursor's current ancestor stack into a plain
// DIE slice, root first.
func ancestorChain(cursor *Cursor) []DIE {
	chain := make([]DIE, len(cursor.stack))
	for i, f := range cursor.stack {
		chain[i] = *f.die
	}
	return chain
}

// FindDWARFScopes implements find_dwarf_scopes(module, pc) → (bias,
// dies[]) (spec.md §6): it walks the module's DIE tree, descending only
// into subtrees whose PC range covers pc (or that carry no range at
// all, such as a compile unit with neither attribute), and returns the
// full ancestor chain, root first, ending at the deepest matching
// compile_unit/subprogram/inlined_subroutine/lexical_block DIE; range-less
// DIEs on that path (a namespace, say) are included. loadBias is returned
// unchanged: this core has no
// per-module load-bias state of its own (every other operation that
// needs one takes it as an explicit knob, via ObjectQuery), so the
// round-trip value just lets a caller thread the same bias through
// without a side channel.
func (c *Core) FindDWARFScopes(module Module, pc uint64, loadBias uint64) (uint64, []DIE, error) {
	me, ok := c.byName[module.Name()]
	if !ok {
		return loadBias, nil, derrors.NewNotFound("dwarf", "module %s is not registered", module.Name())
	}

	cursor := NewCursor(me.module, me.data)
	var bestChain []DIE
	bestDepth := -1

	die, more, err := cursor.Next()
	for more && err == nil {
		lo, hi, hasRange := dieRange(die)
		inRange := !hasRange || (pc >= lo && pc < hi)

		if inRange && isScopeDIE(die.Tag()) && cursor.Depth() > bestDepth {
			bestChain = ancestorChain(cursor)
			bestDepth = cursor.Depth()
		}

		if inRange && die.HasChildren() {
			die, more, err = cursor.Descend()
		} else {
			die, more, err = cursor.Next()
		}
	}
	if err != nil {
		return loadBias, nil, err
	}
	if bestChain == nil {
		return loadBias, nil, derrors.NewNotFound("dwarf", "pc %#x is not covered by any scope", pc)
	}
	return loadBias, bestChain, nil
}
