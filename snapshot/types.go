// ABOUTME: Managed type and field description tables of a capture
// ABOUTME: Builds the flattened instance/static field lists and type lookups once at load

package snapshot

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// TypeFlags describe the shape of a managed type.
type TypeFlags uint32

const (
	TypeValueType     TypeFlags = 1 << 0
	TypeArray         TypeFlags = 1 << 1
	TypeArrayRankMask TypeFlags = 0xffff0000
)

// ArrayFlags returns the flags of an array type with the given rank.
func ArrayFlags(rank int) TypeFlags {
	return TypeArray | TypeFlags(rank<<16)&TypeArrayRankMask
}

func (f TypeFlags) IsValueType() bool { return f&TypeValueType != 0 }
func (f TypeFlags) IsArray() bool     { return f&TypeArray != 0 }

// Rank is the number of array dimensions encoded in the flags.
func (f TypeFlags) Rank() int { return int((f & TypeArrayRankMask) >> 16) }

// Well-known managed type names.
const (
	ValueTypeName = "System.ValueType"
	ObjectName    = "System.Object"
	EnumName      = "System.Enum"
)

// UnsupportedFieldOffset marks thread-local fields, which are never crawled.
const UnsupportedFieldOffset = -1

// Types is the column store of managed type descriptions. After Init every
// type reference held in BaseOrElementTypeIndex is a row index into Types.
type Types struct {
	Flags                  []TypeFlags
	Names                  []string
	Assemblies             []string
	FieldIndices           [][]int32
	StaticFieldBytes       [][]byte
	BaseOrElementTypeIndex []int32
	Sizes                  []int32
	TypeInfoAddresses      []uint64
	TypeIndices            []int32

	instanceFields    [][]int32
	staticFields      [][]int32
	ownedStaticFields [][]int32
	hasStaticFields   []bool
	typeInfoToIndex   map[uint64]int32
	typeIndexToIndex  map[int32]int32
	byName            map[string]int32

	// Row indices of System.ValueType, System.Object and System.Enum, or -1.
	ValueTypeIndex int32
	ObjectIndex    int32
	EnumIndex      int32
}

// Count is the number of type descriptions.
func (t *Types) Count() int { return len(t.Names) }

// Fields is the column store of field descriptions. TypeIndex is the declared
// type of the field, a row index into Types after Init.
type Fields struct {
	Names     []string
	Offsets   []int32
	TypeIndex []int32
	IsStatic  []bool

	owner []int32
}

// Count is the number of field descriptions.
func (f *Fields) Count() int { return len(f.Names) }

// Owner is the type declaring field i, or -1 when no type lists it.
func (f *Fields) Owner(i int32) int32 {
	if int(i) >= len(f.owner) || i < 0 {
		return -1
	}
	return f.owner[i]
}

// IndexByTypeInfo resolves a type-info address to a type row.
func (t *Types) IndexByTypeInfo(addr uint64) (int32, bool) {
	i, ok := t.typeInfoToIndex[addr]
	return i, ok
}

// IndexByTypeIndex resolves a captured type index to a type row.
func (t *Types) IndexByTypeIndex(typeIndex int32) (int32, bool) {
	i, ok := t.typeIndexToIndex[typeIndex]
	return i, ok
}

// CapturedIndex maps a type row back to the type index the capture used,
// or -1 for a row outside the table.
func (t *Types) CapturedIndex(row int32) int32 {
	if row < 0 || int(row) >= len(t.TypeIndices) {
		return -1
	}
	return t.TypeIndices[row]
}

// IndexByName returns the first type with the given name.
func (t *Types) IndexByName(name string) (int32, bool) {
	i, ok := t.byName[name]
	return i, ok
}

// InstanceFields lists the instance fields of type i, inherited ones first.
func (t *Types) InstanceFields(i int32) []int32 { return t.instanceFields[i] }

// StaticFields lists the static fields of type i including inherited ones.
func (t *Types) StaticFields(i int32) []int32 { return t.staticFields[i] }

// OwnedStaticFields lists only the static fields type i declares itself.
func (t *Types) OwnedStaticFields(i int32) []int32 { return t.ownedStaticFields[i] }

// HasStaticFields reports whether type i declares any static field.
func (t *Types) HasStaticFields(i int32) bool { return t.hasStaticFields[i] }

// HasFields reports whether type i has any crawlable field.
func (t *Types) HasFields(i int32) bool {
	return len(t.instanceFields[i]) > 0 || len(t.staticFields[i]) > 0
}

// Base returns the base type of a non-array type, or -1.
func (t *Types) Base(i int32) int32 {
	if t.Flags[i].IsArray() {
		return -1
	}
	return t.BaseOrElementTypeIndex[i]
}

// Element returns the element type of an array type, or -1.
func (t *Types) Element(i int32) int32 {
	if !t.Flags[i].IsArray() {
		return -1
	}
	return t.BaseOrElementTypeIndex[i]
}

// Derives reports whether base appears in the base chain of i, i included.
func (t *Types) Derives(i, base int32) bool {
	for steps := 0; i >= 0 && steps <= t.Count(); steps++ {
		if i == base {
			return true
		}
		i = t.Base(i)
	}
	return false
}

func (t *Types) init(fields *Fields) (err error) {
	n := t.Count()
	if err := checkColumns("types", n, map[string]int{
		"flags":         len(t.Flags),
		"field indices": len(t.FieldIndices),
		"base":          len(t.BaseOrElementTypeIndex),
		"sizes":         len(t.Sizes),
		"type info":     len(t.TypeInfoAddresses),
	}); err != nil {
		return err
	}
	if t.Assemblies == nil {
		t.Assemblies = make([]string, n)
	}
	if t.StaticFieldBytes == nil {
		t.StaticFieldBytes = make([][]byte, n)
	}
	if t.TypeIndices == nil {
		t.TypeIndices = make([]int32, n)
		for i := range t.TypeIndices {
			t.TypeIndices[i] = int32(i)
		}
	}
	if err := checkColumns("types", n, map[string]int{
		"assemblies":   len(t.Assemblies),
		"static bytes": len(t.StaticFieldBytes),
		"type indices": len(t.TypeIndices),
	}); err != nil {
		return err
	}

	t.typeInfoToIndex = make(map[uint64]int32, n)
	t.typeIndexToIndex = make(map[int32]int32, n)
	t.byName = make(map[string]int32, n)
	for i := 0; i < n; i++ {
		t.typeInfoToIndex[t.TypeInfoAddresses[i]] = int32(i)
		t.typeIndexToIndex[t.TypeIndices[i]] = int32(i)
		if _, ok := t.byName[t.Names[i]]; !ok {
			t.byName[t.Names[i]] = int32(i)
		}
	}

	// Resolve captured type indices to rows so lookups are direct afterwards.
	// The captured columns are left intact until every later check passes.
	base := make([]int32, n)
	for i, ti := range t.BaseOrElementTypeIndex {
		if ti < 0 {
			base[i] = -1
			continue
		}
		row, ok := t.typeIndexToIndex[ti]
		if !ok {
			return errors.Wrapf(ErrCorrupt, "type %q: base or element type index %d not found", t.Names[i], ti)
		}
		base[i] = row
	}
	fieldTypes := make([]int32, fields.Count())
	for i, ti := range fields.TypeIndex {
		row, ok := t.typeIndexToIndex[ti]
		if !ok {
			return errors.Wrapf(ErrCorrupt, "field %q: type index %d not found", fields.Names[i], ti)
		}
		fieldTypes[i] = row
	}
	capturedBase, capturedFieldTypes := t.BaseOrElementTypeIndex, fields.TypeIndex
	t.BaseOrElementTypeIndex, fields.TypeIndex = base, fieldTypes
	defer func() {
		if err != nil {
			t.BaseOrElementTypeIndex, fields.TypeIndex = capturedBase, capturedFieldTypes
		}
	}()

	fields.owner = make([]int32, fields.Count())
	for i := range fields.owner {
		fields.owner[i] = -1
	}
	for i, fis := range t.FieldIndices {
		for _, fi := range fis {
			if fi < 0 || int(fi) >= fields.Count() {
				return errors.Wrapf(ErrCorrupt, "type %q: field index %d out of range", t.Names[i], fi)
			}
			fields.owner[fi] = int32(i)
		}
	}

	t.instanceFields = make([][]int32, n)
	t.staticFields = make([][]int32, n)
	t.ownedStaticFields = make([][]int32, n)
	t.hasStaticFields = make([]bool, n)
	for i := int32(0); int(i) < n; i++ {
		t.hasStaticFields[i] = lo.SomeBy(t.FieldIndices[i], func(fi int32) bool { return fields.IsStatic[fi] })

		if t.instanceFields[i], err = t.collectFields(fields, i, false, true); err != nil {
			return err
		}
		if t.staticFields[i], err = t.collectFields(fields, i, true, true); err != nil {
			return err
		}
		if t.ownedStaticFields[i], err = t.collectFields(fields, i, true, false); err != nil {
			return err
		}
	}

	t.ValueTypeIndex = t.indexOrNone(ValueTypeName)
	t.ObjectIndex = t.indexOrNone(ObjectName)
	t.EnumIndex = t.indexOrNone(EnumName)
	return nil
}

func (t *Types) indexOrNone(name string) int32 {
	if i, ok := t.byName[name]; ok {
		return i
	}
	return -1
}

// collectFields flattens the fields of type i. Inherited fields come first and
// are only followed for reference types; value types inline their own layout.
func (t *Types) collectFields(fields *Fields, i int32, static, includeBase bool) ([]int32, error) {
	var chain []int32
	for cur, steps := i, 0; cur >= 0; steps++ {
		if steps > t.Count() {
			return nil, errors.Wrapf(ErrCorrupt, "type %q: base type chain has a cycle", t.Names[i])
		}
		chain = append(chain, cur)
		if !includeBase || t.Flags[cur].IsValueType() {
			break
		}
		cur = t.Base(cur)
	}

	var out []int32
	for c := len(chain) - 1; c >= 0; c-- {
		owner := chain[c]
		isValue := t.Flags[owner].IsValueType()
		out = append(out, lo.Filter(t.FieldIndices[owner], func(fi int32, _ int) bool {
			if fields.IsStatic[fi] != static {
				return false
			}
			// Primitive value types such as System.Single hold a field of their own type.
			if isValue && fields.TypeIndex[fi] == owner {
				return false
			}
			return fields.Offsets[fi] != UnsupportedFieldOffset
		})...)
	}
	return out, nil
}

func (f *Fields) init() error {
	return checkColumns("fields", f.Count(), map[string]int{
		"offsets":    len(f.Offsets),
		"type index": len(f.TypeIndex),
		"is static":  len(f.IsStatic),
	})
}
