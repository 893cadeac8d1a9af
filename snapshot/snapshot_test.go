// ABOUTME: Tests for the record cache: secondary indices, field flattening and validation
// ABOUTME: Uses the captest builder for realistic type hierarchies

package snapshot_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/snapgraph/internal/captest"
	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

func TestTypeFlags(t *testing.T) {
	f := snapshot.ArrayFlags(3)
	assert.True(t, f.IsArray())
	assert.False(t, f.IsValueType())
	assert.Equal(t, 3, f.Rank())
	assert.Equal(t, 0, snapshot.TypeValueType.Rank())
	assert.Equal(t, 1, snapshot.ArrayFlags(1).Rank())
}

func TestFieldFlattening(t *testing.T) {
	b := captest.New(memory.Layout64)
	core := b.Core()

	base := b.Type("Game.Base", 0, core.Object, 32)
	fBaseRef := b.Field(base, "m_Owner", 16, core.Object, false)
	fBaseStatic := b.Field(base, "s_Count", 0, core.Int32, true)

	derived := b.Type("Game.Derived", 0, base, 40)
	fDerivedVal := b.Field(derived, "m_Health", 24, core.Int32, false)
	b.Field(derived, "t_Local", snapshot.UnsupportedFieldOffset, core.Object, false)
	fDerivedStatic := b.Field(derived, "s_Instance", 8, derived, true)

	vec := b.Type("Game.Vector", snapshot.TypeValueType, core.ValueType, 8)
	fX := b.Field(vec, "x", 16, core.Single, false)

	s := b.MustBuild(t)

	assert.Equal(t, []int32{fBaseRef, fDerivedVal}, s.Types.InstanceFields(derived))
	assert.Equal(t, []int32{fBaseStatic, fDerivedStatic}, s.Types.StaticFields(derived))
	assert.Equal(t, []int32{fDerivedStatic}, s.Types.OwnedStaticFields(derived))
	assert.True(t, s.Types.HasStaticFields(derived))
	assert.True(t, s.Types.HasFields(derived))

	// Value types never inherit fields from System.ValueType.
	assert.Equal(t, []int32{fX}, s.Types.InstanceFields(vec))
	// Primitive self-typed fields are dropped.
	assert.Empty(t, s.Types.InstanceFields(core.Single))
	assert.False(t, s.Types.HasStaticFields(core.Single))

	assert.Equal(t, derived, s.Fields.Owner(fDerivedVal))
	assert.Equal(t, int32(-1), s.Fields.Owner(999))

	assert.Equal(t, core.ValueType, s.Types.ValueTypeIndex)
	assert.Equal(t, core.Object, s.Types.ObjectIndex)
	assert.Equal(t, core.Enum, s.Types.EnumIndex)

	assert.True(t, s.Types.Derives(derived, core.Object))
	assert.True(t, s.Types.Derives(derived, derived))
	assert.False(t, s.Types.Derives(base, derived))
	assert.Equal(t, base, s.Types.Base(derived))
	assert.Equal(t, int32(-1), s.Types.Element(derived))
}

func TestTypeLookups(t *testing.T) {
	b := captest.New(memory.Layout64)
	core := b.Core()
	arr := b.Type("System.Int32[]", snapshot.ArrayFlags(1), core.Int32, 32)
	s := b.MustBuild(t)

	got, ok := s.Types.IndexByTypeInfo(captest.TypeInfo(arr))
	require.True(t, ok)
	assert.Equal(t, arr, got)

	_, ok = s.Types.IndexByTypeInfo(0x1234)
	assert.False(t, ok)

	got, ok = s.Types.IndexByName("System.Int32[]")
	require.True(t, ok)
	assert.Equal(t, arr, got)

	assert.Equal(t, core.Int32, s.Types.Element(arr))
	assert.Equal(t, int32(-1), s.Types.Base(arr))
}

func TestTypeIndexNormalisation(t *testing.T) {
	// Captured type indices need not match row positions.
	s := &snapshot.Snapshot{
		Layout: memory.Layout64,
		Types: snapshot.Types{
			Names:                  []string{"System.Object", "Game.Thing"},
			Flags:                  []snapshot.TypeFlags{0, 0},
			FieldIndices:           [][]int32{nil, {0}},
			BaseOrElementTypeIndex: []int32{-1, 100},
			Sizes:                  []int32{16, 24},
			TypeInfoAddresses:      []uint64{0x100, 0x200},
			TypeIndices:            []int32{100, 200},
		},
		Fields: snapshot.Fields{
			Names:     []string{"m_Next"},
			Offsets:   []int32{16},
			TypeIndex: []int32{200},
			IsStatic:  []bool{false},
		},
	}
	require.NoError(t, s.Init())

	assert.Equal(t, int32(0), s.Types.Base(1))
	assert.Equal(t, int32(1), s.Fields.TypeIndex[0])
	row, ok := s.Types.IndexByTypeIndex(200)
	require.True(t, ok)
	assert.Equal(t, int32(1), row)

	// A second Init must not remap already resolved rows.
	require.NoError(t, s.Init())
	assert.Equal(t, int32(0), s.Types.Base(1))
}

func TestInitCorrupt(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *snapshot.Snapshot)
	}{
		{
			name: "unknown base type",
			mutate: func(s *snapshot.Snapshot) {
				s.Types.BaseOrElementTypeIndex[1] = 42
			},
		},
		{
			name: "unknown field type",
			mutate: func(s *snapshot.Snapshot) {
				s.Fields.TypeIndex[0] = 42
			},
		},
		{
			name: "field index out of range",
			mutate: func(s *snapshot.Snapshot) {
				s.Types.FieldIndices[1] = []int32{7}
			},
		},
		{
			name: "short column",
			mutate: func(s *snapshot.Snapshot) {
				s.Types.Sizes = s.Types.Sizes[:1]
			},
		},
		{
			name: "base type cycle",
			mutate: func(s *snapshot.Snapshot) {
				s.Types.BaseOrElementTypeIndex[0] = 1
			},
		},
		{
			name: "bad layout",
			mutate: func(s *snapshot.Snapshot) {
				s.Layout.PointerSize = 6
			},
		},
		{
			name: "native type out of range",
			mutate: func(s *snapshot.Snapshot) {
				s.NativeObjects = snapshot.NativeObjects{
					Names:           []string{"n"},
					InstanceIDs:     []int32{1},
					Sizes:           []uint64{1},
					NativeTypeIndex: []int32{3},
					Addresses:       []uint64{0x10},
				}
			},
		},
		{
			name: "unknown root reference",
			mutate: func(s *snapshot.Snapshot) {
				s.NativeTypes = snapshot.NativeTypes{Names: []string{"t"}, BaseTypeIndex: []int32{-1}}
				s.NativeObjects = snapshot.NativeObjects{
					Names:            []string{"n"},
					InstanceIDs:      []int32{1},
					Sizes:            []uint64{1},
					NativeTypeIndex:  []int32{0},
					Addresses:        []uint64{0x10},
					RootReferenceIDs: []int64{9},
				}
			},
		},
		{
			name: "duplicate root reference id",
			mutate: func(s *snapshot.Snapshot) {
				s.NativeRootReferences = snapshot.NativeRootReferences{
					IDs:              []int64{3, 3},
					AreaNames:        []string{"a", "b"},
					ObjectNames:      []string{"x", "y"},
					AccumulatedSizes: []uint64{1, 2},
				}
			},
		},
		{
			name: "memory label out of range",
			mutate: func(s *snapshot.Snapshot) {
				s.AllocationSites = snapshot.AllocationSites{
					IDs:              []int64{1},
					MemoryLabelIndex: []int32{2},
					CallstackSymbols: [][]uint64{nil},
				}
			},
		},
		{
			name: "negative connection",
			mutate: func(s *snapshot.Snapshot) {
				s.Connections = snapshot.Connections{From: []int32{-1}, To: []int32{0}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := captest.New(memory.Layout64)
			obj := b.Type("System.Object", 0, -1, 16)
			thing := b.Type("Game.Thing", 0, obj, 24)
			b.Field(thing, "m_Next", 16, thing, false)
			s := b.Snapshot()
			tt.mutate(s)

			err := s.Init()
			require.Error(t, err)
			assert.True(t, errors.Is(err, snapshot.ErrCorrupt), "got %v", err)
		})
	}
}

func TestInitFailureKeepsCapturedTypeIndices(t *testing.T) {
	b := captest.New(memory.Layout64)
	obj := b.Type("System.Object", 0, -1, 16)
	thing := b.Type("Game.Thing", 0, obj, 24)
	b.Field(thing, "m_Next", 16, thing, false)
	s := b.Snapshot()
	s.Types.TypeIndices = []int32{100, 101}
	s.Types.BaseOrElementTypeIndex = []int32{-1, 100}
	s.Fields.TypeIndex = []int32{101}
	s.Types.FieldIndices[thing] = []int32{7}

	err := s.Init()
	require.True(t, errors.Is(err, snapshot.ErrCorrupt), "got %v", err)
	assert.Equal(t, []int32{-1, 100}, s.Types.BaseOrElementTypeIndex)
	assert.Equal(t, []int32{101}, s.Fields.TypeIndex)

	s.Types.FieldIndices[thing] = []int32{0}
	require.NoError(t, s.Init())
	assert.Equal(t, []int32{-1, 0}, s.Types.BaseOrElementTypeIndex)
	assert.Equal(t, []int32{1}, s.Fields.TypeIndex)
	assert.Equal(t, int32(101), s.Types.CapturedIndex(1))
}

func TestRootReferencesAndMemoryLabels(t *testing.T) {
	b := captest.New(memory.Layout64)
	nt := b.NativeType("GameObject")
	player := b.Native("Player", nt, 1, 0x1000, 64)
	loose := b.Native("Loose", nt, 2, 0x2000, 32)
	b.RootReference(11, "Objects", "Player", 640)
	b.RootReference(12, "Managers", "AudioManager", 128)
	b.AccountTo(player, 12)
	label := b.MemoryLabel("Audio")
	b.AllocationSite(1, label)
	b.AllocationSite(2, snapshot.MemoryLabelNone)
	s := b.MustBuild(t)

	i, ok := s.NativeRootReferences.IndexByID(12)
	require.True(t, ok)
	assert.Equal(t, int32(1), i)
	_, ok = s.NativeRootReferences.IndexByID(13)
	assert.False(t, ok)

	row, ok := s.RootReference(player)
	require.True(t, ok)
	assert.Equal(t, "AudioManager", s.NativeRootReferences.ObjectNames[row])
	assert.Equal(t, uint64(128), s.NativeRootReferences.AccumulatedSizes[row])
	_, ok = s.RootReference(loose)
	assert.False(t, ok)

	name, ok := s.MemoryLabel(0)
	require.True(t, ok)
	assert.Equal(t, "Audio", name)
	_, ok = s.MemoryLabel(1)
	assert.False(t, ok)
}

func TestNativeObjectIndices(t *testing.T) {
	b := captest.New(memory.Layout64)
	nt := b.NativeType("Texture2D")
	b.Native("b", nt, 7, 0x3000, 10)
	b.Native("a", nt, 42, 0x1000, 20)
	b.Native("none", nt, snapshot.InstanceIDNone, 0, 30)
	s := b.MustBuild(t)

	i, ok := s.NativeObjects.IndexByInstanceID(42)
	require.True(t, ok)
	assert.Equal(t, int32(1), i)

	_, ok = s.NativeObjects.IndexByInstanceID(snapshot.InstanceIDNone)
	assert.False(t, ok)

	i, ok = s.NativeObjects.IndexByAddress(0x3000)
	require.True(t, ok)
	assert.Equal(t, int32(0), i)

	_, ok = s.NativeObjects.IndexByAddress(0)
	assert.False(t, ok)

	assert.Equal(t, []int32{2, 1, 0}, s.NativeObjects.SortedByAddress())
}

func TestFindAndStatics(t *testing.T) {
	b := captest.New(memory.Layout64)
	obj := b.Type("System.Object", 0, -1, 16)
	holder := b.Type("Game.Holder", 0, obj, 16)
	b.StaticBytes(holder, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	addr := b.Object(holder)
	b.Stack(0x7ff00000, []byte{9, 9, 9, 9})
	s := b.MustBuild(t)

	c, ok := s.Find(addr)
	require.True(t, ok)
	ptr, err := c.ReadPointer()
	require.NoError(t, err)
	assert.Equal(t, captest.TypeInfo(holder), ptr)

	c, ok = s.Find(0x7ff00002)
	require.True(t, ok)
	v, err := c.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(9), v)

	_, ok = s.Find(0x20000000)
	assert.False(t, ok)

	p, err := s.StaticCursor(holder).ReadPointer()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0807060504030201), p)
	assert.Equal(t, 2, s.Locator().Len())
}

func TestCallstack(t *testing.T) {
	b := captest.New(memory.Layout64)
	b.Symbol(0xaa, "Foo() at foo.cpp:10\n")
	b.Symbol(0xbb, "main()")
	b.AllocationSite(1, snapshot.MemoryLabelNone, 0xaa, 0xcc, 0xbb)
	s := b.MustBuild(t)

	assert.Equal(t, "Foo() at foo.cpp:10\n0xcc\nmain()", s.Callstack(0))
}
