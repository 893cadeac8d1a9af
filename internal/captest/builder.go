// ABOUTME: Builder for synthetic heap captures used across package tests
// ABOUTME: Lays out types, fields, objects, arrays, handles and natives in a fake heap

// Package captest builds small, fully controlled captures for tests.
package captest

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

const (
	// HeapBase is the address of the first byte of the builder's heap section.
	HeapBase uint64 = 0x10000000
	// TypeInfoBase is where synthetic type-info addresses start; it is
	// outside the heap so identity pointers resolve directly.
	TypeInfoBase uint64 = 0x7f000000
)

// Builder assembles a snapshot.Snapshot.
type Builder struct {
	layout memory.Layout
	snap   *snapshot.Snapshot
	heap   []byte
}

// New returns a builder for the given layout.
func New(layout memory.Layout) *Builder {
	return &Builder{
		layout: layout,
		snap:   &snapshot.Snapshot{Layout: layout},
	}
}

// Layout is the layout the builder writes objects with.
func (b *Builder) Layout() memory.Layout { return b.layout }

// TypeInfo is the synthetic type-info address of type row t.
func TypeInfo(t int32) uint64 { return TypeInfoBase + uint64(t)*0x100 }

// Type adds a managed type and returns its row. base is a row or -1.
func (b *Builder) Type(name string, flags snapshot.TypeFlags, base int32, size int32) int32 {
	t := &b.snap.Types
	row := int32(t.Count())
	t.Names = append(t.Names, name)
	t.Assemblies = append(t.Assemblies, "Test.dll")
	t.Flags = append(t.Flags, flags)
	t.FieldIndices = append(t.FieldIndices, nil)
	t.StaticFieldBytes = append(t.StaticFieldBytes, nil)
	t.BaseOrElementTypeIndex = append(t.BaseOrElementTypeIndex, base)
	t.Sizes = append(t.Sizes, size)
	t.TypeInfoAddresses = append(t.TypeInfoAddresses, TypeInfo(row))
	t.TypeIndices = append(t.TypeIndices, row)
	return row
}

// Field declares a field on owner and returns the field row.
func (b *Builder) Field(owner int32, name string, offset int32, typ int32, static bool) int32 {
	f := &b.snap.Fields
	row := int32(f.Count())
	f.Names = append(f.Names, name)
	f.Offsets = append(f.Offsets, offset)
	f.TypeIndex = append(f.TypeIndex, typ)
	f.IsStatic = append(f.IsStatic, static)
	b.snap.Types.FieldIndices[owner] = append(b.snap.Types.FieldIndices[owner], row)
	return row
}

// StaticBytes sets the static field blob of type t.
func (b *Builder) StaticBytes(t int32, data []byte) {
	b.snap.Types.StaticFieldBytes[t] = data
}

// Core is the set of runtime types most captures contain.
type Core struct {
	Object    int32
	ValueType int32
	Enum      int32
	Int32     int32
	Int64     int32
	Single    int32
	IntPtr    int32
	String    int32
}

// Core adds System.Object, System.ValueType and friends.
func (b *Builder) Core() Core {
	hdr := int32(b.layout.ObjectHeaderSize)
	var c Core
	c.Object = b.Type(snapshot.ObjectName, 0, -1, hdr)
	c.ValueType = b.Type(snapshot.ValueTypeName, 0, c.Object, hdr)
	c.Enum = b.Type(snapshot.EnumName, 0, c.ValueType, hdr)
	c.Int32 = b.Type("System.Int32", snapshot.TypeValueType, c.ValueType, 4)
	b.Field(c.Int32, "m_value", hdr, c.Int32, false)
	c.Int64 = b.Type("System.Int64", snapshot.TypeValueType, c.ValueType, 8)
	b.Field(c.Int64, "m_value", hdr, c.Int64, false)
	c.Single = b.Type("System.Single", snapshot.TypeValueType, c.ValueType, 4)
	b.Field(c.Single, "m_value", hdr, c.Single, false)
	c.IntPtr = b.Type("System.IntPtr", snapshot.TypeValueType, c.ValueType, int32(b.layout.PointerSize))
	c.String = b.Type("System.String", 0, c.Object, hdr+4)
	return c
}

// Alloc reserves size zeroed heap bytes, 8-byte aligned, and returns their address.
func (b *Builder) Alloc(size int) uint64 {
	for len(b.heap)%8 != 0 {
		b.heap = append(b.heap, 0)
	}
	addr := HeapBase + uint64(len(b.heap))
	b.heap = append(b.heap, make([]byte, size)...)
	return addr
}

// Object allocates an instance of type t with its identity pointer set.
func (b *Builder) Object(t int32) uint64 {
	size := int(b.snap.Types.Sizes[t])
	if size < b.layout.ObjectHeaderSize {
		size = b.layout.ObjectHeaderSize
	}
	addr := b.Alloc(size)
	b.PutPointer(addr, TypeInfo(t))
	return addr
}

// Array allocates a single-dimension array of type t with length elements
// of elemSize bytes each.
func (b *Builder) Array(t int32, length int, elemSize int) uint64 {
	addr := b.Alloc(b.layout.ArrayHeaderSize + length*elemSize)
	b.PutPointer(addr, TypeInfo(t))
	b.PutInt32(addr+uint64(b.layout.ArraySizeOffset), int32(length))
	return addr
}

// MultiArray allocates an array whose lengths live in a separate bounds
// block: one int32 per rank, 8 bytes apart.
func (b *Builder) MultiArray(t int32, lengths []int, elemSize int) uint64 {
	total := 1
	for _, l := range lengths {
		total *= l
	}
	addr := b.Alloc(b.layout.ArrayHeaderSize + total*elemSize)
	bounds := b.Alloc(8 * len(lengths))
	for i, l := range lengths {
		b.PutInt32(bounds+uint64(8*i), int32(l))
	}
	b.PutPointer(addr, TypeInfo(t))
	b.PutPointer(addr+uint64(b.layout.ArrayBoundsOffset), bounds)
	return addr
}

// String allocates a string object holding s (ASCII only).
func (b *Builder) String(t int32, s string) uint64 {
	hdr := b.layout.ObjectHeaderSize
	addr := b.Alloc(hdr + 4 + 2*len(s) + 2)
	b.PutPointer(addr, TypeInfo(t))
	b.PutInt32(addr+uint64(hdr), int32(len(s)))
	for i := 0; i < len(s); i++ {
		binary.LittleEndian.PutUint16(b.at(addr+uint64(hdr+4+2*i), 2), uint16(s[i]))
	}
	return addr
}

func (b *Builder) at(addr uint64, n int) []byte {
	if addr < HeapBase || addr+uint64(n) > HeapBase+uint64(len(b.heap)) {
		panic(fmt.Sprintf("captest: write of %d bytes at %#x outside heap", n, addr))
	}
	off := addr - HeapBase
	return b.heap[off : off+uint64(n)]
}

// PutPointer writes a pointer into the heap.
func (b *Builder) PutPointer(addr uint64, v uint64) {
	buf := b.at(addr, b.layout.PointerSize)
	if b.layout.PointerSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(buf, v)
}

// PutInt32 writes an int32 into the heap.
func (b *Builder) PutInt32(addr uint64, v int32) {
	binary.LittleEndian.PutUint32(b.at(addr, 4), uint32(v))
}

// PutBytes copies data into the heap.
func (b *Builder) PutBytes(addr uint64, data []byte) {
	copy(b.at(addr, len(data)), data)
}

// Handle adds a GC root handle and returns its index.
func (b *Builder) Handle(target uint64) int {
	b.snap.GCHandles.Targets = append(b.snap.GCHandles.Targets, target)
	return len(b.snap.GCHandles.Targets) - 1
}

// NativeType adds a native type.
func (b *Builder) NativeType(name string) int32 {
	t := &b.snap.NativeTypes
	t.Names = append(t.Names, name)
	t.BaseTypeIndex = append(t.BaseTypeIndex, -1)
	return int32(t.Count() - 1)
}

// Native adds a native object.
func (b *Builder) Native(name string, nativeType int32, instanceID int32, addr uint64, size uint64) int32 {
	n := &b.snap.NativeObjects
	n.Names = append(n.Names, name)
	n.InstanceIDs = append(n.InstanceIDs, instanceID)
	n.Sizes = append(n.Sizes, size)
	n.NativeTypeIndex = append(n.NativeTypeIndex, nativeType)
	n.HideFlags = append(n.HideFlags, 0)
	n.Flags = append(n.Flags, 0)
	n.Addresses = append(n.Addresses, addr)
	n.RootReferenceIDs = append(n.RootReferenceIDs, 0)
	return int32(n.Count() - 1)
}

// RootReference adds a native root reference.
func (b *Builder) RootReference(id int64, area, object string, size uint64) {
	r := &b.snap.NativeRootReferences
	r.IDs = append(r.IDs, id)
	r.AreaNames = append(r.AreaNames, area)
	r.ObjectNames = append(r.ObjectNames, object)
	r.AccumulatedSizes = append(r.AccumulatedSizes, size)
}

// AccountTo sets the root reference native object n is accounted to.
func (b *Builder) AccountTo(n int32, rootReferenceID int64) {
	b.snap.NativeObjects.RootReferenceIDs[n] = rootReferenceID
}

// MemoryLabel adds a native memory label and returns its index.
func (b *Builder) MemoryLabel(name string) int32 {
	l := &b.snap.NativeMemoryLabels
	l.Names = append(l.Names, name)
	return int32(l.Count() - 1)
}

// Connection records a raw captured edge between unified indices.
func (b *Builder) Connection(from, to int32) {
	b.snap.Connections.From = append(b.snap.Connections.From, from)
	b.snap.Connections.To = append(b.snap.Connections.To, to)
}

// Stack adds a captured stack section.
func (b *Builder) Stack(base uint64, data []byte) {
	b.snap.Stacks = append(b.snap.Stacks, memory.Section{Base: base, Bytes: data})
}

// AllocationSite adds an allocation site with the given callstack.
func (b *Builder) AllocationSite(id int64, label int32, symbols ...uint64) {
	a := &b.snap.AllocationSites
	a.IDs = append(a.IDs, id)
	a.MemoryLabelIndex = append(a.MemoryLabelIndex, label)
	a.CallstackSymbols = append(a.CallstackSymbols, symbols)
}

// Symbol adds a readable callstack symbol.
func (b *Builder) Symbol(symbol uint64, readable string) {
	c := &b.snap.CallstackSymbols
	c.Symbols = append(c.Symbols, symbol)
	c.ReadableStackTraces = append(c.ReadableStackTraces, readable)
}

// Snapshot returns the snapshot under construction without initialising it.
func (b *Builder) Snapshot() *snapshot.Snapshot {
	s := b.snap
	heap := make([]byte, len(b.heap))
	copy(heap, b.heap)
	s.Heap = []memory.Section{{Base: HeapBase, Bytes: heap}}
	return s
}

// Build finalises the heap section and initialises the snapshot.
func (b *Builder) Build() (*snapshot.Snapshot, error) {
	s := b.Snapshot()
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustBuild is Build for tests.
func (b *Builder) MustBuild(t testing.TB) *snapshot.Snapshot {
	t.Helper()
	s, err := b.Build()
	require.NoError(t, err)
	return s
}
