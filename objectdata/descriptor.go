// ABOUTME: Descriptor is an immutable handle on a managed value, object, type or native object
// ABOUTME: A closed set of kinds with a managed or native payload selected by the kind

// Package objectdata describes individual values inside a crawled snapshot.
//
// A Descriptor names one thing a user can look at: an object, an array, a
// field slot holding a reference, an inline value, the static storage of a
// type or a native object. Descriptors are small values; every navigation
// step on a View returns a new Descriptor and never modifies its input.
package objectdata

import (
	"fmt"

	"github.com/prateek/snapgraph/memory"
)

// Kind is the shape of the data a Descriptor points at.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindGlobal stands for the set of GC roots.
	KindGlobal
	// KindValue is an inline value-type value with no header of its own.
	KindValue
	// KindObject is a heap object; its data starts at the header.
	KindObject
	// KindArray is a heap array; its data starts at the header.
	KindArray
	// KindBoxedValue is a heap object whose type is a value type.
	KindBoxedValue
	// KindReferenceObject is a slot holding a pointer to an object.
	KindReferenceObject
	// KindReferenceArray is a slot holding a pointer to an array.
	KindReferenceArray
	// KindType is the static field storage of a type.
	KindType
	// KindNativeObject is a native object.
	KindNativeObject
	// KindNativeReference is the native object a managed wrapper stands for.
	KindNativeReference
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindGlobal:
		return "global"
	case KindValue:
		return "value"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindBoxedValue:
		return "boxed-value"
	case KindReferenceObject:
		return "reference-object"
	case KindReferenceArray:
		return "reference-array"
	case KindType:
		return "type"
	case KindNativeObject:
		return "native-object"
	case KindNativeReference:
		return "native-reference"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// CodeType says which side of the engine a descriptor lives on.
type CodeType uint8

const (
	CodeUnknown CodeType = iota
	CodeManaged
	CodeNative
)

func (c CodeType) String() string {
	switch c {
	case CodeManaged:
		return "managed"
	case CodeNative:
		return "native"
	default:
		return "unknown"
	}
}

// payload is either managed or native; the kind decides which.
type payload interface {
	isPayload()
}

type managed struct {
	// host is the address of the heap object the data lives in, 0 for statics.
	host      uint64
	typeIndex int32
}

type native struct {
	index int32
}

func (managed) isPayload() {}
func (native) isPayload()  {}

// Parent records how a descriptor was reached from another one.
type Parent struct {
	Object Descriptor
	// Field is the field row that was read, or -1.
	Field int32
	// ArrayIndex is the flat element index that was read, or -1.
	ArrayIndex int64
	// ExpandToTarget is false when the parent should be displayed in place
	// of the child, as for referrer lists.
	ExpandToTarget bool
}

// Descriptor is an immutable handle on one piece of snapshot data.
// The zero value is the invalid descriptor.
type Descriptor struct {
	kind    Kind
	payload payload
	data    memory.Cursor
	parent  *Parent
}

// Invalid is the descriptor of nothing.
func Invalid() Descriptor { return Descriptor{} }

// Global is the descriptor standing for the GC roots.
func Global() Descriptor { return Descriptor{kind: KindGlobal} }

func (d Descriptor) Kind() Kind      { return d.kind }
func (d Descriptor) Valid() bool     { return d.kind != KindUnknown }
func (d Descriptor) Parent() *Parent { return d.parent }

// Data is the cursor at the described bytes. Objects, arrays and boxed
// values start at their header; values, reference slots and static storage
// do not have one.
func (d Descriptor) Data() memory.Cursor { return d.data }

// IncludesHeader reports whether Data starts at an object header.
func (d Descriptor) IncludesHeader() bool {
	switch d.kind {
	case KindObject, KindArray, KindBoxedValue:
		return true
	default:
		return false
	}
}

// TypeIndex is the managed type row, or -1 for non-managed kinds.
func (d Descriptor) TypeIndex() int32 {
	if m, ok := d.payload.(managed); ok {
		return m.typeIndex
	}
	return -1
}

// NativeIndex is the native object row, or -1 for managed kinds.
func (d Descriptor) NativeIndex() int32 {
	if n, ok := d.payload.(native); ok {
		return n.index
	}
	return -1
}

// HostAddress is the address of the heap object holding the data, or 0.
func (d Descriptor) HostAddress() uint64 {
	if m, ok := d.payload.(managed); ok {
		return m.host
	}
	return 0
}

// FieldIndex is the field row this descriptor was read from, or -1.
func (d Descriptor) FieldIndex() int32 {
	if d.parent == nil {
		return -1
	}
	return d.parent.Field
}

// ArrayIndex is the element index this descriptor was read from, or -1.
func (d Descriptor) ArrayIndex() int64 {
	if d.parent == nil {
		return -1
	}
	return d.parent.ArrayIndex
}

// IsField reports whether the descriptor is a field of its parent.
func (d Descriptor) IsField() bool { return d.parent != nil && d.parent.Field >= 0 }

// IsArrayItem reports whether the descriptor is an element of its parent.
func (d Descriptor) IsArrayItem() bool { return d.parent != nil && d.parent.ArrayIndex >= 0 }

// IsNative reports whether the descriptor names a native object.
func (d Descriptor) IsNative() bool {
	return d.kind == KindNativeObject || d.kind == KindNativeReference
}

// IsManaged reports whether the descriptor lives in managed memory.
func (d Descriptor) IsManaged() bool {
	switch d.kind {
	case KindGlobal, KindValue, KindObject, KindArray, KindBoxedValue,
		KindReferenceObject, KindReferenceArray, KindType:
		return true
	default:
		return false
	}
}

func (d Descriptor) CodeType() CodeType {
	switch {
	case d.IsManaged():
		return CodeManaged
	case d.IsNative():
		return CodeNative
	default:
		return CodeUnknown
	}
}

// Display is the descriptor to show for d: its parent when d was reached
// without expanding to the target, d itself otherwise.
func (d Descriptor) Display() Descriptor {
	if d.parent != nil && !d.parent.ExpandToTarget {
		return d.parent.Object
	}
	return d
}

// ReferencePointer reads the pointer held by a reference slot, or 0.
func (d Descriptor) ReferencePointer() uint64 {
	if d.kind != KindReferenceObject && d.kind != KindReferenceArray {
		return 0
	}
	ptr, err := d.data.ReadPointer()
	if err != nil {
		return 0
	}
	return ptr
}

func (d Descriptor) withParent(p Parent) Descriptor {
	d.parent = &p
	return d
}

func unsupported(op string, d Descriptor) {
	panic(fmt.Sprintf("objectdata: %s is not supported on a %s descriptor", op, d.kind))
}
