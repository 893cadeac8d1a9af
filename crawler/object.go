// ABOUTME: Managed object records and typed connection edges produced by a crawl
// ABOUTME: Connections carry the field or array slot that explains each edge

package crawler

import (
	"github.com/prateek/snapgraph/memory"
)

// ManagedObject is one crawled managed object or array.
type ManagedObject struct {
	Address  uint64
	TypeInfo uint64
	// TypeIndex is the resolved type row, or -1 when the header did not resolve.
	TypeIndex    int32
	Size         int64
	NativeIndex  int32
	ManagedIndex int32
	RefCount     int32
	// DuplicateOf is the index of the canonical entry for a GC handle whose
	// target was already claimed by an earlier handle, or -1.
	DuplicateOf int32
	// Data points at the object header inside its memory section.
	Data memory.Cursor

	crawled bool
}

// Known reports whether the object's type was resolved.
func (o *ManagedObject) Known() bool { return o.TypeIndex >= 0 }

// ConnectionKind is the shape of a connection.
type ConnectionKind uint8

const (
	// RootToObject is a GC handle holding an object.
	RootToObject ConnectionKind = iota + 1
	// ObjectToObject is a reference field or array slot of one object.
	ObjectToObject
	// TypeToObject is a static field of a type.
	TypeToObject
	// NativeToManaged links a native object to its managed wrapper.
	NativeToManaged
	// Captured is an edge recorded directly in the capture.
	Captured
)

func (k ConnectionKind) String() string {
	switch k {
	case RootToObject:
		return "root"
	case ObjectToObject:
		return "object"
	case TypeToObject:
		return "static"
	case NativeToManaged:
		return "native"
	case Captured:
		return "captured"
	default:
		return "unknown"
	}
}

// Connection is an edge discovered by the crawler.
//
// From depends on Kind: a managed object index for ObjectToObject, a type row
// for TypeToObject, a native object index for NativeToManaged and -1 for
// RootToObject. To is always a managed object index.
type Connection struct {
	Kind       ConnectionKind
	From       int32
	To         int32
	Field      int32
	ArrayIndex int32
}

// Reference is a connection expressed in the unified object index space.
// From is -1 for GC roots and static fields; FromType names the static owner.
type Reference struct {
	Kind       ConnectionKind
	From       int32
	To         int32
	FromType   int32
	Field      int32
	ArrayIndex int32
}

// pending is a pointer waiting on the work stack with the context that found it.
type pending struct {
	ptr        uint64
	fromObject int32
	fromType   int32
	field      int32
	arrayIndex int32
}

func (p pending) kind() ConnectionKind {
	switch {
	case p.fromObject >= 0:
		return ObjectToObject
	case p.fromType >= 0:
		return TypeToObject
	default:
		return RootToObject
	}
}
