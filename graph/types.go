// ABOUTME: Node and root types of the retention graph built over a crawled snapshot
// ABOUTME: Node ids are unified object indices shifted by one; id 0 is the virtual root

package graph

import "math"

// NodeID identifies a node. For graphs built from a crawl it is the unified
// object index plus one.
type NodeID uint32

const (
	// VirtualRoot is the implicit node whose children are the roots.
	VirtualRoot NodeID = 0
	// Unreachable marks nodes the virtual root cannot reach.
	Unreachable NodeID = math.MaxUint32
)

// FromUnified converts a unified object index to a node id.
func FromUnified(u int32) NodeID { return NodeID(u + 1) }

// Unified converts a node id back to its unified object index.
func (id NodeID) Unified() int32 { return int32(id) - 1 }

// NodeKind says whether a node is a managed or native object.
type NodeKind uint8

const (
	NodeManaged NodeKind = iota
	NodeNative
)

func (k NodeKind) String() string {
	if k == NodeNative {
		return "native"
	}
	return "managed"
}

// Node is one object of the graph
type Node struct {
	ID   NodeID
	Kind NodeKind
	Type string // Type name, managed or native
	Size uint64
	Ptrs []NodeID // Nodes this node keeps alive
}

// Roots is the set of nodes held directly by the virtual root
type Roots struct {
	IDs []NodeID
}
