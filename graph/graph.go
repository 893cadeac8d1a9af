// ABOUTME: Graph interface, dense in-memory implementation and construction from a crawl
// ABOUTME: Roots are GC handle targets, static field targets and unreferenced native objects

package graph

import (
	"sync"

	"github.com/prateek/snapgraph/crawler"
)

// Graph is a retention graph with dense node ids 1..NumNodes.
type Graph interface {
	// Node returns the node with the given id, or nil.
	Node(id NodeID) *Node

	// NumNodes is the highest node id; the virtual root is not counted.
	NumNodes() int

	// ForEachNode visits nodes in id order.
	ForEachNode(fn func(*Node))

	// Roots returns the children of the virtual root.
	Roots() Roots
}

// MemGraph is an in-memory Graph backed by a slice indexed by id.
type MemGraph struct {
	mu    sync.RWMutex
	nodes []Node
	roots Roots
}

// NewMemGraph creates an empty graph.
func NewMemGraph() *MemGraph {
	return &MemGraph{}
}

// AddNode stores n, replacing any node with the same id. Ids skipped over
// become empty slots that Node reports as nil.
func (g *MemGraph) AddNode(n *Node) {
	if n.ID == VirtualRoot || n.ID == Unreachable {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.nodes) < int(n.ID) {
		g.nodes = append(g.nodes, Node{})
	}
	g.nodes[n.ID-1] = *n
}

func (g *MemGraph) Node(id NodeID) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id == VirtualRoot || int(id) > len(g.nodes) || g.nodes[id-1].ID == VirtualRoot {
		return nil
	}
	return &g.nodes[id-1]
}

func (g *MemGraph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *MemGraph) ForEachNode(fn func(*Node)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i := range g.nodes {
		if g.nodes[i].ID != VirtualRoot {
			fn(&g.nodes[i])
		}
	}
}

// SetRoots replaces the root set.
func (g *MemGraph) SetRoots(roots Roots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = roots
}

func (g *MemGraph) Roots() Roots {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roots
}

// FromHeap builds the retention graph of a crawl with one node per unified
// index. Object, captured and native-to-managed edges become pointers.
// Duplicate GC handle slots alias their canonical object and are left
// without size or edges so nothing is counted twice.
func FromHeap(h *crawler.ManagedHeap) *MemGraph {
	snap := h.Snapshot()
	n := h.UnifiedCount()
	g := &MemGraph{nodes: make([]Node, n)}
	for u := int32(0); int(u) < n; u++ {
		node := &g.nodes[u]
		node.ID = FromUnified(u)
		if nat := h.UnifiedToNative(u); nat >= 0 {
			node.Kind = NodeNative
			node.Size = snap.NativeObjects.Sizes[nat]
			if nt := snap.NativeObjects.NativeTypeIndex[nat]; nt >= 0 && int(nt) < snap.NativeTypes.Count() {
				node.Type = snap.NativeTypes.Names[nt]
			}
			continue
		}
		m := h.UnifiedToManaged(u)
		o := &h.Objects[m]
		node.Type = h.TypeName(m)
		if o.DuplicateOf < 0 && o.Size > 0 {
			node.Size = uint64(o.Size)
		}
	}

	seen := make(map[NodeID]bool)
	addRoot := func(id NodeID) {
		if !seen[id] {
			seen[id] = true
			g.roots.IDs = append(g.roots.IDs, id)
		}
	}
	for u := int32(0); int(u) < n; u++ {
		for _, r := range h.ConnectionsFrom(u) {
			if r.To >= 0 {
				g.nodes[u].Ptrs = append(g.nodes[u].Ptrs, FromUnified(r.To))
			}
		}
		for _, r := range h.ConnectionsTo(u) {
			if r.Kind == crawler.RootToObject || r.Kind == crawler.TypeToObject {
				addRoot(FromUnified(u))
				break
			}
		}
	}
	// Native objects nothing refers to are held by the engine itself.
	for nat := int32(0); int(nat) < h.NativeCount(); nat++ {
		u := h.NativeToUnified(nat)
		if len(h.ConnectionsTo(u)) == 0 {
			addRoot(FromUnified(u))
		}
	}
	return g
}
