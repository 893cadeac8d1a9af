// ABOUTME: Crawl result: managed objects, connections and the unified object index space
// ABOUTME: Answers referrer and reference queries over crawled and captured edges

package crawler

import (
	"sort"

	"github.com/dolthub/swiss"
	"github.com/samber/lo"

	"github.com/prateek/snapgraph/snapshot"
)

// Stats counts notable events of a crawl.
type Stats struct {
	Pushes            int
	EmptyHandles      int
	DuplicateHandles  int
	UnresolvedHeaders int
	ClampedArrays     int
	NativeLinks       map[LinkStrategy]int
	SkippedCaptured   int
}

// ManagedHeap is the object graph reconstructed from a snapshot.
//
// Managed object indices start with one entry per GC handle, in handle
// order, followed by every object discovered by crawling. The unified index
// space lays out GC handle objects, then native objects, then crawled
// objects, so any object can be named with one integer.
type ManagedHeap struct {
	snap  *snapshot.Snapshot
	sizer Sizer

	Objects               []ManagedObject
	Connections           []Connection
	TypesWithStaticFields []int32
	// NativeToManaged maps a native object to its managed wrapper, or -1.
	NativeToManaged []int32
	// NativeRefCount counts captured edges that end at each native object.
	NativeRefCount []int32
	Stats          Stats

	byAddress *swiss.Map[uint64, int32]

	refs       []Reference
	refsTo     [][]int32
	refsFrom   [][]int32
	sortedAddr []int32
}

func newManagedHeap(snap *snapshot.Snapshot, sizer Sizer) *ManagedHeap {
	n := snap.NativeObjects.Count()
	h := &ManagedHeap{
		snap:            snap,
		sizer:           sizer,
		Objects:         make([]ManagedObject, 0, snap.GCHandles.Count()),
		NativeToManaged: make([]int32, n),
		NativeRefCount:  make([]int32, n),
		byAddress:       swiss.NewMap[uint64, int32](uint32(snap.GCHandles.Count()) + 1),
		Stats:           Stats{NativeLinks: make(map[LinkStrategy]int)},
	}
	for i := range h.NativeToManaged {
		h.NativeToManaged[i] = -1
	}
	return h
}

// Snapshot is the capture the heap was crawled from.
func (h *ManagedHeap) Snapshot() *snapshot.Snapshot { return h.snap }

// Sizer is the size calculator the crawl used.
func (h *ManagedHeap) Sizer() Sizer { return h.sizer }

// ObjectAt returns the managed object index of the object at addr.
func (h *ManagedHeap) ObjectAt(addr uint64) (int32, bool) {
	return h.byAddress.Get(addr)
}

// DistinctObjects is the number of distinct object addresses crawled.
func (h *ManagedHeap) DistinctObjects() int { return h.byAddress.Count() }

// TotalSize is the byte size of every distinct crawled object.
func (h *ManagedHeap) TotalSize() int64 {
	return lo.SumBy(h.Objects, func(o ManagedObject) int64 {
		if o.DuplicateOf >= 0 {
			return 0
		}
		return o.Size
	})
}

// TypeName is the type name of managed object i, or "" when unresolved.
func (h *ManagedHeap) TypeName(i int32) string {
	t := h.Objects[i].TypeIndex
	if t < 0 {
		return ""
	}
	return h.snap.Types.Names[t]
}

// SortedByAddress returns managed object indices ordered by address,
// skipping empty and duplicate handle entries.
func (h *ManagedHeap) SortedByAddress() []int32 { return h.sortedAddr }

// HandleCount is the number of GC handle entries.
func (h *ManagedHeap) HandleCount() int { return h.snap.GCHandles.Count() }

// NativeCount is the number of native objects.
func (h *ManagedHeap) NativeCount() int { return h.snap.NativeObjects.Count() }

// UnifiedCount is the size of the unified object index space.
func (h *ManagedHeap) UnifiedCount() int { return h.NativeCount() + len(h.Objects) }

// ManagedToUnified converts a managed object index to a unified index.
func (h *ManagedHeap) ManagedToUnified(i int32) int32 {
	switch {
	case i < 0:
		return -1
	case int(i) < h.HandleCount():
		return i
	case int(i) < len(h.Objects):
		return i + int32(h.NativeCount())
	default:
		return -1
	}
}

// NativeToUnified converts a native object index to a unified index.
func (h *ManagedHeap) NativeToUnified(i int32) int32 {
	if i < 0 || int(i) >= h.NativeCount() {
		return -1
	}
	return i + int32(h.HandleCount())
}

// UnifiedToManaged converts a unified index to a managed object index, or -1
// when it names a native object or nothing.
func (h *ManagedHeap) UnifiedToManaged(u int32) int32 {
	handles, natives := int32(h.HandleCount()), int32(h.NativeCount())
	switch {
	case u < 0:
		return -1
	case u < handles:
		return u
	case u < handles+natives:
		return -1
	case int(u) < h.UnifiedCount():
		return u - natives
	default:
		return -1
	}
}

// UnifiedToNative converts a unified index to a native object index, or -1.
func (h *ManagedHeap) UnifiedToNative(u int32) int32 {
	handles := int32(h.HandleCount())
	if u < handles || int(u) >= h.HandleCount()+h.NativeCount() {
		return -1
	}
	return u - handles
}

// ConnectionsTo returns every edge ending at unified index u.
func (h *ManagedHeap) ConnectionsTo(u int32) []Reference {
	return h.collect(h.refsTo, u)
}

// ConnectionsFrom returns every edge starting at unified index u.
func (h *ManagedHeap) ConnectionsFrom(u int32) []Reference {
	return h.collect(h.refsFrom, u)
}

// StaticConnectionsFrom returns the edges held by static fields of type t.
func (h *ManagedHeap) StaticConnectionsFrom(t int32) []Reference {
	var out []Reference
	for _, r := range h.refs {
		if r.Kind == TypeToObject && r.FromType == t {
			out = append(out, r)
		}
	}
	return out
}

func (h *ManagedHeap) collect(index [][]int32, u int32) []Reference {
	if u < 0 || int(u) >= len(index) {
		return nil
	}
	out := make([]Reference, len(index[u]))
	for i, r := range index[u] {
		out[i] = h.refs[r]
	}
	return out
}

// HasObjectConnection reports whether another object references u.
func (h *ManagedHeap) HasObjectConnection(u int32) bool {
	return h.hasConnectionTo(u, ObjectToObject, Captured, NativeToManaged)
}

// HasGlobalConnection reports whether a GC handle holds u.
func (h *ManagedHeap) HasGlobalConnection(u int32) bool {
	return h.hasConnectionTo(u, RootToObject)
}

// HasTypeConnection reports whether a static field references u.
func (h *ManagedHeap) HasTypeConnection(u int32) bool {
	return h.hasConnectionTo(u, TypeToObject)
}

func (h *ManagedHeap) hasConnectionTo(u int32, kinds ...ConnectionKind) bool {
	if u < 0 || int(u) >= len(h.refsTo) {
		return false
	}
	for _, r := range h.refsTo[u] {
		for _, k := range kinds {
			if h.refs[r].Kind == k {
				return true
			}
		}
	}
	return false
}

// buildIndex converts crawled and captured edges to unified references and
// indexes them by both endpoints.
func (h *ManagedHeap) buildIndex() {
	n := h.UnifiedCount()
	h.refs = make([]Reference, 0, len(h.Connections)+h.snap.Connections.Count())
	for _, c := range h.Connections {
		r := Reference{Kind: c.Kind, From: -1, To: h.ManagedToUnified(c.To), FromType: -1, Field: c.Field, ArrayIndex: c.ArrayIndex}
		switch c.Kind {
		case ObjectToObject:
			r.From = h.ManagedToUnified(c.From)
		case TypeToObject:
			r.FromType = c.From
		case NativeToManaged:
			r.From = h.NativeToUnified(c.From)
		}
		h.refs = append(h.refs, r)
	}
	raw := &h.snap.Connections
	for i := range raw.From {
		from, to := raw.From[i], raw.To[i]
		if int(from) >= n || int(to) >= n {
			h.Stats.SkippedCaptured++
			continue
		}
		h.refs = append(h.refs, Reference{Kind: Captured, From: from, To: to, FromType: -1, Field: -1, ArrayIndex: -1})
	}

	h.refsTo = make([][]int32, n)
	h.refsFrom = make([][]int32, n)
	for i, r := range h.refs {
		if r.To >= 0 {
			h.refsTo[r.To] = append(h.refsTo[r.To], int32(i))
		}
		if r.From >= 0 {
			h.refsFrom[r.From] = append(h.refsFrom[r.From], int32(i))
		}
	}
}

// countReferences recomputes reference counts from the full edge set.
// Native link edges describe ownership, not references, and are not counted.
func (h *ManagedHeap) countReferences() {
	for i := range h.Objects {
		h.Objects[i].RefCount = 0
	}
	for i := range h.NativeRefCount {
		h.NativeRefCount[i] = 0
	}
	for _, r := range h.refs {
		if r.Kind == NativeToManaged || r.To < 0 {
			continue
		}
		if m := h.UnifiedToManaged(r.To); m >= 0 {
			// Edges to a duplicate handle slot count against the canonical entry.
			if d := h.Objects[m].DuplicateOf; d >= 0 {
				m = d
			}
			h.Objects[m].RefCount++
		} else if nat := h.UnifiedToNative(r.To); nat >= 0 {
			h.NativeRefCount[nat]++
		}
	}
}

func (h *ManagedHeap) sortByAddress() {
	h.sortedAddr = h.sortedAddr[:0]
	for i := range h.Objects {
		o := &h.Objects[i]
		if o.Address == 0 || o.DuplicateOf >= 0 {
			continue
		}
		h.sortedAddr = append(h.sortedAddr, int32(i))
	}
	sort.SliceStable(h.sortedAddr, func(a, b int) bool {
		return h.Objects[h.sortedAddr[a]].Address < h.Objects[h.sortedAddr[b]].Address
	})
}
