// ABOUTME: Native object, type, root reference, label, GC handle, connection and allocation tables
// ABOUTME: Each table builds its address and id lookups once after load

package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// InstanceIDNone is the instance id of a native object that has none.
const InstanceIDNone = 0

// RootReferenceNone is the root reference id of a native object that is
// not accounted to any root.
const RootReferenceNone = 0

// MemoryLabelNone is the label index of an allocation site without a label.
const MemoryLabelNone = -1

// NativeTypes is the column store of native (engine) types.
type NativeTypes struct {
	Names         []string
	BaseTypeIndex []int32
}

func (t *NativeTypes) Count() int { return len(t.Names) }

// NativeObjects is the column store of native objects.
type NativeObjects struct {
	Names            []string
	InstanceIDs      []int32
	Sizes            []uint64
	NativeTypeIndex  []int32
	HideFlags        []uint32
	Flags            []uint32
	Addresses        []uint64
	RootReferenceIDs []int64

	byInstanceID    map[int32]int32
	byAddress       map[uint64]int32
	sortedByAddress []int32
}

func (n *NativeObjects) Count() int { return len(n.Names) }

// IndexByInstanceID resolves an instance id to a native object row.
// InstanceIDNone never resolves.
func (n *NativeObjects) IndexByInstanceID(id int32) (int32, bool) {
	if id == InstanceIDNone {
		return -1, false
	}
	i, ok := n.byInstanceID[id]
	return i, ok
}

// IndexByAddress resolves a native object address to its row.
func (n *NativeObjects) IndexByAddress(addr uint64) (int32, bool) {
	if addr == 0 {
		return -1, false
	}
	i, ok := n.byAddress[addr]
	return i, ok
}

// SortedByAddress returns native object rows ordered by address.
func (n *NativeObjects) SortedByAddress() []int32 { return n.sortedByAddress }

func (n *NativeObjects) init(types *NativeTypes, roots *NativeRootReferences) error {
	count := n.Count()
	if n.HideFlags == nil {
		n.HideFlags = make([]uint32, count)
	}
	if n.Flags == nil {
		n.Flags = make([]uint32, count)
	}
	if n.RootReferenceIDs == nil {
		n.RootReferenceIDs = make([]int64, count)
	}
	if err := checkColumns("native objects", count, map[string]int{
		"instance ids":   len(n.InstanceIDs),
		"sizes":          len(n.Sizes),
		"native types":   len(n.NativeTypeIndex),
		"hide flags":     len(n.HideFlags),
		"flags":          len(n.Flags),
		"addresses":      len(n.Addresses),
		"root reference": len(n.RootReferenceIDs),
	}); err != nil {
		return err
	}
	if err := checkColumns("native types", types.Count(), map[string]int{
		"base types": len(types.BaseTypeIndex),
	}); err != nil {
		return err
	}
	for i, t := range n.NativeTypeIndex {
		if t < 0 || int(t) >= types.Count() {
			return errors.Wrapf(ErrCorrupt, "native object %q: native type %d out of range", n.Names[i], t)
		}
	}
	for i, id := range n.RootReferenceIDs {
		if _, ok := roots.IndexByID(id); id != RootReferenceNone && !ok {
			return errors.Wrapf(ErrCorrupt, "native object %q: root reference %d not found", n.Names[i], id)
		}
	}

	n.byInstanceID = make(map[int32]int32, count)
	n.byAddress = make(map[uint64]int32, count)
	n.sortedByAddress = make([]int32, count)
	for i := 0; i < count; i++ {
		if id := n.InstanceIDs[i]; id != InstanceIDNone {
			n.byInstanceID[id] = int32(i)
		}
		if addr := n.Addresses[i]; addr != 0 {
			n.byAddress[addr] = int32(i)
		}
		n.sortedByAddress[i] = int32(i)
	}
	sort.SliceStable(n.sortedByAddress, func(a, b int) bool {
		return n.Addresses[n.sortedByAddress[a]] < n.Addresses[n.sortedByAddress[b]]
	})
	return nil
}

// NativeRootReferences are the engine-side roots native memory is
// accounted to, such as a scene object or an asset manager.
type NativeRootReferences struct {
	IDs              []int64
	AreaNames        []string
	ObjectNames      []string
	AccumulatedSizes []uint64

	byID map[int64]int32
}

func (r *NativeRootReferences) Count() int { return len(r.IDs) }

// IndexByID resolves a root reference id to its row.
func (r *NativeRootReferences) IndexByID(id int64) (int32, bool) {
	i, ok := r.byID[id]
	return i, ok
}

func (r *NativeRootReferences) init() error {
	if err := checkColumns("native root references", r.Count(), map[string]int{
		"area names":        len(r.AreaNames),
		"object names":      len(r.ObjectNames),
		"accumulated sizes": len(r.AccumulatedSizes),
	}); err != nil {
		return err
	}
	r.byID = make(map[int64]int32, r.Count())
	for i, id := range r.IDs {
		if _, dup := r.byID[id]; dup {
			return errors.Wrapf(ErrCorrupt, "native root reference id %d appears twice", id)
		}
		r.byID[id] = int32(i)
	}
	return nil
}

// NativeMemoryLabels name the categories native allocations are tagged with.
type NativeMemoryLabels struct {
	Names []string
}

func (l *NativeMemoryLabels) Count() int { return len(l.Names) }

// GCHandles holds the target address of every GC root handle. A target of 0
// is a dead handle; two handles may share a target.
type GCHandles struct {
	Targets []uint64
}

func (h *GCHandles) Count() int { return len(h.Targets) }

// Connections are edges recorded directly by the capture, expressed in the
// unified object index space.
type Connections struct {
	From []int32
	To   []int32
}

func (c *Connections) Count() int { return len(c.From) }

// AllocationSites describe where native memory was allocated.
type AllocationSites struct {
	IDs              []int64
	MemoryLabelIndex []int32
	CallstackSymbols [][]uint64
}

func (a *AllocationSites) Count() int { return len(a.IDs) }

func (a *AllocationSites) init(labels *NativeMemoryLabels) error {
	if err := checkColumns("allocation sites", a.Count(), map[string]int{
		"memory labels": len(a.MemoryLabelIndex),
		"callstacks":    len(a.CallstackSymbols),
	}); err != nil {
		return err
	}
	for i, l := range a.MemoryLabelIndex {
		if l != MemoryLabelNone && (l < 0 || int(l) >= labels.Count()) {
			return errors.Wrapf(ErrCorrupt, "allocation site %d: memory label %d out of range", a.IDs[i], l)
		}
	}
	return nil
}

// CallstackSymbols maps symbol addresses to readable frames.
type CallstackSymbols struct {
	Symbols             []uint64
	ReadableStackTraces []string

	bySymbol map[uint64]int32
}

func (c *CallstackSymbols) Count() int { return len(c.Symbols) }

func (c *CallstackSymbols) init() error {
	if err := checkColumns("callstack symbols", c.Count(), map[string]int{
		"readable traces": len(c.ReadableStackTraces),
	}); err != nil {
		return err
	}
	c.bySymbol = make(map[uint64]int32, c.Count())
	for i, s := range c.Symbols {
		c.bySymbol[s] = int32(i)
	}
	return nil
}

// Readable returns the frame text of a symbol, or false when it is unknown.
func (c *CallstackSymbols) Readable(symbol uint64) (string, bool) {
	i, ok := c.bySymbol[symbol]
	if !ok {
		return "", false
	}
	return c.ReadableStackTraces[i], true
}

// MemoryLabel is the label name of allocation site i, or false when it has none.
func (s *Snapshot) MemoryLabel(i int) (string, bool) {
	l := s.AllocationSites.MemoryLabelIndex[i]
	if l == MemoryLabelNone {
		return "", false
	}
	return s.NativeMemoryLabels.Names[l], true
}

// RootReference is the root reference row native object i is accounted
// to, or false when it has none.
func (s *Snapshot) RootReference(i int32) (int32, bool) {
	id := s.NativeObjects.RootReferenceIDs[i]
	if id == RootReferenceNone {
		return -1, false
	}
	return s.NativeRootReferences.IndexByID(id)
}

// Callstack renders allocation site i one frame per line. Unknown symbols
// are printed as addresses.
func (s *Snapshot) Callstack(i int) string {
	var sb strings.Builder
	for n, sym := range s.AllocationSites.CallstackSymbols[i] {
		if n > 0 {
			sb.WriteByte('\n')
		}
		if frame, ok := s.CallstackSymbols.Readable(sym); ok {
			sb.WriteString(strings.TrimRight(frame, "\n"))
			continue
		}
		fmt.Fprintf(&sb, "0x%x", sym)
	}
	return sb.String()
}
