// ABOUTME: Whole-capture summaries and per-type object statistics
// ABOUTME: Shared by the HTTP inspector and the command line reports

package inspect

import (
	"sort"

	"github.com/samber/lo"

	"github.com/prateek/snapgraph/crawler"
)

// Summarize counts what a crawl found.
func Summarize(heap *crawler.ManagedHeap) Summary {
	snap := heap.Snapshot()
	s := Summary{
		Types:           snap.Types.Count(),
		Fields:          snap.Fields.Count(),
		GCHandles:       heap.HandleCount(),
		ManagedObjects:  len(heap.Objects),
		DistinctObjects: heap.DistinctObjects(),
		ManagedSize:     heap.TotalSize(),
		NativeObjects:   snap.NativeObjects.Count(),
		NativeSize:      lo.Sum(snap.NativeObjects.Sizes),
		Connections:     len(heap.Connections),
		Stats:           heap.Stats,
	}
	s.LinkedNatives = lo.CountBy(heap.NativeToManaged, func(m int32) bool { return m >= 0 })
	return s
}

// TypeStats groups the distinct managed objects by type, largest total
// size first. Objects whose type did not resolve are left out.
func TypeStats(heap *crawler.ManagedHeap) []TypeStat {
	snap := heap.Snapshot()
	byType := make(map[int32]*TypeStat)
	for i := range heap.Objects {
		o := &heap.Objects[i]
		if o.DuplicateOf >= 0 || !o.Known() {
			continue
		}
		st, ok := byType[o.TypeIndex]
		if !ok {
			st = &TypeStat{Type: snap.Types.Names[o.TypeIndex], TypeIndex: o.TypeIndex}
			byType[o.TypeIndex] = st
		}
		st.Count++
		st.TotalSize += o.Size
	}
	return sortStats(byType)
}

// NativeTypeStats groups native objects by native type.
func NativeTypeStats(heap *crawler.ManagedHeap) []TypeStat {
	natives := &heap.Snapshot().NativeObjects
	types := &heap.Snapshot().NativeTypes
	byType := make(map[int32]*TypeStat)
	for i := 0; i < natives.Count(); i++ {
		t := natives.NativeTypeIndex[i]
		st, ok := byType[t]
		if !ok {
			name := "<unknown>"
			if t >= 0 && int(t) < types.Count() {
				name = types.Names[t]
			}
			st = &TypeStat{Type: name, TypeIndex: t}
			byType[t] = st
		}
		st.Count++
		st.TotalSize += int64(natives.Sizes[i])
	}
	return sortStats(byType)
}

func sortStats(byType map[int32]*TypeStat) []TypeStat {
	out := lo.Map(lo.Values(byType), func(st *TypeStat, _ int) TypeStat { return *st })
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalSize != out[j].TotalSize {
			return out[i].TotalSize > out[j].TotalSize
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out
}
