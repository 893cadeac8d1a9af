// ABOUTME: Calculates retained memory sizes using dominator tree analysis
// ABOUTME: An object retains itself plus everything it dominates
package graph

import "sort"

// RetainedSize computes the retained size of every node: the total size of
// everything that would become unreachable if the node were removed. The
// result is indexed by node id; index 0 is the total reachable size and
// unreachable nodes retain 0.
func RetainedSize(g Graph) []uint64 {
	tree := DominatorTree(Dominators(g))
	return retainedFromTree(g, tree)
}

func retainedFromTree(g Graph, tree [][]NodeID) []uint64 {
	retained := make([]uint64, len(tree))
	if len(tree) == 0 {
		return retained
	}
	// Breadth-first order lists every node after its dominator, so one
	// reverse pass folds children into parents.
	order := []NodeID{VirtualRoot}
	dom := make([]NodeID, len(tree))
	for i := 0; i < len(order); i++ {
		for _, child := range tree[order[i]] {
			dom[child] = order[i]
			order = append(order, child)
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if n := g.Node(id); n != nil {
			retained[id] += n.Size
		}
		if id != VirtualRoot {
			retained[dom[id]] += retained[id]
		}
	}
	return retained
}

// RetainedSizeSubsets computes retained sizes for the given nodes only.
// Ids that are not nodes of g are left out of the result.
func RetainedSizeSubsets(g Graph, ids []NodeID) map[NodeID]uint64 {
	result := make(map[NodeID]uint64, len(ids))
	if len(ids) == 0 {
		return result
	}
	retained := RetainedSize(g)
	for _, id := range ids {
		if id != VirtualRoot && g.Node(id) != nil {
			result[id] = retained[id]
		}
	}
	return result
}

// Retainer is a node with its retained size.
type Retainer struct {
	ID       NodeID
	Retained uint64
}

// TopRetainers returns the n nodes with the largest retained size, largest
// first, ties broken by id.
func TopRetainers(retained []uint64, n int) []Retainer {
	out := make([]Retainer, 0, len(retained))
	for id := 1; id < len(retained); id++ {
		if retained[id] > 0 {
			out = append(out, Retainer{ID: NodeID(id), Retained: retained[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Retained != out[j].Retained {
			return out[i].Retained > out[j].Retained
		}
		return out[i].ID < out[j].ID
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
