// ABOUTME: Builds reverse edges for graph traversal
// ABOUTME: Maps every node to the nodes that point at it

package graph

// ReverseEdges lists, per node id, the nodes that point to it. Index 0
// holds nothing; the virtual root has no referrers.
type ReverseEdges [][]NodeID

// BuildReverseEdges inverts the pointers of g. A node pointing at the same
// target twice is listed twice.
func BuildReverseEdges(g Graph) ReverseEdges {
	reverse := make(ReverseEdges, g.NumNodes()+1)
	g.ForEachNode(func(n *Node) {
		for _, target := range n.Ptrs {
			if int(target) < len(reverse) {
				reverse[target] = append(reverse[target], n.ID)
			}
		}
	})
	return reverse
}

// successors returns the out-edges of id, treating the virtual root as a
// node pointing at every root.
func successors(g Graph, roots Roots, id NodeID) []NodeID {
	if id == VirtualRoot {
		return roots.IDs
	}
	if n := g.Node(id); n != nil {
		return n.Ptrs
	}
	return nil
}
