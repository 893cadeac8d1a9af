// ABOUTME: Utility functions for working with dominator trees
// ABOUTME: Depths, dominator chains and dominance checks over dense node ids
package graph

// DominatorDepth computes the depth of each node in the dominator tree.
// The virtual root has depth 0 and unreachable nodes -1.
func DominatorDepth(tree [][]NodeID) []int {
	depth := make([]int, len(tree))
	for i := range depth {
		depth[i] = -1
	}
	if len(tree) == 0 {
		return depth
	}
	depth[VirtualRoot] = 0
	queue := []NodeID{VirtualRoot}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range tree[node] {
			depth[child] = depth[node] + 1
			queue = append(queue, child)
		}
	}
	return depth
}

// DominatorPath returns the chain of dominators from node up to and
// including the virtual root, or nil when node is unreachable.
func DominatorPath(idom []NodeID, node NodeID) []NodeID {
	if int(node) >= len(idom) || idom[node] == Unreachable {
		return nil
	}
	path := []NodeID{node}
	for current := node; current != VirtualRoot; {
		current = idom[current]
		path = append(path, current)
	}
	return path
}

// IsDominated reports whether every path from the roots to node passes
// through dominator. A node dominates itself.
func IsDominated(idom []NodeID, node, dominator NodeID) bool {
	if node == dominator {
		return true
	}
	if int(node) >= len(idom) || idom[node] == Unreachable {
		return false
	}
	for current := node; current != VirtualRoot; {
		current = idom[current]
		if current == dominator {
			return true
		}
	}
	return false
}
