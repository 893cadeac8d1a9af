// ABOUTME: BFS algorithm for finding paths from objects to GC roots
// ABOUTME: Returns the shortest paths first and never revisits a node within one path

package graph

// maxExpansions bounds the work of one PathsToRoots call on dense graphs.
const maxExpansions = 1 << 20

// Path is a sequence of node ids from a target to a root
type Path struct {
	IDs []NodeID
}

// PathsToRoots finds up to maxPaths paths from a node to the roots by
// walking referrers breadth first, so shorter paths come first.
func PathsToRoots(g Graph, from NodeID, maxPaths int) []Path {
	if maxPaths <= 0 || g.Node(from) == nil {
		return nil
	}
	reverse := BuildReverseEdges(g)
	rootSet := make(map[NodeID]bool)
	for _, id := range g.Roots().IDs {
		rootSet[id] = true
	}
	if rootSet[from] {
		return []Path{{IDs: []NodeID{from}}}
	}

	type searchNode struct {
		id   NodeID
		path []NodeID
	}
	var result []Path
	queue := []searchNode{{id: from, path: []NodeID{from}}}
	for expansions := 0; len(queue) > 0 && len(result) < maxPaths && expansions < maxExpansions; expansions++ {
		node := queue[0]
		queue = queue[1:]
		seen := make(map[NodeID]bool, len(reverse[node.id]))
		for _, referrer := range reverse[node.id] {
			if seen[referrer] || contains(node.path, referrer) {
				continue
			}
			seen[referrer] = true
			next := make([]NodeID, len(node.path)+1)
			copy(next, node.path)
			next[len(node.path)] = referrer
			if rootSet[referrer] {
				result = append(result, Path{IDs: next})
				if len(result) >= maxPaths {
					break
				}
				continue
			}
			queue = append(queue, searchNode{id: referrer, path: next})
		}
	}
	return result
}

func contains(path []NodeID, id NodeID) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}
