// ABOUTME: Implements the Lengauer-Tarjan algorithm for computing dominators
// ABOUTME: Iterative over dense node ids so deep object chains cannot exhaust the stack
package graph

// Dominators computes the immediate dominator of every node using the
// Lengauer-Tarjan algorithm with path compression, O(E log V).
//
// The result is indexed by node id. Roots are dominated by VirtualRoot,
// VirtualRoot maps to itself and nodes the roots cannot reach map to
// Unreachable.
func Dominators(g Graph) []NodeID {
	n := g.NumNodes() + 1
	roots := g.Roots()
	reverse := BuildReverseEdges(g)
	preds := func(id NodeID) []NodeID {
		if id == VirtualRoot {
			return nil
		}
		return reverse[id]
	}
	isRoot := make([]bool, n)
	for _, r := range roots.IDs {
		if int(r) < n {
			isRoot[r] = true
		}
	}

	// Depth-first numbering. Each stack entry carries the number of the node
	// that pushed it so the spanning tree parent is known on first visit.
	dfnum := make([]int32, n)
	for i := range dfnum {
		dfnum[i] = -1
	}
	vertex := make([]NodeID, 0, n)
	parent := make([]int32, 0, n)
	type entry struct {
		id     NodeID
		parent int32
	}
	stack := []entry{{id: VirtualRoot, parent: -1}}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if int(e.id) >= n || dfnum[e.id] >= 0 {
			continue
		}
		num := int32(len(vertex))
		dfnum[e.id] = num
		vertex = append(vertex, e.id)
		parent = append(parent, e.parent)
		succ := successors(g, roots, e.id)
		for i := len(succ) - 1; i >= 0; i-- {
			if int(succ[i]) < n && dfnum[succ[i]] < 0 {
				stack = append(stack, entry{id: succ[i], parent: num})
			}
		}
	}

	// Everything below works on DFS numbers.
	count := len(vertex)
	semi := make([]int32, count)
	idom := make([]int32, count)
	ancestor := make([]int32, count)
	label := make([]int32, count)
	bucket := make([][]int32, count)
	for i := range semi {
		semi[i] = int32(i)
		label[i] = int32(i)
		ancestor[i] = -1
	}

	var path []int32
	compress := func(v int32) {
		path = path[:0]
		for x := v; ancestor[ancestor[x]] >= 0; x = ancestor[x] {
			path = append(path, x)
		}
		for i := len(path) - 1; i >= 0; i-- {
			x := path[i]
			a := ancestor[x]
			if semi[label[a]] < semi[label[x]] {
				label[x] = label[a]
			}
			ancestor[x] = ancestor[a]
		}
	}
	eval := func(v int32) int32 {
		if ancestor[v] < 0 {
			return v
		}
		compress(v)
		return label[v]
	}

	for w := int32(count - 1); w > 0; w-- {
		id := vertex[w]
		// The virtual root is an implicit predecessor of every root.
		if isRoot[id] {
			semi[w] = 0
		}
		for _, p := range preds(id) {
			pn := dfnum[p]
			if pn < 0 {
				continue
			}
			if u := eval(pn); semi[u] < semi[w] {
				semi[w] = semi[u]
			}
		}
		bucket[semi[w]] = append(bucket[semi[w]], w)
		pw := parent[w]
		ancestor[w] = pw
		for _, v := range bucket[pw] {
			if u := eval(v); semi[u] < semi[v] {
				idom[v] = u
			} else {
				idom[v] = pw
			}
		}
		bucket[pw] = nil
	}
	for w := 1; w < count; w++ {
		if idom[w] != semi[w] {
			idom[w] = idom[idom[w]]
		}
	}

	out := make([]NodeID, n)
	for i := range out {
		out[i] = Unreachable
	}
	out[VirtualRoot] = VirtualRoot
	for w := 1; w < count; w++ {
		out[vertex[w]] = vertex[idom[w]]
	}
	return out
}

// DominatorTree inverts immediate dominators into child lists indexed by
// node id. Unreachable nodes appear nowhere.
func DominatorTree(idom []NodeID) [][]NodeID {
	tree := make([][]NodeID, len(idom))
	for node := 1; node < len(idom); node++ {
		if dom := idom[node]; dom != Unreachable {
			tree[dom] = append(tree[dom], NodeID(node))
		}
	}
	return tree
}
