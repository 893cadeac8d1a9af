// ABOUTME: Tests for dominator tree computation using Lengauer-Tarjan algorithm
// ABOUTME: Verifies immediate dominators, dominator tree, and performance characteristics
package graph

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDominators(t *testing.T) {
	const u = Unreachable
	tests := []struct {
		name     string
		graph    Graph
		expected []NodeID // indexed by node id
	}{
		{
			name: "simple linear chain",
			graph: build([]NodeID{2},
				Node{ID: 1, Type: "orphan"},
				Node{ID: 2, Ptrs: []NodeID{3}},
				Node{ID: 3, Ptrs: []NodeID{4}},
				Node{ID: 4},
			),
			expected: []NodeID{0, u, 0, 2, 3},
		},
		{
			name: "diamond pattern",
			graph: build([]NodeID{1},
				Node{ID: 1, Ptrs: []NodeID{2, 3}},
				Node{ID: 2, Ptrs: []NodeID{4}},
				Node{ID: 3, Ptrs: []NodeID{4}},
				Node{ID: 4},
			),
			expected: []NodeID{0, 0, 1, 1, 1},
		},
		{
			name: "complex graph with multiple paths",
			graph: build([]NodeID{1},
				Node{ID: 1, Ptrs: []NodeID{2, 3}},
				Node{ID: 2, Ptrs: []NodeID{4}},
				Node{ID: 3, Ptrs: []NodeID{4, 5}},
				Node{ID: 4, Ptrs: []NodeID{6}},
				Node{ID: 5, Ptrs: []NodeID{6}},
				Node{ID: 6},
			),
			expected: []NodeID{0, 0, 1, 1, 1, 3, 1},
		},
		{
			name: "unreachable nodes",
			graph: build([]NodeID{1},
				Node{ID: 1, Ptrs: []NodeID{2}},
				Node{ID: 2},
				Node{ID: 3},
			),
			expected: []NodeID{0, 0, 1, u},
		},
		{
			name: "cycle in graph",
			graph: build([]NodeID{1},
				Node{ID: 1, Ptrs: []NodeID{2}},
				Node{ID: 2, Ptrs: []NodeID{3}},
				Node{ID: 3, Ptrs: []NodeID{4}},
				Node{ID: 4, Ptrs: []NodeID{2, 5}},
				Node{ID: 5},
			),
			expected: []NodeID{0, 0, 1, 2, 3, 4},
		},
		{
			name: "multiple roots",
			graph: build([]NodeID{1, 2},
				Node{ID: 1, Ptrs: []NodeID{3}},
				Node{ID: 2, Ptrs: []NodeID{3}},
				Node{ID: 3},
			),
			expected: []NodeID{0, 0, 0, 0},
		},
		{
			name: "root reachable from another root",
			graph: build([]NodeID{1, 2},
				Node{ID: 1, Ptrs: []NodeID{2}},
				Node{ID: 2, Ptrs: []NodeID{3}},
				Node{ID: 3},
			),
			expected: []NodeID{0, 0, 0, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Dominators(tt.graph))
		})
	}
}

func TestDominatorTree(t *testing.T) {
	g := build([]NodeID{1},
		Node{ID: 1, Ptrs: []NodeID{2, 3}},
		Node{ID: 2, Ptrs: []NodeID{4}},
		Node{ID: 3, Ptrs: []NodeID{4, 5}},
		Node{ID: 4},
		Node{ID: 5},
		Node{ID: 6},
	)

	idom := Dominators(g)
	tree := DominatorTree(idom)

	assert.Equal(t, [][]NodeID{
		{1},
		{2, 3, 4},
		nil,
		{5},
		nil,
		nil,
		nil,
	}, tree)

	depth := DominatorDepth(tree)
	assert.Equal(t, []int{0, 1, 2, 2, 2, 3, -1}, depth)

	assert.Equal(t, []NodeID{5, 3, 1, 0}, DominatorPath(idom, 5))
	assert.Nil(t, DominatorPath(idom, 6))
	assert.Nil(t, DominatorPath(idom, 60))

	assert.True(t, IsDominated(idom, 5, 3))
	assert.True(t, IsDominated(idom, 5, 1))
	assert.True(t, IsDominated(idom, 5, VirtualRoot))
	assert.True(t, IsDominated(idom, 4, 4))
	assert.False(t, IsDominated(idom, 4, 3))
	assert.False(t, IsDominated(idom, 6, 1))
}

func TestDeepChainDoesNotRecurse(t *testing.T) {
	const n = 200000
	g := NewMemGraph()
	for i := 1; i <= n; i++ {
		node := Node{ID: NodeID(i), Size: 1}
		if i < n {
			node.Ptrs = []NodeID{NodeID(i + 1)}
		}
		g.AddNode(&node)
	}
	g.SetRoots(Roots{IDs: []NodeID{1}})

	idom := Dominators(g)
	assert.Equal(t, NodeID(n-1), idom[n])
	retained := RetainedSize(g)
	assert.Equal(t, uint64(n), retained[1])
	assert.Equal(t, uint64(1), retained[n])
}

func TestDominatorsPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}

	for _, n := range []int{1000, 10000, 100000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			g := NewMemGraph()
			// Tree with branching factor 10 plus a back edge to each parent.
			for i := 1; i <= n; i++ {
				node := Node{ID: NodeID(i)}
				if i > 1 {
					node.Ptrs = append(node.Ptrs, NodeID((i-2)/10+1))
				}
				for j := 2; j <= 11 && (i-1)*10+j <= n; j++ {
					node.Ptrs = append(node.Ptrs, NodeID((i-1)*10+j))
				}
				g.AddNode(&node)
			}
			g.SetRoots(Roots{IDs: []NodeID{1}})

			start := time.Now()
			idom := Dominators(g)
			elapsed := time.Since(start)

			assert.Equal(t, NodeID(0), idom[1])
			assert.Equal(t, NodeID((n-2)/10+1), idom[n])
			assert.Less(t, elapsed, 30*time.Second)
			t.Logf("n=%d: computed dominators in %v", n, elapsed)
		})
	}
}

func BenchmarkDominators(b *testing.B) {
	for _, n := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			g := NewMemGraph()
			for i := 1; i <= n; i++ {
				node := Node{ID: NodeID(i)}
				if i > 1 {
					node.Ptrs = append(node.Ptrs, NodeID(i/2))
				}
				if i*2 <= n {
					node.Ptrs = append(node.Ptrs, NodeID(i*2))
				}
				if i*2+1 <= n {
					node.Ptrs = append(node.Ptrs, NodeID(i*2+1))
				}
				g.AddNode(&node)
			}
			g.SetRoots(Roots{IDs: []NodeID{1}})

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = Dominators(g)
			}
		})
	}
}
