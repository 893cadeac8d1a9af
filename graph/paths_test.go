// ABOUTME: Tests for finding paths from objects to GC roots
// ABOUTME: Covers shortest-first ordering, cycles, unreachable nodes and path limits
package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathsToRoots(t *testing.T) {
	g := build([]NodeID{1},
		Node{ID: 1, Type: "root", Ptrs: []NodeID{2}},
		Node{ID: 2, Type: "middle", Ptrs: []NodeID{3, 4}},
		Node{ID: 3, Type: "leaf1"},
		Node{ID: 4, Type: "leaf2"},
	)

	tests := []struct {
		name     string
		from     NodeID
		maxPaths int
		want     []Path
	}{
		{name: "Direct path from root", from: 1, maxPaths: 5, want: []Path{{IDs: []NodeID{1}}}},
		{name: "One hop from root", from: 2, maxPaths: 5, want: []Path{{IDs: []NodeID{2, 1}}}},
		{name: "Two hops from root", from: 3, maxPaths: 5, want: []Path{{IDs: []NodeID{3, 2, 1}}}},
		{name: "Another two hops path", from: 4, maxPaths: 5, want: []Path{{IDs: []NodeID{4, 2, 1}}}},
		{name: "Zero limit", from: 4, maxPaths: 0, want: nil},
		{name: "Unknown node", from: 42, maxPaths: 5, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PathsToRoots(g, tt.from, tt.maxPaths))
		})
	}
}

func TestPathsWithCycles(t *testing.T) {
	g := build([]NodeID{1},
		Node{ID: 1, Type: "root", Ptrs: []NodeID{2}},
		Node{ID: 2, Type: "cycle1", Ptrs: []NodeID{3}},
		Node{ID: 3, Type: "cycle2", Ptrs: []NodeID{2}},
	)

	assert.Equal(t, []Path{{IDs: []NodeID{3, 2, 1}}}, PathsToRoots(g, 3, 5))
}

func TestUnreachableNode(t *testing.T) {
	g := build([]NodeID{1},
		Node{ID: 1, Type: "root", Ptrs: []NodeID{2}},
		Node{ID: 2, Type: "connected"},
		Node{ID: 3, Type: "disconnected"},
	)

	assert.Empty(t, PathsToRoots(g, 3, 5))
}

func TestMultipleRoots(t *testing.T) {
	g := build([]NodeID{1, 2},
		Node{ID: 1, Type: "root1", Ptrs: []NodeID{3}},
		Node{ID: 2, Type: "root2", Ptrs: []NodeID{3}},
		Node{ID: 3, Type: "shared"},
	)

	assert.Equal(t, []Path{
		{IDs: []NodeID{3, 1}},
		{IDs: []NodeID{3, 2}},
	}, PathsToRoots(g, 3, 5))
}

func TestShortestPathsFirst(t *testing.T) {
	g := build([]NodeID{1, 5},
		Node{ID: 1, Type: "far root", Ptrs: []NodeID{2}},
		Node{ID: 2, Ptrs: []NodeID{3}},
		Node{ID: 3, Ptrs: []NodeID{4}},
		Node{ID: 4},
		Node{ID: 5, Type: "near root", Ptrs: []NodeID{4}},
	)

	paths := PathsToRoots(g, 4, 5)
	assert.Equal(t, []Path{
		{IDs: []NodeID{4, 5}},
		{IDs: []NodeID{4, 3, 2, 1}},
	}, paths)
}

func TestMaxPathsLimit(t *testing.T) {
	g := build([]NodeID{1, 2, 3},
		Node{ID: 1, Type: "root1", Ptrs: []NodeID{4}},
		Node{ID: 2, Type: "root2", Ptrs: []NodeID{4}},
		Node{ID: 3, Type: "root3", Ptrs: []NodeID{4}},
		Node{ID: 4, Type: "target"},
	)

	paths := PathsToRoots(g, 4, 2)
	assert.Len(t, paths, 2)
}

func TestSelfReference(t *testing.T) {
	g := build([]NodeID{1},
		Node{ID: 1, Type: "root", Ptrs: []NodeID{2}},
		Node{ID: 2, Type: "self", Ptrs: []NodeID{2}},
	)

	assert.Equal(t, []Path{{IDs: []NodeID{2, 1}}}, PathsToRoots(g, 2, 5))
}
