// ABOUTME: End-to-end tests from an encoded capture to graph analysis
// ABOUTME: Encodes, loads through the registry, crawls, navigates and computes retained sizes

package snapgraph_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/snapgraph/crawler"
	"github.com/prateek/snapgraph/graph"
	"github.com/prateek/snapgraph/heapdump"
	"github.com/prateek/snapgraph/heapdump/packed"
	"github.com/prateek/snapgraph/internal/captest"
	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/objectdata"
)

func crawl(t *testing.T, data []byte) *crawler.ManagedHeap {
	t.Helper()
	snap, err := heapdump.Open(bytes.NewReader(data))
	require.NoError(t, err)
	heap, err := crawler.Crawl(context.Background(), snap, crawler.DefaultConfig(), nil)
	require.NoError(t, err)
	return heap
}

func TestEndToEndPacked(t *testing.T) {
	snap, scene := captest.MustSample(t)
	var buf bytes.Buffer
	require.NoError(t, packed.NewEncoder(&buf, packed.EncoderOptions{Zstd: true}).Encode(snap))

	heap := crawl(t, buf.Bytes())
	view := objectdata.NewView(heap)

	player := view.FromManagedIndex(0)
	require.True(t, player.Valid())
	assert.Equal(t, "Game.Player", view.TypeName(player))
	assert.Equal(t, int32(42), view.InstanceID(player))

	name := view.Deref(view.Field(player, 2))
	require.True(t, name.Valid())
	str, err := heap.Sizer().ReadString(name.Data())
	require.NoError(t, err)
	assert.Equal(t, "hero", str)

	item, ok := heap.ObjectAt(scene.ItemAddrs[1])
	require.True(t, ok)
	referrers := view.ConnectingTo(view.FromManagedIndex(item))
	require.Len(t, referrers, 1)
	assert.Equal(t, "[1]", view.FieldName(referrers[0]))

	g := graph.FromHeap(heap)
	idom := graph.Dominators(g)
	inv, ok := heap.ObjectAt(scene.InventoryAddr)
	require.True(t, ok)
	itemNode := graph.FromUnified(heap.ManagedToUnified(item))
	invNode := graph.FromUnified(heap.ManagedToUnified(inv))
	assert.Equal(t, invNode, idom[itemNode])
	assert.True(t, graph.IsDominated(idom, itemNode, graph.FromUnified(heap.ManagedToUnified(0))))

	retained := graph.RetainedSize(g)
	assert.Equal(t, uint64(48+24+24), retained[invNode])

	paths := graph.PathsToRoots(g, itemNode, 3)
	require.NotEmpty(t, paths)
	assert.Equal(t, []graph.NodeID{itemNode, invNode, graph.FromUnified(heap.ManagedToUnified(0))}, paths[0].IDs)
}

func TestEndToEndJSONMatchesDirectCrawl(t *testing.T) {
	snap, _ := captest.MustSample(t)
	direct, err := crawler.Crawl(context.Background(), snap, crawler.DefaultConfig(), nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, heapdump.WriteJSON(&buf, snap))
	loaded := crawl(t, buf.Bytes())

	assert.Equal(t, len(direct.Objects), len(loaded.Objects))
	assert.Equal(t, len(direct.Connections), len(loaded.Connections))
	assert.Equal(t, direct.TotalSize(), loaded.TotalSize())
	assert.Equal(t, direct.NativeToManaged, loaded.NativeToManaged)
	for i := range direct.Objects {
		assert.Equal(t, direct.Objects[i].Address, loaded.Objects[i].Address)
		assert.Equal(t, direct.Objects[i].TypeIndex, loaded.Objects[i].TypeIndex)
	}
}

func TestCyclicCapture(t *testing.T) {
	b := captest.New(memory.Layout64)
	core := b.Core()
	node := b.Type("Game.Node", 0, core.Object, 24)
	b.Field(node, "m_Next", 16, node, false)
	a := b.Object(node)
	c := b.Object(node)
	b.PutPointer(a+16, c)
	b.PutPointer(c+16, a)
	b.Handle(a)
	snap := b.MustBuild(t)

	var buf bytes.Buffer
	require.NoError(t, packed.NewEncoder(&buf, packed.EncoderOptions{}).Encode(snap))
	heap := crawl(t, buf.Bytes())
	require.Len(t, heap.Objects, 2)

	g := graph.FromHeap(heap)
	aNode, cNode := graph.FromUnified(0), graph.FromUnified(1)
	idom := graph.Dominators(g)
	assert.Equal(t, graph.VirtualRoot, idom[aNode])
	assert.Equal(t, aNode, idom[cNode])

	retained := graph.RetainedSize(g)
	assert.Equal(t, uint64(48), retained[aNode])
	assert.Equal(t, uint64(24), retained[cNode])

	paths := graph.PathsToRoots(g, cNode, 5)
	require.Len(t, paths, 1)
	assert.Equal(t, []graph.NodeID{cNode, aNode}, paths[0].IDs)
}

func TestCaptureWithoutRoots(t *testing.T) {
	b := captest.New(memory.Layout64)
	b.Core()
	snap := b.MustBuild(t)

	var buf bytes.Buffer
	require.NoError(t, packed.NewEncoder(&buf, packed.EncoderOptions{}).Encode(snap))
	heap := crawl(t, buf.Bytes())
	assert.Empty(t, heap.Objects)
	assert.Zero(t, heap.TotalSize())

	g := graph.FromHeap(heap)
	assert.Zero(t, g.NumNodes())
	assert.Empty(t, graph.TopRetainers(graph.RetainedSize(g), 10))
}
