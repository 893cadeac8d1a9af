// ABOUTME: Tests for the packed capture encoder and decoder
// ABOUTME: Round trips, corruption detection, truncation and progress reporting

package packed

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/prateek/snapgraph/crawler"
	"github.com/prateek/snapgraph/heapdump"
	"github.com/prateek/snapgraph/internal/captest"
	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func encode(t testing.TB, snap *snapshot.Snapshot, opts EncoderOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf, opts).Encode(snap))
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	snap, scene := captest.MustSample(t)
	data := encode(t, snap, EncoderOptions{})
	require.True(t, bytes.HasPrefix(data, []byte(Magic)))

	got, err := NewDecoder(bytes.NewReader(data), Options{}).Decode()
	require.NoError(t, err)

	assert.Equal(t, snap.Layout, got.Layout)
	assert.Equal(t, snap.Types.Names, got.Types.Names)
	assert.Equal(t, snap.Types.BaseOrElementTypeIndex, got.Types.BaseOrElementTypeIndex)
	assert.Equal(t, snap.Types.StaticFieldBytes, got.Types.StaticFieldBytes)
	assert.Equal(t, snap.Fields.TypeIndex, got.Fields.TypeIndex)
	assert.Equal(t, snap.Fields.IsStatic, got.Fields.IsStatic)
	assert.Equal(t, snap.NativeObjects.Addresses, got.NativeObjects.Addresses)
	assert.Equal(t, snap.NativeObjects.RootReferenceIDs, got.NativeObjects.RootReferenceIDs)
	assert.Equal(t, snap.NativeRootReferences.IDs, got.NativeRootReferences.IDs)
	assert.Equal(t, snap.NativeRootReferences.AreaNames, got.NativeRootReferences.AreaNames)
	assert.Equal(t, snap.NativeRootReferences.AccumulatedSizes, got.NativeRootReferences.AccumulatedSizes)
	assert.Equal(t, snap.NativeMemoryLabels, got.NativeMemoryLabels)
	assert.Equal(t, snap.GCHandles, got.GCHandles)
	assert.Equal(t, snap.Heap, got.Heap)
	assert.Equal(t, snap.Stacks, got.Stacks)
	assert.Equal(t, snap.Connections, got.Connections)
	assert.Equal(t, snap.Callstack(0), got.Callstack(0))
	label, ok := got.MemoryLabel(0)
	require.True(t, ok)
	assert.Equal(t, "ScriptingNativeRuntime", label)
	row, ok := got.RootReference(scene.Hero)
	require.True(t, ok)
	assert.Equal(t, "Objects", got.NativeRootReferences.AreaNames[row])

	heap, err := crawler.Crawl(context.Background(), got, crawler.DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), heap.NativeToManaged[scene.Hero])
	idx, ok := heap.ObjectAt(scene.ItemAddrs[1])
	require.True(t, ok)
	assert.Equal(t, "Game.Item", heap.TypeName(idx))
}

func TestOpenThroughRegistry(t *testing.T) {
	snap, _ := captest.MustSample(t)

	for _, opts := range []EncoderOptions{{}, {Zstd: true}} {
		data := encode(t, snap, opts)
		got, err := heapdump.Open(bytes.NewReader(data))
		require.NoError(t, err, "zstd=%v", opts.Zstd)
		assert.Equal(t, snap.Types.Names, got.Types.Names)
	}
}

func TestDecoderRejectsCompressedStream(t *testing.T) {
	snap, _ := captest.MustSample(t)
	data := encode(t, snap, EncoderOptions{Zstd: true})

	_, err := NewDecoder(bytes.NewReader(data), Options{}).Decode()
	assert.True(t, errors.Is(err, ErrBadMagic))
}

func TestCanParse(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{name: "valid magic", data: []byte(Magic + "\x00"), expected: true},
		{name: "invalid header", data: []byte("not a capture..."), expected: false},
		{name: "empty data", data: []byte{}, expected: false},
		{name: "partial magic", data: []byte("snapgraph"), expected: false},
	}

	p := &Parser{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.CanParse(bytes.NewReader(tt.data)))
		})
	}
}

func TestChecksum(t *testing.T) {
	snap, _ := captest.MustSample(t)
	data := encode(t, snap, EncoderOptions{})

	t.Run("footer", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-1] ^= 0xff
		_, err := NewDecoder(bytes.NewReader(bad), Options{}).Decode()
		assert.True(t, errors.Is(err, ErrChecksum))
	})

	t.Run("heap bytes", func(t *testing.T) {
		// The UTF-16 text of the player's name sits inside the heap blob.
		at := bytes.Index(data, []byte{'h', 0, 'e', 0, 'r', 0, 'o', 0})
		require.Positive(t, at)
		bad := append([]byte(nil), data...)
		bad[at] = 'H'
		_, err := NewDecoder(bytes.NewReader(bad), Options{}).Decode()
		assert.True(t, errors.Is(err, ErrChecksum))
	})
}

func TestTruncated(t *testing.T) {
	snap, _ := captest.MustSample(t)
	data := encode(t, snap, EncoderOptions{})

	for n := 0; n < len(data); n++ {
		_, err := NewDecoder(bytes.NewReader(data[:n]), Options{}).Decode()
		require.Error(t, err, "prefix of %d bytes", n)
	}
}

func TestMalformedRecords(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want error
	}{
		{name: "unknown tag", body: []byte{99}, want: snapshot.ErrCorrupt},
		{name: "string over limit", body: []byte{tagNativeType, 0x81, 0x80, 0x80, 0x01}, want: snapshot.ErrCorrupt},
		{name: "int32 overflow", body: []byte{tagConnection, 0x80, 0x80, 0x80, 0x80, 0x20, 0x00}, want: snapshot.ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append([]byte(Magic), tt.body...)
			_, err := NewDecoder(bytes.NewReader(data), Options{}).Decode()
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := NewDecoder(bytes.NewReader([]byte("short")), Options{}).Decode()
	assert.True(t, errors.Is(err, ErrBadMagic))
}

func TestProgress(t *testing.T) {
	b := captest.New(memory.Layout64)
	b.Core()
	for i := 0; i < 2*ProgressInterval+10; i++ {
		b.Handle(0)
	}
	data := encode(t, b.MustBuild(t), EncoderOptions{})

	var reports []Progress
	_, err := NewDecoder(bytes.NewReader(data), Options{
		OnProgress: func(p Progress) { reports = append(reports, p) },
	}).Decode()
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, int64(len(data)), last.Bytes)
	assert.GreaterOrEqual(t, last.Records, int64(2*ProgressInterval+10))
	assert.Len(t, reports, int(last.Records/ProgressInterval)+1)
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i].Bytes, reports[i-1].Bytes)
	}
}

func TestEncoderSingleUse(t *testing.T) {
	snap, _ := captest.MustSample(t)
	var buf bytes.Buffer
	enc := NewEncoder(&buf, EncoderOptions{})
	require.NoError(t, enc.Encode(snap))
	assert.Error(t, enc.Encode(snap))
}
