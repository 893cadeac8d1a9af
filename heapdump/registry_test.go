// ABOUTME: Tests for the parser registry system
// ABOUTME: Validates parser registration, selection, zstd sniffing and file loading

package heapdump

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

// mockParser accepts streams that start with its name.
type mockParser struct {
	name   string
	parsed int
}

func (p *mockParser) Name() string { return p.name }

func (p *mockParser) CanParse(r io.Reader) bool {
	buf := make([]byte, len(p.name))
	n, _ := io.ReadFull(r, buf)
	return string(buf[:n]) == p.name
}

func (p *mockParser) Parse(r io.Reader) (*snapshot.Snapshot, error) {
	p.parsed++
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	return &snapshot.Snapshot{Layout: memory.Layout64}, nil
}

// withRegistry swaps in a registry holding only parsers for one test.
func withRegistry(t *testing.T, parsers ...Parser) {
	t.Helper()
	saved := registry
	registry = &parserRegistry{}
	t.Cleanup(func() { registry = saved })
	for _, p := range parsers {
		Register(p)
	}
}

func TestRegister(t *testing.T) {
	withRegistry(t, &mockParser{name: "parser1"}, &mockParser{name: "parser2"})
	assert.Len(t, Parsers(), 2)
	assert.Equal(t, "parser1", Parsers()[0].Name())
}

func TestDefaultRegistryHasJSON(t *testing.T) {
	names := make([]string, 0)
	for _, p := range Parsers() {
		names = append(names, p.Name())
	}
	assert.Contains(t, names, "json")
}

func TestOpen(t *testing.T) {
	jsonParser := &mockParser{name: "json"}
	packedParser := &mockParser{name: "packed"}
	withRegistry(t, jsonParser, packedParser)

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "JSON file", content: "json capture data"},
		{name: "Packed file", content: "packed capture data"},
		{name: "Unknown format", content: "unknown format", wantErr: true},
		{name: "Empty", content: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := Open(strings.NewReader(tt.content))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrNoParser))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, snap)
		})
	}
	assert.Equal(t, 1, jsonParser.parsed)
	assert.Equal(t, 1, packedParser.parsed)
}

func TestParserSelectionOrder(t *testing.T) {
	first := &mockParser{name: "same"}
	second := &mockParser{name: "same"}
	withRegistry(t, first, second)

	_, err := Open(strings.NewReader("same data"))
	require.NoError(t, err)
	assert.Equal(t, 1, first.parsed)
	assert.Equal(t, 0, second.parsed)
}

func TestOpenLargeStream(t *testing.T) {
	p := &mockParser{name: "big"}
	withRegistry(t, p)

	content := "big" + strings.Repeat("x", 3*SniffSize)
	_, err := Open(strings.NewReader(content))
	require.NoError(t, err)
}

func TestOpenZstd(t *testing.T) {
	snap, err := Open(strings.NewReader(handWritten))
	require.NoError(t, err)
	var plain bytes.Buffer
	require.NoError(t, WriteJSON(&plain, snap))

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write(plain.Bytes())
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.True(t, bytes.HasPrefix(compressed.Bytes(), zstdMagic))

	loaded, err := Open(&compressed)
	require.NoError(t, err)
	assert.Equal(t, snap.Types.Names, loaded.Types.Names)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.json")
	require.NoError(t, os.WriteFile(path, []byte(handWritten), 0o644))

	snap, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Types.Count())

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(junk, []byte("junk"), 0o644))
	_, err = OpenFile(junk)
	assert.True(t, errors.Is(err, ErrNoParser))
	assert.Contains(t, err.Error(), junk)
}

func TestThreadSafeRegistry(t *testing.T) {
	withRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			Register(&mockParser{name: string(rune('a' + id))})
		}(i)
	}
	wg.Wait()

	assert.Len(t, Parsers(), 10)
}
