// ABOUTME: Tests for the command line actions against the sample capture
// ABOUTME: Each action writes to a buffer installed as the context output

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/snapgraph/crawler"
	"github.com/prateek/snapgraph/heapdump"
	"github.com/prateek/snapgraph/inspect"
	"github.com/prateek/snapgraph/internal/captest"
)

func TestMain(m *testing.M) {
	logger = log.NewNopLogger()
	os.Exit(m.Run())
}

func writeSample(t *testing.T, format string, compress bool) (string, captest.Scene) {
	t.Helper()
	snap, scene := captest.MustSample(t)
	path := filepath.Join(t.TempDir(), "sample."+format)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, writeCapture(f, snap, format, compress))
	require.NoError(t, f.Close())
	return path, scene
}

func capture(t *testing.T) (*captureParams, captest.Scene) {
	t.Helper()
	path, scene := writeSample(t, formatPacked, true)
	return &captureParams{global: &globalParams{}, Path: path}, scene
}

func run(t *testing.T, fn func(ctx context.Context) error) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := fn(withOutput(context.Background(), &buf))
	return buf.String(), err
}

func TestSummary(t *testing.T) {
	p, _ := capture(t)
	out, err := run(t, func(ctx context.Context) error {
		return summary(ctx, &summaryParams{captureParams: p, Top: 5})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Managed objects")
	assert.Contains(t, out, "4.5 KiB")
	assert.Contains(t, out, "Game.Item")
	assert.Contains(t, out, "Texture2D")
}

func TestObjects(t *testing.T) {
	p, _ := capture(t)
	out, err := run(t, func(ctx context.Context) error {
		return objects(ctx, &objectsParams{captureParams: p, Type: "Game.Item"})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "2 of 2 objects")

	out, err = run(t, func(ctx context.Context) error {
		return objects(ctx, &objectsParams{captureParams: p, TypeRe: `^Game\.`, Limit: 1})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 4 objects")

	_, err = run(t, func(ctx context.Context) error {
		return objects(ctx, &objectsParams{captureParams: p, TypeRe: "("})
	})
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	p, scene := capture(t)
	out, err := run(t, func(ctx context.Context) error {
		return inspectObject(ctx, &inspectParams{captureParams: p, Index: 0})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Game.Player#0")
	assert.Contains(t, out, `"hero"`)
	assert.Contains(t, out, `native: MonoBehaviour#0 "Hero"`)
	assert.Contains(t, out, "s_Main")

	out, err = run(t, func(ctx context.Context) error {
		return inspectObject(ctx, &inspectParams{captureParams: p, Index: scene.Hero, Native: true})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Orphan texture")
	assert.Contains(t, out, `root: Objects "Hero", 512 B accumulated`)

	out, err = run(t, func(ctx context.Context) error {
		return inspectObject(ctx, &inspectParams{captureParams: p, Index: scene.Player, Statics: true})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "s_Main")
	assert.Contains(t, out, fmt.Sprintf("%#x", scene.PlayerAddr))

	_, err = run(t, func(ctx context.Context) error {
		return inspectObject(ctx, &inspectParams{captureParams: p, Index: 999})
	})
	assert.ErrorIs(t, err, inspect.ErrNotFound)
}

func TestRetained(t *testing.T) {
	p, _ := capture(t)
	out, err := run(t, func(ctx context.Context) error {
		return retained(ctx, &retainedParams{captureParams: p, Limit: 10})
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Game.Player#0")
	assert.Contains(t, out, `MonoBehaviour#0 "Hero"`)
}

func TestPaths(t *testing.T) {
	p, scene := capture(t)
	_, heap, _, err := p.load(context.Background(), nil)
	require.NoError(t, err)
	item, ok := heap.ObjectAt(scene.ItemAddrs[0])
	require.True(t, ok)
	inv, ok := heap.ObjectAt(scene.InventoryAddr)
	require.True(t, ok)

	out, err := run(t, func(ctx context.Context) error {
		return paths(ctx, &pathsParams{captureParams: p, Index: item, Max: 5})
	})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("1: Game.Item#%d <- Game.Item[]#%d <- Game.Player#0\n", item, inv), out)
}

func TestConvertRoundTrip(t *testing.T) {
	in, _ := writeSample(t, formatJSON, false)
	dir := t.TempDir()
	steps := []convertParams{
		{In: in, Out: filepath.Join(dir, "a.cap"), Format: formatPacked, Zstd: true},
		{In: filepath.Join(dir, "a.cap"), Out: filepath.Join(dir, "b.json.zst"), Format: formatJSON, Zstd: true},
		{In: filepath.Join(dir, "b.json.zst"), Out: filepath.Join(dir, "c.cap"), Format: formatPacked},
	}
	for _, step := range steps {
		out, err := run(t, func(ctx context.Context) error { return convert(ctx, &step) })
		require.NoError(t, err)
		assert.Contains(t, out, "wrote "+step.Out)
	}

	want, err := heapdump.OpenFile(in)
	require.NoError(t, err)
	got, err := heapdump.OpenFile(filepath.Join(dir, "c.cap"))
	require.NoError(t, err)
	assert.Equal(t, want.Types.Names, got.Types.Names)
	assert.Equal(t, want.GCHandles.Targets, got.GCHandles.Targets)
	assert.Equal(t, want.NativeObjects.Names, got.NativeObjects.Names)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
crawler:
  link_strategies: [cached-ptr]
  ignore_bad_headers: true
server:
  page_size: 7
`), 0o644))

	cfg, err := (&globalParams{ConfigFile: path}).config()
	require.NoError(t, err)
	assert.Equal(t, []crawler.LinkStrategy{crawler.LinkByCachedPtr}, cfg.Crawler.LinkStrategies)
	assert.True(t, cfg.Crawler.IgnoreBadHeaders)
	assert.Equal(t, 7, cfg.Server.PageSize)
	assert.Equal(t, ":4041", cfg.Server.ListenAddress)
	assert.Equal(t, "UnityEngine.Object", cfg.Crawler.EngineBaseType)

	cfg, err = (&globalParams{
		ConfigFile:     path,
		LinkStrategies: []string{"instance-id"},
		ListenAddress:  "127.0.0.1:9999",
		PageSize:       3,
	}).config()
	require.NoError(t, err)
	assert.Equal(t, []crawler.LinkStrategy{crawler.LinkByInstanceID}, cfg.Crawler.LinkStrategies)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.ListenAddress)
	assert.Equal(t, 3, cfg.Server.PageSize)
}

func TestConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("crawler:\n  bogus: 1\n"), 0o644))
	_, err := (&globalParams{ConfigFile: unknown}).config()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("crawler:\n  max_value_type_depth: 0\nserver:\n  listen_address: \"\"\n"), 0o644))
	_, err = (&globalParams{ConfigFile: invalid}).config()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max value type depth")
	assert.Contains(t, err.Error(), "listen address")

	_, err = (&globalParams{ConfigFile: filepath.Join(dir, "missing.yaml")}).config()
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = (&globalParams{ConfigFile: empty}).config()
	assert.NoError(t, err)
}

func TestRunServer(t *testing.T) {
	p, _ := capture(t)
	reg := prometheus.NewRegistry()
	srv, _, _, err := p.load(context.Background(), reg)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runServer(ctx, l, srv, reg) }()

	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()
	get := func(path string) string {
		resp, err := client.Get("http://" + l.Addr().String() + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	assert.Contains(t, get("/metrics"), "snapgraph_crawler_objects_total")
	assert.Contains(t, get("/api/v1/summary"), `"gcHandles":1`)

	cancel()
	assert.NoError(t, <-errc)
}
