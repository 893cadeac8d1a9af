// ABOUTME: Loads and crawls a capture file for the report and serve commands
// ABOUTME: Crawl progress is logged per stage at debug level

package main

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/prateek/snapgraph/crawler"
	"github.com/prateek/snapgraph/heapdump"
	_ "github.com/prateek/snapgraph/heapdump/packed"
	"github.com/prateek/snapgraph/inspect"
)

// captureParams names the capture a command works on.
type captureParams struct {
	global *globalParams
	Path   string
}

func addCaptureParams(cmd *kingpin.CmdClause, global *globalParams) *captureParams {
	p := &captureParams{global: global}
	cmd.Arg("capture", "Capture file, JSON or packed, optionally zstd compressed.").Required().ExistingFileVar(&p.Path)
	return p
}

// load opens, crawls and wraps the capture in a query server. Crawl metrics
// go to reg when it is not nil.
func (p *captureParams) load(ctx context.Context, reg prometheus.Registerer) (*inspect.Server, *crawler.ManagedHeap, fileConfig, error) {
	cfg, err := p.global.config()
	if err != nil {
		return nil, nil, cfg, err
	}

	start := time.Now()
	snap, err := heapdump.OpenFile(p.Path)
	if err != nil {
		return nil, nil, cfg, err
	}
	level.Debug(logger).Log("msg", "capture loaded", "path", p.Path, "types", snap.Types.Count(), "duration", time.Since(start))

	c, err := crawler.New(snap, cfg.Crawler, logger, crawler.NewMetrics(reg))
	if err != nil {
		return nil, nil, cfg, errors.Wrap(err, "starting crawl")
	}
	heap, err := c.Run(ctx, func(pr crawler.Progress) {
		level.Debug(logger).Log("msg", "crawl stage done", "stage", pr.Completed, "objects", pr.Objects, "connections", pr.Connections, "elapsed", pr.Elapsed)
	})
	if err != nil {
		return nil, nil, cfg, errors.Wrapf(err, "crawling %s", p.Path)
	}

	srv, err := inspect.New(cfg.Server, heap, logger)
	if err != nil {
		return nil, nil, cfg, err
	}
	return srv, heap, cfg, nil
}
