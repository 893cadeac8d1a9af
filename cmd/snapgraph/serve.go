// ABOUTME: The serve command exposes the inspector API and Prometheus metrics
// ABOUTME: The HTTP server and the signal watcher run in one errgroup

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/prateek/snapgraph/inspect"
)

type serveParams struct {
	*captureParams
}

func addServeParams(cmd *kingpin.CmdClause, global *globalParams) *serveParams {
	p := &serveParams{captureParams: addCaptureParams(cmd, global)}
	cmd.Flag("server.listen-address", "Address to serve on; overrides the config file.").StringVar(&global.ListenAddress)
	cmd.Flag("server.page-size", "Default page size of list endpoints; overrides the config file.").IntVar(&global.PageSize)
	return p
}

func serve(ctx context.Context, p *serveParams) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv, _, cfg, err := p.load(ctx, reg)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", cfg.Server.ListenAddress)
	}
	return runServer(ctx, l, srv, reg)
}

// runServer serves the API and /metrics on l until ctx is done or the
// process receives SIGINT or SIGTERM.
func runServer(ctx context.Context, l net.Listener, srv *inspect.Server, reg *prometheus.Registry) error {
	router := mux.NewRouter()
	srv.Register(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return inspect.Serve(gctx, l, router, logger)
	})
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			level.Info(logger).Log("msg", "shutting down", "signal", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	return g.Wait()
}
