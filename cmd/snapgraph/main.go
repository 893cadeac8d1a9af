// ABOUTME: Entry point of the snapgraph command line tool
// ABOUTME: Parses commands with kingpin and dispatches to the report, convert and serve actions

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/prateek/snapgraph"
)

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func init() {
	version.Version = snapgraph.Version
}

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Reconstruct and analyze the managed object graph of a memory capture.").UsageWriter(os.Stdout)
	app.Version(version.Print("snapgraph"))
	app.HelpFlag.Short('h')
	var verbose bool
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&verbose)
	global := addGlobalParams(app)

	summaryCmd := app.Command("summary", "Print totals and the largest types of a capture.")
	summaryParams := addSummaryParams(summaryCmd, global)

	objectsCmd := app.Command("objects", "List managed objects, optionally filtered by type.")
	objectsParams := addObjectsParams(objectsCmd, global)

	inspectCmd := app.Command("inspect", "Show the fields, references and referrers of one object.")
	inspectParams := addInspectParams(inspectCmd, global)

	retainedCmd := app.Command("retained", "List the objects retaining the most memory.")
	retainedParams := addRetainedParams(retainedCmd, global)

	pathsCmd := app.Command("paths", "Show referrer chains from an object to the roots.")
	pathsParams := addPathsParams(pathsCmd, global)

	convertCmd := app.Command("convert", "Rewrite a capture in another format.")
	convertParams := addConvertParams(convertCmd)

	serveCmd := app.Command("serve", "Serve the inspector API and metrics over HTTP.")
	serveParams := addServeParams(serveCmd, global)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	var err error
	switch parsedCmd {
	case summaryCmd.FullCommand():
		err = summary(ctx, summaryParams)
	case objectsCmd.FullCommand():
		err = objects(ctx, objectsParams)
	case inspectCmd.FullCommand():
		err = inspectObject(ctx, inspectParams)
	case retainedCmd.FullCommand():
		err = retained(ctx, retainedParams)
	case pathsCmd.FullCommand():
		err = paths(ctx, pathsParams)
	case convertCmd.FullCommand():
		err = convert(ctx, convertParams)
	case serveCmd.FullCommand():
		err = serve(ctx, serveParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
