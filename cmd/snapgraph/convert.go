// ABOUTME: The convert command rewrites a capture as packed binary or JSON
// ABOUTME: Either output can be zstd compressed; the input format is detected

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/prateek/snapgraph/heapdump"
	"github.com/prateek/snapgraph/heapdump/packed"
	"github.com/prateek/snapgraph/snapshot"
)

const (
	formatPacked = "packed"
	formatJSON   = "json"
)

type convertParams struct {
	In     string
	Out    string
	Format string
	Zstd   bool
}

func addConvertParams(cmd *kingpin.CmdClause) *convertParams {
	p := &convertParams{}
	cmd.Arg("in", "Capture to read.").Required().ExistingFileVar(&p.In)
	cmd.Arg("out", "File to write.").Required().StringVar(&p.Out)
	cmd.Flag("format", "Output format.").Default(formatPacked).EnumVar(&p.Format, formatPacked, formatJSON)
	cmd.Flag("zstd", "Compress the output with zstd.").BoolVar(&p.Zstd)
	return p
}

func convert(ctx context.Context, p *convertParams) error {
	snap, err := heapdump.OpenFile(p.In)
	if err != nil {
		return err
	}
	f, err := os.Create(p.Out)
	if err != nil {
		return errors.Wrap(err, "creating output")
	}
	if err := writeCapture(f, snap, p.Format, p.Zstd); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", p.Out)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", p.Out)
	}

	info, err := os.Stat(p.Out)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "capture converted", "in", p.In, "out", p.Out, "format", p.Format, "zstd", p.Zstd, "bytes", info.Size())
	fmt.Fprintf(output(ctx), "wrote %s (%s, %s)\n", p.Out, p.Format, humanize.IBytes(uint64(info.Size())))
	return nil
}

func writeCapture(f *os.File, snap *snapshot.Snapshot, format string, compress bool) error {
	switch format {
	case formatPacked:
		return packed.NewEncoder(f, packed.EncoderOptions{Zstd: compress}).Encode(snap)
	case formatJSON:
		if !compress {
			return heapdump.WriteJSON(f, snap)
		}
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return err
		}
		if err := heapdump.WriteJSON(zw, snap); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	default:
		return errors.Errorf("unknown format %q", format)
	}
}
