// ABOUTME: Text reports over a crawled capture: summary, objects, inspect, retained and paths
// ABOUTME: Tables are rendered with tablewriter and sizes with go-humanize

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/prateek/snapgraph/inspect"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	return table
}

func bytesOf[T int64 | uint64](n T) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

type summaryParams struct {
	*captureParams
	Top int
}

func addSummaryParams(cmd *kingpin.CmdClause, global *globalParams) *summaryParams {
	p := &summaryParams{captureParams: addCaptureParams(cmd, global)}
	cmd.Flag("top", "Number of managed and native types to list.").Default("10").IntVar(&p.Top)
	return p
}

func summary(ctx context.Context, p *summaryParams) error {
	_, heap, _, err := p.load(ctx, nil)
	if err != nil {
		return err
	}
	w := output(ctx)
	s := inspect.Summarize(heap)

	table := newTable(w, "Metric", "Value")
	table.AppendBulk([][]string{
		{"Types", humanize.Comma(int64(s.Types))},
		{"Fields", humanize.Comma(int64(s.Fields))},
		{"GC handles", humanize.Comma(int64(s.GCHandles))},
		{"Managed objects", humanize.Comma(int64(s.ManagedObjects))},
		{"Distinct objects", humanize.Comma(int64(s.DistinctObjects))},
		{"Managed size", bytesOf(s.ManagedSize)},
		{"Native objects", humanize.Comma(int64(s.NativeObjects))},
		{"Native size", bytesOf(s.NativeSize)},
		{"Linked natives", humanize.Comma(int64(s.LinkedNatives))},
		{"Connections", humanize.Comma(int64(s.Connections))},
		{"Duplicate handles", strconv.Itoa(s.Stats.DuplicateHandles)},
		{"Unresolved headers", strconv.Itoa(s.Stats.UnresolvedHeaders)},
	})
	table.Render()

	for _, section := range []struct {
		title string
		stats []inspect.TypeStat
	}{
		{"Managed types", inspect.TypeStats(heap)},
		{"Native types", inspect.NativeTypeStats(heap)},
	} {
		fmt.Fprintf(w, "\n%s\n", section.title)
		table := newTable(w, "Type", "Count", "Total size")
		table.AppendBulk(lo.Map(lo.Slice(section.stats, 0, p.Top), func(st inspect.TypeStat, _ int) []string {
			return []string{st.Type, humanize.Comma(st.Count), bytesOf(st.TotalSize)}
		}))
		table.Render()
	}
	return nil
}

type objectsParams struct {
	*captureParams
	Type   string
	TypeRe string
	Limit  int
}

func addObjectsParams(cmd *kingpin.CmdClause, global *globalParams) *objectsParams {
	p := &objectsParams{captureParams: addCaptureParams(cmd, global)}
	cmd.Flag("type", "Only list objects of exactly this type.").StringVar(&p.Type)
	cmd.Flag("type-re", "Only list objects whose type matches this regexp.").StringVar(&p.TypeRe)
	cmd.Flag("limit", "Maximum number of objects to list; 0 lists all.").Default("50").IntVar(&p.Limit)
	return p
}

func objects(ctx context.Context, p *objectsParams) error {
	filter, err := inspect.NewFilter(p.Type, p.TypeRe)
	if err != nil {
		return err
	}
	srv, _, _, err := p.load(ctx, nil)
	if err != nil {
		return err
	}
	all := srv.Objects(filter)
	shown := all
	if p.Limit > 0 {
		shown = lo.Slice(all, 0, p.Limit)
	}

	w := output(ctx)
	table := newTable(w, "Index", "Type", "Address", "Size")
	table.AppendBulk(lo.Map(shown, func(o inspect.Object, _ int) []string {
		return []string{strconv.Itoa(int(o.Index)), o.Type, o.Address, bytesOf(o.Size)}
	}))
	table.Render()
	fmt.Fprintf(w, "%d of %d objects\n", len(shown), len(all))
	return nil
}

type inspectParams struct {
	*captureParams
	Index   int32
	Native  bool
	Statics bool
}

func addInspectParams(cmd *kingpin.CmdClause, global *globalParams) *inspectParams {
	p := &inspectParams{captureParams: addCaptureParams(cmd, global)}
	cmd.Arg("index", "Managed object index, or native object index with --native, or type row with --statics.").Required().Int32Var(&p.Index)
	cmd.Flag("native", "Index names a native object.").BoolVar(&p.Native)
	cmd.Flag("statics", "Index names a type; show its static fields.").BoolVar(&p.Statics)
	return p
}

func inspectObject(ctx context.Context, p *inspectParams) error {
	srv, _, _, err := p.load(ctx, nil)
	if err != nil {
		return err
	}
	lookup := srv.ObjectDetails
	switch {
	case p.Native:
		lookup = srv.NativeDetails
	case p.Statics:
		lookup = srv.StaticDetails
	}
	d, err := lookup(p.Index)
	if err != nil {
		return err
	}

	w := output(ctx)
	fmt.Fprintf(w, "%s %s", d.Kind, describe(d.Object))
	if d.Address != "" {
		fmt.Fprintf(w, " at %s", d.Address)
	}
	fmt.Fprintf(w, ", size %s, retained %s\n", bytesOf(d.Size), bytesOf(d.Retained))
	if d.Native != nil {
		fmt.Fprintf(w, "native: %s\n", describe(*d.Native))
	}
	if r := d.RootReference; r != nil {
		fmt.Fprintf(w, "root: %s %q, %s accumulated\n", r.Area, r.Object, bytesOf(r.AccumulatedSize))
	}
	if d.Ranks != "" {
		fmt.Fprintf(w, "length %d [%s]\n", d.Length, d.Ranks)
	}

	if rows := fieldRows(append(d.Fields, d.Elements...), ""); len(rows) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, "Field", "Type", "Value")
		table.AppendBulk(rows)
		table.Render()
	}
	for _, section := range []struct {
		title string
		refs  []inspect.Reference
	}{
		{"References", d.References},
		{"Referrers", d.Referrers},
	} {
		fmt.Fprintf(w, "\n%s (%d)\n", section.title, len(section.refs))
		if len(section.refs) == 0 {
			continue
		}
		table := newTable(w, "Via", "Kind", "Object", "Size")
		table.AppendBulk(lo.Map(section.refs, func(r inspect.Reference, _ int) []string {
			return []string{r.Via, r.Object.Kind, describe(r.Object), bytesOf(r.Object.Size)}
		}))
		table.Render()
	}
	return nil
}

// fieldRows flattens nested value fields, indenting their names.
func fieldRows(fields []*inspect.Field, indent string) [][]string {
	var rows [][]string
	for _, f := range fields {
		value := f.Value
		if f.Pointer != "" {
			value = strings.TrimSpace(f.Pointer + " " + f.Value)
		}
		rows = append(rows, []string{indent + f.Name, f.Type, value})
		rows = append(rows, fieldRows(f.Fields, indent+"  ")...)
	}
	return rows
}

// describe names an object the way every report prints it: type, index
// and, for native objects, the name.
func describe(o inspect.Object) string {
	s := o.Type
	if o.Index >= 0 {
		s = fmt.Sprintf("%s#%d", s, o.Index)
	}
	if o.Name != "" {
		s = fmt.Sprintf("%s %q", s, o.Name)
	}
	return s
}

type retainedParams struct {
	*captureParams
	Limit int
}

func addRetainedParams(cmd *kingpin.CmdClause, global *globalParams) *retainedParams {
	p := &retainedParams{captureParams: addCaptureParams(cmd, global)}
	cmd.Flag("limit", "Number of objects to list.").Default("20").IntVar(&p.Limit)
	return p
}

func retained(ctx context.Context, p *retainedParams) error {
	srv, _, _, err := p.load(ctx, nil)
	if err != nil {
		return err
	}
	table := newTable(output(ctx), "Kind", "Object", "Size", "Retained")
	table.AppendBulk(lo.Map(srv.TopRetained(p.Limit), func(o inspect.Object, _ int) []string {
		return []string{o.Kind, describe(o), bytesOf(o.Size), bytesOf(o.Retained)}
	}))
	table.Render()
	return nil
}

type pathsParams struct {
	*captureParams
	Index int32
	Max   int
}

func addPathsParams(cmd *kingpin.CmdClause, global *globalParams) *pathsParams {
	p := &pathsParams{captureParams: addCaptureParams(cmd, global)}
	cmd.Arg("index", "Managed object index.").Required().Int32Var(&p.Index)
	cmd.Flag("max", "Maximum number of paths to print.").Default("5").IntVar(&p.Max)
	return p
}

func paths(ctx context.Context, p *pathsParams) error {
	srv, _, _, err := p.load(ctx, nil)
	if err != nil {
		return err
	}
	found, err := srv.Paths(p.Index, p.Max)
	if err != nil {
		return err
	}
	w := output(ctx)
	if len(found) == 0 {
		fmt.Fprintln(w, "unreachable from any root")
		return nil
	}
	for i, path := range found {
		fmt.Fprintf(w, "%d: %s\n", i+1, strings.Join(lo.Map(path, func(o inspect.Object, _ int) string {
			return describe(o)
		}), " <- "))
	}
	return nil
}
