// ABOUTME: Five-stage resumable crawl that rebuilds the managed object graph
// ABOUTME: Chases pointers through captured memory using type metadata for layout

// Package crawler reconstructs the managed object graph of a snapshot: every
// object reachable from GC handles and static fields, the references between
// them and the links between managed wrappers and native objects.
//
// A crawl runs as an explicit state machine. Each call to Step runs one stage
// to completion and reports progress; Run drives all stages.
package crawler

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

// Stage is one step of a crawl.
type Stage int

const (
	StageGatherRoots Stage = iota
	StageCrawlHandles
	StageCrawlStaticRoots
	StageCrawlStatics
	StageFinalize
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageGatherRoots:
		return "gather-roots"
	case StageCrawlHandles:
		return "crawl-handles"
	case StageCrawlStaticRoots:
		return "crawl-static-roots"
	case StageCrawlStatics:
		return "crawl-statics"
	case StageFinalize:
		return "finalize"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Progress is reported after every stage.
type Progress struct {
	Completed   Stage
	Next        Stage
	Objects     int
	Connections int
	Pending     int
	Elapsed     time.Duration
}

// headerDumpBytes is how much of an unresolved header is logged.
const headerDumpBytes = 32

// Crawler crawls one snapshot once. Its state is not safe for concurrent use;
// start a new Crawler for every crawl.
type Crawler struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics
	snap    *snapshot.Snapshot
	sizer   Sizer

	stage Stage
	heap  *ManagedHeap
	stack []pending
	start time.Time
}

// New prepares a crawl of snap. A nil logger discards logs and nil metrics
// are replaced by unregistered collectors.
func New(snap *snapshot.Snapshot, cfg Config, logger log.Logger, metrics *Metrics) (*Crawler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid crawler config")
	}
	if err := snap.Init(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	sizer := NewSizer(snap, cfg.StringType)
	return &Crawler{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		snap:    snap,
		sizer:   sizer,
		heap:    newManagedHeap(snap, sizer),
	}, nil
}

// Crawl runs a complete crawl of snap with default metrics.
func Crawl(ctx context.Context, snap *snapshot.Snapshot, cfg Config, logger log.Logger) (*ManagedHeap, error) {
	c, err := New(snap, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, nil)
}

// Stage is the stage the next Step will run.
func (c *Crawler) Stage() Stage { return c.stage }

// Done reports whether every stage has run.
func (c *Crawler) Done() bool { return c.stage == StageDone }

// Heap returns the crawl result once the crawl is done, nil before.
func (c *Crawler) Heap() *ManagedHeap {
	if !c.Done() {
		return nil
	}
	return c.heap
}

// Run drives every remaining stage, calling onProgress after each one. The
// context is checked between stages only.
func (c *Crawler) Run(ctx context.Context, onProgress func(Progress)) (*ManagedHeap, error) {
	for !c.Done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := c.Step()
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return c.heap, nil
}

// Step runs the current stage to completion and advances to the next.
func (c *Crawler) Step() (Progress, error) {
	if c.Done() {
		return c.progress(StageDone, 0), nil
	}
	if c.stage == StageGatherRoots {
		c.start = time.Now()
	}
	stage := c.stage
	begin := time.Now()
	level.Debug(c.logger).Log("msg", "crawl stage starting", "stage", stage)

	var err error
	switch stage {
	case StageGatherRoots:
		c.gatherRoots()
	case StageCrawlHandles, StageCrawlStatics:
		err = c.pump()
	case StageCrawlStaticRoots:
		err = c.crawlStaticRoots()
	case StageFinalize:
		c.finalize()
	}
	if err != nil {
		return Progress{}, errors.Wrapf(err, "crawl stage %s", stage)
	}

	elapsed := time.Since(begin)
	c.metrics.stageDuration.WithLabelValues(stage.String()).Observe(elapsed.Seconds())
	c.stage++
	p := c.progress(stage, elapsed)
	level.Debug(c.logger).Log("msg", "crawl stage done", "stage", stage, "objects", p.Objects, "connections", p.Connections, "pending", p.Pending, "duration", elapsed)
	if c.Done() {
		level.Info(c.logger).Log(
			"msg", "crawl complete",
			"objects", len(c.heap.Objects),
			"distinct", c.heap.DistinctObjects(),
			"connections", len(c.heap.Connections),
			"unresolved_headers", c.heap.Stats.UnresolvedHeaders,
			"duration", time.Since(c.start),
		)
	}
	return p, nil
}

func (c *Crawler) progress(completed Stage, elapsed time.Duration) Progress {
	return Progress{
		Completed:   completed,
		Next:        c.stage,
		Objects:     len(c.heap.Objects),
		Connections: len(c.heap.Connections),
		Pending:     len(c.stack),
		Elapsed:     elapsed,
	}
}

// gatherRoots creates one entry per GC handle and queues every live target.
func (c *Crawler) gatherRoots() {
	h := c.heap
	handles := c.snap.GCHandles.Targets
	// Scratch dedupe set, dropped when the stage ends.
	firstClaim := make(map[uint64]int32, len(handles))
	for i, target := range handles {
		o := ManagedObject{Address: target, TypeIndex: -1, NativeIndex: -1, ManagedIndex: int32(i), DuplicateOf: -1}
		switch first, seen := firstClaim[target]; {
		case target == 0:
			h.Stats.EmptyHandles++
			level.Warn(c.logger).Log("msg", "empty gc handle", "handle", i)
		case seen:
			o.DuplicateOf = first
			h.Stats.DuplicateHandles++
			level.Warn(c.logger).Log("msg", "duplicate gc handle", "handle", i, "target", fmt.Sprintf("%#x", target), "first", first)
		default:
			firstClaim[target] = int32(i)
			h.byAddress.Put(target, int32(i))
		}
		h.Objects = append(h.Objects, o)
	}
	c.metrics.objects.Add(float64(len(handles)))

	// Push in reverse so handles are crawled in order. Duplicates are queued
	// too: every handle contributes one root edge to its target.
	for i := len(handles) - 1; i >= 0; i-- {
		if handles[i] != 0 {
			c.push(pending{ptr: handles[i], fromObject: -1, fromType: -1, field: -1, arrayIndex: -1})
		}
	}
}

// crawlStaticRoots scans the static field blob of every type that has one.
func (c *Crawler) crawlStaticRoots() error {
	types := &c.snap.Types
	for t := int32(0); int(t) < types.Count(); t++ {
		if len(types.StaticFieldBytes[t]) == 0 {
			continue
		}
		c.heap.TypesWithStaticFields = append(c.heap.TypesWithStaticFields, t)
		// Pushed in reverse for the same ordering reason as roots.
		mark := len(c.stack)
		if err := c.crawlFields(c.snap.StaticCursor(t), t, true, -1, t, 0); err != nil {
			return err
		}
		reverse(c.stack[mark:])
	}
	return nil
}

// pump drains the work stack.
func (c *Crawler) pump() error {
	for len(c.stack) > 0 {
		p := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		if err := c.crawlPointer(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) push(p pending) {
	c.stack = append(c.stack, p)
	c.heap.Stats.Pushes++
	c.metrics.pushes.Inc()
}

// crawlPointer resolves one queued pointer, records the edge that reached it
// and expands the object the first time it is seen.
func (c *Crawler) crawlPointer(p pending) error {
	cur, ok := c.snap.Find(p.ptr)
	if !ok {
		return nil
	}
	idx, fresh := c.objectAt(p.ptr, cur)
	c.connect(p, idx)

	obj := &c.heap.Objects[idx]
	if !fresh || !obj.Known() {
		return nil
	}
	mark := len(c.stack)
	var err error
	if c.snap.Types.Flags[obj.TypeIndex].IsArray() {
		err = c.crawlArray(idx)
	} else {
		err = c.crawlFields(obj.Data.Add(c.snap.Layout.ObjectHeaderSize), obj.TypeIndex, false, idx, -1, 0)
	}
	reverse(c.stack[mark:])
	return err
}

// objectAt returns the entry for the object at addr, creating or parsing it
// as needed. fresh reports whether the object still has to be expanded.
func (c *Crawler) objectAt(addr uint64, cur memory.Cursor) (idx int32, fresh bool) {
	h := c.heap
	if i, ok := h.byAddress.Get(addr); ok {
		o := &h.Objects[i]
		if o.crawled {
			return i, false
		}
		c.parseHeader(o, cur)
		return i, true
	}
	idx = int32(len(h.Objects))
	h.Objects = append(h.Objects, ManagedObject{Address: addr, NativeIndex: -1, ManagedIndex: idx, DuplicateOf: -1})
	h.byAddress.Put(addr, idx)
	c.metrics.objects.Inc()
	c.parseHeader(&h.Objects[idx], cur)
	return idx, true
}

// ResolveType resolves the identity pointer at the start of an object to a
// type row. When the pointer is not a known type-info address it is followed
// exactly once more before the object is declared unknown.
func ResolveType(snap *snapshot.Snapshot, cur memory.Cursor) (typeIndex int32, typeInfo uint64, ok bool) {
	ident, err := cur.ReadPointer()
	if err != nil {
		return -1, 0, false
	}
	if t, found := snap.Types.IndexByTypeInfo(ident); found {
		return t, ident, true
	}
	ic, found := snap.Find(ident)
	if !found {
		return -1, 0, false
	}
	next, err := ic.ReadPointer()
	if err != nil {
		return -1, 0, false
	}
	if t, found := snap.Types.IndexByTypeInfo(next); found {
		return t, next, true
	}
	return -1, 0, false
}

func (c *Crawler) parseHeader(o *ManagedObject, cur memory.Cursor) {
	o.crawled = true
	o.Data = cur
	t, ident, ok := ResolveType(c.snap, cur)
	if !ok {
		o.TypeIndex, o.TypeInfo, o.Size = -1, 0, 0
		c.heap.Stats.UnresolvedHeaders++
		c.metrics.unresolvedHeaders.Inc()
		if !c.cfg.IgnoreBadHeaders {
			level.Warn(c.logger).Log("msg", "unresolved object header", "address", fmt.Sprintf("%#x", o.Address), "header", headerDump(cur))
		}
		return
	}
	o.TypeIndex = t
	o.TypeInfo = ident
	o.Size = c.sizer.SizeOf(t, cur)
}

func headerDump(cur memory.Cursor) string {
	n := cur.Remaining()
	if n > headerDumpBytes {
		n = headerDumpBytes
	}
	b, err := cur.Bytes(n)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// connect records the edge that led the crawl to object idx.
func (c *Crawler) connect(p pending, idx int32) {
	conn := Connection{Kind: p.kind(), From: -1, To: idx, Field: p.field, ArrayIndex: p.arrayIndex}
	switch conn.Kind {
	case ObjectToObject:
		conn.From = p.fromObject
	case TypeToObject:
		conn.From = p.fromType
	}
	c.heap.Connections = append(c.heap.Connections, conn)
	c.metrics.connections.Inc()
}

// crawlArray expands the elements of array idx. Value-type elements are
// scanned inline; reference elements are queued with their slot index.
func (c *Crawler) crawlArray(idx int32) error {
	obj := &c.heap.Objects[idx]
	t := obj.TypeIndex
	elem := c.snap.Types.Element(t)
	if elem < 0 {
		return nil
	}
	length := c.sizer.ArrayLength(t, obj.Data)
	data := obj.Data.Add(c.snap.Layout.ArrayHeaderSize)
	isValue := c.snap.Types.Flags[elem].IsValueType()
	stride := c.snap.Layout.PointerSize
	if isValue {
		stride = int(c.snap.Types.Sizes[elem])
	}
	// Elements without a positive size occupy no captured bytes, so none are scanned.
	limit := int64(0)
	if stride > 0 {
		limit = int64(data.Remaining() / stride)
	}
	if length > limit {
		level.Debug(c.logger).Log("msg", "array length exceeds section", "address", fmt.Sprintf("%#x", obj.Address), "length", length, "limit", limit, "stride", stride)
		c.heap.Stats.ClampedArrays++
		length = limit
	}

	for i := int64(0); i < length; i++ {
		if isValue {
			if err := c.crawlFields(data, elem, false, idx, -1, 0); err != nil {
				return err
			}
			data = data.Add(stride)
			continue
		}
		ptr, err := data.ReadPointer()
		if err != nil {
			return nil
		}
		c.push(pending{ptr: ptr, fromObject: idx, fromType: -1, field: -1, arrayIndex: int32(i)})
		data = data.NextPointer()
	}
	return nil
}

// crawlFields scans the fields of type t laid out at cur. Instance field
// offsets include the object header and are rebased; static offsets index
// the static blob directly. Value-type fields are scanned in place.
func (c *Crawler) crawlFields(cur memory.Cursor, t int32, static bool, fromObject, fromType int32, depth int) error {
	if depth > c.cfg.MaxValueTypeDepth {
		return errors.Wrapf(snapshot.ErrCorrupt, "type %q: value type nesting deeper than %d", c.snap.Types.Names[t], c.cfg.MaxValueTypeDepth)
	}
	types, fields := &c.snap.Types, &c.snap.Fields
	list := types.InstanceFields(t)
	if static {
		list = types.OwnedStaticFields(t)
	}
	for _, f := range list {
		ft := fields.TypeIndex[f]
		if ft < 0 || int(ft) >= types.Count() {
			return errors.Wrapf(snapshot.ErrCorrupt, "field %q: type %d out of range", fields.Names[f], ft)
		}
		off := int(fields.Offsets[f])
		if !static {
			off -= c.snap.Layout.ObjectHeaderSize
		}
		loc := cur.Add(off)
		if types.Flags[ft].IsValueType() {
			// Nested value-type fields are instance fields of the value type.
			if err := c.crawlFields(loc, ft, false, fromObject, fromType, depth+1); err != nil {
				return err
			}
			continue
		}
		ptr, err := loc.ReadPointer()
		if err != nil {
			continue
		}
		c.push(pending{ptr: ptr, fromObject: fromObject, fromType: fromType, field: f, arrayIndex: -1})
	}
	return nil
}

// finalize back-fills duplicate handles, links native objects, then derives
// reference counts and indices from the complete edge set.
func (c *Crawler) finalize() {
	h := c.heap
	for i := range h.Objects {
		o := &h.Objects[i]
		if o.DuplicateOf < 0 {
			continue
		}
		canonical := h.Objects[o.DuplicateOf]
		o.TypeInfo = canonical.TypeInfo
		o.TypeIndex = canonical.TypeIndex
		o.Size = canonical.Size
		o.Data = canonical.Data
		o.crawled = canonical.crawled
	}
	c.linkNative()
	for i := range h.Objects {
		if d := h.Objects[i].DuplicateOf; d >= 0 {
			h.Objects[i].NativeIndex = h.Objects[d].NativeIndex
		}
	}
	h.buildIndex()
	h.countReferences()
	h.sortByAddress()
}

func reverse(s []pending) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
