// ABOUTME: HTTP inspector serving a crawled capture as a JSON API
// ABOUTME: Routes cover summaries, type statistics, objects, referrers, root paths and retained sizes

// Package inspect exposes a crawled capture over HTTP.
//
// Every handler answers from the immutable crawl result, so requests never
// contend with each other. The dominator tree behind retained sizes and the
// object graph behind root paths are built on first use.
package inspect

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/prateek/snapgraph/crawler"
	"github.com/prateek/snapgraph/graph"
	"github.com/prateek/snapgraph/objectdata"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned for indices that name nothing in the capture.
var ErrNotFound = errors.New("not found")

const (
	defaultMaxPaths = 5
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg    Config
	logger log.Logger
	heap   *crawler.ManagedHeap
	view   *objectdata.View

	graphOnce sync.Once
	graph     *graph.MemGraph
	retained  []uint64
}

func New(cfg Config, heap *crawler.ManagedHeap, logger log.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid inspector config")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		heap:   heap,
		view:   objectdata.NewView(heap),
	}, nil
}

// Register adds the API routes to r.
func (s *Server) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/summary", s.SummaryHandler).Methods(http.MethodGet)
	api.HandleFunc("/types", s.TypesHandler).Methods(http.MethodGet)
	api.HandleFunc("/types/{index:[0-9]+}/statics", s.StaticsHandler).Methods(http.MethodGet)
	api.HandleFunc("/roots", s.RootsHandler).Methods(http.MethodGet)
	api.HandleFunc("/objects", s.ObjectsHandler).Methods(http.MethodGet)
	api.HandleFunc("/objects/{index:[0-9]+}", s.ObjectHandler).Methods(http.MethodGet)
	api.HandleFunc("/objects/{index:[0-9]+}/paths", s.PathsHandler).Methods(http.MethodGet)
	api.HandleFunc("/natives", s.NativesHandler).Methods(http.MethodGet)
	api.HandleFunc("/natives/types", s.NativeTypesHandler).Methods(http.MethodGet)
	api.HandleFunc("/natives/{index:[0-9]+}", s.NativeHandler).Methods(http.MethodGet)
	api.HandleFunc("/retained", s.RetainedHandler).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

// ListenAndServe serves the API on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.cfg.ListenAddress)
	}
	return Serve(ctx, l, s.Handler(), s.logger)
}

// Serve runs handler on l until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, l net.Listener, handler http.Handler, logger log.Logger) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()
	level.Info(logger).Log("msg", "serving", "addr", l.Addr().String())

	select {
	case err := <-errc:
		return errors.Wrap(err, "serving")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down")
	}
	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serving")
	}
	return nil
}

func (s *Server) analysis() (*graph.MemGraph, []uint64) {
	s.graphOnce.Do(func() {
		start := time.Now()
		s.graph = graph.FromHeap(s.heap)
		s.retained = graph.RetainedSize(s.graph)
		level.Info(s.logger).Log("msg", "built dominator tree", "nodes", s.graph.NumNodes(), "duration", time.Since(start))
	})
	return s.graph, s.retained
}

func (s *Server) retainedSize(unified int32) uint64 {
	_, retained := s.analysis()
	id := graph.FromUnified(unified)
	if int(id) >= len(retained) {
		return 0
	}
	return retained[id]
}

func (s *Server) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, Summarize(s.heap))
}

func (s *Server) TypesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeStats(w, r, TypeStats(s.heap))
}

func (s *Server) NativeTypesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeStats(w, r, NativeTypeStats(s.heap))
}

func (s *Server) writeStats(w http.ResponseWriter, r *http.Request, stats []TypeStat) {
	items, err := pagination(stats, r, s.cfg.PageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, Page[TypeStat]{Total: len(stats), Items: items})
}

// curl "http://localhost:4041/api/v1/objects?type_re=^Game\.&offset=10&limit=10"
func (s *Server) ObjectsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	level.Debug(s.logger).Log("msg", "listing objects", "query", r.URL.RawQuery)
	s.writePage(w, r, s.Objects(filter))
}

func (s *Server) NativesHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writePage(w, r, s.Natives(filter))
}

func (s *Server) RootsHandler(w http.ResponseWriter, r *http.Request) {
	s.writePage(w, r, s.Roots())
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, all []Object) {
	items, err := pagination(all, r, s.cfg.PageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if items == nil {
		items = []Object{}
	}
	writeJSON(w, Page[Object]{Total: len(all), Items: items})
}

func (s *Server) ObjectHandler(w http.ResponseWriter, r *http.Request) {
	s.writeDetails(w, r, s.ObjectDetails)
}

func (s *Server) NativeHandler(w http.ResponseWriter, r *http.Request) {
	s.writeDetails(w, r, s.NativeDetails)
}

func (s *Server) StaticsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeDetails(w, r, s.StaticDetails)
}

func (s *Server) writeDetails(w http.ResponseWriter, r *http.Request, lookup func(int32) (ObjectWithDetails, error)) {
	i, err := indexFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := lookup(i)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, out)
}

// curl "http://localhost:4041/api/v1/objects/3/paths?max=10"
func (s *Server) PathsHandler(w http.ResponseWriter, r *http.Request) {
	i, err := indexFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxPaths := defaultMaxPaths
	if v := r.URL.Query().Get("max"); v != "" {
		if maxPaths, err = strconv.Atoi(v); err != nil || maxPaths <= 0 {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid max %q", v))
			return
		}
	}
	paths, err := s.Paths(i, maxPaths)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, paths)
}

func (s *Server) RetainedHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.PageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid limit %q", v))
			return
		}
	}
	writeJSON(w, s.TopRetained(limit))
}

// Objects lists the distinct managed objects accepted by filter in crawl
// order. Duplicate handle entries and unresolved headers are left out.
func (s *Server) Objects(filter Filter[Object]) []Object {
	var out []Object
	for i := range s.heap.Objects {
		if s.heap.Objects[i].DuplicateOf >= 0 {
			continue
		}
		d := s.view.FromManagedIndex(int32(i))
		if !d.Valid() {
			continue
		}
		if o := s.object(d); filter.Filter(o) {
			out = append(out, o)
		}
	}
	return out
}

func (s *Server) Natives(filter Filter[Object]) []Object {
	var out []Object
	for i := 0; i < s.heap.NativeCount(); i++ {
		if o := s.object(s.view.FromNativeIndex(int32(i))); filter.Filter(o) {
			out = append(out, o)
		}
	}
	return out
}

// Roots lists the targets of the GC handles.
func (s *Server) Roots() []Object {
	var out []Object
	for _, d := range s.view.ConnectingFrom(objectdata.Global()) {
		out = append(out, s.object(d))
	}
	return out
}

func (s *Server) ObjectDetails(i int32) (ObjectWithDetails, error) {
	d := s.view.FromManagedIndex(i)
	if !d.Valid() {
		return ObjectWithDetails{}, errors.Wrapf(ErrNotFound, "managed object %d", i)
	}
	return s.details(d), nil
}

func (s *Server) NativeDetails(i int32) (ObjectWithDetails, error) {
	d := s.view.FromNativeIndex(i)
	if !d.Valid() {
		return ObjectWithDetails{}, errors.Wrapf(ErrNotFound, "native object %d", i)
	}
	return s.details(d), nil
}

// StaticDetails describes the static fields of type row t.
func (s *Server) StaticDetails(t int32) (ObjectWithDetails, error) {
	d := s.view.FromManagedType(t)
	if !d.Valid() {
		return ObjectWithDetails{}, errors.Wrapf(ErrNotFound, "type %d", t)
	}
	return s.details(d), nil
}

// Paths finds up to maxPaths referrer chains from managed object i to a
// root, shortest first. Each path starts at the object and ends at a root.
func (s *Server) Paths(i int32, maxPaths int) ([][]Object, error) {
	d := s.view.FromManagedIndex(i)
	if !d.Valid() {
		return nil, errors.Wrapf(ErrNotFound, "managed object %d", i)
	}
	g, _ := s.analysis()
	paths := graph.PathsToRoots(g, graph.FromUnified(s.view.UnifiedIndex(d)), maxPaths)
	out := make([][]Object, 0, len(paths))
	for _, p := range paths {
		objs := make([]Object, 0, len(p.IDs))
		for _, id := range p.IDs {
			objs = append(objs, s.object(s.view.FromUnifiedIndex(id.Unified())))
		}
		out = append(out, objs)
	}
	return out, nil
}

// TopRetained lists the n objects with the largest retained size.
func (s *Server) TopRetained(n int) []Object {
	_, retained := s.analysis()
	top := graph.TopRetainers(retained, n)
	out := make([]Object, 0, len(top))
	for _, t := range top {
		out = append(out, s.object(s.view.FromUnifiedIndex(t.ID.Unified())))
	}
	return out
}

func (s *Server) details(d objectdata.Descriptor) ObjectWithDetails {
	out := ObjectWithDetails{
		Object:     s.object(d),
		References: []Reference{},
		Referrers:  []Reference{},
	}
	switch d.Kind() {
	case objectdata.KindObject, objectdata.KindBoxedValue:
		for _, f := range s.view.Fields(d) {
			out.Fields = append(out.Fields, s.field(f, 0))
		}
	case objectdata.KindType:
		for _, f := range s.view.StaticFields(d) {
			out.Fields = append(out.Fields, s.field(f, 0))
		}
	case objectdata.KindArray:
		if ai, ok := s.view.ArrayInfo(d); ok {
			out.Length = ai.Length
			out.Ranks = ai.RankString()
			n := min(ai.Length, int64(s.cfg.PageSize))
			for i := int64(0); i < n; i++ {
				out.Elements = append(out.Elements, s.field(s.view.ArrayElement(d, i, true), 0))
			}
		}
	}
	if n := s.view.LinkedNative(d); n.Valid() {
		native := s.object(n)
		out.Native = &native
	}
	if d.IsNative() {
		snap := s.heap.Snapshot()
		if row, ok := snap.RootReference(d.NativeIndex()); ok {
			refs := &snap.NativeRootReferences
			out.RootReference = &RootReference{
				Area:            refs.AreaNames[row],
				Object:          refs.ObjectNames[row],
				AccumulatedSize: refs.AccumulatedSizes[row],
			}
		}
	}
	for _, to := range s.view.ConnectingFrom(d) {
		out.References = append(out.References, Reference{Object: s.object(to)})
	}
	for _, from := range s.view.ConnectingTo(d) {
		out.Referrers = append(out.Referrers, Reference{
			Via:    s.view.FieldName(from),
			Object: s.object(from.Display()),
		})
	}
	return out
}

func indexFromRequest(r *http.Request) (int32, error) {
	v := mux.Vars(r)["index"]
	i, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, errors.Errorf("invalid index %q", v)
	}
	return int32(i), nil
}

func statusOf(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
