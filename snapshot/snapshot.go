// ABOUTME: Structured record cache holding every table of a heap capture
// ABOUTME: Init validates column shapes and builds secondary indices exactly once

// Package snapshot holds a loaded heap capture as column-oriented tables:
// managed type and field descriptions, native objects and types, native root
// references and memory labels, GC handles, captured memory sections, raw
// connections and allocation sites.
//
// A Snapshot is filled by a capture parser and then initialised with Init.
// After Init it is read-only and may be shared by any number of crawls and
// queries.
package snapshot

import (
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/prateek/snapgraph/memory"
)

// ErrCorrupt reports a capture whose tables are not internally consistent.
var ErrCorrupt = errors.New("snapshot: corrupt capture")

// Snapshot is a loaded heap capture.
type Snapshot struct {
	Layout memory.Layout

	Types                Types
	Fields               Fields
	NativeTypes          NativeTypes
	NativeObjects        NativeObjects
	NativeRootReferences NativeRootReferences
	NativeMemoryLabels   NativeMemoryLabels
	GCHandles            GCHandles
	Heap                 []memory.Section
	Stacks               []memory.Section
	Connections          Connections
	AllocationSites      AllocationSites
	CallstackSymbols     CallstackSymbols

	locator     *memory.Locator
	initialized bool
}

// Init validates the tables and builds every derived index. It is safe to
// call more than once; later calls are no-ops.
func (s *Snapshot) Init() error {
	if s.initialized {
		return nil
	}
	var result *multierror.Error
	if err := s.Layout.Validate(); err != nil {
		result = multierror.Append(result, errors.Wrap(ErrCorrupt, err.Error()))
	}
	if err := s.Fields.init(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.CallstackSymbols.init(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.NativeRootReferences.init(); err != nil {
		result = multierror.Append(result, err)
	} else if err := s.NativeObjects.init(&s.NativeTypes, &s.NativeRootReferences); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.AllocationSites.init(&s.NativeMemoryLabels); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkColumns("connections", s.Connections.Count(), map[string]int{
		"to": len(s.Connections.To),
	}); err != nil {
		result = multierror.Append(result, err)
	} else {
		for i := range s.Connections.From {
			if s.Connections.From[i] < 0 || s.Connections.To[i] < 0 {
				result = multierror.Append(result, errors.Wrapf(ErrCorrupt, "connection %d: negative object index", i))
				break
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	// Types resolve field type references, so the field columns must be sound first.
	if err := s.Types.init(&s.Fields); err != nil {
		return err
	}

	s.locator = memory.NewLocator(s.Layout.PointerSize, s.Heap, s.Stacks)
	s.initialized = true
	return nil
}

// Find returns a cursor at addr in the captured heap or stack sections.
func (s *Snapshot) Find(addr uint64) (memory.Cursor, bool) {
	return s.locator.Find(addr)
}

// Locator is the section locator built by Init.
func (s *Snapshot) Locator() *memory.Locator { return s.locator }

// StaticCursor returns a cursor over the static field bytes of type t.
func (s *Snapshot) StaticCursor(t int32) memory.Cursor {
	return memory.NewCursor(s.Types.StaticFieldBytes[t], s.Layout.PointerSize)
}

// checkColumns verifies that every named column has length n.
func checkColumns(table string, n int, columns map[string]int) error {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if got := columns[name]; got != n {
			return errors.Wrapf(ErrCorrupt, "%s: column %q has %d entries, want %d", table, name, got, n)
		}
	}
	return nil
}
