// ABOUTME: JSON shapes returned by the inspector API
// ABOUTME: Objects, fields, references, summaries and per-type statistics

package inspect

import (
	"github.com/prateek/snapgraph/crawler"
)

// Object identifies one thing in the capture: a managed object, a native
// object, a type's static storage or the GC roots.
type Object struct {
	Kind string `json:"kind"`
	// Index is the managed object index, or the native object index for
	// native kinds, or the type row for statics. -1 when none applies.
	Index    int32  `json:"index"`
	Unified  int32  `json:"unified"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Address  string `json:"address,omitempty"`
	Size     int64  `json:"size"`
	Retained uint64 `json:"retained,omitempty"`
}

type Field struct {
	Name    string   `json:"name,omitempty"`
	Type    string   `json:"type"`
	Kind    string   `json:"kind"`
	Value   string   `json:"value,omitempty"`
	Pointer string   `json:"pointer,omitempty"`
	Fields  []*Field `json:"fields,omitempty"`
}

// Reference is an edge to or from the inspected object. Via names the field
// or element holding it.
type Reference struct {
	Via    string `json:"via,omitempty"`
	Object Object `json:"object"`
}

// RootReference is the engine root a native object's memory is accounted to.
type RootReference struct {
	Area            string `json:"area"`
	Object          string `json:"object"`
	AccumulatedSize uint64 `json:"accumulatedSize"`
}

type ObjectWithDetails struct {
	Object

	Fields        []*Field       `json:"fields,omitempty"`
	Elements      []*Field       `json:"elements,omitempty"`
	Length        int64          `json:"length,omitempty"`
	Ranks         string         `json:"ranks,omitempty"`
	Native        *Object        `json:"native,omitempty"`
	RootReference *RootReference `json:"rootReference,omitempty"`
	References    []Reference    `json:"references"`
	Referrers     []Reference    `json:"referrers"`
}

type Page[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}

type TypeStat struct {
	Type      string `json:"type"`
	TypeIndex int32  `json:"typeIndex"`
	Count     int64  `json:"count"`
	TotalSize int64  `json:"totalSize"`
}

type Summary struct {
	Types           int           `json:"types"`
	Fields          int           `json:"fields"`
	GCHandles       int           `json:"gcHandles"`
	ManagedObjects  int           `json:"managedObjects"`
	DistinctObjects int           `json:"distinctObjects"`
	ManagedSize     int64         `json:"managedSize"`
	NativeObjects   int           `json:"nativeObjects"`
	NativeSize      uint64        `json:"nativeSize"`
	LinkedNatives   int           `json:"linkedNatives"`
	Connections     int           `json:"connections"`
	Stats           crawler.Stats `json:"stats"`
}
