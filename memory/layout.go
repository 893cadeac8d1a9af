// ABOUTME: Layout constants describing the captured runtime's object memory layout
// ABOUTME: Pointer width, object and array header geometry shared by every reader

// Package memory provides byte-level access to captured memory: the runtime
// layout constants, a cursor for typed reads over a borrowed buffer, and a
// locator that maps addresses onto captured sections.
package memory

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Layout holds fixed facts about the captured runtime's memory layout.
type Layout struct {
	PointerSize           int `json:"pointer_size" yaml:"pointer_size"`
	ObjectHeaderSize      int `json:"object_header_size" yaml:"object_header_size"`
	ArrayHeaderSize       int `json:"array_header_size" yaml:"array_header_size"`
	ArrayBoundsOffset     int `json:"array_bounds_offset" yaml:"array_bounds_offset"`
	ArraySizeOffset       int `json:"array_size_offset" yaml:"array_size_offset"`
	AllocationGranularity int `json:"allocation_granularity" yaml:"allocation_granularity"`
}

// Layout64 is the layout of a 64-bit runtime with a two-pointer object header.
var Layout64 = Layout{
	PointerSize:           8,
	ObjectHeaderSize:      16,
	ArrayHeaderSize:       32,
	ArrayBoundsOffset:     16,
	ArraySizeOffset:       24,
	AllocationGranularity: 16,
}

// Layout32 is the 32-bit counterpart of Layout64.
var Layout32 = Layout{
	PointerSize:           4,
	ObjectHeaderSize:      8,
	ArrayHeaderSize:       16,
	ArrayBoundsOffset:     8,
	ArraySizeOffset:       12,
	AllocationGranularity: 8,
}

// Validate reports every inconsistency in the layout.
func (l Layout) Validate() error {
	var result *multierror.Error
	if l.PointerSize != 4 && l.PointerSize != 8 {
		result = multierror.Append(result, errors.Errorf("pointer size must be 4 or 8, got %d", l.PointerSize))
	}
	if l.ObjectHeaderSize <= 0 {
		result = multierror.Append(result, errors.Errorf("object header size must be positive, got %d", l.ObjectHeaderSize))
	}
	if l.ArrayHeaderSize < l.ObjectHeaderSize {
		result = multierror.Append(result, errors.Errorf("array header size %d is smaller than object header size %d", l.ArrayHeaderSize, l.ObjectHeaderSize))
	}
	if l.ArrayBoundsOffset < 0 || l.ArrayBoundsOffset+l.PointerSize > l.ArrayHeaderSize {
		result = multierror.Append(result, errors.Errorf("array bounds offset %d outside array header", l.ArrayBoundsOffset))
	}
	if l.ArraySizeOffset < 0 || l.ArraySizeOffset+4 > l.ArrayHeaderSize {
		result = multierror.Append(result, errors.Errorf("array size offset %d outside array header", l.ArraySizeOffset))
	}
	return result.ErrorOrNil()
}
