// ABOUTME: Packed binary capture format: magic, record tags and size limits
// ABOUTME: Records are a uvarint tag followed by varint, string and blob fields

// Package packed reads and writes the packed binary capture format.
//
// A packed capture starts with a 16-byte magic followed by records. Each
// record is a uvarint tag and tag-specific fields: uvarints, zigzag
// varints, length-prefixed strings and length-prefixed byte blobs. An EOF
// record ends the stream and is followed by the little-endian xxhash64 of
// every byte before it.
package packed

import (
	"github.com/pkg/errors"
)

// Magic opens every packed capture.
const Magic = "snapgraph cap v1"

// Record tags.
const (
	tagEOF             = 0
	tagLayout          = 1
	tagType            = 2
	tagField           = 3
	tagNativeType      = 4
	tagNativeObject    = 5
	tagGCHandle        = 6
	tagHeapSection     = 7
	tagStackSection    = 8
	tagConnection      = 9
	tagAllocationSite  = 10
	tagCallstackSymbol = 11
	tagRootReference   = 12
	tagMemoryLabel     = 13
)

const (
	maxString = 1 << 20
	maxBlob   = 1 << 30
	maxList   = 1 << 24
	// blobChunk bounds how much is allocated ahead of the data arriving.
	blobChunk = 1 << 20
)

// ProgressInterval is how many records pass between progress reports.
const ProgressInterval = 4096

var (
	// ErrBadMagic is returned for streams that are not packed captures.
	ErrBadMagic = errors.New("packed: bad magic")
	// ErrChecksum is returned when the footer does not match the records.
	ErrChecksum = errors.New("packed: checksum mismatch")
)
