// ABOUTME: Parser interface for capture formats
// ABOUTME: Defines the contract for pluggable capture parsers

// Package heapdump loads heap captures. Formats register a Parser; Open
// sniffs the start of the stream, undoes zstd compression and hands the
// stream to the first parser that recognises it.
package heapdump

import (
	"io"

	"github.com/prateek/snapgraph/snapshot"
)

// Parser is the interface for capture parsers
type Parser interface {
	// Name identifies the format in logs and errors.
	Name() string

	// CanParse checks if this parser can handle the given capture format.
	// The reader is a preview of at most SniffSize bytes.
	CanParse(r io.Reader) bool

	// Parse reads the capture. The reader is positioned at the start.
	Parse(r io.Reader) (*snapshot.Snapshot, error)
}
