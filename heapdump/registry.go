// ABOUTME: Registry for capture parsers
// ABOUTME: Sniffs the capture, undoes zstd compression and selects a parser

package heapdump

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/prateek/snapgraph/snapshot"
)

// SniffSize is how many leading bytes parsers get to recognise a format.
const SniffSize = 4096

var (
	// ErrNoParser is returned when no parser can handle the capture format
	ErrNoParser = errors.New("no parser found for capture format")

	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// parserRegistry holds registered parsers
type parserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

var registry = &parserRegistry{}

// Register adds a parser to the registry. Parsers are tried in
// registration order.
func Register(p Parser) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.parsers = append(registry.parsers, p)
}

// Parsers lists the registered parsers.
func Parsers() []Parser {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return append([]Parser(nil), registry.parsers...)
}

// Open reads a capture with the first registered parser that recognises it
// and returns the initialised snapshot. zstd-compressed captures are
// decompressed transparently.
func Open(r io.Reader) (*snapshot.Snapshot, error) {
	head, body, err := sniff(r)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(head, zstdMagic) {
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, errors.Wrap(err, "opening zstd stream")
		}
		defer dec.Close()
		if head, body, err = sniff(dec); err != nil {
			return nil, errors.Wrap(err, "reading zstd stream")
		}
	}

	for _, p := range Parsers() {
		if !p.CanParse(bytes.NewReader(head)) {
			continue
		}
		snap, err := p.Parse(body)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s capture", p.Name())
		}
		if err := snap.Init(); err != nil {
			return nil, errors.Wrapf(err, "loading %s capture", p.Name())
		}
		return snap, nil
	}
	return nil, ErrNoParser
}

// OpenFile opens the capture at path.
func OpenFile(path string) (*snapshot.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	snap, err := Open(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return snap, nil
}

// sniff reads up to SniffSize bytes and returns them together with a reader
// that replays them before the rest of r.
func sniff(r io.Reader) (head []byte, body io.Reader, err error) {
	buf := make([]byte, SniffSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, nil, err
	}
	head = buf[:n]
	return head, io.MultiReader(bytes.NewReader(head), r), nil
}
