// ABOUTME: Writes a snapshot in the packed binary capture format
// ABOUTME: Optionally wraps the stream in zstd; the footer hashes the uncompressed records

package packed

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

// EncoderOptions configure an Encoder.
type EncoderOptions struct {
	// Zstd compresses the whole stream.
	Zstd bool
}

// Encoder writes one snapshot to a stream.
type Encoder struct {
	dst     io.Writer
	opts    EncoderOptions
	w       *bufio.Writer
	digest  *xxhash.Digest
	scratch [binary.MaxVarintLen64]byte
	err     error
	done    bool
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer, opts EncoderOptions) *Encoder {
	return &Encoder{dst: w, opts: opts}
}

// Encode writes snap followed by the checksum footer. The snapshot is
// initialised first so type references are written as captured indices.
// An Encoder writes a single snapshot.
func (e *Encoder) Encode(snap *snapshot.Snapshot) (err error) {
	if e.done {
		return errors.New("packed: encoder already used")
	}
	e.done = true
	if err := snap.Init(); err != nil {
		return err
	}

	out := e.dst
	var zw *zstd.Encoder
	if e.opts.Zstd {
		if zw, err = zstd.NewWriter(e.dst); err != nil {
			return errors.Wrap(err, "creating zstd writer")
		}
		defer func() {
			if cerr := zw.Close(); err == nil {
				err = errors.Wrap(cerr, "closing zstd writer")
			}
		}()
		out = zw
	}
	e.w = bufio.NewWriterSize(out, 1<<20)
	e.digest = xxhash.New()

	e.raw([]byte(Magic))
	e.layout(snap.Layout)
	e.types(snap)
	e.natives(snap)
	for _, target := range snap.GCHandles.Targets {
		e.uvarint(tagGCHandle)
		e.uvarint(target)
	}
	e.sections(tagHeapSection, snap.Heap)
	e.sections(tagStackSection, snap.Stacks)
	for i := range snap.Connections.From {
		e.uvarint(tagConnection)
		e.varint(int64(snap.Connections.From[i]))
		e.varint(int64(snap.Connections.To[i]))
	}
	a := &snap.AllocationSites
	for i := 0; i < a.Count(); i++ {
		e.uvarint(tagAllocationSite)
		e.varint(a.IDs[i])
		e.varint(int64(a.MemoryLabelIndex[i]))
		e.uvarint(uint64(len(a.CallstackSymbols[i])))
		for _, sym := range a.CallstackSymbols[i] {
			e.uvarint(sym)
		}
	}
	cs := &snap.CallstackSymbols
	for i := 0; i < cs.Count(); i++ {
		e.uvarint(tagCallstackSymbol)
		e.uvarint(cs.Symbols[i])
		e.string(cs.ReadableStackTraces[i])
	}
	e.uvarint(tagEOF)

	if e.err != nil {
		return e.err
	}
	var footer [8]byte
	binary.LittleEndian.PutUint64(footer[:], e.digest.Sum64())
	if _, err := e.w.Write(footer[:]); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) layout(l memory.Layout) {
	e.uvarint(tagLayout)
	e.uvarint(uint64(l.PointerSize))
	e.uvarint(uint64(l.ObjectHeaderSize))
	e.uvarint(uint64(l.ArrayHeaderSize))
	e.uvarint(uint64(l.ArrayBoundsOffset))
	e.uvarint(uint64(l.ArraySizeOffset))
	e.uvarint(uint64(l.AllocationGranularity))
}

func (e *Encoder) types(snap *snapshot.Snapshot) {
	t := &snap.Types
	for i := 0; i < t.Count(); i++ {
		e.uvarint(tagType)
		e.uvarint(uint64(t.Flags[i]))
		e.string(t.Names[i])
		e.string(t.Assemblies[i])
		e.varint(int64(t.CapturedIndex(t.BaseOrElementTypeIndex[i])))
		e.varint(int64(t.Sizes[i]))
		e.uvarint(t.TypeInfoAddresses[i])
		e.varint(int64(t.TypeIndices[i]))
		e.uvarint(uint64(len(t.FieldIndices[i])))
		for _, fi := range t.FieldIndices[i] {
			e.varint(int64(fi))
		}
		e.blob(t.StaticFieldBytes[i])
	}
	f := &snap.Fields
	for i := 0; i < f.Count(); i++ {
		e.uvarint(tagField)
		e.string(f.Names[i])
		e.varint(int64(f.Offsets[i]))
		e.varint(int64(t.CapturedIndex(f.TypeIndex[i])))
		e.bool(f.IsStatic[i])
	}
}

func (e *Encoder) natives(snap *snapshot.Snapshot) {
	nt := &snap.NativeTypes
	for i := 0; i < nt.Count(); i++ {
		e.uvarint(tagNativeType)
		e.string(nt.Names[i])
		e.varint(int64(nt.BaseTypeIndex[i]))
	}
	n := &snap.NativeObjects
	for i := 0; i < n.Count(); i++ {
		e.uvarint(tagNativeObject)
		e.string(n.Names[i])
		e.varint(int64(n.InstanceIDs[i]))
		e.uvarint(n.Sizes[i])
		e.varint(int64(n.NativeTypeIndex[i]))
		e.uvarint(uint64(n.HideFlags[i]))
		e.uvarint(uint64(n.Flags[i]))
		e.uvarint(n.Addresses[i])
		e.varint(n.RootReferenceIDs[i])
	}
	r := &snap.NativeRootReferences
	for i := 0; i < r.Count(); i++ {
		e.uvarint(tagRootReference)
		e.varint(r.IDs[i])
		e.string(r.AreaNames[i])
		e.string(r.ObjectNames[i])
		e.uvarint(r.AccumulatedSizes[i])
	}
	for _, name := range snap.NativeMemoryLabels.Names {
		e.uvarint(tagMemoryLabel)
		e.string(name)
	}
}

func (e *Encoder) sections(tag uint64, sections []memory.Section) {
	for _, s := range sections {
		e.uvarint(tag)
		e.uvarint(s.Base)
		e.blob(s.Bytes)
	}
}

// raw writes b through the checksum.
func (e *Encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	_, _ = e.digest.Write(b)
	_, e.err = e.w.Write(b)
}

func (e *Encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.scratch[:], v)
	e.raw(e.scratch[:n])
}

func (e *Encoder) varint(v int64) {
	n := binary.PutVarint(e.scratch[:], v)
	e.raw(e.scratch[:n])
}

func (e *Encoder) bool(v bool) {
	if v {
		e.uvarint(1)
	} else {
		e.uvarint(0)
	}
}

func (e *Encoder) string(s string) {
	if len(s) > maxString && e.err == nil {
		e.err = errors.Errorf("packed: string of %d bytes exceeds limit", len(s))
	}
	e.uvarint(uint64(len(s)))
	e.raw([]byte(s))
}

func (e *Encoder) blob(b []byte) {
	if len(b) > maxBlob && e.err == nil {
		e.err = errors.Errorf("packed: blob of %d bytes exceeds limit", len(b))
	}
	e.uvarint(uint64(len(b)))
	e.raw(b)
}
