// ABOUTME: Reads packed binary captures into snapshots with progress reporting
// ABOUTME: Bounds every length it reads so arbitrary input cannot panic or exhaust memory

package packed

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/prateek/snapgraph/heapdump"
	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

// Progress reports how far a decode has come.
type Progress struct {
	Records int64
	Bytes   int64
}

// Options configure a Decoder.
type Options struct {
	// OnProgress is called every ProgressInterval records and once at the end.
	OnProgress func(Progress)
}

// Decoder reads one packed capture.
type Decoder struct {
	r       *hashingReader
	opts    Options
	records int64
}

// NewDecoder returns a decoder reading an uncompressed packed capture from r.
func NewDecoder(r io.Reader, opts Options) *Decoder {
	return &Decoder{
		r:    &hashingReader{r: bufio.NewReaderSize(r, 1<<20), digest: xxhash.New()},
		opts: opts,
	}
}

// Decode reads the capture, verifies the footer and returns the
// initialised snapshot.
func (d *Decoder) Decode() (*snapshot.Snapshot, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(d.r, magic); err != nil || string(magic) != Magic {
		return nil, ErrBadMagic
	}

	snap := &snapshot.Snapshot{}
	for {
		tag, err := binary.ReadUvarint(d.r)
		if err != nil {
			return nil, d.truncated(err, "reading record tag")
		}
		if tag == tagEOF {
			break
		}
		if err := d.record(snap, tag); err != nil {
			return nil, err
		}
		d.records++
		if d.opts.OnProgress != nil && d.records%ProgressInterval == 0 {
			d.opts.OnProgress(d.progress())
		}
	}

	sum := d.r.digest.Sum64()
	var footer [8]byte
	if _, err := io.ReadFull(d.r, footer[:]); err != nil {
		return nil, d.truncated(err, "reading checksum")
	}
	if binary.LittleEndian.Uint64(footer[:]) != sum {
		return nil, ErrChecksum
	}
	if d.opts.OnProgress != nil {
		d.opts.OnProgress(d.progress())
	}
	if err := snap.Init(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (d *Decoder) progress() Progress {
	return Progress{Records: d.records, Bytes: d.r.n}
}

func (d *Decoder) truncated(err error, what string) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.Wrapf(err, "record %d: %s", d.records, what)
}

func (d *Decoder) record(snap *snapshot.Snapshot, tag uint64) error {
	var err error
	switch tag {
	case tagLayout:
		err = d.layout(&snap.Layout)
	case tagType:
		err = d.typ(&snap.Types)
	case tagField:
		err = d.field(&snap.Fields)
	case tagNativeType:
		err = d.nativeType(&snap.NativeTypes)
	case tagNativeObject:
		err = d.nativeObject(&snap.NativeObjects)
	case tagRootReference:
		err = d.rootReference(&snap.NativeRootReferences)
	case tagMemoryLabel:
		var name string
		if name, err = d.readString(); err == nil {
			snap.NativeMemoryLabels.Names = append(snap.NativeMemoryLabels.Names, name)
		}
	case tagGCHandle:
		var target uint64
		if target, err = d.readUvarint(); err == nil {
			snap.GCHandles.Targets = append(snap.GCHandles.Targets, target)
		}
	case tagHeapSection:
		var s memory.Section
		if s, err = d.section(); err == nil {
			snap.Heap = append(snap.Heap, s)
		}
	case tagStackSection:
		var s memory.Section
		if s, err = d.section(); err == nil {
			snap.Stacks = append(snap.Stacks, s)
		}
	case tagConnection:
		var from, to int32
		if from, err = d.readInt32(); err == nil {
			if to, err = d.readInt32(); err == nil {
				snap.Connections.From = append(snap.Connections.From, from)
				snap.Connections.To = append(snap.Connections.To, to)
			}
		}
	case tagAllocationSite:
		err = d.allocationSite(&snap.AllocationSites)
	case tagCallstackSymbol:
		var sym uint64
		var readable string
		if sym, err = d.readUvarint(); err == nil {
			if readable, err = d.readString(); err == nil {
				snap.CallstackSymbols.Symbols = append(snap.CallstackSymbols.Symbols, sym)
				snap.CallstackSymbols.ReadableStackTraces = append(snap.CallstackSymbols.ReadableStackTraces, readable)
			}
		}
	default:
		return errors.Wrapf(snapshot.ErrCorrupt, "record %d: unknown tag %d", d.records, tag)
	}
	if err != nil {
		return errors.Wrapf(err, "record %d (tag %d)", d.records, tag)
	}
	return nil
}

func (d *Decoder) layout(l *memory.Layout) error {
	for _, dst := range []*int{
		&l.PointerSize, &l.ObjectHeaderSize, &l.ArrayHeaderSize,
		&l.ArrayBoundsOffset, &l.ArraySizeOffset, &l.AllocationGranularity,
	} {
		v, err := d.readUvarint()
		if err != nil {
			return err
		}
		if v > math.MaxInt32 {
			return errors.Wrapf(snapshot.ErrCorrupt, "layout value %d out of range", v)
		}
		*dst = int(v)
	}
	return nil
}

// typ reads a type record. Type references stay captured indices until
// the snapshot is initialised.
func (d *Decoder) typ(t *snapshot.Types) error {
	flags, err := d.readUint32()
	if err != nil {
		return err
	}
	name, err := d.readString()
	if err != nil {
		return err
	}
	assembly, err := d.readString()
	if err != nil {
		return err
	}
	base, err := d.readInt32()
	if err != nil {
		return err
	}
	size, err := d.readInt32()
	if err != nil {
		return err
	}
	typeInfo, err := d.readUvarint()
	if err != nil {
		return err
	}
	typeIndex, err := d.readInt32()
	if err != nil {
		return err
	}
	fields, err := d.readInt32List()
	if err != nil {
		return err
	}
	statics, err := d.readBlob()
	if err != nil {
		return err
	}
	t.Flags = append(t.Flags, snapshot.TypeFlags(flags))
	t.Names = append(t.Names, name)
	t.Assemblies = append(t.Assemblies, assembly)
	t.BaseOrElementTypeIndex = append(t.BaseOrElementTypeIndex, base)
	t.Sizes = append(t.Sizes, size)
	t.TypeInfoAddresses = append(t.TypeInfoAddresses, typeInfo)
	t.TypeIndices = append(t.TypeIndices, typeIndex)
	t.FieldIndices = append(t.FieldIndices, fields)
	t.StaticFieldBytes = append(t.StaticFieldBytes, statics)
	return nil
}

func (d *Decoder) field(f *snapshot.Fields) error {
	name, err := d.readString()
	if err != nil {
		return err
	}
	offset, err := d.readInt32()
	if err != nil {
		return err
	}
	typ, err := d.readInt32()
	if err != nil {
		return err
	}
	static, err := d.readUvarint()
	if err != nil {
		return err
	}
	f.Names = append(f.Names, name)
	f.Offsets = append(f.Offsets, offset)
	f.TypeIndex = append(f.TypeIndex, typ)
	f.IsStatic = append(f.IsStatic, static != 0)
	return nil
}

func (d *Decoder) nativeType(t *snapshot.NativeTypes) error {
	name, err := d.readString()
	if err != nil {
		return err
	}
	base, err := d.readInt32()
	if err != nil {
		return err
	}
	t.Names = append(t.Names, name)
	t.BaseTypeIndex = append(t.BaseTypeIndex, base)
	return nil
}

func (d *Decoder) nativeObject(n *snapshot.NativeObjects) error {
	name, err := d.readString()
	if err != nil {
		return err
	}
	instanceID, err := d.readInt32()
	if err != nil {
		return err
	}
	size, err := d.readUvarint()
	if err != nil {
		return err
	}
	nativeType, err := d.readInt32()
	if err != nil {
		return err
	}
	hideFlags, err := d.readUint32()
	if err != nil {
		return err
	}
	flags, err := d.readUint32()
	if err != nil {
		return err
	}
	addr, err := d.readUvarint()
	if err != nil {
		return err
	}
	rootRef, err := d.readVarint()
	if err != nil {
		return err
	}
	n.Names = append(n.Names, name)
	n.InstanceIDs = append(n.InstanceIDs, instanceID)
	n.Sizes = append(n.Sizes, size)
	n.NativeTypeIndex = append(n.NativeTypeIndex, nativeType)
	n.HideFlags = append(n.HideFlags, hideFlags)
	n.Flags = append(n.Flags, flags)
	n.Addresses = append(n.Addresses, addr)
	n.RootReferenceIDs = append(n.RootReferenceIDs, rootRef)
	return nil
}

func (d *Decoder) rootReference(r *snapshot.NativeRootReferences) error {
	id, err := d.readVarint()
	if err != nil {
		return err
	}
	area, err := d.readString()
	if err != nil {
		return err
	}
	object, err := d.readString()
	if err != nil {
		return err
	}
	size, err := d.readUvarint()
	if err != nil {
		return err
	}
	r.IDs = append(r.IDs, id)
	r.AreaNames = append(r.AreaNames, area)
	r.ObjectNames = append(r.ObjectNames, object)
	r.AccumulatedSizes = append(r.AccumulatedSizes, size)
	return nil
}

func (d *Decoder) section() (memory.Section, error) {
	base, err := d.readUvarint()
	if err != nil {
		return memory.Section{}, err
	}
	data, err := d.readBlob()
	if err != nil {
		return memory.Section{}, err
	}
	return memory.Section{Base: base, Bytes: data}, nil
}

func (d *Decoder) allocationSite(a *snapshot.AllocationSites) error {
	id, err := d.readVarint()
	if err != nil {
		return err
	}
	label, err := d.readInt32()
	if err != nil {
		return err
	}
	n, err := d.readCount()
	if err != nil {
		return err
	}
	symbols := make([]uint64, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		sym, err := d.readUvarint()
		if err != nil {
			return err
		}
		symbols = append(symbols, sym)
	}
	a.IDs = append(a.IDs, id)
	a.MemoryLabelIndex = append(a.MemoryLabelIndex, label)
	a.CallstackSymbols = append(a.CallstackSymbols, symbols)
	return nil
}

func (d *Decoder) readUvarint() (uint64, error) {
	v, err := binary.ReadUvarint(d.r)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return v, err
}

func (d *Decoder) readVarint() (int64, error) {
	v, err := binary.ReadVarint(d.r)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return v, err
}

func (d *Decoder) readInt32() (int32, error) {
	v, err := d.readVarint()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, errors.Wrapf(snapshot.ErrCorrupt, "value %d overflows int32", v)
	}
	return int32(v), nil
}

func (d *Decoder) readUint32() (uint32, error) {
	v, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, errors.Wrapf(snapshot.ErrCorrupt, "value %d overflows uint32", v)
	}
	return uint32(v), nil
}

func (d *Decoder) readCount() (int, error) {
	n, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if n > maxList {
		return 0, errors.Wrapf(snapshot.ErrCorrupt, "list of %d entries exceeds limit", n)
	}
	return int(n), nil
}

func (d *Decoder) readInt32List() ([]int32, error) {
	n, err := d.readCount()
	if err != nil || n == 0 {
		return nil, err
	}
	out := make([]int32, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		v, err := d.readInt32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *Decoder) readString() (string, error) {
	n, err := d.readUvarint()
	if err != nil {
		return "", err
	}
	if n > maxString {
		return "", errors.Wrapf(snapshot.ErrCorrupt, "string of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", d.truncated(err, "reading string")
	}
	return string(buf), nil
}

// readBlob reads a length-prefixed byte blob, growing the buffer as data
// arrives rather than trusting the declared length up front.
func (d *Decoder) readBlob() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > maxBlob {
		return nil, errors.Wrapf(snapshot.ErrCorrupt, "blob of %d bytes exceeds limit", n)
	}
	if n == 0 {
		return nil, nil
	}
	if n <= blobChunk {
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, d.truncated(err, "reading blob")
		}
		return buf, nil
	}
	var buf bytes.Buffer
	buf.Grow(blobChunk)
	if _, err := io.CopyN(&buf, d.r, int64(n)); err != nil {
		return nil, d.truncated(err, "reading blob")
	}
	return buf.Bytes(), nil
}

// hashingReader feeds every byte it returns into the checksum.
type hashingReader struct {
	r      *bufio.Reader
	digest *xxhash.Digest
	n      int64
	one    [1]byte
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	_, _ = h.digest.Write(p[:n])
	h.n += int64(n)
	return n, err
}

func (h *hashingReader) ReadByte() (byte, error) {
	b, err := h.r.ReadByte()
	if err != nil {
		return 0, err
	}
	h.one[0] = b
	_, _ = h.digest.Write(h.one[:])
	h.n++
	return b, nil
}

// Parser plugs the packed format into heapdump.Open.
type Parser struct{}

var _ heapdump.Parser = (*Parser)(nil)

func (p *Parser) Name() string { return "packed" }

// CanParse checks for the packed magic.
func (p *Parser) CanParse(r io.Reader) bool {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return false
	}
	return string(magic) == Magic
}

func (p *Parser) Parse(r io.Reader) (*snapshot.Snapshot, error) {
	return NewDecoder(r, Options{}).Decode()
}

func init() {
	heapdump.Register(&Parser{})
}
