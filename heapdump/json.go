// ABOUTME: JSON capture format, mainly for hand-written fixtures and tests
// ABOUTME: One object with a list per record kind; byte blobs are base64

package heapdump

import (
	"bytes"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONParser reads the JSON capture format.
type JSONParser struct{}

var _ Parser = (*JSONParser)(nil)

type jsonCapture struct {
	Layout           memory.Layout        `json:"layout"`
	Types            []jsonType           `json:"types"`
	Fields           []jsonField          `json:"fields"`
	NativeTypes      []jsonNativeType     `json:"native_types,omitempty"`
	NativeObjects    []jsonNativeObject   `json:"native_objects,omitempty"`
	RootReferences   []jsonRootReference  `json:"root_references,omitempty"`
	MemoryLabels     []string             `json:"memory_labels,omitempty"`
	GCHandles        []uint64             `json:"gc_handles,omitempty"`
	Heap             []jsonSection        `json:"heap,omitempty"`
	Stacks           []jsonSection        `json:"stacks,omitempty"`
	Connections      []jsonConnection     `json:"connections,omitempty"`
	AllocationSites  []jsonAllocationSite `json:"allocation_sites,omitempty"`
	CallstackSymbols []jsonSymbol         `json:"callstack_symbols,omitempty"`
}

// jsonType refers to other types by captured type index; base is -1 for none.
type jsonType struct {
	Name      string             `json:"name"`
	Assembly  string             `json:"assembly,omitempty"`
	Flags     snapshot.TypeFlags `json:"flags"`
	Base      int32              `json:"base"`
	Size      int32              `json:"size"`
	TypeInfo  uint64             `json:"type_info"`
	TypeIndex int32              `json:"type_index"`
	Fields    []int32            `json:"fields,omitempty"`
	Statics   []byte             `json:"statics,omitempty"`
}

type jsonField struct {
	Name   string `json:"name"`
	Offset int32  `json:"offset"`
	Type   int32  `json:"type"`
	Static bool   `json:"static,omitempty"`
}

type jsonNativeType struct {
	Name string `json:"name"`
	Base int32  `json:"base"`
}

type jsonNativeObject struct {
	Name            string `json:"name"`
	InstanceID      int32  `json:"instance_id"`
	Size            uint64 `json:"size"`
	NativeType      int32  `json:"native_type"`
	HideFlags       uint32 `json:"hide_flags,omitempty"`
	Flags           uint32 `json:"flags,omitempty"`
	Address         uint64 `json:"address"`
	RootReferenceID int64  `json:"root_reference_id,omitempty"`
}

type jsonRootReference struct {
	ID              int64  `json:"id"`
	Area            string `json:"area"`
	Object          string `json:"object"`
	AccumulatedSize uint64 `json:"accumulated_size"`
}

type jsonSection struct {
	Base  uint64 `json:"base"`
	Bytes []byte `json:"bytes"`
}

type jsonConnection struct {
	From int32 `json:"from"`
	To   int32 `json:"to"`
}

type jsonAllocationSite struct {
	ID          int64    `json:"id"`
	MemoryLabel int32    `json:"memory_label"`
	Callstack   []uint64 `json:"callstack,omitempty"`
}

type jsonSymbol struct {
	Symbol   uint64 `json:"symbol"`
	Readable string `json:"readable"`
}

func (p *JSONParser) Name() string { return "json" }

// CanParse accepts an object whose first bytes mention "layout" or "types".
func (p *JSONParser) CanParse(r io.Reader) bool {
	buf := make([]byte, SniffSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false
	}
	head := bytes.TrimLeft(buf[:n], " \t\r\n")
	if len(head) == 0 || head[0] != '{' {
		return false
	}
	return bytes.Contains(head, []byte(`"layout"`)) || bytes.Contains(head, []byte(`"types"`))
}

// Parse reads a JSON capture. The snapshot is returned uninitialised.
func (p *JSONParser) Parse(r io.Reader) (*snapshot.Snapshot, error) {
	var c jsonCapture
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.Wrap(err, "failed to decode JSON")
	}
	return c.snapshot(), nil
}

func (c *jsonCapture) snapshot() *snapshot.Snapshot {
	s := &snapshot.Snapshot{Layout: c.Layout}
	t := &s.Types
	for _, jt := range c.Types {
		t.Names = append(t.Names, jt.Name)
		t.Assemblies = append(t.Assemblies, jt.Assembly)
		t.Flags = append(t.Flags, jt.Flags)
		t.BaseOrElementTypeIndex = append(t.BaseOrElementTypeIndex, jt.Base)
		t.Sizes = append(t.Sizes, jt.Size)
		t.TypeInfoAddresses = append(t.TypeInfoAddresses, jt.TypeInfo)
		t.TypeIndices = append(t.TypeIndices, jt.TypeIndex)
		t.FieldIndices = append(t.FieldIndices, jt.Fields)
		t.StaticFieldBytes = append(t.StaticFieldBytes, jt.Statics)
	}
	f := &s.Fields
	for _, jf := range c.Fields {
		f.Names = append(f.Names, jf.Name)
		f.Offsets = append(f.Offsets, jf.Offset)
		f.TypeIndex = append(f.TypeIndex, jf.Type)
		f.IsStatic = append(f.IsStatic, jf.Static)
	}
	for _, nt := range c.NativeTypes {
		s.NativeTypes.Names = append(s.NativeTypes.Names, nt.Name)
		s.NativeTypes.BaseTypeIndex = append(s.NativeTypes.BaseTypeIndex, nt.Base)
	}
	n := &s.NativeObjects
	for _, no := range c.NativeObjects {
		n.Names = append(n.Names, no.Name)
		n.InstanceIDs = append(n.InstanceIDs, no.InstanceID)
		n.Sizes = append(n.Sizes, no.Size)
		n.NativeTypeIndex = append(n.NativeTypeIndex, no.NativeType)
		n.HideFlags = append(n.HideFlags, no.HideFlags)
		n.Flags = append(n.Flags, no.Flags)
		n.Addresses = append(n.Addresses, no.Address)
		n.RootReferenceIDs = append(n.RootReferenceIDs, no.RootReferenceID)
	}
	r := &s.NativeRootReferences
	for _, ref := range c.RootReferences {
		r.IDs = append(r.IDs, ref.ID)
		r.AreaNames = append(r.AreaNames, ref.Area)
		r.ObjectNames = append(r.ObjectNames, ref.Object)
		r.AccumulatedSizes = append(r.AccumulatedSizes, ref.AccumulatedSize)
	}
	s.NativeMemoryLabels.Names = c.MemoryLabels
	s.GCHandles.Targets = c.GCHandles
	for _, sec := range c.Heap {
		s.Heap = append(s.Heap, memory.Section{Base: sec.Base, Bytes: sec.Bytes})
	}
	for _, sec := range c.Stacks {
		s.Stacks = append(s.Stacks, memory.Section{Base: sec.Base, Bytes: sec.Bytes})
	}
	for _, conn := range c.Connections {
		s.Connections.From = append(s.Connections.From, conn.From)
		s.Connections.To = append(s.Connections.To, conn.To)
	}
	a := &s.AllocationSites
	for _, site := range c.AllocationSites {
		a.IDs = append(a.IDs, site.ID)
		a.MemoryLabelIndex = append(a.MemoryLabelIndex, site.MemoryLabel)
		a.CallstackSymbols = append(a.CallstackSymbols, site.Callstack)
	}
	for _, sym := range c.CallstackSymbols {
		s.CallstackSymbols.Symbols = append(s.CallstackSymbols.Symbols, sym.Symbol)
		s.CallstackSymbols.ReadableStackTraces = append(s.CallstackSymbols.ReadableStackTraces, sym.Readable)
	}
	return s
}

// WriteJSON writes snap in the JSON capture format. The snapshot is
// initialised first so type references can be written as captured indices.
func WriteJSON(w io.Writer, snap *snapshot.Snapshot) error {
	if err := snap.Init(); err != nil {
		return err
	}
	c := jsonCapture{Layout: snap.Layout}
	t := &snap.Types
	for i := 0; i < t.Count(); i++ {
		c.Types = append(c.Types, jsonType{
			Name:      t.Names[i],
			Assembly:  t.Assemblies[i],
			Flags:     t.Flags[i],
			Base:      t.CapturedIndex(t.BaseOrElementTypeIndex[i]),
			Size:      t.Sizes[i],
			TypeInfo:  t.TypeInfoAddresses[i],
			TypeIndex: t.TypeIndices[i],
			Fields:    t.FieldIndices[i],
			Statics:   t.StaticFieldBytes[i],
		})
	}
	f := &snap.Fields
	for i := 0; i < f.Count(); i++ {
		c.Fields = append(c.Fields, jsonField{
			Name:   f.Names[i],
			Offset: f.Offsets[i],
			Type:   t.CapturedIndex(f.TypeIndex[i]),
			Static: f.IsStatic[i],
		})
	}
	for i := 0; i < snap.NativeTypes.Count(); i++ {
		c.NativeTypes = append(c.NativeTypes, jsonNativeType{
			Name: snap.NativeTypes.Names[i],
			Base: snap.NativeTypes.BaseTypeIndex[i],
		})
	}
	n := &snap.NativeObjects
	for i := 0; i < n.Count(); i++ {
		c.NativeObjects = append(c.NativeObjects, jsonNativeObject{
			Name:            n.Names[i],
			InstanceID:      n.InstanceIDs[i],
			Size:            n.Sizes[i],
			NativeType:      n.NativeTypeIndex[i],
			HideFlags:       n.HideFlags[i],
			Flags:           n.Flags[i],
			Address:         n.Addresses[i],
			RootReferenceID: n.RootReferenceIDs[i],
		})
	}
	r := &snap.NativeRootReferences
	for i := 0; i < r.Count(); i++ {
		c.RootReferences = append(c.RootReferences, jsonRootReference{
			ID:              r.IDs[i],
			Area:            r.AreaNames[i],
			Object:          r.ObjectNames[i],
			AccumulatedSize: r.AccumulatedSizes[i],
		})
	}
	c.MemoryLabels = snap.NativeMemoryLabels.Names
	c.GCHandles = snap.GCHandles.Targets
	for _, sec := range snap.Heap {
		c.Heap = append(c.Heap, jsonSection{Base: sec.Base, Bytes: sec.Bytes})
	}
	for _, sec := range snap.Stacks {
		c.Stacks = append(c.Stacks, jsonSection{Base: sec.Base, Bytes: sec.Bytes})
	}
	for i := 0; i < snap.Connections.Count(); i++ {
		c.Connections = append(c.Connections, jsonConnection{From: snap.Connections.From[i], To: snap.Connections.To[i]})
	}
	a := &snap.AllocationSites
	for i := 0; i < a.Count(); i++ {
		c.AllocationSites = append(c.AllocationSites, jsonAllocationSite{
			ID:          a.IDs[i],
			MemoryLabel: a.MemoryLabelIndex[i],
			Callstack:   a.CallstackSymbols[i],
		})
	}
	cs := &snap.CallstackSymbols
	for i := 0; i < cs.Count(); i++ {
		c.CallstackSymbols = append(c.CallstackSymbols, jsonSymbol{Symbol: cs.Symbols[i], Readable: cs.ReadableStackTraces[i]})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(&c), "failed to encode JSON")
}

func init() {
	Register(&JSONParser{})
}
