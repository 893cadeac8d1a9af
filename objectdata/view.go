// ABOUTME: View builds and navigates descriptors over a crawled heap
// ABOUTME: Field, element, base and boxed-value steps return new descriptors

package objectdata

import (
	"fmt"

	"github.com/prateek/snapgraph/crawler"
	"github.com/prateek/snapgraph/snapshot"
)

// View resolves descriptors against one crawled heap. It holds no mutable
// state and is safe for concurrent use.
type View struct {
	snap  *snapshot.Snapshot
	heap  *crawler.ManagedHeap
	sizer crawler.Sizer
}

// NewView returns a view over heap.
func NewView(heap *crawler.ManagedHeap) *View {
	return &View{snap: heap.Snapshot(), heap: heap, sizer: heap.Sizer()}
}

func (v *View) Heap() *crawler.ManagedHeap   { return v.heap }
func (v *View) Snapshot() *snapshot.Snapshot { return v.snap }

// dataKind is the kind of a heap object of type t.
func (v *View) dataKind(t int32) Kind {
	switch {
	case t < 0 || int(t) >= v.snap.Types.Count():
		return KindUnknown
	case v.snap.Types.Flags[t].IsArray():
		return KindArray
	case v.snap.Types.Flags[t].IsValueType():
		return KindBoxedValue
	default:
		return KindObject
	}
}

// slotKind is the kind of a field or element of type t.
func (v *View) slotKind(t int32) Kind {
	switch {
	case t < 0 || int(t) >= v.snap.Types.Count():
		return KindUnknown
	case v.snap.Types.Flags[t].IsArray():
		return KindReferenceArray
	case v.snap.Types.Flags[t].IsValueType():
		return KindValue
	default:
		return KindReferenceObject
	}
}

// FromManagedType describes the static storage of type t.
func (v *View) FromManagedType(t int32) Descriptor {
	if t < 0 || int(t) >= v.snap.Types.Count() {
		return Invalid()
	}
	return Descriptor{kind: KindType, payload: managed{typeIndex: t}, data: v.snap.StaticCursor(t)}
}

// FromNativeIndex describes native object n.
func (v *View) FromNativeIndex(n int32) Descriptor {
	if n < 0 || int(n) >= v.snap.NativeObjects.Count() {
		return Invalid()
	}
	return Descriptor{kind: KindNativeObject, payload: native{index: n}}
}

// FromManagedIndex describes crawled managed object i. Objects whose header
// did not resolve have no descriptor.
func (v *View) FromManagedIndex(i int32) Descriptor {
	if i < 0 || int(i) >= len(v.heap.Objects) {
		return Invalid()
	}
	o := &v.heap.Objects[i]
	if !o.Known() {
		return Invalid()
	}
	return Descriptor{
		kind:    v.dataKind(o.TypeIndex),
		payload: managed{host: o.Address, typeIndex: o.TypeIndex},
		data:    o.Data,
	}
}

// FromUnifiedIndex describes the object at unified index u.
func (v *View) FromUnifiedIndex(u int32) Descriptor {
	if n := v.heap.UnifiedToNative(u); n >= 0 {
		return v.FromNativeIndex(n)
	}
	if m := v.heap.UnifiedToManaged(u); m >= 0 {
		return v.FromManagedIndex(m)
	}
	return Invalid()
}

// FromManagedPointer describes the object at ptr. Addresses the crawl never
// reached have their header parsed on demand.
func (v *View) FromManagedPointer(ptr uint64) Descriptor {
	if ptr == 0 {
		return Invalid()
	}
	if i, ok := v.heap.ObjectAt(ptr); ok {
		return v.FromManagedIndex(i)
	}
	cur, ok := v.snap.Find(ptr)
	if !ok {
		return Invalid()
	}
	t, _, ok := crawler.ResolveType(v.snap, cur)
	if !ok {
		return Invalid()
	}
	return Descriptor{kind: v.dataKind(t), payload: managed{host: ptr, typeIndex: t}, data: cur}
}

// Deref follows a reference slot to the object it points at.
func (v *View) Deref(d Descriptor) Descriptor {
	if d.kind != KindReferenceObject && d.kind != KindReferenceArray {
		unsupported("deref", d)
	}
	return v.FromManagedPointer(d.ReferencePointer())
}

// FieldCount is the number of instance fields of d's type.
func (v *View) FieldCount(d Descriptor) int {
	switch d.kind {
	case KindObject, KindBoxedValue, KindReferenceObject, KindValue:
		t := d.TypeIndex()
		if t < 0 {
			return 0
		}
		return len(v.snap.Types.InstanceFields(t))
	default:
		return 0
	}
}

// Field returns instance field i of d, counting inherited fields first.
func (v *View) Field(d Descriptor, i int) Descriptor {
	t := d.TypeIndex()
	if t < 0 {
		unsupported("field", d)
	}
	return v.FieldBySnapshotIndex(d, v.snap.Types.InstanceFields(t)[i], true)
}

// Fields returns every instance field of d.
func (v *View) Fields(d Descriptor) []Descriptor {
	n := v.FieldCount(d)
	out := make([]Descriptor, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, v.Field(d, i))
	}
	return out
}

// StaticFields returns every static field of a type descriptor, inherited
// ones included.
func (v *View) StaticFields(d Descriptor) []Descriptor {
	if d.kind != KindType {
		unsupported("static fields", d)
	}
	list := v.snap.Types.StaticFields(d.TypeIndex())
	out := make([]Descriptor, 0, len(list))
	for _, f := range list {
		out = append(out, v.FieldBySnapshotIndex(d, f, true))
	}
	return out
}

// FieldBySnapshotIndex reads field row f of d. A reference slot is followed
// to its target first. Static fields read the storage of whichever type in
// the base chain declares them.
func (v *View) FieldBySnapshotIndex(d Descriptor, f int32, expandToTarget bool) Descriptor {
	obj := d
	switch d.kind {
	case KindReferenceObject:
		obj = v.Deref(d)
		if !obj.Valid() {
			return Invalid()
		}
	case KindObject, KindBoxedValue, KindValue, KindType:
	default:
		unsupported("field", d)
	}
	fields := &v.snap.Fields
	if f < 0 || int(f) >= fields.Count() {
		panic(fmt.Sprintf("objectdata: field %d out of range", f))
	}
	offset := int(fields.Offsets[f])
	ft := fields.TypeIndex[f]
	out := Descriptor{kind: v.slotKind(ft)}
	parent := Parent{Object: obj, Field: f, ArrayIndex: -1, ExpandToTarget: expandToTarget}

	if fields.IsStatic[f] {
		owner := v.staticOwner(obj.TypeIndex(), f)
		if owner < 0 {
			panic(fmt.Sprintf("objectdata: static field %q is not declared by %s or its bases", fields.Names[f], v.TypeName(obj)))
		}
		out.payload = managed{typeIndex: ft}
		out.data = v.snap.StaticCursor(owner).Add(offset)
		return out.withParent(parent)
	}

	switch obj.kind {
	case KindType:
		panic(fmt.Sprintf("objectdata: instance field %q read on type %s", fields.Names[f], v.TypeName(obj)))
	case KindValue:
		offset -= v.snap.Layout.ObjectHeaderSize
	}
	out.payload = managed{host: obj.HostAddress(), typeIndex: ft}
	out.data = obj.data.Add(offset)
	return out.withParent(parent)
}

// staticOwner finds the type in t's base chain that declares static field f.
func (v *View) staticOwner(t, f int32) int32 {
	types := &v.snap.Types
	for t >= 0 {
		for _, owned := range types.OwnedStaticFields(t) {
			if owned == f {
				return t
			}
		}
		t = types.Base(t)
	}
	return -1
}

// ArrayInfo decodes the geometry of an array or of the array a reference
// slot points at.
func (v *View) ArrayInfo(d Descriptor) (crawler.ArrayInfo, bool) {
	switch d.kind {
	case KindArray:
	case KindReferenceArray:
		d = v.Deref(d)
		if d.kind != KindArray {
			return crawler.ArrayInfo{}, false
		}
	default:
		unsupported("array info", d)
	}
	return v.sizer.ArrayInfo(d.HostAddress(), d.TypeIndex())
}

// ArrayElement returns flat element i of an array.
func (v *View) ArrayElement(d Descriptor, i int64, expandToTarget bool) Descriptor {
	ai, ok := v.ArrayInfo(d)
	if !ok {
		return Invalid()
	}
	if i < 0 || i >= ai.Length {
		panic(fmt.Sprintf("objectdata: element %d out of range for length %d", i, ai.Length))
	}
	out := Descriptor{
		kind:    v.slotKind(ai.ElementType),
		payload: managed{host: ai.Address, typeIndex: ai.ElementType},
		data:    ai.Element(i),
	}
	return out.withParent(Parent{Object: d, Field: -1, ArrayIndex: i, ExpandToTarget: expandToTarget})
}

// Base views d as its base type. Values and types deriving directly from
// the root object, value or enum types have no base worth showing.
func (v *View) Base(d Descriptor) Descriptor {
	switch d.kind {
	case KindObject, KindReferenceObject, KindType:
	case KindValue:
		return Invalid()
	default:
		unsupported("base", d)
	}
	types := &v.snap.Types
	t := d.TypeIndex()
	if t < 0 {
		return Invalid()
	}
	b := types.Base(t)
	if b < 0 || b == types.ValueTypeIndex || b == types.ObjectIndex || b == types.EnumIndex {
		return Invalid()
	}
	out := d
	m := d.payload.(managed)
	m.typeIndex = b
	out.payload = m
	if d.kind == KindType {
		out.data = v.snap.StaticCursor(b)
	}
	return out
}

// BoxedValue views the contents of a boxed value or object as an inline value.
func (v *View) BoxedValue(d Descriptor, expandToTarget bool) Descriptor {
	switch d.kind {
	case KindObject, KindBoxedValue:
	default:
		unsupported("boxed value", d)
	}
	out := d
	out.kind = KindValue
	out.data = d.data.Add(v.snap.Layout.ObjectHeaderSize)
	return out.withParent(Parent{Object: d, Field: -1, ArrayIndex: -1, ExpandToTarget: expandToTarget})
}

// LinkedNative returns the native object a managed wrapper stands for.
func (v *View) LinkedNative(d Descriptor) Descriptor {
	m := v.ManagedIndex(d)
	if m < 0 {
		return Invalid()
	}
	n := v.heap.Objects[m].NativeIndex
	if n < 0 {
		return Invalid()
	}
	out := Descriptor{kind: KindNativeReference, payload: native{index: n}}
	return out.withParent(Parent{Object: d, Field: -1, ArrayIndex: -1, ExpandToTarget: true})
}

// ManagedIndex is the crawled object index of an object, array or boxed
// value, or -1.
func (v *View) ManagedIndex(d Descriptor) int32 {
	switch d.kind {
	case KindObject, KindArray, KindBoxedValue:
		if i, ok := v.heap.ObjectAt(d.HostAddress()); ok {
			return i
		}
	}
	return -1
}

// UnifiedIndex is the unified index of a heap or native object, or -1.
func (v *View) UnifiedIndex(d Descriptor) int32 {
	switch d.kind {
	case KindObject, KindArray, KindBoxedValue:
		return v.heap.ManagedToUnified(v.ManagedIndex(d))
	case KindNativeObject, KindNativeReference:
		return v.heap.NativeToUnified(d.NativeIndex())
	default:
		return -1
	}
}

// InstanceID is the native instance id of d or of the native object linked
// to it, or snapshot.InstanceIDNone.
func (v *View) InstanceID(d Descriptor) int32 {
	n := d.NativeIndex()
	if n < 0 {
		if m := v.ManagedIndex(d); m >= 0 {
			n = v.heap.Objects[m].NativeIndex
		}
	}
	if n < 0 {
		return snapshot.InstanceIDNone
	}
	return v.snap.NativeObjects.InstanceIDs[n]
}

// ObjectAddress is the address of the heap object holding d, or of the
// native object d names.
func (v *View) ObjectAddress(d Descriptor) uint64 {
	switch d.kind {
	case KindNativeObject, KindNativeReference:
		return v.snap.NativeObjects.Addresses[d.NativeIndex()]
	default:
		return d.HostAddress()
	}
}

// Size is the byte size of a heap or native object, 0 for everything else.
func (v *View) Size(d Descriptor) int64 {
	switch d.kind {
	case KindObject, KindArray, KindBoxedValue:
		if m := v.ManagedIndex(d); m >= 0 {
			return v.heap.Objects[m].Size
		}
		return v.sizer.SizeOf(d.TypeIndex(), d.data)
	case KindNativeObject, KindNativeReference:
		return int64(v.snap.NativeObjects.Sizes[d.NativeIndex()])
	default:
		return 0
	}
}

// TypeName names the managed or native type of d.
func (v *View) TypeName(d Descriptor) string {
	switch d.kind {
	case KindUnknown:
		return "<unknown>"
	case KindGlobal:
		return "<global>"
	case KindNativeObject, KindNativeReference:
		nt := v.snap.NativeObjects.NativeTypeIndex[d.NativeIndex()]
		if nt < 0 || int(nt) >= v.snap.NativeTypes.Count() {
			return "<unknown>"
		}
		return v.snap.NativeTypes.Names[nt]
	default:
		t := d.TypeIndex()
		if t < 0 {
			return "<unknown>"
		}
		return v.snap.Types.Names[t]
	}
}

// Name is the native object name for native descriptors and "" otherwise.
func (v *View) Name(d Descriptor) string {
	if !d.IsNative() {
		return ""
	}
	return v.snap.NativeObjects.Names[d.NativeIndex()]
}

// FieldName names how d was reached: the field name, or the element
// coordinates in brackets. It is "" for descriptors without a parent.
func (v *View) FieldName(d Descriptor) string {
	switch {
	case d.IsField():
		return v.snap.Fields.Names[d.parent.Field]
	case d.IsArrayItem():
		if ai, ok := v.ArrayInfo(d.parent.Object); ok {
			return "[" + ai.IndexToRankedString(d.parent.ArrayIndex) + "]"
		}
		return fmt.Sprintf("[%d]", d.parent.ArrayIndex)
	default:
		return ""
	}
}
