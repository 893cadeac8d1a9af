// ABOUTME: Referrer and reference lists expressed as descriptors
// ABOUTME: Field and element edges resolve to the slot that holds the reference

package objectdata

import (
	"github.com/prateek/snapgraph/crawler"
)

// ConnectingTo lists what refers to d. Edges that came from a field or an
// array slot are returned as that slot, with ExpandToTarget unset so that
// Display shows the owning object. It returns nil for kinds nothing can
// refer to.
func (v *View) ConnectingTo(d Descriptor) []Descriptor {
	h := v.heap
	var out []Descriptor
	switch d.kind {
	case KindObject, KindArray, KindBoxedValue:
		u := v.UnifiedIndex(d)
		if u < 0 {
			return nil
		}
		for _, r := range h.ConnectionsTo(u) {
			out = append(out, v.referrer(r))
		}
	case KindNativeObject, KindNativeReference:
		n := d.NativeIndex()
		if m := h.NativeToManaged[n]; m >= 0 {
			out = append(out, v.FromManagedIndex(m))
		}
		for _, r := range h.ConnectionsTo(h.NativeToUnified(n)) {
			out = append(out, v.referrer(r))
		}
	default:
		return nil
	}
	return out
}

func (v *View) referrer(r crawler.Reference) Descriptor {
	switch r.Kind {
	case crawler.RootToObject:
		return Global()
	case crawler.TypeToObject:
		owner := v.FromManagedType(r.FromType)
		if r.Field >= 0 && owner.Valid() {
			return v.FieldBySnapshotIndex(owner, r.Field, false)
		}
		return owner
	case crawler.ObjectToObject:
		from := v.FromUnifiedIndex(r.From)
		switch {
		case !from.Valid():
			return from
		case from.kind == KindArray && r.ArrayIndex < 0:
			// A reference inside a value-type element; the slot is not recorded.
			return from
		case r.Field >= 0:
			return v.FieldBySnapshotIndex(from, r.Field, false)
		case r.ArrayIndex >= 0:
			return v.ArrayElement(from, int64(r.ArrayIndex), false)
		default:
			return from
		}
	default:
		return v.FromUnifiedIndex(r.From)
	}
}

// ConnectingFrom lists what d refers to: the targets of its references,
// the native object it wraps and, for a type, the targets of its static
// fields. Global lists every live GC handle target.
func (v *View) ConnectingFrom(d Descriptor) []Descriptor {
	h := v.heap
	var out []Descriptor
	switch d.kind {
	case KindGlobal:
		for i := 0; i < h.HandleCount(); i++ {
			if t := v.FromManagedIndex(int32(i)); t.Valid() {
				out = append(out, t)
			}
		}
	case KindType:
		for _, r := range h.StaticConnectionsFrom(d.TypeIndex()) {
			out = append(out, v.FromUnifiedIndex(r.To))
		}
	case KindObject, KindArray, KindBoxedValue:
		u := v.UnifiedIndex(d)
		if u < 0 {
			return nil
		}
		for _, r := range h.ConnectionsFrom(u) {
			out = append(out, v.FromUnifiedIndex(r.To))
		}
		if n := v.LinkedNative(d); n.Valid() {
			out = append(out, n)
		}
	case KindNativeObject, KindNativeReference:
		for _, r := range h.ConnectionsFrom(h.NativeToUnified(d.NativeIndex())) {
			out = append(out, v.FromUnifiedIndex(r.To))
		}
	default:
		return nil
	}
	return out
}
