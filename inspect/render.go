// ABOUTME: Converts descriptors into API objects and field trees
// ABOUTME: Primitive values are decoded by type name; structs nest up to a fixed depth

package inspect

import (
	"fmt"
	"strconv"

	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/objectdata"
)

const maxValueDepth = 3

func (s *Server) object(d objectdata.Descriptor) Object {
	o := Object{
		Kind:    d.Kind().String(),
		Index:   -1,
		Unified: s.view.UnifiedIndex(d),
		Type:    s.view.TypeName(d),
		Size:    s.view.Size(d),
	}
	switch {
	case d.IsNative():
		o.Index = d.NativeIndex()
		o.Name = s.view.Name(d)
	case d.Kind() == objectdata.KindType:
		o.Index = d.TypeIndex()
	default:
		o.Index = s.view.ManagedIndex(d)
	}
	if addr := s.view.ObjectAddress(d); addr != 0 {
		o.Address = fmt.Sprintf("%#x", addr)
	}
	if o.Unified >= 0 {
		o.Retained = s.retainedSize(o.Unified)
	}
	return o
}

func (s *Server) field(d objectdata.Descriptor, depth int) *Field {
	f := &Field{
		Name: s.view.FieldName(d),
		Type: s.view.TypeName(d),
		Kind: d.Kind().String(),
	}
	switch d.Kind() {
	case objectdata.KindUnknown:
		f.Value = "<invalid>"
	case objectdata.KindReferenceObject, objectdata.KindReferenceArray:
		ptr := d.ReferencePointer()
		if ptr == 0 {
			f.Value = "null"
			return f
		}
		f.Pointer = fmt.Sprintf("%#x", ptr)
		target := s.view.Deref(d)
		if !target.Valid() {
			f.Value = "<unresolved>"
			return f
		}
		sizer := s.heap.Sizer()
		if target.TypeIndex() == sizer.StringType() {
			if str, err := sizer.ReadString(target.Data()); err == nil {
				f.Value = strconv.Quote(str)
			}
		}
	case objectdata.KindValue:
		if v, ok := primitive(f.Type, d.Data()); ok {
			f.Value = v
			return f
		}
		if depth >= maxValueDepth {
			f.Value = "..."
			return f
		}
		for _, sub := range s.view.Fields(d) {
			f.Fields = append(f.Fields, s.field(sub, depth+1))
		}
	}
	return f
}

// primitive formats the value at c when typeName is a built-in scalar.
func primitive(typeName string, c memory.Cursor) (string, bool) {
	var (
		v   string
		err error
	)
	switch typeName {
	case "System.Boolean":
		var b bool
		b, err = c.ReadBool()
		v = strconv.FormatBool(b)
	case "System.Byte":
		var n uint8
		n, err = c.ReadUint8()
		v = strconv.FormatUint(uint64(n), 10)
	case "System.SByte":
		var n int8
		n, err = c.ReadInt8()
		v = strconv.FormatInt(int64(n), 10)
	case "System.Char":
		var r rune
		r, err = c.ReadChar()
		v = strconv.QuoteRune(r)
	case "System.Int16":
		var n int16
		n, err = c.ReadInt16()
		v = strconv.FormatInt(int64(n), 10)
	case "System.UInt16":
		var n uint16
		n, err = c.ReadUint16()
		v = strconv.FormatUint(uint64(n), 10)
	case "System.Int32":
		var n int32
		n, err = c.ReadInt32()
		v = strconv.FormatInt(int64(n), 10)
	case "System.UInt32":
		var n uint32
		n, err = c.ReadUint32()
		v = strconv.FormatUint(uint64(n), 10)
	case "System.Int64":
		var n int64
		n, err = c.ReadInt64()
		v = strconv.FormatInt(n, 10)
	case "System.UInt64":
		var n uint64
		n, err = c.ReadUint64()
		v = strconv.FormatUint(n, 10)
	case "System.Single":
		var f float32
		f, err = c.ReadFloat32()
		v = strconv.FormatFloat(float64(f), 'g', -1, 32)
	case "System.Double":
		var f float64
		f, err = c.ReadFloat64()
		v = strconv.FormatFloat(f, 'g', -1, 64)
	case "System.IntPtr", "System.UIntPtr":
		var p uint64
		p, err = c.ReadPointer()
		v = fmt.Sprintf("%#x", p)
	default:
		return "", false
	}
	if err != nil {
		return "<unreadable>", true
	}
	return v, true
}
