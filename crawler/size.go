// ABOUTME: Object size computation for plain objects, arrays and strings
// ABOUTME: Also decodes array geometry (per-rank lengths, element stride) from headers

package crawler

import (
	"strconv"
	"strings"

	"github.com/prateek/snapgraph/memory"
	"github.com/prateek/snapgraph/snapshot"
)

// maxArrayLength caps array lengths decoded from headers.
const maxArrayLength = 1 << 40

// Sizer computes object sizes from their headers.
type Sizer struct {
	snap       *snapshot.Snapshot
	stringType int32
}

// NewSizer returns a sizer that treats stringType as the managed string type.
func NewSizer(snap *snapshot.Snapshot, stringType string) Sizer {
	st, ok := snap.Types.IndexByName(stringType)
	if !ok {
		st = -1
	}
	return Sizer{snap: snap, stringType: st}
}

// StringType is the row of the managed string type, or -1.
func (s Sizer) StringType() int32 { return s.stringType }

// ArraySize is the byte size of an array with length elements.
func ArraySize(layout memory.Layout, elementSize int, length int64) int64 {
	return int64(layout.ArrayHeaderSize) + int64(elementSize)*length
}

// StringSize is the byte size of a string of chars UTF-16 code units: the
// header, a length tag byte, the characters and a two-byte terminator.
func StringSize(layout memory.Layout, chars int64) int64 {
	return int64(layout.ObjectHeaderSize) + 1 + 2*chars + 2
}

// ElementType is the element type of array type t, or t itself when the
// capture did not record one.
func (s Sizer) ElementType(t int32) int32 {
	if e := s.snap.Types.Element(t); e >= 0 {
		return e
	}
	return t
}

// ElementSize is the stride of array type t's elements.
func (s Sizer) ElementSize(t int32) int {
	e := s.ElementType(t)
	if s.snap.Types.Flags[e].IsValueType() {
		return int(s.snap.Types.Sizes[e])
	}
	return s.snap.Layout.PointerSize
}

// ArrayRanks returns the per-rank lengths of the array at obj. A zero bounds
// pointer means a single dimension with the length inline in the header;
// otherwise the bounds block holds one int32 length per rank, 8 bytes apart.
func (s Sizer) ArrayRanks(t int32, obj memory.Cursor) []int64 {
	l := s.snap.Layout
	bounds, err := obj.Add(l.ArrayBoundsOffset).ReadPointer()
	if err != nil {
		return nil
	}
	if bounds == 0 {
		n, err := obj.Add(l.ArraySizeOffset).ReadInt32()
		if err != nil || n < 0 {
			return nil
		}
		return []int64{int64(n)}
	}
	bc, ok := s.snap.Find(bounds)
	if !ok {
		return nil
	}
	rank := s.snap.Types.Flags[t].Rank()
	if rank < 1 {
		rank = 1
	}
	ranks := make([]int64, rank)
	for r := range ranks {
		n, err := bc.Add(8 * r).ReadInt32()
		if err != nil || n < 0 {
			return nil
		}
		ranks[r] = int64(n)
	}
	return ranks
}

// ArrayLength is the total element count of the array at obj, the product of
// its rank lengths. Unreadable or absurd geometry yields 0.
func (s Sizer) ArrayLength(t int32, obj memory.Cursor) int64 {
	return product(s.ArrayRanks(t, obj))
}

func product(ranks []int64) int64 {
	if len(ranks) == 0 {
		return 0
	}
	length := int64(1)
	for _, n := range ranks {
		length *= n
		if length > maxArrayLength {
			return 0
		}
	}
	return length
}

// SizeOf is the byte size of the object of type t whose header is at obj.
func (s Sizer) SizeOf(t int32, obj memory.Cursor) int64 {
	types := &s.snap.Types
	switch {
	case types.Flags[t].IsArray():
		return ArraySize(s.snap.Layout, s.ElementSize(t), s.ArrayLength(t, obj))
	case t == s.stringType:
		n, err := obj.Add(s.snap.Layout.ObjectHeaderSize).ReadInt32()
		if err != nil || n < 0 {
			n = 0
		}
		return StringSize(s.snap.Layout, int64(n))
	default:
		return int64(types.Sizes[t])
	}
}

// ReadString decodes the string object whose header is at obj.
func (s Sizer) ReadString(obj memory.Cursor) (string, error) {
	return obj.Add(s.snap.Layout.ObjectHeaderSize).ReadString()
}

// ArrayInfo describes the geometry of one array object.
type ArrayInfo struct {
	Address     uint64
	ArrayType   int32
	ElementType int32
	Ranks       []int64
	Length      int64
	ElementSize int
	Header      memory.Cursor
	Data        memory.Cursor

	headerSize int
}

// ArrayInfo decodes the array of type t whose header is at addr.
func (s Sizer) ArrayInfo(addr uint64, t int32) (ArrayInfo, bool) {
	header, ok := s.snap.Find(addr)
	if !ok {
		return ArrayInfo{}, false
	}
	ranks := s.ArrayRanks(t, header)
	return ArrayInfo{
		Address:     addr,
		ArrayType:   t,
		ElementType: s.ElementType(t),
		Ranks:       ranks,
		Length:      product(ranks),
		ElementSize: s.ElementSize(t),
		Header:      header,
		Data:        header.Add(s.snap.Layout.ArrayHeaderSize),
		headerSize:  s.snap.Layout.ArrayHeaderSize,
	}, true
}

// Element returns a cursor at element i.
func (a ArrayInfo) Element(i int64) memory.Cursor {
	return a.Data.Add(int(i) * a.ElementSize)
}

// ElementAddress is the address of element i.
func (a ArrayInfo) ElementAddress(i int64) uint64 {
	return a.Address + uint64(a.headerSize) + uint64(i)*uint64(a.ElementSize)
}

// RankString formats the rank lengths, e.g. "3, 4".
func (a ArrayInfo) RankString() string {
	parts := make([]string, len(a.Ranks))
	for i, n := range a.Ranks {
		parts[i] = strconv.FormatInt(n, 10)
	}
	return strings.Join(parts, ", ")
}

// IndexToRankedString formats flat element index i as per-rank coordinates
// in row-major order, e.g. 5 in a 3x4 array is "1, 1".
func (a ArrayInfo) IndexToRankedString(i int64) string {
	if len(a.Ranks) == 0 {
		return strconv.FormatInt(i, 10)
	}
	coords := make([]string, len(a.Ranks))
	rem := i
	for r := len(a.Ranks) - 1; r >= 0; r-- {
		n := a.Ranks[r]
		if n == 0 || r == 0 {
			coords[r] = strconv.FormatInt(rem, 10)
			rem = 0
			continue
		}
		coords[r] = strconv.FormatInt(rem%n, 10)
		rem /= n
	}
	return strings.Join(coords, ", ")
}
