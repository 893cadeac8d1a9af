// ABOUTME: Tests for section lookup and layout validation
// ABOUTME: Verifies boundary handling and search order across section groups

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocatorFind(t *testing.T) {
	heap := []Section{
		{Base: 0x2000, Bytes: []byte{0, 1, 2, 3, 4, 5, 6, 7}},
		{Base: 0x1000, Bytes: []byte{10, 11, 12, 13}},
	}
	stacks := []Section{
		{Base: 0x9000, Bytes: []byte{20, 21}},
	}
	l := NewLocator(8, heap, stacks)

	tests := []struct {
		name   string
		addr   uint64
		found  bool
		value  uint8
		offset int
	}{
		{"first byte", 0x2000, true, 0, 0},
		{"last byte", 0x2007, true, 7, 7},
		{"one past end", 0x2008, false, 0, 0},
		{"before base", 0x0fff, false, 0, 0},
		{"second section", 0x1002, true, 12, 2},
		{"stack section", 0x9001, true, 21, 1},
		{"unmapped", 0xdead0000, false, 0, 0},
		{"null", 0, false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := l.Find(tt.addr)
			require.Equal(t, tt.found, ok)
			if !ok {
				assert.False(t, c.Valid())
				return
			}
			v, err := c.ReadUint8()
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
			assert.Equal(t, tt.offset, c.Offset())
			assert.Equal(t, 8, c.PointerSize())
		})
	}

	assert.Equal(t, 2, l.SectionIndex(0x9000))
	assert.Equal(t, -1, l.SectionIndex(0x3000))
	assert.Equal(t, []int{1, 0, 2}, l.SortedByBase())
	assert.Equal(t, uint64(14), l.TotalBytes())
}

func TestNilLocator(t *testing.T) {
	var l *Locator
	_, ok := l.Find(0x1000)
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, -1, l.SectionIndex(0x1000))
}

func TestLayoutValidate(t *testing.T) {
	require.NoError(t, Layout64.Validate())
	require.NoError(t, Layout32.Validate())

	bad := Layout{PointerSize: 3, ObjectHeaderSize: 0, ArrayHeaderSize: -1, ArrayBoundsOffset: 40, ArraySizeOffset: 40}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pointer size")
	assert.Contains(t, err.Error(), "object header size")
	assert.Contains(t, err.Error(), "array bounds offset")
}
