// ABOUTME: Captured memory sections and the address locator over them
// ABOUTME: Maps an address to a cursor inside the section that contains it

package memory

import (
	"sort"
)

// Section is a contiguous captured memory range.
type Section struct {
	Base  uint64
	Bytes []byte
}

// End is the first address past the section.
func (s Section) End() uint64 { return s.Base + uint64(len(s.Bytes)) }

// Contains reports whether addr lies inside the section.
func (s Section) Contains(addr uint64) bool {
	return addr >= s.Base && addr < s.End()
}

// Locator finds the captured section holding an address. Lookups are a
// linear scan in registration order; section counts are small.
type Locator struct {
	ptrSize  int
	sections []Section
}

// NewLocator builds a locator over the given section groups, searched in order.
func NewLocator(ptrSize int, groups ...[]Section) *Locator {
	l := &Locator{ptrSize: ptrSize}
	for _, g := range groups {
		l.sections = append(l.sections, g...)
	}
	return l
}

// Find returns a cursor positioned at addr, or false when addr is outside
// every captured section.
func (l *Locator) Find(addr uint64) (Cursor, bool) {
	if l == nil {
		return Cursor{}, false
	}
	for i := range l.sections {
		s := &l.sections[i]
		if s.Contains(addr) {
			return Cursor{bytes: s.Bytes, offset: int(addr - s.Base), ptrSize: l.ptrSize}, true
		}
	}
	return Cursor{}, false
}

// SectionIndex returns the index of the section containing addr, or -1.
func (l *Locator) SectionIndex(addr uint64) int {
	if l == nil {
		return -1
	}
	for i := range l.sections {
		if l.sections[i].Contains(addr) {
			return i
		}
	}
	return -1
}

// Len is the number of sections the locator scans.
func (l *Locator) Len() int {
	if l == nil {
		return 0
	}
	return len(l.sections)
}

// Section returns the i-th section.
func (l *Locator) Section(i int) Section { return l.sections[i] }

// SortedByBase returns section indices ordered by base address.
func (l *Locator) SortedByBase() []int {
	idx := make([]int, l.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return l.sections[idx[a]].Base < l.sections[idx[b]].Base
	})
	return idx
}

// TotalBytes is the sum of all section sizes.
func (l *Locator) TotalBytes() uint64 {
	var n uint64
	for i := 0; i < l.Len(); i++ {
		n += uint64(len(l.sections[i].Bytes))
	}
	return n
}
