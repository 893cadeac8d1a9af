// ABOUTME: Byte cursor over a borrowed capture buffer with typed little-endian reads
// ABOUTME: Pointer width travels with every cursor so 32 and 64-bit captures share code

package memory

import (
	"encoding/binary"
	"math"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned by reads that would run past the end of the buffer.
// Callers treat it as a dead end for the slot being read, not as a fatal error.
var ErrOutOfRange = errors.New("memory: read out of range")

// maxStringChars bounds string reads so a garbage length cannot allocate gigabytes.
const maxStringChars = 1 << 24

// Cursor is a view into a byte buffer at an offset. It never copies or owns
// the buffer; Add and friends return new cursors.
type Cursor struct {
	bytes   []byte
	offset  int
	ptrSize int
}

// NewCursor returns a cursor at the start of b.
func NewCursor(b []byte, ptrSize int) Cursor {
	return Cursor{bytes: b, ptrSize: ptrSize}
}

// Valid reports whether the cursor points into a buffer at all.
func (c Cursor) Valid() bool { return c.bytes != nil }

// Offset is the position of the cursor inside its buffer.
func (c Cursor) Offset() int { return c.offset }

// PointerSize is the pointer width used by ReadPointer.
func (c Cursor) PointerSize() int { return c.ptrSize }

// Remaining is the number of bytes between the cursor and the end of the buffer.
func (c Cursor) Remaining() int {
	if c.offset < 0 || c.offset > len(c.bytes) {
		return 0
	}
	return len(c.bytes) - c.offset
}

// Add returns a cursor moved by n bytes.
func (c Cursor) Add(n int) Cursor {
	c.offset += n
	return c
}

// NextPointer returns a cursor moved by one pointer width.
func (c Cursor) NextPointer() Cursor {
	return c.Add(c.ptrSize)
}

func (c Cursor) slice(n int) ([]byte, error) {
	if c.bytes == nil || c.offset < 0 || n < 0 || c.offset+n > len(c.bytes) {
		return nil, ErrOutOfRange
	}
	return c.bytes[c.offset : c.offset+n], nil
}

// Bytes returns the next n bytes without copying.
func (c Cursor) Bytes(n int) ([]byte, error) {
	return c.slice(n)
}

// ReadPointer reads a pointer of the cursor's width.
func (c Cursor) ReadPointer() (uint64, error) {
	switch c.ptrSize {
	case 4:
		v, err := c.ReadUint32()
		return uint64(v), err
	case 8:
		return c.ReadUint64()
	default:
		return 0, errors.Errorf("memory: unsupported pointer size %d", c.ptrSize)
	}
}

// WritePointer stores a pointer of the cursor's width at the cursor.
func (c Cursor) WritePointer(v uint64) error {
	b, err := c.slice(c.ptrSize)
	if err != nil {
		return err
	}
	switch c.ptrSize {
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return errors.Errorf("memory: unsupported pointer size %d", c.ptrSize)
	}
	return nil
}

func (c Cursor) ReadUint8() (uint8, error) {
	b, err := c.slice(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c Cursor) ReadInt8() (int8, error) {
	v, err := c.ReadUint8()
	return int8(v), err
}

func (c Cursor) ReadBool() (bool, error) {
	v, err := c.ReadUint8()
	return v != 0, err
}

func (c Cursor) ReadUint16() (uint16, error) {
	b, err := c.slice(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c Cursor) ReadInt16() (int16, error) {
	v, err := c.ReadUint16()
	return int16(v), err
}

// ReadChar reads a single UTF-16 code unit.
func (c Cursor) ReadChar() (rune, error) {
	v, err := c.ReadUint16()
	return rune(v), err
}

func (c Cursor) ReadUint32() (uint32, error) {
	b, err := c.slice(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c Cursor) ReadInt32() (int32, error) {
	v, err := c.ReadUint32()
	return int32(v), err
}

func (c Cursor) ReadUint64() (uint64, error) {
	b, err := c.slice(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c Cursor) ReadInt64() (int64, error) {
	v, err := c.ReadUint64()
	return int64(v), err
}

func (c Cursor) ReadFloat32() (float32, error) {
	v, err := c.ReadUint32()
	return math.Float32frombits(v), err
}

func (c Cursor) ReadFloat64() (float64, error) {
	v, err := c.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString reads an int32 character count followed by that many UTF-16
// code units, the layout of a managed string body.
func (c Cursor) ReadString() (string, error) {
	n, err := c.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 || n > maxStringChars {
		return "", errors.Wrapf(ErrOutOfRange, "string length %d", n)
	}
	b, err := c.Add(4).slice(int(n) * 2)
	if err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units)), nil
}
