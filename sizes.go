package capnp

import "capnproto.org/go/capnp/v3/internal/str"

// Size is a size in bytes. It is always a multiple of the word size
// (8 bytes), except for intermediate values tracking bit offsets into
// a struct's data section.
type Size uint32

// wordSize is the number of bytes in a word: the unit of allocation
// and addressing throughout a Cap'n Proto message.
const wordSize Size = 8

// maxSegmentSize is the largest permitted size, in bytes, of a single
// segment. It is chosen so that word counts (uint32) and byte counts
// never disagree about overflow.
const maxSegmentSize = (1 << 32) - 1

// maxInt is the largest value representable by a platform int,
// treated as 64-bit since that's the realistic deployment target.
const maxInt = int64(^uint64(0) >> 1)

// maxAllocSize returns the largest number of bytes that can be
// requested in a single allocation. A single object can never be
// larger than a segment.
func maxAllocSize() Size {
	return maxSegmentSize
}

// padToWord rounds sz up to the next multiple of the word size. It
// does no overflow check of its own: for sz within 7 bytes of the top
// of Size's range the result wraps around.
func (sz Size) padToWord() Size {
	return (sz + (wordSize - 1)) &^ (wordSize - 1)
}

func (sz Size) isZero() bool { return sz == 0 }

// addSize adds sz and other, reporting whether the result overflows
// Size's range.
func (sz Size) addSize(other Size) (Size, bool) {
	sum := sz + other
	if sum < sz {
		return 0, false
	}
	if uint64(sum) > maxSegmentSize {
		return 0, false
	}
	return sum, true
}

// times multiplies sz by a nonnegative count, reporting whether the
// result overflows.
func (sz Size) times(count int32) (Size, bool) {
	if count < 0 {
		return 0, false
	}
	product := uint64(sz) * uint64(count)
	if product > maxSegmentSize {
		return 0, false
	}
	return Size(product), true
}

// DataOffset is a byte offset into a struct's data section, as
// opposed to a Size used for lengths; the two share a representation
// but the distinct name documents intent at call sites like
// canonicalStructSize that walk the data section word by word.
type DataOffset = Size

// address is a byte offset within a single segment.
type address uint32

// addSize returns addr+sz, or false if it would overflow or exceed a
// single segment's addressable range.
func (addr address) addSize(sz Size) (address, bool) {
	end := uint64(addr) + uint64(sz)
	if end > maxSegmentSize {
		return 0, false
	}
	return address(end), true
}

// element returns the address of the i'th element of size sz starting
// at addr, or false on overflow.
func (addr address) element(i int32, sz Size) (address, bool) {
	if i < 0 {
		return 0, false
	}
	off, ok := sz.times(i)
	if !ok {
		return 0, false
	}
	return addr.addSize(off)
}

func (addr address) String() string { return str.Utod(uint32(addr)) }

// SegmentID is a numeric identifier for a segment, unique within a
// single message.
type SegmentID uint32

// ObjectSize describes the size of a struct's data and pointer
// sections, both always word-aligned.
type ObjectSize struct {
	DataSize     Size
	PointerCount uint16
}

func (sz ObjectSize) isZero() bool {
	return sz.DataSize == 0 && sz.PointerCount == 0
}

// pointerSize returns the size, in bytes, occupied by PointerCount
// pointers.
func (sz ObjectSize) pointerSize() Size {
	return Size(sz.PointerCount) * wordSize
}

// totalSize returns the word-aligned total size of data and pointer
// sections.
func (sz ObjectSize) totalSize() Size {
	return sz.DataSize.padToWord() + sz.pointerSize()
}

func maxUint16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

func maxSize(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}
