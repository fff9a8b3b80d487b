package capnp

import "capnproto.org/go/capnp/v3/exc"

// rawPointer is a Cap'n Proto pointer word as it appears on the wire,
// in its raw, unresolved form: a near struct/list pointer, a far
// pointer, or a capability (other) pointer. See
// https://capnproto.org/encoding.html#pointers.
type rawPointer uint64

// pointerType identifies the four variants a pointer word can encode
// in its low two bits.
type pointerType uint8

const (
	structPointer pointerType = 0
	listPointer   pointerType = 1
	farPointer    pointerType = 2
	otherPointer  pointerType = 3
)

func (p rawPointer) pointerType() pointerType {
	return pointerType(p & 3)
}

// Struct pointer layout: bits [2,32) signed offset, [32,48) data word
// count, [48,64) pointer count.
func rawStructPointer(off int32, sz ObjectSize) rawPointer {
	dataWords := uint16(sz.DataSize / wordSize)
	return rawPointer(uint64(uint32(off<<2)|uint32(structPointer)) |
		uint64(dataWords)<<32 |
		uint64(sz.PointerCount)<<48)
}

func (p rawPointer) offset() parsedOffset {
	return parsedOffset(int32(p) >> 2)
}

func (p rawPointer) structSize() ObjectSize {
	return ObjectSize{
		DataSize:     Size(uint16(p>>32)) * wordSize,
		PointerCount: uint16(p >> 48),
	}
}

// parsedOffset is a signed word offset extracted from a pointer.
type parsedOffset int32

// resolve computes the address that a near pointer addresses, given
// base, the address of the word just past the pointer: the target is
// base + off*wordSize.
func (off parsedOffset) resolve(base address) (address, bool) {
	delta := int64(off) * int64(wordSize)
	result := int64(base) + delta
	if result < 0 || result > maxSegmentSize {
		return 0, false
	}
	return address(result), true
}

// nearPointerOffset computes the offset field for a near pointer
// located at paddr that targets tgt.
func nearPointerOffset(paddr, tgt address) parsedOffset {
	return parsedOffset((int64(tgt) - int64(paddr) - int64(wordSize)) / int64(wordSize))
}

// List pointer layout: bits [2,32) signed offset, [32,35) element
// size tag, [35,64) element count.
type listElementSize uint8

const (
	sizeVoid listElementSize = iota
	sizeBit
	sizeByte
	sizeTwoBytes
	sizeFourBytes
	sizeEightBytes
	sizePointer
	sizeInlineComposite
)

func (sz listElementSize) dataSize() Size {
	switch sz {
	case sizeVoid, sizeBit:
		return 0
	case sizeByte:
		return 1
	case sizeTwoBytes:
		return 2
	case sizeFourBytes:
		return 4
	case sizeEightBytes, sizePointer:
		return 8
	default:
		return 0
	}
}

func (sz listElementSize) pointerSize() ObjectSize {
	if sz == sizePointer {
		return ObjectSize{PointerCount: 1}
	}
	return ObjectSize{DataSize: sz.dataSize()}
}

func rawListPointer(off int32, sz listElementSize, length int32) rawPointer {
	return rawPointer(uint64(uint32(off<<2)|uint32(listPointer)) |
		uint64(sz)<<32 |
		uint64(uint32(length))<<35)
}

func (p rawPointer) listType() listElementSize {
	return listElementSize((p >> 32) & 7)
}

func (p rawPointer) numListElements() int32 {
	return int32(p >> 35)
}

// totalListSize computes the number of bytes occupied by the list
// body (excluding any inline-composite tag word), using checked
// arithmetic. ok is false on overflow.
func (p rawPointer) totalListSize() (Size, bool) {
	lt := p.listType()
	n := p.numListElements()
	if lt == sizeInlineComposite {
		// Caller must read the tag word to know the true size; here
		// we only know the word count directly encoded.
		if n < 0 {
			return 0, false
		}
		return Size(n) * wordSize, n >= 0
	}
	if lt == sizeBit {
		if n < 0 {
			return 0, false
		}
		return Size((n + 7) / 8), true
	}
	return lt.dataSize().times(n)
}

// Far pointer layout: bit 2 is the landing-pad form (B), bits [3,32)
// offset in the target segment (in words), bits [32,64) segment id.
func rawFarPointer(segID SegmentID, off address) rawPointer {
	wordOff := uint64(off / address(wordSize))
	return rawPointer(uint64(farPointer)|wordOff<<3) | rawPointer(uint64(segID)<<32)
}

func rawDoubleFarPointer(segID SegmentID, off address) rawPointer {
	return rawFarPointer(segID, off) | (1 << 2)
}

func (p rawPointer) isDoubleFar() bool {
	return p&4 != 0
}

func (p rawPointer) farAddress() address {
	return address((uint32(p)>>3)&0x1fffffff) * address(wordSize)
}

func (p rawPointer) farSegment() SegmentID {
	return SegmentID(p >> 32)
}

// Other (capability) pointer layout: bits [2,32) other-pointer-type
// discriminator (0 = capability), bits [32,64) capability table
// index.
func rawInterfacePointer(capID CapabilityID) rawPointer {
	return rawPointer(uint64(otherPointer) | uint64(capID)<<32)
}

func (p rawPointer) otherPointerType() uint32 {
	return uint32(p>>2) & 0x3fffffff
}

func (p rawPointer) capabilityIndex() CapabilityID {
	return CapabilityID(p >> 32)
}

func (p rawPointer) withOffset(off parsedOffset) rawPointer {
	return (p &^ 0xfffffffc) | rawPointer(uint32(off<<2))
}

// landingPadNearPointer converts a (far, tag) landing pad pair into
// the near pointer it logically represents, so the general pointer
// decode path can treat it uniformly.
func landingPadNearPointer(far, tag rawPointer) rawPointer {
	return tag.withOffset(0)
}

var (
	errOverflow       = exc.New(exc.Failed, exc.ArithmeticOverflow, "offset or size computation overflowed")
	errPointerAddress = exc.New(exc.Failed, exc.InvalidPointer, "pointer address out of bounds")
	errBadLandingPad  = exc.New(exc.Failed, exc.InvalidPointer, "invalid far pointer landing pad")
	errBadTag         = exc.New(exc.Failed, exc.InvalidPointer, "invalid inline-composite tag word")
	errOtherPointer   = exc.New(exc.Failed, exc.InvalidPointer, "unknown other-pointer type")
	errReadLimit      = exc.New(exc.Failed, exc.TraversalLimitExceeded, "message traversal limit reached")
	errDepthLimit     = exc.New(exc.Failed, exc.NestingLimitExceeded, "pointer nesting limit reached")
)
