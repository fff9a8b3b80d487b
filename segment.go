package capnp

import (
	"encoding/binary"

	"capnproto.org/go/capnp/v3/exc"
	"capnproto.org/go/capnp/v3/internal/str"
)

// A Segment is a contiguous block of word-aligned memory that is part
// of a Message. Pointers within a segment are near (same-segment)
// pointers; pointers that cross segments are encoded as far pointers.
type Segment struct {
	msg  *Message
	id   SegmentID
	data []byte
}

// Message returns the message that contains s.
func (s *Segment) Message() *Message { return s.msg }

// ID returns the segment's ID within its message.
func (s *Segment) ID() SegmentID { return s.id }

// Data returns the raw bytes of the segment.
func (s *Segment) Data() []byte { return s.data }

func (s *Segment) inBounds(addr address) bool {
	return addr < address(len(s.data))
}

func (s *Segment) regionInBounds(base address, sz Size) bool {
	end, ok := base.addSize(sz)
	if !ok {
		return false
	}
	return end <= address(len(s.data))
}

func (s *Segment) slice(base address, sz Size) []byte {
	return s.data[base : base+address(sz)]
}

func (s *Segment) readUint8(addr address) uint8 { return s.slice(addr, 1)[0] }
func (s *Segment) readUint16(addr address) uint16 {
	return binary.LittleEndian.Uint16(s.slice(addr, 2))
}
func (s *Segment) readUint32(addr address) uint32 {
	return binary.LittleEndian.Uint32(s.slice(addr, 4))
}
func (s *Segment) readUint64(addr address) uint64 {
	return binary.LittleEndian.Uint64(s.slice(addr, 8))
}
func (s *Segment) readRawPointer(addr address) rawPointer {
	return rawPointer(s.readUint64(addr))
}

func (s *Segment) writeUint8(addr address, v uint8) { s.slice(addr, 1)[0] = v }
func (s *Segment) writeUint16(addr address, v uint16) {
	binary.LittleEndian.PutUint16(s.slice(addr, 2), v)
}
func (s *Segment) writeUint32(addr address, v uint32) {
	binary.LittleEndian.PutUint32(s.slice(addr, 4), v)
}
func (s *Segment) writeUint64(addr address, v uint64) {
	binary.LittleEndian.PutUint64(s.slice(addr, 8), v)
}
func (s *Segment) writeRawPointer(addr address, v rawPointer) {
	s.writeUint64(addr, uint64(v))
}

// root returns the one-pointer list addressing word 0 of the segment,
// which is only meaningful for segment 0 of a message.
func (s *Segment) root() (PointerList, bool) {
	sz := ObjectSize{PointerCount: 1}
	if !s.regionInBounds(0, sz.totalSize()) {
		return PointerList{}, false
	}
	return PointerList{List{
		seg:        s,
		length:     1,
		size:       sz,
		depthLimit: s.msg.depthLimit(),
	}}, true
}

func (s *Segment) lookupSegment(id SegmentID) (*Segment, error) {
	if s.id == id {
		return s, nil
	}
	return s.msg.Segment(id)
}

// readPtr decodes and follows the pointer at paddr, resolving any far
// indirection and descending into the landing pad.
func (s *Segment) readPtr(paddr address, depthLimit uint) (Ptr, error) {
	seg, base, val, err := s.resolveFarPointer(paddr)
	if err != nil {
		return Ptr{}, err
	}
	if val == 0 {
		return Ptr{}, nil
	}
	if depthLimit == 0 {
		return Ptr{}, errDepthLimit
	}
	switch val.pointerType() {
	case structPointer:
		sp, err := seg.readStructPtr(base, val)
		if err != nil {
			return Ptr{}, err
		}
		if !seg.msg.canRead(sp.size.totalSize()) {
			return Ptr{}, errReadLimit
		}
		sp.depthLimit = depthLimit - 1
		return sp.ToPtr(), nil
	case listPointer:
		lp, err := seg.readListPtr(base, val)
		if err != nil {
			return Ptr{}, err
		}
		if !seg.msg.canRead(lp.readSize()) {
			return Ptr{}, errReadLimit
		}
		lp.depthLimit = depthLimit - 1
		return lp.ToPtr(), nil
	case otherPointer:
		if val.otherPointerType() != 0 {
			return Ptr{}, errOtherPointer
		}
		return Interface{seg: seg, cap: val.capabilityIndex()}.ToPtr(), nil
	default:
		return Ptr{}, errBadLandingPad
	}
}

func (s *Segment) readStructPtr(base address, val rawPointer) (Struct, error) {
	addr, ok := val.offset().resolve(base)
	if !ok {
		return Struct{}, errPointerAddress
	}
	sz := val.structSize()
	if !s.regionInBounds(addr, sz.totalSize()) {
		return Struct{}, errPointerAddress
	}
	return Struct{seg: s, off: addr, size: sz}, nil
}

func (s *Segment) readListPtr(base address, val rawPointer) (List, error) {
	addr, ok := val.offset().resolve(base)
	if !ok {
		return List{}, errPointerAddress
	}
	lsize, ok := val.totalListSize()
	if !ok {
		return List{}, errOverflow
	}
	lt := val.listType()
	if lt == sizeInlineComposite {
		if !s.regionInBounds(addr, wordSize) {
			return List{}, errPointerAddress
		}
		tag := s.readRawPointer(addr)
		addr2, ok := addr.addSize(wordSize)
		if !ok {
			return List{}, errOverflow
		}
		if tag.pointerType() != structPointer {
			return List{}, errBadTag
		}
		sz := tag.structSize()
		n := int32(tag.offset())
		tsize, ok := sz.totalSize().times(n)
		if !ok {
			return List{}, errOverflow
		}
		if !s.regionInBounds(addr2, tsize) {
			return List{}, errPointerAddress
		}
		return List{seg: s, size: sz, off: addr2, length: n, flags: isCompositeList}, nil
	}
	if !s.regionInBounds(addr, lsize) {
		return List{}, errPointerAddress
	}
	if lt == sizeBit {
		return List{seg: s, off: addr, length: val.numListElements(), flags: isBitList}, nil
	}
	return List{
		seg:    s,
		size:   lt.pointerSize(),
		off:    addr,
		length: val.numListElements(),
	}, nil
}

// resolveFarPointer follows zero or more far-pointer indirections
// starting at paddr, returning the segment, base address, and raw
// pointer value of the final near pointer (or landing pad).
func (s *Segment) resolveFarPointer(paddr address) (dst *Segment, base address, resolved rawPointer, err error) {
	val := s.readRawPointer(paddr)
	switch val.pointerType() {
	case farPointer:
		if val.isDoubleFar() {
			padSeg, err := s.lookupSegment(val.farSegment())
			if err != nil {
				return nil, 0, 0, err
			}
			padAddr := val.farAddress()
			if !padSeg.regionInBounds(padAddr, wordSize*2) {
				return nil, 0, 0, errPointerAddress
			}
			far := padSeg.readRawPointer(padAddr)
			if far.pointerType() != farPointer || far.isDoubleFar() {
				return nil, 0, 0, errBadLandingPad
			}
			tagAddr, ok := padAddr.addSize(wordSize)
			if !ok {
				return nil, 0, 0, errOverflow
			}
			tag := padSeg.readRawPointer(tagAddr)
			if pt := tag.pointerType(); (pt != structPointer && pt != listPointer) || tag.offset() != 0 {
				return nil, 0, 0, errBadLandingPad
			}
			dst, err = s.lookupSegment(far.farSegment())
			if err != nil {
				return nil, 0, 0, err
			}
			return dst, far.farAddress(), landingPadNearPointer(far, tag), nil
		}
		dst, err := s.lookupSegment(val.farSegment())
		if err != nil {
			return nil, 0, 0, err
		}
		padAddr := val.farAddress()
		if !dst.regionInBounds(padAddr, wordSize) {
			return nil, 0, 0, errPointerAddress
		}
		base, ok := padAddr.addSize(wordSize)
		if !ok {
			return nil, 0, 0, errOverflow
		}
		return dst, base, dst.readRawPointer(padAddr), nil
	default:
		base, ok := paddr.addSize(wordSize)
		if !ok {
			return nil, 0, 0, errOverflow
		}
		return s, base, val, nil
	}
}

// writePtr encodes src into the pointer slot at off, copying src's
// content into s's message if it lives elsewhere (or forceCopy is
// set).
func (s *Segment) writePtr(off address, src Ptr, forceCopy bool) error {
	if !src.IsValid() {
		s.writeRawPointer(off, 0)
		return nil
	}

	var srcAddr address
	var srcRaw rawPointer
	switch src.flags.ptrType() {
	case structPtrType:
		st := src.Struct()
		if st.size.isZero() {
			s.writeRawPointer(off, rawStructPointer(-1, ObjectSize{}))
			return nil
		}
		if forceCopy || src.seg.msg != s.msg || st.flags&isListMember != 0 {
			newSeg, newAddr, err := alloc(s, st.size.totalSize())
			if err != nil {
				return err
			}
			dst := Struct{seg: newSeg, off: newAddr, size: st.size, depthLimit: maxDepth}
			if err := copyStruct(dst, st); err != nil {
				return err
			}
			st = dst
			src = dst.ToPtr()
		}
		srcAddr = st.off
		srcRaw = rawStructPointer(0, st.size)
	case listPtrType:
		l := src.List()
		if forceCopy || src.seg.msg != s.msg {
			sz := l.allocSize()
			newSeg, newAddr, err := alloc(s, sz)
			if err != nil {
				return err
			}
			dst := List{seg: newSeg, off: newAddr, length: l.length, size: l.size, flags: l.flags, depthLimit: maxDepth}
			if dst.flags&isCompositeList != 0 {
				newSeg.writeRawPointer(newAddr, l.seg.readRawPointer(l.off-address(wordSize)))
				var ok bool
				dst.off, ok = dst.off.addSize(wordSize)
				if !ok {
					return errOverflow
				}
				sz -= wordSize
			}
			if dst.flags&isBitList != 0 || dst.size.PointerCount == 0 {
				end, _ := l.off.addSize(sz)
				copy(newSeg.data[dst.off:], l.seg.data[l.off:end])
			} else {
				for i := 0; i < l.Len(); i++ {
					if err := copyStruct(dst.Struct(i), l.Struct(i)); err != nil {
						return err
					}
				}
			}
			l = dst
			src = dst.ToPtr()
		}
		srcAddr = l.off
		if l.flags&isCompositeList != 0 {
			srcAddr -= address(wordSize)
		}
		srcRaw = l.raw()
	case interfacePtrType:
		i := src.Interface()
		if src.seg.msg != s.msg {
			capID := s.msg.AddCap(i.Client())
			i = NewInterface(s, capID)
		}
		s.writeRawPointer(off, rawInterfacePointer(i.cap))
		return nil
	default:
		return exc.Errorf("write pointer: unreachable pointer kind")
	}

	switch {
	case src.seg == s:
		s.writeRawPointer(off, srcRaw.withOffset(nearPointerOffset(off, srcAddr)))
		return nil
	case hasCapacity(src.seg.data, wordSize):
		_, padAddr, _ := alloc(src.seg, wordSize)
		src.seg.writeRawPointer(padAddr, srcRaw.withOffset(nearPointerOffset(padAddr, srcAddr)))
		s.writeRawPointer(off, rawFarPointer(src.seg.id, padAddr))
		return nil
	default:
		padSeg, padAddr, err := alloc(s, wordSize*2)
		if err != nil {
			return err
		}
		padSeg.writeRawPointer(padAddr, rawFarPointer(src.seg.id, srcAddr))
		padSeg.writeRawPointer(padAddr+address(wordSize), srcRaw)
		s.writeRawPointer(off, rawDoubleFarPointer(padSeg.id, padAddr))
		return nil
	}
}

func hasCapacity(data []byte, sz Size) bool {
	return Size(cap(data)-len(data)) >= sz
}

func (id SegmentID) String() string { return str.Utod(uint32(id)) }
