package capnp

import (
	"math"

	"capnproto.org/go/capnp/v3/exc"
)

// structFlags holds bookkeeping bits about a Struct that don't belong
// on the wire.
type structFlags uint8

const (
	// isListMember marks a Struct that is an element of a composite
	// list, which must always be deep-copied (never aliased via a far
	// pointer) when placed elsewhere.
	isListMember structFlags = 1 << iota
)

// A Struct is a pointer to a Cap'n Proto struct, usable to both read
// and mutate its data and pointer sections. The zero Struct is not
// valid; use NewStruct, NewRootStruct, or a Ptr's Struct accessor.
type Struct struct {
	seg  *Segment
	off  address
	size ObjectSize

	flags      structFlags
	depthLimit uint
}

// IsValid reports whether s originates from an actual pointer (as
// opposed to the zero Struct, which getters return for absent
// fields).
func (s Struct) IsValid() bool { return s.seg != nil }

// Segment returns the segment the struct is stored in.
func (s Struct) Segment() *Segment { return s.seg }

// Size returns the size of the struct's data and pointer sections.
func (s Struct) Size() ObjectSize { return s.size }

// ToPtr returns the pointer to the struct.
func (s Struct) ToPtr() Ptr {
	return Ptr{seg: s.seg, structVal: s, flags: ptrFlags(structPtrType)}
}

// NewRootStruct allocates a new struct of the given size in segment
// seg's message and sets it as the message root.
func NewRootStruct(seg *Segment, sz ObjectSize) (Struct, error) {
	st, err := NewStruct(seg, sz)
	if err != nil {
		return Struct{}, exc.WrapError("new root struct", err)
	}
	if err := seg.msg.SetRoot(st.ToPtr()); err != nil {
		return Struct{}, exc.WrapError("new root struct", err)
	}
	return st, nil
}

// NewStruct allocates a new struct of the given size in seg's
// message, preferring seg itself.
func NewStruct(seg *Segment, sz ObjectSize) (Struct, error) {
	sz.DataSize = sz.DataSize.padToWord()
	total := sz.totalSize()
	if total > maxSegmentSize {
		return Struct{}, exc.New(exc.Failed, exc.ElementCountTooLarge, "new struct: size too large")
	}
	newSeg, addr, err := alloc(seg, total)
	if err != nil {
		return Struct{}, exc.WrapError("new struct", err)
	}
	return Struct{seg: newSeg, off: addr, size: sz, depthLimit: maxDepth}, nil
}

func (s Struct) dataAddr(off Size) (address, bool) {
	a, ok := s.off.addSize(off)
	if !ok || !s.regionOk(off, 1) {
		return 0, false
	}
	return a, true
}

func (s Struct) regionOk(off, sz Size) bool {
	return off+sz <= s.size.DataSize
}

// Uint8 reads the byte at byte offset off within the data section,
// returning 0 if off is beyond the struct's declared data size (the
// forward-compatibility rule: fields added by a newer schema read as
// zero in an older reader).
func (s Struct) Uint8(off Size) uint8 {
	if !s.IsValid() || !s.regionOk(off, 1) {
		return 0
	}
	return s.seg.readUint8(s.off + address(off))
}

func (s Struct) Uint16(off Size) uint16 {
	if !s.IsValid() || !s.regionOk(off, 2) {
		return 0
	}
	return s.seg.readUint16(s.off + address(off))
}

func (s Struct) Uint32(off Size) uint32 {
	if !s.IsValid() || !s.regionOk(off, 4) {
		return 0
	}
	return s.seg.readUint32(s.off + address(off))
}

func (s Struct) Uint64(off Size) uint64 {
	if !s.IsValid() || !s.regionOk(off, 8) {
		return 0
	}
	return s.seg.readUint64(s.off + address(off))
}

func (s Struct) Int8(off Size) int8     { return int8(s.Uint8(off)) }
func (s Struct) Int16(off Size) int16   { return int16(s.Uint16(off)) }
func (s Struct) Int32(off Size) int32   { return int32(s.Uint32(off)) }
func (s Struct) Int64(off Size) int64   { return int64(s.Uint64(off)) }
func (s Struct) Float32(off Size) float32 {
	return math.Float32frombits(s.Uint32(off))
}
func (s Struct) Float64(off Size) float64 {
	return math.Float64frombits(s.Uint64(off))
}

// Bool reads the bit at the given bit offset within the data
// section.
func (s Struct) Bool(off Size) bool {
	byteOff := off / 8
	if !s.IsValid() || !s.regionOk(byteOff, 1) {
		return false
	}
	bit := off % 8
	return s.seg.readUint8(s.off+address(byteOff))&(1<<bit) != 0
}

// BoolStrict is like Bool but rejects values other than the bit
// patterns 0 or 1 packed across the whole byte, matching the strict
// decoding some protocol-layer booleans require.
func (s Struct) BoolStrict(off Size) (bool, error) {
	byteOff := off / 8
	if !s.IsValid() || !s.regionOk(byteOff, 1) {
		return false, nil
	}
	b := s.seg.readUint8(s.off + address(byteOff))
	bit := off % 8
	mask := uint8(1) << bit
	if b&^mask != 0 {
		return false, exc.New(exc.Failed, exc.ProtocolViolation, "strict bool field has extraneous bits set")
	}
	return b&mask != 0, nil
}

func (s Struct) SetUint8(off Size, v uint8) {
	if a, ok := s.dataAddr(off); ok {
		s.seg.writeUint8(a, v)
	}
}
func (s Struct) SetUint16(off Size, v uint16) {
	if s.IsValid() && s.regionOk(off, 2) {
		s.seg.writeUint16(s.off+address(off), v)
	}
}
func (s Struct) SetUint32(off Size, v uint32) {
	if s.IsValid() && s.regionOk(off, 4) {
		s.seg.writeUint32(s.off+address(off), v)
	}
}
func (s Struct) SetUint64(off Size, v uint64) {
	if s.IsValid() && s.regionOk(off, 8) {
		s.seg.writeUint64(s.off+address(off), v)
	}
}
func (s Struct) SetInt8(off Size, v int8)     { s.SetUint8(off, uint8(v)) }
func (s Struct) SetInt16(off Size, v int16)   { s.SetUint16(off, uint16(v)) }
func (s Struct) SetInt32(off Size, v int32)   { s.SetUint32(off, uint32(v)) }
func (s Struct) SetInt64(off Size, v int64)   { s.SetUint64(off, uint64(v)) }
func (s Struct) SetFloat32(off Size, v float32) {
	s.SetUint32(off, math.Float32bits(v))
}
func (s Struct) SetFloat64(off Size, v float64) {
	s.SetUint64(off, math.Float64bits(v))
}

func (s Struct) SetBool(off Size, v bool) {
	byteOff := off / 8
	if !s.IsValid() || !s.regionOk(byteOff, 1) {
		return
	}
	bit := off % 8
	addr := s.off + address(byteOff)
	b := s.seg.readUint8(addr)
	if v {
		b |= 1 << bit
	} else {
		b &^= 1 << bit
	}
	s.seg.writeUint8(addr, b)
}

// pointerAddress returns the address of the i'th pointer field,
// regardless of whether it falls within the struct's declared pointer
// section.
func (s Struct) pointerAddress(i uint16) address {
	return s.off + address(s.size.DataSize) + address(i)*address(wordSize)
}

// Ptr returns the i'th pointer field, or the zero Ptr if i is beyond
// the struct's declared pointer section (forward-compatibility) or
// the field was never set.
func (s Struct) Ptr(i uint16) (Ptr, error) {
	if !s.IsValid() || i >= s.size.PointerCount {
		return Ptr{}, nil
	}
	if s.depthLimit == 0 {
		return Ptr{}, errDepthLimit
	}
	return s.seg.readPtr(s.pointerAddress(i), s.depthLimit)
}

// HasPtr reports whether the i'th pointer field is non-null, without
// the cost of resolving it.
func (s Struct) HasPtr(i uint16) bool {
	if !s.IsValid() || i >= s.size.PointerCount {
		return false
	}
	_, _, val, err := s.seg.resolveFarPointer(s.pointerAddress(i))
	return err == nil && val != 0
}

// SetPtr sets the i'th pointer field to p, copying p's content into
// this struct's message if necessary.
func (s Struct) SetPtr(i uint16, p Ptr) error {
	if !s.IsValid() {
		return exc.Errorf("set pointer: invalid struct")
	}
	if i >= s.size.PointerCount {
		return exc.Errorf("set pointer: index %d out of bounds (have %d)", i, s.size.PointerCount)
	}
	return s.seg.writePtr(s.pointerAddress(i), p, false)
}

// SetText is a convenience for SetPtr(i, text string as a Text ptr).
func (s Struct) SetText(i uint16, v string) error {
	t, err := NewText(s.seg, v)
	if err != nil {
		return err
	}
	return s.SetPtr(i, t.ToPtr())
}

// Text reads the i'th pointer field as Text, returning "" if unset.
func (s Struct) Text(i uint16) (string, error) {
	p, err := s.Ptr(i)
	if err != nil {
		return "", err
	}
	return p.Text(), nil
}

// copyStruct deep-copies src's data and pointer sections into dst,
// which must already be allocated with room for src.size (or larger).
func copyStruct(dst, src Struct) error {
	if !src.IsValid() {
		return nil
	}
	n := src.size.DataSize
	if dst.size.DataSize < n {
		n = dst.size.DataSize
	}
	copy(dst.seg.data[dst.off:dst.off+address(n)], src.seg.data[src.off:src.off+address(n)])
	for i := uint16(0); i < src.size.PointerCount; i++ {
		p, err := src.Ptr(i)
		if err != nil {
			return err
		}
		if i < dst.size.PointerCount {
			if err := dst.SetPtr(i, p); err != nil {
				return err
			}
		}
	}
	return nil
}
