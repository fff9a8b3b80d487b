package capnp

import "capnproto.org/go/capnp/v3/exc"

// listFlags holds bookkeeping bits about a List that don't belong on
// the wire pointer itself.
type listFlags uint8

const (
	isCompositeList listFlags = 1 << iota
	isBitList
)

// A List is a pointer to a Cap'n Proto list of arbitrary element
// type. Use the typed wrappers (PointerList, TextList, generated
// list types) for ergonomic access; List itself exposes the
// primitives they're built on.
type List struct {
	seg    *Segment
	off    address
	length int32
	size   ObjectSize // element size, for non-composite lists
	flags  listFlags

	depthLimit uint
}

// IsValid reports whether l originates from an actual pointer.
func (l List) IsValid() bool { return l.seg != nil }

// Len returns the number of elements in the list.
func (l List) Len() int {
	if !l.IsValid() {
		return 0
	}
	return int(l.length)
}

// Segment returns the segment the list is stored in.
func (l List) Segment() *Segment { return l.seg }

func (l List) ToPtr() Ptr {
	return Ptr{seg: l.seg, listVal: l, flags: ptrFlags(listPtrType)}
}

// elementSize reconstructs the wire element-size tag for this list,
// inferring composite vs. primitive vs. bit encodings from flags.
func (l List) elementSize() listElementSize {
	switch {
	case l.flags&isCompositeList != 0:
		return sizeInlineComposite
	case l.flags&isBitList != 0:
		return sizeBit
	case l.size.PointerCount > 0:
		return sizePointer
	default:
		switch l.size.DataSize {
		case 0:
			return sizeVoid
		case 1:
			return sizeByte
		case 2:
			return sizeTwoBytes
		case 4:
			return sizeFourBytes
		default:
			return sizeEightBytes
		}
	}
}

// allocSize returns the number of bytes occupied by the list body,
// including the inline-composite tag word if present.
func (l List) allocSize() Size {
	if l.flags&isCompositeList != 0 {
		elemSize, _ := l.size.totalSize().times(l.length)
		return wordSize + elemSize
	}
	if l.flags&isBitList != 0 {
		return Size((l.length + 7) / 8)
	}
	sz, _ := l.size.totalSize().times(l.length)
	return sz
}

// readSize is the byte count charged against the message's traversal
// budget when this list is read.
func (l List) readSize() Size { return l.allocSize() }

// raw produces the wire pointer value (without offset) describing
// this list, for use when writing a near or far pointer to it.
func (l List) raw() rawPointer {
	if l.flags&isCompositeList != 0 {
		return rawListPointer(0, sizeInlineComposite, l.length)
	}
	return rawListPointer(0, l.elementSize(), l.length)
}

// Struct returns the i'th element as a Struct. For non-composite
// lists of data or void this yields a struct with zero pointers or
// zero data, matching the "list upgraded from a primitive" rule.
func (l List) Struct(i int) Struct {
	if !l.IsValid() || i < 0 || i >= int(l.length) {
		return Struct{}
	}
	addr, ok := l.off.element(int32(i), l.size.totalSize())
	if !ok {
		return Struct{}
	}
	return Struct{seg: l.seg, off: addr, size: l.size, flags: isListMember, depthLimit: l.depthLimit}
}

// bitAt returns the bit for element i of a bit list.
func (l List) bitAt(i int) bool {
	if !l.IsValid() || i < 0 || i >= int(l.length) {
		return false
	}
	byteOff := address(i / 8)
	bit := uint(i % 8)
	return l.seg.readUint8(l.off+byteOff)&(1<<bit) != 0
}

func (l List) setBitAt(i int, v bool) {
	if !l.IsValid() || i < 0 || i >= int(l.length) {
		return
	}
	byteOff := l.off + address(i/8)
	bit := uint(i % 8)
	b := l.seg.readUint8(byteOff)
	if v {
		b |= 1 << bit
	} else {
		b &^= 1 << bit
	}
	l.seg.writeUint8(byteOff, b)
}

// text decodes the list as a NUL-terminated UTF-8 byte list (a Text
// field). The trailing NUL, if present, is stripped.
func (l List) text() string {
	b := l.data()
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// data decodes the list as a raw byte list (a Data field).
func (l List) data() []byte {
	if !l.IsValid() {
		return nil
	}
	if l.size.DataSize != 1 || l.size.PointerCount != 0 {
		return nil
	}
	return l.seg.slice(l.off, Size(l.length))
}

// NewList allocates a new non-composite list of n elements, each of
// the given object size (only one of DataSize/PointerCount should be
// nonzero for primitive lists; composite layouts should use
// NewCompositeList).
func NewList(seg *Segment, sz ObjectSize, n int32) (List, error) {
	if n < 0 {
		return List{}, exc.New(exc.Failed, exc.ElementCountTooLarge, "new list: negative length")
	}
	total, ok := sz.totalSize().times(n)
	if !ok {
		return List{}, exc.New(exc.Failed, exc.ArithmeticOverflow, "new list: size overflow")
	}
	newSeg, addr, err := alloc(seg, total)
	if err != nil {
		return List{}, exc.WrapError("new list", err)
	}
	return List{seg: newSeg, off: addr, length: n, size: sz, depthLimit: maxDepth}, nil
}

// NewCompositeList allocates a new inline-composite list of n
// elements, each a struct of the given size, including the leading
// tag word.
func NewCompositeList(seg *Segment, sz ObjectSize, n int32) (List, error) {
	if n < 0 {
		return List{}, exc.New(exc.Failed, exc.ElementCountTooLarge, "new composite list: negative length")
	}
	sz.DataSize = sz.DataSize.padToWord()
	elemTotal, ok := sz.totalSize().times(n)
	if !ok {
		return List{}, exc.New(exc.Failed, exc.ArithmeticOverflow, "new composite list: size overflow")
	}
	total, ok := elemTotal.addSize(wordSize)
	if !ok {
		return List{}, exc.New(exc.Failed, exc.ArithmeticOverflow, "new composite list: size overflow")
	}
	newSeg, addr, err := alloc(seg, total)
	if err != nil {
		return List{}, exc.WrapError("new composite list", err)
	}
	newSeg.writeRawPointer(addr, rawStructPointer(n, sz))
	bodyAddr, ok := addr.addSize(wordSize)
	if !ok {
		return List{}, errOverflow
	}
	return List{seg: newSeg, off: bodyAddr, length: n, size: sz, flags: isCompositeList, depthLimit: maxDepth}, nil
}

// NewBitList allocates a new list of n booleans.
func NewBitList(seg *Segment, n int32) (List, error) {
	if n < 0 {
		return List{}, exc.New(exc.Failed, exc.ElementCountTooLarge, "new bit list: negative length")
	}
	total := Size((n + 7) / 8)
	newSeg, addr, err := alloc(seg, total)
	if err != nil {
		return List{}, exc.WrapError("new bit list", err)
	}
	return List{seg: newSeg, off: addr, length: n, flags: isBitList, depthLimit: maxDepth}, nil
}

// NewData allocates a new Data (byte list) pointer holding a copy of
// v.
func NewData(seg *Segment, v []byte) (List, error) {
	l, err := NewList(seg, ObjectSize{DataSize: 1}, int32(len(v)))
	if err != nil {
		return List{}, exc.WrapError("new data", err)
	}
	copy(l.seg.data[l.off:], v)
	return l, nil
}

// NewText allocates a new Text pointer holding a NUL-terminated copy
// of v.
func NewText(seg *Segment, v string) (List, error) {
	l, err := NewList(seg, ObjectSize{DataSize: 1}, int32(len(v))+1)
	if err != nil {
		return List{}, exc.WrapError("new text", err)
	}
	copy(l.seg.data[l.off:], v)
	return l, nil
}

// PointerList is a list whose elements are themselves pointers,
// supporting random-access get/set by index. It is also used to
// represent the synthetic one-element "root pointer list" of a
// message's first segment.
type PointerList struct {
	List
}

// NewPointerList allocates a new list of n pointers, all initially
// null.
func NewPointerList(seg *Segment, n int32) (PointerList, error) {
	l, err := NewList(seg, ObjectSize{PointerCount: 1}, n)
	if err != nil {
		return PointerList{}, exc.WrapError("new pointer list", err)
	}
	return PointerList{l}, nil
}

// At returns the i'th pointer in the list.
func (pl PointerList) At(i int) (Ptr, error) {
	if i < 0 || i >= pl.Len() {
		return Ptr{}, exc.Errorf("pointer list: index %d out of range [0,%d)", i, pl.Len())
	}
	addr, ok := pl.off.element(int32(i), wordSize)
	if !ok {
		return Ptr{}, errOverflow
	}
	if pl.depthLimit == 0 {
		return Ptr{}, errDepthLimit
	}
	return pl.seg.readPtr(addr, pl.depthLimit)
}

// Set sets the i'th pointer in the list to p.
func (pl PointerList) Set(i int, p Ptr) error {
	if i < 0 || i >= pl.Len() {
		return exc.Errorf("pointer list: index %d out of range [0,%d)", i, pl.Len())
	}
	addr, ok := pl.off.element(int32(i), wordSize)
	if !ok {
		return errOverflow
	}
	return pl.seg.writePtr(addr, p, false)
}
