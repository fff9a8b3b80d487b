package capnp

// ptrType discriminates which of Struct, List, or Interface a Ptr
// holds.
type ptrType uint8

const (
	structPtrType ptrType = iota
	listPtrType
	interfacePtrType
)

// ptrFlags packs the ptrType discriminator; a separate type keeps Ptr
// from accidentally being compared against a bare ptrType.
type ptrFlags uint8

func (f ptrFlags) ptrType() ptrType { return ptrType(f) }

// A Ptr is a generic reference to a Cap'n Proto object: a struct, a
// list, or an interface (capability). The zero Ptr is the null
// pointer.
type Ptr struct {
	seg       *Segment
	structVal Struct
	listVal   List
	ifaceVal  Interface
	flags     ptrFlags
}

// IsValid reports whether p is non-null.
func (p Ptr) IsValid() bool { return p.seg != nil }

// Struct returns p as a Struct, or the zero Struct if p is not a
// struct pointer.
func (p Ptr) Struct() Struct {
	if !p.IsValid() || p.flags.ptrType() != structPtrType {
		return Struct{}
	}
	return p.structVal
}

// List returns p as a List, or the zero List if p is not a list
// pointer.
func (p Ptr) List() List {
	if !p.IsValid() || p.flags.ptrType() != listPtrType {
		return List{}
	}
	return p.listVal
}

// Interface returns p as an Interface, or the zero Interface if p is
// not a capability pointer.
func (p Ptr) Interface() Interface {
	if !p.IsValid() || p.flags.ptrType() != interfacePtrType {
		return Interface{}
	}
	return p.ifaceVal
}

// Text interprets p as a list of bytes holding a NUL-terminated UTF-8
// string, returning "" if p is not a valid Text pointer.
func (p Ptr) Text() string {
	if !p.IsValid() || p.flags.ptrType() != listPtrType {
		return ""
	}
	return p.listVal.text()
}

// Data interprets p as a list of bytes, returning nil if p is not a
// valid Data pointer.
func (p Ptr) Data() []byte {
	if !p.IsValid() || p.flags.ptrType() != listPtrType {
		return nil
	}
	return p.listVal.data()
}

// Segment returns the segment p was read from or built in, regardless
// of p's underlying pointer type, or nil for the null Ptr. RPC
// payload handling needs this to reach the enclosing message's
// capability table when the payload content is an interface pointer
// directly, rather than a struct.
func (p Ptr) Segment() *Segment { return p.seg }
