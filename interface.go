package capnp

// CapabilityID is an index into a Message's capability table.
type CapabilityID uint32

// Interface is a reference to a client capability through a message's
// capability table, i.e. a Cap'n Proto "other pointer" with
// other-pointer-type 0.
type Interface struct {
	seg *Segment
	cap CapabilityID
}

// NewInterface creates an interface pointer that refers to capID in
// seg's message's capability table.
func NewInterface(seg *Segment, capID CapabilityID) Interface {
	return Interface{seg: seg, cap: capID}
}

// IsValid reports whether i originates from an actual pointer.
func (i Interface) IsValid() bool { return i.seg != nil }

// Capability returns the index into the message's capability table.
func (i Interface) Capability() CapabilityID { return i.cap }

// Client returns the client this interface pointer refers to, or the
// zero Client if the index is out of range.
func (i Interface) Client() Client {
	if !i.IsValid() {
		return Client{}
	}
	tab := i.seg.msg.CapTable()
	return tab.At(int(i.cap))
}

func (i Interface) ToPtr() Ptr {
	return Ptr{seg: i.seg, ifaceVal: i, flags: ptrFlags(interfacePtrType)}
}

func (i Interface) value(paddr address) rawPointer {
	return rawInterfacePointer(i.cap)
}

// CapTable is the list of capabilities referenced by pointers in a
// single message. It is populated by the RPC system (or by user code
// constructing a message with embedded capabilities) and consumed
// when the message is sent or decoded.
type CapTable struct {
	clients []Client
}

// Reset empties the table, releasing no references (callers that want
// release-on-reset should do so before calling Reset).
func (ct *CapTable) Reset() {
	ct.clients = ct.clients[:0]
}

// Len returns the number of capabilities in the table.
func (ct *CapTable) Len() int { return len(ct.clients) }

// At returns the i'th capability, or the zero Client if out of range.
func (ct *CapTable) At(i int) Client {
	if i < 0 || i >= len(ct.clients) {
		return Client{}
	}
	return ct.clients[i]
}

// Add appends c to the table and returns its index.
func (ct *CapTable) Add(c Client) CapabilityID {
	ct.clients = append(ct.clients, c)
	return CapabilityID(len(ct.clients) - 1)
}

// AddCap is sugar for m.CapTable().Add(c).
func (m *Message) AddCap(c Client) CapabilityID {
	return m.CapTable().Add(c)
}
