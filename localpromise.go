package capnp

// ClientKind constrains the generic capability wrapper types generated
// client code defines for each interface (each one a distinct named
// type sharing Client's underlying struct type), so that NewLocalPromise
// can hand back the caller's own wrapper type instead of a bare Client.
type ClientKind interface {
	~struct{ state *clientState }
}

// Resolver fulfills or rejects the capability returned alongside it by
// NewLocalPromise.
type Resolver[C ClientKind] interface {
	Fulfill(C)
	Reject(error)
}

// NewLocalPromise returns a capability of type C that is not yet
// resolved, together with a Resolver that resolves it. Calls made on
// the capability before resolution are queued and replayed, in order,
// once Fulfill or Reject is called.
func NewLocalPromise[C ClientKind]() (C, Resolver[C]) {
	ans := newPendingAnswer(Method{})
	c := C(NewClient(&pipelineHook{aq: ans.aq}))
	r := localResolver[C]{ans: ans}
	return c, r
}

type localResolver[C ClientKind] struct {
	ans *Answer
}

// Fulfill resolves the promise to c, boxing it into a fresh message's
// capability table so pipelined calls can reach it through the
// ordinary interface-pointer path.
func (r localResolver[C]) Fulfill(c C) {
	msg, seg := NewSingleSegmentMessage(nil)
	capID := msg.AddCap(Client(c))
	iface := NewInterface(seg, capID)
	r.ans.Fulfill(iface.ToPtr())
}

// Reject resolves the promise to a permanent failure.
func (r localResolver[C]) Reject(err error) {
	r.ans.Reject(err)
}
