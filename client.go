package capnp

import (
	"context"
	"sync"

	"capnproto.org/go/capnp/v3/exc"
)

// Method identifies an RPC method by its interface and method
// numbers, as assigned by the schema.
type Method struct {
	InterfaceID uint64
	MethodID    uint16

	// InterfaceName and MethodName are optional, human-readable names
	// used only for diagnostics.
	InterfaceName string
	MethodName    string
}

// A Call describes an in-flight method invocation: the method being
// called, its context and its parameters struct.
type Call struct {
	Ctx    context.Context
	Method Method
	Params Struct

	// PlaceParams, if set, lets the caller control which
	// segment/arena backs the params; generated client
	// stubs use this to build params directly into the outbound RPC
	// message instead of a scratch message that gets copied.
	PlaceParams func(seg *Segment) (Struct, error)
}

// PlaceParamsInto allocates the params struct of the given size in
// the provided segment, via Call.PlaceParams if set, otherwise by
// allocating in seg directly.
func (c *Call) PlaceParamsInto(seg *Segment, sz ObjectSize) (Struct, error) {
	if c.PlaceParams != nil {
		return c.PlaceParams(seg)
	}
	return NewStruct(seg, sz)
}

// MethodError wraps an error returned by a specific method call.
type MethodError struct {
	Method *Method
	Err    error
}

func (e *MethodError) Error() string {
	if e.Method == nil {
		return e.Err.Error()
	}
	name := e.Method.InterfaceName
	if e.Method.MethodName != "" {
		name += "." + e.Method.MethodName
	}
	if name == "" {
		return e.Err.Error()
	}
	return name + ": " + e.Err.Error()
}

func (e *MethodError) Unwrap() error { return e.Err }

// ReleaseFunc releases resources associated with an Answer or a
// Client reference. It is idempotent: calling it more than once has
// no additional effect.
type ReleaseFunc func()

// ErrNullClient is returned by operations on the zero Client.
var ErrNullClient = exc.New(exc.Failed, exc.CapabilityUnavailable, "null capability")

// A ClientHook represents the underlying implementation behind a
// Client: a local server, a promise awaiting resolution, an error, or
// a proxy to a capability hosted by a remote RPC peer.
type ClientHook interface {
	// Send starts a method call, returning an Answer for the
	// eventual result and a function to release the call's
	// resources.
	Send(ctx context.Context, call Call) (*Answer, ReleaseFunc)

	// RecvCall is like Send but for calls originating from a remote
	// peer.
	RecvCall(ctx context.Context, call Call) (*Answer, ReleaseFunc)

	// Brand returns an opaque value identifying the concrete
	// implementation, used by IsSame and by the RPC system to detect
	// when a capability is actually hosted locally.
	Brand() any

	// Shutdown releases any resources held by the hook. Called
	// exactly once, when the hook's reference count reaches zero.
	Shutdown()

	String() string
}

// clientState is the shared, reference-counted state behind one or
// more Client values that all point at the same capability.
type clientState struct {
	mu       sync.Mutex
	hook     ClientHook
	refs     int
	released bool

	releasers []ReleaseFunc
}

// Client is a reference to a capability: a local server, a promise,
// or a proxy to a remote capability. The zero Client is the "null"
// capability: all calls on it fail with ErrNullClient.
type Client struct {
	state *clientState
}

// NewClient wraps hook in a Client with one reference.
func NewClient(hook ClientHook) Client {
	if hook == nil {
		return Client{}
	}
	return Client{state: &clientState{hook: hook, refs: 1}}
}

// IsValid reports whether c refers to a non-null capability.
func (c Client) IsValid() bool { return c.state != nil }

// AddRef returns a new Client referring to the same capability,
// incrementing the reference count.
func (c Client) AddRef() Client {
	if c.state == nil {
		return Client{}
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.refs++
	return Client{state: c.state}
}

// AttachReleaser registers a function to be invoked (in addition to
// the hook's Shutdown) when c's reference count drops to zero.
func (c Client) AttachReleaser(f ReleaseFunc) {
	if c.state == nil || f == nil {
		return
	}
	c.state.mu.Lock()
	c.state.releasers = append(c.state.releasers, f)
	c.state.mu.Unlock()
}

// Release decrements the reference count, calling the hook's Shutdown
// (and any attached releasers) once it reaches zero. Release on the
// zero Client, or a Client whose count has already reached zero, is a
// no-op.
func (c Client) Release() {
	if c.state == nil {
		return
	}
	c.state.mu.Lock()
	if c.state.released {
		c.state.mu.Unlock()
		return
	}
	c.state.refs--
	if c.state.refs > 0 {
		c.state.mu.Unlock()
		return
	}
	c.state.released = true
	hook := c.state.hook
	releasers := c.state.releasers
	c.state.mu.Unlock()

	if hook != nil {
		hook.Shutdown()
	}
	for _, f := range releasers {
		f()
	}
}

// SendCall starts a method call on c's capability.
func (c Client) SendCall(ctx context.Context, call Call) (*Answer, ReleaseFunc) {
	if c.state == nil {
		return ErrorAnswer(call.Method, ErrNullClient), func() {}
	}
	c.state.mu.Lock()
	hook := c.state.hook
	c.state.mu.Unlock()
	return hook.Send(ctx, call)
}

// RecvCall is like SendCall but used by the RPC layer to deliver a
// call that arrived from a remote peer.
func (c Client) RecvCall(ctx context.Context, call Call) (*Answer, ReleaseFunc) {
	if c.state == nil {
		return ErrorAnswer(call.Method, ErrNullClient), func() {}
	}
	c.state.mu.Lock()
	hook := c.state.hook
	c.state.mu.Unlock()
	return hook.RecvCall(ctx, call)
}

// IsSame reports whether c and other ultimately point at the same
// underlying hook (i.e. the same brand), used to detect loop-back
// during three-party handoff and promise resolution.
func (c Client) IsSame(other Client) bool {
	if c.state == nil || other.state == nil {
		return c.state == other.state
	}
	c.state.mu.Lock()
	h1 := c.state.hook
	c.state.mu.Unlock()
	other.state.mu.Lock()
	h2 := other.state.hook
	other.state.mu.Unlock()
	return h1.Brand() == h2.Brand()
}

// State returns the hook presently backing c, or nil for the zero
// Client.
func (c Client) State() ClientHook {
	if c.state == nil {
		return nil
	}
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.hook
}

func (c Client) String() string {
	if c.state == nil {
		return "<nil capability>"
	}
	return c.State().String()
}

// errorHook is a ClientHook that fails every call with a fixed error.
type errorHook struct{ err error }

// ErrorClient returns a Client whose every call fails with err.
func ErrorClient(err error) Client {
	return NewClient(errorHook{err: err})
}

func (h errorHook) Send(ctx context.Context, call Call) (*Answer, ReleaseFunc) {
	return ErrorAnswer(call.Method, h.err), func() {}
}
func (h errorHook) RecvCall(ctx context.Context, call Call) (*Answer, ReleaseFunc) {
	return ErrorAnswer(call.Method, h.err), func() {}
}
func (h errorHook) Brand() any     { return h }
func (h errorHook) Shutdown()      {}
func (h errorHook) String() string { return "errorClient(" + h.err.Error() + ")" }
