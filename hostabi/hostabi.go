// Package hostabi exposes a flat byte-pointer-and-length surface for
// embedding the RPC runtime behind a foreign-function boundary: a host
// written in another language cannot hold a Go Conn, a capnp.Client,
// or a *rpccp.Message, only byte slices and small integers. A Bridge
// is the Conn of this world, translated down to four operations: push
// bytes the host received off the wire in, pop bytes the runtime wants
// to send out, and — for capabilities the host itself implements
// rather than Go code — learn about an inbound call and post its
// result back by id.
package hostabi

import (
	"bytes"
	"context"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/exc"
	"capnproto.org/go/capnp/v3/rpc"
	"capnproto.org/go/capnp/v3/rpc/transport"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// defaultMaxPendingHostCalls bounds how many calls against a
// HostClient may be parked awaiting PostResponse at once: a slow or
// stuck host must not let an unbounded number of Answers and params
// frames pile up in the Bridge.
const defaultMaxPendingHostCalls = 64

// A HostCall is one inbound call the embedding host must answer
// itself, because the capability it targets is backed by host code
// (see Bridge.HostClient), not by a Go ClientHook.
type HostCall struct {
	ID     uint32
	Method capnp.Method
	Params []byte // the call's params struct, encoded as a standalone message
}

// A Bridge owns a *rpc.Conn wired to a frame-queue Codec that a host
// drives entirely through push/pop byte calls instead of a live
// stream, plus a table of outstanding HostCalls for capabilities the
// host hosts natively.
type Bridge struct {
	conn *rpc.Conn
	fc   *frameQueueCodec

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*capnp.Answer
	calls   chan HostCall
	sem     *semaphore.Weighted
}

// NewBridge allocates a Bridge's pending-call bookkeeping and its
// frame-queue transport, but does not yet start the underlying Conn:
// HostClient is usable immediately, so a host that wants to serve the
// bootstrap capability itself can pass NewBridge().HostClient() as
// opts.BootstrapClient before calling Start.
func NewBridge() *Bridge {
	return &Bridge{
		pending: make(map[uint32]*capnp.Answer),
		calls:   make(chan HostCall, 16),
		fc:      newFrameQueueCodec(),
		sem:     semaphore.NewWeighted(defaultMaxPendingHostCalls),
	}
}

// Start creates the underlying Conn with the given options. It must
// be called exactly once, after any opts.BootstrapClient referencing
// this Bridge's own HostClient has been set.
func (b *Bridge) Start(opts *rpc.Options) {
	b.conn = rpc.NewConn(b.fc, opts)
}

// HostClient returns a capability whose calls are not dispatched to
// any Go code: each one is surfaced through NextHostCall for the
// embedding host to answer natively via PostResponse.
func (b *Bridge) HostClient() capnp.Client {
	return capnp.NewClient(&hostHook{b: b})
}

// PushInbound delivers one complete framed message the host received
// off the wire into the runtime.
func (b *Bridge) PushInbound(frame []byte) {
	b.fc.pushInbound(frame)
}

// PopOutbound blocks until the runtime has a complete framed message
// ready to hand to the host for transmission, or ctx is done.
func (b *Bridge) PopOutbound(ctx context.Context) ([]byte, error) {
	return b.fc.popOutbound(ctx)
}

// NextHostCall blocks until a call against b.HostClient() arrives, or
// ctx is done.
func (b *Bridge) NextHostCall(ctx context.Context) (HostCall, error) {
	select {
	case hc := <-b.calls:
		return hc, nil
	case <-ctx.Done():
		return HostCall{}, ctx.Err()
	}
}

// PostResponse fulfills the pending host call named by id, with
// either resultFrame (a struct encoded as a standalone message) or, if
// hostErr is non-empty, an exception carrying hostErr as its message.
// It validates that id names a call this Bridge is still waiting on
// before doing anything else, returning an error rather than silently
// dropping an unknown or already-answered id.
func (b *Bridge) PostResponse(id uint32, resultFrame []byte, hostErr string) error {
	b.mu.Lock()
	ans, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return exc.New(exc.Failed, exc.ProtocolViolation, "hostabi: post response for unknown question id %d", id)
	}
	b.sem.Release(1)
	if hostErr != "" {
		ans.Reject(exc.Errorf("%s", hostErr))
		return nil
	}
	ptr, err := decodeFrame(resultFrame)
	if err != nil {
		ans.Reject(err)
		return err
	}
	ans.Fulfill(ptr)
	return nil
}

// Close tears down the underlying Conn.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// hostHook is the capnp.ClientHook behind Bridge.HostClient: instead
// of running Go code, every call is parked in the Bridge's pending
// table and handed to the host through NextHostCall/PostResponse.
type hostHook struct {
	b *Bridge
}

func (h *hostHook) Send(ctx context.Context, call capnp.Call) (*capnp.Answer, capnp.ReleaseFunc) {
	return h.RecvCall(ctx, call)
}

func (h *hostHook) RecvCall(ctx context.Context, call capnp.Call) (*capnp.Answer, capnp.ReleaseFunc) {
	ans := capnp.NewAnswer(call.Method)
	b := h.b

	// Bound how many calls a slow or stuck host can leave parked in
	// b.pending: block here instead of growing it without limit.
	if err := b.sem.Acquire(ctx, 1); err != nil {
		ans.Reject(exc.WrapError("hostabi", err))
		return ans, func() {}
	}

	frame, err := encodeFrame(call.Params.ToPtr())
	if err != nil {
		b.sem.Release(1)
		ans.Reject(err)
		return ans, func() {}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.pending[id] = ans
	b.mu.Unlock()

	select {
	case b.calls <- HostCall{ID: id, Method: call.Method, Params: frame}:
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		b.sem.Release(1)
		ans.Reject(ctx.Err())
	}
	return ans, func() {}
}

func (h *hostHook) Brand() any     { return h }
func (h *hostHook) Shutdown()      {}
func (h *hostHook) String() string { return "hostabi.hostHook" }

// encodeFrame serializes p as the root of a standalone single-segment
// message, for handing a struct across the ABI boundary as flat
// bytes. Capabilities are not carried across this boundary: a params
// or results struct referencing one would need a cap-table protocol
// of its own, which is out of scope for a host call's flat bytes.
func encodeFrame(p capnp.Ptr) ([]byte, error) {
	msg, seg := capnp.NewSingleSegmentMessage(nil)
	root, err := capnp.CopyPtr(seg, p)
	if err != nil {
		return nil, exc.WrapError("hostabi: encode frame", err)
	}
	if err := msg.SetRoot(root); err != nil {
		return nil, exc.WrapError("hostabi: encode frame", err)
	}
	var buf bytes.Buffer
	if err := capnp.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, exc.WrapError("hostabi: encode frame", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(frame []byte) (capnp.Ptr, error) {
	msg, err := capnp.NewDecoder(bytes.NewReader(frame)).Decode()
	if err != nil {
		return capnp.Ptr{}, exc.WrapError("hostabi: decode frame", err)
	}
	root, err := msg.Root()
	if err != nil {
		return capnp.Ptr{}, exc.WrapError("hostabi: decode frame", err)
	}
	return root, nil
}

// frameQueueCodec implements transport.Codec at message-frame
// granularity: RecvMessage/SendMessage deal in whole encoded frames
// pushed and popped by a host, rather than a raw byte stream a host
// would have to re-chunk itself.
type frameQueueCodec struct {
	mu     sync.Mutex
	cond   *sync.Cond
	inbox  [][]byte
	outbox [][]byte
	closed bool
}

func newFrameQueueCodec() *frameQueueCodec {
	fc := &frameQueueCodec{}
	fc.cond = sync.NewCond(&fc.mu)
	return fc
}

func (fc *frameQueueCodec) pushInbound(frame []byte) {
	fc.mu.Lock()
	fc.inbox = append(fc.inbox, frame)
	fc.cond.Broadcast()
	fc.mu.Unlock()
}

func (fc *frameQueueCodec) popOutbound(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			fc.mu.Lock()
			fc.cond.Broadcast()
			fc.mu.Unlock()
		case <-done:
		}
	}()

	fc.mu.Lock()
	defer fc.mu.Unlock()
	for len(fc.outbox) == 0 && !fc.closed {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fc.cond.Wait()
	}
	if len(fc.outbox) == 0 {
		return nil, io.EOF
	}
	frame := fc.outbox[0]
	fc.outbox = fc.outbox[1:]
	return frame, nil
}

func (fc *frameQueueCodec) RecvMessage(ctx context.Context) (*rpccp.Message, capnp.ReleaseFunc, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			fc.mu.Lock()
			fc.cond.Broadcast()
			fc.mu.Unlock()
		case <-done:
		}
	}()

	fc.mu.Lock()
	for len(fc.inbox) == 0 && !fc.closed {
		if ctx.Err() != nil {
			fc.mu.Unlock()
			return nil, nil, ctx.Err()
		}
		fc.cond.Wait()
	}
	if len(fc.inbox) == 0 {
		fc.mu.Unlock()
		return nil, nil, io.EOF
	}
	frame := fc.inbox[0]
	fc.inbox = fc.inbox[1:]
	fc.mu.Unlock()

	msg, err := capnp.NewDecoder(bytes.NewReader(frame)).Decode()
	if err != nil {
		return nil, nil, exc.WrapError("hostabi: recv message", err)
	}
	root, err := msg.Root()
	if err != nil {
		return nil, nil, exc.WrapError("hostabi: recv message", err)
	}
	m, err := rpccp.DecodeMessage(root.Struct())
	if err != nil {
		return nil, nil, exc.WrapError("hostabi: recv message", err)
	}
	return m, func() { msg.Release() }, nil
}

func (fc *frameQueueCodec) SendMessage(ctx context.Context, msg *rpccp.Message) error {
	m, seg := capnp.NewSingleSegmentMessage(nil)
	st, err := rpccp.EncodeMessage(seg, msg)
	if err != nil {
		return exc.WrapError("hostabi: send message", err)
	}
	if err := m.SetRoot(st.ToPtr()); err != nil {
		return exc.WrapError("hostabi: send message", err)
	}
	var buf bytes.Buffer
	if err := capnp.NewEncoder(&buf).Encode(m); err != nil {
		return exc.WrapError("hostabi: send message", err)
	}

	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return io.ErrClosedPipe
	}
	fc.outbox = append(fc.outbox, buf.Bytes())
	fc.cond.Broadcast()
	fc.mu.Unlock()
	return nil
}

func (fc *frameQueueCodec) Close() error {
	fc.mu.Lock()
	fc.closed = true
	fc.cond.Broadcast()
	fc.mu.Unlock()
	return nil
}

var _ transport.Codec = (*frameQueueCodec)(nil)
