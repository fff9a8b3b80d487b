package capnp

import (
	"context"
	"sync"

	"capnproto.org/go/capnp/v3/exc"
)

// A PipelineOp is one step of a promised-answer transform: the path
// to take from an answer's eventual result struct to the capability a
// pipelined call should be issued against. Cap'n Proto only ever
// needs to descend through pointer fields, so the op set is a single
// getPointerField(index).
type PipelineOp struct {
	Field uint16
}

// TransformPtr walks p according to ops, returning the pointer found
// at the end of the path, or the null Ptr if any intermediate pointer
// field along the path is unset.
func TransformPtr(p Ptr, ops []PipelineOp) (Ptr, error) {
	for _, op := range ops {
		if !p.IsValid() {
			return Ptr{}, nil
		}
		st := p.Struct()
		if !st.IsValid() {
			return Ptr{}, exc.Errorf("transform: op on non-struct pointer")
		}
		next, err := st.Ptr(op.Field)
		if err != nil {
			return Ptr{}, exc.WrapError("transform", err)
		}
		p = next
	}
	return p, nil
}

// PipelineCaller is implemented by anything capable of servicing a
// pipelined call made against a not-yet-resolved answer: either
// queuing the call until resolution, or, once resolved, dispatching
// it directly to the resolved target.
type PipelineCaller interface {
	// PipelineSend starts a pipelined call originating locally.
	PipelineSend(ctx context.Context, transform []PipelineOp, call Call) (*Answer, ReleaseFunc)
	// PipelineRecv starts a pipelined call that arrived from a remote
	// peer.
	PipelineRecv(ctx context.Context, transform []PipelineOp, call Call) (*Answer, ReleaseFunc)
}

// queuedPipelineCall is a pipelined call parked on an AnswerQueue
// until the answer it targets resolves.
type queuedPipelineCall struct {
	ctx       context.Context
	transform []PipelineOp
	call      Call
	recv      bool
	out       *Answer
}

// An AnswerQueue buffers calls pipelined onto an answer that has not
// yet resolved and replays them, in order, once it does. It
// implements PipelineCaller.
type AnswerQueue struct {
	method Method

	mu       sync.Mutex
	resolved bool
	result   Ptr
	err      error
	queue    []queuedPipelineCall
}

// NewAnswerQueue creates an empty queue for calls pipelined on an
// eventual result of the given method.
func NewAnswerQueue(method Method) *AnswerQueue {
	return &AnswerQueue{method: method}
}

// Fulfill resolves the queue's answer to result, dispatching all
// queued calls against it (applying each one's transform first).
func (aq *AnswerQueue) Fulfill(result Ptr) { aq.resolve(result, nil) }

// Reject resolves the queue's answer to an error, failing all queued
// calls with it.
func (aq *AnswerQueue) Reject(err error) { aq.resolve(Ptr{}, err) }

func (aq *AnswerQueue) resolve(result Ptr, err error) {
	aq.mu.Lock()
	if aq.resolved {
		aq.mu.Unlock()
		return
	}
	aq.resolved = true
	aq.result, aq.err = result, err
	q := aq.queue
	aq.queue = nil
	aq.mu.Unlock()

	for _, qc := range q {
		aq.dispatch(qc)
	}
}

func (aq *AnswerQueue) dispatch(qc queuedPipelineCall) {
	ans, release := aq.dispatchNow(qc.ctx, qc.transform, qc.call, qc.recv)
	qc.out.chainTo(ans, release)
}

func (aq *AnswerQueue) dispatchNow(ctx context.Context, transform []PipelineOp, call Call, recv bool) (*Answer, ReleaseFunc) {
	if aq.err != nil {
		return ErrorAnswer(call.Method, aq.err), func() {}
	}
	target, terr := TransformPtr(aq.result, transform)
	if terr != nil {
		return ErrorAnswer(call.Method, terr), func() {}
	}
	client := target.Interface().Client()
	if recv {
		return client.RecvCall(ctx, call)
	}
	return client.SendCall(ctx, call)
}

func (aq *AnswerQueue) pipeline(ctx context.Context, transform []PipelineOp, call Call, recv bool) (*Answer, ReleaseFunc) {
	aq.mu.Lock()
	if !aq.resolved {
		out := newPendingAnswer(call.Method)
		aq.queue = append(aq.queue, queuedPipelineCall{ctx: ctx, transform: transform, call: call, recv: recv, out: out})
		aq.mu.Unlock()
		return out, func() {}
	}
	aq.mu.Unlock()
	return aq.dispatchNow(ctx, transform, call, recv)
}

func (aq *AnswerQueue) PipelineSend(ctx context.Context, transform []PipelineOp, call Call) (*Answer, ReleaseFunc) {
	return aq.pipeline(ctx, transform, call, false)
}

func (aq *AnswerQueue) PipelineRecv(ctx context.Context, transform []PipelineOp, call Call) (*Answer, ReleaseFunc) {
	return aq.pipeline(ctx, transform, call, true)
}

// An Answer is the (possibly not-yet-available) result of a method
// call. It can be waited on, read once resolved, and pipelined on
// (via Client(transform)) before it resolves.
type Answer struct {
	method Method
	aq     *AnswerQueue
	done   chan struct{}
}

func newPendingAnswer(method Method) *Answer {
	return &Answer{method: method, aq: NewAnswerQueue(method), done: make(chan struct{})}
}

// NewAnswer returns a pending Answer for the given method, to be
// resolved later by calling Fulfill or Reject. This is what the RPC
// layer uses to represent a question awaiting its peer's Return.
func NewAnswer(method Method) *Answer {
	return newPendingAnswer(method)
}

// ErrorAnswer returns an already-resolved Answer that failed with
// err.
func ErrorAnswer(method Method, err error) *Answer {
	ans := newPendingAnswer(method)
	ans.Reject(err)
	return ans
}

// ImmediateAnswer returns an already-resolved Answer whose result is
// result.
func ImmediateAnswer(method Method, result Ptr) *Answer {
	ans := newPendingAnswer(method)
	ans.Fulfill(result)
	return ans
}

// Fulfill resolves the answer to result. It is idempotent.
func (ans *Answer) Fulfill(result Ptr) {
	ans.aq.Fulfill(result)
	select {
	case <-ans.done:
	default:
		close(ans.done)
	}
}

// Reject resolves the answer to an error. It is idempotent.
func (ans *Answer) Reject(err error) {
	if err == nil {
		err = exc.Errorf("answer rejected with nil error")
	}
	ans.aq.Reject(err)
	select {
	case <-ans.done:
	default:
		close(ans.done)
	}
}

// Done returns a channel closed once the answer has resolved.
func (ans *Answer) Done() <-chan struct{} { return ans.done }

// peek returns the answer's result without blocking, and whether it
// has resolved yet.
func (ans *Answer) peek() (Ptr, error, bool) {
	ans.aq.mu.Lock()
	defer ans.aq.mu.Unlock()
	if !ans.aq.resolved {
		return Ptr{}, nil, false
	}
	return ans.aq.result, ans.aq.err, true
}

// Struct blocks until the answer resolves and returns its result as a
// Struct.
func (ans *Answer) Struct() (Struct, error) {
	<-ans.done
	p, err, _ := ans.peek()
	if err != nil {
		return Struct{}, err
	}
	return p.Struct(), nil
}

// Wait blocks until the answer resolves or ctx is canceled.
func (ans *Answer) Wait(ctx context.Context) error {
	select {
	case <-ans.done:
		_, err, _ := ans.peek()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chainTo arranges for ans to resolve identically to src once src
// resolves, releasing src's resources (via release) once consumed.
func (ans *Answer) chainTo(src *Answer, release ReleaseFunc) {
	go func() {
		<-src.done
		p, err, _ := src.peek()
		if err != nil {
			ans.Reject(err)
		} else {
			ans.Fulfill(p)
		}
		release()
	}()
}

// Client returns a Client that, when called, applies transform to the
// answer's eventual result and dispatches to the capability found
// there — queuing the call if the answer has not resolved yet. This
// is the mechanism behind promise pipelining.
func (ans *Answer) Client(transform []PipelineOp) Client {
	return NewClient(&pipelineHook{aq: ans.aq, transform: transform})
}

// pipelineHook is a ClientHook that forwards calls through an
// AnswerQueue's pipeline, applying transform to the eventual result
// first.
type pipelineHook struct {
	aq        *AnswerQueue
	transform []PipelineOp
}

func (h *pipelineHook) Send(ctx context.Context, call Call) (*Answer, ReleaseFunc) {
	return h.aq.PipelineSend(ctx, h.transform, call)
}
func (h *pipelineHook) RecvCall(ctx context.Context, call Call) (*Answer, ReleaseFunc) {
	return h.aq.PipelineRecv(ctx, h.transform, call)
}
func (h *pipelineHook) Brand() any { return h }
func (h *pipelineHook) Shutdown()  {}
func (h *pipelineHook) String() string {
	return "pipelineHook(" + h.aq.method.InterfaceName + ")"
}

// A Pipeline is a convenience wrapper generated client code uses to
// expose Client()/Struct() accessors for a particular method's
// answer, optionally already transformed part-way into the result
// (e.g. for a field access chained off a prior pipelined call).
type Pipeline struct {
	ans       *Answer
	transform []PipelineOp
}

// NewPipeline wraps ans with an empty transform (pointing at the
// whole result struct).
func NewPipeline(ans *Answer) Pipeline {
	return Pipeline{ans: ans}
}

// Answer returns the underlying answer.
func (p Pipeline) Answer() *Answer { return p.ans }

// Transform returns a new Pipeline that descends further via op.
func (p Pipeline) Transform(op PipelineOp) Pipeline {
	t := make([]PipelineOp, len(p.transform)+1)
	copy(t, p.transform)
	t[len(p.transform)] = op
	return Pipeline{ans: p.ans, transform: t}
}

// Client returns a pipelined Client for the capability found at this
// pipeline's transform path in the answer's eventual result.
func (p Pipeline) Client() Client {
	return p.ans.Client(p.transform)
}

// Struct blocks for the answer and returns the transformed pointer as
// a Struct.
func (p Pipeline) Struct() (Struct, error) {
	<-p.ans.done
	res, err, _ := p.ans.peek()
	if err != nil {
		return Struct{}, err
	}
	tp, err := TransformPtr(res, p.transform)
	if err != nil {
		return Struct{}, err
	}
	return tp.Struct(), nil
}
