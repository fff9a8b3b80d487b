package rpc

import (
	"context"

	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/exc"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// An answer is a call the peer sent us that we have not yet finished
// replying to: either a Bootstrap or a Call message. ans mirrors the
// eventual result through the core wire engine's promise machinery, so
// that a ReceiverAnswer capability descriptor referencing this id
// before we've sent our Return still resolves (and pipelines)
// correctly.
type answer struct {
	id       uint32
	method   capnp.Method
	ans      *capnp.Answer
	cancel   context.CancelFunc
	resultCaps []uint32 // exports minted while building this answer's results

	returned bool
	finished bool
}

func (c *Conn) handleBootstrap(b *rpccp.Bootstrap) {
	if b == nil {
		return
	}
	id := b.QuestionID
	c.mu.Lock()
	if _, exists := c.answers[id]; exists {
		c.mu.Unlock()
		c.abort(exc.New(exc.Failed, exc.ProtocolViolation, "bootstrap: answer id %d reused", id))
		return
	}
	a := &answer{id: id, ans: capnp.NewAnswer(capnp.Method{})}
	c.answers[id] = a
	boot := c.bootstrap
	c.mu.Unlock()

	if !boot.IsValid() {
		err := exc.New(exc.Unimplemented, "", "no bootstrap interface")
		a.ans.Reject(err)
		c.sendReturn(a, capnp.Ptr{}, err)
		return
	}

	msg, seg := capnp.NewSingleSegmentMessage(nil)
	capID := msg.AddCap(boot.AddRef())
	iface := capnp.NewInterface(seg, capID)
	a.ans.Fulfill(iface.ToPtr())
	c.sendReturn(a, iface.ToPtr(), nil)
}

func (c *Conn) handleCall(call *rpccp.Call) {
	if call == nil {
		return
	}
	id := call.QuestionID
	ctx, cancel := context.WithCancel(c.bg)

	c.mu.Lock()
	if _, exists := c.answers[id]; exists {
		c.mu.Unlock()
		cancel()
		c.abort(exc.New(exc.Failed, exc.ProtocolViolation, "call: answer id %d reused", id))
		return
	}
	a := &answer{id: id, method: capnp.Method{InterfaceID: call.InterfaceID, MethodID: call.MethodID}, ans: capnp.NewAnswer(capnp.Method{InterfaceID: call.InterfaceID, MethodID: call.MethodID}), cancel: cancel}
	c.answers[id] = a

	if err := c.populateMessageCapTable(call.Params); err != nil {
		delete(c.answers, id)
		c.mu.Unlock()
		cancel()
		c.abort(err)
		return
	}
	client, err := c.resolveTarget(call.Target, id)
	c.mu.Unlock()

	if err != nil {
		a.ans.Reject(err)
		c.sendReturn(a, capnp.Ptr{}, err)
		cancel()
		return
	}

	rcall := capnp.Call{Ctx: ctx, Method: a.method, Params: call.Params.Content.Struct()}
	result, release := client.RecvCall(ctx, rcall)
	go func() {
		defer release()
		defer cancel()
		st, rerr := result.Struct()
		if rerr != nil {
			a.ans.Reject(rerr)
			c.sendReturn(a, capnp.Ptr{}, rerr)
			return
		}
		a.ans.Fulfill(st.ToPtr())
		c.sendReturn(a, st.ToPtr(), nil)
	}()
}

// resolveTarget resolves a MessageTarget to a deliverable Client. The
// caller must hold c.mu.
func (c *Conn) resolveTarget(mt rpccp.MessageTarget, selfID uint32) (capnp.Client, error) {
	switch mt.Which {
	case rpccp.MessageTarget_Which_importedCap:
		e := c.exports[mt.ImportedCap]
		if e == nil {
			return capnp.Client{}, exc.Errorf("call: unknown export %d", mt.ImportedCap)
		}
		return e.client, nil
	case rpccp.MessageTarget_Which_promisedAnswer:
		if mt.PromisedAnswer.QuestionID == selfID {
			return capnp.Client{}, exc.New(exc.Failed, exc.ProtocolViolation, "call: target is its own answer")
		}
		pa := c.answers[mt.PromisedAnswer.QuestionID]
		if pa == nil {
			return capnp.Client{}, exc.Errorf("call: unknown answer %d", mt.PromisedAnswer.QuestionID)
		}
		return pa.ans.Client(opsToTransform(mt.PromisedAnswer.Transform)), nil
	default:
		return capnp.Client{}, exc.New(exc.Unimplemented, "", "unknown message target %d", mt.Which)
	}
}

// sendReturn sends the Return message for answer a, either with
// result (a valid Ptr) or with err. It removes a from the answers
// table only if the matching Finish has already arrived; otherwise
// handleFinish removes it.
func (c *Conn) sendReturn(a *answer, result capnp.Ptr, err error) {
	c.mu.Lock()
	ret := rpccp.Return{AnswerID: a.id}
	var effects []outboundCapEffect
	if err != nil {
		ret.Which = rpccp.Return_Which_exception
		ret.Exception = &rpccp.Exception{Type: rpccp.ExceptionType(exc.TypeOf(err)), Reason: err.Error()}
	} else {
		payload, fresh, perr := c.encodePayload(result)
		if perr != nil {
			ret.Which = rpccp.Return_Which_exception
			ret.Exception = &rpccp.Exception{Type: rpccp.Exception_Type_failed, Reason: perr.Error()}
		} else {
			ret.Which = rpccp.Return_Which_results
			ret.Results = payload
			effects = fresh
		}
	}
	a.returned = true
	done := a.finished
	if done {
		delete(c.answers, a.id)
	}
	c.mu.Unlock()

	sendErr := c.sendMessage(&rpccp.Message{Which: rpccp.Message_Which_return, Return: &ret})
	if sendErr != nil {
		// The Return never reached the peer: any exports encodePayload
		// staged for its results must not become visible, or they would
		// leak with no Finish/Release ever coming to reclaim them.
		c.discardCapEffects(effects)
		return
	}
	c.mu.Lock()
	c.commitCapEffects(effects)
	a.resultCaps = freshExportIDs(effects)
	c.mu.Unlock()
}

func (c *Conn) handleFinish(f *rpccp.Finish) {
	if f == nil {
		return
	}
	c.mu.Lock()
	a := c.answers[f.QuestionID]
	if a == nil {
		c.mu.Unlock()
		return
	}
	a.finished = true
	done := a.returned
	if done {
		delete(c.answers, f.QuestionID)
	}
	caps := a.resultCaps
	c.mu.Unlock()

	// A call still queued behind an unresolved promised-answer pipeline
	// (a.returned is still false) is canceled by default; the
	// requireEarlyCancellationWorkaround bit preserves it instead, so it
	// still runs to completion once the promise it targets resolves.
	if a.cancel != nil && !a.returned && !f.RequireEarlyCancellationWorkaround {
		a.cancel()
	}
	if done && f.ReleaseResultCaps {
		for _, id := range caps {
			c.releaseExport(id, 1)
		}
	}
}

func (c *Conn) handleRelease(r *rpccp.Release) {
	if r == nil {
		return
	}
	c.releaseExport(r.ID, r.ReferenceCount)
}

func (c *Conn) handleReturn(ret *rpccp.Return) {
	if ret == nil {
		return
	}
	// The question id stays reserved until the Finish below is sent, so
	// a new call cannot reuse it while the peer still holds the answer.
	c.mu.Lock()
	q := c.questions[ret.AnswerID]
	delete(c.questions, ret.AnswerID)
	c.mu.Unlock()
	if q == nil {
		c.reportf("rpc: return for unknown question %d", ret.AnswerID)
		return
	}
	if ret.ReleaseParamCaps {
		for _, id := range q.paramCaps {
			c.releaseExport(id, 1)
		}
	}
	releaseResultCaps := true
	switch ret.Which {
	case rpccp.Return_Which_results:
		releaseResultCaps = false
		c.mu.Lock()
		err := c.populateMessageCapTable(ret.Results)
		c.mu.Unlock()
		if err != nil {
			q.ans.Reject(err)
			break
		}
		q.ans.Fulfill(ret.Results.Content)
	case rpccp.Return_Which_exception:
		e := error(exc.Errorf("%s", ret.Exception.Reason))
		q.ans.Reject(&capnp.MethodError{Method: &q.method, Err: e})
	case rpccp.Return_Which_canceled:
		q.ans.Reject(exc.New(exc.Failed, exc.ProtocolViolation, "call canceled by peer"))
	default:
		q.ans.Reject(exc.New(exc.Unimplemented, "", "unhandled return kind %d", ret.Which))
		c.mu.Lock()
		c.questionID.Remove(ret.AnswerID)
		c.mu.Unlock()
		return
	}
	c.sendMessage(&rpccp.Message{
		Which:  rpccp.Message_Which_finish,
		Finish: &rpccp.Finish{QuestionID: ret.AnswerID, ReleaseResultCaps: releaseResultCaps},
	})
	c.mu.Lock()
	c.questionID.Remove(ret.AnswerID)
	c.mu.Unlock()
}

// handleResolve processes a Resolve announcement for a promise we
// hold an import for. Since a senderPromise import is already
// addressed and dispatched the same way as a senderHosted one (calls
// target the import id; the peer is responsible for forwarding to the
// resolved capability on its end until it sends a Disembargo), no
// import entry is changed here; a resolution to an exception is only
// logged.
func (c *Conn) handleResolve(r *rpccp.Resolve) {
	if r == nil {
		return
	}
	c.mu.Lock()
	_, ok := c.imports[r.PromiseID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if r.Which == rpccp.Resolve_Which_exception {
		c.reportf("rpc: promise %d resolved to exception: %s", r.PromiseID, r.Exception.Reason)
	}
}
