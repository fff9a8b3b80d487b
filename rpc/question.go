package rpc

import (
	"context"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// A question is an outstanding call this Conn has sent to its peer,
// indexed by the id Conn picked when it sent the call (or the
// synthetic Bootstrap call).
type question struct {
	id        uint32
	method    capnp.Method
	ans       *capnp.Answer
	paramCaps []uint32 // exportIDs given away in this call's params
	canceled  bool
}

// popQuestion removes and returns the question with the given id, or
// nil if there is none (e.g. a duplicate or unsolicited Return).
func (c *Conn) popQuestion(id uint32) *question {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.questions[id]
	if q != nil {
		delete(c.questions, id)
		c.questionID.Remove(id)
	}
	return q
}

// sendCall sends call to target (already described as a MessageTarget)
// and returns the local Answer that will resolve once the peer
// replies. Pipelined calls made against that Answer's Client are
// queued locally and replayed once it resolves (see AnswerQueue).
func (c *Conn) sendCall(ctx context.Context, target rpccp.MessageTarget, method capnp.Method, params capnp.Struct) *capnp.Answer {
	c.mu.Lock()
	id := c.questionID.Next()
	q := &question{id: id, method: method, ans: capnp.NewAnswer(method)}
	c.questions[id] = q

	payload, effects, err := c.encodePayload(params.ToPtr())
	if err != nil {
		delete(c.questions, id)
		c.questionID.Remove(id)
		c.mu.Unlock()
		errAns := capnp.NewAnswer(method)
		errAns.Reject(err)
		return errAns
	}
	c.mu.Unlock()

	err = c.sendMessage(&rpccp.Message{
		Which: rpccp.Message_Which_call,
		Call: &rpccp.Call{
			QuestionID:  id,
			Target:      target,
			InterfaceID: method.InterfaceID,
			MethodID:    method.MethodID,
			Params:      payload,
		},
	})
	if err != nil {
		c.popQuestion(id)
		c.discardCapEffects(effects)
		q.ans.Reject(err)
		return q.ans
	}

	c.mu.Lock()
	c.commitCapEffects(effects)
	q.paramCaps = freshExportIDs(effects)
	c.mu.Unlock()
	return q.ans
}
