package rpc

import (
	"fmt"
	"sync"

	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/exc"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// vineRegistry lets a Provide on one Conn hand a capability to an
// Accept on a different Conn within the same process. A real
// multi-vat deployment would resolve third parties through a
// directory service reachable over the network; that discovery layer
// is out of scope here, so the registry simulates it in-process,
// keyed by the opaque vine id the provider mints.
var vineRegistry = struct {
	mu      sync.Mutex
	entries map[string]capnp.Client
}{entries: make(map[string]capnp.Client)}

func registerVine(client capnp.Client) string {
	vineRegistry.mu.Lock()
	defer vineRegistry.mu.Unlock()
	id := fmt.Sprintf("vine-%d", len(vineRegistry.entries))
	vineRegistry.entries[id] = client
	return id
}

func takeVine(id string) (capnp.Client, bool) {
	vineRegistry.mu.Lock()
	defer vineRegistry.mu.Unlock()
	c, ok := vineRegistry.entries[id]
	if ok {
		delete(vineRegistry.entries, id)
	}
	return c, ok
}

// handleProvide services a request to hand one of our capabilities
// off to a third-party vat: resolve the target locally and register
// it under a vine id the third party's Accept will present.
func (c *Conn) handleProvide(p *rpccp.Provide) {
	if p == nil {
		return
	}
	c.mu.Lock()
	client, err := c.resolveTarget(p.Target, 0)
	c.mu.Unlock()
	if err != nil {
		c.sendMessage(&rpccp.Message{
			Which:  rpccp.Message_Which_return,
			Return: &rpccp.Return{AnswerID: p.QuestionID, Which: rpccp.Return_Which_exception, Exception: &rpccp.Exception{Reason: err.Error()}},
		})
		return
	}
	vine := registerVine(client.AddRef())
	msg, seg := capnp.NewSingleSegmentMessage(nil)
	d, err := capnp.NewData(seg, []byte(vine))
	var result capnp.Ptr
	if err == nil {
		result = d.ToPtr()
	}
	_ = msg
	c.mu.Lock()
	payload, effects, perr := c.encodePayload(result)
	c.mu.Unlock()
	if perr != nil {
		c.sendMessage(&rpccp.Message{
			Which:  rpccp.Message_Which_return,
			Return: &rpccp.Return{AnswerID: p.QuestionID, Which: rpccp.Return_Which_exception, Exception: &rpccp.Exception{Reason: perr.Error()}},
		})
		return
	}
	sendErr := c.sendMessage(&rpccp.Message{
		Which:  rpccp.Message_Which_return,
		Return: &rpccp.Return{AnswerID: p.QuestionID, Which: rpccp.Return_Which_results, Results: payload},
	})
	if sendErr != nil {
		c.discardCapEffects(effects)
		return
	}
	c.mu.Lock()
	c.commitCapEffects(effects)
	c.mu.Unlock()
}

// handleAccept services a third party's request to take up an offer
// a provider registered via Provide, delivering the vined capability
// as the Accept's answer.
func (c *Conn) handleAccept(a *rpccp.Accept) {
	if a == nil {
		return
	}
	client, ok := takeVine(string(a.Provision.ID))
	if !ok {
		c.sendMessage(&rpccp.Message{
			Which:  rpccp.Message_Which_return,
			Return: &rpccp.Return{AnswerID: a.QuestionID, Which: rpccp.Return_Which_exception, Exception: &rpccp.Exception{Reason: "accept: unknown or already-accepted vine"}},
		})
		return
	}
	msg, seg := capnp.NewSingleSegmentMessage(nil)
	capID := msg.AddCap(client)
	iface := capnp.NewInterface(seg, capID)
	c.mu.Lock()
	payload, effects, err := c.encodePayload(iface.ToPtr())
	c.mu.Unlock()
	if err != nil {
		c.sendMessage(&rpccp.Message{
			Which:  rpccp.Message_Which_return,
			Return: &rpccp.Return{AnswerID: a.QuestionID, Which: rpccp.Return_Which_exception, Exception: &rpccp.Exception{Reason: err.Error()}},
		})
		return
	}
	sendErr := c.sendMessage(&rpccp.Message{
		Which:  rpccp.Message_Which_return,
		Return: &rpccp.Return{AnswerID: a.QuestionID, Which: rpccp.Return_Which_results, Results: payload},
	})
	if sendErr != nil {
		c.discardCapEffects(effects)
		return
	}
	c.mu.Lock()
	c.commitCapEffects(effects)
	c.mu.Unlock()
}

// handleJoin services a request to merge redundant paths to the same
// capability into one. Single-part joins (the overwhelmingly common
// case — merging paths discovered via two different third-party
// introductions) resolve immediately; joins split across more than
// one part would need to correlate with the other parts arriving on
// other Conns before they can be answered, which this implementation
// does not attempt.
func (c *Conn) handleJoin(j *rpccp.Join) {
	if j == nil {
		return
	}
	if j.KeyPart.PartCount > 1 {
		c.sendMessage(&rpccp.Message{
			Which:  rpccp.Message_Which_return,
			Return: &rpccp.Return{AnswerID: j.QuestionID, Which: rpccp.Return_Which_exception, Exception: &rpccp.Exception{Type: rpccp.Exception_Type_unimplemented, Reason: "multi-part join not supported"}},
		})
		return
	}
	c.mu.Lock()
	client, err := c.resolveTarget(j.Target, 0)
	c.mu.Unlock()
	if err != nil {
		c.sendMessage(&rpccp.Message{
			Which:  rpccp.Message_Which_return,
			Return: &rpccp.Return{AnswerID: j.QuestionID, Which: rpccp.Return_Which_exception, Exception: &rpccp.Exception{Reason: err.Error()}},
		})
		return
	}
	msg, seg := capnp.NewSingleSegmentMessage(nil)
	capID := msg.AddCap(client)
	iface := capnp.NewInterface(seg, capID)
	c.mu.Lock()
	payload, effects, perr := c.encodePayload(iface.ToPtr())
	c.mu.Unlock()
	if perr != nil {
		perr = exc.WrapError("join", perr)
		c.sendMessage(&rpccp.Message{
			Which:  rpccp.Message_Which_return,
			Return: &rpccp.Return{AnswerID: j.QuestionID, Which: rpccp.Return_Which_exception, Exception: &rpccp.Exception{Reason: perr.Error()}},
		})
		return
	}
	sendErr := c.sendMessage(&rpccp.Message{
		Which:  rpccp.Message_Which_return,
		Return: &rpccp.Return{AnswerID: j.QuestionID, Which: rpccp.Return_Which_results, Results: payload},
	})
	if sendErr != nil {
		c.discardCapEffects(effects)
		return
	}
	c.mu.Lock()
	c.commitCapEffects(effects)
	c.mu.Unlock()
}

// handleDisembargo processes a Disembargo message. senderLoopback
// requests are answered immediately: this implementation's promise
// pipelining queues pipelined calls locally in arrival order rather
// than racing them over the wire past an unresolved promise, so the
// reordering embargo exists to prevent cannot happen here. A
// latency-optimized implementation that dispatches pipelined calls to
// an eventually-local capability eagerly would need to actually block
// on the embargo in that case.
func (c *Conn) handleDisembargo(d *rpccp.Disembargo) {
	if d == nil {
		return
	}
	switch d.Context.Which {
	case rpccp.Disembargo_context_Which_senderLoopback:
		c.sendMessage(&rpccp.Message{
			Which: rpccp.Message_Which_disembargo,
			Disembargo: &rpccp.Disembargo{
				Target: d.Target,
				Context: rpccp.DisembargoContext{
					Which:            rpccp.Disembargo_context_Which_receiverLoopback,
					ReceiverLoopback: d.Context.SenderLoopback,
				},
			},
		})
	case rpccp.Disembargo_context_Which_receiverLoopback:
		c.mu.Lock()
		ch := c.embargoes[d.Context.ReceiverLoopback]
		delete(c.embargoes, d.Context.ReceiverLoopback)
		c.embargoID.Remove(d.Context.ReceiverLoopback)
		c.mu.Unlock()
		if ch != nil {
			close(ch)
		}
	default:
		c.sendMessage(&rpccp.Message{Which: rpccp.Message_Which_unimplemented, Unimplemented: &rpccp.Message{Which: rpccp.Message_Which_disembargo, Disembargo: d}})
	}
}
