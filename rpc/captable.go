package rpc

import (
	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/exc"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// An export is a capability this Conn has handed to its peer, kept
// alive by the peer's reference count (refs).
type export struct {
	id     uint32
	client capnp.Client
	refs   uint32
}

// An impEntry is a capability the peer has handed to this Conn: a
// proxy that turns local calls back into Call messages targeting the
// peer's export.
type impEntry struct {
	id     uint32
	client capnp.Client
	refs   uint32
}

// findExport returns the export registered under id, or nil.
func (c *Conn) findExport(id uint32) *export {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exports[id]
}

// releaseExport drops count references from the export, deleting (and
// releasing the underlying client) once it reaches zero.
func (c *Conn) releaseExport(id uint32, count uint32) {
	c.mu.Lock()
	e := c.exports[id]
	if e == nil {
		c.mu.Unlock()
		return
	}
	if count >= e.refs {
		e.refs = 0
	} else {
		e.refs -= count
	}
	done := e.refs == 0
	if done {
		delete(c.exports, id)
		c.exportID.Remove(id)
		delete(c.exportsByClient, e.client.State())
	}
	c.mu.Unlock()
	if done {
		e.client.Release()
	}
}

// An outboundCapEffect is an export-table change encodePayload would
// make for one capability in an outgoing payload's cap table, staged
// rather than applied immediately. Descriptor computation must not
// touch c.exports/c.exportsByClient directly: if the message carrying
// the descriptor never makes it out (transport failure mid-send), the
// effect is simply dropped instead of having to be undone. See
// commitCapEffects and discardCapEffects.
type outboundCapEffect struct {
	id     uint32
	brand  any
	client capnp.Client // only set, and only ours to release, when fresh
	fresh  bool         // true: a new export entry; false: bump an existing one's refs
}

// stageExportForClient computes the outboundCapEffect for hosting
// client as a sender-hosted export, without installing it. A brand
// new export's id is reserved from c.exportID immediately (the
// descriptor sent to the peer must name a real id), but the id stays
// invisible to findExport/releaseExport until commitCapEffects runs.
// The caller must hold c.mu.
func (c *Conn) stageExportForClient(client capnp.Client) (uint32, outboundCapEffect) {
	brand := client.State()
	if id, ok := c.exportsByClient[brand]; ok {
		return id, outboundCapEffect{id: id, brand: brand}
	}
	id := c.exportID.Next()
	return id, outboundCapEffect{id: id, brand: brand, client: client.AddRef(), fresh: true}
}

// commitCapEffects installs the export-table effects encodePayload
// staged, now that the message carrying them has actually been sent.
// The caller must hold c.mu.
func (c *Conn) commitCapEffects(effects []outboundCapEffect) {
	for _, e := range effects {
		if e.fresh {
			c.exports[e.id] = &export{id: e.id, client: e.client, refs: 1}
			c.exportsByClient[e.brand] = e.id
		} else if ex := c.exports[e.id]; ex != nil {
			ex.refs++
		}
	}
}

// discardCapEffects undoes effects staged by encodePayload when the
// send that would have committed them failed. Fresh exports were
// never installed, so this only releases the reference encodePayload
// took and frees the reserved id for reuse; existing exports were
// never touched, so there is nothing to undo for them. The caller
// must not hold c.mu.
func (c *Conn) discardCapEffects(effects []outboundCapEffect) {
	c.mu.Lock()
	for _, e := range effects {
		if e.fresh {
			c.exportID.Remove(e.id)
		}
	}
	c.mu.Unlock()
	for _, e := range effects {
		if e.fresh {
			e.client.Release()
		}
	}
}

// freshExportIDs extracts the ids of newly created exports from a set
// of staged effects, for a call's ReleaseParamCaps/ReleaseResultCaps
// bookkeeping.
func freshExportIDs(effects []outboundCapEffect) []uint32 {
	var ids []uint32
	for _, e := range effects {
		if e.fresh {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// addImport finds or creates an import entry for a capability the
// peer described as hosted under id, adding a reference.
func (c *Conn) addImport(id uint32) capnp.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if im, ok := c.imports[id]; ok {
		im.refs++
		return im.client.AddRef()
	}
	im := &impEntry{id: id}
	im.client = capnp.NewClient(&importClient{conn: c, id: id})
	im.refs = 1
	c.imports[id] = im
	return im.client.AddRef()
}

// stageDescriptorForClient builds the CapDescriptor used to send
// client to the peer, staging (but not installing) a new export entry
// if client is not already exported. The caller must hold c.mu.
func (c *Conn) stageDescriptorForClient(client capnp.Client) (rpccp.CapDescriptor, *outboundCapEffect) {
	if !client.IsValid() {
		return rpccp.CapDescriptor{Which: rpccp.CapDescriptor_Which_none}, nil
	}
	if ic, ok := client.State().(*importClient); ok && ic.conn == c {
		// Reflecting a capability back to the vat that exported it to
		// us: describe it as receiverHosted from their point of view.
		return rpccp.CapDescriptor{Which: rpccp.CapDescriptor_Which_receiverHosted, ReceiverHosted: ic.id}, nil
	}
	id, eff := c.stageExportForClient(client)
	return rpccp.CapDescriptor{Which: rpccp.CapDescriptor_Which_senderHosted, SenderHosted: id}, &eff
}

// clientForDescriptor turns a CapDescriptor the peer sent into a
// usable Client. The caller must hold c.mu.
func (c *Conn) clientForDescriptor(d rpccp.CapDescriptor) (capnp.Client, error) {
	switch d.Which {
	case rpccp.CapDescriptor_Which_none:
		return capnp.Client{}, nil
	case rpccp.CapDescriptor_Which_senderHosted:
		return c.lockedAddImport(d.SenderHosted), nil
	case rpccp.CapDescriptor_Which_senderPromise:
		return c.lockedAddImport(d.SenderPromise), nil
	case rpccp.CapDescriptor_Which_receiverHosted:
		e := c.exports[d.ReceiverHosted]
		if e == nil {
			return capnp.Client{}, exc.Errorf("cap table: unknown export %d", d.ReceiverHosted)
		}
		return e.client.AddRef(), nil
	case rpccp.CapDescriptor_Which_receiverAnswer:
		a := c.answers[d.ReceiverAnswer.QuestionID]
		if a == nil {
			return capnp.Client{}, exc.Errorf("cap table: unknown answer %d", d.ReceiverAnswer.QuestionID)
		}
		transform := opsToTransform(d.ReceiverAnswer.Transform)
		return a.ans.Client(transform), nil
	case rpccp.CapDescriptor_Which_thirdPartyHosted:
		// Three-party handoff needs an introduction to the third vat;
		// until that leg is dialed, treat the capability as an ordinary
		// import of the vine the introducer holds on our behalf.
		return c.lockedAddImport(d.ThirdPartyHosted.VineID), nil
	default:
		return capnp.Client{}, exc.New(exc.Unimplemented, "", "unknown capability descriptor %d", d.Which)
	}
}

// lockedAddImport is addImport for callers already holding c.mu.
func (c *Conn) lockedAddImport(id uint32) capnp.Client {
	if im, ok := c.imports[id]; ok {
		im.refs++
		return im.client.AddRef()
	}
	im := &impEntry{id: id}
	im.client = capnp.NewClient(&importClient{conn: c, id: id})
	im.refs = 1
	c.imports[id] = im
	return im.client.AddRef()
}

// encodePayload packs content (and a snapshot of its message's
// capability table) into an rpccp.Payload, staging an export-table
// effect for any local capability it references for the first time.
// It returns the staged effects alongside the payload: the caller
// must run commitCapEffects once the message carrying this payload
// has actually been sent, or discardCapEffects if the send failed, so
// that a transport failure never leaves a half-registered export
// behind (the "transactional encode" this package and question.go /
// answer.go implement together). The caller must hold c.mu.
func (c *Conn) encodePayload(content capnp.Ptr) (rpccp.Payload, []outboundCapEffect, error) {
	if !content.IsValid() {
		return rpccp.Payload{}, nil, nil
	}
	seg := content.Segment()
	tab := seg.Message().CapTable()
	n := tab.Len()
	descs := make([]rpccp.CapDescriptor, n)
	var effects []outboundCapEffect
	for i := 0; i < n; i++ {
		var eff *outboundCapEffect
		descs[i], eff = c.stageDescriptorForClient(tab.At(i))
		if eff != nil {
			effects = append(effects, *eff)
		}
	}
	return rpccp.Payload{Content: content, CapTable: descs}, effects, nil
}

// populateMessageCapTable resolves a received payload's CapDescriptor
// table into real Clients and installs them in the payload content's
// message, so that interface pointers inside it resolve correctly.
// The caller must hold c.mu.
func (c *Conn) populateMessageCapTable(p rpccp.Payload) error {
	if !p.Content.IsValid() {
		return nil
	}
	msg := p.Content.Segment().Message()
	for _, d := range p.CapTable {
		client, err := c.clientForDescriptor(d)
		if err != nil {
			return err
		}
		msg.AddCap(client)
	}
	return nil
}

func opsToTransform(ops []rpccp.PromisedAnswerOp) []capnp.PipelineOp {
	t := make([]capnp.PipelineOp, 0, len(ops))
	for _, op := range ops {
		if op.Which == rpccp.PromisedAnswerOp_Which_getPointerField {
			t = append(t, capnp.PipelineOp{Field: op.GetPointerField})
		}
	}
	return t
}

func transformToOps(t []capnp.PipelineOp) []rpccp.PromisedAnswerOp {
	ops := make([]rpccp.PromisedAnswerOp, len(t))
	for i, op := range t {
		ops[i] = rpccp.PromisedAnswerOp{Which: rpccp.PromisedAnswerOp_Which_getPointerField, GetPointerField: op.Field}
	}
	return ops
}
