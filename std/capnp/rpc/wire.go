package rpc

import (
	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/exc"
)

// This file hand-implements the Struct-backed marshaling a schema
// compiler would otherwise generate from rpc.capnp: each Go value
// above gets a fixed data/pointer layout and an Encode/Decode pair
// built on the plain capnp.Struct accessors. The layouts are this
// implementation's own (not binary-compatible with any other Cap'n
// Proto RPC implementation's generated code), but they are real,
// checked Cap'n Proto struct encodings like anything else built on
// the wire engine.

var messageSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

// EncodeMessage lays out m as a struct in seg's message and returns
// it.
func EncodeMessage(seg *capnp.Segment, m *Message) (capnp.Struct, error) {
	st, err := capnp.NewStruct(seg, messageSize)
	if err != nil {
		return capnp.Struct{}, exc.WrapError("encode rpc message", err)
	}
	st.SetUint16(0, uint16(m.Which))

	var body capnp.Ptr
	var encErr error
	switch m.Which {
	case Message_Which_unimplemented:
		if m.Unimplemented != nil {
			inner, err := EncodeMessage(seg, m.Unimplemented)
			body, encErr = inner.ToPtr(), err
		}
	case Message_Which_abort:
		body, encErr = encodeException(seg, m.Abort)
	case Message_Which_bootstrap:
		body, encErr = encodeBootstrap(seg, m.Bootstrap)
	case Message_Which_call:
		body, encErr = encodeCall(seg, m.Call)
	case Message_Which_return:
		body, encErr = encodeReturn(seg, m.Return)
	case Message_Which_finish:
		body, encErr = encodeFinish(seg, m.Finish)
	case Message_Which_resolve:
		body, encErr = encodeResolve(seg, m.Resolve)
	case Message_Which_release:
		body, encErr = encodeRelease(seg, m.Release)
	case Message_Which_disembargo:
		body, encErr = encodeDisembargo(seg, m.Disembargo)
	case Message_Which_provide:
		body, encErr = encodeProvide(seg, m.Provide)
	case Message_Which_accept:
		body, encErr = encodeAccept(seg, m.Accept)
	case Message_Which_join:
		body, encErr = encodeJoin(seg, m.Join)
	}
	if encErr != nil {
		return capnp.Struct{}, exc.WrapError("encode rpc message", encErr)
	}
	if err := st.SetPtr(0, body); err != nil {
		return capnp.Struct{}, exc.WrapError("encode rpc message", err)
	}
	return st, nil
}

// DecodeMessage reconstructs a Message from a struct written by
// EncodeMessage.
func DecodeMessage(st capnp.Struct) (*Message, error) {
	if !st.IsValid() {
		return nil, exc.Errorf("decode rpc message: null struct")
	}
	m := &Message{Which: MessageWhich(st.Uint16(0))}
	body, err := st.Ptr(0)
	if err != nil {
		return nil, exc.WrapError("decode rpc message", err)
	}
	switch m.Which {
	case Message_Which_unimplemented:
		if body.IsValid() {
			inner, err := DecodeMessage(body.Struct())
			if err != nil {
				return nil, err
			}
			m.Unimplemented = inner
		}
	case Message_Which_abort:
		m.Abort, err = decodeException(body.Struct())
	case Message_Which_bootstrap:
		m.Bootstrap, err = decodeBootstrap(body.Struct())
	case Message_Which_call:
		m.Call, err = decodeCall(body.Struct())
	case Message_Which_return:
		m.Return, err = decodeReturn(body.Struct())
	case Message_Which_finish:
		m.Finish, err = decodeFinish(body.Struct())
	case Message_Which_resolve:
		m.Resolve, err = decodeResolve(body.Struct())
	case Message_Which_release:
		m.Release, err = decodeRelease(body.Struct())
	case Message_Which_disembargo:
		m.Disembargo, err = decodeDisembargo(body.Struct())
	case Message_Which_provide:
		m.Provide, err = decodeProvide(body.Struct())
	case Message_Which_accept:
		m.Accept, err = decodeAccept(body.Struct())
	case Message_Which_join:
		m.Join, err = decodeJoin(body.Struct())
	}
	if err != nil {
		return nil, exc.WrapError("decode rpc message", err)
	}
	return m, nil
}

var exceptionSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

func encodeException(seg *capnp.Segment, e *Exception) (capnp.Ptr, error) {
	if e == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, exceptionSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint16(0, uint16(e.Type))
	if err := st.SetText(0, e.Reason); err != nil {
		return capnp.Ptr{}, err
	}
	return st.ToPtr(), nil
}

func decodeException(st capnp.Struct) (*Exception, error) {
	if !st.IsValid() {
		return nil, nil
	}
	reason, err := st.Text(0)
	if err != nil {
		return nil, err
	}
	return &Exception{Type: ExceptionType(st.Uint16(0)), Reason: reason}, nil
}

var bootstrapSize = capnp.ObjectSize{DataSize: 8}

func encodeBootstrap(seg *capnp.Segment, b *Bootstrap) (capnp.Ptr, error) {
	if b == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, bootstrapSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, b.QuestionID)
	return st.ToPtr(), nil
}

func decodeBootstrap(st capnp.Struct) (*Bootstrap, error) {
	if !st.IsValid() {
		return nil, nil
	}
	return &Bootstrap{QuestionID: st.Uint32(0)}, nil
}

var payloadSize = capnp.ObjectSize{PointerCount: 2}

func encodePayload(seg *capnp.Segment, p Payload) (capnp.Ptr, error) {
	st, err := capnp.NewStruct(seg, payloadSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	if p.Content.IsValid() {
		cp, err := capnp.CopyPtr(seg, p.Content)
		if err != nil {
			return capnp.Ptr{}, err
		}
		if err := st.SetPtr(0, cp); err != nil {
			return capnp.Ptr{}, err
		}
	}
	ct, err := capnp.NewCompositeList(seg, capDescriptorSize, int32(len(p.CapTable)))
	if err != nil {
		return capnp.Ptr{}, err
	}
	for i, d := range p.CapTable {
		if err := encodeCapDescriptorInto(ct.Struct(i), d); err != nil {
			return capnp.Ptr{}, err
		}
	}
	if err := st.SetPtr(1, ct.ToPtr()); err != nil {
		return capnp.Ptr{}, err
	}
	return st.ToPtr(), nil
}

func decodePayload(p capnp.Ptr) (Payload, error) {
	st := p.Struct()
	if !st.IsValid() {
		return Payload{}, nil
	}
	content, err := st.Ptr(0)
	if err != nil {
		return Payload{}, err
	}
	lp, err := st.Ptr(1)
	if err != nil {
		return Payload{}, err
	}
	l := lp.List()
	caps := make([]CapDescriptor, l.Len())
	for i := range caps {
		d, err := decodeCapDescriptor(l.Struct(i))
		if err != nil {
			return Payload{}, err
		}
		caps[i] = d
	}
	return Payload{Content: content, CapTable: caps}, nil
}

var capDescriptorSize = capnp.ObjectSize{DataSize: 16, PointerCount: 1}

func encodeCapDescriptorInto(st capnp.Struct, d CapDescriptor) error {
	st.SetUint16(0, uint16(d.Which))
	switch d.Which {
	case CapDescriptor_Which_senderHosted:
		st.SetUint32(4, d.SenderHosted)
	case CapDescriptor_Which_senderPromise:
		st.SetUint32(4, d.SenderPromise)
	case CapDescriptor_Which_receiverHosted:
		st.SetUint32(4, d.ReceiverHosted)
	case CapDescriptor_Which_receiverAnswer:
		pa, err := encodePromisedAnswerPtr(st.Segment(), d.ReceiverAnswer)
		if err != nil {
			return err
		}
		return st.SetPtr(0, pa)
	case CapDescriptor_Which_thirdPartyHosted:
		st.SetUint32(4, d.ThirdPartyHosted.VineID)
	}
	return nil
}

func decodeCapDescriptor(st capnp.Struct) (CapDescriptor, error) {
	if !st.IsValid() {
		return CapDescriptor{}, nil
	}
	d := CapDescriptor{Which: CapDescriptorWhich(st.Uint16(0))}
	switch d.Which {
	case CapDescriptor_Which_senderHosted:
		d.SenderHosted = st.Uint32(4)
	case CapDescriptor_Which_senderPromise:
		d.SenderPromise = st.Uint32(4)
	case CapDescriptor_Which_receiverHosted:
		d.ReceiverHosted = st.Uint32(4)
	case CapDescriptor_Which_receiverAnswer:
		p, err := st.Ptr(0)
		if err != nil {
			return CapDescriptor{}, err
		}
		pa, err := decodePromisedAnswer(p)
		if err != nil {
			return CapDescriptor{}, err
		}
		d.ReceiverAnswer = pa
	case CapDescriptor_Which_thirdPartyHosted:
		d.ThirdPartyHosted.VineID = st.Uint32(4)
	}
	return d, nil
}

var promisedAnswerSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

func encodePromisedAnswerPtr(seg *capnp.Segment, pa PromisedAnswer) (capnp.Ptr, error) {
	st, err := capnp.NewStruct(seg, promisedAnswerSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, pa.QuestionID)
	ops, err := capnp.NewCompositeList(seg, capnp.ObjectSize{DataSize: 8}, int32(len(pa.Transform)))
	if err != nil {
		return capnp.Ptr{}, err
	}
	for i, op := range pa.Transform {
		o := ops.Struct(i)
		o.SetUint16(0, uint16(op.Which))
		o.SetUint16(2, op.GetPointerField)
	}
	if err := st.SetPtr(0, ops.ToPtr()); err != nil {
		return capnp.Ptr{}, err
	}
	return st.ToPtr(), nil
}

func decodePromisedAnswer(p capnp.Ptr) (PromisedAnswer, error) {
	st := p.Struct()
	if !st.IsValid() {
		return PromisedAnswer{}, nil
	}
	pa := PromisedAnswer{QuestionID: st.Uint32(0)}
	lp, err := st.Ptr(0)
	if err != nil {
		return PromisedAnswer{}, err
	}
	l := lp.List()
	pa.Transform = make([]PromisedAnswerOp, l.Len())
	for i := range pa.Transform {
		o := l.Struct(i)
		pa.Transform[i] = PromisedAnswerOp{
			Which:           PromisedAnswerOpWhich(o.Uint16(0)),
			GetPointerField: o.Uint16(2),
		}
	}
	return pa, nil
}

var messageTargetSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

func encodeMessageTarget(seg *capnp.Segment, t MessageTarget) (capnp.Ptr, error) {
	st, err := capnp.NewStruct(seg, messageTargetSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint16(0, uint16(t.Which))
	switch t.Which {
	case MessageTarget_Which_importedCap:
		st.SetUint32(4, t.ImportedCap)
	case MessageTarget_Which_promisedAnswer:
		pa, err := encodePromisedAnswerPtr(seg, t.PromisedAnswer)
		if err != nil {
			return capnp.Ptr{}, err
		}
		if err := st.SetPtr(0, pa); err != nil {
			return capnp.Ptr{}, err
		}
	}
	return st.ToPtr(), nil
}

func decodeMessageTarget(p capnp.Ptr) (MessageTarget, error) {
	st := p.Struct()
	if !st.IsValid() {
		return MessageTarget{}, nil
	}
	t := MessageTarget{Which: MessageTargetWhich(st.Uint16(0))}
	switch t.Which {
	case MessageTarget_Which_importedCap:
		t.ImportedCap = st.Uint32(4)
	case MessageTarget_Which_promisedAnswer:
		p, err := st.Ptr(0)
		if err != nil {
			return MessageTarget{}, err
		}
		pa, err := decodePromisedAnswer(p)
		if err != nil {
			return MessageTarget{}, err
		}
		t.PromisedAnswer = pa
	}
	return t, nil
}

var callSize = capnp.ObjectSize{DataSize: 16, PointerCount: 3}

func encodeCall(seg *capnp.Segment, c *Call) (capnp.Ptr, error) {
	if c == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, callSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, c.QuestionID)
	st.SetUint64(8, c.InterfaceID)
	st.SetUint16(4, c.MethodID)
	if c.AllowThirdPartyTailCall {
		st.SetUint8(6, 1)
	}
	tgt, err := encodeMessageTarget(seg, c.Target)
	if err != nil {
		return capnp.Ptr{}, err
	}
	if err := st.SetPtr(0, tgt); err != nil {
		return capnp.Ptr{}, err
	}
	params, err := encodePayload(seg, c.Params)
	if err != nil {
		return capnp.Ptr{}, err
	}
	if err := st.SetPtr(1, params); err != nil {
		return capnp.Ptr{}, err
	}
	return st.ToPtr(), nil
}

func decodeCall(st capnp.Struct) (*Call, error) {
	if !st.IsValid() {
		return nil, nil
	}
	c := &Call{
		QuestionID:              st.Uint32(0),
		InterfaceID:              st.Uint64(8),
		MethodID:                 st.Uint16(4),
		AllowThirdPartyTailCall:  st.Uint8(6) != 0,
	}
	tp, err := st.Ptr(0)
	if err != nil {
		return nil, err
	}
	c.Target, err = decodeMessageTarget(tp)
	if err != nil {
		return nil, err
	}
	pp, err := st.Ptr(1)
	if err != nil {
		return nil, err
	}
	c.Params, err = decodePayload(pp)
	if err != nil {
		return nil, err
	}
	return c, nil
}

var returnSize = capnp.ObjectSize{DataSize: 16, PointerCount: 2}

func encodeReturn(seg *capnp.Segment, r *Return) (capnp.Ptr, error) {
	if r == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, returnSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, r.AnswerID)
	st.SetUint16(4, uint16(r.Which))
	if r.ReleaseParamCaps {
		st.SetUint8(6, 1)
	}
	switch r.Which {
	case Return_Which_results:
		p, err := encodePayload(seg, r.Results)
		if err != nil {
			return capnp.Ptr{}, err
		}
		if err := st.SetPtr(0, p); err != nil {
			return capnp.Ptr{}, err
		}
	case Return_Which_exception:
		p, err := encodeException(seg, r.Exception)
		if err != nil {
			return capnp.Ptr{}, err
		}
		if err := st.SetPtr(1, p); err != nil {
			return capnp.Ptr{}, err
		}
	case Return_Which_takeFromOtherQuestion:
		st.SetUint32(8, r.TakeFromOtherQuestion)
	}
	return st.ToPtr(), nil
}

func decodeReturn(st capnp.Struct) (*Return, error) {
	if !st.IsValid() {
		return nil, nil
	}
	r := &Return{
		AnswerID:         st.Uint32(0),
		Which:            ReturnWhich(st.Uint16(4)),
		ReleaseParamCaps: st.Uint8(6) != 0,
	}
	switch r.Which {
	case Return_Which_results:
		p, err := st.Ptr(0)
		if err != nil {
			return nil, err
		}
		r.Results, err = decodePayload(p)
		if err != nil {
			return nil, err
		}
	case Return_Which_exception:
		p, err := st.Ptr(1)
		if err != nil {
			return nil, err
		}
		r.Exception, err = decodeException(p.Struct())
		if err != nil {
			return nil, err
		}
	case Return_Which_takeFromOtherQuestion:
		r.TakeFromOtherQuestion = st.Uint32(8)
	}
	return r, nil
}

var finishSize = capnp.ObjectSize{DataSize: 8}

func encodeFinish(seg *capnp.Segment, f *Finish) (capnp.Ptr, error) {
	if f == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, finishSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, f.QuestionID)
	if f.ReleaseResultCaps {
		st.SetUint8(4, 1)
	}
	if f.RequireEarlyCancellationWorkaround {
		st.SetUint8(5, 1)
	}
	return st.ToPtr(), nil
}

func decodeFinish(st capnp.Struct) (*Finish, error) {
	if !st.IsValid() {
		return nil, nil
	}
	return &Finish{
		QuestionID:                         st.Uint32(0),
		ReleaseResultCaps:                  st.Uint8(4) != 0,
		RequireEarlyCancellationWorkaround: st.Uint8(5) != 0,
	}, nil
}

var resolveSize = capnp.ObjectSize{DataSize: 8, PointerCount: 2}

func encodeResolve(seg *capnp.Segment, r *Resolve) (capnp.Ptr, error) {
	if r == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, resolveSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, r.PromiseID)
	st.SetUint16(4, uint16(r.Which))
	switch r.Which {
	case Resolve_Which_cap:
		cst, err := capnp.NewStruct(seg, capDescriptorSize)
		if err != nil {
			return capnp.Ptr{}, err
		}
		if err := encodeCapDescriptorInto(cst, r.Cap); err != nil {
			return capnp.Ptr{}, err
		}
		if err := st.SetPtr(0, cst.ToPtr()); err != nil {
			return capnp.Ptr{}, err
		}
	case Resolve_Which_exception:
		p, err := encodeException(seg, r.Exception)
		if err != nil {
			return capnp.Ptr{}, err
		}
		if err := st.SetPtr(1, p); err != nil {
			return capnp.Ptr{}, err
		}
	}
	return st.ToPtr(), nil
}

func decodeResolve(st capnp.Struct) (*Resolve, error) {
	if !st.IsValid() {
		return nil, nil
	}
	r := &Resolve{PromiseID: st.Uint32(0), Which: ResolveWhich(st.Uint16(4))}
	switch r.Which {
	case Resolve_Which_cap:
		p, err := st.Ptr(0)
		if err != nil {
			return nil, err
		}
		d, err := decodeCapDescriptor(p.Struct())
		if err != nil {
			return nil, err
		}
		r.Cap = d
	case Resolve_Which_exception:
		p, err := st.Ptr(1)
		if err != nil {
			return nil, err
		}
		r.Exception, err = decodeException(p.Struct())
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

var releaseSize = capnp.ObjectSize{DataSize: 8}

func encodeRelease(seg *capnp.Segment, r *Release) (capnp.Ptr, error) {
	if r == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, releaseSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, r.ID)
	st.SetUint32(4, r.ReferenceCount)
	return st.ToPtr(), nil
}

func decodeRelease(st capnp.Struct) (*Release, error) {
	if !st.IsValid() {
		return nil, nil
	}
	return &Release{ID: st.Uint32(0), ReferenceCount: st.Uint32(4)}, nil
}

var disembargoSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

func encodeDisembargo(seg *capnp.Segment, d *Disembargo) (capnp.Ptr, error) {
	if d == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, disembargoSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint16(0, uint16(d.Context.Which))
	switch d.Context.Which {
	case Disembargo_context_Which_senderLoopback:
		st.SetUint32(4, d.Context.SenderLoopback)
	case Disembargo_context_Which_receiverLoopback:
		st.SetUint32(4, d.Context.ReceiverLoopback)
	case Disembargo_context_Which_provide:
		st.SetUint32(4, d.Context.Provide)
	}
	tgt, err := encodeMessageTarget(seg, d.Target)
	if err != nil {
		return capnp.Ptr{}, err
	}
	if err := st.SetPtr(0, tgt); err != nil {
		return capnp.Ptr{}, err
	}
	return st.ToPtr(), nil
}

func decodeDisembargo(st capnp.Struct) (*Disembargo, error) {
	if !st.IsValid() {
		return nil, nil
	}
	d := &Disembargo{Context: DisembargoContext{Which: DisembargoContextWhich(st.Uint16(0))}}
	switch d.Context.Which {
	case Disembargo_context_Which_senderLoopback:
		d.Context.SenderLoopback = st.Uint32(4)
	case Disembargo_context_Which_receiverLoopback:
		d.Context.ReceiverLoopback = st.Uint32(4)
	case Disembargo_context_Which_provide:
		d.Context.Provide = st.Uint32(4)
	}
	p, err := st.Ptr(0)
	if err != nil {
		return nil, err
	}
	d.Target, err = decodeMessageTarget(p)
	if err != nil {
		return nil, err
	}
	return d, nil
}

var provideSize = capnp.ObjectSize{DataSize: 8, PointerCount: 2}

func encodeProvide(seg *capnp.Segment, p *Provide) (capnp.Ptr, error) {
	if p == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, provideSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, p.QuestionID)
	tgt, err := encodeMessageTarget(seg, p.Target)
	if err != nil {
		return capnp.Ptr{}, err
	}
	if err := st.SetPtr(0, tgt); err != nil {
		return capnp.Ptr{}, err
	}
	if err := st.SetPtr(1, encodeVatID(seg, p.Recipient)); err != nil {
		return capnp.Ptr{}, err
	}
	return st.ToPtr(), nil
}

func decodeProvide(st capnp.Struct) (*Provide, error) {
	if !st.IsValid() {
		return nil, nil
	}
	p := &Provide{QuestionID: st.Uint32(0)}
	tp, err := st.Ptr(0)
	if err != nil {
		return nil, err
	}
	p.Target, err = decodeMessageTarget(tp)
	if err != nil {
		return nil, err
	}
	rp, err := st.Ptr(1)
	if err != nil {
		return nil, err
	}
	p.Recipient, err = decodeVatID(rp)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func encodeVatID(seg *capnp.Segment, t ThirdPartyCapDescriptor) capnp.Ptr {
	d, err := capnp.NewData(seg, t.ID)
	if err != nil {
		return capnp.Ptr{}
	}
	return d.ToPtr()
}

func decodeVatID(p capnp.Ptr) (ThirdPartyCapDescriptor, error) {
	return ThirdPartyCapDescriptor{ID: p.Data()}, nil
}

var acceptSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

func encodeAccept(seg *capnp.Segment, a *Accept) (capnp.Ptr, error) {
	if a == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, acceptSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, a.QuestionID)
	if a.Embargo {
		st.SetUint8(4, 1)
	}
	if err := st.SetPtr(0, encodeVatID(seg, a.Provision)); err != nil {
		return capnp.Ptr{}, err
	}
	return st.ToPtr(), nil
}

func decodeAccept(st capnp.Struct) (*Accept, error) {
	if !st.IsValid() {
		return nil, nil
	}
	a := &Accept{QuestionID: st.Uint32(0), Embargo: st.Uint8(4) != 0}
	p, err := st.Ptr(0)
	if err != nil {
		return nil, err
	}
	a.Provision, err = decodeVatID(p)
	if err != nil {
		return nil, err
	}
	return a, nil
}

var joinSize = capnp.ObjectSize{DataSize: 16, PointerCount: 1}

func encodeJoin(seg *capnp.Segment, j *Join) (capnp.Ptr, error) {
	if j == nil {
		return capnp.Ptr{}, nil
	}
	st, err := capnp.NewStruct(seg, joinSize)
	if err != nil {
		return capnp.Ptr{}, err
	}
	st.SetUint32(0, j.QuestionID)
	st.SetUint32(4, j.KeyPart.JoinID)
	st.SetUint16(8, j.KeyPart.PartCount)
	st.SetUint16(10, j.KeyPart.PartNum)
	tgt, err := encodeMessageTarget(seg, j.Target)
	if err != nil {
		return capnp.Ptr{}, err
	}
	if err := st.SetPtr(0, tgt); err != nil {
		return capnp.Ptr{}, err
	}
	return st.ToPtr(), nil
}

func decodeJoin(st capnp.Struct) (*Join, error) {
	if !st.IsValid() {
		return nil, nil
	}
	j := &Join{
		QuestionID: st.Uint32(0),
		KeyPart: JoinKeyPart{
			JoinID:    st.Uint32(4),
			PartCount: st.Uint16(8),
			PartNum:   st.Uint16(10),
		},
	}
	p, err := st.Ptr(0)
	if err != nil {
		return nil, err
	}
	j.Target, err = decodeMessageTarget(p)
	if err != nil {
		return nil, err
	}
	return j, nil
}
