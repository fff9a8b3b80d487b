// Package rpc mirrors the structures of the Cap'n Proto RPC protocol
// schema (rpc.capnp): the Message union and everything reachable from
// it. A real schema compiler would generate Struct-backed accessors
// for these from the .capnp source; here they are plain Go values,
// since the compiler itself is out of scope and the rpc package only
// needs a Go-native shape to marshal to and from the wire.
package rpc

import "capnproto.org/go/capnp/v3"

// MessageWhich discriminates the top-level Message union.
type MessageWhich uint16

const (
	Message_Which_unimplemented MessageWhich = iota
	Message_Which_abort
	Message_Which_bootstrap
	Message_Which_call
	Message_Which_return
	Message_Which_finish
	Message_Which_resolve
	Message_Which_release
	Message_Which_disembargo
	Message_Which_obsoleteSave
	Message_Which_obsoleteDelete
	Message_Which_provide
	Message_Which_accept
	Message_Which_join
)

func (w MessageWhich) String() string {
	switch w {
	case Message_Which_unimplemented:
		return "unimplemented"
	case Message_Which_abort:
		return "abort"
	case Message_Which_bootstrap:
		return "bootstrap"
	case Message_Which_call:
		return "call"
	case Message_Which_return:
		return "return"
	case Message_Which_finish:
		return "finish"
	case Message_Which_resolve:
		return "resolve"
	case Message_Which_release:
		return "release"
	case Message_Which_disembargo:
		return "disembargo"
	case Message_Which_provide:
		return "provide"
	case Message_Which_accept:
		return "accept"
	case Message_Which_join:
		return "join"
	default:
		return "unknown"
	}
}

// Message is the top-level envelope for every RPC wire message.
type Message struct {
	Which MessageWhich

	Unimplemented *Message
	Abort         *Exception
	Bootstrap     *Bootstrap
	Call          *Call
	Return        *Return
	Finish        *Finish
	Resolve       *Resolve
	Release       *Release
	Disembargo    *Disembargo
	Provide       *Provide
	Accept        *Accept
	Join          *Join
}

// ExceptionType mirrors the wire Exception.Type enum.
type ExceptionType uint16

const (
	Exception_Type_failed ExceptionType = iota
	Exception_Type_overloaded
	Exception_Type_disconnected
	Exception_Type_unimplemented
)

// Exception is the wire representation of a thrown error.
type Exception struct {
	Reason string
	Type   ExceptionType
}

// Bootstrap requests the connection's bootstrap capability.
type Bootstrap struct {
	QuestionID uint32
}

// Call invokes a method on a capability.
type Call struct {
	QuestionID          uint32
	Target              MessageTarget
	InterfaceID         uint64
	MethodID            uint16
	Params              Payload
	SendResultsTo       SendResultsTo
	AllowThirdPartyTailCall bool
}

// SendResultsToWhich discriminates where a call's results should go.
type SendResultsToWhich uint16

const (
	SendResultsTo_Which_caller SendResultsToWhich = iota
	SendResultsTo_Which_yourself
	SendResultsTo_Which_thirdParty
)

type SendResultsTo struct {
	Which       SendResultsToWhich
	ThirdParty  ThirdPartyCapDescriptor
}

// ReturnWhich discriminates the Return union.
type ReturnWhich uint16

const (
	Return_Which_results ReturnWhich = iota
	Return_Which_exception
	Return_Which_canceled
	Return_Which_resultsSentElsewhere
	Return_Which_takeFromOtherQuestion
	Return_Which_acceptFromThirdParty
)

// Return answers a call.
type Return struct {
	AnswerID         uint32
	ReleaseParamCaps bool
	Which            ReturnWhich

	Results               Payload
	Exception             *Exception
	TakeFromOtherQuestion uint32
	AcceptFromThirdParty  ThirdPartyCapDescriptor
}

// Finish terminates an answer, releasing the question/answer pair.
//
// RequireEarlyCancellationWorkaround changes what happens when this
// Finish arrives for a call that is still queued behind an unresolved
// promised-answer pipeline: false (the default) cancels the queued
// call, true preserves it so it still runs to completion once the
// promise it depends on resolves.
type Finish struct {
	QuestionID                         uint32
	ReleaseResultCaps                  bool
	RequireEarlyCancellationWorkaround bool
}

// ResolveWhich discriminates the Resolve union.
type ResolveWhich uint16

const (
	Resolve_Which_cap ResolveWhich = iota
	Resolve_Which_exception
)

// Resolve announces the resolution of a previously-exported promise.
type Resolve struct {
	PromiseID uint32
	Which     ResolveWhich
	Cap       CapDescriptor
	Exception *Exception
}

// Release drops references to an export.
type Release struct {
	ID             uint32
	ReferenceCount uint32
}

// DisembargoContextWhich discriminates the Disembargo.context union.
type DisembargoContextWhich uint16

const (
	Disembargo_context_Which_senderLoopback DisembargoContextWhich = iota
	Disembargo_context_Which_receiverLoopback
	Disembargo_context_Which_accept
	Disembargo_context_Which_provide
)

type DisembargoContext struct {
	Which             DisembargoContextWhich
	SenderLoopback    uint32
	ReceiverLoopback  uint32
	Provide           uint32
}

// Disembargo resolves embargoed pipeline order.
type Disembargo struct {
	Target  MessageTarget
	Context DisembargoContext
}

// Provide offers a capability to a third party for a handoff.
type Provide struct {
	QuestionID uint32
	Target     MessageTarget
	Recipient  ThirdPartyCapDescriptor
}

// Accept takes up an offer made via Provide.
type Accept struct {
	QuestionID       uint32
	Provision        ThirdPartyCapDescriptor
	Embargo          bool
}

// Join merges redundant paths to the same capability into one.
type Join struct {
	QuestionID uint32
	Target     MessageTarget
	KeyPart    JoinKeyPart
}

// JoinKeyPart is one peer's share of a three-party join key.
type JoinKeyPart struct {
	JoinID    uint32
	PartCount uint16
	PartNum   uint16
}

// MessageTargetWhich discriminates MessageTarget.
type MessageTargetWhich uint16

const (
	MessageTarget_Which_importedCap MessageTargetWhich = iota
	MessageTarget_Which_promisedAnswer
)

// MessageTarget identifies the capability a Call or Disembargo is
// aimed at.
type MessageTarget struct {
	Which          MessageTargetWhich
	ImportedCap    uint32
	PromisedAnswer PromisedAnswer
}

// PromisedAnswer identifies a not-yet-returned answer plus a
// transform to apply to its eventual result.
type PromisedAnswer struct {
	QuestionID uint32
	Transform  []PromisedAnswerOp
}

// PromisedAnswerOpWhich discriminates a single transform step.
type PromisedAnswerOpWhich uint16

const (
	PromisedAnswerOp_Which_noop PromisedAnswerOpWhich = iota
	PromisedAnswerOp_Which_getPointerField
)

type PromisedAnswerOp struct {
	Which           PromisedAnswerOpWhich
	GetPointerField uint16
}

// CapDescriptorWhich discriminates how a capability is described when
// it crosses the wire embedded in a payload's cap table.
type CapDescriptorWhich uint16

const (
	CapDescriptor_Which_none CapDescriptorWhich = iota
	CapDescriptor_Which_senderHosted
	CapDescriptor_Which_senderPromise
	CapDescriptor_Which_receiverHosted
	CapDescriptor_Which_receiverAnswer
	CapDescriptor_Which_thirdPartyHosted
)

type CapDescriptor struct {
	Which           CapDescriptorWhich
	SenderHosted    uint32
	SenderPromise   uint32
	ReceiverHosted  uint32
	ReceiverAnswer  PromisedAnswer
	ThirdPartyHosted ThirdPartyCapDescriptor
}

// ThirdPartyCapDescriptor identifies a capability hosted by a third
// vat, for the three-party handoff protocol.
type ThirdPartyCapDescriptor struct {
	ID         []byte
	VineID     uint32
}

// Payload is a message body plus the table of capabilities its
// pointers in the message's cap table refer to.
type Payload struct {
	Content  capnp.Ptr
	CapTable []CapDescriptor
}
