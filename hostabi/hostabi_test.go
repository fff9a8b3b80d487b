package hostabi_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/hostabi"
	"capnproto.org/go/capnp/v3/rpc"
)

var echoMethod = capnp.Method{InterfaceID: 0xe4000000, MethodID: 0, InterfaceName: "Echo", MethodName: "echo"}

// directHook answers echo calls in Go, for driving bytes across a
// Bridge from the other side of the ABI boundary.
type directHook struct{}

func (directHook) Send(ctx context.Context, call capnp.Call) (*capnp.Answer, capnp.ReleaseFunc) {
	return directHook{}.RecvCall(ctx, call)
}

func (directHook) RecvCall(ctx context.Context, call capnp.Call) (*capnp.Answer, capnp.ReleaseFunc) {
	in, _ := call.Params.Text(0)
	_, seg := capnp.NewSingleSegmentMessage(nil)
	results, err := capnp.NewStruct(seg, capnp.ObjectSize{PointerCount: 1})
	if err != nil {
		return capnp.ErrorAnswer(call.Method, err), func() {}
	}
	if err := results.SetText(0, in+in); err != nil {
		return capnp.ErrorAnswer(call.Method, err), func() {}
	}
	ans := capnp.NewAnswer(call.Method)
	ans.Fulfill(results.ToPtr())
	return ans, func() {}
}

func (directHook) Brand() any     { return directHook{} }
func (directHook) Shutdown()      {}
func (directHook) String() string { return "directHook" }

// TestBridgePushPopRoundTrip wires a Bridge (serving a Go-hosted
// bootstrap) to an ordinary rpc.Conn through an in-test loopback
// adapter that carries the standard stream framing, one whole frame
// per Write, splicing the two halves together by hand through
// PushInbound/PopOutbound instead of a shared io.ReadWriteCloser, the
// way an embedding host would.
func TestBridgePushPopRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := hostabi.NewBridge()
	b.Start(&rpc.Options{BootstrapClient: capnp.NewClient(directHook{})})
	defer b.Close()

	client := rpc.NewConn(rpc.NewTransport(newLoopback(t, b)), &rpc.Options{})
	defer client.Close()

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	_, seg := capnp.NewSingleSegmentMessage(nil)
	params, err := capnp.NewStruct(seg, capnp.ObjectSize{PointerCount: 1})
	require.NoError(t, err)
	require.NoError(t, params.SetText(0, "x"))

	ans, release := boot.SendCall(ctx, capnp.Call{Ctx: ctx, Method: echoMethod, Params: params})
	defer release()
	result, err := ans.Struct()
	require.NoError(t, err)
	out, err := result.Text(0)
	require.NoError(t, err)
	assert.Equal(t, "xx", out)
}

// loopback adapts a Bridge's push/pop frame API to an
// io.ReadWriteCloser backed by the standard stream framing, so an
// ordinary rpc.Conn can sit on the other end without its own Bridge.
type loopback struct {
	t *testing.T
	b *hostabi.Bridge
	r bytes.Buffer
}

func newLoopback(t *testing.T, b *hostabi.Bridge) *loopback {
	return &loopback{t: t, b: b}
}

func (l *loopback) Read(p []byte) (int, error) {
	for l.r.Len() == 0 {
		frame, err := l.b.PopOutbound(context.Background())
		if err != nil {
			return 0, err
		}
		l.r.Write(frame)
	}
	return l.r.Read(p)
}

func (l *loopback) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	l.b.PushInbound(cp)
	return len(p), nil
}

func (l *loopback) Close() error { return nil }

func TestPostResponseRejectsUnknownQuestionID(t *testing.T) {
	b := hostabi.NewBridge()
	b.Start(&rpc.Options{})
	defer b.Close()

	err := b.PostResponse(999, nil, "")
	require.Error(t, err)
}

func TestHostClientSurfacesCallsForHostToAnswer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := hostabi.NewBridge()
	host := b.HostClient()
	b.Start(&rpc.Options{BootstrapClient: host})
	defer b.Close()

	client := rpc.NewConn(rpc.NewTransport(newLoopback(t, b)), &rpc.Options{})
	defer client.Close()

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	_, seg := capnp.NewSingleSegmentMessage(nil)
	params, err := capnp.NewStruct(seg, capnp.ObjectSize{PointerCount: 1})
	require.NoError(t, err)
	require.NoError(t, params.SetText(0, "y"))

	ansDone := make(chan struct{})
	var result capnp.Struct
	var callErr error
	go func() {
		defer close(ansDone)
		ans, release := boot.SendCall(ctx, capnp.Call{Ctx: ctx, Method: echoMethod, Params: params})
		defer release()
		result, callErr = ans.Struct()
	}()

	hc, err := b.NextHostCall(ctx)
	require.NoError(t, err)
	assert.Equal(t, echoMethod.MethodID, hc.Method.MethodID)

	_, rseg := capnp.NewSingleSegmentMessage(nil)
	out, err := capnp.NewStruct(rseg, capnp.ObjectSize{PointerCount: 1})
	require.NoError(t, err)
	require.NoError(t, out.SetText(0, "hosted"))
	var buf bytes.Buffer
	msg := out.Segment().Message()
	require.NoError(t, msg.SetRoot(out.ToPtr()))
	require.NoError(t, capnp.NewEncoder(&buf).Encode(msg))

	require.NoError(t, b.PostResponse(hc.ID, buf.Bytes(), ""))

	<-ansDone
	require.NoError(t, callErr)
	text, err := result.Text(0)
	require.NoError(t, err)
	assert.Equal(t, "hosted", text)
}
