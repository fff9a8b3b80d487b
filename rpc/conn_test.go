package rpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/rpc"
	"capnproto.org/go/capnp/v3/rpc/transport"
)

// testLogger routes Conn diagnostics through t.Logf instead of the
// standard logger, so a failing test shows protocol-violation noise
// inline with everything else.
type testLogger struct{ t *testing.T }

func (l testLogger) Infof(format string, args ...any)  { l.t.Logf(format, args...) }
func (l testLogger) Errorf(format string, args ...any) { l.t.Logf(format, args...) }

// echoHook is a minimal ClientHook: it copies its params' sole text
// field into a results struct's sole text field, doubled. It stands
// in for a generated server stub in tests that only need something to
// call across the wire.
type echoHook struct {
	calls int
}

var echoMethod = capnp.Method{InterfaceID: 0xe4000000, MethodID: 0, InterfaceName: "Echo", MethodName: "echo"}

func (h *echoHook) Send(ctx context.Context, call capnp.Call) (*capnp.Answer, capnp.ReleaseFunc) {
	return h.RecvCall(ctx, call)
}

func (h *echoHook) RecvCall(ctx context.Context, call capnp.Call) (*capnp.Answer, capnp.ReleaseFunc) {
	h.calls++
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

func (h *echoHook) Brand() any     { return h }
func (h *echoHook) Shutdown()      {}
func (h *echoHook) String() string { return "echoHook" }

func newEchoParams(text string) (capnp.Struct, error) {
	_, seg := capnp.NewSingleSegmentMessage(nil)
	params, err := capnp.NewStruct(seg, capnp.ObjectSize{PointerCount: 1})
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := params.SetText(0, text); err != nil {
		return capnp.Struct{}, err
	}
	return params, nil
}

// dialLoopback wires up a connected Conn pair over an in-process pipe,
// with boot as the bootstrap capability served to the client side.
func dialLoopback(t *testing.T, boot capnp.Client) (client, server *rpc.Conn) {
	t.Helper()
	left, right := transport.NewPipe(1)
	server = rpc.NewConn(rpc.NewTransport(left), &rpc.Options{
		Logger:          testLogger{t},
		BootstrapClient: boot,
	})
	client = rpc.NewConn(rpc.NewTransport(right), &rpc.Options{
		Logger: testLogger{t},
	})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestBootstrapEcho(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hook := &echoHook{}
	client, _ := dialLoopback(t, capnp.NewClient(hook))

	boot := client.Bootstrap(ctx)
	defer boot.Release()

	params, err := newEchoParams("x")
	require.NoError(t, err)

	ans, release := boot.SendCall(ctx, capnp.Call{Ctx: ctx, Method: echoMethod, Params: params})
	defer release()

	result, err := ans.Struct()
	require.NoError(t, err)
	out, err := result.Text(0)
	require.NoError(t, err)
	assert.Equal(t, "xx", out)
	assert.Equal(t, 1, hook.calls)
}

func TestBootstrapReleaseTearsDownExport(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released := make(chan struct{}, 1)
	hook := &echoHook{}
	client, _ := dialLoopback(t, capnp.NewClient(&shutdownNotifyHook{echoHook: hook, notify: released}))

	boot := client.Bootstrap(ctx)
	_, err := boot.SendCall(ctx, capnp.Call{Ctx: ctx, Method: echoMethod})
	_ = err // params omitted; only exercising the round trip, not its result
	boot.Release()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("server-side export was never released after client released its bootstrap client")
	}
}

// shutdownNotifyHook wraps echoHook and signals notify when Shutdown
// runs, so a test can observe that releasing a client capability
// actually tears down its server-side export.
type shutdownNotifyHook struct {
	*echoHook
	notify chan<- struct{}
}

func (h *shutdownNotifyHook) Shutdown() {
	h.echoHook.Shutdown()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func TestConnClosePropagatesToPeer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client, server := dialLoopback(t, capnp.NewClient(&echoHook{}))
	boot := client.Bootstrap(ctx)
	defer boot.Release()

	// Drain the bootstrap round trip before tearing down, so the
	// close below is racing only the connection teardown, not an
	// in-flight call.
	ans, release := boot.SendCall(ctx, capnp.Call{Ctx: ctx, Method: echoMethod})
	_, _ = ans.Struct()
	release()

	require.NoError(t, server.Close())
	<-client.Done()
}
