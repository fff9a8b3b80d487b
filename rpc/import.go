package rpc

import (
	"context"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// importClient is the ClientHook behind a capability the peer
// exported to us: every call turns into a Call message targeting the
// peer's export id.
type importClient struct {
	conn *Conn
	id   uint32
}

func (ic *importClient) Send(ctx context.Context, call capnp.Call) (*capnp.Answer, capnp.ReleaseFunc) {
	ans := ic.conn.sendCall(ctx, rpccp.MessageTarget{
		Which:       rpccp.MessageTarget_Which_importedCap,
		ImportedCap: ic.id,
	}, call.Method, call.Params)
	return ans, func() {}
}

func (ic *importClient) RecvCall(ctx context.Context, call capnp.Call) (*capnp.Answer, capnp.ReleaseFunc) {
	return ic.Send(ctx, call)
}

func (ic *importClient) Brand() any { return ic }

func (ic *importClient) Shutdown() {
	ic.conn.mu.Lock()
	delete(ic.conn.imports, ic.id)
	ic.conn.mu.Unlock()
	ic.conn.sendMessage(&rpccp.Message{
		Which:   rpccp.Message_Which_release,
		Release: &rpccp.Release{ID: ic.id, ReferenceCount: 1},
	})
}

func (ic *importClient) String() string { return "import" }
