// Package rpc implements the Cap'n Proto RPC protocol: capability
// calls, answers, and promises carried over a transport.Codec between
// two vats.
package rpc

import (
	"context"
	"io"
	"sync"

	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/exc"
	"capnproto.org/go/capnp/v3/rpc/internal/idgen"
	"capnproto.org/go/capnp/v3/rpc/transport"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// A Conn is a connection to another vat, speaking the Cap'n Proto RPC
// protocol. The zero Conn is not usable; use NewConn. It is safe to
// use a Conn's exported methods from multiple goroutines.
type Conn struct {
	codec  transport.Codec
	opts   Options
	bootstrap capnp.Client

	bg     context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex

	questionID idgen.Gen
	questions  map[uint32]*question

	exportID idgen.Gen
	exports  map[uint32]*export
	// exportsByClient lets a repeated send of the same capability reuse
	// its existing export entry instead of minting a new one.
	exportsByClient map[any]uint32

	// answer ids are assigned by the peer (they're just question ids
	// from its perspective), so there is no local id generator for them.
	answers map[uint32]*answer

	importID idgen.Gen
	imports  map[uint32]*impEntry

	embargoID idgen.Gen
	embargoes map[uint32]chan struct{}
}

// NewTransport wraps a raw byte stream (such as one half of
// transport.NewPipe) in the framed message Codec a Conn consumes.
func NewTransport(rwc io.ReadWriteCloser) transport.Codec {
	return transport.NewCodec(rwc)
}

// NewConn creates a connection that sends and receives messages over
// codec. Closing the Conn closes codec.
func NewConn(codec transport.Codec, opts *Options) *Conn {
	bg, cancel := context.WithCancel(context.Background())
	var o Options
	if opts != nil {
		o = *opts
	}
	c := &Conn{
		codec:           codec,
		opts:            o,
		bootstrap:       o.BootstrapClient,
		bg:              bg,
		cancel:          cancel,
		done:            make(chan struct{}),
		questions:       make(map[uint32]*question),
		exports:         make(map[uint32]*export),
		exportsByClient: make(map[any]uint32),
		answers:         make(map[uint32]*answer),
		imports:         make(map[uint32]*impEntry),
		embargoes:       make(map[uint32]chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Bootstrap returns the peer's bootstrap interface as a promise
// client: a question is sent immediately and the returned Client can
// be called right away, pipelining through the eventual answer.
func (c *Conn) Bootstrap(ctx context.Context) capnp.Client {
	c.mu.Lock()
	id := c.questionID.Next()
	q := &question{id: id, ans: capnp.NewAnswer(capnp.Method{})}
	c.questions[id] = q
	c.mu.Unlock()

	err := c.codec.SendMessage(ctx, &rpccp.Message{
		Which:     rpccp.Message_Which_bootstrap,
		Bootstrap: &rpccp.Bootstrap{QuestionID: id},
	})
	if err != nil {
		c.popQuestion(id)
		errc := exc.WrapError("bootstrap", err)
		q.ans.Reject(errc)
		return capnp.ErrorClient(errc)
	}
	return q.ans.Client(nil)
}

// Close shuts the connection down, sending an abort to the peer.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.codec.SendMessage(c.bg, &rpccp.Message{
			Which: rpccp.Message_Which_abort,
			Abort: &rpccp.Exception{Type: rpccp.Exception_Type_disconnected, Reason: "connection closed"},
		})
		c.closeErr = c.shutdown(exc.New(exc.Disconnected, exc.ConnectionClosed, "connection closed"))
	})
	return c.closeErr
}

// Done returns a channel closed once the connection has shut down,
// whether locally or by the peer.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) shutdown(err error) error {
	c.cancel()
	c.mu.Lock()
	qs := c.questions
	c.questions = nil
	as := c.answers
	c.answers = nil
	imps := c.imports
	c.imports = nil
	exps := c.exports
	c.exports = nil
	boot := c.bootstrap
	c.bootstrap = capnp.Client{}
	c.mu.Unlock()

	for _, q := range qs {
		q.ans.Reject(err)
	}
	for _, a := range as {
		if a.cancel != nil {
			a.cancel()
		}
	}
	for _, im := range imps {
		im.client.Release()
	}
	for _, ex := range exps {
		ex.client.Release()
	}
	boot.Release()

	cerr := c.codec.Close()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return cerr
}

func (c *Conn) recvLoop() {
	for {
		msg, release, err := c.codec.RecvMessage(c.bg)
		if err != nil {
			c.shutdown(exc.WrapError("recv", err))
			return
		}
		c.handleMessage(msg)
		release()
		select {
		case <-c.bg.Done():
			return
		default:
		}
	}
}

func (c *Conn) sendMessage(msg *rpccp.Message) error {
	return c.codec.SendMessage(c.bg, msg)
}

func (c *Conn) reportf(format string, args ...any) {
	c.opts.logger().Errorf(format, args...)
}

func (c *Conn) abort(err error) {
	typ := rpccp.ExceptionType(exc.TypeOf(err))
	c.sendMessage(&rpccp.Message{
		Which: rpccp.Message_Which_abort,
		Abort: &rpccp.Exception{Type: typ, Reason: err.Error()},
	})
	c.shutdown(err)
}

func (c *Conn) handleMessage(m *rpccp.Message) {
	switch m.Which {
	case rpccp.Message_Which_unimplemented:
		// No feedback loop: we just drop capabilities described in it,
		// if any, by letting release() reclaim the decoded message.
	case rpccp.Message_Which_abort:
		reason := "remote abort"
		if m.Abort != nil {
			reason = m.Abort.Reason
		}
		c.shutdown(exc.New(exc.Disconnected, exc.ConnectionAborted, "%s", reason))
	case rpccp.Message_Which_bootstrap:
		c.handleBootstrap(m.Bootstrap)
	case rpccp.Message_Which_call:
		c.handleCall(m.Call)
	case rpccp.Message_Which_return:
		c.handleReturn(m.Return)
	case rpccp.Message_Which_finish:
		c.handleFinish(m.Finish)
	case rpccp.Message_Which_release:
		c.handleRelease(m.Release)
	case rpccp.Message_Which_resolve:
		c.handleResolve(m.Resolve)
	case rpccp.Message_Which_disembargo:
		c.handleDisembargo(m.Disembargo)
	case rpccp.Message_Which_provide:
		c.handleProvide(m.Provide)
	case rpccp.Message_Which_accept:
		c.handleAccept(m.Accept)
	case rpccp.Message_Which_join:
		c.handleJoin(m.Join)
	default:
		c.sendMessage(&rpccp.Message{Which: rpccp.Message_Which_unimplemented, Unimplemented: m})
	}
}
