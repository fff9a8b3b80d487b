// Package transport carries RPC messages between a Conn and its peer.
// NewPipe provides an in-process implementation for tests and
// same-process vats; real deployments wrap a net.Conn or similar
// stream instead.
package transport

import (
	"context"
	"io"
	"sync"

	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/exc"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// A Codec reads and writes rpc messages as framed Cap'n Proto
// messages on a byte stream.
type Codec interface {
	// RecvMessage reads the next message, blocking until one arrives,
	// ctx is done, or the stream is closed. The returned release
	// function must be called once the message (and anything
	// referencing its segments) is no longer needed.
	RecvMessage(ctx context.Context) (*rpccp.Message, capnp.ReleaseFunc, error)

	// SendMessage writes msg to the stream.
	SendMessage(ctx context.Context, msg *rpccp.Message) error

	// Close shuts down the underlying stream.
	Close() error
}

// streamCodec implements Codec on top of an io.ReadWriteCloser using
// the unpacked stream framing from the core wire-format engine.
type streamCodec struct {
	rwc io.ReadWriteCloser
	enc *capnp.Encoder
	dec *capnp.Decoder

	sendMu sync.Mutex // one Encode at a time, so frames never interleave
}

// NewCodec wraps rwc in a Codec that frames messages with the
// standard (unpacked) Cap'n Proto stream encoding.
func NewCodec(rwc io.ReadWriteCloser) Codec {
	return &streamCodec{rwc: rwc, enc: capnp.NewEncoder(rwc), dec: capnp.NewDecoder(rwc)}
}

func (c *streamCodec) RecvMessage(ctx context.Context) (*rpccp.Message, capnp.ReleaseFunc, error) {
	type result struct {
		msg *capnp.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := c.dec.Decode()
		ch <- result{m, err}
	}()
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, nil, exc.WrapError("recv message", r.err)
		}
		root, err := r.msg.Root()
		if err != nil {
			return nil, nil, exc.WrapError("recv message", err)
		}
		m, err := rpccp.DecodeMessage(root.Struct())
		if err != nil {
			return nil, nil, exc.WrapError("recv message", err)
		}
		return m, func() { r.msg.Release() }, nil
	}
}

func (c *streamCodec) SendMessage(ctx context.Context, msg *rpccp.Message) error {
	m, seg := capnp.NewSingleSegmentMessage(nil)
	st, err := rpccp.EncodeMessage(seg, msg)
	if err != nil {
		return exc.WrapError("send message", err)
	}
	if err := m.SetRoot(st.ToPtr()); err != nil {
		return exc.WrapError("send message", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enc.Encode(m)
}

func (c *streamCodec) Close() error { return c.rwc.Close() }

// pipeEnd is one side of an in-process, full-duplex byte pipe built
// from two buffered channels of byte slices.
type pipeEnd struct {
	r      <-chan []byte
	w      chan<- []byte
	closed chan struct{}
	rbuf   []byte
}

// NewPipe returns two connected in-process byte streams, each
// buffering up to depth whole writes before a send blocks. It is the
// transport used by tests and by capabilities shared between vats in
// the same process.
func NewPipe(depth int) (io.ReadWriteCloser, io.ReadWriteCloser) {
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	closed := make(chan struct{})
	left := &pipeEnd{r: ba, w: ab, closed: closed}
	right := &pipeEnd{r: ab, w: ba, closed: closed}
	return left, right
}

func (p *pipeEnd) Read(buf []byte) (int, error) {
	for len(p.rbuf) == 0 {
		select {
		case b, ok := <-p.r:
			if !ok {
				return 0, io.EOF
			}
			p.rbuf = b
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(buf, p.rbuf)
	p.rbuf = p.rbuf[n:]
	return n, nil
}

func (p *pipeEnd) Write(buf []byte) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case p.w <- cp:
		return len(buf), nil
	case <-p.closed:
		return 0, io.ErrClosedPipe
	}
}

func (p *pipeEnd) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}
