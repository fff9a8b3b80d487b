// Package flowcontrol implements the bookkeeping a streaming method
// needs: Cap'n Proto lets a caller fire off many calls against a
// streaming interface without waiting for each one's Return, so
// something has to track how many are still outstanding and let a
// caller wait for them all to drain before tearing the stream down.
// It is not tied to any particular Conn or transport; a Stream is a
// standalone counter plus a single drain waiter, the same shape as
// this repository's own Answer (fulfill/reject once, no replay).
package flowcontrol

import (
	"sync"

	"capnproto.org/go/capnp/v3/exc"
)

// A Stream tracks the in-flight call count for one streaming method
// call sequence. The zero Stream is ready to use, the same as New().
type Stream struct {
	mu       sync.Mutex
	inFlight uint32
	drain    chan struct{} // non-nil while a WaitDrain callback is pending
	onDrain  func()
	finished bool
}

// New returns a ready-to-use Stream with no calls in flight.
func New() *Stream {
	return &Stream{}
}

// Start registers the start of one streaming call, incrementing
// in_flight. The caller sends the call only after Start returns; Start
// fails once the stream has been closed by Finish.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return exc.New(exc.Failed, exc.ConnectionClosed, "flowcontrol: start after finish")
	}
	s.inFlight++
	return nil
}

// HandleReturn registers the completion of one previously Started
// call's Return, decrementing in_flight. It is an error to call
// HandleReturn more times than Start: in_flight must be positive
// before it decrements.
func (s *Stream) HandleReturn() error {
	s.mu.Lock()
	if s.inFlight == 0 {
		s.mu.Unlock()
		return exc.New(exc.Failed, exc.ProtocolViolation, "flowcontrol: handle_return with no calls in flight")
	}
	s.inFlight--
	n := s.inFlight
	var notify chan struct{}
	var cb func()
	if n == 0 && s.drain != nil {
		notify, cb = s.drain, s.onDrain
		s.drain, s.onDrain = nil, nil
	}
	s.mu.Unlock()
	if notify != nil {
		close(notify)
		cb()
	}
	return nil
}

// InFlight reports the current in-flight count.
func (s *Stream) InFlight() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// WaitDrain registers callback to run once in_flight returns to zero,
// running it immediately (synchronously) if the stream is already
// drained. Only one drain callback may be pending at a time: a second
// call while one is already registered fails with
// exc.StreamDrainPending instead of silently replacing the first.
func (s *Stream) WaitDrain(callback func()) error {
	s.mu.Lock()
	if s.drain != nil {
		s.mu.Unlock()
		return exc.New(exc.Failed, exc.StreamDrainPending, "flowcontrol: wait_drain already has a pending registrant")
	}
	if s.inFlight == 0 {
		s.mu.Unlock()
		callback()
		return nil
	}
	s.drain = make(chan struct{})
	s.onDrain = callback
	s.mu.Unlock()
	return nil
}

// Finish closes the stream: further Start calls fail, and any
// in-flight calls' eventual HandleReturn will still decrement the
// counter but a caller waiting in WaitDrain is released immediately,
// with err (or a generic closed error if err is nil) delivered to
// onAbort for each call still outstanding, since those Returns — if
// they ever arrive — can no longer be trusted to complete a still-open
// drain wait. Finish is idempotent.
func (s *Stream) Finish(err error, onAbort func(err error)) {
	if err == nil {
		err = exc.New(exc.Failed, exc.ConnectionClosed, "flowcontrol: stream finished with calls still in flight")
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	pending := s.inFlight
	notify, cb := s.drain, s.onDrain
	s.drain, s.onDrain = nil, nil
	s.mu.Unlock()

	if notify != nil {
		close(notify)
	}
	if cb != nil {
		cb()
	}
	if onAbort != nil {
		for i := uint32(0); i < pending; i++ {
			onAbort(err)
		}
	}
}
