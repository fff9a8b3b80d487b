package flowcontrol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capnproto.org/go/capnp/v3/exc"
	"capnproto.org/go/capnp/v3/flowcontrol"
)

func TestStartHandleReturnTracksInFlight(t *testing.T) {
	s := flowcontrol.New()
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.EqualValues(t, 2, s.InFlight())
	require.NoError(t, s.HandleReturn())
	assert.EqualValues(t, 1, s.InFlight())
	require.NoError(t, s.HandleReturn())
	assert.EqualValues(t, 0, s.InFlight())
}

func TestHandleReturnWithoutStartFails(t *testing.T) {
	s := flowcontrol.New()
	err := s.HandleReturn()
	require.Error(t, err)
	assert.True(t, exc.IsKind(err, exc.ProtocolViolation))
}

func TestWaitDrainRunsImmediatelyWhenAlreadyIdle(t *testing.T) {
	s := flowcontrol.New()
	ran := false
	require.NoError(t, s.WaitDrain(func() { ran = true }))
	assert.True(t, ran)
}

func TestWaitDrainFiresOnceInFlightReachesZero(t *testing.T) {
	s := flowcontrol.New()
	require.NoError(t, s.Start())
	ran := make(chan struct{})
	require.NoError(t, s.WaitDrain(func() { close(ran) }))
	select {
	case <-ran:
		t.Fatal("drain callback ran before the outstanding call returned")
	default:
	}
	require.NoError(t, s.HandleReturn())
	<-ran
}

func TestWaitDrainSecondRegistrantFails(t *testing.T) {
	s := flowcontrol.New()
	require.NoError(t, s.Start())
	require.NoError(t, s.WaitDrain(func() {}))
	err := s.WaitDrain(func() {})
	require.Error(t, err)
	assert.True(t, exc.IsKind(err, exc.StreamDrainPending))
}

func TestFinishAbortsPendingCallsAndClosesStream(t *testing.T) {
	s := flowcontrol.New()
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	var aborted []error
	s.Finish(nil, func(err error) { aborted = append(aborted, err) })
	assert.Len(t, aborted, 2)
	for _, err := range aborted {
		assert.True(t, exc.IsKind(err, exc.ConnectionClosed))
	}

	err := s.Start()
	require.Error(t, err)
	assert.True(t, exc.IsKind(err, exc.ConnectionClosed))
}

func TestFinishReleasesPendingDrainWaiter(t *testing.T) {
	s := flowcontrol.New()
	require.NoError(t, s.Start())
	ran := make(chan struct{})
	require.NoError(t, s.WaitDrain(func() { close(ran) }))
	s.Finish(nil, func(error) {})
	<-ran
}

func TestFinishIsIdempotent(t *testing.T) {
	s := flowcontrol.New()
	require.NoError(t, s.Start())
	s.Finish(nil, func(error) {})
	assert.NotPanics(t, func() { s.Finish(nil, func(error) {}) })
}
