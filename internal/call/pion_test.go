package call_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/huddle/internal/call"
)

type peerSide struct {
	signals chan call.Descriptor
	streams chan call.RemoteStream
	errs    chan error
}

func newPeerSide() *peerSide {
	return &peerSide{
		signals: make(chan call.Descriptor, 16),
		streams: make(chan call.RemoteStream, 4),
		errs:    make(chan error, 4),
	}
}

func (s *peerSide) events() call.PeerEvents {
	return call.PeerEvents{
		OnSignal: func(d call.Descriptor) { s.signals <- d },
		OnStream: func(r call.RemoteStream) { s.streams <- r },
		OnError:  func(err error) { s.errs <- err },
	}
}

func (s *peerSide) nextSignal(t *testing.T) call.Descriptor {
	t.Helper()
	select {
	case d := <-s.signals:
		return d
	case err := <-s.errs:
		t.Fatalf("peer failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a descriptor")
	}
	return nil
}

func (s *peerSide) nextStream(t *testing.T) call.RemoteStream {
	t.Helper()
	select {
	case r := <-s.streams:
		return r
	case err := <-s.errs:
		t.Fatalf("peer failed: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for remote media")
	}
	return call.RemoteStream{}
}

func TestPionFactory_LoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	factory, err := call.NewPionFactory(call.PionConfig{IncludeLoopback: true})
	require.NoError(t, err)

	var media call.SyntheticSource
	callerMedia, err := media.Acquire(context.Background(), call.Audio)
	require.NoError(t, err)
	defer callerMedia.Stop()
	calleeMedia, err := media.Acquire(context.Background(), call.Audio)
	require.NoError(t, err)
	defer calleeMedia.Stop()

	caller, callee := newPeerSide(), newPeerSide()
	a, err := factory.NewPeer(true, callerMedia, caller.events())
	require.NoError(t, err)
	defer a.Destroy()
	b, err := factory.NewPeer(false, calleeMedia, callee.events())
	require.NoError(t, err)
	defer b.Destroy()

	offer := caller.nextSignal(t)
	assert.Equal(t, "offer", offer["type"])
	assert.NotEmpty(t, offer["sdp"])
	require.NoError(t, b.Signal(offer))

	answer := callee.nextSignal(t)
	assert.Equal(t, "answer", answer["type"])
	require.NoError(t, a.Signal(answer))

	assert.NotEmpty(t, caller.nextStream(t).ID)
	assert.NotEmpty(t, callee.nextStream(t).ID)
}

func TestPionPeer_DestroyIsIdempotent(t *testing.T) {
	factory, err := call.NewPionFactory(call.PionConfig{})
	require.NoError(t, err)

	side := newPeerSide()
	p, err := factory.NewPeer(false, nil, side.events())
	require.NoError(t, err)

	require.NoError(t, p.Destroy())
	assert.NoError(t, p.Destroy())
}

func TestPionPeer_CandidatesBeforeDescriptionAreQueued(t *testing.T) {
	factory, err := call.NewPionFactory(call.PionConfig{Trickle: true})
	require.NoError(t, err)

	p, err := factory.NewPeer(false, nil, newPeerSide().events())
	require.NoError(t, err)
	defer p.Destroy()

	err = p.Signal(call.Descriptor{
		"type":      "candidate",
		"candidate": map[string]any{"candidate": "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host", "sdpMid": "0"},
	})
	assert.NoError(t, err)
}

func TestPionPeer_RejectsUnknownDescriptor(t *testing.T) {
	factory, err := call.NewPionFactory(call.PionConfig{})
	require.NoError(t, err)

	p, err := factory.NewPeer(false, nil, newPeerSide().events())
	require.NoError(t, err)
	defer p.Destroy()

	assert.Error(t, p.Signal(call.Descriptor{"type": "renegotiate"}))
}
