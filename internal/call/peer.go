package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Descriptor is one piece of negotiation material: a session description
// ({"type","sdp"}) or a candidate ({"type":"candidate","candidate":{...}}).
type Descriptor = map[string]any

// LocalStream is the local microphone and camera capture of a call.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	// Stop stops every track. Safe to call more than once.
	Stop()
}

// MediaSource acquires local media. Acquire may block on device permission.
type MediaSource interface {
	Acquire(ctx context.Context, kind MediaKind) (LocalStream, error)
}

// RemoteStream is media that arrived from the other participant.
type RemoteStream struct {
	ID    string
	Track *webrtc.TrackRemote
}

// PeerEvents are the callbacks a Peer fires. They may run on any goroutine.
type PeerEvents struct {
	// OnSignal receives a descriptor that must reach the remote peer.
	OnSignal func(Descriptor)
	// OnStream is fired once per remote stream.
	OnStream func(RemoteStream)
	// OnError reports an irrecoverable failure.
	OnError func(error)
}

// Peer is the point-to-point media connection of one call.
type Peer interface {
	// Signal feeds negotiation material received from the remote peer.
	Signal(desc Descriptor) error
	// Destroy releases every resource of the peer. Idempotent.
	Destroy() error
}

// PeerFactory constructs peers. The initiating side emits an offer without
// being signaled first.
type PeerFactory interface {
	NewPeer(initiator bool, local LocalStream, events PeerEvents) (Peer, error)
}
