// Package call drives the offer/answer/ICE handshake of a single
// point-to-point call and owns the media resources of that call.
package call

import (
	"errors"

	"github.com/omochice/huddle/pkg/protocol"
)

var (
	// ErrBusy is returned when a call is requested while another is in progress.
	ErrBusy = errors.New("a call is already in progress")
	// ErrMediaUnavailable wraps failures to acquire a local microphone or camera.
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrNoTarget is returned when a call is started without a remote user.
	ErrNoTarget = errors.New("call has no target user")
	// ErrPeerFailed is reported when the point-to-point connection fails.
	ErrPeerFailed = errors.New("peer connection failed")
)

// State is the phase of the call state machine.
type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Negotiating
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// MediaKind is what a call carries.
type MediaKind int

const (
	Audio MediaKind = iota
	Video
)

func (k MediaKind) String() string {
	if k == Video {
		return "video"
	}
	return "audio"
}

// EndReason says why a call ended.
type EndReason string

const (
	ReasonHangup    EndReason = "hangup"
	ReasonRemote    EndReason = "remote hangup"
	ReasonPeerGone  EndReason = "remote disconnected"
	ReasonTransport EndReason = "connection closed"
	ReasonFailed    EndReason = "negotiation failed"
)

// notifiesRemote reports whether ending for this reason sends a hangup.
func (r EndReason) notifiesRemote() bool {
	return r == ReasonHangup || r == ReasonFailed
}

// Snapshot is the observable state of the machine.
type Snapshot struct {
	State       State
	Remote      string
	Kind        MediaKind
	Initiator   bool
	LocalTracks int
	HasPeer     bool
	RemoteID    string
	Reason      EndReason
}

// InCall reports whether a call is being set up or is active.
func (s Snapshot) InCall() bool {
	return s.State != Idle && s.State != Ended
}

// Sender transmits envelopes over the persistent connection.
type Sender interface {
	Send(env protocol.Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(env protocol.Envelope) error

// Send implements Sender.
func (f SenderFunc) Send(env protocol.Envelope) error { return f(env) }
