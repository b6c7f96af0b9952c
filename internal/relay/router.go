// Package relay hosts the persistent connections of every user and forwards
// call signaling between them. It also serves the history and send routes.
package relay

import (
	"go.uber.org/zap"

	"github.com/omochice/huddle/internal/registry"
	"github.com/omochice/huddle/pkg/protocol"
)

// Outcome is what Route did with an envelope.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeForwarded
	OutcomeBridged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeBridged:
		return "bridged"
	default:
		return "dropped"
	}
}

// Router forwards signaling envelopes to the connection of their target user.
// Delivery is fire-and-forget: the sender is never told about drops.
type Router struct {
	registry *registry.Registry
	calls    *CallTable
	metrics  *Metrics
	bridge   Bridge
	log      *zap.Logger
}

// NewRouter creates a Router over reg. It hangs up calls of users that leave reg.
func NewRouter(reg *registry.Registry, calls *CallTable, metrics *Metrics, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if calls == nil {
		calls = NewCallTable()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	r := &Router{
		registry: reg,
		calls:    calls,
		metrics:  metrics,
		log:      log,
	}
	reg.OnUnregister(r.userGone)
	return r
}

// SetBridge routes frames for users not connected here through b.
// It must be called before the relay starts serving.
func (r *Router) SetBridge(b Bridge) {
	r.bridge = b
}

// Route handles one envelope read from the connection of from.
func (r *Router) Route(from string, env protocol.Envelope) Outcome {
	outcome := r.route(from, env)
	r.metrics.observeEnvelope(env.Kind.String(), outcome)
	return outcome
}

func (r *Router) route(from string, env protocol.Envelope) Outcome {
	if !env.Kind.IsCall() {
		// Chat enters through the send routes, never from a socket.
		r.log.Debug("dropping non-signaling envelope",
			zap.String("from", from), zap.Stringer("kind", env.Kind))
		return OutcomeDropped
	}
	if env.TargetUserID == "" || env.TargetUserID == from {
		r.log.Debug("dropping envelope without usable target",
			zap.String("from", from), zap.Stringer("kind", env.Kind))
		return OutcomeDropped
	}

	env = env.WithSender(from)
	outcome := r.SendTo(env.TargetUserID, env)
	if outcome != OutcomeDropped {
		r.calls.Observe(from, env)
	}
	return outcome
}

// SendTo delivers env to userID, locally or over the bridge.
func (r *Router) SendTo(userID string, env protocol.Envelope) Outcome {
	frame, err := env.Encode()
	if err != nil {
		r.log.Warn("failed to encode envelope", zap.String("target", userID), zap.Error(err))
		return OutcomeDropped
	}

	if client, ok := r.registry.Lookup(userID); ok {
		if client.Deliver(frame) {
			return OutcomeForwarded
		}
		r.log.Warn("outgoing buffer full, dropping envelope",
			zap.String("target", userID), zap.Stringer("kind", env.Kind))
		return OutcomeDropped
	}

	if r.bridge != nil {
		if err := r.bridge.PublishUser(userID, frame); err != nil {
			r.log.Warn("bridge publish failed", zap.String("target", userID), zap.Error(err))
			return OutcomeDropped
		}
		return OutcomeBridged
	}

	r.log.Debug("target not connected, dropping envelope",
		zap.String("target", userID), zap.Stringer("kind", env.Kind))
	return OutcomeDropped
}

// Broadcast delivers env to every connection here and to every other node.
// It returns the number of local deliveries.
func (r *Router) Broadcast(env protocol.Envelope) int {
	frame, err := env.Encode()
	if err != nil {
		r.log.Warn("failed to encode broadcast", zap.Error(err))
		return 0
	}
	n := r.BroadcastLocal(frame)
	if r.bridge != nil {
		if err := r.bridge.PublishBroadcast(frame); err != nil {
			r.log.Warn("bridge broadcast failed", zap.Error(err))
		}
	}
	r.metrics.observeEnvelope(env.Kind.String(), OutcomeForwarded)
	return n
}

// DeliverLocal queues an encoded frame for userID if it is connected here.
func (r *Router) DeliverLocal(userID string, frame []byte) bool {
	client, ok := r.registry.Lookup(userID)
	if !ok {
		return false
	}
	return client.Deliver(frame)
}

// BroadcastLocal queues an encoded frame for every connection here.
func (r *Router) BroadcastLocal(frame []byte) int {
	n := 0
	r.registry.Each(func(c *registry.Client) {
		if c.Deliver(frame) {
			n++
		}
	})
	return n
}

// userGone tells the other participant of userID's call that it is over.
func (r *Router) userGone(userID string) {
	peer, ok := r.calls.Remove(userID)
	if !ok {
		return
	}
	r.log.Info("hanging up call of disconnected user",
		zap.String("user_id", userID), zap.String("peer", peer))
	hangup := protocol.Envelope{
		Kind:         protocol.KindCallEnd,
		Data:         map[string]any{"reason": "disconnected"},
		TargetUserID: peer,
		SenderUserID: userID,
	}
	r.metrics.observeEnvelope(hangup.Kind.String(), r.SendTo(peer, hangup))
}
