package client

import (
	"go.uber.org/zap"

	"github.com/omochice/huddle/pkg/protocol"
)

// route dispatches an inbound envelope. Chat for any conversation but the
// active one is dropped here; signaling goes to the call machine.
func (c *Client) route(env protocol.Envelope) {
	switch {
	case env.Kind.IsChat():
		active := c.pipeline.Active()
		if active.IsZero() || env.Conversation() != active {
			c.log.Debug("dropping chat for inactive conversation", zap.Stringer("conversation", env.Conversation()))
			return
		}
		msg, err := protocol.MessageFromData(env.Data)
		if err != nil {
			c.log.Debug("malformed chat message", zap.Error(err))
			return
		}
		c.pipeline.AppendLive(msg)

	case env.Kind.IsCall():
		// Failures are reported through the machine's error callback.
		_ = c.machine.HandleEnvelope(c.ctx, env)

	default:
		c.log.Debug("ignoring envelope", zap.Stringer("kind", env.Kind))
	}
}
