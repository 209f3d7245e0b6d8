package core

import (
	"github.com/parley/stranger-chat/internal/metrics"
	"github.com/parley/stranger-chat/internal/pair"
	"github.com/parley/stranger-chat/internal/protocol"
)

// handleSignal forwards a WebRTC frame (offer, answer or ICE candidate) to
// the partner verbatim, under the same event name, with the sender's session
// id attached. The payload is never inspected; SDP and candidate blobs stay
// opaque.
func (c *Core) handleSignal(connID string, env protocol.Envelope) {
	sess, ok := c.presence.Get(connID)
	if !ok {
		c.sendError(connID, protocol.EventError, "join a session first")
		return
	}
	p, ok := c.pairs.ByConn(connID)
	if !ok || p.State != pair.StateChatting {
		c.sendError(connID, protocol.EventError, "no active chat to signal")
		return
	}
	partner, ok := p.PartnerOfConn(connID)
	if !ok || partner.ConnID == "" {
		c.sendError(connID, protocol.EventError, "stranger is not connected")
		return
	}

	var sig protocol.Signal
	if err := env.Decode(&sig); err != nil {
		c.sendError(connID, protocol.EventError, "invalid signaling payload")
		return
	}

	c.send(partner.ConnID, env.Event, protocol.RelayedSignal{
		From:      sess.ID,
		Offer:     sig.Offer,
		Answer:    sig.Answer,
		Candidate: sig.Candidate,
	})
	metrics.MessagesTotal.WithLabelValues("signal").Inc()
}
