package core

import (
	"log"
	"time"

	"github.com/parley/stranger-chat/internal/messaging"
	"github.com/parley/stranger-chat/internal/metrics"
	"github.com/parley/stranger-chat/internal/pair"
	"github.com/parley/stranger-chat/internal/presence"
	"github.com/parley/stranger-chat/internal/protocol"
)

// tryReconnect restores a pair in grace when the returning user-join carries
// the absent member's session id. Returns true when the join was consumed by
// the reconnect path.
func (c *Core) tryReconnect(connID, sessionID string) bool {
	p, ok := c.pairs.BySession(sessionID)
	if !ok || p.State != pair.StateGrace || p.AbsentSessionID != sessionID {
		return false
	}

	if _, err := c.presence.Rebind("", connID, sessionID); err != nil {
		log.Printf("core: reconnect rebind failed session=%s: %v", sessionID, err)
		return false
	}

	restored, retained, err := c.pairs.Restore(p.ID, sessionID, connID)
	if err != nil {
		// The grace timer won the race; fall through to a fresh join.
		log.Printf("core: reconnect restore failed session=%s: %v", sessionID, err)
		return false
	}

	c.presence.UpdateBySession(sessionID, func(s *presence.Session) {
		s.State = presence.StateChatting
	})
	c.mod.ResetFlagCount(sessionID)

	c.send(connID, protocol.EventReconnectSuccess, protocol.ReconnectSuccess{
		MatchRestored: true,
		RoomID:        restored.ID,
		PartnerID:     retained.SessionID,
	})
	if retained.ConnID != "" {
		c.send(retained.ConnID, protocol.EventPartnerReconnected, protocol.PartnerReconnected{
			PartnerID: sessionID,
			RoomID:    restored.ID,
		})
	}

	metrics.Reconnects.WithLabelValues("restored").Inc()
	c.audit.PairReconnected(messaging.PairEvent{
		PairID:    restored.ID,
		Members:   []string{restored.Members[0].SessionID, restored.Members[1].SessionID},
		Mode:      restored.Mode,
		Timestamp: time.Now().Unix(),
	})
	log.Printf("core: reconnected session=%s pair=%s", sessionID, restored.ID)
	return true
}

// OnDisconnect is called by the transport exactly once per closed connection.
// A member of a live pair gets a grace window; the second member dropping
// during grace dissolves the pair immediately with nobody left to notify.
func (c *Core) OnDisconnect(connID string) {
	c.queues.Remove(connID)

	p, inPair := c.pairs.ByConn(connID)
	if !inPair {
		if gone, ok := c.presence.Remove(connID, false); ok {
			c.mod.ResetFlagCount(gone.ID)
		}
		return
	}

	sess, ok := c.presence.Get(connID)
	if !ok {
		c.presence.Remove(connID, false)
		return
	}

	if p.State == pair.StateGrace {
		// Partner is already parked: both sides are gone now.
		dissolved, err := c.pairs.Dissolve(p.ID, protocol.ReasonTimeout)
		if err == nil {
			c.cleanupRoom(dissolved)
			c.audit.PairDissolved(messaging.PairEvent{
				PairID:    dissolved.ID,
				Members:   []string{dissolved.Members[0].SessionID, dissolved.Members[1].SessionID},
				Mode:      dissolved.Mode,
				Reason:    protocol.ReasonTimeout,
				Timestamp: time.Now().Unix(),
			})
		}
		c.presence.Remove(connID, false)
		c.presence.DropSession(p.AbsentSessionID)
		c.mod.ResetFlagCount(sess.ID)
		c.mod.ResetFlagCount(p.AbsentSessionID)
		metrics.ActivePairs.Set(float64(c.pairs.Count()))
		return
	}

	// Park the session so the same session id can reclaim the pair.
	c.presence.Remove(connID, true)
	if err := c.pairs.EnterGrace(p.ID, sess.ID, c.cfg.GracePeriod, c.onGraceExpired); err != nil {
		log.Printf("core: enter grace pair=%s: %v", p.ID, err)
		c.presence.DropSession(sess.ID)
		c.mod.ResetFlagCount(sess.ID)
	}
}

// onGraceExpired runs on the pair's grace timer after the window lapses
// without a reconnect. The retained member finally learns the partner is
// gone; the absent member's parked session is destroyed and its violation
// counter goes with it.
func (c *Core) onGraceExpired(p pair.Pair, retained pair.Member) {
	c.presence.DropSession(p.AbsentSessionID)
	c.mod.ResetFlagCount(p.AbsentSessionID)
	c.presence.UpdateBySession(retained.SessionID, func(s *presence.Session) {
		s.State = presence.StateIdle
	})

	if retained.ConnID != "" {
		c.send(retained.ConnID, protocol.EventPartnerDisconnected, protocol.PartnerDisconnected{
			Reason:  protocol.ReasonTimeout,
			Message: "Stranger lost connection.",
		})
	}
	c.cleanupRoom(p)

	metrics.Reconnects.WithLabelValues("expired").Inc()
	metrics.ActivePairs.Set(float64(c.pairs.Count()))
	c.audit.PairDissolved(messaging.PairEvent{
		PairID:    p.ID,
		Members:   []string{p.Members[0].SessionID, p.Members[1].SessionID},
		Mode:      p.Mode,
		Reason:    protocol.ReasonTimeout,
		Timestamp: time.Now().Unix(),
	})
}
