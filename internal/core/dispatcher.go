package core

import (
	"errors"
	"log"
	"time"

	"github.com/parley/stranger-chat/internal/match"
	"github.com/parley/stranger-chat/internal/messaging"
	"github.com/parley/stranger-chat/internal/metrics"
	"github.com/parley/stranger-chat/internal/pair"
	"github.com/parley/stranger-chat/internal/presence"
	"github.com/parley/stranger-chat/internal/protocol"
)

// HandleMessage is the single entry point for inbound frames. It parses the
// envelope and routes by event name. A handler panic closes the offending
// connection instead of taking the process down.
func (c *Core) HandleMessage(connID string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("core: panic handling frame conn=%s: %v", connID, r)
			c.sender.Close(connID)
		}
	}()

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		c.sendError(connID, protocol.EventError, "malformed message")
		return
	}

	switch env.Event {
	case protocol.EventUserJoin:
		c.handleUserJoin(connID, env)
	case protocol.EventJoinQueue:
		c.handleJoinQueue(connID, env)
	case protocol.EventLeaveQueue:
		c.handleLeaveQueue(connID)
	case protocol.EventSkipUser:
		c.handleSkipUser(connID)
	case protocol.EventSendMessage:
		c.handleSendMessage(connID, env)
	case protocol.EventGetMessages:
		c.handleGetMessages(connID, env)
	case protocol.EventTyping:
		c.handleTyping(connID, true)
	case protocol.EventStopTyping:
		c.handleTyping(connID, false)
	case protocol.EventMarkMessagesRead:
		c.handleMarkMessagesRead(connID)
	case protocol.EventReportUser:
		c.handleReportUser(connID, env)
	case protocol.EventDisconnectChat:
		c.handleDisconnectChat(connID)
	case protocol.EventWebRTCOffer, protocol.EventWebRTCAnswer, protocol.EventWebRTCICE:
		c.handleSignal(connID, env)
	case protocol.EventPong:
		c.handlePong(connID)
	default:
		c.sendError(connID, protocol.EventError, "unknown event: "+env.Event)
	}
}

// handleUserJoin binds a client-chosen session id to the connection. A
// session whose pair is still in grace is restored instead of rejoining
// fresh.
func (c *Core) handleUserJoin(connID string, env protocol.Envelope) {
	var req protocol.UserJoin
	if err := env.Decode(&req); err != nil {
		c.sendError(connID, protocol.EventError, "invalid user-join payload")
		return
	}
	if req.SessionID == "" {
		c.sendError(connID, protocol.EventError, "sessionId is required")
		return
	}

	if c.tryReconnect(connID, req.SessionID) {
		return
	}

	sess, err := c.presence.Bind(connID, req.SessionID,
		match.SanitizeInterests(req.Interests, c.cfg.MaxInterests), req.Mode)
	if err != nil {
		if errors.Is(err, presence.ErrSessionOwnedElsewhere) {
			c.sendError(connID, protocol.EventError, "session is active on another connection")
		} else {
			c.sendError(connID, protocol.EventError, "could not establish session")
		}
		return
	}

	log.Printf("core: session joined session=%s conn=%s", sess.ID, connID)
	c.send(connID, protocol.EventSessionConfirmed, protocol.SessionConfirmed{SessionID: sess.ID})
}

// handleJoinQueue enters the matching queue, or creates a pair immediately
// when a compatible candidate is already waiting.
func (c *Core) handleJoinQueue(connID string, env protocol.Envelope) {
	sess, ok := c.presence.Get(connID)
	if !ok {
		c.sendError(connID, protocol.EventError, "join a session first")
		return
	}
	if _, paired := c.pairs.BySession(sess.ID); paired {
		c.sendError(connID, protocol.EventError, "already in a chat")
		return
	}

	var req protocol.JoinQueue
	if err := env.Decode(&req); err != nil {
		c.sendError(connID, protocol.EventError, "invalid join-queue payload")
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = sess.Mode
	}
	if mode != protocol.ModeText && mode != protocol.ModeVideo {
		c.sendError(connID, protocol.EventError, "unknown mode: "+mode)
		return
	}
	interests := match.SanitizeInterests(req.Interests, c.cfg.MaxInterests)
	if len(interests) == 0 {
		interests = sess.Interests
	}

	c.presence.Update(connID, func(s *presence.Session) {
		s.State = presence.StateQueued
		s.Mode = mode
		s.Interests = interests
	})

	c.matchOrWait(match.Entry{
		SessionID: sess.ID,
		ConnID:    connID,
		Interests: interests,
		Mode:      mode,
		QueuedAt:  time.Now(),
	})
}

// matchOrWait enqueues the entry, minting a pair when a compatible candidate
// is already waiting and reporting the queue position otherwise.
func (c *Core) matchOrWait(e match.Entry) {
	candidate, matched := c.queues.Enqueue(e)
	if !matched {
		pos, _ := c.queues.Position(e.ConnID)
		c.send(e.ConnID, protocol.EventQueueStatus, protocol.QueueStatus{
			Position:      pos,
			EstimatedWait: pos * 5,
			Message:       "looking for a stranger...",
		})
		return
	}
	c.createPair(e, candidate)
}

// createPair mints the pair and fans out match-found. The enqueuer whose
// join-queue completed the match is the initiator and sends the WebRTC offer.
func (c *Core) createPair(initiator, candidate match.Entry) {
	mode := initiator.Mode
	common := match.CommonInterests(initiator.Interests, candidate.Interests)
	p, err := c.pairs.Create(
		pair.Member{SessionID: initiator.SessionID, ConnID: initiator.ConnID},
		pair.Member{SessionID: candidate.SessionID, ConnID: candidate.ConnID},
		mode, common,
	)
	if err != nil {
		// The candidate slipped into another pair between dequeue and create.
		// The requester keeps its place: back into the queue, original
		// QueuedAt intact, and a queue-status instead of an error.
		log.Printf("core: pair create failed a=%s b=%s, requeueing a: %v",
			initiator.SessionID, candidate.SessionID, err)
		c.matchOrWait(initiator)
		return
	}

	for _, sid := range []string{initiator.SessionID, candidate.SessionID} {
		c.presence.UpdateBySession(sid, func(s *presence.Session) {
			s.State = presence.StateChatting
		})
	}

	c.send(initiator.ConnID, protocol.EventMatchFound, protocol.MatchFound{
		PartnerID:       candidate.SessionID,
		CommonInterests: common,
		Mode:            mode,
		SendOffer:       true,
		RoomID:          p.ID,
	})
	c.send(candidate.ConnID, protocol.EventMatchFound, protocol.MatchFound{
		PartnerID:       initiator.SessionID,
		CommonInterests: common,
		Mode:            mode,
		SendOffer:       false,
		RoomID:          p.ID,
	})
	if err := c.pairs.MarkChatting(p.ID); err != nil {
		log.Printf("core: mark chatting pair=%s: %v", p.ID, err)
	}

	metrics.ActivePairs.Set(float64(c.pairs.Count()))
	metrics.MatchWaitSeconds.Observe(time.Since(candidate.QueuedAt).Seconds())
	c.audit.PairCreated(messaging.PairEvent{
		PairID:    p.ID,
		Members:   []string{initiator.SessionID, candidate.SessionID},
		Mode:      mode,
		Timestamp: time.Now().Unix(),
	})
}

// handleLeaveQueue removes the caller from the queue. Leaving a queue one is
// not in is a no-op.
func (c *Core) handleLeaveQueue(connID string) {
	if c.queues.Remove(connID) {
		c.presence.Update(connID, func(s *presence.Session) {
			s.State = presence.StateIdle
		})
		log.Printf("core: left queue conn=%s", connID)
	}
}

// handleSkipUser dissolves the caller's pair and confirms. Both members drop
// back to idle and may rejoin the queue; a clean skip clears violation
// counters on both sides.
func (c *Core) handleSkipUser(connID string) {
	p, ok := c.pairs.ByConn(connID)
	if !ok {
		c.send(connID, protocol.EventSkipConfirmed, nil)
		return
	}
	c.dissolvePair(p, connID, protocol.ReasonSkipped)
	c.send(connID, protocol.EventSkipConfirmed, nil)
}

// handleDisconnectChat is the voluntary chat end: the partner learns the
// caller left, both sides return to idle.
func (c *Core) handleDisconnectChat(connID string) {
	p, ok := c.pairs.ByConn(connID)
	if !ok {
		return
	}
	c.dissolvePair(p, connID, protocol.ReasonLeft)
}

// dissolvePair ends a live pair on behalf of the member on connID, notifies
// the partner and resets both violation counters. Used for voluntary ends
// and skips, not grace expiry.
func (c *Core) dissolvePair(p pair.Pair, connID, reason string) {
	absent := p.AbsentSessionID // non-empty when the pair was in grace
	dissolved, err := c.pairs.Dissolve(p.ID, reason)
	if err != nil {
		return
	}

	partner, hasPartner := dissolved.PartnerOfConn(connID)
	if hasPartner && partner.ConnID != "" && partner.SessionID != absent {
		msg := "Stranger has disconnected."
		if reason == protocol.ReasonSkipped {
			msg = "Stranger skipped to the next chat."
		}
		c.send(partner.ConnID, protocol.EventPartnerDisconnected, protocol.PartnerDisconnected{
			Reason:  reason,
			Message: msg,
		})
	}

	for _, m := range dissolved.Members {
		c.mod.ResetFlagCount(m.SessionID)
		if m.SessionID == absent {
			// Parked during grace; with the pair gone there is nothing left
			// for the session to reclaim.
			c.presence.DropSession(m.SessionID)
			continue
		}
		c.presence.UpdateBySession(m.SessionID, func(s *presence.Session) {
			s.State = presence.StateIdle
		})
	}
	c.cleanupRoom(dissolved)

	metrics.ActivePairs.Set(float64(c.pairs.Count()))
	c.audit.PairDissolved(messaging.PairEvent{
		PairID:    dissolved.ID,
		Members:   []string{dissolved.Members[0].SessionID, dissolved.Members[1].SessionID},
		Mode:      dissolved.Mode,
		Reason:    reason,
		Timestamp: time.Now().Unix(),
	})
}

// cleanupRoom schedules message expiry and drops the room's hot state.
func (c *Core) cleanupRoom(p pair.Pair) {
	ctx, cancel := storeCtx()
	defer cancel()

	if c.messages != nil {
		if err := c.messages.ScheduleExpiry(ctx, p.ID, time.Now().Add(c.cfg.MessageExpiry)); err != nil {
			log.Printf("core: schedule expiry room=%s: %v", p.ID, err)
		}
	}
	if c.hot != nil {
		if err := c.hot.ClearRoom(ctx, p.ID, p.Members[0].SessionID, p.Members[1].SessionID); err != nil {
			log.Printf("core: clear hot room=%s: %v", p.ID, err)
		}
	}
}
