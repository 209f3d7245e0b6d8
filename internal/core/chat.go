package core

import (
	"encoding/json"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/parley/stranger-chat/internal/messaging"
	"github.com/parley/stranger-chat/internal/metrics"
	"github.com/parley/stranger-chat/internal/moderation"
	"github.com/parley/stranger-chat/internal/pair"
	"github.com/parley/stranger-chat/internal/protocol"
	"github.com/parley/stranger-chat/internal/store"
)

// handleSendMessage validates, moderates, persists and relays one chat
// message. The moderation verdict decides between relay and the escalation
// ladder; the sender only ever sees message-sent or message-blocked, never
// both.
func (c *Core) handleSendMessage(connID string, env protocol.Envelope) {
	sess, ok := c.presence.Get(connID)
	if !ok {
		c.sendError(connID, protocol.EventMessageError, "join a session first")
		return
	}
	p, ok := c.pairs.ByConn(connID)
	if !ok {
		c.sendError(connID, protocol.EventMessageError, "no active chat")
		return
	}
	if p.State == pair.StateGrace {
		c.sendError(connID, protocol.EventMessageError, "stranger is reconnecting, hold on")
		return
	}
	partner, ok := p.PartnerOfConn(connID)
	if !ok {
		c.sendError(connID, protocol.EventMessageError, "no active chat")
		return
	}

	var req protocol.SendMessage
	if err := env.Decode(&req); err != nil {
		c.sendError(connID, protocol.EventMessageError, "invalid send-message payload")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		c.sendError(connID, protocol.EventMessageError, "message is empty")
		return
	}
	if utf8.RuneCountInString(content) > c.cfg.MaxMessageChars {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		c.sendError(connID, protocol.EventMessageError, "message is too long")
		return
	}

	modCtx, cancel := storeCtx()
	verdict := c.mod.Check(modCtx, content, sess.ID)
	cancel()
	if !verdict.Allowed {
		c.handleBlockedMessage(connID, sess.ID, p, verdict)
		return
	}

	now := time.Now()
	msg := &store.Message{
		ID:          uuid.New().String(),
		RoomID:      p.ID,
		SenderID:    sess.ID,
		RecipientID: partner.SessionID,
		Content:     content,
		Type:        "chat", // "system" is reserved for server-originated notices
		Status:      store.StatusSent,
		CreatedAt:   now,
	}

	if c.messages != nil {
		ctx, cancel := storeCtx()
		if err := c.messages.Save(ctx, msg); err != nil {
			// Relay anyway; durability is best-effort, delivery is the job.
			log.Printf("core: save message room=%s: %v", p.ID, err)
		}
		cancel()
	}
	if c.hot != nil {
		if entry, err := json.Marshal(store.RecentEntry{SenderID: sess.ID, Text: content, Ts: now.Unix()}); err == nil {
			ctx, cancel := storeCtx()
			if err := c.hot.PushRecent(ctx, p.ID, entry); err != nil {
				log.Printf("core: push recent room=%s: %v", p.ID, err)
			}
			cancel()
		}
	}

	wire := protocol.ChatMessage{
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		Type:        msg.Type,
		Status:      store.StatusSent,
		CreatedAt:   now.Unix(),
	}
	c.send(connID, protocol.EventMessageSent, wire)

	if partner.ConnID != "" {
		wire.Status = store.StatusDelivered
		c.send(partner.ConnID, protocol.EventMessageReceived, wire)
		if c.messages != nil {
			ctx, cancel := storeCtx()
			if err := c.messages.MarkDelivered(ctx, msg.ID); err != nil {
				log.Printf("core: mark delivered id=%s: %v", msg.ID, err)
			}
			cancel()
		}
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
}

// handleBlockedMessage walks the escalation ladder for a moderated message:
// always message-blocked, plus a warning or a kick depending on the
// accumulated flag count. A kick ends the pair and the connection.
func (c *Core) handleBlockedMessage(connID, sessionID string, p pair.Pair, verdict moderation.Result) {
	metrics.MessagesTotal.WithLabelValues("blocked").Inc()

	c.send(connID, protocol.EventMessageBlocked, protocol.MessageBlocked{
		Reason:     verdict.Reason,
		Categories: verdict.Categories,
		Action:     verdict.Action,
	})
	c.audit.ModerationFlagged(messaging.ModerationEvent{
		SessionID:  sessionID,
		Layer:      verdict.Layer,
		Reason:     verdict.Reason,
		Categories: verdict.Categories,
		FlagCount:  verdict.FlagCount,
		Action:     verdict.Action,
		Timestamp:  time.Now().Unix(),
	})

	switch verdict.Action {
	case moderation.ActionWarn:
		c.send(connID, protocol.EventModerationWarning, protocol.ModerationWarning{
			Message:   "Repeated violations will end your chat.",
			FlagCount: verdict.FlagCount,
		})
	case moderation.ActionKick:
		c.send(connID, protocol.EventModerationKick, protocol.ModerationKick{
			Message: "You have been removed for repeated violations.",
		})
		c.audit.ModerationKicked(messaging.ModerationEvent{
			SessionID: sessionID,
			Layer:     verdict.Layer,
			Reason:    verdict.Reason,
			FlagCount: verdict.FlagCount,
			Action:    verdict.Action,
			Timestamp: time.Now().Unix(),
		})
		c.dissolvePair(p, connID, protocol.ReasonLeft)
		c.sender.Close(connID)
	}
}

// handleGetMessages returns a page of the room's stored history, oldest
// first. Without a message store the history is simply empty.
func (c *Core) handleGetMessages(connID string, env protocol.Envelope) {
	p, ok := c.pairs.ByConn(connID)
	if !ok {
		c.sendError(connID, protocol.EventMessagesError, "no active chat")
		return
	}

	var req protocol.GetMessages
	if err := env.Decode(&req); err != nil {
		c.sendError(connID, protocol.EventMessagesError, "invalid get-messages payload")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	skip := req.Skip
	if skip < 0 {
		skip = 0
	}

	out := protocol.MessagesLoaded{RoomID: p.ID, Messages: []protocol.ChatMessage{}}
	if c.messages != nil {
		ctx, cancel := storeCtx()
		msgs, err := c.messages.ListByRoom(ctx, p.ID, limit, skip)
		cancel()
		if err != nil {
			log.Printf("core: list messages room=%s: %v", p.ID, err)
			c.sendError(connID, protocol.EventMessagesError, "could not load messages")
			return
		}
		for _, m := range msgs {
			wire := protocol.ChatMessage{
				ID:          m.ID,
				RoomID:      m.RoomID,
				SenderID:    m.SenderID,
				RecipientID: m.RecipientID,
				Content:     m.Content,
				Type:        m.Type,
				Status:      m.Status,
				CreatedAt:   m.CreatedAt.Unix(),
			}
			if m.ExpiresAt.Valid {
				wire.ExpiresAt = m.ExpiresAt.Time.Unix()
			}
			out.Messages = append(out.Messages, wire)
		}
	}
	c.send(connID, protocol.EventMessagesLoaded, out)
}

// handleTyping relays the typing indicator and mirrors it into the hot store
// so a stale flag cannot outlive its TTL.
func (c *Core) handleTyping(connID string, typing bool) {
	sess, ok := c.presence.Get(connID)
	if !ok {
		return
	}
	p, ok := c.pairs.ByConn(connID)
	if !ok || p.State != pair.StateChatting {
		return
	}
	partner, ok := p.PartnerOfConn(connID)
	if !ok || partner.ConnID == "" {
		return
	}

	if c.hot != nil {
		ctx, cancel := storeCtx()
		if err := c.hot.SetTyping(ctx, p.ID, sess.ID, typing); err != nil {
			log.Printf("core: set typing room=%s: %v", p.ID, err)
		}
		cancel()
	}
	c.send(partner.ConnID, protocol.EventPartnerTyping, protocol.PartnerTyping{Typing: typing})
}

// handleMarkMessagesRead advances the caller's inbound messages to read and
// tells the partner their messages were seen.
func (c *Core) handleMarkMessagesRead(connID string) {
	sess, ok := c.presence.Get(connID)
	if !ok {
		c.sendError(connID, protocol.EventMessagesError, "join a session first")
		return
	}
	p, ok := c.pairs.ByConn(connID)
	if !ok {
		c.sendError(connID, protocol.EventMessagesError, "no active chat")
		return
	}

	var count int64
	if c.messages != nil {
		ctx, cancel := storeCtx()
		n, err := c.messages.MarkRead(ctx, p.ID, sess.ID)
		cancel()
		if err != nil {
			log.Printf("core: mark read room=%s: %v", p.ID, err)
			c.sendError(connID, protocol.EventMessagesError, "could not mark messages read")
			return
		}
		count = n
	}

	c.send(connID, protocol.EventMessagesMarkedRead, protocol.MessagesMarkedRead{
		Count:  count,
		RoomID: p.ID,
	})
	if partner, ok := p.PartnerOfConn(connID); ok && partner.ConnID != "" && count > 0 {
		c.send(partner.ConnID, protocol.EventMessagesReadByOther, protocol.MessagesReadByPartner{
			ReadBy: sess.ID,
			Count:  count,
		})
	}
}

// handleReportUser files an abuse report against the partner, attaching the
// room's recent-message snapshot for review. The reporter gets an ack either
// way; a report never interrupts the chat.
func (c *Core) handleReportUser(connID string, env protocol.Envelope) {
	sess, ok := c.presence.Get(connID)
	if !ok {
		c.sendError(connID, protocol.EventError, "join a session first")
		return
	}

	var req protocol.ReportUser
	if err := env.Decode(&req); err != nil {
		c.sendError(connID, protocol.EventError, "invalid report-user payload")
		return
	}

	reported := req.ReportedUserID
	roomID := ""
	if p, paired := c.pairs.BySession(sess.ID); paired {
		roomID = p.ID
		if partner, ok := p.PartnerOfSession(sess.ID); ok {
			if reported == "" {
				reported = partner.SessionID
			} else if reported != partner.SessionID {
				c.send(connID, protocol.EventReportSubmitted, protocol.ReportSubmitted{
					Success: false,
					Message: "you can only report your current partner",
				})
				return
			}
		}
	}
	if reported == "" {
		c.send(connID, protocol.EventReportSubmitted, protocol.ReportSubmitted{
			Success: false,
			Message: "nobody to report",
		})
		return
	}

	report := &store.Report{
		ID:                uuid.New().String(),
		ReporterSessionID: sess.ID,
		ReportedSessionID: reported,
		RoomID:            roomID,
		Reason:            req.Reason,
		Messages:          c.reportSnapshot(roomID, sess.ID),
	}

	if c.reports != nil {
		ctx, cancel := storeCtx()
		err := c.reports.Create(ctx, report)
		cancel()
		if err != nil {
			log.Printf("core: save report reporter=%s reported=%s: %v", sess.ID, reported, err)
			c.send(connID, protocol.EventReportSubmitted, protocol.ReportSubmitted{
				Success: false,
				Message: "could not submit report",
			})
			return
		}
	} else {
		log.Printf("core: report (unpersisted) reporter=%s reported=%s reason=%s",
			sess.ID, reported, req.Reason)
	}

	c.send(connID, protocol.EventReportSubmitted, protocol.ReportSubmitted{
		Success:  true,
		ReportID: report.ID,
		Message:  "report submitted",
	})
	c.audit.ReportSubmitted(messaging.ReportEvent{
		ReportID:   report.ID,
		ReporterID: sess.ID,
		ReportedID: reported,
		Reason:     req.Reason,
		Timestamp:  time.Now().Unix(),
	})
}

// reportSnapshot pulls the room's recent messages from the hot store and
// anonymises the senders relative to the reporter.
func (c *Core) reportSnapshot(roomID, reporterID string) []store.ReportMessage {
	if c.hot == nil || roomID == "" {
		return nil
	}
	ctx, cancel := storeCtx()
	raw, err := c.hot.Recent(ctx, roomID)
	cancel()
	if err != nil {
		log.Printf("core: recent snapshot room=%s: %v", roomID, err)
		return nil
	}

	var out []store.ReportMessage
	for _, b := range raw {
		var entry store.RecentEntry
		if err := json.Unmarshal(b, &entry); err != nil {
			continue
		}
		from := "reported"
		if entry.SenderID == reporterID {
			from = "reporter"
		}
		out = append(out, store.ReportMessage{From: from, Text: entry.Text, Ts: entry.Ts})
	}
	return out
}
