// Package core is the coordination layer between the WebSocket transport and
// the domain state: presence, match queues, pairs, moderation and the stores.
// The transport hands it raw frames and disconnect notifications; everything
// else happens here.
package core

import (
	"context"
	"log"
	"time"

	"github.com/parley/stranger-chat/internal/config"
	"github.com/parley/stranger-chat/internal/match"
	"github.com/parley/stranger-chat/internal/messaging"
	"github.com/parley/stranger-chat/internal/metrics"
	"github.com/parley/stranger-chat/internal/moderation"
	"github.com/parley/stranger-chat/internal/pair"
	"github.com/parley/stranger-chat/internal/presence"
	"github.com/parley/stranger-chat/internal/protocol"
	"github.com/parley/stranger-chat/internal/store"
)

// Sender is the outbound half of the transport. Enqueue never blocks; Close
// flushes queued frames and then tears the connection down.
type Sender interface {
	Enqueue(connID string, data []byte) error
	Close(connID string)
}

// MessageStore persists chat messages. Satisfied by *store.MessageStore.
type MessageStore interface {
	Save(ctx context.Context, m *store.Message) error
	ListByRoom(ctx context.Context, roomID string, limit, skip int) ([]store.Message, error)
	MarkRead(ctx context.Context, roomID, readerSessionID string) (int64, error)
	MarkDelivered(ctx context.Context, messageID string) error
	ScheduleExpiry(ctx context.Context, roomID string, expiresAt time.Time) error
}

// HotStore keeps short-lived chat state. Satisfied by *store.HotStore.
type HotStore interface {
	SetTyping(ctx context.Context, roomID, sessionID string, typing bool) error
	PushRecent(ctx context.Context, roomID string, payload []byte) error
	Recent(ctx context.Context, roomID string) ([][]byte, error)
	ClearRoom(ctx context.Context, roomID string, sessionIDs ...string) error
}

// ReportStore persists abuse reports. Satisfied by *store.ReportStore.
type ReportStore interface {
	Create(ctx context.Context, report *store.Report) error
}

// Options carries the collaborators for New. Messages, Hot and Reports may be
// nil when persistence is disabled; Audit may be nil when no bus is
// configured.
type Options struct {
	Config    config.Config
	Sender    Sender
	Moderator *moderation.Moderator
	Messages  MessageStore
	Hot       HotStore
	Reports   ReportStore
	Audit     *messaging.AuditPublisher
}

// Core owns the in-memory coordination state and drives every protocol
// operation.
type Core struct {
	cfg      config.Config
	sender   Sender
	presence *presence.Tracker
	queues   *match.Queues
	pairs    *pair.Registry
	mod      *moderation.Moderator
	messages MessageStore
	hot      HotStore
	reports  ReportStore
	audit    *messaging.AuditPublisher
}

// New wires a Core from its collaborators.
func New(opts Options) *Core {
	return &Core{
		cfg:      opts.Config,
		sender:   opts.Sender,
		presence: presence.NewTracker(),
		queues:   match.New(opts.Config.StarvationBonus),
		pairs:    pair.NewRegistry(),
		mod:      opts.Moderator,
		messages: opts.Messages,
		hot:      opts.Hot,
		reports:  opts.Reports,
		audit:    opts.Audit,
	}
}

// OnConnect registers a freshly upgraded connection. The session binding
// arrives later with user-join.
func (c *Core) OnConnect(connID string) {
	c.presence.Register(connID)
}

// send marshals and enqueues one event toward a connection. Failures are the
// transport's problem; the connection is already being torn down.
func (c *Core) send(connID, event string, payload interface{}) {
	data, err := protocol.NewServerEvent(event, payload)
	if err != nil {
		log.Printf("core: marshal %s: %v", event, err)
		return
	}
	_ = c.sender.Enqueue(connID, data)
}

// sendError reports a failure on the given error channel (error,
// message-error or messages-error).
func (c *Core) sendError(connID, event, msg string) {
	c.send(connID, event, protocol.ErrorPayload{Message: msg})
}

// Stats contributes application counters to the /stats endpoint.
func (c *Core) Stats() map[string]interface{} {
	liveConns, sessions := c.presence.Counts()
	return map[string]interface{}{
		"presence_connections": liveConns,
		"sessions":             sessions,
		"queues":               c.queues.Stats(),
		"active_pairs":         c.pairs.Count(),
	}
}

// StartSweeper runs the periodic maintenance loop: queue entries whose
// connection vanished are dropped, queue gauges refreshed, and expired
// messages purged. Returns when ctx is cancelled.
func (c *Core) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.QueueSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.queues.Sweep(c.presence.LiveConnIDs()); n > 0 {
				log.Printf("core: swept %d stale queue entries", n)
			}
			for mode, size := range c.queues.Stats() {
				metrics.QueueSize.WithLabelValues(mode).Set(float64(size))
			}
			if ms, ok := c.messages.(*store.MessageStore); ok && ms != nil {
				purgeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if n, err := ms.PurgeExpired(purgeCtx); err != nil {
					log.Printf("core: purge expired messages: %v", err)
				} else if n > 0 {
					log.Printf("core: purged %d expired messages", n)
				}
				cancel()
			}
		}
	}
}

// storeCtx bounds a persistence call issued from a hot path.
func storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
