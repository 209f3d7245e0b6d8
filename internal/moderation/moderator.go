package moderation

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/parley/stranger-chat/internal/metrics"
)

// Escalation actions attached to a blocked message.
const (
	ActionNone = ""     // first offense: silent block
	ActionWarn = "warn" // repeat offense: block + moderation-warning
	ActionKick = "kick" // persistent offender: block + moderation-kick + disconnect
)

// Which layer produced the verdict.
const (
	LayerLocal  = "local"
	LayerRemote = "remote"
)

// Result is the outcome of a moderation check.
type Result struct {
	Allowed    bool
	Reason     string
	Categories []string
	Layer      string
	Action     string
	FlagCount  int
}

// Config tunes the pipeline thresholds.
type Config struct {
	Threshold   float64 // remote score at or above which a label flags
	BlockOnFail bool    // remote failure blocks instead of failing open
	WarnAfter   int     // flag count at which warnings start
	KickAfter   int     // flag count at which the session is kicked
}

// Moderator runs the two-layer pipeline and owns the per-session violation
// counters. Counters reset on clean pair dissolution and accepted reconnect,
// and are pruned when a session is destroyed.
type Moderator struct {
	filter *Filter
	remote *RemoteClassifier // nil when Layer 2 is disabled
	cfg    Config

	mu    sync.Mutex
	flags map[string]int // sessionID -> violation count
}

// New creates a Moderator. remote may be nil to disable Layer 2.
func New(filter *Filter, remote *RemoteClassifier, cfg Config) *Moderator {
	return &Moderator{
		filter: filter,
		remote: remote,
		cfg:    cfg,
		flags:  make(map[string]int),
	}
}

// Check classifies content for a session. Layer 1 runs first; Layer 2 only
// when Layer 1 passes and a remote classifier is configured. Every block
// increments the session's violation counter and the returned Action follows
// the escalation table.
func (m *Moderator) Check(ctx context.Context, content, sessionID string) Result {
	if local := m.filter.Check(content); local.Blocked {
		return m.blocked(sessionID, Result{
			Reason:     "blocked_term",
			Categories: []string{local.Category},
			Layer:      LayerLocal,
		})
	}

	if m.remote == nil {
		return Result{Allowed: true}
	}

	start := time.Now()
	labels, err := m.remote.Classify(ctx, content)
	metrics.ModerationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if m.cfg.BlockOnFail {
			log.Printf("moderation: classifier unavailable, blocking session=%s: %v", sessionID, err)
			return m.blocked(sessionID, Result{
				Reason:     "classifier_unavailable",
				Categories: nil,
				Layer:      LayerRemote,
			})
		}
		// Fail open: remote trouble must not silence the chat.
		log.Printf("moderation: classifier unavailable, failing open session=%s: %v", sessionID, err)
		return Result{Allowed: true}
	}

	var flagged []string
	for _, l := range labels {
		if l.Score >= m.cfg.Threshold {
			flagged = append(flagged, l.Label)
		}
	}
	if len(flagged) > 0 {
		return m.blocked(sessionID, Result{
			Reason:     "toxicity",
			Categories: flagged,
			Layer:      LayerRemote,
		})
	}

	return Result{Allowed: true}
}

// blocked records the violation and stamps the escalation action.
func (m *Moderator) blocked(sessionID string, r Result) Result {
	m.mu.Lock()
	m.flags[sessionID]++
	count := m.flags[sessionID]
	m.mu.Unlock()

	r.Allowed = false
	r.FlagCount = count
	switch {
	case count >= m.cfg.KickAfter:
		r.Action = ActionKick
	case count >= m.cfg.WarnAfter:
		r.Action = ActionWarn
	default:
		r.Action = ActionNone
	}

	log.Printf("moderation: blocked session=%s layer=%s reason=%s categories=%v flags=%d action=%q",
		sessionID, r.Layer, r.Reason, r.Categories, count, r.Action)
	return r
}

// GetFlagCount returns the current violation count for a session.
func (m *Moderator) GetFlagCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[sessionID]
}

// ResetFlagCount clears the violation counter: on clean voluntary disconnect
// from chat, on accepted reconnect, and when the session is destroyed so the
// map cannot grow with dead session ids.
func (m *Moderator) ResetFlagCount(sessionID string) {
	m.mu.Lock()
	delete(m.flags, sessionID)
	m.mu.Unlock()
}
