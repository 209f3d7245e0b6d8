// Package presence is the authoritative in-memory map of connected clients
// and the session<->connection binding. All pairing state is process-local;
// nothing here survives a restart.
package presence

import (
	"errors"
	"sync"
	"time"
)

// Session presence states.
const (
	StateIdle     = "idle"
	StateQueued   = "queued"
	StateMatched  = "matched"
	StateChatting = "chatting"
	StateInGrace  = "in-grace"
)

// ErrSessionOwnedElsewhere is returned by Bind when the session id is already
// bound to a different live connection. Only the reconnect path may take over
// an existing binding, via Rebind.
var ErrSessionOwnedElsewhere = errors.New("presence: session owned by another connection")

// Session is the durable identity a client chooses. It survives connection
// churn for at most one grace window (ConnID is empty while parked).
type Session struct {
	ID        string
	ConnID    string
	Interests []string
	Mode      string
	State     string
	JoinedAt  time.Time
}

// connState tracks per-connection liveness for the heartbeat.
type connState struct {
	sessionID   string
	lastPong    time.Time
	missedPings int
}

// Tracker holds the two mappings connection->session and session->connection
// plus heartbeat bookkeeping. All mutations are serialized by one mutex; a
// reader either sees a fully updated Session or none.
type Tracker struct {
	mu        sync.RWMutex
	conns     map[string]*connState // connID -> liveness + session binding
	sessions  map[string]*Session   // sessionID -> session (ConnID empty while in grace)
}

// NewTracker creates an empty presence tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns:    make(map[string]*connState),
		sessions: make(map[string]*Session),
	}
}

// Register records a newly accepted connection with zero missed pings. It is
// called before any user-join arrives, so the connection starts unbound.
func (t *Tracker) Register(connID string) {
	t.mu.Lock()
	t.conns[connID] = &connState{lastPong: time.Now()}
	t.mu.Unlock()
}

// Bind associates a session id with a connection. Binding the same pair
// twice is idempotent (interests/mode are refreshed). Binding a session that
// is live on a different connection fails with ErrSessionOwnedElsewhere.
// A session parked in grace is adopted: this is the fresh-join path after its
// pair dissolved.
func (t *Tracker) Bind(connID, sessionID string, interests []string, mode string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.conns[connID]
	if !ok {
		return Session{}, errors.New("presence: unknown connection")
	}

	if sess, ok := t.sessions[sessionID]; ok {
		if sess.ConnID != "" && sess.ConnID != connID {
			return Session{}, ErrSessionOwnedElsewhere
		}
		// Idempotent re-join on the same connection, or adoption of a
		// parked session whose pair is gone.
		sess.ConnID = connID
		if len(interests) > 0 {
			sess.Interests = interests
		}
		if mode != "" {
			sess.Mode = mode
		}
		if sess.State == StateInGrace {
			sess.State = StateIdle
		}
		cs.sessionID = sessionID
		return *sess, nil
	}

	sess := &Session{
		ID:        sessionID,
		ConnID:    connID,
		Interests: interests,
		Mode:      mode,
		State:     StateIdle,
		JoinedAt:  time.Now(),
	}
	t.sessions[sessionID] = sess
	cs.sessionID = sessionID
	return *sess, nil
}

// Rebind moves a session binding to a new connection. This is the explicit
// takeover path used by the reconnector; it succeeds even if the session is
// parked or still nominally bound to the dead connection.
func (t *Tracker) Rebind(oldConnID, newConnID, sessionID string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.conns[newConnID]
	if !ok {
		return Session{}, errors.New("presence: unknown connection")
	}
	sess, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, errors.New("presence: unknown session")
	}

	if old, ok := t.conns[oldConnID]; ok && old.sessionID == sessionID {
		old.sessionID = ""
	}
	sess.ConnID = newConnID
	cs.sessionID = sessionID
	return *sess, nil
}

// Get returns a copy of the session bound to the connection.
func (t *Tracker) Get(connID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cs, ok := t.conns[connID]
	if !ok || cs.sessionID == "" {
		return Session{}, false
	}
	sess, ok := t.sessions[cs.sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// GetBySession returns a copy of the session for the given session id,
// whether live or parked in grace.
func (t *Tracker) GetBySession(sessionID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sess, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Update applies a patch to the session bound to connID under the lock.
func (t *Tracker) Update(connID string, patch func(*Session)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.conns[connID]
	if !ok || cs.sessionID == "" {
		return false
	}
	sess, ok := t.sessions[cs.sessionID]
	if !ok {
		return false
	}
	patch(sess)
	return true
}

// UpdateBySession applies a patch to a session by id, live or parked.
func (t *Tracker) UpdateBySession(sessionID string, patch func(*Session)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	patch(sess)
	return true
}

// Remove deletes a connection. If park is true the bound session is retained
// with an empty ConnID and state in-grace so the reconnector can rebind it;
// otherwise the session is destroyed with the connection. The removed session
// copy is returned when one was bound.
func (t *Tracker) Remove(connID string, park bool) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.conns[connID]
	if !ok {
		return Session{}, false
	}
	delete(t.conns, connID)

	if cs.sessionID == "" {
		return Session{}, false
	}
	sess, ok := t.sessions[cs.sessionID]
	if !ok {
		return Session{}, false
	}

	if park && sess.ConnID == connID {
		sess.ConnID = ""
		sess.State = StateInGrace
		return *sess, true
	}
	if sess.ConnID == connID || sess.ConnID == "" {
		delete(t.sessions, sess.ID)
	}
	return *sess, true
}

// DropSession destroys a session outright (grace expiry of a parked member).
func (t *Tracker) DropSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sess, ok := t.sessions[sessionID]; ok && sess.ConnID == "" {
		delete(t.sessions, sessionID)
	}
}

// RecordPong resets the missed-ping counter for a connection.
func (t *Tracker) RecordPong(connID string) {
	t.mu.Lock()
	if cs, ok := t.conns[connID]; ok {
		cs.lastPong = time.Now()
		cs.missedPings = 0
	}
	t.mu.Unlock()
}

// IncrementMissedPings bumps the missed-ping counter and returns the new
// value. Unknown connections report zero.
func (t *Tracker) IncrementMissedPings(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.conns[connID]
	if !ok {
		return 0
	}
	cs.missedPings++
	return cs.missedPings
}

// LastPong returns the last pong timestamp for a connection. Before the first
// pong arrives this is the register time, so callers always get a liveness
// baseline for a known connection.
func (t *Tracker) LastPong(connID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cs, ok := t.conns[connID]
	if !ok {
		return time.Time{}, false
	}
	return cs.lastPong, true
}

// ForEachConnection calls f for every live connection id. The snapshot is
// taken under the read lock so f runs without holding it.
func (t *Tracker) ForEachConnection(f func(connID string)) {
	t.mu.RLock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		f(id)
	}
}

// LiveConnIDs returns the set of live connection ids, used by the queue sweep.
func (t *Tracker) LiveConnIDs() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	live := make(map[string]bool, len(t.conns))
	for id := range t.conns {
		live[id] = true
	}
	return live
}

// Counts returns (live connections, known sessions) for the stats endpoint.
func (t *Tracker) Counts() (int, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns), len(t.sessions)
}
