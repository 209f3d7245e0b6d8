// Package pair tracks active two-party sessions, their state machines and
// grace timers. Each pair is identified by a freshly minted room id that is
// never reused.
package pair

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pair states.
const (
	StateMatched   = "matched"
	StateChatting  = "chatting"
	StateGrace     = "grace"
	StateDissolved = "dissolved"
)

var (
	// ErrAlreadyPaired means a session is a member of another live pair.
	ErrAlreadyPaired = errors.New("pair: session already paired")
	// ErrNotFound means the pair id does not resolve to a live pair.
	ErrNotFound = errors.New("pair: not found")
	// ErrNotInGrace means Restore was attempted outside the grace window.
	ErrNotInGrace = errors.New("pair: not in grace")
	// ErrNotAbsentMember means the restoring session is not the one that left.
	ErrNotAbsentMember = errors.New("pair: session is not the absent member")
)

// Member identifies one side of a pair.
type Member struct {
	SessionID string
	ConnID    string
}

// Pair is an active two-party session. Members[0] is the initiator: the
// enqueuer whose join-queue triggered the match, designated to send the
// first WebRTC offer.
type Pair struct {
	ID              string
	Mode            string
	Members         [2]Member
	CommonInterests []string
	State           string
	CreatedAt       time.Time
	AbsentSessionID string
	GraceDeadline   time.Time

	graceTimer *time.Timer
}

// MemberBySession returns the member with the given session id.
func (p *Pair) MemberBySession(sessionID string) (Member, bool) {
	for _, m := range p.Members {
		if m.SessionID == sessionID {
			return m, true
		}
	}
	return Member{}, false
}

// PartnerOfSession returns the other member.
func (p *Pair) PartnerOfSession(sessionID string) (Member, bool) {
	if p.Members[0].SessionID == sessionID {
		return p.Members[1], true
	}
	if p.Members[1].SessionID == sessionID {
		return p.Members[0], true
	}
	return Member{}, false
}

// PartnerOfConn returns the member on the other side of the connection.
func (p *Pair) PartnerOfConn(connID string) (Member, bool) {
	if p.Members[0].ConnID == connID {
		return p.Members[1], true
	}
	if p.Members[1].ConnID == connID {
		return p.Members[0], true
	}
	return Member{}, false
}

// Registry is the set of live pairs with O(1) lookup by pair id, session id
// and connection id. Dissolved pairs are removed immediately.
type Registry struct {
	mu        sync.Mutex
	pairs     map[string]*Pair
	bySession map[string]string // sessionID -> pairID
	byConn    map[string]string // connID -> pairID
}

// NewRegistry creates an empty pair registry.
func NewRegistry() *Registry {
	return &Registry{
		pairs:     make(map[string]*Pair),
		bySession: make(map[string]string),
		byConn:    make(map[string]string),
	}
}

// Create mints a pair for the two members. The initiator must be the
// enqueuer that caused the match. It refuses to create overlapping pairs:
// a session may be a member of at most one live pair.
func (r *Registry) Create(initiator, candidate Member, mode string, commonInterests []string) (Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[initiator.SessionID]; ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrAlreadyPaired, initiator.SessionID)
	}
	if _, ok := r.bySession[candidate.SessionID]; ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrAlreadyPaired, candidate.SessionID)
	}

	p := &Pair{
		ID:              uuid.New().String(),
		Mode:            mode,
		Members:         [2]Member{initiator, candidate},
		CommonInterests: commonInterests,
		State:           StateMatched,
		CreatedAt:       time.Now(),
	}
	r.pairs[p.ID] = p
	r.bySession[initiator.SessionID] = p.ID
	r.bySession[candidate.SessionID] = p.ID
	r.byConn[initiator.ConnID] = p.ID
	r.byConn[candidate.ConnID] = p.ID

	log.Printf("pair: created pair=%s a=%s b=%s mode=%s shared=%v",
		p.ID, initiator.SessionID, candidate.SessionID, mode, commonInterests)
	return *p, nil
}

// MarkChatting advances a matched pair to chatting once both match-found
// events have been handed to the members' send channels.
func (r *Registry) MarkChatting(pairID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[pairID]
	if !ok {
		return ErrNotFound
	}
	if p.State != StateMatched {
		return fmt.Errorf("pair: cannot mark chatting from state %q", p.State)
	}
	p.State = StateChatting
	log.Printf("pair: chatting pair=%s a=%s b=%s",
		p.ID, p.Members[0].SessionID, p.Members[1].SessionID)
	return nil
}

// EnterGrace records that a member disconnected and arms a cancellable timer
// for the grace window. The retained member is not notified yet. When the
// timer fires, the pair is dissolved and onExpire runs with a copy of the
// pair and the retained member; onExpire must acquire Presence after this
// registry, never before.
func (r *Registry) EnterGrace(pairID, departingSessionID string, window time.Duration, onExpire func(Pair, Member)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[pairID]
	if !ok {
		return ErrNotFound
	}
	if p.State != StateMatched && p.State != StateChatting {
		return fmt.Errorf("pair: cannot enter grace from state %q", p.State)
	}
	departing, ok := p.MemberBySession(departingSessionID)
	if !ok {
		return ErrNotAbsentMember
	}

	p.State = StateGrace
	p.AbsentSessionID = departingSessionID
	p.GraceDeadline = time.Now().Add(window)
	delete(r.byConn, departing.ConnID)

	p.graceTimer = time.AfterFunc(window, func() {
		r.expireGrace(pairID, onExpire)
	})

	log.Printf("pair: grace pair=%s absent=%s retained=%s window=%s",
		p.ID, departingSessionID, mustPartner(p, departingSessionID), window)
	return nil
}

// expireGrace is the grace timer callback. A Restore or Dissolve that raced
// ahead leaves nothing to do.
func (r *Registry) expireGrace(pairID string, onExpire func(Pair, Member)) {
	r.mu.Lock()
	p, ok := r.pairs[pairID]
	if !ok || p.State != StateGrace {
		r.mu.Unlock()
		return
	}
	retained, _ := p.PartnerOfSession(p.AbsentSessionID)
	copied := r.removeLocked(p)
	r.mu.Unlock()

	log.Printf("pair: grace expired pair=%s absent=%s retained=%s",
		copied.ID, copied.AbsentSessionID, retained.SessionID)
	if onExpire != nil {
		onExpire(copied, retained)
	}
}

// Restore rebinds the absent member to a new connection and moves the pair
// back to chatting. Valid only while in grace and only for the member that
// actually left; the grace timer is cancelled outright.
func (r *Registry) Restore(pairID, sessionID, newConnID string) (Pair, Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[pairID]
	if !ok {
		return Pair{}, Member{}, ErrNotFound
	}
	if p.State != StateGrace {
		return Pair{}, Member{}, ErrNotInGrace
	}
	if p.AbsentSessionID != sessionID {
		return Pair{}, Member{}, ErrNotAbsentMember
	}

	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}

	for i := range p.Members {
		if p.Members[i].SessionID == sessionID {
			p.Members[i].ConnID = newConnID
		}
	}
	r.byConn[newConnID] = p.ID
	p.State = StateChatting
	p.AbsentSessionID = ""
	p.GraceDeadline = time.Time{}

	retained, _ := p.PartnerOfSession(sessionID)
	log.Printf("pair: restored pair=%s returned=%s retained=%s",
		p.ID, sessionID, retained.SessionID)
	return *p, retained, nil
}

// Dissolve ends a pair immediately (voluntary end, skip, kick, or the
// second disconnect during grace). Any armed grace timer is cancelled. The
// removed pair is returned so the caller can notify and clean up.
func (r *Registry) Dissolve(pairID, reason string) (Pair, error) {
	r.mu.Lock()
	p, ok := r.pairs[pairID]
	if !ok {
		r.mu.Unlock()
		return Pair{}, ErrNotFound
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	copied := r.removeLocked(p)
	r.mu.Unlock()

	log.Printf("pair: dissolved pair=%s a=%s b=%s reason=%s",
		copied.ID, copied.Members[0].SessionID, copied.Members[1].SessionID, reason)
	return copied, nil
}

// removeLocked detaches the pair from every index and returns a dissolved
// copy. Caller holds mu.
func (r *Registry) removeLocked(p *Pair) Pair {
	delete(r.pairs, p.ID)
	for _, m := range p.Members {
		delete(r.bySession, m.SessionID)
		if r.byConn[m.ConnID] == p.ID {
			delete(r.byConn, m.ConnID)
		}
	}
	p.State = StateDissolved
	return *p
}

// Get returns a copy of the pair by id.
func (r *Registry) Get(pairID string) (Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[pairID]
	if !ok {
		return Pair{}, false
	}
	return *p, true
}

// ByConn returns the pair a live connection belongs to.
func (r *Registry) ByConn(connID string) (Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connID]
	if !ok {
		return Pair{}, false
	}
	p, ok := r.pairs[id]
	if !ok {
		return Pair{}, false
	}
	return *p, true
}

// BySession returns the pair a session belongs to, including pairs in grace.
func (r *Registry) BySession(sessionID string) (Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bySession[sessionID]
	if !ok {
		return Pair{}, false
	}
	p, ok := r.pairs[id]
	if !ok {
		return Pair{}, false
	}
	return *p, true
}

// IsMemberOf reports whether the connection belongs to the pair.
func (r *Registry) IsMemberOf(pairID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[connID] == pairID
}

// Count returns the number of live pairs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func mustPartner(p *Pair, sessionID string) string {
	m, _ := p.PartnerOfSession(sessionID)
	return m.SessionID
}
