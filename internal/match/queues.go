// Package match implements the per-mode waiting queues and the
// interest-weighted best-match selection with starvation protection.
// The queues are process-local; matchmaking is single-process authoritative.
package match

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Scoring weights. A shared interest is worth ten points; a candidate that
// has waited past the starvation bonus window gets three more, so long
// waiters with empty interest sets still beat nobody-matches.
const (
	interestWeight  = 10
	starvationBonus = 3
)

// Entry is a session waiting for a partner in a given mode.
type Entry struct {
	SessionID string
	ConnID    string
	Interests []string // sanitized: lowercased, trimmed, de-duplicated
	Mode      string
	QueuedAt  time.Time
}

// Queues holds one FIFO queue per mode. At most one entry per session exists
// across all queues.
type Queues struct {
	mu         sync.Mutex
	queues     map[string][]*Entry // mode -> entries in arrival order
	bonusAfter time.Duration
	now        func() time.Time
}

// New creates empty queues. Waiters older than bonusAfter receive the
// starvation bonus when scored.
func New(bonusAfter time.Duration) *Queues {
	return &Queues{
		queues:     make(map[string][]*Entry),
		bonusAfter: bonusAfter,
		now:        time.Now,
	}
}

// Enqueue scores e against every waiting candidate in the same mode and
// either returns the best match (removed from the queue) or appends e.
// Enqueue never fails; a session already queued is re-queued in place of its
// old entry first.
func (q *Queues) Enqueue(e Entry) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Invariant: one entry per session across both queues.
	q.removeLocked(func(c *Entry) bool {
		return c.ConnID == e.ConnID || c.SessionID == e.SessionID
	})

	if e.QueuedAt.IsZero() {
		e.QueuedAt = q.now()
	}

	queue := q.queues[e.Mode]
	bestIdx := -1
	bestScore := -1
	now := q.now()

	for i, cand := range queue {
		if cand.ConnID == e.ConnID || cand.SessionID == e.SessionID {
			continue
		}
		score := interestWeight * len(CommonInterests(e.Interests, cand.Interests))
		if now.Sub(cand.QueuedAt) > q.bonusAfter {
			score += starvationBonus
		}
		// Ties break toward the longest-waiting candidate; the queue is in
		// arrival order, so strict improvement keeps the earliest.
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx >= 0 {
		cand := queue[bestIdx]
		q.queues[e.Mode] = append(queue[:bestIdx], queue[bestIdx+1:]...)
		return *cand, true
	}

	q.queues[e.Mode] = append(queue, &e)
	return Entry{}, false
}

// Remove deletes the entry for a connection. It is a no-op if absent.
func (q *Queues) Remove(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(func(c *Entry) bool { return c.ConnID == connID }) > 0
}

// Sweep removes entries whose connection id is not in the live set, catching
// stragglers from races with disconnect. Returns the number removed.
func (q *Queues) Sweep(live map[string]bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(func(c *Entry) bool { return !live[c.ConnID] })
}

// removeLocked removes every entry matching the predicate. Caller holds mu.
func (q *Queues) removeLocked(match func(*Entry) bool) int {
	removed := 0
	for mode, queue := range q.queues {
		kept := queue[:0]
		for _, c := range queue {
			if match(c) {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		q.queues[mode] = kept
	}
	return removed
}

// Position returns the 1-based queue position for a connection.
func (q *Queues) Position(connID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, queue := range q.queues {
		for i, c := range queue {
			if c.ConnID == connID {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// Stats returns the current queue length per mode.
func (q *Queues) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]int, len(q.queues))
	for mode, queue := range q.queues {
		stats[mode] = len(queue)
	}
	return stats
}

// SanitizeInterests lowercases, trims and de-duplicates an interest list,
// dropping empties and capping the result at max entries.
func SanitizeInterests(interests []string, max int) []string {
	if len(interests) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(interests))
	out := make([]string, 0, len(interests))
	for _, raw := range interests {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CommonInterests returns the sorted intersection of two sanitized lists.
func CommonInterests(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a))
	for _, tag := range a {
		set[tag] = true
	}
	var shared []string
	for _, tag := range b {
		if set[tag] {
			shared = append(shared, tag)
		}
	}
	sort.Strings(shared)
	return shared
}
