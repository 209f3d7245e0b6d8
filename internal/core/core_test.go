package core

import (
	"sync"
	"testing"
	"time"

	"github.com/parley/stranger-chat/internal/config"
	"github.com/parley/stranger-chat/internal/moderation"
	"github.com/parley/stranger-chat/internal/protocol"
)

// fakeSender captures outbound frames per connection instead of writing to a
// socket. Close mimics the transport by firing the disconnect callback once.
type fakeSender struct {
	t *testing.T

	mu     sync.Mutex
	frames map[string][]protocol.Envelope
	closed map[string]bool

	onClose func(connID string)
}

func newFakeSender(t *testing.T) *fakeSender {
	return &fakeSender{
		t:      t,
		frames: make(map[string][]protocol.Envelope),
		closed: make(map[string]bool),
	}
}

func (f *fakeSender) Enqueue(connID string, data []byte) error {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		f.t.Errorf("fakeSender: bad outbound frame for %s: %v", connID, err)
		return err
	}
	f.mu.Lock()
	f.frames[connID] = append(f.frames[connID], env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Close(connID string) {
	f.mu.Lock()
	if f.closed[connID] {
		f.mu.Unlock()
		return
	}
	f.closed[connID] = true
	f.mu.Unlock()
	if f.onClose != nil {
		f.onClose(connID)
	}
}

func (f *fakeSender) wasClosed(connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[connID]
}

// events returns the event names sent to a connection, in order.
func (f *fakeSender) events(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.frames[connID]))
	for _, env := range f.frames[connID] {
		names = append(names, env.Event)
	}
	return names
}

// has reports whether an event was ever sent to the connection.
func (f *fakeSender) has(connID, event string) bool {
	for _, name := range f.events(connID) {
		if name == event {
			return true
		}
	}
	return false
}

// decodeLast decodes the payload of the most recent occurrence of event.
func (f *fakeSender) decodeLast(connID, event string, dst interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames[connID]) - 1; i >= 0; i-- {
		if f.frames[connID][i].Event == event {
			if err := f.frames[connID][i].Decode(dst); err != nil {
				f.t.Errorf("decode %s payload: %v", event, err)
				return false
			}
			return true
		}
	}
	return false
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.frames = make(map[string][]protocol.Envelope)
	f.mu.Unlock()
}

func testCoreConfig() config.Config {
	return config.Config{
		GracePeriod:        40 * time.Millisecond,
		PingInterval:       10 * time.Millisecond,
		MaxMissedPings:     2,
		StarvationBonus:    30 * time.Second,
		QueueSweepInterval: time.Second,
		MaxFlagsBeforeWarn: 2,
		MaxFlagsBeforeKick: 5,
		MessageExpiry:      time.Hour,
		MaxMessageChars:    1000,
		MaxInterests:       10,
		TypingTTL:          10 * time.Second,
	}
}

// newTestCore builds a Core with an in-memory sender, a local-only moderator
// that blocks "badword", and no persistence.
func newTestCore(t *testing.T) (*Core, *fakeSender) {
	t.Helper()
	fs := newFakeSender(t)
	cfg := testCoreConfig()
	mod := moderation.New(
		moderation.NewFilterWithTerms([]string{"badword"}),
		nil,
		moderation.Config{Threshold: 0.5, WarnAfter: cfg.MaxFlagsBeforeWarn, KickAfter: cfg.MaxFlagsBeforeKick},
	)
	c := New(Options{Config: cfg, Sender: fs, Moderator: mod})
	fs.onClose = c.OnDisconnect
	return c, fs
}

func frame(t *testing.T, event string, data interface{}) []byte {
	t.Helper()
	b, err := protocol.NewServerEvent(event, data)
	if err != nil {
		t.Fatalf("build %s frame: %v", event, err)
	}
	return b
}

// join connects and binds a session in one step.
func join(t *testing.T, c *Core, connID, sessionID string) {
	t.Helper()
	c.OnConnect(connID)
	c.HandleMessage(connID, frame(t, protocol.EventUserJoin, protocol.UserJoin{SessionID: sessionID}))
}

// matchPair joins two sessions, queues both and returns the room id. connB is
// the enqueuer that completes the match (sendOffer: true).
func matchPair(t *testing.T, c *Core, fs *fakeSender, connA, sessA, connB, sessB string, interests []string) string {
	t.Helper()
	join(t, c, connA, sessA)
	join(t, c, connB, sessB)

	c.HandleMessage(connA, frame(t, protocol.EventJoinQueue, protocol.JoinQueue{Interests: interests, Mode: protocol.ModeText}))
	c.HandleMessage(connB, frame(t, protocol.EventJoinQueue, protocol.JoinQueue{Interests: interests, Mode: protocol.ModeText}))

	var mf protocol.MatchFound
	if !fs.decodeLast(connB, protocol.EventMatchFound, &mf) {
		t.Fatalf("no match-found delivered to %s", connB)
	}
	return mf.RoomID
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
