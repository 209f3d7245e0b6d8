package core

import (
	"testing"

	"github.com/parley/stranger-chat/internal/protocol"
)

func TestHeartbeat_PingsLiveConnections(t *testing.T) {
	c, fs := newTestCore(t)
	join(t, c, "conn-a", "sess-a")
	fs.reset()

	c.heartbeatTick()

	if !fs.has("conn-a", protocol.EventPing) {
		t.Error("live connection should receive a ping")
	}
	if fs.wasClosed("conn-a") {
		t.Error("one missed ping must not evict")
	}
}

func TestHeartbeat_PongKeepsConnectionAlive(t *testing.T) {
	c, fs := newTestCore(t)
	join(t, c, "conn-a", "sess-a")

	// Answer every ping: the counter never accumulates.
	for i := 0; i < 10; i++ {
		c.heartbeatTick()
		c.HandleMessage("conn-a", frame(t, protocol.EventPong, nil))
	}
	if fs.wasClosed("conn-a") {
		t.Error("a responsive client must never be evicted")
	}
}

func TestHeartbeat_EvictsAfterMaxMissedPings(t *testing.T) {
	c, fs := newTestCore(t)
	join(t, c, "conn-a", "sess-a")

	// MaxMissedPings = 2: ticks 1 and 2 ping, tick 3 evicts. The counter is
	// incremented before the ping is emitted, so the threshold check sees
	// the miss from the current tick.
	c.heartbeatTick()
	c.heartbeatTick()
	if fs.wasClosed("conn-a") {
		t.Fatal("evicted too early")
	}
	c.heartbeatTick()
	if !fs.wasClosed("conn-a") {
		t.Error("silent connection should be evicted on the third tick")
	}
}

func TestHeartbeat_LatePongAfterOneMissRecovers(t *testing.T) {
	c, fs := newTestCore(t)
	join(t, c, "conn-a", "sess-a")

	c.heartbeatTick()
	c.heartbeatTick()
	// Two misses on the books; the pong wipes them.
	c.HandleMessage("conn-a", frame(t, protocol.EventPong, nil))

	c.heartbeatTick()
	c.heartbeatTick()
	if fs.wasClosed("conn-a") {
		t.Error("pong should reset the missed counter")
	}
}

func TestHeartbeat_EvictionOfPairedMemberStartsGrace(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	// Only A goes silent.
	for i := 0; i < 3; i++ {
		c.heartbeatTick()
		c.HandleMessage("conn-b", frame(t, protocol.EventPong, nil))
	}
	if !fs.wasClosed("conn-a") {
		t.Fatal("silent member should be evicted")
	}

	// Eviction runs the normal disconnect path: the pair enters grace and
	// the same session can still reclaim it.
	join(t, c, "conn-a2", "sess-a")
	if !fs.has("conn-a2", protocol.EventReconnectSuccess) {
		t.Error("evicted member should be able to reconnect within grace")
	}
}
