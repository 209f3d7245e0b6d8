package core

import (
	"context"
	"log"
	"time"

	"github.com/parley/stranger-chat/internal/metrics"
	"github.com/parley/stranger-chat/internal/protocol"
)

// StartHeartbeat runs the liveness loop until ctx is cancelled. Every tick it
// sweeps all connections once; per connection the missed counter is
// incremented before the ping is emitted, so a pong between ticks resets the
// counter to zero and a silent client accumulates one miss per tick.
func (c *Core) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeatTick()
		}
	}
}

// heartbeatTick pings every live connection and evicts those whose missed
// count passed the threshold. Eviction closes the socket; the disconnect path
// then decides between grace and teardown like any other drop.
func (c *Core) heartbeatTick() {
	ping, err := protocol.NewServerEvent(protocol.EventPing, nil)
	if err != nil {
		log.Printf("core: marshal ping: %v", err)
		return
	}

	c.presence.ForEachConnection(func(connID string) {
		missed := c.presence.IncrementMissedPings(connID)
		if missed > c.cfg.MaxMissedPings {
			last, _ := c.presence.LastPong(connID)
			log.Printf("core: evicting dead connection conn=%s missed=%d silent_for=%s",
				connID, missed, time.Since(last).Round(time.Millisecond))
			metrics.HeartbeatEvictions.Inc()
			c.sender.Close(connID)
			return
		}
		_ = c.sender.Enqueue(connID, ping)
	})
}

// handlePong resets the caller's missed-ping counter.
func (c *Core) handlePong(connID string) {
	c.presence.RecordPong(connID)
}
