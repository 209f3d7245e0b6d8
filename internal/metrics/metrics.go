// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection, queue and pair counts, counters for
// message outcomes, and histograms for match wait and moderation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangerchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages by outcome: "relayed", "blocked",
	// "rejected" (validation) or "signal".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangerchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// QueueSize tracks the number of sessions waiting per mode.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strangerchat_queue_size",
		Help: "Current number of sessions in the match queue",
	}, []string{"mode"})

	// ActivePairs tracks the current number of live pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangerchat_active_pairs",
		Help: "Current number of active pairs",
	})

	// MatchWaitSeconds records the time from join-queue to match-found.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strangerchat_match_wait_seconds",
		Help:    "Time spent in the queue before a match",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120},
	})

	// ModerationLatency records remote classifier round-trip time.
	ModerationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strangerchat_moderation_latency_seconds",
		Help:    "Remote classifier round-trip latency",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 8},
	})

	// Reconnects counts grace-window reconnect attempts by result:
	// "restored" or "expired".
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangerchat_reconnects_total",
		Help: "Grace-window reconnect attempts",
	}, []string{"result"})

	// HeartbeatEvictions counts connections evicted for missed pings.
	HeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strangerchat_heartbeat_evictions_total",
		Help: "Connections evicted after missing too many pings",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		QueueSize,
		ActivePairs,
		MatchWaitSeconds,
		ModerationLatency,
		Reconnects,
		HeartbeatEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
