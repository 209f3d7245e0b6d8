// Package messaging publishes audit events to NATS: pair lifecycle,
// moderation verdicts and abuse reports. Publishing is strictly best-effort;
// the chat core never waits on, or coordinates through, the bus.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for audit events.
const (
	SubjectPairCreated       = "audit.pair.created"
	SubjectPairDissolved     = "audit.pair.dissolved"
	SubjectPairReconnected   = "audit.pair.reconnected"
	SubjectModerationFlagged = "audit.moderation.flagged"
	SubjectModerationKicked  = "audit.moderation.kicked"
	SubjectReportSubmitted   = "audit.report.submitted"
)

// PairEvent records a pair lifecycle transition.
type PairEvent struct {
	PairID    string   `json:"pair_id"`
	Members   []string `json:"members"`
	Mode      string   `json:"mode"`
	Reason    string   `json:"reason,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// ModerationEvent records a blocked message verdict.
type ModerationEvent struct {
	SessionID  string   `json:"session_id"`
	Layer      string   `json:"layer"`
	Reason     string   `json:"reason"`
	Categories []string `json:"categories,omitempty"`
	FlagCount  int      `json:"flag_count"`
	Action     string   `json:"action,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// ReportEvent records a submitted abuse report.
type ReportEvent struct {
	ReportID   string `json:"report_id"`
	ReporterID string `json:"reporter_id"`
	ReportedID string `json:"reported_id"`
	Reason     string `json:"reason"`
	Timestamp  int64  `json:"timestamp"`
}

// AuditPublisher wraps the NATS connection. A nil *AuditPublisher is valid
// and drops every event, so callers never need to branch on whether the bus
// is configured.
type AuditPublisher struct {
	conn *nats.Conn
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Name:          "stranger-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Connect dials NATS and returns a ready publisher. It returns an error if
// the initial connection fails.
func Connect(config Config) (*AuditPublisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &AuditPublisher{conn: nc}, nil
}

// PairCreated publishes a pair creation event.
func (p *AuditPublisher) PairCreated(ev PairEvent) {
	p.publish(SubjectPairCreated, ev)
}

// PairDissolved publishes a pair dissolution event with its reason.
func (p *AuditPublisher) PairDissolved(ev PairEvent) {
	p.publish(SubjectPairDissolved, ev)
}

// PairReconnected publishes a successful grace-window reconnect.
func (p *AuditPublisher) PairReconnected(ev PairEvent) {
	p.publish(SubjectPairReconnected, ev)
}

// ModerationFlagged publishes a blocked-message verdict.
func (p *AuditPublisher) ModerationFlagged(ev ModerationEvent) {
	p.publish(SubjectModerationFlagged, ev)
}

// ModerationKicked publishes a kick verdict.
func (p *AuditPublisher) ModerationKicked(ev ModerationEvent) {
	p.publish(SubjectModerationKicked, ev)
}

// ReportSubmitted publishes an abuse report event.
func (p *AuditPublisher) ReportSubmitted(ev ReportEvent) {
	p.publish(SubjectReportSubmitted, ev)
}

// publish marshals and fires the event. Failures are logged and swallowed;
// audit loss must never affect a live chat.
func (p *AuditPublisher) publish(subject string, v interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// Close drains the connection.
func (p *AuditPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}
