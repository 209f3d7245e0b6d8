package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// Report is one abuse report to be persisted: who reported whom, the room
// context, and a snapshot of the last few messages for moderator review.
type Report struct {
	ID                string
	ReporterSessionID string
	ReportedSessionID string
	RoomID            string
	Reason            string
	Messages          []ReportMessage
}

// ReportMessage is one message in the conversation snapshot attached to a
// report. Sender identity is anonymised to reporter/reported.
type ReportMessage struct {
	From string `json:"from"` // "reporter" or "reported"
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// ReportStore manages abuse reports in PostgreSQL.
type ReportStore struct {
	db *sql.DB
}

// NewReportStore creates a report store backed by the given database handle.
func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

// Create inserts an abuse report. Messages are marshalled to JSONB and the
// reason is validated against the allowed set before insertion.
func (s *ReportStore) Create(ctx context.Context, report *Report) error {
	if !validReasons[report.Reason] {
		return fmt.Errorf("store: invalid report reason %q", report.Reason)
	}

	var messagesJSON []byte
	if len(report.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(report.Messages)
		if err != nil {
			return fmt.Errorf("store: marshal report messages: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (id, reporter_session_id, reported_session_id, room_id, reason, messages)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		report.ID,
		report.ReporterSessionID,
		report.ReportedSessionID,
		report.RoomID,
		report.Reason,
		messagesJSON,
	)
	if err != nil {
		return fmt.Errorf("store: insert report: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a session within
// the given time window.
func (s *ReportStore) CountRecent(ctx context.Context, reportedSessionID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_session_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedSessionID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count recent reports: %w", err)
	}
	return count, nil
}
