// Package store provides the persistence layer: PostgreSQL for chat
// messages and abuse reports, Redis for short-lived hot state (typing
// indicators, recent-message cache).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message delivery states. A message is "sent" once persisted, "delivered"
// once handed to the recipient's connection, and "read" once the recipient
// acknowledges it.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message is one persisted chat message.
type Message struct {
	ID          string
	RoomID      string
	SenderID    string
	RecipientID string
	Content     string
	Type        string // "chat" or "system"
	Status      string
	CreatedAt   time.Time
	ExpiresAt   sql.NullTime
}

// MessageStore persists chat messages in PostgreSQL.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a message store backed by the given database handle.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Save inserts a message. The caller assigns the ID and timestamps.
func (s *MessageStore) Save(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, room_id, sender_id, recipient_id, content, type, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.RoomID,
		m.SenderID,
		m.RecipientID,
		m.Content,
		m.Type,
		m.Status,
		m.CreatedAt,
		m.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// ListByRoom returns messages for a room in ascending creation order,
// honouring limit and skip for pagination.
func (s *MessageStore) ListByRoom(ctx context.Context, roomID string, limit, skip int) ([]Message, error) {
	const query = `
		SELECT id, room_id, sender_id, recipient_id, content, type, status, created_at, expires_at
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.RecipientID,
			&m.Content, &m.Type, &m.Status, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return out, nil
}

// MarkRead advances every unread message in the room addressed to the reader
// to "read" and returns how many rows changed.
func (s *MessageStore) MarkRead(ctx context.Context, roomID, readerSessionID string) (int64, error) {
	const query = `
		UPDATE messages
		SET status = 'read'
		WHERE room_id = $1
		  AND recipient_id = $2
		  AND status IN ('sent', 'delivered')`

	res, err := s.db.ExecContext(ctx, query, roomID, readerSessionID)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark read rows: %w", err)
	}
	return n, nil
}

// MarkDelivered records that a message reached the recipient's connection.
func (s *MessageStore) MarkDelivered(ctx context.Context, messageID string) error {
	const query = `UPDATE messages SET status = 'delivered' WHERE id = $1 AND status = 'sent'`
	if _, err := s.db.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	return nil
}

// ScheduleExpiry stamps every message in the room with an expiry deadline.
// Called when a pair dissolves so the conversation ages out.
func (s *MessageStore) ScheduleExpiry(ctx context.Context, roomID string, expiresAt time.Time) error {
	const query = `UPDATE messages SET expires_at = $2 WHERE room_id = $1`
	if _, err := s.db.ExecContext(ctx, query, roomID, expiresAt); err != nil {
		return fmt.Errorf("store: schedule expiry: %w", err)
	}
	return nil
}

// DeleteByRoom removes a room's messages outright.
func (s *MessageStore) DeleteByRoom(ctx context.Context, roomID string) error {
	const query = `DELETE FROM messages WHERE room_id = $1`
	if _, err := s.db.ExecContext(ctx, query, roomID); err != nil {
		return fmt.Errorf("store: delete room messages: %w", err)
	}
	return nil
}

// PurgeExpired deletes messages whose expiry deadline has passed. Run
// periodically by the server's sweeper.
func (s *MessageStore) PurgeExpired(ctx context.Context) (int64, error) {
	const query = `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= NOW()`
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("store: purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: purge expired rows: %w", err)
	}
	return n, nil
}
