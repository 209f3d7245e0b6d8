package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*MessageStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMessageStore(db), mock
}

func TestMessageStore_Save(t *testing.T) {
	s, mock := newMockStore(t)

	m := &Message{
		ID:          "5f9c7a10-0000-0000-0000-000000000001",
		RoomID:      "5f9c7a10-0000-0000-0000-0000000000aa",
		SenderID:    "sess-a",
		RecipientID: "sess-b",
		Content:     "hey there",
		Type:        "chat",
		Status:      StatusSent,
		CreatedAt:   time.Now(),
	}

	mock.ExpectExec("INSERT INTO messages").
		WithArgs(m.ID, m.RoomID, m.SenderID, m.RecipientID, m.Content, m.Type, m.Status, m.CreatedAt, m.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Save(context.Background(), m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMessageStore_ListByRoom(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "room_id", "sender_id", "recipient_id", "content", "type", "status", "created_at", "expires_at",
	}).
		AddRow("m1", "room1", "sess-a", "sess-b", "first", "chat", StatusRead, now.Add(-2*time.Minute), nil).
		AddRow("m2", "room1", "sess-b", "sess-a", "second", "chat", StatusSent, now, nil)

	mock.ExpectQuery("SELECT (.+) FROM messages").
		WithArgs("room1", 50, 0).
		WillReturnRows(rows)

	got, err := s.ListByRoom(context.Background(), "room1", 50, 0)
	if err != nil {
		t.Fatalf("ListByRoom: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("wrong order: %q, %q", got[0].ID, got[1].ID)
	}
	if got[1].Status != StatusSent {
		t.Errorf("status = %q, want %q", got[1].Status, StatusSent)
	}
}

func TestMessageStore_ListByRoom_Empty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM messages").
		WithArgs("empty-room", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "room_id", "sender_id", "recipient_id", "content", "type", "status", "created_at", "expires_at",
		}))

	got, err := s.ListByRoom(context.Background(), "empty-room", 50, 0)
	if err != nil {
		t.Fatalf("ListByRoom: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestMessageStore_MarkRead(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE messages").
		WithArgs("room1", "sess-b").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.MarkRead(context.Background(), "room1", "sess-b")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}
}

func TestMessageStore_MarkRead_NothingUnread(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE messages").
		WithArgs("room1", "sess-b").
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := s.MarkRead(context.Background(), "room1", "sess-b")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestMessageStore_ScheduleExpiry(t *testing.T) {
	s, mock := newMockStore(t)
	deadline := time.Now().Add(12 * time.Hour)

	mock.ExpectExec("UPDATE messages SET expires_at").
		WithArgs("room1", deadline).
		WillReturnResult(sqlmock.NewResult(0, 5))

	if err := s.ScheduleExpiry(context.Background(), "room1", deadline); err != nil {
		t.Fatalf("ScheduleExpiry: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMessageStore_PurgeExpired(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM messages WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 7 {
		t.Errorf("purged = %d, want 7", n)
	}
}

func TestMessageStore_ExpiresAtRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	exp := time.Now().Add(time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "room_id", "sender_id", "recipient_id", "content", "type", "status", "created_at", "expires_at",
	}).AddRow("m1", "room1", "a", "b", "hi", "chat", StatusSent, time.Now(), exp)

	mock.ExpectQuery("SELECT (.+) FROM messages").
		WithArgs("room1", 1, 0).
		WillReturnRows(rows)

	got, err := s.ListByRoom(context.Background(), "room1", 1, 0)
	if err != nil {
		t.Fatalf("ListByRoom: %v", err)
	}
	want := sql.NullTime{Time: exp, Valid: true}
	if !got[0].ExpiresAt.Valid || !got[0].ExpiresAt.Time.Equal(want.Time) {
		t.Errorf("expires_at = %+v, want %+v", got[0].ExpiresAt, want)
	}
}
