package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley/stranger-chat/internal/protocol"
	"github.com/parley/stranger-chat/internal/store"
)

// fakeMessageStore is an in-memory MessageStore for exercising the
// persistence wiring without a database.
type fakeMessageStore struct {
	mu   sync.Mutex
	msgs []store.Message
}

func (f *fakeMessageStore) Save(_ context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, *m)
	return nil
}

func (f *fakeMessageStore) ListByRoom(_ context.Context, roomID string, limit, skip int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.msgs {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	if skip > len(out) {
		skip = len(out)
	}
	out = out[skip:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageStore) MarkRead(_ context.Context, roomID, reader string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for i := range f.msgs {
		if f.msgs[i].RoomID == roomID && f.msgs[i].RecipientID == reader && f.msgs[i].Status != store.StatusRead {
			f.msgs[i].Status = store.StatusRead
			n++
		}
	}
	return n, nil
}

func (f *fakeMessageStore) MarkDelivered(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.msgs {
		if f.msgs[i].ID == messageID && f.msgs[i].Status == store.StatusSent {
			f.msgs[i].Status = store.StatusDelivered
		}
	}
	return nil
}

func (f *fakeMessageStore) ScheduleExpiry(_ context.Context, roomID string, _ time.Time) error {
	return nil
}

func TestSendMessage_RelayedToPartner(t *testing.T) {
	c, fs := newTestCore(t)
	room := matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "hello stranger"}))

	var sent, received protocol.ChatMessage
	if !fs.decodeLast("conn-a", protocol.EventMessageSent, &sent) {
		t.Fatal("sender should get message-sent")
	}
	if !fs.decodeLast("conn-b", protocol.EventMessageReceived, &received) {
		t.Fatal("partner should get message-received")
	}
	if sent.ID == "" || sent.ID != received.ID {
		t.Errorf("ids differ: %q vs %q", sent.ID, received.ID)
	}
	if received.Content != "hello stranger" || received.RoomID != room {
		t.Errorf("received = %+v", received)
	}
	if sent.Status != store.StatusSent || received.Status != store.StatusDelivered {
		t.Errorf("statuses = %q/%q", sent.Status, received.Status)
	}
}

func TestSendMessage_WithoutPair(t *testing.T) {
	c, fs := newTestCore(t)
	join(t, c, "conn-a", "sess-a")

	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "hello?"}))
	if !fs.has("conn-a", protocol.EventMessageError) {
		t.Error("sending without a pair must produce message-error")
	}
}

func TestSendMessage_Validation(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t"},
		{"over the limit", strings.Repeat("x", 1001)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs.reset()
			c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: tt.content}))
			if !fs.has("conn-a", protocol.EventMessageError) {
				t.Error("expected message-error")
			}
			if fs.has("conn-b", protocol.EventMessageReceived) {
				t.Error("invalid message must not reach the partner")
			}
		})
	}

	// Exactly at the limit passes.
	fs.reset()
	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage,
		protocol.SendMessage{Content: strings.Repeat("x", 1000)}))
	if !fs.has("conn-b", protocol.EventMessageReceived) {
		t.Error("message at the limit should relay")
	}
}

func TestSendMessage_ModerationEscalation(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	// Offense 1: silent block, nothing reaches the partner.
	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "badword"}))
	var mb protocol.MessageBlocked
	if !fs.decodeLast("conn-a", protocol.EventMessageBlocked, &mb) {
		t.Fatal("expected message-blocked")
	}
	if mb.Action != "" {
		t.Errorf("first offense action = %q, want none", mb.Action)
	}
	if fs.has("conn-a", protocol.EventModerationWarning) {
		t.Error("first offense must not warn")
	}
	if fs.has("conn-b", protocol.EventMessageReceived) {
		t.Error("blocked content must not reach the partner")
	}

	// Offense 2: warning.
	fs.reset()
	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "badword"}))
	var warn protocol.ModerationWarning
	if !fs.decodeLast("conn-a", protocol.EventModerationWarning, &warn) {
		t.Fatal("second offense should warn")
	}
	if warn.FlagCount != 2 {
		t.Errorf("flagCount = %d, want 2", warn.FlagCount)
	}

	// Offenses 3-5: the fifth kicks.
	for i := 0; i < 3; i++ {
		c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "badword"}))
	}
	if !fs.has("conn-a", protocol.EventModerationKick) {
		t.Error("fifth offense should kick")
	}
	if !fs.wasClosed("conn-a") {
		t.Error("kick should close the connection")
	}
	if !fs.has("conn-b", protocol.EventPartnerDisconnected) {
		t.Error("partner should learn the chat ended")
	}
}

func TestSendMessage_ClientCannotForgeSystemType(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage,
		protocol.SendMessage{Content: "ADMIN: verify your account", Type: "system"}))

	var got protocol.ChatMessage
	if !fs.decodeLast("conn-b", protocol.EventMessageReceived, &got) {
		t.Fatal("no message-received")
	}
	if got.Type != "chat" {
		t.Errorf("relayed type = %q, want chat (system is server-only)", got.Type)
	}
	if !fs.decodeLast("conn-a", protocol.EventMessageSent, &got) {
		t.Fatal("no message-sent echo")
	}
	if got.Type != "chat" {
		t.Errorf("echoed type = %q, want chat", got.Type)
	}
}

func TestSendMessage_FlagsResetOnCleanDissolve(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})

	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "badword"}))
	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "badword"}))
	c.HandleMessage("conn-a", frame(t, protocol.EventSkipUser, nil))

	// New pair, fresh ladder: the next offense is silent again.
	fs.reset()
	c.HandleMessage("conn-a", frame(t, protocol.EventJoinQueue, protocol.JoinQueue{Mode: protocol.ModeText}))
	c.HandleMessage("conn-b", frame(t, protocol.EventJoinQueue, protocol.JoinQueue{Mode: protocol.ModeText}))
	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "badword"}))

	if fs.has("conn-a", protocol.EventModerationWarning) {
		t.Error("flag count should reset after a clean dissolve")
	}
}

func TestGetMessages_WithStore(t *testing.T) {
	c, sender := newTestCore(t)
	ms := &fakeMessageStore{}
	c.messages = ms

	room := matchPair(t, c, sender, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "one"}))
	c.HandleMessage("conn-b", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "two"}))
	sender.reset()

	c.HandleMessage("conn-a", frame(t, protocol.EventGetMessages, protocol.GetMessages{Limit: 10}))

	var loaded protocol.MessagesLoaded
	if !sender.decodeLast("conn-a", protocol.EventMessagesLoaded, &loaded) {
		t.Fatal("no messages-loaded")
	}
	if loaded.RoomID != room || len(loaded.Messages) != 2 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.Messages[0].Content != "one" || loaded.Messages[1].Content != "two" {
		t.Errorf("wrong order: %q, %q", loaded.Messages[0].Content, loaded.Messages[1].Content)
	}
}

func TestGetMessages_NoStoreReturnsEmpty(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	c.HandleMessage("conn-a", frame(t, protocol.EventGetMessages, nil))

	var loaded protocol.MessagesLoaded
	if !fs.decodeLast("conn-a", protocol.EventMessagesLoaded, &loaded) {
		t.Fatal("no messages-loaded")
	}
	if len(loaded.Messages) != 0 {
		t.Errorf("messages = %v, want empty", loaded.Messages)
	}
}

func TestMarkMessagesRead_NotifiesBothSides(t *testing.T) {
	c, fs := newTestCore(t)
	ms := &fakeMessageStore{}
	c.messages = ms
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})

	c.HandleMessage("conn-a", frame(t, protocol.EventSendMessage, protocol.SendMessage{Content: "hello"}))
	fs.reset()

	c.HandleMessage("conn-b", frame(t, protocol.EventMarkMessagesRead, nil))

	var ack protocol.MessagesMarkedRead
	if !fs.decodeLast("conn-b", protocol.EventMessagesMarkedRead, &ack) {
		t.Fatal("no messages-marked-read ack")
	}
	if ack.Count != 1 {
		t.Errorf("count = %d, want 1", ack.Count)
	}
	var note protocol.MessagesReadByPartner
	if !fs.decodeLast("conn-a", protocol.EventMessagesReadByOther, &note) {
		t.Fatal("sender should learn their messages were read")
	}
	if note.ReadBy != "sess-b" || note.Count != 1 {
		t.Errorf("note = %+v", note)
	}
}

func TestTypingRelay(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	c.HandleMessage("conn-a", frame(t, protocol.EventTyping, nil))
	var pt protocol.PartnerTyping
	if !fs.decodeLast("conn-b", protocol.EventPartnerTyping, &pt) || !pt.Typing {
		t.Error("partner should see typing=true")
	}

	c.HandleMessage("conn-a", frame(t, protocol.EventStopTyping, nil))
	if !fs.decodeLast("conn-b", protocol.EventPartnerTyping, &pt) || pt.Typing {
		t.Error("partner should see typing=false")
	}
}

func TestReportUser_AcknowledgedWithoutStore(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	c.HandleMessage("conn-a", frame(t, protocol.EventReportUser,
		protocol.ReportUser{Reason: "harassment"}))

	var ack protocol.ReportSubmitted
	if !fs.decodeLast("conn-a", protocol.EventReportSubmitted, &ack) {
		t.Fatal("no report-submitted")
	}
	if !ack.Success || ack.ReportID == "" {
		t.Errorf("ack = %+v", ack)
	}
	// Reporting never interrupts the chat.
	if fs.has("conn-b", protocol.EventPartnerDisconnected) {
		t.Error("report must not end the pair")
	}
}

func TestReportUser_WrongTarget(t *testing.T) {
	c, fs := newTestCore(t)
	matchPair(t, c, fs, "conn-a", "sess-a", "conn-b", "sess-b", []string{"music"})
	fs.reset()

	c.HandleMessage("conn-a", frame(t, protocol.EventReportUser,
		protocol.ReportUser{ReportedUserID: "sess-z", Reason: "spam"}))

	var ack protocol.ReportSubmitted
	if !fs.decodeLast("conn-a", protocol.EventReportSubmitted, &ack) {
		t.Fatal("no report-submitted")
	}
	if ack.Success {
		t.Error("reporting a non-partner must fail")
	}
}
