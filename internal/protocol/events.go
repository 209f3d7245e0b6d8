// Package protocol defines the WebSocket event types and payload structures
// exchanged between the client and the coordination core. Every frame is a
// JSON envelope with an "event" discriminator and an optional "data" object
// whose shape depends on the event.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventUserJoin         = "user-join"
	EventJoinQueue        = "join-queue"
	EventLeaveQueue       = "leave-queue"
	EventSkipUser         = "skip-user"
	EventSendMessage      = "send-message"
	EventGetMessages      = "get-messages"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventMarkMessagesRead = "mark-messages-read"
	EventReportUser       = "report-user"
	EventDisconnectChat   = "disconnect-chat"
	EventWebRTCOffer      = "webrtc-offer"
	EventWebRTCAnswer     = "webrtc-answer"
	EventWebRTCICE        = "webrtc-ice-candidate"
	EventPong             = "pong"
)

// Server -> Client events.
const (
	EventSessionConfirmed     = "session-confirmed"
	EventReconnectSuccess     = "reconnect-success"
	EventQueueStatus          = "queue-status"
	EventMatchFound           = "match-found"
	EventPartnerTyping        = "partner-typing"
	EventMessageSent          = "message-sent"
	EventMessageReceived      = "message-received"
	EventMessagesLoaded       = "messages-loaded"
	EventMessagesMarkedRead   = "messages-marked-read"
	EventMessagesReadByOther  = "messages-read-by-partner"
	EventMessageBlocked       = "message-blocked"
	EventModerationWarning    = "moderation-warning"
	EventModerationKick       = "moderation-kick"
	EventMessageError         = "message-error"
	EventMessagesError        = "messages-error"
	EventError                = "error"
	EventPartnerDisconnected  = "partner-disconnected"
	EventPartnerReconnected   = "partner-reconnected"
	EventSkipConfirmed        = "skip-confirmed"
	EventReportSubmitted      = "report-submitted"
	EventPing                 = "ping"
)

// Chat modes.
const (
	ModeText  = "text"
	ModeVideo = "video"
)

// Disconnect reasons carried by partner-disconnected.
const (
	ReasonLeft    = "left"
	ReasonSkipped = "skipped"
	ReasonTimeout = "timeout"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame of every message: an event name plus the raw
// payload bytes, decoded later into the event-specific struct.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes raw frame bytes into an Envelope. An empty or missing
// event name is an error; a missing data object is not.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	return env, nil
}

// Decode unmarshals the envelope payload into dst. A nil payload decodes to
// the zero value so events without data (leave-queue, pong, ...) are valid.
func (e Envelope) Decode(dst interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", e.Event, err)
	}
	return nil
}

// NewServerEvent builds the JSON bytes for an outbound event. The payload may
// be nil for events that carry no data (ping, skip-confirmed).
func NewServerEvent(event string, payload interface{}) ([]byte, error) {
	env := struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data,omitempty"`
	}{Event: event, Data: payload}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q event: %w", event, err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// UserJoin binds a client-supplied session identity to the connection.
type UserJoin struct {
	SessionID string   `json:"sessionId"`
	Interests []string `json:"interests,omitempty"`
	Mode      string   `json:"mode,omitempty"`
}

// JoinQueue enters the matching queue for the given mode.
type JoinQueue struct {
	Interests []string `json:"interests"`
	Mode      string   `json:"mode"`
}

// SendMessage carries one chat message toward the partner.
type SendMessage struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// GetMessages requests a page of the pair's stored history.
type GetMessages struct {
	Limit int `json:"limit,omitempty"`
	Skip  int `json:"skip,omitempty"`
}

// ReportUser files an abuse report against the partner.
type ReportUser struct {
	ReportedUserID string `json:"reportedUserId"`
	Reason         string `json:"reason"`
}

// Signal wraps the opaque WebRTC payloads. Exactly one field is set
// depending on the event name.
type Signal struct {
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionConfirmed acknowledges a user-join.
type SessionConfirmed struct {
	SessionID string `json:"sessionId"`
}

// ReconnectSuccess acknowledges a user-join that restored a pair in grace.
type ReconnectSuccess struct {
	MatchRestored bool   `json:"matchRestored"`
	RoomID        string `json:"roomId"`
	PartnerID     string `json:"partnerId"`
}

// QueueStatus reports the caller's position in the waiting queue.
type QueueStatus struct {
	Position      int    `json:"position"`
	EstimatedWait int    `json:"estimatedWait"`
	Message       string `json:"message"`
}

// MatchFound notifies a queue member that a pair was created.
type MatchFound struct {
	PartnerID       string   `json:"partnerId"`
	CommonInterests []string `json:"commonInterests"`
	Mode            string   `json:"mode"`
	SendOffer       bool     `json:"sendOffer"`
	RoomID          string   `json:"roomId"`
}

// PartnerTyping relays the partner's typing state.
type PartnerTyping struct {
	Typing bool `json:"typing"`
}

// ChatMessage is the stored message in its wire form, used by message-sent,
// message-received and messages-loaded.
type ChatMessage struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// MessagesLoaded is the reply to get-messages.
type MessagesLoaded struct {
	Messages []ChatMessage `json:"messages"`
	RoomID   string        `json:"roomId"`
}

// MessagesMarkedRead acknowledges mark-messages-read to the caller.
type MessagesMarkedRead struct {
	Count  int64  `json:"count"`
	RoomID string `json:"roomId"`
}

// MessagesReadByPartner tells the sender their messages were read.
type MessagesReadByPartner struct {
	ReadBy string `json:"readBy"`
	Count  int64  `json:"count"`
}

// MessageBlocked is returned to the sender of a moderated message.
type MessageBlocked struct {
	Reason     string   `json:"reason"`
	Categories []string `json:"categories"`
	Action     string   `json:"action"`
}

// ModerationWarning escalates after repeat violations.
type ModerationWarning struct {
	Message   string `json:"message"`
	FlagCount int    `json:"flagCount"`
}

// ModerationKick precedes forcible connection termination.
type ModerationKick struct {
	Message string `json:"message"`
}

// ErrorPayload is the generic error/message-error/messages-error body.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PartnerDisconnected notifies the retained member that the pair ended.
type PartnerDisconnected struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// PartnerReconnected notifies the retained member that the absent member
// returned within the grace window.
type PartnerReconnected struct {
	PartnerID string `json:"partnerId"`
	RoomID    string `json:"roomId"`
}

// ReportSubmitted acknowledges report-user.
type ReportSubmitted struct {
	Success  bool   `json:"success"`
	ReportID string `json:"reportId"`
	Message  string `json:"message"`
}

// RelayedSignal is a WebRTC frame forwarded to the partner with the sender's
// session id attached. The opaque payload is echoed under its original key.
type RelayedSignal struct {
	From      string          `json:"from"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
