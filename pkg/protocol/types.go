// Package protocol defines the JSON frames exchanged with the chat server
// over the live connection.
//
// Server frames are decoded into explicit variants (NewMessage,
// UpdatedMessage, ...). Anything that does not match a known shape is
// reported as a *Error rather than coerced.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinyland-inc/chatline/pkg/chat"
)

// FrameType tags a server→client frame.
type FrameType string

const (
	TypeNewMessage     FrameType = "newMessage"
	TypeUpdatedMessage FrameType = "updatedMessage"
	TypeDeletedMessage FrameType = "deletedMessage"
	TypeAllMessages    FrameType = "allMessages"
	TypeContacts       FrameType = "contacts"
	TypeError          FrameType = "error"
)

// EventName tags a client→server frame.
type EventName string

const (
	EventSendMessage   EventName = "sendMessage"
	EventEditMessage   EventName = "editMessage"
	EventDeleteMessage EventName = "deleteMessage"
)

// Timestamp accepts RFC 3339 strings or Unix milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", str, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", s, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// WireMessage is the message object as it travels on the wire.
type WireMessage struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	CreatedAt   Timestamp `json:"created_at"`
	SenderID    string    `json:"sender_id"`
	Attachments []string  `json:"attachments,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	ClientID    string    `json:"client_id,omitempty"` // echoed correlation token, optional
}

// Message converts the wire shape into a confirmed timeline entry. IsOwn is
// derived from the sender; no ownership flag in the payload is consulted.
func (w WireMessage) Message(localUserID string) chat.Message {
	m := chat.Message{
		ID:          w.ID,
		Text:        w.Content,
		CreatedAt:   w.CreatedAt.Time,
		SenderID:    w.SenderID,
		Attachments: w.Attachments,
		AvatarURL:   w.AvatarURL,
		ClientID:    w.ClientID,
		Status:      chat.StatusConfirmed,
	}
	return m.Clone().Own(localUserID)
}

// Messages converts a list of wire messages, preserving order.
func Messages(list []WireMessage, localUserID string) []chat.Message {
	out := make([]chat.Message, 0, len(list))
	for _, w := range list {
		out = append(out, w.Message(localUserID))
	}
	return out
}

// Frame is a decoded server→client frame.
type Frame interface {
	Type() FrameType
}

type NewMessage struct {
	Message WireMessage
}

type UpdatedMessage struct {
	Message WireMessage
}

type DeletedMessage struct {
	ID string
}

type AllMessages struct {
	Messages []WireMessage
}

// Contacts is passed through undecoded; the contact list is not part of the
// conversation timeline.
type Contacts struct {
	Raw json.RawMessage
}

// ServerError is an application-level error reported by the server. The
// connection stays open.
type ServerError struct {
	Message string
}

func (NewMessage) Type() FrameType     { return TypeNewMessage }
func (UpdatedMessage) Type() FrameType { return TypeUpdatedMessage }
func (DeletedMessage) Type() FrameType { return TypeDeletedMessage }
func (AllMessages) Type() FrameType    { return TypeAllMessages }
func (Contacts) Type() FrameType       { return TypeContacts }
func (ServerError) Type() FrameType    { return TypeError }
