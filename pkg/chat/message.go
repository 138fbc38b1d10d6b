// Package chat holds the message model shared by the sync engine and the view.
package chat

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the local lifecycle state of a timeline entry.
type Status string

const (
	// StatusPending marks an optimistic entry not yet acknowledged by the server.
	StatusPending Status = "pending"
	// StatusConfirmed marks an entry delivered by the authoritative stream.
	StatusConfirmed Status = "confirmed"
	// StatusStale marks an entry whose edit was requested but not yet echoed.
	StatusStale Status = "stale"
	// StatusRemoved marks an entry whose deletion was requested but not yet echoed.
	StatusRemoved Status = "removed"
)

// ProvisionalPrefix namespaces client-generated ids so they can never
// collide with server-assigned ones.
const ProvisionalPrefix = "local-"

// Message is one entry of a conversation timeline.
type Message struct {
	ID          string
	Text        string
	CreatedAt   time.Time
	SenderID    string
	Attachments []string
	AvatarURL   string
	Status      Status

	// ClientID is the correlation token echoed by servers that support it.
	ClientID string

	// IsOwn is derived from SenderID by Own; never taken from the wire.
	IsOwn bool
}

// NewProvisionalID returns a fresh client-generated id.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.New().String()
}

// IsProvisionalID reports whether id was generated locally.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// IsProvisional reports whether the entry still carries a local id.
func (m Message) IsProvisional() bool {
	return IsProvisionalID(m.ID)
}

// Own returns a copy of m with IsOwn derived from the viewer's id.
func (m Message) Own(localUserID string) Message {
	m.IsOwn = localUserID != "" && m.SenderID == localUserID
	return m
}

// Clone returns a copy of m that shares no slices with the original.
func (m Message) Clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
	return m
}

// SameContent reports whether two messages carry the same body and attachments.
func (m Message) SameContent(o Message) bool {
	return m.Text == o.Text && slices.Equal(m.Attachments, o.Attachments)
}
