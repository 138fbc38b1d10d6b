// Package timeline reconciles the ordered message list of one conversation.
//
// The authoritative stream (server frames and the history load) and locally
// created optimistic entries are merged into a single list with unique ids.
// Order is insertion order: authoritative events are applied as they arrive
// and optimistic entries are appended. A Timeline is not safe for concurrent
// use; its owner serializes every call.
package timeline

import (
	"errors"
	"time"

	"github.com/tinyland-inc/chatline/pkg/chat"
	"github.com/tinyland-inc/chatline/pkg/protocol"
)

// DefaultMatchWindow bounds how far apart a pending entry and an echo
// without a correlation token may be and still be paired.
const DefaultMatchWindow = 30 * time.Second

// ErrNotProvisional is returned by InsertPending for ids outside the
// provisional namespace.
var ErrNotProvisional = errors.New("pending entry must carry a provisional id")

// Change reports what a mutation did.
type Change int

const (
	ChangeNone Change = iota
	ChangeAppended
	ChangeReplaced
	// ChangeConfirmed means a pending entry was reconciled with its echo.
	ChangeConfirmed
	ChangeRemoved
	ChangeReset
)

func (c Change) String() string {
	switch c {
	case ChangeNone:
		return "none"
	case ChangeAppended:
		return "appended"
	case ChangeReplaced:
		return "replaced"
	case ChangeConfirmed:
		return "confirmed"
	case ChangeRemoved:
		return "removed"
	case ChangeReset:
		return "reset"
	default:
		return "unknown"
	}
}

type Option func(*Timeline)

func WithMatchWindow(d time.Duration) Option {
	return func(t *Timeline) {
		if d > 0 {
			t.matchWindow = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Timeline) {
		if now != nil {
			t.now = now
		}
	}
}

type Timeline struct {
	localUserID string
	entries     []chat.Message
	index       map[string]int

	matchWindow time.Duration
	now         func() time.Time
}

func New(localUserID string, opts ...Option) *Timeline {
	t := &Timeline{
		localUserID: localUserID,
		index:       make(map[string]int),
		matchWindow: DefaultMatchWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply dispatches a decoded server frame. Frames that do not touch the
// timeline return ChangeNone.
func (t *Timeline) Apply(f protocol.Frame) Change {
	switch f := f.(type) {
	case protocol.NewMessage:
		return t.NewMessage(f.Message.Message(t.localUserID))
	case protocol.UpdatedMessage:
		return t.UpdatedMessage(f.Message.Message(t.localUserID))
	case protocol.DeletedMessage:
		return t.DeletedMessage(f.ID)
	case protocol.AllMessages:
		return t.BulkReplace(protocol.Messages(f.Messages, t.localUserID))
	default:
		return ChangeNone
	}
}

// NewMessage appends m, or updates in place when its id is already present.
// An echo of a pending send replaces the pending entry at its position.
func (t *Timeline) NewMessage(m chat.Message) Change {
	m = t.confirmed(m)

	if i, ok := t.index[m.ID]; ok {
		switch t.entries[i].Status {
		case chat.StatusStale, chat.StatusRemoved:
			m.Status = t.entries[i].Status
		}
		t.entries[i] = m
		return ChangeReplaced
	}

	if i := t.matchPending(m); i >= 0 {
		delete(t.index, t.entries[i].ID)
		t.entries[i] = m
		t.index[m.ID] = i
		return ChangeConfirmed
	}

	t.append(m)
	return ChangeAppended
}

// UpdatedMessage replaces the entry with the same id in place. Unknown ids
// are appended. Attachments are fixed once a message exists, so the entry's
// own list is kept whatever the update carries.
func (t *Timeline) UpdatedMessage(m chat.Message) Change {
	m = t.confirmed(m)

	i, ok := t.index[m.ID]
	if !ok {
		t.append(m)
		return ChangeAppended
	}
	m.Attachments = t.entries[i].Clone().Attachments
	if t.entries[i].Status == chat.StatusRemoved {
		m.Status = chat.StatusRemoved
	}
	t.entries[i] = m
	return ChangeReplaced
}

// DeletedMessage removes the entry with id. Unknown ids are a no-op.
func (t *Timeline) DeletedMessage(id string) Change {
	i, ok := t.index[id]
	if !ok {
		return ChangeNone
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.reindex()
	return ChangeRemoved
}

// BulkReplace installs list as the authoritative baseline. Pending entries
// whose echo is not part of list are kept after it.
func (t *Timeline) BulkReplace(list []chat.Message) Change {
	t.rebase(list, false)
	return ChangeReset
}

// Seed installs a history load result as the baseline. Entries that
// arrived live before the load completed, and are missing from it, are kept
// after the baseline in their original order, as are unmatched pending
// entries.
func (t *Timeline) Seed(list []chat.Message) Change {
	t.rebase(list, true)
	return ChangeReset
}

// InsertPending appends an optimistic entry. Inserting the same provisional
// id again replaces the earlier entry.
func (t *Timeline) InsertPending(m chat.Message) error {
	if !m.IsProvisional() {
		return ErrNotProvisional
	}
	m = m.Clone().Own(t.localUserID)
	m.Status = chat.StatusPending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	if i, ok := t.index[m.ID]; ok {
		t.entries[i] = m
		return nil
	}
	t.append(m)
	return nil
}

// MarkStale flags a confirmed entry whose edit has been requested.
func (t *Timeline) MarkStale(id string) bool {
	return t.mark(id, chat.StatusStale)
}

// MarkRemoved flags a confirmed entry whose deletion has been requested.
func (t *Timeline) MarkRemoved(id string) bool {
	return t.mark(id, chat.StatusRemoved)
}

func (t *Timeline) Get(id string) (chat.Message, bool) {
	i, ok := t.index[id]
	if !ok {
		return chat.Message{}, false
	}
	return t.entries[i].Clone(), true
}

// Snapshot returns a copy of the timeline in display order.
func (t *Timeline) Snapshot() []chat.Message {
	out := make([]chat.Message, len(t.entries))
	for i, m := range t.entries {
		out[i] = m.Clone()
	}
	return out
}

// Pending returns the entries still awaiting their echo.
func (t *Timeline) Pending() []chat.Message {
	var out []chat.Message
	for _, m := range t.entries {
		if m.Status == chat.StatusPending {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (t *Timeline) Len() int { return len(t.entries) }

// Mark flags a confirmed entry with status. Pending entries cannot be marked.
func (t *Timeline) Mark(id string, status chat.Status) bool {
	return t.mark(id, status)
}

// ClearMark returns an entry flagged with status to confirmed. It reports
// false when the entry is gone or no longer carries that flag.
func (t *Timeline) ClearMark(id string, status chat.Status) bool {
	i, ok := t.index[id]
	if !ok || t.entries[i].Status != status {
		return false
	}
	t.entries[i].Status = chat.StatusConfirmed
	return true
}

func (t *Timeline) mark(id string, status chat.Status) bool {
	i, ok := t.index[id]
	if !ok || t.entries[i].Status == chat.StatusPending {
		return false
	}
	t.entries[i].Status = status
	return true
}

func (t *Timeline) confirmed(m chat.Message) chat.Message {
	m = m.Clone().Own(t.localUserID)
	m.Status = chat.StatusConfirmed
	return m
}

func (t *Timeline) append(m chat.Message) {
	t.index[m.ID] = len(t.entries)
	t.entries = append(t.entries, m)
}

func (t *Timeline) reindex() {
	clear(t.index)
	for i, m := range t.entries {
		t.index[m.ID] = i
	}
}

func (t *Timeline) rebase(list []chat.Message, keepLive bool) {
	old := t.entries
	t.entries = make([]chat.Message, 0, len(list)+len(old))
	clear(t.index)

	for _, m := range list {
		m = t.confirmed(m)
		if i, ok := t.index[m.ID]; ok {
			t.entries[i] = m
			continue
		}
		t.append(m)
	}
	baseline := len(t.entries)

	claimed := make(map[int]bool)
	for _, prev := range old {
		switch {
		case prev.Status == chat.StatusPending:
			if i := t.matchEcho(prev, baseline, claimed); i >= 0 {
				claimed[i] = true
				continue
			}
			t.append(prev)
		case t.has(prev.ID):
			i := t.index[prev.ID]
			if i < baseline && (prev.Status == chat.StatusStale || prev.Status == chat.StatusRemoved) {
				t.entries[i].Status = prev.Status
			}
		case keepLive:
			t.append(prev)
		}
	}
}

func (t *Timeline) has(id string) bool {
	_, ok := t.index[id]
	return ok
}

// matchPending finds the pending entry that m is the echo of, or -1.
func (t *Timeline) matchPending(m chat.Message) int {
	if m.ClientID != "" {
		if i, ok := t.index[m.ClientID]; ok && t.entries[i].Status == chat.StatusPending {
			return i
		}
		return -1
	}
	for i, p := range t.entries {
		if t.heuristicMatch(p, m) {
			return i
		}
	}
	return -1
}

// matchEcho finds the baseline entry (index < limit) that confirms pending
// entry p, or -1.
func (t *Timeline) matchEcho(p chat.Message, limit int, claimed map[int]bool) int {
	for i := 0; i < limit; i++ {
		if claimed[i] {
			continue
		}
		m := t.entries[i]
		if m.ClientID != "" {
			if m.ClientID == p.ID {
				return i
			}
			continue
		}
		if t.heuristicMatch(p, m) {
			return i
		}
	}
	return -1
}

func (t *Timeline) heuristicMatch(p, m chat.Message) bool {
	if p.Status != chat.StatusPending || !p.IsProvisional() {
		return false
	}
	if p.SenderID != m.SenderID || !p.SameContent(m) {
		return false
	}
	if p.CreatedAt.IsZero() || m.CreatedAt.IsZero() {
		return true
	}
	d := m.CreatedAt.Sub(p.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= t.matchWindow
}
