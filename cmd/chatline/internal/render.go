package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tinyland-inc/chatline/pkg/chat"
)

const shortIDLength = 8

// ShortID returns the prefix of id shown to the user. Provisional ids keep
// their prefix so they stay distinguishable.
func ShortID(id string) string {
	prefix := ""
	rest := id
	if chat.IsProvisionalID(id) {
		prefix = chat.ProvisionalPrefix
		rest = strings.TrimPrefix(id, chat.ProvisionalPrefix)
	}
	if len(rest) > shortIDLength {
		rest = rest[:shortIDLength]
	}
	return prefix + rest
}

// ClockTime formats t as local wall-clock time.
func ClockTime(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	return t.Local().Format("15:04")
}

// RelativeTime formats t relative to now, e.g. "3 minutes ago".
func RelativeTime(t time.Time) string {
	if t.IsZero() {
		return "unknown time"
	}
	return humanize.Time(t)
}

// FormatMessage renders one timeline entry on a single line.
func FormatMessage(m chat.Message, when string) string {
	who := m.SenderID
	if m.IsOwn {
		who = "you"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: %s", ShortID(m.ID), when, who, m.Text)
	for _, ref := range m.Attachments {
		fmt.Fprintf(&b, " 📎%s", chat.TruncateName(chat.AttachmentName(ref), chat.DefaultNameLength))
	}
	if mark := statusMark(m.Status); mark != "" {
		b.WriteString(" ")
		b.WriteString(mark)
	}
	return b.String()
}

func statusMark(s chat.Status) string {
	switch s {
	case chat.StatusPending:
		return "(sending)"
	case chat.StatusStale:
		return "(editing)"
	case chat.StatusRemoved:
		return "(deleting)"
	default:
		return ""
	}
}
