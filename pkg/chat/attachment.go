package chat

import (
	"net/url"
	"path"
	"strings"
)

// DefaultNameLength is the display width used by TruncateName callers that
// have no preference.
const DefaultNameLength = 20

// AttachmentName returns the file name encoded in an attachment URL: the last
// path segment, URL-decoded. It falls back to "File".
func AttachmentName(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.EscapedPath()
	}
	p = strings.TrimRight(p, "/")
	base := path.Base(p)
	if base == "." || base == "/" || base == "" {
		return "File"
	}
	name, err := url.PathUnescape(base)
	if err != nil || name == "" {
		return "File"
	}
	return name
}

// TruncateName shortens name to at most limit runes, ending in "..." when cut.
func TruncateName(name string, limit int) string {
	if limit <= 0 {
		limit = DefaultNameLength
	}
	r := []rune(name)
	if len(r) <= limit {
		return name
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
