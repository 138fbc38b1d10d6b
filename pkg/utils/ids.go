package utils

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrInvalidID = errors.New("invalid id")

const maxIDLength = 128

// ValidateID checks that a user or peer id is non-empty, has no surrounding
// whitespace and does not contain path separators, ".." or control
// characters. Ids end up in URL query strings and upload form fields.
func ValidateID(kind, id string) error {
	if id == "" || strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s id is required", ErrInvalidID, kind)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %s id has surrounding whitespace", ErrInvalidID, kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: %s id is longer than %d bytes", ErrInvalidID, kind, maxIDLength)
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %s id must not contain path separators or '..'", ErrInvalidID, kind)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: %s id contains control characters", ErrInvalidID, kind)
	}
	return nil
}
