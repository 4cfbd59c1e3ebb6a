package content

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"privchat/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

const MaxMessageLength = 4000

var (
	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ErrUnsafeMarkup rejects message content the sanitizer would have rewritten.
var ErrUnsafeMarkup = errors.New("message contains unsafe markup")

// Sanitize removes unsafe HTML from the input string.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Message validates the content of a private message for storage. The only
// change made is trimming surrounding whitespace, so the stored text is what
// the sender composed. Content with markup the sanitizer would strip is
// rejected with ErrUnsafeMarkup instead of being rewritten.
func Message(input string) (string, error) {
	out := strings.TrimSpace(input)
	if out == "" {
		return "", models.ErrEmptyMessage
	}
	if utf8.RuneCountInString(out) > MaxMessageLength {
		return "", fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	}
	if html.UnescapeString(Sanitize(out)) != out {
		return "", ErrUnsafeMarkup
	}
	return out, nil
}

// PlainText strips all markup. Profile fields are never rendered as HTML.
func PlainText(input string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(input))
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
