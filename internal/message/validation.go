package message

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

// Wire codes for frame validation failures
const (
	CodeInvalidJSON     = "invalid_json"
	CodeInvalidMessage  = "invalid_message"
	CodeMessageTooLarge = "message_too_large"
	CodeUnknownType     = "unknown_type"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Sanitize HTML-escapes content. Content that is empty after trimming, or
// longer than max characters, is rejected.
func Sanitize(content string, max int) (string, error) {
	content = strings.ReplaceAll(content, "\x00", "")
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ValidationError{Field: "content", Code: CodeInvalidMessage, Message: "content is empty"}
	}
	if n := utf8.RuneCountInString(content); max > 0 && n > max {
		return "", &ValidationError{
			Field:   "content",
			Code:    CodeMessageTooLarge,
			Message: fmt.Sprintf("message of %d characters exceeds maximum of %d", n, max),
		}
	}

	return html.EscapeString(content), nil
}

// SanitizeDisplayName cleans a visitor supplied name, falling back to def
// when nothing usable remains.
func SanitizeDisplayName(name string, max int, def string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimSpace(truncateRunes(strings.TrimSpace(name), max))
	if name == "" {
		return def
	}
	return html.EscapeString(name)
}

// CheckFrameSize rejects raw frames larger than max bytes
func CheckFrameSize(data []byte, max int) error {
	if max > 0 && len(data) > max {
		return &ValidationError{
			Field:   "frame",
			Code:    CodeMessageTooLarge,
			Message: fmt.Sprintf("frame of %d bytes exceeds maximum of %d bytes", len(data), max),
		}
	}
	return nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
