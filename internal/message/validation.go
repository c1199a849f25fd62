package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/real-rm/chatrelay/internal/constants"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// DecodeInbound parses and validates a raw inbound frame, returning the
// sanitized message text. Any failure means the frame must be dropped without
// persistence or broadcast; the session stays open.
func DecodeInbound(raw []byte) (string, error) {
	var frame InboundFrame
	// No else needed: early return pattern (guard clause)
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", &ValidationError{Field: "message", Message: fmt.Sprintf("frame is not valid JSON: %v", err)}
	}

	// No else needed: early return pattern (guard clause)
	if frame.Message == nil {
		return "", &ValidationError{Field: "message", Message: "message field is required"}
	}

	content := Sanitize(*frame.Message)

	if content == "" {
		return "", &ValidationError{Field: "message", Message: "message cannot be empty"}
	}

	if len(content) > constants.MaxMessageLength {
		return "", &ValidationError{
			Field:   "message",
			Message: fmt.Sprintf("message exceeds maximum length of %d characters", constants.MaxMessageLength),
		}
	}

	return content, nil
}

// Sanitize removes null bytes and trims surrounding whitespace.
// HTML escaping is NOT applied here — it belongs at render time only.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}
