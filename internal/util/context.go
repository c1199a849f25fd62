// Package util provides small helpers shared across the relay packages.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// contextKey is an unexported type for context keys in this package.
type contextKey string

// requestIDKey is the context key for per-request correlation IDs.
const requestIDKey contextKey = "request_id"

// NewTimeoutContext creates a context with the given timeout rooted at
// context.Background(). Use it for store operations that run outside an
// HTTP request lifecycle.
//
// Example:
//
//	ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
//	defer cancel()
func NewTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// WithRequestID creates a child context carrying a fresh correlation ID.
func WithRequestID(parent context.Context) context.Context {
	return context.WithValue(parent, requestIDKey, newRequestID())
}

// RequestIDFromContext extracts the correlation ID from the context.
// Returns empty string if none is set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// newRequestID creates a cryptographically random 16-byte hex ID.
func newRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Should never happen in practice.
		return "00000000000000000000000000000000"
	}
	return hex.EncodeToString(b)
}
