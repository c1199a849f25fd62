// Package errors provides error handling functionality for the chat relay.
// It defines error categories, error codes, and the RelayError type carried
// through connection setup and steady-state message handling.
package errors

import "fmt"

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents authentication and authorization errors
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents input validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryPersistence represents message store errors
	CategoryPersistence ErrorCategory = "persistence"
	// CategoryDelivery represents per-recipient fan-out errors
	CategoryDelivery ErrorCategory = "delivery"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Authentication errors
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Validation errors
	ErrCodeRoomResolution   ErrorCode = "ROOM_RESOLUTION_FAILED"
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"

	// Service errors
	ErrCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	ErrCodeDeliveryFailed    ErrorCode = "DELIVERY_FAILED"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// RelayError represents an application error with category and recoverability information.
// Recoverable errors drop the offending frame and keep the session alive; fatal
// errors close the connection.
type RelayError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error is fatal and requires connection closure
func (e *RelayError) IsFatal() bool {
	return !e.Recoverable
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, message string, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, message string, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewPersistenceError creates a new persistence error (recoverable; the frame
// is dropped and never broadcast)
func NewPersistenceError(message string, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryPersistence,
		Code:        ErrCodePersistenceFailed,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewDeliveryError creates a new delivery error (recoverable, isolated to one recipient)
func NewDeliveryError(message string, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryDelivery,
		Code:        ErrCodeDeliveryFailed,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, message string, retryAfter int, cause error) *RelayError {
	return &RelayError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     message,
		Recoverable: true,
		RetryAfter:  retryAfter,
		Cause:       cause,
	}
}

// Common error constructors for convenience

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *RelayError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrExpiredToken creates an expired token error
func ErrExpiredToken(cause error) *RelayError {
	return NewAuthError(ErrCodeExpiredToken, "Authentication token has expired", cause)
}

// ErrRoomResolution creates a room resolution error. It occurs at session-open
// time and is fatal: the connection must be refused, never left half-joined.
func ErrRoomResolution(cause error) *RelayError {
	return &RelayError{
		Category:    CategoryValidation,
		Code:        ErrCodeRoomResolution,
		Message:     "Could not resolve a room for the participant pair",
		Recoverable: false,
		Cause:       cause,
	}
}

// ErrMalformedPayload creates a malformed payload error. The frame is dropped
// and the session remains open.
func ErrMalformedPayload(details string, cause error) *RelayError {
	return NewValidationError(ErrCodeMalformedPayload,
		fmt.Sprintf("Malformed message frame: %s", details), cause)
}

// ErrPersistence creates a persistence error for a failed store append
func ErrPersistence(cause error) *RelayError {
	return NewPersistenceError("Message could not be persisted", cause)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *RelayError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many messages, please slow down", retryAfter, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded(retryAfter int) *RelayError {
	return NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please try again later", retryAfter, nil)
}
