// Package room derives the canonical room identity for a pair of participants.
// The resolver is a pure function: the same unordered pair always maps to the
// same key, and distinct pairs never collide.
package room

import (
	"errors"
	"fmt"
	"strings"

	"github.com/real-rm/chatrelay/internal/constants"
)

var (
	// ErrEmptyIdentifier is returned when either participant identifier is empty
	ErrEmptyIdentifier = errors.New("participant identifier cannot be empty")
	// ErrReservedSeparator is returned when an identifier contains the reserved separator
	ErrReservedSeparator = errors.New("participant identifier contains reserved separator")
	// ErrIdentifierTooLong is returned when an identifier exceeds the maximum length
	ErrIdentifierTooLong = errors.New("participant identifier exceeds maximum length")
)

// Key is the canonical identifier for a two-party room.
type Key string

// String returns the key as a plain string.
func (k Key) String() string {
	return string(k)
}

// Resolve maps the unordered pair (a, b) to its canonical room key by sorting
// the identifiers lexicographically and joining them with a reserved separator:
//
//	Resolve("bob", "alice") == Resolve("alice", "bob") == "chat:alice|bob"
//
// The separator is rejected inside identifiers, which makes the mapping
// injective over unordered pairs. Resolve has no side effects.
func Resolve(a, b string) (Key, error) {
	// No else needed: early return pattern (guard clause)
	if err := validateIdentifier(a); err != nil {
		return "", fmt.Errorf("participant %q: %w", a, err)
	}
	// No else needed: early return pattern (guard clause)
	if err := validateIdentifier(b); err != nil {
		return "", fmt.Errorf("participant %q: %w", b, err)
	}

	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}

	return Key(constants.RoomKeyPrefix + lo + constants.RoomKeySeparator + hi), nil
}

// validateIdentifier checks that an identifier is usable as half of a room key.
func validateIdentifier(id string) error {
	if id == "" {
		return ErrEmptyIdentifier
	}
	if strings.Contains(id, constants.RoomKeySeparator) {
		return ErrReservedSeparator
	}
	if len(id) > constants.MaxIdentifierLength {
		return ErrIdentifierTooLong
	}
	return nil
}
