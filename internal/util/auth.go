package util

import (
	"errors"
	"strings"
)

var (
	// ErrMissingAuthHeader is returned when the Authorization header is missing
	ErrMissingAuthHeader = errors.New("missing Authorization header")
	// ErrInvalidAuthHeader is returned when the Authorization header format is invalid
	ErrInvalidAuthHeader = errors.New("invalid Authorization header format")
)

// ExtractBearerToken extracts the JWT token from an Authorization header of
// the form "Bearer <token>".
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	const bearerPrefix = "Bearer "

	token, found := strings.CutPrefix(authHeader, bearerPrefix)
	if !found || token == "" {
		return "", ErrInvalidAuthHeader
	}

	return token, nil
}

// ContainsWeakPattern reports whether s contains any of the given weak
// patterns, case-insensitively. Used for JWT secret validation at startup.
func ContainsWeakPattern(s string, weakPatterns []string) (bool, string) {
	lowerS := strings.ToLower(s)
	for _, pattern := range weakPatterns {
		if strings.Contains(lowerS, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
