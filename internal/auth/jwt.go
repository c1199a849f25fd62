// Package auth validates the JWT bearer tokens that identify relay
// participants. The token's user_id claim becomes the authenticated sender
// for the whole connection; clients never name themselves in frames.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaims is returned when required claims are missing
	ErrMissingClaims = errors.New("missing required claims")
)

// Claims represents the identity extracted from a validated token.
type Claims struct {
	// UserID is the participant identifier used for rooms and persistence.
	UserID string
	// DisplayName is informational only; defaults to UserID when absent.
	DisplayName string
}

// JWTValidator validates HMAC-signed JWT tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator with the given signing secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{
		secret: []byte(secret),
	}
}

// ValidateToken verifies the token signature and expiry and extracts the
// participant identity. Only HMAC signing methods are accepted; a token
// signed with anything else is rejected regardless of its validity.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// No else needed: early return pattern (guard clause)
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method: %v", ErrInvalidSignature, token.Header["alg"])
		}
		return v.secret, nil
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// No else needed: early return pattern (guard clause)
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	// No else needed: early return pattern (guard clause)
	if !ok {
		return nil, fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}

	userID, ok := mapClaims["user_id"].(string)
	// No else needed: early return pattern (guard clause)
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: user_id claim missing or invalid", ErrMissingClaims)
	}

	displayName, _ := mapClaims["name"].(string)
	// No else needed: optional operation (set default value)
	if displayName == "" {
		displayName = userID
	}

	return &Claims{
		UserID:      userID,
		DisplayName: displayName,
	}, nil
}
