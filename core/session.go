package core

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const maxTokenLength = 4096

// validateToken checks the update token is a non-empty run of printable,
// non-space ASCII characters.
func validateToken(token string) error {
	if token == "" || len(token) > maxTokenLength {
		return ErrInvalidToken
	}
	for i := 0; i < len(token); i++ {
		if token[i] <= ' ' || token[i] > '~' {
			return ErrInvalidToken
		}
	}
	return nil
}

// NewSession builds a session for token obtained at now. The release service
// may hand out JWTs; their exp claim is honored but the signature is not
// checked here, the service does that on every request. Anything else is an
// opaque token that lives for lifetime.
func NewSession(token, correlationID string, now time.Time, lifetime time.Duration) (*Session, error) {
	if err := validateToken(token); err != nil {
		return nil, err
	}

	expiresAt := now.Add(lifetime)
	if exp, ok := tokenExpiry(token); ok {
		if !now.Before(exp) {
			return nil, ErrExpiredToken
		}
		if exp.Before(expiresAt) {
			expiresAt = exp
		}
	}

	return &Session{
		Token:       token,
		ObtainedAt:  now,
		ExpiresAt:   expiresAt,
		Correlation: Fingerprint(correlationID),
	}, nil
}

func tokenExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
