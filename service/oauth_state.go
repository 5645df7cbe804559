// ABOUTME: This file implements the signed state parameter for the authorization flow
// ABOUTME: State is a short-lived HS256 JWT so the callback can verify it statelessly

package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidState indicates a missing, tampered, or expired state parameter.
var ErrInvalidState = errors.New("invalid or expired OAuth state")

// StateSigner issues and verifies the state parameter carried through the
// authorization redirect. Verification needs no server-side storage.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer with the given HMAC secret. The ttl bounds
// how long a login redirect stays redeemable.
func NewStateSigner(secret []byte, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &StateSigner{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue returns a fresh signed state value.
func (s *StateSigner) Issue() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign OAuth state: %w", err)
	}
	return signed, nil
}

// Verify checks the state value returned on the callback.
func (s *StateSigner) Verify(state string) error {
	if state == "" {
		return ErrInvalidState
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	token, err := parser.ParseWithClaims(state, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidState
	}
	return nil
}
