// ABOUTME: Tests for OAuth2 token expiry math and token response conversion
// ABOUTME: Covers refresh token preservation and the staleness margin boundary

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOAuth2Token_DerivesExpiryFromIssuance(t *testing.T) {
	before := time.Now()
	token := NewOAuth2Token(BrivoTokenResponse{
		AccessToken: "access-123",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
	}, "")
	after := time.Now()

	require.NotNil(t, token)
	assert.Equal(t, "access-123", token.AccessToken)
	assert.False(t, token.ExpiresAt.Before(before.Add(3600*time.Second)))
	assert.False(t, token.ExpiresAt.After(after.Add(3600*time.Second)))
	assert.False(t, token.IssuedAt.Before(before))
}

func TestNewOAuth2Token_PreservesRefreshTokenWhenOmitted(t *testing.T) {
	token := NewOAuth2Token(BrivoTokenResponse{
		AccessToken: "access-123",
		ExpiresIn:   3600,
	}, "existing-refresh")

	assert.Equal(t, "existing-refresh", token.RefreshToken)
}

func TestNewOAuth2Token_RotatedRefreshTokenWins(t *testing.T) {
	token := NewOAuth2Token(BrivoTokenResponse{
		AccessToken:  "access-123",
		ExpiresIn:    3600,
		RefreshToken: "rotated-refresh",
	}, "existing-refresh")

	assert.Equal(t, "rotated-refresh", token.RefreshToken)
}

func TestNewOAuth2Token_DefaultsTokenType(t *testing.T) {
	token := NewOAuth2Token(BrivoTokenResponse{
		AccessToken: "access-123",
		ExpiresIn:   3600,
	}, "")

	assert.Equal(t, "Bearer", token.TokenType)
}

func TestOAuth2Token_NeedsRefresh(t *testing.T) {
	tests := []struct {
		name         string
		expiresIn    time.Duration
		margin       time.Duration
		needsRefresh bool
	}{
		{"well outside margin", 30 * time.Minute, 5 * time.Minute, false},
		{"inside margin", 3 * time.Minute, 5 * time.Minute, true},
		{"already expired", -1 * time.Minute, 5 * time.Minute, true},
		{"zero margin with time left", 1 * time.Minute, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &OAuth2Token{
				AccessToken: "access",
				ExpiresAt:   time.Now().Add(tt.expiresIn),
			}
			assert.Equal(t, tt.needsRefresh, token.NeedsRefresh(tt.margin))
		})
	}
}

func TestOAuth2Token_IsValid(t *testing.T) {
	valid := &OAuth2Token{AccessToken: "access", ExpiresAt: time.Now().Add(time.Hour)}
	assert.True(t, valid.IsValid())

	expired := &OAuth2Token{AccessToken: "access", ExpiresAt: time.Now().Add(-time.Hour)}
	assert.False(t, expired.IsValid())

	empty := &OAuth2Token{ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, empty.IsValid())
}
