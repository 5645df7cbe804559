// ABOUTME: This file defines domain models for OAuth2 token management
// ABOUTME: Handles access token, refresh token, and expiration logic

package models

import (
	"time"
)

// OAuth2Token represents an OAuth2 token pair with metadata.
// A token is either fully populated or absent; partial states are never stored.
type OAuth2Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"` // Seconds until expiration as reported by the server
	ExpiresAt    time.Time `json:"expires_at"` // Calculated expiration time
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// BrivoTokenResponse represents the OAuth2 token response from the Brivo
// authorization server (both authorization-code and refresh-token grants).
type BrivoTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"` // May be absent when the server does not rotate it
	Scope        string `json:"scope,omitempty"`
}

// NewOAuth2Token creates a new OAuth2Token from a token endpoint response.
// ExpiresAt is always derived from the issuance time plus the server-reported
// TTL. When the response omits a refresh token the existing one is preserved,
// so callers always persist whichever refresh token is currently valid.
func NewOAuth2Token(response BrivoTokenResponse, existingRefreshToken string) *OAuth2Token {
	now := time.Now()

	refreshToken := response.RefreshToken
	if refreshToken == "" {
		refreshToken = existingRefreshToken
	}

	tokenType := response.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &OAuth2Token{
		AccessToken:  response.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresIn:    response.ExpiresIn,
		ExpiresAt:    now.Add(time.Duration(response.ExpiresIn) * time.Second),
		Scope:        response.Scope,
		IssuedAt:     now,
	}
}

// IsExpired checks if the token is expired.
func (t *OAuth2Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// NeedsRefresh checks if the token is inside the staleness margin before expiry.
func (t *OAuth2Token) NeedsRefresh(margin time.Duration) bool {
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// TimeUntilExpiry returns the duration until token expiry.
func (t *OAuth2Token) TimeUntilExpiry() time.Duration {
	return time.Until(t.ExpiresAt)
}

// IsValid checks if the token is populated and not expired.
func (t *OAuth2Token) IsValid() bool {
	return t.AccessToken != "" && !t.IsExpired()
}
