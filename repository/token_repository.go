// ABOUTME: This file defines the OAuth2 token repository interface and in-memory implementation
// ABOUTME: The store holds at most one token pair, replaced atomically on refresh

package repository

import (
	"context"
	"fmt"
	"sync"

	"brivo-uploader/models"
)

// OAuth2TokenRepository defines the interface for OAuth2 token storage operations.
// A refresh fully replaces the prior token; implementations never expose a
// partially updated pair.
type OAuth2TokenRepository interface {
	// GetCurrentToken retrieves the current OAuth2 token from storage
	GetCurrentToken(ctx context.Context) (*models.OAuth2Token, error)

	// SaveToken stores a new OAuth2 token
	SaveToken(ctx context.Context, token *models.OAuth2Token) error

	// UpdateToken replaces an existing OAuth2 token
	UpdateToken(ctx context.Context, token *models.OAuth2Token) error

	// DeleteToken removes the current OAuth2 token from storage
	DeleteToken(ctx context.Context) error
}

// Repository error definitions
var (
	ErrTokenNotFound = fmt.Errorf("OAuth2 token not found in storage")
	ErrInvalidToken  = fmt.Errorf("invalid OAuth2 token provided")
)

// InMemoryTokenRepository holds the single active session's token pair.
// Writes replace the stored value; callers never observe a mutation in place.
type InMemoryTokenRepository struct {
	mu    sync.RWMutex
	token *models.OAuth2Token
}

// NewInMemoryTokenRepository creates an empty in-memory token repository.
func NewInMemoryTokenRepository() *InMemoryTokenRepository {
	return &InMemoryTokenRepository{}
}

// GetCurrentToken returns a copy of the stored token.
func (r *InMemoryTokenRepository) GetCurrentToken(ctx context.Context) (*models.OAuth2Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.token == nil {
		return nil, ErrTokenNotFound
	}

	copied := *r.token
	return &copied, nil
}

// SaveToken stores a new token pair.
func (r *InMemoryTokenRepository) SaveToken(ctx context.Context, token *models.OAuth2Token) error {
	if token == nil || token.AccessToken == "" {
		return ErrInvalidToken
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *token
	r.token = &copied
	return nil
}

// UpdateToken replaces the stored token pair.
func (r *InMemoryTokenRepository) UpdateToken(ctx context.Context, token *models.OAuth2Token) error {
	return r.SaveToken(ctx, token)
}

// DeleteToken clears the stored token pair.
func (r *InMemoryTokenRepository) DeleteToken(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.token = nil
	return nil
}
