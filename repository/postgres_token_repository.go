// ABOUTME: PostgreSQL implementation of OAuth2TokenRepository
// ABOUTME: Persists the single active token pair across process restarts

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"brivo-uploader/models"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgreSQLTokenRepository implements OAuth2TokenRepository using PostgreSQL.
// The table holds at most one row; SaveToken and UpdateToken replace it
// wholesale so readers never see a half-written pair.
type PostgreSQLTokenRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgreSQLTokenRepository creates a new PostgreSQL token repository.
func NewPostgreSQLTokenRepository(db *sql.DB, logger *slog.Logger) *PostgreSQLTokenRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgreSQLTokenRepository{
		db:     db,
		logger: logger,
	}
}

// GetCurrentToken retrieves the persisted token pair.
func (r *PostgreSQLTokenRepository) GetCurrentToken(ctx context.Context) (*models.OAuth2Token, error) {
	query := `
		SELECT access_token, refresh_token, token_type, expires_in, expires_at, scope, issued_at
		FROM oauth2_tokens
		WHERE singleton = TRUE`

	var token models.OAuth2Token
	err := r.db.QueryRowContext(ctx, query).Scan(
		&token.AccessToken,
		&token.RefreshToken,
		&token.TokenType,
		&token.ExpiresIn,
		&token.ExpiresAt,
		&token.Scope,
		&token.IssuedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		r.logger.Error("Failed to load OAuth2 token", "error", err)
		return nil, fmt.Errorf("failed to load OAuth2 token: %w", err)
	}

	return &token, nil
}

// SaveToken stores a new token pair, replacing any existing row.
func (r *PostgreSQLTokenRepository) SaveToken(ctx context.Context, token *models.OAuth2Token) error {
	if token == nil || token.AccessToken == "" {
		return ErrInvalidToken
	}

	query := `
		INSERT INTO oauth2_tokens (
			singleton, access_token, refresh_token, token_type, expires_in, expires_at, scope, issued_at
		) VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (singleton) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expires_in = EXCLUDED.expires_in,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			issued_at = EXCLUDED.issued_at`

	_, err := r.db.ExecContext(ctx, query,
		token.AccessToken,
		token.RefreshToken,
		token.TokenType,
		token.ExpiresIn,
		token.ExpiresAt,
		token.Scope,
		token.IssuedAt,
	)
	if err != nil {
		r.logger.Error("Failed to save OAuth2 token", "error", err)
		return fmt.Errorf("failed to save OAuth2 token: %w", err)
	}

	r.logger.Debug("Saved OAuth2 token", "expires_at", token.ExpiresAt)
	return nil
}

// UpdateToken replaces the persisted token pair.
func (r *PostgreSQLTokenRepository) UpdateToken(ctx context.Context, token *models.OAuth2Token) error {
	return r.SaveToken(ctx, token)
}

// DeleteToken removes the persisted token pair.
func (r *PostgreSQLTokenRepository) DeleteToken(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM oauth2_tokens WHERE singleton = TRUE`)
	if err != nil {
		r.logger.Error("Failed to delete OAuth2 token", "error", err)
		return fmt.Errorf("failed to delete OAuth2 token: %w", err)
	}
	return nil
}
