// ABOUTME: Tests for in-memory and environment-seeded token repositories
// ABOUTME: Covers replace semantics, copy-on-read, and expired env seeding

package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"brivo-uploader/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryTokenRepository_SaveAndGet(t *testing.T) {
	repo := NewInMemoryTokenRepository()
	ctx := context.Background()

	_, err := repo.GetCurrentToken(ctx)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	token := &models.OAuth2Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, repo.SaveToken(ctx, token))

	got, err := repo.GetCurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)

	// Mutating the returned copy must not affect the stored token.
	got.AccessToken = "tampered"
	again, err := repo.GetCurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", again.AccessToken)
}

func TestInMemoryTokenRepository_UpdateReplacesWholesale(t *testing.T) {
	repo := NewInMemoryTokenRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveToken(ctx, &models.OAuth2Token{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
	}))
	require.NoError(t, repo.UpdateToken(ctx, &models.OAuth2Token{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
	}))

	got, err := repo.GetCurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "new-refresh", got.RefreshToken)
}

func TestInMemoryTokenRepository_RejectsEmptyToken(t *testing.T) {
	repo := NewInMemoryTokenRepository()

	assert.ErrorIs(t, repo.SaveToken(context.Background(), nil), ErrInvalidToken)
	assert.ErrorIs(t, repo.SaveToken(context.Background(), &models.OAuth2Token{}), ErrInvalidToken)
}

func TestInMemoryTokenRepository_Delete(t *testing.T) {
	repo := NewInMemoryTokenRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveToken(ctx, &models.OAuth2Token{AccessToken: "access"}))
	require.NoError(t, repo.DeleteToken(ctx))

	_, err := repo.GetCurrentToken(ctx)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestEnvTokenRepository_SeedsExpiredPairFromRefreshToken(t *testing.T) {
	t.Setenv(EnvRefreshToken, "env-refresh-token")
	t.Setenv(EnvAccessToken, "")

	repo := NewEnvTokenRepository(nil)

	got, err := repo.GetCurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-refresh-token", got.RefreshToken)
	// The seeded pair must be expired so the first use refreshes it.
	assert.True(t, got.IsExpired())
}

func TestEnvTokenRepository_NoSeedWithoutRefreshToken(t *testing.T) {
	t.Setenv(EnvRefreshToken, "")
	t.Setenv(EnvAccessToken, "")

	repo := NewEnvTokenRepository(nil)

	_, err := repo.GetCurrentToken(context.Background())
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestEnvTokenRepository_ConcurrentFirstAccessSeedsOnce(t *testing.T) {
	t.Setenv(EnvRefreshToken, "env-refresh-token")

	repo := NewEnvTokenRepository(nil)
	ctx := context.Background()

	// Handlers and the refresh scheduler share one repository; the first
	// reads race to trigger the seed.
	const readers = 8
	var wg sync.WaitGroup
	errs := make([]error, readers)
	tokens := make([]*models.OAuth2Token, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = repo.GetCurrentToken(ctx)
		}()
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "env-refresh-token", tokens[i].RefreshToken)
	}
}

func TestEnvTokenRepository_SavedTokenShadowsSeed(t *testing.T) {
	t.Setenv(EnvRefreshToken, "env-refresh-token")

	repo := NewEnvTokenRepository(nil)
	ctx := context.Background()

	require.NoError(t, repo.SaveToken(ctx, &models.OAuth2Token{
		AccessToken:  "live-access",
		RefreshToken: "live-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	got, err := repo.GetCurrentToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "live-access", got.AccessToken)
	assert.Equal(t, "live-refresh", got.RefreshToken)
}
