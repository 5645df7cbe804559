// ABOUTME: This file implements the OAuth2 token lifecycle state machine
// ABOUTME: Serializes concurrent refreshes and latches non-retriable auth failures

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"brivo-uploader/driver"
	"brivo-uploader/models"
	"brivo-uploader/repository"

	"golang.org/x/sync/singleflight"
)

// TokenState describes where a token pair sits in its lifecycle.
type TokenState string

const (
	StateNoToken    TokenState = "no_token"
	StateValid      TokenState = "valid"
	StateStale      TokenState = "stale"      // Inside the staleness margin; refresh proactively
	StateRefreshing TokenState = "refreshing" // A refresh is in flight
	StateExpired    TokenState = "expired"
	StateInvalid    TokenState = "invalid" // Refresh permanently failed; re-authorization required
)

// OAuth2Driver is the slice of the driver the lifecycle service needs.
type OAuth2Driver interface {
	RefreshToken(ctx context.Context, refreshToken string) (*models.BrivoTokenResponse, error)
}

// RetrySettings bounds the backoff loop for transient refresh failures.
type RetrySettings struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetrySettings returns the stock refresh retry schedule.
func DefaultRetrySettings() RetrySettings {
	return RetrySettings{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RefreshMetrics tracks refresh operations for monitoring.
type RefreshMetrics struct {
	TotalRefreshAttempts int64     `json:"total_refresh_attempts"`
	SuccessfulRefreshes  int64     `json:"successful_refreshes"`
	FailedRefreshes      int64     `json:"failed_refresh_count"`
	NonRetryableFailures int64     `json:"non_retryable_failures"`
	SharedOutcomes       int64     `json:"shared_outcomes"` // Callers served by another caller's refresh
	LastRefreshTime      time.Time `json:"last_refresh_time"`
}

// TokenLifecycleService coordinates the token state machine. At most one
// refresh is ever in flight; every caller that observed a stale token before
// the refresh completed receives that single outcome.
type TokenLifecycleService struct {
	tokenRepo     repository.OAuth2TokenRepository
	oauthDriver   OAuth2Driver
	logger        *slog.Logger
	refreshMargin time.Duration
	retry         RetrySettings

	// Single-flight group prevents concurrent refresh operations
	refreshGroup *singleflight.Group

	mu            sync.Mutex
	invalid       bool
	invalidReason *models.APIError
	forceRefresh  bool // Set by Invalidate() after a 401 on a resource call
	refreshing    bool
	metrics       RefreshMetrics
}

// NewTokenLifecycleService creates a lifecycle service with default margin
// and retry schedule.
func NewTokenLifecycleService(
	tokenRepo repository.OAuth2TokenRepository,
	oauthDriver OAuth2Driver,
	logger *slog.Logger,
) *TokenLifecycleService {
	return NewTokenLifecycleServiceWithConfig(tokenRepo, oauthDriver, logger, 5*time.Minute, DefaultRetrySettings())
}

// NewTokenLifecycleServiceWithConfig creates a lifecycle service with a
// custom staleness margin and retry schedule.
func NewTokenLifecycleServiceWithConfig(
	tokenRepo repository.OAuth2TokenRepository,
	oauthDriver OAuth2Driver,
	logger *slog.Logger,
	refreshMargin time.Duration,
	retry RetrySettings,
) *TokenLifecycleService {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenLifecycleService{
		tokenRepo:     tokenRepo,
		oauthDriver:   oauthDriver,
		logger:        logger,
		refreshMargin: refreshMargin,
		retry:         retry,
		refreshGroup:  &singleflight.Group{},
	}
}

// EnsureValidToken returns a token that is safe to attach to a request,
// refreshing first when the stored one is stale or expired. Safe for
// concurrent use; concurrent callers share a single refresh outcome.
func (s *TokenLifecycleService) EnsureValidToken(ctx context.Context) (*models.OAuth2Token, error) {
	s.mu.Lock()
	if s.invalid {
		reason := s.invalidReason
		s.mu.Unlock()
		return nil, reason
	}
	force := s.forceRefresh
	s.mu.Unlock()

	token, err := s.loadToken(ctx)
	if err != nil {
		return nil, err
	}

	if !force && !token.NeedsRefresh(s.refreshMargin) {
		return token, nil
	}

	s.logger.Info("Token needs refresh",
		"expires_at", token.ExpiresAt,
		"time_until_expiry", token.TimeUntilExpiry(),
		"forced", force)

	return s.refreshShared(ctx)
}

// RefreshProactively refreshes the token when it is inside the staleness
// margin. Intended for the background scheduler; a valid token is a no-op.
func (s *TokenLifecycleService) RefreshProactively(ctx context.Context) error {
	s.mu.Lock()
	if s.invalid {
		reason := s.invalidReason
		s.mu.Unlock()
		return reason
	}
	force := s.forceRefresh
	s.mu.Unlock()

	token, err := s.loadToken(ctx)
	if err != nil {
		return err
	}

	if !force && !token.NeedsRefresh(s.refreshMargin) {
		s.logger.Debug("Token does not need proactive refresh",
			"expires_at", token.ExpiresAt,
			"time_until_expiry", token.TimeUntilExpiry())
		return nil
	}

	_, err = s.refreshShared(ctx)
	return err
}

// AdmitToken installs the token pair obtained from an authorization-code
// exchange, returning the lifecycle to Valid from any state.
func (s *TokenLifecycleService) AdmitToken(ctx context.Context, response *models.BrivoTokenResponse) (*models.OAuth2Token, error) {
	token := models.NewOAuth2Token(*response, "")
	if !token.IsValid() {
		return nil, models.NewAPIError(0, models.KindMalformedResponse, "token response missing access token")
	}

	if err := s.tokenRepo.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store exchanged token: %w", err)
	}

	s.mu.Lock()
	s.invalid = false
	s.invalidReason = nil
	s.forceRefresh = false
	s.mu.Unlock()

	s.logger.Info("Authorization completed, token admitted",
		"expires_at", token.ExpiresAt,
		"scope", token.Scope)

	return token, nil
}

// Invalidate forces the next EnsureValidToken call to refresh, regardless of
// the stored expiry. Used by the API client after a 401 on a resource call.
func (s *TokenLifecycleService) Invalidate() {
	s.mu.Lock()
	s.forceRefresh = true
	s.mu.Unlock()

	s.logger.Warn("Token invalidated, next call will refresh")
}

// Clear drops the stored token and resets the state machine to NoToken.
func (s *TokenLifecycleService) Clear(ctx context.Context) error {
	if err := s.tokenRepo.DeleteToken(ctx); err != nil {
		return fmt.Errorf("failed to clear token storage: %w", err)
	}

	s.mu.Lock()
	s.invalid = false
	s.invalidReason = nil
	s.forceRefresh = false
	s.mu.Unlock()

	return nil
}

// State derives the current lifecycle state.
func (s *TokenLifecycleService) State(ctx context.Context) TokenState {
	s.mu.Lock()
	invalid := s.invalid
	refreshing := s.refreshing
	force := s.forceRefresh
	s.mu.Unlock()

	if invalid {
		return StateInvalid
	}
	if refreshing {
		return StateRefreshing
	}

	token, err := s.tokenRepo.GetCurrentToken(ctx)
	if err != nil {
		return StateNoToken
	}
	if token.IsExpired() {
		return StateExpired
	}
	if force || token.NeedsRefresh(s.refreshMargin) {
		return StateStale
	}
	return StateValid
}

// IsAuthenticated reports whether the session can serve API calls without a
// fresh authorization (Valid, Stale, or Refreshing).
func (s *TokenLifecycleService) IsAuthenticated(ctx context.Context) bool {
	switch s.State(ctx) {
	case StateValid, StateStale, StateRefreshing:
		return true
	default:
		return false
	}
}

// TokenStatus is the monitoring view of the lifecycle.
type TokenStatus struct {
	State           TokenState     `json:"state"`
	Authenticated   bool           `json:"authenticated"`
	ExpiresAt       time.Time      `json:"expires_at,omitempty"`
	TimeToExpiry    time.Duration  `json:"time_to_expiry,omitempty"`
	Scope           string         `json:"scope,omitempty"`
	ReauthorizeHint string         `json:"reauthorize_hint,omitempty"`
	RefreshMetrics  RefreshMetrics `json:"refresh_metrics"`
}

// Status returns the current token status for monitoring endpoints.
func (s *TokenLifecycleService) Status(ctx context.Context) TokenStatus {
	state := s.State(ctx)

	status := TokenStatus{
		State:         state,
		Authenticated: state == StateValid || state == StateStale || state == StateRefreshing,
	}

	if token, err := s.tokenRepo.GetCurrentToken(ctx); err == nil {
		status.ExpiresAt = token.ExpiresAt
		status.TimeToExpiry = token.TimeUntilExpiry()
		status.Scope = token.Scope
	}

	if state == StateInvalid || state == StateExpired || state == StateNoToken {
		status.ReauthorizeHint = "re-authorization required"
	}

	s.mu.Lock()
	status.RefreshMetrics = s.metrics
	s.mu.Unlock()

	return status
}

func (s *TokenLifecycleService) loadToken(ctx context.Context) (*models.OAuth2Token, error) {
	token, err := s.tokenRepo.GetCurrentToken(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, models.NewAPIError(0, models.KindAuthFailure, "no OAuth2 token available - re-authorization required")
		}
		return nil, fmt.Errorf("token storage access failed: %w", err)
	}
	return token, nil
}

// refreshShared funnels all stale callers through one in-flight refresh.
// A caller whose context expires stops waiting; the refresh itself keeps
// running for the remaining waiters.
func (s *TokenLifecycleService) refreshShared(ctx context.Context) (*models.OAuth2Token, error) {
	const refreshKey = "token_refresh"

	ch := s.refreshGroup.DoChan(refreshKey, func() (interface{}, error) {
		// The flight outlives any individual caller's deadline.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		return s.executeRefresh(flightCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.mu.Lock()
			s.metrics.SharedOutcomes++
			s.mu.Unlock()
		}
		return res.Val.(*models.OAuth2Token), nil
	}
}

func (s *TokenLifecycleService) executeRefresh(ctx context.Context) (*models.OAuth2Token, error) {
	s.setRefreshing(true)
	defer s.setRefreshing(false)

	s.mu.Lock()
	s.metrics.TotalRefreshAttempts++
	s.metrics.LastRefreshTime = time.Now()
	forced := s.forceRefresh
	s.mu.Unlock()

	// Re-check: another flight may have refreshed before we were queued.
	current, err := s.loadToken(ctx)
	if err != nil {
		return nil, err
	}
	if !forced && !current.NeedsRefresh(s.refreshMargin) {
		s.logger.Info("Token was already refreshed by another operation")
		return current, nil
	}

	var lastErr error
	delay := s.retry.InitialDelay

	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		s.logger.Info("Attempting token refresh",
			"attempt", attempt,
			"max_attempts", s.retry.MaxAttempts)

		refreshed, err := s.performRefresh(ctx, current)
		if err == nil {
			s.mu.Lock()
			s.metrics.SuccessfulRefreshes++
			s.forceRefresh = false
			s.mu.Unlock()
			return refreshed, nil
		}
		lastErr = err

		if isNonRetriableRefreshError(err) {
			s.logger.Error("Token refresh failed with non-retryable error", "error", err)
			authErr := models.NewAPIError(http.StatusUnauthorized, models.KindAuthFailure, err.Error())
			s.latchInvalid(ctx, authErr)
			return nil, authErr
		}

		s.logger.Warn("Token refresh attempt failed",
			"attempt", attempt,
			"error", err)

		if attempt < s.retry.MaxAttempts {
			s.logger.Info("Retrying token refresh after backoff", "backoff", delay)
			select {
			case <-ctx.Done():
				s.recordFailure()
				return nil, models.NewAPIError(0, models.KindTransientFailure, ctx.Err().Error())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * s.retry.Multiplier)
			if delay > s.retry.MaxDelay {
				delay = s.retry.MaxDelay
			}
		}
	}

	// Transient exhaustion: state returns to Stale, retried on a later call.
	s.recordFailure()
	return nil, models.NewAPIError(0, models.KindTransientFailure,
		fmt.Sprintf("token refresh failed after %d attempts: %v", s.retry.MaxAttempts, lastErr))
}

func (s *TokenLifecycleService) performRefresh(ctx context.Context, current *models.OAuth2Token) (*models.OAuth2Token, error) {
	response, err := s.oauthDriver.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		return nil, err
	}

	// The server may rotate the refresh token; persist whichever one is
	// returned, falling back to the existing token when the field is empty.
	refreshed := models.NewOAuth2Token(*response, current.RefreshToken)

	if response.RefreshToken != "" && response.RefreshToken != current.RefreshToken {
		s.logger.Warn("Refresh token rotation detected")
	}

	if err := s.tokenRepo.UpdateToken(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	s.logger.Info("Token refresh successful",
		"expires_at", refreshed.ExpiresAt,
		"time_until_expiry", refreshed.TimeUntilExpiry())

	return refreshed, nil
}

// latchInvalid clears the stored pair and pins the state machine to Invalid
// until a fresh code exchange admits a new token. Every waiter on the current
// flight receives the same AuthFailure.
func (s *TokenLifecycleService) latchInvalid(ctx context.Context, reason *models.APIError) {
	if err := s.tokenRepo.DeleteToken(ctx); err != nil {
		s.logger.Error("Failed to clear token after auth failure", "error", err)
	}

	s.mu.Lock()
	s.invalid = true
	s.invalidReason = reason
	s.forceRefresh = false
	s.metrics.FailedRefreshes++
	s.metrics.NonRetryableFailures++
	s.mu.Unlock()
}

func (s *TokenLifecycleService) recordFailure() {
	s.mu.Lock()
	s.metrics.FailedRefreshes++
	s.mu.Unlock()
}

func (s *TokenLifecycleService) setRefreshing(v bool) {
	s.mu.Lock()
	s.refreshing = v
	s.mu.Unlock()
}

func isNonRetriableRefreshError(err error) bool {
	return errors.Is(err, driver.ErrInvalidRefreshToken) ||
		errors.Is(err, driver.ErrTokenRevoked) ||
		errors.Is(err, driver.ErrInvalidGrant)
}
