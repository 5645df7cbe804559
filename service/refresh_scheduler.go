// ABOUTME: This file implements the background proactive token refresh loop
// ABOUTME: Keeps the stored token outside the staleness margin between requests

package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"brivo-uploader/models"
)

// RefreshScheduler periodically nudges the lifecycle service so the token is
// refreshed before any request finds it stale. Failures are logged and the
// loop keeps running; an Invalid latch quiets the loop until re-authorization.
type RefreshScheduler struct {
	lifecycle *TokenLifecycleService
	logger    *slog.Logger
	interval  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRefreshScheduler creates a scheduler. A non-positive interval defaults
// to one minute.
func NewRefreshScheduler(lifecycle *TokenLifecycleService, logger *slog.Logger, interval time.Duration) *RefreshScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}

	return &RefreshScheduler{
		lifecycle: lifecycle,
		logger:    logger,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the refresh loop. It returns immediately; call Stop to end
// the loop and wait for it to exit.
func (s *RefreshScheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop ends the loop and blocks until it has exited.
func (s *RefreshScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *RefreshScheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Proactive refresh scheduler started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RefreshScheduler) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	err := s.lifecycle.RefreshProactively(tickCtx)
	if err == nil {
		return
	}

	var apiErr *models.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Kind == models.KindAuthFailure:
		// Re-authorization is a human action; nothing to do until then.
		s.logger.Debug("Proactive refresh skipped, re-authorization required")
	default:
		s.logger.Warn("Proactive refresh failed", "error", err)
	}
}
