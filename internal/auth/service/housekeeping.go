package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/tradematch/authority/internal/auth/store"
)

// HousekeepingService periodically deletes expired rows so refresh_tokens,
// sessions, action_tokens, trusted_devices and authorization_codes don't
// grow without bound.
type HousekeepingService struct {
	Store    store.Store
	Logger   *slog.Logger
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates the service. An interval of 0 or below
// defaults to 1 hour.
func NewHousekeepingService(st store.Store, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	return &HousekeepingService{
		Store:    st,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop shuts the worker down, blocking until any in-progress cleanup ends.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run once on startup so a long-idle database gets trimmed immediately.
	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup runs each deletion independently; one failure doesn't stop the
// others.
func (s *HousekeepingService) cleanup() {
	ctx := context.Background()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"refresh_tokens", s.Store.RefreshTokens().DeleteExpiredRefreshTokens},
		{"sessions", s.Store.Sessions().DeleteExpiredSessions},
		{"action_tokens", s.Store.ActionTokens().DeleteExpiredActionTokens},
		{"trusted_devices", s.Store.TrustedDevices().DeleteExpiredTrustedDevices},
		{"authorization_codes", s.Store.AuthorizationCodes().DeleteExpiredAuthorizationCodes},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			s.Logger.Error("housekeeping step failed", "step", step.name, "error", err)
		}
	}
	s.Logger.Debug("housekeeping cleanup completed")
}
