package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/slogx"
)

// SessionService is the session registry. Session ids are derived from
// refresh tokens by one-way hash, so the registry never handles raw tokens.
type SessionService struct {
	Store  store.Store
	Events EventSink
	Audit  *slog.Logger
}

// Get returns the session for a sid.
func (s *SessionService) Get(ctx context.Context, sid string) (domain.Session, error) {
	return s.Store.Sessions().GetSessionByID(ctx, sid)
}

// IsActive reports whether the session exists and is neither revoked nor
// expired. Unknown sids are simply inactive.
func (s *SessionService) IsActive(ctx context.Context, sid string) (bool, error) {
	sess, err := s.Store.Sessions().GetSessionByID(ctx, sid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return sess.Active(time.Now()), nil
}

// ListForUser returns a user's live sessions.
func (s *SessionService) ListForUser(ctx context.Context, userID string) ([]domain.Session, error) {
	return s.Store.Sessions().ListUserSessions(ctx, userID)
}

// RevokeBySid ends one session and its refresh tokens.
func (s *SessionService) RevokeBySid(ctx context.Context, sid, reason string) error {
	sess, err := s.Store.Sessions().GetSessionByID(ctx, sid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Sessions().RevokeSession(ctx, sid); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeSessionRefreshTokens(ctx, sid)
	}); err != nil {
		return err
	}

	s.Audit.Info("session revoked",
		slog.String("user_id", sess.UserID),
		slog.String("sid", slogx.Mask(sid)),
		slog.String("reason", reason),
	)
	s.Events.SessionRevoked(sid, sess.UserID, reason)
	return nil
}

// RevokeByRefreshToken ends the session the given raw refresh token belongs
// to. The sid is derived, never looked up by raw token.
func (s *SessionService) RevokeByRefreshToken(ctx context.Context, refreshOpaque, reason string) error {
	return s.RevokeBySid(ctx, cryptox.FingerprintToken(refreshOpaque), reason)
}

// RevokeAllForUser ends every session a user holds.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Sessions().RevokeAllUserSessions(ctx, userID); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeAllUserRefreshTokens(ctx, userID)
	}); err != nil {
		return err
	}

	s.Audit.Warn("all sessions revoked for user",
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
	s.Events.SessionRevoked("", userID, reason)
	return nil
}

// Elevate promotes a session's assurance level after a successful step-up.
func (s *SessionService) Elevate(ctx context.Context, sid, acr string, amr []string) error {
	sess, err := s.Store.Sessions().GetSessionByID(ctx, sid)
	if err != nil {
		return err
	}
	if err := s.Store.Sessions().ElevateSession(ctx, sid, acr, dedupe(amr)); err != nil {
		return err
	}
	s.Audit.Info("session elevated",
		slog.String("user_id", sess.UserID),
		slog.String("sid", slogx.Mask(sid)),
		slog.String("acr", acr),
	)
	s.Events.SessionElevated(sid, sess.UserID, acr)
	return nil
}
