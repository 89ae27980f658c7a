package service

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/idx"
	"github.com/tradematch/authority/pkg/jwtx"
	"github.com/tradematch/authority/pkg/slogx"
)

var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrInvalidClient      = errors.New("invalid_client")
	ErrInvalidScope       = errors.New("invalid_scope")
	ErrInvalidRefresh     = errors.New("invalid_refresh_token")
	ErrInvalidGrant       = errors.New("invalid_grant")

	// ErrRefreshReuse means an already-rotated refresh token was presented
	// again. This is the token-theft signal: by the time the caller sees
	// this error every session and refresh token for the user is revoked.
	ErrRefreshReuse = errors.New("refresh_token_reuse")
)

// StepUpTokenTTL bounds how long a step-up challenge token stays usable.
const StepUpTokenTTL = 5 * time.Minute

// EventSink receives session lifecycle notifications. The websocket hub
// implements this; NopEvents is used when no bus is wired (tests, CLI).
type EventSink interface {
	SessionRevoked(sid, userID, reason string)
	SessionElevated(sid, userID, acr string)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) SessionRevoked(sid, userID, reason string) {}
func (NopEvents) SessionElevated(sid, userID, acr string)   {}

// TokenService owns access/refresh issuance and the rotation protocol.
type TokenService struct {
	KeyManager *jwtx.KeyManager
	Store      store.Store
	Events     EventSink
	Audit      *slog.Logger
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// IssueParams carries everything Issue needs to mint a token pair and its
// backing session.
type IssueParams struct {
	User       domain.User
	ClientID   string
	Scope      string
	ACR        string
	AMR        []string
	JKT        string // DPoP key thumbprint, "" when unbound
	UserAgent  string
	RemoteAddr string
}

// Issue mints a fresh access/refresh pair and registers the session. The
// session id is the fingerprint of the refresh token, so the registry never
// sees the raw token.
func (s *TokenService) Issue(ctx context.Context, p IssueParams) (*domain.TokenPair, error) {
	now := time.Now()

	refreshOpaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}
	fp := cryptox.FingerprintToken(refreshOpaque)
	sid := fp

	acr := p.ACR
	if acr == "" {
		acr = jwtx.ACRAAL1
	}
	amr := dedupe(p.AMR)
	if len(amr) == 0 {
		amr = []string{jwtx.AMRPassword}
	}

	accessToken, err := s.signAccess(p.User, sid, p.Scope, acr, amr, p.JKT, now)
	if err != nil {
		return nil, err
	}

	session := domain.Session{
		ID:         sid,
		UserID:     p.User.ID,
		ClientID:   p.ClientID,
		ACR:        acr,
		AMR:        amr,
		UserAgent:  p.UserAgent,
		RemoteAddr: p.RemoteAddr,
		ExpiresAt:  now.Add(s.RefreshTTL),
	}
	rt := domain.RefreshToken{
		ID:        idx.New().String(),
		UserID:    p.User.ID,
		ClientID:  p.ClientID,
		TokenHash: fp,
		SessionID: sid,
		Scope:     p.Scope,
		ACR:       acr,
		AMR:       amr,
		JKT:       p.JKT,
		ExpiresAt: now.Add(s.RefreshTTL),
	}

	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Sessions().CreateSession(ctx, session); err != nil {
			return err
		}
		return tx.RefreshTokens().CreateRefreshToken(ctx, rt)
	}); err != nil {
		return nil, err
	}

	s.Audit.Info("token issued",
		slog.String("user_id", p.User.ID),
		slog.String("sid", slogx.Mask(sid)),
		slog.String("acr", acr),
	)

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.AccessTTL.Seconds()),
		Scope:        p.Scope,
	}, nil
}

// Refresh implements single-use rotation with theft detection.
//
// Outcomes, in order of checking:
//   - malformed token whose fingerprint still matches a live row: the row is
//     forged-but-matching, so the token and its session are proactively
//     revoked and the call rejected;
//   - fingerprint matches a revoked or expired row: reuse of a rotated
//     token, so every session and refresh token of that user is revoked and
//     the call fails with ErrRefreshReuse;
//   - fingerprint matches the single live row: rotation proceeds. The old
//     token and session are revoked and replacements created inside one
//     transaction, and the new access token carries the ACR the old session
//     held, so a step-up is not lost across a refresh.
func (s *TokenService) Refresh(ctx context.Context, refreshOpaque string) (*domain.TokenPair, error) {
	now := time.Now()
	l := slogx.FromContext(ctx)

	fp := cryptox.FingerprintToken(refreshOpaque)
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidRefresh
		}
		return nil, err
	}

	if !validRefreshShape(refreshOpaque) {
		// The stored fingerprint matches but the presented bytes are not a
		// token we could have minted. Burn the row and its session.
		_ = s.Store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.RefreshTokens().RevokeRefreshToken(ctx, fp); err != nil {
				return err
			}
			return tx.Sessions().RevokeSession(ctx, rt.SessionID)
		})
		s.Audit.Warn("malformed refresh token matched stored fingerprint, revoked",
			slog.String("user_id", rt.UserID),
			slog.String("sid", slogx.Mask(rt.SessionID)),
		)
		s.Events.SessionRevoked(rt.SessionID, rt.UserID, "refresh_token_invalid")
		return nil, ErrInvalidRefresh
	}

	if rt.Revoked || now.After(rt.ExpiresAt) {
		// The token was issued once and is no longer the live one. Someone
		// is replaying a rotated-away token: revoke everything this user
		// holds.
		if err := s.revokeAllForUserTx(ctx, rt.UserID); err != nil {
			l.Error("reuse cascade failed", slog.Any("error", err), slog.String("user_id", rt.UserID))
			return nil, err
		}
		s.Audit.Error("refresh token reuse detected, all user sessions revoked",
			slog.String("user_id", rt.UserID),
			slog.String("sid", slogx.Mask(rt.SessionID)),
		)
		s.Events.SessionRevoked(rt.SessionID, rt.UserID, "refresh_token_reuse")
		return nil, ErrRefreshReuse
	}

	user, err := s.Store.Users().GetUserByID(ctx, rt.UserID)
	if err != nil {
		return nil, err
	}

	newOpaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, err
	}
	newFP := cryptox.FingerprintToken(newOpaque)
	newSID := newFP

	accessToken, err := s.signAccess(user, newSID, rt.Scope, rt.ACR, rt.AMR, rt.JKT, now)
	if err != nil {
		return nil, err
	}

	newSession := domain.Session{
		ID:        newSID,
		UserID:    rt.UserID,
		ClientID:  rt.ClientID,
		ACR:       rt.ACR,
		AMR:       rt.AMR,
		ExpiresAt: now.Add(s.RefreshTTL),
	}
	newRT := domain.RefreshToken{
		ID:        idx.New().String(),
		UserID:    rt.UserID,
		ClientID:  rt.ClientID,
		TokenHash: newFP,
		SessionID: newSID,
		Scope:     rt.Scope,
		ACR:       rt.ACR,
		AMR:       rt.AMR,
		JKT:       rt.JKT,
		ExpiresAt: now.Add(s.RefreshTTL),
	}

	// Rotation is one transaction: revoke old token, revoke old session,
	// create both replacements. The storage layer is the source of truth
	// for races; two rotations of the same token cannot both commit the
	// revoke-then-create sequence.
	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().RevokeRefreshToken(ctx, fp); err != nil {
			return err
		}
		if err := tx.Sessions().RevokeSession(ctx, rt.SessionID); err != nil {
			return err
		}
		if err := tx.Sessions().CreateSession(ctx, newSession); err != nil {
			return err
		}
		return tx.RefreshTokens().CreateRefreshToken(ctx, newRT)
	}); err != nil {
		return nil, err
	}

	s.Audit.Info("refresh token rotated",
		slog.String("user_id", rt.UserID),
		slog.String("old_sid", slogx.Mask(rt.SessionID)),
		slog.String("sid", slogx.Mask(newSID)),
		slog.String("acr", rt.ACR),
	)

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newOpaque,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.AccessTTL.Seconds()),
		Scope:        rt.Scope,
	}, nil
}

// Revoke ends the session behind one refresh token (logout).
func (s *TokenService) Revoke(ctx context.Context, refreshOpaque string) error {
	fp := cryptox.FingerprintToken(refreshOpaque)
	rt, err := s.Store.RefreshTokens().GetRefreshTokenByHash(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // logout with an unknown token is not an error
		}
		return err
	}

	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().RevokeRefreshToken(ctx, fp); err != nil {
			return err
		}
		return tx.Sessions().RevokeSession(ctx, rt.SessionID)
	}); err != nil {
		return err
	}

	s.Audit.Info("session revoked on logout",
		slog.String("user_id", rt.UserID),
		slog.String("sid", slogx.Mask(rt.SessionID)),
	)
	s.Events.SessionRevoked(rt.SessionID, rt.UserID, "logout")
	return nil
}

// RevokeAllForUser invalidates every session and refresh token a user holds.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	if err := s.revokeAllForUserTx(ctx, userID); err != nil {
		return err
	}
	s.Audit.Warn("all user sessions revoked",
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
	s.Events.SessionRevoked("", userID, reason)
	return nil
}

func (s *TokenService) revokeAllForUserTx(ctx context.Context, userID string) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.RefreshTokens().RevokeAllUserRefreshTokens(ctx, userID); err != nil {
			return err
		}
		return tx.Sessions().RevokeAllUserSessions(ctx, userID)
	})
}

// SignStepUp mints the short-lived challenge token handed back when a login
// still needs a second factor. It is scoped to the step-up endpoints only.
func (s *TokenService) SignStepUp(ctx context.Context, user domain.User) (string, error) {
	claims := jwtx.NewAccessClaims(
		user.ID,
		"", // no session yet
		jwtx.ScopeStepUp,
		jwtx.ACRStepUp,
		[]string{jwtx.AMRPassword},
		StepUpTokenTTL,
		s.Issuer,
		[]string{s.Audience},
		user.Username,
		time.Now(),
	)
	return s.KeyManager.Signer().Sign(claims)
}

func (s *TokenService) signAccess(
	u domain.User,
	sid string,
	scope string,
	acr string,
	amr []string,
	jkt string,
	now time.Time,
) (string, error) {
	claims := jwtx.NewAccessClaims(
		u.ID,
		sid,
		scope,
		acr,
		amr,
		s.AccessTTL,
		s.Issuer,
		[]string{s.Audience},
		u.Username,
		now,
	)
	if jkt != "" {
		claims.Cnf = &jwtx.Cnf{Jkt: jkt}
	}
	return s.KeyManager.Signer().Sign(claims)
}

// validRefreshShape checks the presented token decodes to the exact byte
// length we mint. Anything else cannot be one of ours.
func validRefreshShape(tok string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return false
	}
	return len(raw) == cryptox.TokenSize256
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
