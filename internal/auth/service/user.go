package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/idx"
	"github.com/tradematch/authority/pkg/slogx"
)

const minPasswordLength = 10

var (
	ErrAccountTaken   = errors.New("account_taken")
	ErrWeakPassword   = errors.New("weak_password")
	ErrInvalidAction  = errors.New("invalid_action_token")
	ErrInvalidAccount = errors.New("invalid_account")
)

// UserService handles registration, password reset and email verification.
// The actual delivery of reset/verify tokens (mail) is an external concern;
// callers receive the raw token and hand it to whatever sends it.
type UserService struct {
	Store          store.Store
	Tokens         *TokenService
	TrustedDevices *TrustedDeviceService
	Audit          *slog.Logger
	ResetTTL       time.Duration
	VerifyTTL      time.Duration
}

// Register creates a new account and mints its email-verification token.
func (s *UserService) Register(ctx context.Context, email, username, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if email == "" || username == "" {
		return domain.User{}, "", ErrInvalidAccount
	}
	if len(password) < minPasswordLength {
		return domain.User{}, "", ErrWeakPassword
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return domain.User{}, "", err
	}

	user := domain.User{
		ID:            idx.New().String(),
		Username:      username,
		Email:         email,
		PreferredName: username,
		PasswordHash:  hash,
	}

	verifyToken, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return domain.User{}, "", err
	}

	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().CreateUser(ctx, user); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return ErrAccountTaken
			}
			return err
		}
		return tx.ActionTokens().CreateActionToken(ctx, domain.ActionToken{
			ID:        idx.New().String(),
			UserID:    user.ID,
			Purpose:   domain.ActionEmailVerify,
			TokenHash: cryptox.FingerprintToken(verifyToken),
			ExpiresAt: time.Now().Add(s.VerifyTTL),
		})
	}); err != nil {
		return domain.User{}, "", err
	}

	s.Audit.Info("user registered", slog.String("user_id", user.ID))
	return user, verifyToken, nil
}

// GetByID loads a user record. Unknown ids map to ErrInvalidAccount.
func (s *UserService) GetByID(ctx context.Context, userID string) (domain.User, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrInvalidAccount
		}
		return domain.User{}, err
	}
	return user, nil
}

// Authenticate checks the password for an email. Callers feed the result
// into the step-up engine; this method never issues tokens itself.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	l := slogx.FromContext(ctx)

	user, err := s.Store.Users().GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if err := cryptox.VerifyPassword(password, user.PasswordHash); err != nil {
		l.Info("password verification failed", slog.String("email", slogx.Mask(email)))
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// RequestPasswordReset mints a single-use reset token. Any earlier
// outstanding reset tokens for the account are invalidated. Unknown emails
// return cleanly with no token, so callers stay enumeration-safe.
func (s *UserService) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.Store.Users().GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", err
	}

	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.ActionTokens().InvalidateUserActionTokens(ctx, user.ID, domain.ActionPasswordReset); err != nil {
			return err
		}
		return tx.ActionTokens().CreateActionToken(ctx, domain.ActionToken{
			ID:        idx.New().String(),
			UserID:    user.ID,
			Purpose:   domain.ActionPasswordReset,
			TokenHash: cryptox.FingerprintToken(token),
			ExpiresAt: time.Now().Add(s.ResetTTL),
		})
	}); err != nil {
		return "", err
	}

	s.Audit.Info("password reset requested", slog.String("user_id", user.ID))
	return token, nil
}

// CompletePasswordReset consumes the reset token, replaces the password, and
// revokes every session, refresh token and trusted device the user holds.
// Everything except the cache eviction runs in one transaction.
func (s *UserService) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	hash, err := cryptox.HashPassword(newPassword)
	if err != nil {
		return err
	}

	var userID string
	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		at, err := tx.ActionTokens().ConsumeActionToken(ctx,
			cryptox.FingerprintToken(token), domain.ActionPasswordReset)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidAction
			}
			return err
		}
		userID = at.UserID

		if err := tx.Users().UpdatePasswordHash(ctx, at.UserID, hash); err != nil {
			return err
		}
		if err := tx.RefreshTokens().RevokeAllUserRefreshTokens(ctx, at.UserID); err != nil {
			return err
		}
		if err := tx.Sessions().RevokeAllUserSessions(ctx, at.UserID); err != nil {
			return err
		}
		return tx.TrustedDevices().RevokeAllUserTrustedDevices(ctx, at.UserID)
	}); err != nil {
		return err
	}

	s.Audit.Warn("password reset completed, all sessions revoked",
		slog.String("user_id", userID))
	s.Tokens.Events.SessionRevoked("", userID, "password_reset")
	return nil
}

// VerifyEmail consumes a verification token and marks the account verified.
func (s *UserService) VerifyEmail(ctx context.Context, token string) error {
	var userID string
	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		at, err := tx.ActionTokens().ConsumeActionToken(ctx,
			cryptox.FingerprintToken(token), domain.ActionEmailVerify)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidAction
			}
			return err
		}
		userID = at.UserID
		return tx.Users().MarkEmailVerified(ctx, at.UserID)
	}); err != nil {
		return err
	}

	s.Audit.Info("email verified", slog.String("user_id", userID))
	return nil
}
