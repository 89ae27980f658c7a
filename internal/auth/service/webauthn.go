package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/idx"
)

const (
	webauthnRegPrefix   = "wan:reg:"
	webauthnLoginPrefix = "wan:login:"
)

var (
	ErrWebAuthnNotEnrolled = errors.New("webauthn not enrolled")
	ErrCeremonyExpired     = errors.New("webauthn ceremony expired")

	// ErrClonedAuthenticator means the assertion's signature counter did not
	// advance past the stored one. Treated as a cloned-key signal and the
	// authentication is aborted.
	ErrClonedAuthenticator = errors.New("authenticator counter regression")
)

// WebAuthnService runs the registration and authentication ceremonies.
// Challenge state lives in the cache keyed by user and ceremony kind, with a
// short TTL; credentials are persisted through the store.
type WebAuthnService struct {
	Store        store.Store
	Cache        cache.Cache
	Web          *webauthn.WebAuthn
	Audit        *slog.Logger
	ChallengeTTL time.Duration
}

// webauthnUser adapts a domain user and their stored credentials to the
// library's user contract.
type webauthnUser struct {
	user  domain.User
	creds []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte          { return []byte(u.user.ID) }
func (u *webauthnUser) WebAuthnName() string        { return u.user.Username }
func (u *webauthnUser) WebAuthnDisplayName() string { return u.user.PreferredName }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

// HasCredentials reports whether the user has at least one active
// authenticator registered.
func (s *WebAuthnService) HasCredentials(ctx context.Context, userID string) (bool, error) {
	creds, err := s.Store.Credentials().ListUserCredentials(ctx, userID, domain.CredentialWebAuthn, true)
	if err != nil {
		return false, err
	}
	return len(creds) > 0, nil
}

// RegisterStart begins the registration ceremony and parks the session data
// in the cache until the browser responds.
func (s *WebAuthnService) RegisterStart(ctx context.Context, user domain.User) (*protocol.CredentialCreation, error) {
	wu, err := s.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	creation, session, err := s.Web.BeginRegistration(wu)
	if err != nil {
		return nil, err
	}
	if err := s.stashSession(ctx, webauthnRegPrefix+user.ID, session); err != nil {
		return nil, err
	}
	return creation, nil
}

// RegisterFinish verifies the attestation response and persists the new
// credential. Registration confirms itself, so the credential is active
// immediately.
func (s *WebAuthnService) RegisterFinish(ctx context.Context, user domain.User, r *http.Request) error {
	wu, err := s.loadUser(ctx, user)
	if err != nil {
		return err
	}
	session, err := s.popSession(ctx, webauthnRegPrefix+user.ID)
	if err != nil {
		return err
	}

	cred, err := s.Web.FinishRegistration(wu, *session, r)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	if err := s.Store.Credentials().CreateCredential(ctx, domain.Credential{
		ID:           idx.New().String(),
		UserID:       user.ID,
		Kind:         domain.CredentialWebAuthn,
		Status:       domain.CredentialActive,
		Label:        string(cred.AttestationType),
		Secret:       blob,
		CredentialID: cred.ID,
		Counter:      int64(cred.Authenticator.SignCount),
	}); err != nil {
		return err
	}

	s.Audit.Info("webauthn credential registered", slog.String("user_id", user.ID))
	return nil
}

// LoginStart begins the assertion ceremony against the user's registered
// credentials.
func (s *WebAuthnService) LoginStart(ctx context.Context, user domain.User) (*protocol.CredentialAssertion, error) {
	wu, err := s.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(wu.creds) == 0 {
		return nil, ErrWebAuthnNotEnrolled
	}

	assertion, session, err := s.Web.BeginLogin(wu)
	if err != nil {
		return nil, err
	}
	if err := s.stashSession(ctx, webauthnLoginPrefix+user.ID, session); err != nil {
		return nil, err
	}
	return assertion, nil
}

// LoginFinish verifies the assertion, rejects counter regressions, and
// advances the stored signature counter.
func (s *WebAuthnService) LoginFinish(ctx context.Context, user domain.User, r *http.Request) error {
	wu, err := s.loadUser(ctx, user)
	if err != nil {
		return err
	}
	session, err := s.popSession(ctx, webauthnLoginPrefix+user.ID)
	if err != nil {
		return err
	}

	cred, err := s.Web.FinishLogin(wu, *session, r)
	if err != nil {
		return err
	}
	if cred.Authenticator.CloneWarning {
		s.Audit.Error("webauthn counter regression, possible cloned authenticator",
			slog.String("user_id", user.ID))
		return ErrClonedAuthenticator
	}

	stored, err := s.Store.Credentials().GetCredentialByWebAuthnID(ctx, cred.ID)
	if err != nil {
		return err
	}
	return s.Store.Credentials().UpdateCredentialCounter(ctx, stored.ID, int64(cred.Authenticator.SignCount))
}

func (s *WebAuthnService) loadUser(ctx context.Context, user domain.User) (*webauthnUser, error) {
	rows, err := s.Store.Credentials().ListUserCredentials(ctx, user.ID, domain.CredentialWebAuthn, true)
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(rows))
	for _, row := range rows {
		var c webauthn.Credential
		if err := json.Unmarshal(row.Secret, &c); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return &webauthnUser{user: user, creds: creds}, nil
}

func (s *WebAuthnService) stashSession(ctx context.Context, key string, session *webauthn.SessionData) error {
	blob, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.Cache.Set(ctx, key, string(blob), s.ChallengeTTL)
}

func (s *WebAuthnService) popSession(ctx context.Context, key string) (*webauthn.SessionData, error) {
	blob, err := s.Cache.Consume(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrCeremonyExpired
		}
		return nil, err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(blob), &session); err != nil {
		return nil, err
	}
	return &session, nil
}
