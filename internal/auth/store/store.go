package store

import (
	"context"
	"errors"
	"time"

	"github.com/tradematch/authority/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement this. It exposes sub-repositories to keep concerns
// tidy and testable, and a Tx scope so multi-step operations like refresh
// rotation stay atomic.
type Store interface {
	Users() Users
	Clients() Clients
	RefreshTokens() RefreshTokens
	Sessions() Sessions
	Credentials() Credentials
	ActionTokens() ActionTokens
	TrustedDevices() TrustedDevices
	AuthorizationCodes() AuthorizationCodes

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed. Preferred over
	// raw Tx for anything multi-step.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByUsername is used during password authentication.
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)

	// GetUserByEmail is used for password reset initiation.
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)

	// CreateUser inserts a new user (id is provided by app via ULID).
	CreateUser(ctx context.Context, u domain.User) error

	// UpdatePasswordHash sets the password_hash (argon2) and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, userID string, newHash string) error

	// MarkEmailVerified sets the email_verified timestamp.
	MarkEmailVerified(ctx context.Context, userID string) error

	// DeleteUser cascades to refresh_tokens, sessions and credentials.
	DeleteUser(ctx context.Context, userID string) error

	// IsEmpty returns true if there are no users.
	IsEmpty(ctx context.Context) (bool, error)
}

type Clients interface {
	// GetClientByID fetches a registered relying party.
	GetClientByID(ctx context.Context, id string) (domain.Client, error)

	// ListClients returns all clients ordered by creation date (newest first).
	ListClients(ctx context.Context) ([]domain.Client, error)

	// CreateClient inserts a new client (secret_hash empty for public clients).
	CreateClient(ctx context.Context, c domain.Client) error

	// DeleteClient removes a non-protected client.
	DeleteClient(ctx context.Context, clientID string) error

	// IsEmpty returns true if there are no clients.
	IsEmpty(ctx context.Context) (bool, error)
}

type RefreshTokens interface {
	// CreateRefreshToken stores a new refresh token record.
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	// GetRefreshTokenByHash returns the token by its fingerprint, revoked or
	// not. Callers decide what a revoked hit means (rotation reuse).
	GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// RevokeRefreshToken flips revoked=1, sets updated_at.
	RevokeRefreshToken(ctx context.Context, hash string) error

	// RevokeAllUserRefreshTokens bulk-revokes every live token for a user.
	// Used for the rotation-reuse cascade and password reset.
	RevokeAllUserRefreshTokens(ctx context.Context, userID string) error

	// RevokeSessionRefreshTokens revokes all tokens tied to one session.
	RevokeSessionRefreshTokens(ctx context.Context, sessionID string) error

	// DeleteExpiredRefreshTokens is housekeeping.
	DeleteExpiredRefreshTokens(ctx context.Context) error
}

type Sessions interface {
	// CreateSession registers a new session row (id is the sid).
	CreateSession(ctx context.Context, s domain.Session) error

	// GetSessionByID returns a session by sid.
	GetSessionByID(ctx context.Context, sid string) (domain.Session, error)

	// ListUserSessions returns all non-revoked sessions for a user.
	ListUserSessions(ctx context.Context, userID string) ([]domain.Session, error)

	// TouchSession extends expiry and bumps updated_at on rotation.
	TouchSession(ctx context.Context, sid string, expiresAt time.Time) error

	// ElevateSession records an acr/amr upgrade after step-up.
	ElevateSession(ctx context.Context, sid, acr string, amr []string) error

	// RevokeSession sets revoked_at.
	RevokeSession(ctx context.Context, sid string) error

	// RevokeAllUserSessions revokes every session for a user.
	RevokeAllUserSessions(ctx context.Context, userID string) error

	// ListExpiringSessions returns active sessions expiring within the window.
	ListExpiringSessions(ctx context.Context, within time.Duration) ([]domain.Session, error)

	// DeleteExpiredSessions is housekeeping.
	DeleteExpiredSessions(ctx context.Context) error
}

type Credentials interface {
	// CreateCredential stores a new (usually pending) second factor.
	CreateCredential(ctx context.Context, c domain.Credential) error

	// GetCredentialByID returns a credential by id.
	GetCredentialByID(ctx context.Context, id string) (domain.Credential, error)

	// GetCredentialByWebAuthnID looks up a WebAuthn credential by its raw
	// credential ID.
	GetCredentialByWebAuthnID(ctx context.Context, credentialID []byte) (domain.Credential, error)

	// ListUserCredentials returns a user's credentials, optionally filtered
	// by kind ("" means all) and restricted to active ones when activeOnly.
	ListUserCredentials(ctx context.Context, userID string, kind domain.CredentialKind, activeOnly bool) ([]domain.Credential, error)

	// ActivateCredential promotes a pending credential after confirmation.
	ActivateCredential(ctx context.Context, id string) error

	// UpdateCredentialCounter records the last accepted TOTP step or
	// WebAuthn signature counter and bumps last_used_at.
	UpdateCredentialCounter(ctx context.Context, id string, counter int64) error

	// DeleteCredential removes a credential.
	DeleteCredential(ctx context.Context, id string) error

	// DeletePendingCredentials drops unconfirmed enrolments for a user+kind,
	// so re-provisioning replaces the pending slot.
	DeletePendingCredentials(ctx context.Context, userID string, kind domain.CredentialKind) error
}

type ActionTokens interface {
	// CreateActionToken stores a single-use action token by hash.
	CreateActionToken(ctx context.Context, t domain.ActionToken) error

	// ConsumeActionToken atomically fetches-and-marks-used a live token of
	// the given purpose. Returns ErrNotFound when absent, expired or used.
	ConsumeActionToken(ctx context.Context, hash string, purpose domain.ActionTokenPurpose) (domain.ActionToken, error)

	// InvalidateUserActionTokens marks every outstanding token of one
	// purpose used, so a newer request supersedes older ones.
	InvalidateUserActionTokens(ctx context.Context, userID string, purpose domain.ActionTokenPurpose) error

	// DeleteExpiredActionTokens is housekeeping.
	DeleteExpiredActionTokens(ctx context.Context) error
}

type TrustedDevices interface {
	// CreateTrustedDevice records a remembered device.
	CreateTrustedDevice(ctx context.Context, d domain.TrustedDevice) error

	// GetTrustedDevice returns a device by its opaque id.
	GetTrustedDevice(ctx context.Context, id string) (domain.TrustedDevice, error)

	// ListUserTrustedDevices returns all non-revoked devices for a user.
	ListUserTrustedDevices(ctx context.Context, userID string) ([]domain.TrustedDevice, error)

	// TouchTrustedDevice bumps last_seen_at.
	TouchTrustedDevice(ctx context.Context, id string) error

	// RevokeTrustedDevice sets revoked_at.
	RevokeTrustedDevice(ctx context.Context, id string) error

	// RevokeAllUserTrustedDevices revokes every device for a user.
	RevokeAllUserTrustedDevices(ctx context.Context, userID string) error

	// DeleteExpiredTrustedDevices is housekeeping.
	DeleteExpiredTrustedDevices(ctx context.Context) error
}

type AuthorizationCodes interface {
	// CreateAuthorizationCode stores a freshly minted authorization code.
	CreateAuthorizationCode(ctx context.Context, code domain.AuthorizationCode) error

	// ConsumeAuthorizationCode atomically fetches a live code by hash and
	// marks it used, so a code can never be redeemed twice.
	ConsumeAuthorizationCode(ctx context.Context, hash string) (domain.AuthorizationCode, error)

	// DeleteExpiredAuthorizationCodes removes codes no longer valid.
	DeleteExpiredAuthorizationCodes(ctx context.Context) error
}
