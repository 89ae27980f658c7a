package domain

import "time"

// TokenPair is what the token endpoints return: the short-lived access token
// (JWT) and the opaque refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"` // "Bearer" or "DPoP"
	ExpiresIn    int64  `json:"expires_in"`           // seconds until expiry
	Scope        string `json:"scope,omitempty"`      // space-delimited
}

// RefreshToken models the stored refresh token record. Only the fingerprint
// of the token is persisted; the plaintext exists solely in the client's
// hands.
type RefreshToken struct {
	ID        string
	UserID    string
	ClientID  string
	TokenHash string // deterministic fingerprint (base64url SHA-256)
	SessionID string // sid of the session this token backs
	Scope     string // space-delimited
	ACR       string // Authentication Context Class Reference at issuance
	AMR       []string
	JKT       string // DPoP key thumbprint the session is bound to, if any
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionTokenPurpose tags what a single-use action token is good for.
type ActionTokenPurpose string

const (
	ActionPasswordReset ActionTokenPurpose = "password_reset"
	ActionEmailVerify   ActionTokenPurpose = "email_verify"
)

// ActionToken is a single-use out-of-band token (password reset, email
// verification). Stored hashed like refresh tokens.
type ActionToken struct {
	ID        string
	UserID    string
	Purpose   ActionTokenPurpose
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
