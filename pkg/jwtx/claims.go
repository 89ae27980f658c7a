package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token TTLs. Short-lived access tokens, week-long refresh chains.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Authentication context class values carried in the acr claim.
const (
	ACRStepUp = "step-up" // short-lived token limited to finishing a step-up challenge
	ACRAAL1   = "aal1"    // single factor
	ACRAAL2   = "aal2"    // multi factor
)

// Authentication method reference values carried in the amr claim.
const (
	AMRPassword = "pwd"
	AMROTP      = "otp"
	AMRHardware = "hwk"
	AMRUser     = "user"
)

// ScopeStepUp is the only scope a step-up token carries. A bearer of this
// token can complete a TOTP/WebAuthn challenge and nothing else.
const ScopeStepUp = "auth:stepup"

// Cnf is the RFC 7800 confirmation claim. Jkt binds the token to the
// RFC 7638 thumbprint of the caller's DPoP key.
type Cnf struct {
	Jkt string `json:"jkt,omitempty"`
}

// Claims are the access-token claims issued by the authority.
type Claims struct {
	jwt.RegisteredClaims

	// SID is the session id, derived from the refresh token fingerprint.
	SID string `json:"sid,omitempty"`

	// Scope is the space-delimited grant, e.g. "openid profile".
	Scope string `json:"scope,omitempty"`

	// ACR names the assurance level ("aal1", "aal2") or "step-up" for
	// challenge-scoped tokens.
	ACR string `json:"acr,omitempty"`

	// AMR lists the factors used, e.g. ["pwd","otp"].
	AMR []string `json:"amr,omitempty"`

	// Cnf binds the token to a DPoP key when present.
	Cnf *Cnf `json:"cnf,omitempty"`

	// Username is the display identity for the subject.
	Username string `json:"username,omitempty"`
}

// NewAccessClaims builds minimally-correct claims.
func NewAccessClaims(
	subject, sid string,
	scope, acr string,
	amr []string,
	ttl time.Duration,
	issuer string,
	audience []string,
	username string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		SID:      sid,
		Scope:    scope,
		ACR:      acr,
		AMR:      amr,
		Username: username,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// HasScope reports whether the space-delimited scope claim contains want.
func (c *Claims) HasScope(want string) bool {
	return slices.Contains(strings.Fields(c.Scope), want)
}

// ValidateIssuer checks the issuer claim if an expectation is set.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected == "" {
		return nil
	}
	if c.Issuer != expected {
		return ErrIssuer
	}
	return nil
}

// ValidateAudience checks if at least one expected audience is present.
func (c *Claims) ValidateAudience(expected []string) error {
	if len(expected) == 0 {
		return nil
	}
	for _, want := range expected {
		if slices.Contains(c.Audience, want) {
			return nil
		}
	}
	return ErrAudience
}

// ValidateExpiry ensures the token is inside its [nbf, exp] window, allowing
// leeway for clock skew.
func (c *Claims) ValidateExpiry(leeway time.Duration) error {
	now := time.Now().UTC()

	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Add(leeway)) {
		return ErrExpired
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Add(-leeway)) {
		return ErrNotYetValid
	}
	return nil
}
