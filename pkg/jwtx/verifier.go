package jwtx

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrAlgMismatch = errors.New("jwtx: algorithm mismatch")
	ErrUnknownKID  = errors.New("jwtx: unknown kid")
	ErrInvalidSig  = errors.New("jwtx: invalid signature")

	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrAudience    = errors.New("jwtx: audience mismatch")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Verifier validates a JWT and returns the claims if it is legit.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// KeySetVerifier resolves the verification key by the token's kid header and
// checks the header algorithm against the key type instead of trusting the
// token. One verifier works for every algorithm the KeySet holds.
type KeySetVerifier struct {
	Keys     *KeySet
	Issuer   string        // expected iss; empty means "don't care"
	Audience []string      // one of these must be present; empty means "don't care"
	Leeway   time.Duration // clock-skew tolerance for exp/nbf
}

// NewVerifier returns a KeySet-backed Verifier.
func NewVerifier(keys *KeySet, issuer string, audience []string, leeway time.Duration) *KeySetVerifier {
	return &KeySetVerifier{Keys: keys, Issuer: issuer, Audience: audience, Leeway: leeway}
}

func (v *KeySetVerifier) Verify(token string) (Claims, error) {
	var claims Claims

	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKID
		}
		key, err := v.Keys.Get(kid)
		if err != nil {
			return nil, ErrUnknownKID
		}
		if !algMatchesKey(t.Method.Alg(), key) {
			return nil, ErrAlgMismatch
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{AlgorithmRS256, AlgorithmES256, AlgorithmEdDSA}),
		jwt.WithLeeway(v.Leeway),
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownKID), errors.Is(err, ErrAlgMismatch):
			return Claims{}, err
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrExpired
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return Claims{}, ErrNotYetValid
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrInvalidSig
		default:
			return Claims{}, ErrMalformed
		}
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidSig
	}

	if err := claims.ValidateIssuer(v.Issuer); err != nil {
		return Claims{}, err
	}
	if err := claims.ValidateAudience(v.Audience); err != nil {
		return Claims{}, err
	}

	return claims, nil
}

// ChainVerifier tries each verifier in order and returns the first success.
// Used to accept both locally-signed tokens and tokens from a trusted remote
// issuer at introspection time.
type ChainVerifier []Verifier

func (c ChainVerifier) Verify(token string) (Claims, error) {
	var lastErr error = ErrMalformed
	for _, v := range c {
		claims, err := v.Verify(token)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return Claims{}, lastErr
}

func algMatchesKey(alg string, key any) bool {
	switch key.(type) {
	case *rsa.PublicKey:
		return alg == AlgorithmRS256
	case *ecdsa.PublicKey:
		return alg == AlgorithmES256
	case ed25519.PublicKey:
		return alg == AlgorithmEdDSA
	default:
		return false
	}
}
