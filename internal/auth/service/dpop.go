package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/pkg/jwtx"
)

const dpopReplayPrefix = "dpop:jti:"

// DPoP verification failures carry the exact machine-readable reasons the
// protocol surface reports.
var (
	ErrDPoPInvalidProof = errors.New("invalid dpop proof")
	ErrDPoPInvalidHTM   = errors.New("invalid dpop htm")
	ErrDPoPInvalidHTU   = errors.New("invalid dpop htu")
	ErrDPoPInvalidIAT   = errors.New("invalid dpop iat")
	ErrDPoPInvalidJTI   = errors.New("invalid dpop jti")
	ErrDPoPInvalidATH   = errors.New("invalid dpop ath")
	ErrDPoPReplay       = errors.New("replay")
	ErrDPoPJKTMismatch  = errors.New("dpop jkt mismatch")
)

type dpopClaims struct {
	jwt.RegisteredClaims
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	ATH string `json:"ath,omitempty"`
}

// DPoPVerifier validates proof-of-possession headers. The replay ledger is a
// cache keyed by jti, so the single-use guarantee holds across processes
// when a shared cache backs it.
type DPoPVerifier struct {
	Cache     cache.Cache
	Skew      time.Duration // accepted iat clock skew
	ReplayTTL time.Duration // how long a jti stays blocked
}

// VerifyProof checks one DPoP proof against the current request. When
// expectedJKT is non-empty the embedded key's thumbprint must match it (the
// access token's cnf.jkt); when accessToken is non-empty the proof must
// additionally carry a matching ath hash. The embedded key's thumbprint is
// returned so the token endpoint can bind it into a fresh token.
func (v *DPoPVerifier) VerifyProof(
	ctx context.Context,
	proof string,
	r *http.Request,
	expectedJKT string,
	accessToken string,
) (string, error) {
	var jkt string

	claims := &dpopClaims{}
	token, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != "dpop+jwt" {
			return nil, ErrDPoPInvalidProof
		}
		raw, ok := t.Header["jwk"]
		if !ok {
			return nil, ErrDPoPInvalidProof
		}
		blob, err := json.Marshal(raw)
		if err != nil {
			return nil, ErrDPoPInvalidProof
		}
		var key jwtx.JWK
		if err := json.Unmarshal(blob, &key); err != nil {
			return nil, ErrDPoPInvalidProof
		}
		jkt, err = key.Thumbprint()
		if err != nil {
			return nil, ErrDPoPInvalidProof
		}
		return key.PublicKey()
	}, jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}))
	if err != nil || !token.Valid {
		return "", ErrDPoPInvalidProof
	}

	if !strings.EqualFold(claims.HTM, r.Method) {
		return "", ErrDPoPInvalidHTM
	}

	want := canonicalRequestURL(r)
	got, err := canonicalizeHTU(claims.HTU)
	if err != nil || got != want {
		return "", ErrDPoPInvalidHTU
	}

	if claims.IssuedAt == nil {
		return "", ErrDPoPInvalidIAT
	}
	if d := time.Since(claims.IssuedAt.Time); d > v.Skew || d < -v.Skew {
		return "", ErrDPoPInvalidIAT
	}

	jti := claims.ID
	if jti == "" {
		return "", ErrDPoPInvalidJTI
	}
	if err := v.Cache.SetNX(ctx, dpopReplayPrefix+jti, "1", v.ReplayTTL); err != nil {
		if errors.Is(err, cache.ErrExists) {
			return "", ErrDPoPReplay
		}
		return "", fmt.Errorf("dpop replay check: %w", err)
	}

	if expectedJKT != "" && jkt != expectedJKT {
		return "", ErrDPoPJKTMismatch
	}

	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		if claims.ATH != base64.RawURLEncoding.EncodeToString(sum[:]) {
			return "", ErrDPoPInvalidATH
		}
	}

	return jkt, nil
}

// canonicalRequestURL builds scheme://host/path for the inbound request,
// honouring proxy headers and stripping query and fragment.
func canonicalRequestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func canonicalizeHTU(htu string) (string, error) {
	u, err := url.Parse(htu)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("htu not absolute")
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.Scheme + "://" + u.Host + u.Path, nil
}
