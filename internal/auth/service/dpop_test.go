package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/pkg/idx"
	"github.com/tradematch/authority/pkg/jwtx"
)

func newTestDPoPVerifier() *DPoPVerifier {
	return &DPoPVerifier{
		Cache:     cache.NewMemory(),
		Skew:      2 * time.Minute,
		ReplayTTL: 5 * time.Minute,
	}
}

func newProofKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	jwk, err := jwtx.FromPublicKey("", "sig", "ES256", &key.PublicKey)
	require.NoError(t, err)
	thumb, err := jwk.Thumbprint()
	require.NoError(t, err)
	return key, thumb
}

func signProof(t *testing.T, key *ecdsa.PrivateKey, claims dpopClaims) string {
	t.Helper()

	if claims.ID == "" {
		claims.ID = idx.New().String()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"

	jwk, err := jwtx.FromPublicKey("", "sig", "ES256", &key.PublicKey)
	require.NoError(t, err)
	token.Header["jwk"] = jwk

	proof, err := token.SignedString(key)
	require.NoError(t, err)
	return proof
}

func proofClaims(method, htu string) dpopClaims {
	return dpopClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		HTM: method,
		HTU: htu,
	}
}

func TestDPoPProofBindsKeyThumbprint(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, thumb := newProofKey(t)

	r := httptest.NewRequest(http.MethodPost, "http://auth.example/v1/oauth2/token", nil)
	proof := signProof(t, key, proofClaims(http.MethodPost, "http://auth.example/v1/oauth2/token"))

	jkt, err := v.VerifyProof(context.Background(), proof, r, "", "")
	require.NoError(t, err)
	require.Equal(t, thumb, jkt)
}

func TestDPoPProofReplayRejected(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, _ := newProofKey(t)

	r := httptest.NewRequest(http.MethodPost, "http://auth.example/v1/oauth2/token", nil)
	proof := signProof(t, key, proofClaims(http.MethodPost, "http://auth.example/v1/oauth2/token"))

	_, err := v.VerifyProof(context.Background(), proof, r, "", "")
	require.NoError(t, err)

	_, err = v.VerifyProof(context.Background(), proof, r, "", "")
	require.ErrorIs(t, err, ErrDPoPReplay)
}

func TestDPoPProofMethodMismatch(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, _ := newProofKey(t)

	r := httptest.NewRequest(http.MethodPost, "http://auth.example/v1/oauth2/token", nil)
	proof := signProof(t, key, proofClaims(http.MethodGet, "http://auth.example/v1/oauth2/token"))

	_, err := v.VerifyProof(context.Background(), proof, r, "", "")
	require.ErrorIs(t, err, ErrDPoPInvalidHTM)
}

func TestDPoPProofURLMismatch(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, _ := newProofKey(t)

	r := httptest.NewRequest(http.MethodPost, "http://auth.example/v1/oauth2/token", nil)
	proof := signProof(t, key, proofClaims(http.MethodPost, "http://evil.example/v1/oauth2/token"))

	_, err := v.VerifyProof(context.Background(), proof, r, "", "")
	require.ErrorIs(t, err, ErrDPoPInvalidHTU)
}

func TestDPoPProofIgnoresQueryInHTU(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, _ := newProofKey(t)

	r := httptest.NewRequest(http.MethodGet, "http://auth.example/v1/oauth2/userinfo?pretty=1", nil)
	proof := signProof(t, key, proofClaims(http.MethodGet, "http://auth.example/v1/oauth2/userinfo?other=2"))

	_, err := v.VerifyProof(context.Background(), proof, r, "", "")
	require.NoError(t, err)
}

func TestDPoPProofStaleIATRejected(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, _ := newProofKey(t)

	claims := proofClaims(http.MethodPost, "http://auth.example/v1/oauth2/token")
	claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(-10 * time.Minute))

	r := httptest.NewRequest(http.MethodPost, "http://auth.example/v1/oauth2/token", nil)
	proof := signProof(t, key, claims)

	_, err := v.VerifyProof(context.Background(), proof, r, "", "")
	require.ErrorIs(t, err, ErrDPoPInvalidIAT)
}

func TestDPoPProofThumbprintMismatch(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, _ := newProofKey(t)
	_, otherThumb := newProofKey(t)

	r := httptest.NewRequest(http.MethodGet, "http://auth.example/v1/oauth2/userinfo", nil)
	proof := signProof(t, key, proofClaims(http.MethodGet, "http://auth.example/v1/oauth2/userinfo"))

	_, err := v.VerifyProof(context.Background(), proof, r, otherThumb, "")
	require.ErrorIs(t, err, ErrDPoPJKTMismatch)
}

func TestDPoPProofAccessTokenHashChecked(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, _ := newProofKey(t)

	const accessToken = "some.access.token"
	sum := sha256.Sum256([]byte(accessToken))

	claims := proofClaims(http.MethodGet, "http://auth.example/v1/oauth2/userinfo")
	claims.ATH = base64.RawURLEncoding.EncodeToString(sum[:])

	r := httptest.NewRequest(http.MethodGet, "http://auth.example/v1/oauth2/userinfo", nil)
	proof := signProof(t, key, claims)

	_, err := v.VerifyProof(context.Background(), proof, r, "", accessToken)
	require.NoError(t, err)

	// A proof hashed over a different token must not satisfy the binding.
	proof2 := signProof(t, key, claims)
	_, err = v.VerifyProof(context.Background(), proof2, r, "", "a-different-token")
	require.ErrorIs(t, err, ErrDPoPInvalidATH)
}

func TestDPoPProofRequiresProofType(t *testing.T) {
	t.Parallel()

	v := newTestDPoPVerifier()
	key, _ := newProofKey(t)

	claims := proofClaims(http.MethodPost, "http://auth.example/v1/oauth2/token")
	claims.ID = idx.New().String()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	jwk, err := jwtx.FromPublicKey("", "sig", "ES256", &key.PublicKey)
	require.NoError(t, err)
	token.Header["jwk"] = jwk
	proof, err := token.SignedString(key)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "http://auth.example/v1/oauth2/token", nil)
	_, err = v.VerifyProof(context.Background(), proof, r, "", "")
	require.ErrorIs(t, err, ErrDPoPInvalidProof)
}
