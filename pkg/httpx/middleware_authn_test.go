package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/pkg/jwtx"
)

func newAuthnFixture(t *testing.T) (*jwtx.KeyManager, jwtx.Verifier) {
	t.Helper()
	km, err := jwtx.NewEphemeralKeyManager(jwtx.AlgorithmEdDSA)
	require.NoError(t, err)
	return km, jwtx.NewVerifier(km.KeySet, "test-iss", nil, 0)
}

func signToken(t *testing.T, km *jwtx.KeyManager, scope, acr string) string {
	t.Helper()
	claims := jwtx.NewAccessClaims("user-1", "sid-1", scope, acr, nil,
		time.Minute, "test-iss", nil, "alice", time.Now())
	token, err := km.Signer().Sign(claims)
	require.NoError(t, err)
	return token
}

// echoSubject writes the authenticated subject so tests can see the context.
var echoSubject = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(UserIDFromCtx(r.Context())))
})

func TestAuthnMiddlewareInjectsClaims(t *testing.T) {
	t.Parallel()

	km, v := newAuthnFixture(t)
	h := Chain(echoSubject, AuthnMiddleware(v, 0))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, km, "openid", jwtx.ACRAAL1))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user-1", w.Body.String())
}

func TestAuthnMiddlewareAcceptsDPoPScheme(t *testing.T) {
	t.Parallel()

	km, v := newAuthnFixture(t)
	h := Chain(echoSubject, AuthnMiddleware(v, 0))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "DPoP "+signToken(t, km, "openid", jwtx.ACRAAL1))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthnMiddlewareRejectsMissingOrBadToken(t *testing.T) {
	t.Parallel()

	_, v := newAuthnFixture(t)
	h := Chain(echoSubject, AuthnMiddleware(v, 0))

	for _, authz := range []string{"", "Basic dXNlcjpwYXNz", "Bearer ", "Bearer garbage"} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if authz != "" {
			r.Header.Set("Authorization", authz)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusUnauthorized, w.Code, "authz %q", authz)
		require.Contains(t, w.Header().Get("WWW-Authenticate"), "invalid_token")
	}
}

func TestRejectStepUpTokens(t *testing.T) {
	t.Parallel()

	km, v := newAuthnFixture(t)
	h := Chain(echoSubject, AuthnMiddleware(v, 0), RejectStepUpTokens())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, km, jwtx.ScopeStepUp, jwtx.ACRStepUp))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, km, "openid", jwtx.ACRAAL1))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRequireScope(t *testing.T) {
	t.Parallel()

	km, v := newAuthnFixture(t)
	h := Chain(echoSubject, AuthnMiddleware(v, 0), RequireScope(jwtx.ScopeStepUp))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, km, "openid profile", jwtx.ACRAAL1))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, km, jwtx.ScopeStepUp, jwtx.ACRStepUp))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestBearerFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, BearerFromRequest(r))

	r.Header.Set("Authorization", "Bearer abc123")
	require.Equal(t, "abc123", BearerFromRequest(r))

	r.Header.Set("Authorization", "DPoP xyz789")
	require.Equal(t, "xyz789", BearerFromRequest(r))
}

func TestRateLimitBucketsByKey(t *testing.T) {
	t.Parallel()

	cfg := RateLimitConfig{RequestsPerWindow: 2, Window: time.Minute, Burst: 2}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), RateLimitByIP(cfg))

	do := func(ip string) int {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("X-Forwarded-For", ip)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, do("10.0.0.1"))
	require.Equal(t, http.StatusNoContent, do("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))

	// Another client is unaffected.
	require.Equal(t, http.StatusNoContent, do("10.0.0.2"))
}

func TestIPKeyExtractor(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:4433"
	require.Equal(t, "192.0.2.7", IPKeyExtractor(r))

	r.Header.Set("X-Real-IP", "203.0.113.9")
	require.Equal(t, "203.0.113.9", IPKeyExtractor(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	require.Equal(t, "198.51.100.2", IPKeyExtractor(r))
}
