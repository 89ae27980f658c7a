package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tradematch/authority/pkg/jwtx"
	"github.com/tradematch/authority/pkg/slogx"
)

// AuthnMiddleware verifies the bearer token and injects claims into the
// request context. Step-up tokens (scope auth:stepup) pass through here; use
// RequireScope / RejectStepUpTokens on routes they must not reach.
func AuthnMiddleware(v jwtx.Verifier, leeway time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			authz := r.Header.Get("Authorization")
			raw, ok := bearerToken(authz)
			if !ok {
				writeBearerError(w, "missing bearer token")
				return
			}

			claims, err := v.Verify(raw)
			if err != nil {
				writeBearerError(w, "token verification failed")
				log.Warn("jwt verify failed", "err", err)
				return
			}

			if err := claims.ValidateExpiry(leeway); err != nil {
				writeBearerError(w, "token expired")
				return
			}

			next.ServeHTTP(w, r.WithContext(contextWithAuth(ctx, claims)))
		})
	}
}

// RequireScope rejects requests whose token lacks the scope.
func RequireScope(scope string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromCtx(r.Context())
			if !ok || !claims.HasScope(scope) {
				writeBearerScopeError(w, scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RejectStepUpTokens blocks challenge-scoped tokens from ordinary APIs. A
// step-up token may only finish its challenge.
func RejectStepUpTokens() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromCtx(r.Context())
			if !ok || claims.ACR == jwtx.ACRStepUp {
				writeBearerError(w, "step-up token not accepted here")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerFromRequest extracts the raw bearer token without verifying it.
// Used where the token string itself is an input (DPoP ath binding).
func BearerFromRequest(r *http.Request) string {
	raw, _ := bearerToken(r.Header.Get("Authorization"))
	return raw
}

func bearerToken(authz string) (string, bool) {
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") && !strings.HasPrefix(authz, "DPoP ") {
		return "", false
	}
	_, raw, _ := strings.Cut(authz, " ")
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func contextWithAuth(ctx context.Context, c jwtx.Claims) context.Context {
	ctx = context.WithValue(ctx, CtxKeyUserID, c.Subject)
	ctx = context.WithValue(ctx, CtxKeyClaims, c)
	return ctx
}

// RFC 6750-compliant error response for bearer auth.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}

func writeBearerScopeError(w http.ResponseWriter, required string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="`+required+`"`)
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("insufficient_scope"))
}
