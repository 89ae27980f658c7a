package http

import (
	"net/http"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// DPoPBinding enforces proof-of-possession on resource endpoints. Tokens
// without a cnf claim pass through untouched; key-bound tokens must arrive
// with a DPoP header whose proof matches the bound thumbprint and hashes the
// presented access token (ath). Runs after AuthnMiddleware.
func DPoPBinding(v *service.DPoPVerifier) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			claims, ok := httpx.ClaimsFromCtx(ctx)
			if !ok || claims.Cnf == nil || claims.Cnf.Jkt == "" {
				next.ServeHTTP(w, r)
				return
			}

			proof := r.Header.Get("DPoP")
			if proof == "" {
				writeDPoPError(w, "missing DPoP proof")
				return
			}

			accessToken := httpx.BearerFromRequest(r)
			if _, err := v.VerifyProof(ctx, proof, r, claims.Cnf.Jkt, accessToken); err != nil {
				slogx.FromContext(ctx).Info("dpop proof rejected",
					"user_id", claims.Subject, "err", err)
				writeDPoPError(w, err.Error())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeDPoPError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token", error_description="`+desc+`"`)
	httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "invalid_token",
		"error_description": desc,
	})
}
