package http

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// AuthorizeHandler handles GET /v1/oauth2/authorize for an already
// authenticated user: it mints a one-time code and 302s back to the client.
// The session id and assurance claims of the bearer token travel into the
// code, so the relying party inherits the step-up level the user reached.
type AuthorizeHandler struct {
	OIDC *service.OIDCService
}

func (h *AuthorizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	claims, ok := httpx.ClaimsFromCtx(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "login_required", "authenticate before authorizing")
		return
	}

	q := r.URL.Query()
	req := service.AuthorizeRequest{
		RequestURI:          q.Get("request_uri"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),

		UserID:    claims.Subject,
		SessionID: claims.SID,
		ACR:       claims.ACR,
		AMR:       claims.AMR,
	}

	res, err := h.OIDC.Authorize(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrLoginRequired):
			writeError(w, http.StatusUnauthorized, "login_required", "authenticate before authorizing")
		case errors.Is(err, service.ErrInvalidClient):
			httpx.ErrInvalidClient.WriteError(w)
		case errors.Is(err, service.ErrInvalidRequest):
			httpx.ErrInvalidRequest.WriteError(w)
		default:
			log.Error("authorize failed", "err", err)
			httpx.ErrServerError.WriteError(w)
		}
		return
	}

	redirect, err := url.Parse(res.RedirectURI)
	if err != nil {
		httpx.ErrInvalidRequest.WriteError(w)
		return
	}
	rq := redirect.Query()
	rq.Set("code", res.Code)
	if res.State != "" {
		rq.Set("state", res.State)
	}
	redirect.RawQuery = rq.Encode()

	httpx.NoCache(w)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}
