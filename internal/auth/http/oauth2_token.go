package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// TokenHandler handles POST /v1/oauth2/token. Only the authorization_code
// grant is served here; first-party refresh rotation lives at /v1/refresh.
type TokenHandler struct {
	OIDC   *service.OIDCService
	Tokens *service.TokenService
}

func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		httpx.ErrInvalidContentType.WriteError(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.ErrInvalidRequest.WriteError(w)
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	default:
		httpx.ErrUnsupportedGrantType.WriteError(w)
	}
}

func (h *TokenHandler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	clientID, clientSecret := clientCredentials(r)

	pair, err := h.OIDC.ExchangeCode(ctx, service.TokenRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	}, r)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidClient):
			httpx.ErrInvalidClient.WriteError(w)
		case errors.Is(err, service.ErrInvalidGrant):
			httpx.ErrInvalidGrant.WriteError(w)
		case isDPoPError(err):
			httpx.OAuthError{
				Code: http.StatusBadRequest, Err: "invalid_dpop_proof",
				Description: err.Error(),
			}.WriteError(w)
		default:
			log.Error("token exchange failed", "err", err)
			httpx.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, pair)
}

func isDPoPError(err error) bool {
	for _, sentinel := range []error{
		service.ErrDPoPInvalidProof,
		service.ErrDPoPInvalidHTM,
		service.ErrDPoPInvalidHTU,
		service.ErrDPoPInvalidIAT,
		service.ErrDPoPInvalidJTI,
		service.ErrDPoPInvalidATH,
		service.ErrDPoPReplay,
		service.ErrDPoPJKTMismatch,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
