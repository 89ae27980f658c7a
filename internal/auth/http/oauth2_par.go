package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// PARHandler handles POST /v1/oauth2/par (RFC 9126). Clients push their
// authorization parameters ahead of time and redirect the user with only the
// returned request_uri handle.
type PARHandler struct {
	OIDC *service.OIDCService
}

func (h *PARHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		httpx.ErrInvalidContentType.WriteError(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.ErrInvalidRequest.WriteError(w)
		return
	}

	clientID, clientSecret := clientCredentials(r)

	requestURI, expiresIn, err := h.OIDC.Push(ctx, service.PARRequest{
		ResponseType:        r.PostFormValue("response_type"),
		ClientID:            clientID,
		ClientSecret:        clientSecret,
		RedirectURI:         r.PostFormValue("redirect_uri"),
		Scope:               r.PostFormValue("scope"),
		State:               r.PostFormValue("state"),
		Nonce:               r.PostFormValue("nonce"),
		CodeChallenge:       r.PostFormValue("code_challenge"),
		CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
		ACRValues:           r.PostFormValue("acr_values"),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidClient):
			httpx.ErrInvalidClient.WriteError(w)
		case errors.Is(err, service.ErrInvalidRequest):
			httpx.ErrInvalidRequest.WriteError(w)
		case errors.Is(err, service.ErrInvalidScope):
			httpx.ErrInvalidScope.WriteError(w)
		default:
			log.Error("pushed authorization request failed", "err", err)
			httpx.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  expiresIn,
	})
}

// clientCredentials accepts HTTP Basic or form-body client authentication.
func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}
