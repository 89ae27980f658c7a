package http

import (
	"net/http"
	"strings"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// IntrospectHandler handles POST /v1/oauth2/introspect (RFC 7662). A token
// that fails verification or whose session has been revoked reports
// active=false; the endpoint itself never errors for a bad token.
type IntrospectHandler struct {
	OIDC *service.OIDCService
}

func (h *IntrospectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	token := r.PostFormValue("token")
	if token == "" {
		httpx.ErrInvalidRequest.WriteError(w)
		return
	}

	resp, err := h.OIDC.Introspect(ctx, token)
	if err != nil {
		log.Error("introspection failed", "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, resp)
}
