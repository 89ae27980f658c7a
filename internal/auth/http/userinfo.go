package http

import (
	"net/http"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// UserInfoHandler handles GET /v1/oauth2/userinfo. Key-bound tokens have
// already been checked by the DPoP middleware by the time this runs.
type UserInfoHandler struct {
	OIDC *service.OIDCService
}

func (h *UserInfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromCtx(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing subject")
		return
	}

	info, err := h.OIDC.UserInfo(ctx, userID)
	if err != nil {
		log.Error("userinfo lookup failed", "user_id", userID, "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, info)
}
