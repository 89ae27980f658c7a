package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// Cookie names. The refresh token never appears in a JSON body; it travels
// in an HttpOnly cookie scoped to the /v1 endpoints that rotate or revoke it.
const (
	refreshCookie = "refresh_token"
	refreshPath   = "/v1"

	tdidCookie   = "tdid"
	tdmetaCookie = "tdmeta"
	trustedPath  = "/v1"
)

// AuthHandler owns login, refresh rotation and logout.
type AuthHandler struct {
	Users          *service.UserService
	Tokens         *service.TokenService
	Sessions       *service.SessionService
	StepUp         *service.StepUpEngine
	TrustedDevices *service.TrustedDeviceService

	ClientID string
	Scope    string
	Secure   bool
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	ACR       string `json:"acr"`
	ExpiresIn int64  `json:"expires_in"`
}

type stepUpResponse struct {
	StepUp   string   `json:"stepUp"`
	Token    string   `json:"token"`
	Username string   `json:"username"`
	ACR      string   `json:"acr"`
	Methods  []string `json:"methods"`
}

func (h *AuthHandler) loginContext(r *http.Request) service.LoginContext {
	return service.LoginContext{
		ClientID:   h.ClientID,
		Scope:      h.Scope,
		UserAgent:  r.UserAgent(),
		RemoteAddr: httpx.IPKeyExtractor(r),
		DeviceID:   httpx.CookieValue(r, tdidCookie),
		DeviceMeta: httpx.CookieValue(r, tdmetaCookie),
	}
}

// HandleLogin handles POST /v1/login. The password check is only the first
// factor: unless a trusted device vouches for the caller, the response is a
// 401 carrying a challenge-scoped token and a stepUp discriminator.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password required")
		return
	}

	user, err := h.Users.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password incorrect")
			return
		}
		log.Error("login failed", "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	res, err := h.StepUp.Decide(ctx, user, h.loginContext(r))
	if err != nil {
		log.Error("step-up decision failed", "user_id", user.ID, "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.NoCache(w)
	if res.StepUp != "" {
		httpx.WriteJSON(w, http.StatusUnauthorized, stepUpResponse{
			StepUp:   res.StepUp,
			Token:    res.Challenge.StepUpToken,
			Username: user.Username,
			ACR:      res.ACR,
			Methods:  res.Challenge.Methods,
		})
		return
	}

	h.setRefreshCookie(w, res.Pair.RefreshToken)
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		Token:     res.Pair.AccessToken,
		Username:  user.Username,
		ACR:       res.ACR,
		ExpiresIn: res.Pair.ExpiresIn,
	})
}

// HandleRefresh handles POST /v1/refresh. The refresh token arrives as a
// cookie and every successful call rotates it. A reuse of an already-rotated
// token is treated as theft: every credential for the user is revoked and
// the caller gets a 403.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	refresh := httpx.CookieValue(r, refreshCookie)
	if refresh == "" {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "missing refresh cookie")
		return
	}

	pair, err := h.Tokens.Refresh(ctx, refresh)
	if err != nil {
		h.clearRefreshCookie(w)
		switch {
		case errors.Is(err, service.ErrRefreshReuse):
			writeError(w, http.StatusForbidden, "refresh_reuse", "refresh token reuse detected; all sessions revoked")
		case errors.Is(err, service.ErrInvalidRefresh):
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token invalid or expired")
		default:
			log.Error("refresh failed", "err", err)
			httpx.ErrServerError.WriteError(w)
		}
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		Token:     pair.AccessToken,
		ExpiresIn: pair.ExpiresIn,
	})
}

// HandleLogout handles POST /v1/logout. Revokes the session behind the
// refresh cookie; an absent or unknown cookie still clears client state.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if refresh := httpx.CookieValue(r, refreshCookie); refresh != "" {
		if err := h.Sessions.RevokeByRefreshToken(ctx, refresh, "logout"); err != nil {
			log.Warn("logout revocation failed", "err", err)
		}
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogoutAll handles POST /v1/logout-all: every session, refresh token
// and trusted-device record for the authenticated user is revoked.
func (h *AuthHandler) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromCtx(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing subject")
		return
	}

	if err := h.Tokens.RevokeAllForUser(ctx, userID, "logout_all"); err != nil {
		log.Error("logout-all failed", "user_id", userID, "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}
	if err := h.TrustedDevices.RevokeAllForUser(ctx, userID); err != nil {
		log.Warn("trusted device revocation failed", "user_id", userID, "err", err)
	}

	h.clearRefreshCookie(w)
	httpx.ClearCookie(w, tdidCookie, trustedPath, h.Secure)
	httpx.ClearCookie(w, tdmetaCookie, trustedPath, h.Secure)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string) {
	httpx.SetSecureCookie(w, refreshCookie, token, refreshPath, int(h.Tokens.RefreshTTL.Seconds()), h.Secure)
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	httpx.ClearCookie(w, refreshCookie, refreshPath, h.Secure)
}

func writeError(w http.ResponseWriter, code int, err, desc string) {
	httpx.WriteJSON(w, code, map[string]string{
		"error":             err,
		"error_description": desc,
	})
}
