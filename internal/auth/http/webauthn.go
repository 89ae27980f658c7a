package http

import (
	"errors"
	"net/http"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/jwtx"
	"github.com/tradematch/authority/pkg/slogx"
)

// WebAuthnHandler owns the two ceremony pairs: registration (full session
// required) and authentication (step-up challenge).
type WebAuthnHandler struct {
	WebAuthn *service.WebAuthnService
	StepUp   *service.StepUpEngine
	Users    *service.UserService

	ClientID string
	Scope    string
	Secure   bool
}

// HandleRegisterStart handles POST /v1/webauthn/register/start. The response
// body is the credential-creation options the browser feeds to
// navigator.credentials.create.
func (h *WebAuthnHandler) HandleRegisterStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	user, err := h.Users.GetByID(ctx, httpx.UserIDFromCtx(ctx))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "unknown subject")
		return
	}

	creation, err := h.WebAuthn.RegisterStart(ctx, user)
	if err != nil {
		log.Error("webauthn register start failed", "user_id", user.ID, "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, creation)
}

// HandleRegisterFinish handles POST /v1/webauthn/register/finish. The body
// is the attestation response produced by the browser.
func (h *WebAuthnHandler) HandleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	user, err := h.Users.GetByID(ctx, httpx.UserIDFromCtx(ctx))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "unknown subject")
		return
	}

	if err := h.WebAuthn.RegisterFinish(ctx, user, r); err != nil {
		if errors.Is(err, service.ErrCeremonyExpired) {
			writeError(w, http.StatusBadRequest, "ceremony_expired", "registration ceremony expired; start again")
			return
		}
		log.Warn("webauthn register finish failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusBadRequest, "invalid_attestation", "attestation rejected")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

// HandleAuthenticateStart handles POST /v1/webauthn/authenticate/start
// (step-up scoped). Returns the assertion options.
func (h *WebAuthnHandler) HandleAuthenticateStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	user, err := h.Users.GetByID(ctx, httpx.UserIDFromCtx(ctx))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "unknown subject")
		return
	}

	assertion, err := h.WebAuthn.LoginStart(ctx, user)
	if err != nil {
		if errors.Is(err, service.ErrWebAuthnNotEnrolled) {
			writeError(w, http.StatusBadRequest, "not_enrolled", "no registered authenticators")
			return
		}
		log.Error("webauthn authenticate start failed", "user_id", user.ID, "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, assertion)
}

// HandleAuthenticateFinish handles POST /v1/webauthn/authenticate/finish
// (step-up scoped). The body is the raw assertion response; a remember=1
// query parameter asks for a trusted-device cookie pair.
func (h *WebAuthnHandler) HandleAuthenticateFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	user, err := h.Users.GetByID(ctx, httpx.UserIDFromCtx(ctx))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "unknown subject")
		return
	}

	if err := h.WebAuthn.LoginFinish(ctx, user, r); err != nil {
		switch {
		case errors.Is(err, service.ErrClonedAuthenticator):
			writeError(w, http.StatusUnauthorized, "cloned_authenticator", "authenticator counter regressed")
		case errors.Is(err, service.ErrCeremonyExpired):
			writeError(w, http.StatusBadRequest, "ceremony_expired", "authentication ceremony expired; start again")
		default:
			log.Warn("webauthn assertion failed", "user_id", user.ID, "err", err)
			writeError(w, http.StatusUnauthorized, "invalid_assertion", "assertion rejected")
		}
		return
	}

	remember := r.URL.Query().Get("remember") == "1"
	lc := service.LoginContext{
		ClientID:   h.ClientID,
		Scope:      h.Scope,
		UserAgent:  r.UserAgent(),
		RemoteAddr: httpx.IPKeyExtractor(r),
	}

	pair, tdid, tdmeta, err := h.StepUp.CompleteWebAuthn(ctx, user, remember, lc)
	if err != nil {
		log.Error("webauthn step-up completion failed", "user_id", user.ID, "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	setSessionCookies(w, h.StepUp, pair.RefreshToken, tdid, tdmeta, h.Secure)
	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		Token:     pair.AccessToken,
		Username:  user.Username,
		ACR:       jwtx.ACRAAL2,
		ExpiresIn: pair.ExpiresIn,
	})
}
