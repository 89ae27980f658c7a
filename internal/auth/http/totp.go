package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/jwtx"
	"github.com/tradematch/authority/pkg/slogx"
)

// TOTPHandler owns the enrolment and challenge endpoints. Every route here
// requires a challenge-scoped (step-up) bearer token.
type TOTPHandler struct {
	TOTP   *service.TOTPService
	StepUp *service.StepUpEngine
	Users  *service.UserService

	ClientID string
	Scope    string
	Secure   bool
}

// HandleStatus handles GET /v1/totp/status.
func (h *TOTPHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	status, err := h.TOTP.Status(ctx, httpx.UserIDFromCtx(ctx))
	if err != nil {
		log.Error("totp status failed", "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, status)
}

type totpSetupResponse struct {
	Secret    string `json:"secret"`
	OTPAuth   string `json:"otpauth"`
	QRDataURL string `json:"qrDataUrl"`
}

// HandleSetupStart handles POST /v1/totp/setup/start. Creates (or replaces)
// the pending secret; nothing is trusted until setup/verify succeeds.
func (h *TOTPHandler) HandleSetupStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	user, err := h.Users.GetByID(ctx, httpx.UserIDFromCtx(ctx))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "unknown subject")
		return
	}

	enrollment, err := h.TOTP.SetupStart(ctx, user)
	if err != nil {
		if errors.Is(err, service.ErrTOTPAlreadyEnrolled) {
			writeError(w, http.StatusBadRequest, "already_enrolled", "an authenticator is already active")
			return
		}
		log.Error("totp setup start failed", "user_id", user.ID, "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, totpSetupResponse{
		Secret:    enrollment.Secret,
		OTPAuth:   enrollment.URI,
		QRDataURL: enrollment.QRCode,
	})
}

type totpCodeRequest struct {
	Code     string `json:"code"`
	Remember bool   `json:"remember"`
}

// HandleSetupVerify handles POST /v1/totp/setup/verify: promotes the pending
// secret to active on the first valid code.
func (h *TOTPHandler) HandleSetupVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req totpCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code required")
		return
	}

	userID := httpx.UserIDFromCtx(ctx)
	if err := h.TOTP.SetupVerify(ctx, userID, req.Code); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTOTPCode):
			writeError(w, http.StatusBadRequest, "invalid_code", "code did not match")
		case errors.Is(err, service.ErrTOTPNotEnrolled):
			writeError(w, http.StatusBadRequest, "not_enrolled", "no pending enrolment; call setup/start first")
		default:
			log.Error("totp setup verify failed", "user_id", userID, "err", err)
			httpx.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"enrolled": true})
}

// HandleChallengeVerify handles POST /v1/totp/challenge/verify: the second
// half of a step-up login. Success issues a fresh aal2 session and, when
// asked, a trusted-device cookie pair so the next login skips the prompt.
func (h *TOTPHandler) HandleChallengeVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req totpCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code required")
		return
	}

	user, err := h.Users.GetByID(ctx, httpx.UserIDFromCtx(ctx))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "unknown subject")
		return
	}

	lc := service.LoginContext{
		ClientID:   h.ClientID,
		Scope:      h.Scope,
		UserAgent:  r.UserAgent(),
		RemoteAddr: httpx.IPKeyExtractor(r),
	}

	pair, tdid, tdmeta, err := h.StepUp.CompleteTOTP(ctx, user, req.Code, req.Remember, lc)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTOTPReplay):
			writeError(w, http.StatusUnauthorized, "replay", "code already used")
		case errors.Is(err, service.ErrInvalidTOTPCode), errors.Is(err, service.ErrTOTPNotEnrolled):
			writeError(w, http.StatusUnauthorized, "invalid_code", "code did not match")
		default:
			log.Error("totp challenge failed", "user_id", user.ID, "err", err)
			httpx.ErrServerError.WriteError(w)
		}
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

// setSessionCookies writes the rotated refresh cookie plus, when a device
// was remembered, the tdid/tdmeta pair.
func setSessionCookies(w http.ResponseWriter, e *service.StepUpEngine, refresh, tdid, tdmeta string, secure bool) {
	httpx.SetSecureCookie(w, refreshCookie, refresh, refreshPath, int(e.Tokens.RefreshTTL.Seconds()), secure)
	if tdid != "" && tdmeta != "" {
		maxAge := int(e.TrustedDevices.TTL.Seconds())
		httpx.SetSecureCookie(w, tdidCookie, tdid, trustedPath, maxAge, secure)
		httpx.SetSecureCookie(w, tdmetaCookie, tdmeta, trustedPath, maxAge, secure)
	}
}
