package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/slogx"
)

// AccountHandler owns registration, password reset and email verification.
// Token delivery (mail) happens out of band; these endpoints only mint and
// consume the single-use action tokens.
type AccountHandler struct {
	Users *service.UserService
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// HandleRegister handles POST /v1/register.
func (h *AccountHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Email == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email, username and password required")
		return
	}

	user, verifyToken, err := h.Users.Register(ctx, req.Email, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccountTaken):
			writeError(w, http.StatusConflict, "account_taken", "email or username already registered")
		case errors.Is(err, service.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "weak_password", "password does not meet minimum requirements")
		default:
			log.Error("registration failed", "err", err)
			httpx.ErrServerError.WriteError(w)
		}
		return
	}

	// Handed to the mail pipeline, never to the caller.
	log.Debug("email verification token minted", "user_id", user.ID, "token", slogx.Mask(verifyToken))

	httpx.WriteJSON(w, http.StatusCreated, registerResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
	})
}

type resetRequest struct {
	Email string `json:"email"`
}

// HandleResetRequest handles POST /v1/password-reset/request. The response
// is identical whether or not the email exists.
func (h *AccountHandler) HandleResetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email required")
		return
	}

	token, err := h.Users.RequestPasswordReset(ctx, req.Email)
	if err != nil {
		log.Error("password reset request failed", "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}
	if token != "" {
		log.Debug("password reset token minted", "token", slogx.Mask(token))
	}

	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type resetConfirmRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// HandleResetConfirm handles POST /v1/password-reset/confirm. A successful
// reset revokes every session, refresh token and trusted device the account
// holds.
func (h *AccountHandler) HandleResetConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req resetConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token and password required")
		return
	}

	if err := h.Users.CompletePasswordReset(ctx, req.Token, req.Password); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAction):
			writeError(w, http.StatusUnauthorized, "invalid_action_token", "reset token invalid, expired or already used")
		case errors.Is(err, service.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "weak_password", "password does not meet minimum requirements")
		default:
			log.Error("password reset failed", "err", err)
			httpx.ErrServerError.WriteError(w)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type emailVerifyRequest struct {
	Token string `json:"token"`
}

// HandleEmailVerify handles POST /v1/email/verify.
func (h *AccountHandler) HandleEmailVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req emailVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token required")
		return
	}

	if err := h.Users.VerifyEmail(ctx, req.Token); err != nil {
		if errors.Is(err, service.ErrInvalidAction) {
			writeError(w, http.StatusUnauthorized, "invalid_action_token", "verification token invalid, expired or already used")
			return
		}
		log.Error("email verification failed", "err", err)
		httpx.ErrServerError.WriteError(w)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}
