package service

import (
	"context"
	"log/slog"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/pkg/jwtx"
)

// Step-up discriminators returned to the client so it knows which challenge
// to present.
const (
	StepUpEnrollTOTP = "enroll_totp"
	StepUpTOTP       = "totp"
)

// LoginContext carries the request-scoped inputs the step-up decision needs.
type LoginContext struct {
	ClientID   string
	Scope      string
	UserAgent  string
	RemoteAddr string
	DeviceID   string // tdid cookie, may be empty
	DeviceMeta string // tdmeta cookie, may be empty
}

// LoginResult is either a finished token pair or a pending challenge, never
// both.
type LoginResult struct {
	Pair      *domain.TokenPair
	ACR       string
	StepUp    string // challenge discriminator, "" when Pair is set
	Challenge *domain.StepUpChallengeResponse
}

// StepUpEngine decides, per login, whether the request already satisfies
// step-up (trusted device), must be challenged (enrolled), or must enrol
// first.
type StepUpEngine struct {
	Tokens         *TokenService
	TOTP           *TOTPService
	WebAuthn       *WebAuthnService
	TrustedDevices *TrustedDeviceService
	Audit          *slog.Logger
}

// Decide runs after the password check succeeded. A valid trusted-device
// marker synthesizes an aal2 session immediately, reusing the factors the
// device recorded; otherwise the caller gets a step-up token scoped to the
// challenge endpoints.
func (e *StepUpEngine) Decide(ctx context.Context, user domain.User, lc LoginContext) (LoginResult, error) {
	if factors, ok := e.TrustedDevices.Verify(ctx, user.ID, lc.DeviceID, lc.DeviceMeta); ok {
		pair, err := e.Tokens.Issue(ctx, IssueParams{
			User:       user,
			ClientID:   lc.ClientID,
			Scope:      lc.Scope,
			ACR:        jwtx.ACRAAL2,
			AMR:        factors,
			UserAgent:  lc.UserAgent,
			RemoteAddr: lc.RemoteAddr,
		})
		if err != nil {
			return LoginResult{}, err
		}
		e.Audit.Info("trusted device bypassed step-up", slog.String("user_id", user.ID))
		return LoginResult{Pair: pair, ACR: jwtx.ACRAAL2}, nil
	}

	enrolled, err := e.TOTP.Enrolled(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}

	stepUpToken, err := e.Tokens.SignStepUp(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}

	kind := StepUpEnrollTOTP
	methods := []string{StepUpTOTP}
	if enrolled {
		kind = StepUpTOTP
		if has, err := e.WebAuthn.HasCredentials(ctx, user.ID); err == nil && has {
			methods = append(methods, "webauthn")
		}
	}

	return LoginResult{
		ACR:    jwtx.ACRStepUp,
		StepUp: kind,
		Challenge: &domain.StepUpChallengeResponse{
			StepUpRequired: true,
			StepUpToken:    stepUpToken,
			Methods:        methods,
		},
	}, nil
}

// CompleteTOTP finishes a step-up challenge: the code is verified with
// replay protection, an aal2 session is issued, and the device is optionally
// remembered.
func (e *StepUpEngine) CompleteTOTP(
	ctx context.Context,
	user domain.User,
	code string,
	remember bool,
	lc LoginContext,
) (*domain.TokenPair, string, string, error) {
	if err := e.TOTP.ChallengeVerify(ctx, user.ID, code); err != nil {
		return nil, "", "", err
	}

	amr := []string{jwtx.AMRPassword, jwtx.AMROTP}
	pair, err := e.Tokens.Issue(ctx, IssueParams{
		User:       user,
		ClientID:   lc.ClientID,
		Scope:      lc.Scope,
		ACR:        jwtx.ACRAAL2,
		AMR:        amr,
		UserAgent:  lc.UserAgent,
		RemoteAddr: lc.RemoteAddr,
	})
	if err != nil {
		return nil, "", "", err
	}

	var tdid, tdmeta string
	if remember {
		tdid, tdmeta, err = e.TrustedDevices.Issue(ctx, user.ID, lc.UserAgent, jwtx.ACRAAL2, amr)
		if err != nil {
			// A failed remember-device write must not fail the login itself.
			e.Audit.Warn("trusted device issuance failed",
				slog.String("user_id", user.ID), slog.Any("error", err))
			tdid, tdmeta = "", ""
		}
	}

	return pair, tdid, tdmeta, nil
}

// CompleteWebAuthn issues the aal2 session after a successful assertion
// ceremony. The factor list reflects a hardware key with user verification.
func (e *StepUpEngine) CompleteWebAuthn(
	ctx context.Context,
	user domain.User,
	remember bool,
	lc LoginContext,
) (*domain.TokenPair, string, string, error) {
	amr := []string{jwtx.AMRPassword, jwtx.AMRHardware, jwtx.AMRUser}
	pair, err := e.Tokens.Issue(ctx, IssueParams{
		User:       user,
		ClientID:   lc.ClientID,
		Scope:      lc.Scope,
		ACR:        jwtx.ACRAAL2,
		AMR:        amr,
		UserAgent:  lc.UserAgent,
		RemoteAddr: lc.RemoteAddr,
	})
	if err != nil {
		return nil, "", "", err
	}

	var tdid, tdmeta string
	if remember {
		tdid, tdmeta, err = e.TrustedDevices.Issue(ctx, user.ID, lc.UserAgent, jwtx.ACRAAL2, amr)
		if err != nil {
			e.Audit.Warn("trusted device issuance failed",
				slog.String("user_id", user.ID), slog.Any("error", err))
			tdid, tdmeta = "", ""
		}
	}

	return pair, tdid, tdmeta, nil
}
