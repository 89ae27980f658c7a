package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/idx"
)

const (
	totpPeriod = 30 // seconds per time step
	totpSkew   = 1  // accepted steps either side of now
)

var (
	ErrTOTPNotEnrolled     = errors.New("totp not enrolled")
	ErrTOTPAlreadyEnrolled = errors.New("totp already enrolled")
	ErrInvalidTOTPCode     = errors.New("invalid totp code")

	// ErrTOTPReplay means the code was numerically valid but its time step
	// was already consumed by an earlier verification.
	ErrTOTPReplay = errors.New("replay")
)

// TOTPService owns TOTP enrolment and verification. Secrets are sealed with
// an AEAD before they touch the database and only ever decrypted in memory
// for a single verification.
type TOTPService struct {
	Store  store.Store
	Sealer *cryptox.Sealer
	Audit  *slog.Logger
	Issuer string
}

// TOTPStatus reports whether a user has an active or pending enrolment.
type TOTPStatus struct {
	Enrolled bool `json:"enrolled"`
	Pending  bool `json:"pending"`
}

// Status returns the user's enrolment state.
func (s *TOTPService) Status(ctx context.Context, userID string) (TOTPStatus, error) {
	creds, err := s.Store.Credentials().ListUserCredentials(ctx, userID, domain.CredentialTOTP, false)
	if err != nil {
		return TOTPStatus{}, err
	}
	var st TOTPStatus
	for _, c := range creds {
		switch c.Status {
		case domain.CredentialActive:
			st.Enrolled = true
		case domain.CredentialPending:
			st.Pending = true
		}
	}
	return st, nil
}

// SetupStart provisions a new secret in the pending slot. Re-provisioning
// replaces any earlier pending secret; an active enrolment is not touched.
func (s *TOTPService) SetupStart(ctx context.Context, user domain.User) (domain.TOTPEnrollment, error) {
	st, err := s.Status(ctx, user.ID)
	if err != nil {
		return domain.TOTPEnrollment{}, err
	}
	if st.Enrolled {
		return domain.TOTPEnrollment{}, ErrTOTPAlreadyEnrolled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: user.Username,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return domain.TOTPEnrollment{}, fmt.Errorf("failed to generate totp key: %w", err)
	}

	sealed, err := s.Sealer.Seal(key.Secret())
	if err != nil {
		return domain.TOTPEnrollment{}, err
	}

	cred := domain.Credential{
		ID:     idx.New().String(),
		UserID: user.ID,
		Kind:   domain.CredentialTOTP,
		Status: domain.CredentialPending,
		Label:  "authenticator",
		Secret: []byte(sealed),
	}

	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Credentials().DeletePendingCredentials(ctx, user.ID, domain.CredentialTOTP); err != nil {
			return err
		}
		return tx.Credentials().CreateCredential(ctx, cred)
	}); err != nil {
		return domain.TOTPEnrollment{}, err
	}

	qr, err := qrDataURL(key)
	if err != nil {
		return domain.TOTPEnrollment{}, err
	}

	return domain.TOTPEnrollment{
		CredentialID: cred.ID,
		Secret:       key.Secret(),
		URI:          key.URL(),
		QRCode:       qr,
	}, nil
}

// SetupVerify confirms the pending secret with one valid code, promoting it
// to the active slot. The matched time step is recorded so the same code
// cannot be replayed against the challenge endpoint.
func (s *TOTPService) SetupVerify(ctx context.Context, userID, code string) error {
	cred, err := s.pendingCredential(ctx, userID)
	if err != nil {
		return err
	}

	step, err := s.matchCode(cred, code, time.Now())
	if err != nil {
		return err
	}

	if err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Credentials().ActivateCredential(ctx, cred.ID); err != nil {
			return err
		}
		return tx.Credentials().UpdateCredentialCounter(ctx, cred.ID, step)
	}); err != nil {
		return err
	}

	s.Audit.Info("totp enrolment confirmed", slog.String("user_id", userID))
	return nil
}

// ChallengeVerify checks a code against the active enrolment. A code whose
// time step was already accepted is rejected as replay even though it is
// numerically valid for the window.
func (s *TOTPService) ChallengeVerify(ctx context.Context, userID, code string) error {
	cred, err := s.activeCredential(ctx, userID)
	if err != nil {
		return err
	}

	step, err := s.matchCode(cred, code, time.Now())
	if err != nil {
		if errors.Is(err, ErrTOTPReplay) {
			s.Audit.Warn("totp replay rejected", slog.String("user_id", userID))
		}
		return err
	}

	return s.Store.Credentials().UpdateCredentialCounter(ctx, cred.ID, step)
}

// Enrolled reports whether the user has an active TOTP credential.
func (s *TOTPService) Enrolled(ctx context.Context, userID string) (bool, error) {
	st, err := s.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.Enrolled, nil
}

// Remove deletes the user's TOTP credentials after verifying a current code.
func (s *TOTPService) Remove(ctx context.Context, userID, code string) error {
	if err := s.ChallengeVerify(ctx, userID, code); err != nil {
		return err
	}
	creds, err := s.Store.Credentials().ListUserCredentials(ctx, userID, domain.CredentialTOTP, false)
	if err != nil {
		return err
	}
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		for _, c := range creds {
			if err := tx.Credentials().DeleteCredential(ctx, c.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// matchCode unseals the secret, finds the time step the code matches within
// the +/- skew window, and enforces the monotonic counter.
func (s *TOTPService) matchCode(cred domain.Credential, code string, now time.Time) (int64, error) {
	secret, err := s.Sealer.Open(string(cred.Secret))
	if err != nil {
		return 0, err
	}

	step, ok := matchTOTPStep(code, secret, now)
	if !ok {
		return 0, ErrInvalidTOTPCode
	}
	if step <= cred.Counter {
		return 0, ErrTOTPReplay
	}
	return step, nil
}

// matchTOTPStep tries the current step and its immediate neighbours, each
// with zero skew, so we learn exactly which step the code belongs to.
func matchTOTPStep(code, secret string, now time.Time) (int64, bool) {
	for _, off := range []int{0, -1, 1} {
		at := now.Add(time.Duration(off*totpPeriod) * time.Second)
		ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err == nil && ok {
			return at.Unix() / totpPeriod, true
		}
	}
	return 0, false
}

func (s *TOTPService) pendingCredential(ctx context.Context, userID string) (domain.Credential, error) {
	return s.findCredential(ctx, userID, domain.CredentialPending)
}

func (s *TOTPService) activeCredential(ctx context.Context, userID string) (domain.Credential, error) {
	return s.findCredential(ctx, userID, domain.CredentialActive)
}

func (s *TOTPService) findCredential(ctx context.Context, userID string, status domain.CredentialStatus) (domain.Credential, error) {
	creds, err := s.Store.Credentials().ListUserCredentials(ctx, userID, domain.CredentialTOTP, false)
	if err != nil {
		return domain.Credential{}, err
	}
	for _, c := range creds {
		if c.Status == status {
			return c, nil
		}
	}
	return domain.Credential{}, ErrTOTPNotEnrolled
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(200, 200)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
