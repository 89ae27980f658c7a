package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/pkg/cryptox"
)

func newTestTOTPService(t *testing.T) (*TOTPService, context.Context) {
	t.Helper()

	sealer, err := cryptox.NewSealer("Unit-Test-Seal-Key-0123456789-abcdef")
	require.NoError(t, err)

	return &TOTPService{
		Store:  newTestStore(t),
		Sealer: sealer,
		Audit:  testLogger(),
		Issuer: "test-authority",
	}, context.Background()
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestTOTPSetupPromotesPendingOnFirstValidCode(t *testing.T) {
	s, ctx := newTestTOTPService(t)
	user := createTestUser(t, s.Store, "alice")

	enr, err := s.SetupStart(ctx, user)
	require.NoError(t, err)
	require.NotEmpty(t, enr.Secret)
	require.Contains(t, enr.URI, "otpauth://totp/")
	require.True(t, strings.HasPrefix(enr.QRCode, "data:image/png;base64,"))

	status, err := s.Status(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, status.Enrolled)
	require.True(t, status.Pending)

	require.ErrorIs(t, s.SetupVerify(ctx, user.ID, "000000"), ErrInvalidTOTPCode)

	require.NoError(t, s.SetupVerify(ctx, user.ID, codeAt(t, enr.Secret, time.Now())))

	status, err = s.Status(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, status.Enrolled)
	require.False(t, status.Pending)
}

func TestTOTPSetupStartReplacesPendingSecret(t *testing.T) {
	s, ctx := newTestTOTPService(t)
	user := createTestUser(t, s.Store, "bob")

	first, err := s.SetupStart(ctx, user)
	require.NoError(t, err)
	second, err := s.SetupStart(ctx, user)
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	// Only the replacement secret verifies.
	require.Error(t, s.SetupVerify(ctx, user.ID, codeAt(t, first.Secret, time.Now())))
	require.NoError(t, s.SetupVerify(ctx, user.ID, codeAt(t, second.Secret, time.Now())))
}

func TestTOTPChallengeRejectsConsumedStep(t *testing.T) {
	s, ctx := newTestTOTPService(t)
	user := createTestUser(t, s.Store, "carol")

	enr, err := s.SetupStart(ctx, user)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.SetupVerify(ctx, user.ID, codeAt(t, enr.Secret, now)))

	// The step consumed during setup cannot be replayed at the challenge.
	err = s.ChallengeVerify(ctx, user.ID, codeAt(t, enr.Secret, now))
	require.ErrorIs(t, err, ErrTOTPReplay)

	// The next step is fresh.
	next := now.Add(totpPeriod * time.Second)
	require.NoError(t, s.ChallengeVerify(ctx, user.ID, codeAt(t, enr.Secret, next)))

	// And consuming it blocks it too.
	err = s.ChallengeVerify(ctx, user.ID, codeAt(t, enr.Secret, next))
	require.ErrorIs(t, err, ErrTOTPReplay)
}

func TestTOTPChallengeWithoutEnrolment(t *testing.T) {
	s, ctx := newTestTOTPService(t)
	user := createTestUser(t, s.Store, "dave")

	err := s.ChallengeVerify(ctx, user.ID, "123456")
	require.ErrorIs(t, err, ErrTOTPNotEnrolled)
}

func TestTOTPSecretSealedAtRest(t *testing.T) {
	s, ctx := newTestTOTPService(t)
	user := createTestUser(t, s.Store, "erin")

	enr, err := s.SetupStart(ctx, user)
	require.NoError(t, err)

	creds, err := s.Store.Credentials().ListUserCredentials(ctx, user.ID, "totp", false)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	require.NotContains(t, string(creds[0].Secret), enr.Secret)
}
