package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/jwtx"
)

func newTestStepUpEngine(t *testing.T) *StepUpEngine {
	t.Helper()

	st := newTestStore(t)
	sealer, err := cryptox.NewSealer("Unit-Test-Seal-Key-0123456789-abcdef")
	require.NoError(t, err)

	return &StepUpEngine{
		Tokens: newTestTokenService(t, st),
		TOTP: &TOTPService{
			Store:  st,
			Sealer: sealer,
			Audit:  testLogger(),
			Issuer: "test-authority",
		},
		WebAuthn: &WebAuthnService{
			Store:        st,
			Cache:        cache.NewMemory(),
			Audit:        testLogger(),
			ChallengeTTL: 5 * time.Minute,
		},
		TrustedDevices: &TrustedDeviceService{
			Store:  st,
			Cache:  cache.NewMemory(),
			Audit:  testLogger(),
			Secret: []byte("stepup-test-device-secret"),
			TTL:    time.Hour,
		},
		Audit: testLogger(),
	}
}

func enrollTOTPUser(t *testing.T, e *StepUpEngine, user domain.User) string {
	t.Helper()

	enr, err := e.TOTP.SetupStart(context.Background(), user)
	require.NoError(t, err)
	require.NoError(t, e.TOTP.SetupVerify(context.Background(), user.ID, codeAt(t, enr.Secret, time.Now())))
	return enr.Secret
}

func TestDecideAsksForEnrolmentWithoutTOTP(t *testing.T) {
	e := newTestStepUpEngine(t)
	user := createTestUser(t, e.Tokens.Store, "stepup-fresh")

	res, err := e.Decide(context.Background(), user, LoginContext{ClientID: "web", Scope: "openid"})
	require.NoError(t, err)
	require.Nil(t, res.Pair)
	require.Equal(t, StepUpEnrollTOTP, res.StepUp)
	require.Equal(t, jwtx.ACRStepUp, res.ACR)
	require.NotNil(t, res.Challenge)
	require.Equal(t, []string{StepUpTOTP}, res.Challenge.Methods)

	// The handed-out token is scoped to the challenge endpoints only.
	claims, err := newTestVerifier(t, e.Tokens).Verify(res.Challenge.StepUpToken)
	require.NoError(t, err)
	require.Equal(t, jwtx.ScopeStepUp, claims.Scope)
	require.Equal(t, jwtx.ACRStepUp, claims.ACR)
}

func TestDecideChallengesEnrolledUser(t *testing.T) {
	e := newTestStepUpEngine(t)
	user := createTestUser(t, e.Tokens.Store, "stepup-enrolled")
	enrollTOTPUser(t, e, user)

	res, err := e.Decide(context.Background(), user, LoginContext{ClientID: "web", Scope: "openid"})
	require.NoError(t, err)
	require.Nil(t, res.Pair)
	require.Equal(t, StepUpTOTP, res.StepUp)
	require.Equal(t, []string{StepUpTOTP}, res.Challenge.Methods)
}

func TestCompleteTOTPIssuesElevatedSessionAndRemembersDevice(t *testing.T) {
	e := newTestStepUpEngine(t)
	user := createTestUser(t, e.Tokens.Store, "stepup-complete")
	secret := enrollTOTPUser(t, e, user)
	ctx := context.Background()
	lc := LoginContext{ClientID: "web", Scope: "openid", UserAgent: "test-agent"}

	// Enrolment consumed the current step, so step one interval ahead.
	code := codeAt(t, secret, time.Now().Add(totpPeriod*time.Second))

	pair, tdid, tdmeta, err := e.CompleteTOTP(ctx, user, code, true, lc)
	require.NoError(t, err)
	require.NotEmpty(t, tdid)
	require.NotEmpty(t, tdmeta)

	claims, err := newTestVerifier(t, e.Tokens).Verify(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, jwtx.ACRAAL2, claims.ACR)
	require.ElementsMatch(t, []string{jwtx.AMRPassword, jwtx.AMROTP}, claims.AMR)

	// The remembered device now bypasses the challenge entirely.
	res, err := e.Decide(ctx, user, LoginContext{
		ClientID:   "web",
		Scope:      "openid",
		DeviceID:   tdid,
		DeviceMeta: tdmeta,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Pair)
	require.Empty(t, res.StepUp)
	require.Equal(t, jwtx.ACRAAL2, res.ACR)

	claims, err = newTestVerifier(t, e.Tokens).Verify(res.Pair.AccessToken)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{jwtx.AMRPassword, jwtx.AMROTP}, claims.AMR)
}

func TestCompleteTOTPRejectsBadCode(t *testing.T) {
	e := newTestStepUpEngine(t)
	user := createTestUser(t, e.Tokens.Store, "stepup-badcode")
	enrollTOTPUser(t, e, user)

	_, _, _, err := e.CompleteTOTP(context.Background(), user, "000000", false,
		LoginContext{ClientID: "web", Scope: "openid"})
	require.ErrorIs(t, err, ErrInvalidTOTPCode)
}

func TestCompleteWebAuthnRecordsHardwareFactors(t *testing.T) {
	e := newTestStepUpEngine(t)
	user := createTestUser(t, e.Tokens.Store, "stepup-webauthn")

	pair, tdid, tdmeta, err := e.CompleteWebAuthn(context.Background(), user, false,
		LoginContext{ClientID: "web", Scope: "openid"})
	require.NoError(t, err)
	require.Empty(t, tdid)
	require.Empty(t, tdmeta)

	claims, err := newTestVerifier(t, e.Tokens).Verify(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, jwtx.ACRAAL2, claims.ACR)
	require.ElementsMatch(t, []string{jwtx.AMRPassword, jwtx.AMRHardware, jwtx.AMRUser}, claims.AMR)
}
