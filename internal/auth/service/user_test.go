package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/jwtx"
)

func newTestUserService(t *testing.T, st store.Store) *UserService {
	t.Helper()
	return &UserService{
		Store:     st,
		Tokens:    newTestTokenService(t, st),
		Audit:     testLogger(),
		ResetTTL:  time.Hour,
		VerifyTTL: 24 * time.Hour,
	}
}

func TestRegisterCreatesAccountAndVerifyToken(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestUserService(t, st)
	ctx := context.Background()

	user, verifyToken, err := svc.Register(ctx, "New@Example.com", "newbie", "a-long-enough-password")
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)
	require.Equal(t, "new@example.com", user.Email)
	require.NotEmpty(t, verifyToken)

	stored, err := st.Users().GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.Nil(t, stored.EmailVerified)
	require.NoError(t, cryptox.VerifyPassword("a-long-enough-password", stored.PasswordHash))

	require.NoError(t, svc.VerifyEmail(ctx, verifyToken))
	stored, err = st.Users().GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EmailVerified)

	// Verification tokens are single-use.
	require.ErrorIs(t, svc.VerifyEmail(ctx, verifyToken), ErrInvalidAction)
}

func TestRegisterRejectsDuplicateAccount(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestUserService(t, st)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "dup@example.com", "dup", "a-long-enough-password")
	require.NoError(t, err)

	_, _, err = svc.Register(ctx, "dup@example.com", "dup2", "a-long-enough-password")
	require.ErrorIs(t, err, ErrAccountTaken)
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestUserService(t, st)

	_, _, err := svc.Register(context.Background(), "short@example.com", "short", "tiny")
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestUserService(t, st)
	user := createTestUser(t, st, "authn-user")
	ctx := context.Background()

	got, err := svc.Authenticate(ctx, user.Email, testPassword)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	_, err = svc.Authenticate(ctx, user.Email, "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", testPassword)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestUserService(t, st)

	token, err := svc.RequestPasswordReset(context.Background(), "ghost@example.com")
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestPasswordResetInvalidatesEarlierTokens(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestUserService(t, st)
	user := createTestUser(t, st, "reset-super")
	ctx := context.Background()

	first, err := svc.RequestPasswordReset(ctx, user.Email)
	require.NoError(t, err)
	second, err := svc.RequestPasswordReset(ctx, user.Email)
	require.NoError(t, err)

	require.ErrorIs(t, svc.CompletePasswordReset(ctx, first, "another-long-password"), ErrInvalidAction)
	require.NoError(t, svc.CompletePasswordReset(ctx, second, "another-long-password"))
}

func TestPasswordResetRevokesEverything(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestUserService(t, st)
	user := createTestUser(t, st, "reset-user")
	ctx := context.Background()

	// A live session that must not survive the reset.
	pair, err := svc.Tokens.Issue(ctx, IssueParams{
		User:     user,
		ClientID: "web",
		Scope:    "openid",
		AMR:      []string{jwtx.AMRPassword},
	})
	require.NoError(t, err)

	resetToken, err := svc.RequestPasswordReset(ctx, user.Email)
	require.NoError(t, err)
	require.NotEmpty(t, resetToken)

	require.NoError(t, svc.CompletePasswordReset(ctx, resetToken, "a-brand-new-password"))

	stored, err := st.Users().GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, cryptox.VerifyPassword("a-brand-new-password", stored.PasswordHash))
	require.Error(t, cryptox.VerifyPassword(testPassword, stored.PasswordHash))

	sid := cryptox.FingerprintToken(pair.RefreshToken)
	sess, err := st.Sessions().GetSessionByID(ctx, sid)
	require.NoError(t, err)
	require.True(t, sess.Revoked())

	_, err = svc.Tokens.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshReuse)

	// The consumed token is dead.
	require.ErrorIs(t, svc.CompletePasswordReset(ctx, resetToken, "yet-another-password"), ErrInvalidAction)
}

func TestPasswordResetRejectsWeakReplacement(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestUserService(t, st)
	user := createTestUser(t, st, "reset-weak")
	ctx := context.Background()

	token, err := svc.RequestPasswordReset(ctx, user.Email)
	require.NoError(t, err)

	require.ErrorIs(t, svc.CompletePasswordReset(ctx, token, "tiny"), ErrWeakPassword)

	// The weak attempt must not burn the token.
	require.NoError(t, svc.CompletePasswordReset(ctx, token, "a-proper-replacement"))
}
