package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/idx"
	"github.com/tradematch/authority/pkg/jwtx"
)

func TestIssueSignsSessionBoundAccessToken(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	user := createTestUser(t, st, "alice")

	pair, err := ts.Issue(ctx, IssueParams{
		User:     user,
		ClientID: "web",
		Scope:    "openid profile",
		AMR:      []string{jwtx.AMRPassword, jwtx.AMRPassword},
	})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)

	claims, err := newTestVerifier(t, ts).Verify(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.Subject)
	require.Equal(t, cryptox.FingerprintToken(pair.RefreshToken), claims.SID)
	require.Equal(t, jwtx.ACRAAL1, claims.ACR)
	require.Equal(t, []string{jwtx.AMRPassword}, claims.AMR, "repeated factors must be deduplicated")

	session, err := st.Sessions().GetSessionByID(ctx, claims.SID)
	require.NoError(t, err)
	require.True(t, session.Active(time.Now()))
}

func TestRefreshRotatesTokenAndPreservesACR(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	user := createTestUser(t, st, "bob")

	pair, err := ts.Issue(ctx, IssueParams{
		User:  user,
		Scope: "openid",
		ACR:   jwtx.ACRAAL2,
		AMR:   []string{jwtx.AMRPassword, jwtx.AMROTP},
	})
	require.NoError(t, err)
	oldSID := cryptox.FingerprintToken(pair.RefreshToken)

	rotated, err := ts.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	claims, err := newTestVerifier(t, ts).Verify(rotated.AccessToken)
	require.NoError(t, err)
	require.Equal(t, jwtx.ACRAAL2, claims.ACR, "step-up must survive rotation")
	require.NotEqual(t, oldSID, claims.SID)

	// Old chain is dead.
	oldRT, err := st.RefreshTokens().GetRefreshTokenByHash(ctx, oldSID)
	require.NoError(t, err)
	require.True(t, oldRT.Revoked)

	oldSession, err := st.Sessions().GetSessionByID(ctx, oldSID)
	require.NoError(t, err)
	require.True(t, oldSession.Revoked())
}

func TestRefreshReuseRevokesEverything(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	user := createTestUser(t, st, "carol")

	pair, err := ts.Issue(ctx, IssueParams{User: user, Scope: "openid"})
	require.NoError(t, err)

	rotated, err := ts.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Presenting the rotated-away token is the theft signal.
	_, err = ts.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshReuse)

	// The cascade killed the live chain too.
	_, err = ts.Refresh(ctx, rotated.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshReuse)

	sessions, err := st.Sessions().ListUserSessions(ctx, user.ID)
	require.NoError(t, err)
	for _, s := range sessions {
		require.True(t, s.Revoked())
	}
}

func TestRefreshMalformedTokenBurnsMatchingRow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	user := createTestUser(t, st, "dave")

	// A stored row whose fingerprint matches bytes we could never have
	// minted (wrong decoded length).
	forged := "abcd"
	fp := cryptox.FingerprintToken(forged)
	require.NoError(t, st.Sessions().CreateSession(ctx, domain.Session{
		ID:        fp,
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, st.RefreshTokens().CreateRefreshToken(ctx, domain.RefreshToken{
		ID:        idx.New().String(),
		UserID:    user.ID,
		TokenHash: fp,
		SessionID: fp,
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	_, err := ts.Refresh(ctx, forged)
	require.ErrorIs(t, err, ErrInvalidRefresh)

	rt, err := st.RefreshTokens().GetRefreshTokenByHash(ctx, fp)
	require.NoError(t, err)
	require.True(t, rt.Revoked)

	session, err := st.Sessions().GetSessionByID(ctx, fp)
	require.NoError(t, err)
	require.True(t, session.Revoked())
}

func TestRefreshUnknownToken(t *testing.T) {
	st := newTestStore(t)
	ts := newTestTokenService(t, st)

	_, err := ts.Refresh(context.Background(), cryptox.MustGenerateToken(cryptox.TokenSize256))
	require.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRevokeUnknownTokenIsNotAnError(t *testing.T) {
	st := newTestStore(t)
	ts := newTestTokenService(t, st)

	err := ts.Revoke(context.Background(), cryptox.MustGenerateToken(cryptox.TokenSize256))
	require.NoError(t, err)
}

func TestSignStepUpScopesChallengeToken(t *testing.T) {
	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	user := createTestUser(t, st, "erin")

	token, err := ts.SignStepUp(context.Background(), user)
	require.NoError(t, err)

	claims, err := newTestVerifier(t, ts).Verify(token)
	require.NoError(t, err)
	require.Equal(t, jwtx.ScopeStepUp, claims.Scope)
	require.Equal(t, jwtx.ACRStepUp, claims.ACR)
	require.Empty(t, claims.SID, "challenge tokens precede any session")
}
