package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/jwtx"
)

// recordingEvents captures sink notifications for assertions.
type recordingEvents struct {
	mu       sync.Mutex
	revoked  []string // "sid/reason"
	elevated []string // "sid/acr"
}

func (r *recordingEvents) SessionRevoked(sid, userID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, sid+"/"+reason)
}

func (r *recordingEvents) SessionElevated(sid, userID, acr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elevated = append(r.elevated, sid+"/"+acr)
}

func newTestSessions(st store.Store, events EventSink) *SessionService {
	return &SessionService{Store: st, Events: events, Audit: testLogger()}
}

func issueTestSession(t *testing.T, ts *TokenService, user domain.User) (*domain.TokenPair, string) {
	t.Helper()

	pair, err := ts.Issue(context.Background(), IssueParams{
		User:     user,
		ClientID: "web",
		Scope:    "openid",
		AMR:      []string{jwtx.AMRPassword},
	})
	require.NoError(t, err)
	return pair, cryptox.FingerprintToken(pair.RefreshToken)
}

func TestIsActiveUnknownSid(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestSessions(st, NopEvents{})

	active, err := svc.IsActive(context.Background(), "no-such-sid")
	require.NoError(t, err)
	require.False(t, active)
}

func TestRevokeBySidEndsSessionAndTokens(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	events := &recordingEvents{}
	svc := newTestSessions(st, events)
	user := createTestUser(t, st, "sess-user")
	ctx := context.Background()

	pair, sid := issueTestSession(t, ts, user)

	active, err := svc.IsActive(ctx, sid)
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, svc.RevokeBySid(ctx, sid, "logout"))

	active, err = svc.IsActive(ctx, sid)
	require.NoError(t, err)
	require.False(t, active)
	require.Equal(t, []string{sid + "/logout"}, events.revoked)

	// The backing refresh token goes down with the session.
	rt, err := st.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken(pair.RefreshToken))
	require.NoError(t, err)
	require.True(t, rt.Revoked)
}

func TestRevokeUnknownSidIsNotAnError(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestSessions(st, NopEvents{})
	require.NoError(t, svc.RevokeBySid(context.Background(), "no-such-sid", "logout"))
}

func TestRevokeByRefreshTokenDerivesSid(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	svc := newTestSessions(st, NopEvents{})
	user := createTestUser(t, st, "sess-byrt")
	ctx := context.Background()

	pair, sid := issueTestSession(t, ts, user)
	require.NoError(t, svc.RevokeByRefreshToken(ctx, pair.RefreshToken, "logout"))

	active, err := svc.IsActive(ctx, sid)
	require.NoError(t, err)
	require.False(t, active)
}

func TestRevokeAllForUser(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	events := &recordingEvents{}
	svc := newTestSessions(st, events)
	user := createTestUser(t, st, "sess-all")
	ctx := context.Background()

	_, sid1 := issueTestSession(t, ts, user)
	_, sid2 := issueTestSession(t, ts, user)

	require.NoError(t, svc.RevokeAllForUser(ctx, user.ID, "password_reset"))

	for _, sid := range []string{sid1, sid2} {
		active, err := svc.IsActive(ctx, sid)
		require.NoError(t, err)
		require.False(t, active)
	}
	require.Equal(t, []string{"/password_reset"}, events.revoked)
}

func TestElevateRaisesACRAndNotifies(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ts := newTestTokenService(t, st)
	events := &recordingEvents{}
	svc := newTestSessions(st, events)
	user := createTestUser(t, st, "sess-elevate")
	ctx := context.Background()

	_, sid := issueTestSession(t, ts, user)

	require.NoError(t, svc.Elevate(ctx, sid, jwtx.ACRAAL2, []string{jwtx.AMRPassword, jwtx.AMROTP, jwtx.AMROTP}))

	sess, err := svc.Get(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, jwtx.ACRAAL2, sess.ACR)
	require.ElementsMatch(t, []string{jwtx.AMRPassword, jwtx.AMROTP}, sess.AMR)
	require.Equal(t, []string{sid + "/" + jwtx.ACRAAL2}, events.elevated)
}
