package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/jwtx"
)

func newTestTrustedDevices(t *testing.T, st store.Store) *TrustedDeviceService {
	t.Helper()
	return &TrustedDeviceService{
		Store:  st,
		Cache:  cache.NewMemory(),
		Audit:  testLogger(),
		Secret: []byte("trusted-device-test-secret"),
		TTL:    time.Hour,
	}
}

func TestTrustedDeviceRoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestTrustedDevices(t, st)
	user := createTestUser(t, st, "td-user")
	ctx := context.Background()

	tdid, tdmeta, err := svc.Issue(ctx, user.ID, "firefox on laptop", jwtx.ACRAAL2, []string{jwtx.AMRPassword, jwtx.AMROTP})
	require.NoError(t, err)
	require.NotEmpty(t, tdid)
	require.NotEmpty(t, tdmeta)

	factors, ok := svc.Verify(ctx, user.ID, tdid, tdmeta)
	require.True(t, ok)
	require.ElementsMatch(t, []string{jwtx.AMRPassword, jwtx.AMROTP}, factors)
}

func TestTrustedDeviceRejectsOtherUser(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestTrustedDevices(t, st)
	owner := createTestUser(t, st, "td-owner")
	other := createTestUser(t, st, "td-other")
	ctx := context.Background()

	tdid, tdmeta, err := svc.Issue(ctx, owner.ID, "", jwtx.ACRAAL2, nil)
	require.NoError(t, err)

	_, ok := svc.Verify(ctx, other.ID, tdid, tdmeta)
	require.False(t, ok)
}

func TestTrustedDeviceForgedBlobRejected(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestTrustedDevices(t, st)
	user := createTestUser(t, st, "td-forge")
	ctx := context.Background()

	forger := newTestTrustedDevices(t, st)
	forger.Secret = []byte("a-different-hmac-secret")

	// A blob signed under another key, with no server-side record behind it.
	_, forgedMeta, err := forger.Issue(ctx, user.ID, "", jwtx.ACRAAL2, nil)
	require.NoError(t, err)

	_, ok := svc.Verify(ctx, user.ID, "unknown-device-id", forgedMeta)
	require.False(t, ok)
}

func TestTrustedDeviceBlobAloneHonoursTTL(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestTrustedDevices(t, st)
	user := createTestUser(t, st, "td-expiry")
	ctx := context.Background()

	svc.TTL = -time.Minute // everything issued is already stale
	tdid, tdmeta, err := svc.Issue(ctx, user.ID, "", jwtx.ACRAAL2, nil)
	require.NoError(t, err)

	// Purge the cache entry and the expired row so only the blob remains.
	require.NoError(t, svc.Cache.Del(ctx, "td:"+tdid))
	require.NoError(t, st.TrustedDevices().DeleteExpiredTrustedDevices(ctx))

	_, ok := svc.Verify(ctx, user.ID, tdid, tdmeta)
	require.False(t, ok)
}

func TestTrustedDeviceWithoutFactorsDefaults(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestTrustedDevices(t, st)
	user := createTestUser(t, st, "td-defaults")
	ctx := context.Background()

	tdid, _, err := svc.Issue(ctx, user.ID, "", jwtx.ACRAAL2, nil)
	require.NoError(t, err)

	// Server-side record alone, no metadata blob presented.
	factors, ok := svc.Verify(ctx, user.ID, tdid, "")
	require.True(t, ok)
	require.ElementsMatch(t, []string{jwtx.AMRPassword, jwtx.AMROTP}, factors)
}

func TestTrustedDeviceRevokeAllForUser(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newTestTrustedDevices(t, st)
	user := createTestUser(t, st, "td-revoke")
	ctx := context.Background()

	tdid, tdmeta, err := svc.Issue(ctx, user.ID, "", jwtx.ACRAAL2, []string{jwtx.AMRPassword, jwtx.AMROTP})
	require.NoError(t, err)
	require.NoError(t, svc.RevokeAllForUser(ctx, user.ID))

	// The blob is still within its TTL, but the revoked row is
	// authoritative and must not be overridden by it.
	_, ok := svc.Verify(ctx, user.ID, tdid, tdmeta)
	require.False(t, ok)

	devices, err := st.TrustedDevices().ListUserTrustedDevices(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, devices)
}
