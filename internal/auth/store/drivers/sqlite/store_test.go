package sqlite

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/idx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := NewStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedUser(t *testing.T, st *Store, username string) domain.User {
	t.Helper()
	u := domain.User{
		ID:           idx.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
	}
	require.NoError(t, st.Users().CreateUser(context.Background(), u))
	return u
}

func TestMigrationsAreIdempotent(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.ApplyMigrations())
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	seedUser(t, st, "dupuser")
	err := st.Users().CreateUser(ctx, domain.User{
		ID:           idx.New().String(),
		Username:     "otheruser",
		Email:        "dupuser@example.com",
		PasswordHash: "x",
	})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestAuthorizationCodeConsumeIsAtomic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	user := seedUser(t, st, "codeuser")

	require.NoError(t, st.Clients().CreateClient(ctx, domain.Client{
		ID: "c1", Name: "c1", RedirectURIs: []string{"https://x.example/cb"},
	}))

	hash := "code-hash-1"
	require.NoError(t, st.AuthorizationCodes().CreateAuthorizationCode(ctx, domain.AuthorizationCode{
		ID:                  idx.New().String(),
		UserID:              user.ID,
		ClientID:            "c1",
		CodeHash:            hash,
		RedirectURI:         "https://x.example/cb",
		Scope:               "openid",
		ACR:                 "aal1",
		AMR:                 []string{"pwd"},
		CodeChallenge:       "chal",
		CodeChallengeMethod: "S256",
		ExpiresAt:           time.Now().Add(time.Minute),
	}))

	// Race ten redeemers; exactly one may win. A single pooled connection
	// keeps the losers on the guarded UPDATE instead of driver lock errors.
	st.db.SetMaxOpenConns(1)
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.AuthorizationCodes().ConsumeAuthorizationCode(ctx, hash); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins)

	_, err := st.AuthorizationCodes().ConsumeAuthorizationCode(ctx, hash)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuthorizationCodeExpiredNotConsumable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	user := seedUser(t, st, "expcode")

	require.NoError(t, st.AuthorizationCodes().CreateAuthorizationCode(ctx, domain.AuthorizationCode{
		ID:        idx.New().String(),
		UserID:    user.ID,
		ClientID:  "c1",
		CodeHash:  "expired-hash",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := st.AuthorizationCodes().ConsumeAuthorizationCode(ctx, "expired-hash")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestActionTokenConsumeOnceAndInvalidate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	user := seedUser(t, st, "actionuser")

	create := func(hash string) {
		require.NoError(t, st.ActionTokens().CreateActionToken(ctx, domain.ActionToken{
			ID:        idx.New().String(),
			UserID:    user.ID,
			Purpose:   domain.ActionPasswordReset,
			TokenHash: hash,
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}

	create("h1")
	at, err := st.ActionTokens().ConsumeActionToken(ctx, "h1", domain.ActionPasswordReset)
	require.NoError(t, err)
	require.Equal(t, user.ID, at.UserID)

	_, err = st.ActionTokens().ConsumeActionToken(ctx, "h1", domain.ActionPasswordReset)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Wrong purpose never matches.
	create("h2")
	_, err = st.ActionTokens().ConsumeActionToken(ctx, "h2", domain.ActionEmailVerify)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Invalidation kills outstanding tokens of that purpose.
	create("h3")
	require.NoError(t, st.ActionTokens().InvalidateUserActionTokens(ctx, user.ID, domain.ActionPasswordReset))
	_, err = st.ActionTokens().ConsumeActionToken(ctx, "h3", domain.ActionPasswordReset)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	user := seedUser(t, st, "sessuser")

	sid := "sid-store-test"
	require.NoError(t, st.Sessions().CreateSession(ctx, domain.Session{
		ID:        sid,
		UserID:    user.ID,
		ClientID:  "web",
		ACR:       "aal1",
		AMR:       []string{"pwd"},
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	sess, err := st.Sessions().GetSessionByID(ctx, sid)
	require.NoError(t, err)
	require.True(t, sess.Active(time.Now()))
	require.Equal(t, []string{"pwd"}, sess.AMR)

	require.NoError(t, st.Sessions().ElevateSession(ctx, sid, "aal2", []string{"pwd", "otp"}))
	sess, err = st.Sessions().GetSessionByID(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, "aal2", sess.ACR)
	require.Equal(t, []string{"pwd", "otp"}, sess.AMR)

	require.NoError(t, st.Sessions().RevokeSession(ctx, sid))
	sess, err = st.Sessions().GetSessionByID(ctx, sid)
	require.NoError(t, err)
	require.True(t, sess.Revoked())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	u := domain.User{
		ID:           idx.New().String(),
		Username:     "txuser",
		Email:        "txuser@example.com",
		PasswordHash: "x",
	}
	sentinel := fmt.Errorf("boom")
	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().CreateUser(ctx, u); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = st.Users().GetUserByID(ctx, u.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}
