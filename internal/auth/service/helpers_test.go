package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/internal/auth/store/drivers/sqlite"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/idx"
	"github.com/tradematch/authority/pkg/jwtx"
)

const testPassword = "correct-horse-battery"

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestStore opens a per-test in-memory database. cache=shared keeps every
// pooled connection on the same database.
func newTestStore(t *testing.T) store.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	st, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })

	return st
}

func newTestTokenService(t *testing.T, st store.Store) *TokenService {
	t.Helper()

	km, err := jwtx.NewEphemeralKeyManager(jwtx.AlgorithmEdDSA)
	require.NoError(t, err)

	return &TokenService{
		KeyManager: km,
		Store:      st,
		Events:     NopEvents{},
		Audit:      testLogger(),
		Issuer:     "test-authority",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	}
}

func newTestVerifier(t *testing.T, ts *TokenService) jwtx.Verifier {
	t.Helper()
	return jwtx.NewVerifier(ts.KeyManager.KeySet, ts.Issuer, nil, 0)
}

func createTestUser(t *testing.T, st store.Store, username string) domain.User {
	t.Helper()

	hash, err := cryptox.HashPassword(testPassword)
	require.NoError(t, err)

	user := domain.User{
		ID:            idx.New().String(),
		Username:      username,
		Email:         username + "@example.com",
		PreferredName: username,
		PasswordHash:  hash,
	}
	require.NoError(t, st.Users().CreateUser(context.Background(), user))
	return user
}
