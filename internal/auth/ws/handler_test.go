package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/internal/auth/store/drivers/sqlite"
)

type wsFixture struct {
	store   store.Store
	hub     *Hub
	tickets *TicketService
	server  *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := sqlite.NewStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations())
	t.Cleanup(func() { _ = st.Close() })

	c := cache.NewMemory()
	t.Cleanup(func() { _ = c.Close() })

	log := slog.New(slog.DiscardHandler)
	hub := NewHub(log)
	t.Cleanup(hub.Stop)

	tickets := NewTicketService(c, time.Minute)
	sessions := &service.SessionService{Store: st, Events: service.NopEvents{}, Audit: log}
	srv := httptest.NewServer(NewHandler(hub, tickets, sessions, log))
	t.Cleanup(srv.Close)

	return &wsFixture{store: st, hub: hub, tickets: tickets, server: srv}
}

func (f *wsFixture) createSession(t *testing.T, sid, userID string) {
	t.Helper()
	// Sessions reference users, so make sure the owner row exists first.
	err := f.store.Users().CreateUser(context.Background(), domain.User{
		ID:           userID,
		Username:     userID,
		Email:        userID + "@example.com",
		PasswordHash: "x",
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		require.NoError(t, err)
	}
	require.NoError(t, f.store.Sessions().CreateSession(context.Background(), domain.Session{
		ID:        sid,
		UserID:    userID,
		ClientID:  "web",
		ACR:       "aal1",
		AMR:       []string{"pwd"},
		ExpiresAt: time.Now().Add(time.Hour),
	}))
}

func (f *wsFixture) dial(t *testing.T, ticket string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{SubprotocolPrefix + ticket}}
	return dialer.Dial(url, nil)
}

// waitAttached blocks until the hub has registered n connections for sid; the
// upgrade response reaches the client slightly before the server attaches.
func (f *wsFixture) waitAttached(t *testing.T, sid string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.hub.mu.RLock()
		got := len(f.hub.bySid[sid])
		f.hub.mu.RUnlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection for %s never attached", sid)
}

func TestHandshakeDeliversSessionEvents(t *testing.T) {
	f := newWSFixture(t)
	f.createSession(t, "sid-ws-1", "user-ws-1")

	raw, err := f.tickets.Issue(context.Background(), "user-ws-1", "sid-ws-1")
	require.NoError(t, err)

	sock, resp, err := f.dial(t, raw)
	require.NoError(t, err)
	defer sock.Close()
	require.Equal(t, SubprotocolPrefix+raw, resp.Header.Get("Sec-WebSocket-Protocol"))

	f.waitAttached(t, "sid-ws-1", 1)
	f.hub.SessionRevoked("sid-ws-1", "user-ws-1", "logout")

	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.SessionEvent
	require.NoError(t, sock.ReadJSON(&ev))
	require.Equal(t, domain.SessionRevoked, ev.Kind)
	require.Equal(t, "sid-ws-1", ev.SessionID)
	require.Equal(t, "logout", ev.Reason)
}

func TestHandshakeUserWideRevocationFansOut(t *testing.T) {
	f := newWSFixture(t)
	f.createSession(t, "sid-ws-a", "user-ws-2")
	f.createSession(t, "sid-ws-b", "user-ws-2")

	var socks []*websocket.Conn
	for _, sid := range []string{"sid-ws-a", "sid-ws-b"} {
		raw, err := f.tickets.Issue(context.Background(), "user-ws-2", sid)
		require.NoError(t, err)
		sock, _, err := f.dial(t, raw)
		require.NoError(t, err)
		defer sock.Close()
		socks = append(socks, sock)
	}

	f.waitAttached(t, "sid-ws-a", 1)
	f.waitAttached(t, "sid-ws-b", 1)
	f.hub.SessionRevoked("", "user-ws-2", "password_reset")

	for _, sock := range socks {
		require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev domain.SessionEvent
		require.NoError(t, sock.ReadJSON(&ev))
		require.Equal(t, domain.SessionRevoked, ev.Kind)
		require.Equal(t, "password_reset", ev.Reason)
	}
}

func TestHandshakeRejectsMissingTicket(t *testing.T) {
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsReusedTicket(t *testing.T) {
	f := newWSFixture(t)
	f.createSession(t, "sid-ws-3", "user-ws-3")

	raw, err := f.tickets.Issue(context.Background(), "user-ws-3", "sid-ws-3")
	require.NoError(t, err)

	sock, _, err := f.dial(t, raw)
	require.NoError(t, err)
	defer sock.Close()

	_, resp, err := f.dial(t, raw)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsInactiveSession(t *testing.T) {
	f := newWSFixture(t)
	// Ticket points at a session that was never registered.
	raw, err := f.tickets.Issue(context.Background(), "user-ws-4", "sid-ws-4")
	require.NoError(t, err)

	_, resp, err := f.dial(t, raw)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
