package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradematch/authority/internal/auth/cache"
)

func newTestTickets(t *testing.T) *TicketService {
	t.Helper()
	c := cache.NewMemory()
	t.Cleanup(func() { _ = c.Close() })
	return NewTicketService(c, time.Minute)
}

func TestTicketIssueAndConsumeOnce(t *testing.T) {
	t.Parallel()

	svc := newTestTickets(t)
	ctx := context.Background()

	raw, err := svc.Issue(ctx, "user-1", "sid-1")
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	ticket, err := svc.Consume(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "user-1", ticket.UserID)
	require.Equal(t, "sid-1", ticket.SessionID)

	_, err = svc.Consume(ctx, raw)
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestTicketUnknownValueRejected(t *testing.T) {
	t.Parallel()

	svc := newTestTickets(t)
	_, err := svc.Consume(context.Background(), "never-issued")
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestTicketServiceDefaultsTTL(t *testing.T) {
	t.Parallel()

	c := cache.NewMemory()
	t.Cleanup(func() { _ = c.Close() })

	svc := NewTicketService(c, 0)
	require.Equal(t, DefaultTicketTTL, svc.TTL)
}

func TestTicketSubprotocolParsing(t *testing.T) {
	t.Parallel()

	proto, raw := ticketSubprotocol("chat, " + SubprotocolPrefix + "abc123")
	require.Equal(t, SubprotocolPrefix+"abc123", proto)
	require.Equal(t, "abc123", raw)

	proto, raw = ticketSubprotocol("chat, graphql-ws")
	require.Empty(t, proto)
	require.Empty(t, raw)

	proto, raw = ticketSubprotocol("")
	require.Empty(t, proto)
	require.Empty(t, raw)
}
