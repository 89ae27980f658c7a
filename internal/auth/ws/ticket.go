package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/pkg/cryptox"
)

const (
	// SubprotocolPrefix carries the ticket during the upgrade handshake so
	// the access token never appears in a URL.
	SubprotocolPrefix = "tm.auth.ticket."

	ticketCachePrefix = "wsticket:"

	// DefaultTicketTTL is how long an issued ticket stays redeemable.
	DefaultTicketTTL = 30 * time.Second
)

var ErrInvalidTicket = errors.New("ws: invalid or expired ticket")

// Ticket binds one upgrade attempt to an authenticated user and session.
type Ticket struct {
	UserID    string `json:"sub"`
	SessionID string `json:"sid"`
}

// TicketService issues and redeems the single-use upgrade tickets.
type TicketService struct {
	Cache cache.Cache
	TTL   time.Duration
}

func NewTicketService(c cache.Cache, ttl time.Duration) *TicketService {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketService{Cache: c, TTL: ttl}
}

// Issue mints a ticket for an authenticated caller.
func (s *TicketService) Issue(ctx context.Context, userID, sessionID string) (string, error) {
	ticket, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(Ticket{UserID: userID, SessionID: sessionID})
	if err != nil {
		return "", err
	}
	if err := s.Cache.Set(ctx, ticketCachePrefix+ticket, string(blob), s.TTL); err != nil {
		return "", err
	}
	return ticket, nil
}

// Consume redeems a ticket exactly once. A second redemption, or an expired
// ticket, yields ErrInvalidTicket.
func (s *TicketService) Consume(ctx context.Context, ticket string) (Ticket, error) {
	blob, err := s.Cache.Consume(ctx, ticketCachePrefix+ticket)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return Ticket{}, ErrInvalidTicket
		}
		return Ticket{}, err
	}
	var t Ticket
	if err := json.Unmarshal([]byte(blob), &t); err != nil {
		return Ticket{}, ErrInvalidTicket
	}
	return t, nil
}
