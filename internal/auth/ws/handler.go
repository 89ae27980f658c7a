package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/pkg/slogx"
)

// Handler runs the two-state upgrade handshake: the ticket is validated and
// consumed synchronously, before any socket is retained; only then does the
// connection move to the authenticated state and get attached to the hub.
type Handler struct {
	Hub      *Hub
	Tickets  *TicketService
	Sessions *service.SessionService
	Log      *slog.Logger

	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, tickets *TicketService, sessions *service.SessionService, log *slog.Logger) *Handler {
	return &Handler{
		Hub:      hub,
		Tickets:  tickets,
		Sessions: sessions,
		Log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tickets are single-use and short-lived; the handshake itself
			// is the origin check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := slogx.FromContext(ctx)

	proto, raw := ticketSubprotocol(r.Header.Get("Sec-WebSocket-Protocol"))
	if raw == "" {
		http.Error(w, "missing ticket subprotocol", http.StatusUnauthorized)
		return
	}

	ticket, err := h.Tickets.Consume(ctx, raw)
	if err != nil {
		l.Info("ws ticket rejected", slog.Any("error", err))
		http.Error(w, "invalid ticket", http.StatusUnauthorized)
		return
	}

	sess, err := h.Sessions.Get(ctx, ticket.SessionID)
	if err != nil || !sess.Active(time.Now()) {
		http.Error(w, "session not active", http.StatusUnauthorized)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, http.Header{
		"Sec-WebSocket-Protocol": {proto},
	})
	if err != nil {
		// Upgrade already wrote the error response.
		l.Debug("ws upgrade failed", slog.Any("error", err))
		return
	}

	c := &conn{
		sock:      sock,
		userID:    ticket.UserID,
		sessionID: ticket.SessionID,
		expiresAt: sess.ExpiresAt,
		alive:     true,
	}
	h.Hub.attach(c)
	h.Log.Debug("ws connection attached",
		slog.String("user_id", c.userID),
		slog.String("sid", slogx.Mask(c.sessionID)),
	)

	go h.readPump(c)
}

// readPump drains the socket. Clients never send application messages; the
// read loop exists to process pongs and detect closure.
func (h *Handler) readPump(c *conn) {
	defer h.Hub.detach(c)

	_ = c.sock.SetReadDeadline(time.Now().Add(defaultPongWait))
	c.sock.SetPongHandler(func(string) error {
		c.alive = true
		return c.sock.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	c.sock.SetReadLimit(512)

	for {
		if _, _, err := c.sock.ReadMessage(); err != nil {
			return
		}
	}
}

// ticketSubprotocol picks the ticket-bearing entry out of the offered
// subprotocols, returning the full protocol value and the raw ticket.
func ticketSubprotocol(header string) (proto, ticket string) {
	for _, p := range strings.Split(header, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, SubprotocolPrefix) {
			return p, strings.TrimPrefix(p, SubprotocolPrefix)
		}
	}
	return "", ""
}
