package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradematch/authority/internal/auth/domain"
)

const (
	writeWait = 10 * time.Second

	// pongWait must exceed pingInterval or healthy connections get culled.
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 45 * time.Second

	// defaultExpiryLead is how far before session expiry the pre-announce
	// event fires.
	defaultExpiryLead = 2 * time.Minute
)

// conn is one attached socket. WriteJSON is not safe for concurrent use, so
// every write goes through the per-connection mutex.
type conn struct {
	sock      *websocket.Conn
	mu        sync.Mutex
	userID    string
	sessionID string
	expiresAt time.Time
	announced bool // expiry pre-announcement already sent
	alive     bool // pong seen since the last ping sweep
}

func (c *conn) send(ev domain.SessionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteJSON(ev)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub fans session events out to attached connections, indexed both by
// session id (push to this one session) and by user id (push to every
// connection of this user). Sockets live only in process memory; a restart
// just forces clients back through the ticket handshake.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	bySid  map[string]map[*conn]struct{}
	byUser map[string]map[*conn]struct{}

	pingInterval time.Duration
	expiryLead   time.Duration

	done chan struct{}
	once sync.Once
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:          log,
		bySid:        make(map[string]map[*conn]struct{}),
		byUser:       make(map[string]map[*conn]struct{}),
		pingInterval: defaultPingInterval,
		expiryLead:   defaultExpiryLead,
		done:         make(chan struct{}),
	}
}

// Start launches the liveness and expiry sweeps.
func (h *Hub) Start() {
	go h.sweep()
}

// Stop closes every attached socket and halts the sweeps.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.byUser {
		for c := range conns {
			_ = c.sock.Close()
		}
	}
	h.bySid = make(map[string]map[*conn]struct{})
	h.byUser = make(map[string]map[*conn]struct{})
}

func (h *Hub) attach(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySid[c.sessionID] == nil {
		h.bySid[c.sessionID] = make(map[*conn]struct{})
	}
	h.bySid[c.sessionID][c] = struct{}{}
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[*conn]struct{})
	}
	h.byUser[c.userID][c] = struct{}{}
}

func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.bySid[c.sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.bySid, c.sessionID)
		}
	}
	if set := h.byUser[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	_ = c.sock.Close()
}

// SendToSession pushes one event to every connection of a session.
func (h *Hub) SendToSession(sid string, ev domain.SessionEvent) {
	h.mu.RLock()
	targets := snapshot(h.bySid[sid])
	h.mu.RUnlock()
	h.deliver(targets, ev)
}

// SendToUser pushes one event to every connection of a user.
func (h *Hub) SendToUser(userID string, ev domain.SessionEvent) {
	h.mu.RLock()
	targets := snapshot(h.byUser[userID])
	h.mu.RUnlock()
	h.deliver(targets, ev)
}

func (h *Hub) deliver(targets []*conn, ev domain.SessionEvent) {
	for _, c := range targets {
		if err := c.send(ev); err != nil {
			h.log.Debug("ws send failed, detaching",
				slog.String("user_id", c.userID), slog.Any("error", err))
			h.detach(c)
		}
	}
}

// SessionRevoked implements the service event sink. An empty sid means the
// revocation covers every session of the user.
func (h *Hub) SessionRevoked(sid, userID, reason string) {
	ev := domain.SessionEvent{
		Kind:      domain.SessionRevoked,
		SessionID: sid,
		UserID:    userID,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	if sid == "" {
		h.SendToUser(userID, ev)
		return
	}
	h.SendToSession(sid, ev)
}

// SessionElevated notifies every connection of the user that a step-up
// completed, so other tabs can refresh their assurance level.
func (h *Hub) SessionElevated(sid, userID, acr string) {
	h.SendToUser(userID, domain.SessionEvent{
		Kind:      domain.SessionStepUp,
		SessionID: sid,
		UserID:    userID,
		Reason:    acr,
		At:        time.Now().UTC(),
	})
}

// sweep pings idle connections, culls the unresponsive, and pre-announces
// session expiry so clients can refresh proactively.
func (h *Hub) sweep() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.RLock()
			conns := make([]*conn, 0)
			for _, set := range h.byUser {
				for c := range set {
					conns = append(conns, c)
				}
			}
			h.mu.RUnlock()

			now := time.Now()
			for _, c := range conns {
				if !c.alive {
					h.log.Debug("ws connection failed liveness check",
						slog.String("user_id", c.userID))
					h.detach(c)
					continue
				}
				c.alive = false
				if err := c.ping(); err != nil {
					h.detach(c)
					continue
				}

				if !c.announced && !c.expiresAt.IsZero() && now.Add(h.expiryLead).After(c.expiresAt) {
					c.announced = true
					exp := c.expiresAt
					_ = c.send(domain.SessionEvent{
						Kind:      domain.SessionExpiring,
						SessionID: c.sessionID,
						UserID:    c.userID,
						ExpiresAt: &exp,
						At:        now.UTC(),
					})
				}
			}
		}
	}
}

func snapshot(set map[*conn]struct{}) []*conn {
	out := make([]*conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
