package domain

import "time"

// Session is the registry row for one authenticated browser/device context.
// Its ID (the sid) is the fingerprint of the refresh token backing it, so a
// rotation supersedes the session with a fresh one carrying the same ACR.
type Session struct {
	ID         string // sid
	UserID     string
	ClientID   string
	ACR        string // current Authentication Context Class Reference
	AMR        []string
	UserAgent  string
	RemoteAddr string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Revoked reports whether the session has been explicitly revoked.
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// Active reports whether the session is neither revoked nor expired at t.
func (s *Session) Active(t time.Time) bool {
	return !s.Revoked() && t.Before(s.ExpiresAt)
}

// SessionEventKind enumerates events pushed over the session event bus.
type SessionEventKind string

const (
	SessionRevoked  SessionEventKind = "session.revoked"
	SessionExpiring SessionEventKind = "session.expiring"
	SessionStepUp   SessionEventKind = "session.stepup"
)

// SessionEvent is the wire payload fanned out to websocket subscribers.
type SessionEvent struct {
	Kind      SessionEventKind `json:"kind"`
	SessionID string           `json:"sid"`
	UserID    string           `json:"sub"`
	Reason    string           `json:"reason,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	At        time.Time        `json:"at"`
}
