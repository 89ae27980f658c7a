package domain

import "time"

// TrustedDevice records a device the user chose to remember after a
// successful step-up, letting it skip the second factor until expiry.
type TrustedDevice struct {
	ID         string // opaque tdid handed to the client
	UserID     string
	Label      string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Valid reports whether the device trust is usable at t.
func (d *TrustedDevice) Valid(t time.Time) bool {
	return d.RevokedAt == nil && t.Before(d.ExpiresAt)
}

// TrustedDeviceMeta is the HMAC-signed blob stored in the companion tdmeta
// cookie. It binds the tdid to the user and records which factors the device
// satisfied, so the bypass works even without a shared cache.
type TrustedDeviceMeta struct {
	DeviceID string   `json:"tdid"`
	UserID   string   `json:"sub"`
	ACR      string   `json:"acr"`
	AMR      []string `json:"amr"`
	IssuedAt int64    `json:"iat"`
}
