package domain

import "time"

type User struct {
	ID            string
	Username      string
	Email         string
	PreferredName string
	PasswordHash  string     // argon2 encoded
	EmailVerified *time.Time // Timestamp when email was verified (nullable)
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
