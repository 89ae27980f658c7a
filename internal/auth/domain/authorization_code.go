package domain

import "time"

// AuthorizationCode represents an OAuth 2.0 authorization code issuance.
// Codes are single use: the token endpoint consumes the row on first read.
type AuthorizationCode struct {
	ID                  string
	UserID              string
	ClientID            string
	CodeHash            string
	RedirectURI         string
	Scope               string // space-delimited
	SessionID           string
	ACR                 string
	AMR                 []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string // always "S256"
	ExpiresAt           time.Time
	UsedAt              *time.Time
	CreatedAt           time.Time
}

// PushedRequest is a pushed authorization request (PAR) held in the cache
// until the client redirects the user agent to /authorize.
type PushedRequest struct {
	RequestURI          string `json:"request_uri"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	Nonce               string `json:"nonce"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	ACRValues           string `json:"acr_values,omitempty"`
	ExpiresAt           int64  `json:"expires_at"`
}
