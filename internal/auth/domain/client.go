package domain

import "time"

// Client is a registered OAuth 2.0 relying party.
type Client struct {
	ID           string
	Name         string
	SecretHash   string // empty for public clients
	RedirectURIs []string
	Scope        string // space-delimited grantable scopes
	Public       bool   // public clients authenticate via PKCE only
	Protected    bool   // cannot be deleted (e.g., bootstrap client)
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AllowsRedirect reports whether uri is one of the client's registered
// redirect URIs. Exact string match, no prefix logic.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}
