package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

// WriteJSON writes a JSON response with the given status code. Sensitive
// token responses must never be cached, so no-store headers are always set.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// NoCache sets the Cache-Control and Pragma headers to prevent caching.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// OAuthError is the RFC 6749 error body shape.
type OAuthError struct {
	Code        int    `json:"-"`
	Err         string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e OAuthError) Error() string { return e.Err }

// WriteError writes the OAuth2 error body with its status code.
func (e OAuthError) WriteError(w http.ResponseWriter) {
	WriteJSON(w, e.Code, e)
}

// Standard OAuth2 endpoint errors.
var (
	ErrInvalidRequest = OAuthError{
		Code: http.StatusBadRequest, Err: "invalid_request",
		Description: "the request is missing a required parameter or is otherwise malformed",
	}
	ErrInvalidClient = OAuthError{
		Code: http.StatusUnauthorized, Err: "invalid_client",
		Description: "client authentication failed",
	}
	ErrInvalidGrant = OAuthError{
		Code: http.StatusBadRequest, Err: "invalid_grant",
		Description: "the provided grant is invalid, expired or already used",
	}
	ErrInvalidScope = OAuthError{
		Code: http.StatusBadRequest, Err: "invalid_scope",
		Description: "the requested scope is invalid or exceeds what the client may request",
	}
	ErrUnsupportedGrantType = OAuthError{
		Code: http.StatusBadRequest, Err: "unsupported_grant_type",
		Description: "only authorization_code is supported",
	}
	ErrInvalidContentType = OAuthError{
		Code: http.StatusBadRequest, Err: "invalid_request",
		Description: "expected application/x-www-form-urlencoded",
	}
	ErrServerError = OAuthError{
		Code: http.StatusInternalServerError, Err: "server_error",
		Description: "the authorization server encountered an unexpected condition",
	}
)

// ParseSpaceDelimitedFields splits a space-delimited string into fields,
// useful for scope lists. Returns nil for empty input.
func ParseSpaceDelimitedFields(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
