package httpx

import "net/http"

// SetSecureCookie writes a host-scoped HttpOnly cookie. maxAge <= 0 deletes
// the cookie.
func SetSecureCookie(w http.ResponseWriter, name, value, path string, maxAge int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCookie removes a cookie previously written by SetSecureCookie.
func ClearCookie(w http.ResponseWriter, name, path string, secure bool) {
	SetSecureCookie(w, name, "", path, -1, secure)
}

// CookieValue reads a cookie value, returning "" when absent.
func CookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
