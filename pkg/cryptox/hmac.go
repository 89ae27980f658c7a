package cryptox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

var ErrBadSignature = errors.New("cryptox: invalid signature")

// SignBlob produces base64url(payload) + "." + base64url(HMAC-SHA256(payload)).
// Used for self-contained cookie values that must survive without a shared
// cache, such as the trusted-device metadata blob.
func SignBlob(key []byte, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) +
		"." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// OpenBlob verifies a value produced by SignBlob and returns the payload.
// A malformed or forged value returns ErrBadSignature, never a panic.
func OpenBlob(key []byte, signed string) ([]byte, error) {
	dot := strings.IndexByte(signed, '.')
	if dot < 0 {
		return nil, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(signed[:dot])
	if err != nil {
		return nil, ErrBadSignature
	}
	sig, err := base64.RawURLEncoding.DecodeString(signed[dot+1:])
	if err != nil {
		return nil, ErrBadSignature
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrBadSignature
	}
	return payload, nil
}
