package jwtx

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Supported JWT signing algorithms.
const (
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"
	AlgorithmEdDSA = "EdDSA"
)

// Signer is anything that can sign access-token claims.
type Signer interface {
	Alg() string
	KID() string
	Sign(Claims) (string, error)
	PublicJWK() JWK
}

// signer is the single concrete Signer. The signing method drives everything
// else, so one implementation covers RS256, ES256 and EdDSA.
type signer struct {
	kid    string
	method jwt.SigningMethod
	key    any // *rsa.PrivateKey | *ecdsa.PrivateKey | ed25519.PrivateKey
	jwk    JWK
}

// NewSignerFromPEM builds a Signer for the given algorithm from a PKCS8 PEM
// private key.
func NewSignerFromPEM(alg, kid string, pemKey []byte) (Signer, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("jwtx: invalid PEM for signing key")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("jwtx: expected PKCS8 PRIVATE KEY, got %q", block.Type)
	}

	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse PKCS8: %w", err)
	}

	return NewSigner(alg, kid, priv)
}

// NewSigner builds a Signer from an already-parsed private key. The key type
// must match the algorithm.
func NewSigner(alg, kid string, priv any) (Signer, error) {
	var (
		method jwt.SigningMethod
		pub    any
	)

	switch alg {
	case AlgorithmRS256:
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("jwtx: RS256 requires an RSA private key")
		}
		method = jwt.SigningMethodRS256
		pub = &key.PublicKey

	case AlgorithmES256:
		key, ok := priv.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("jwtx: ES256 requires an ECDSA private key")
		}
		if key.Curve.Params().Name != "P-256" {
			return nil, fmt.Errorf("jwtx: ES256 expects P-256, got %s", key.Curve.Params().Name)
		}
		method = jwt.SigningMethodES256
		pub = &key.PublicKey

	case AlgorithmEdDSA:
		key, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("jwtx: EdDSA requires an Ed25519 private key")
		}
		method = jwt.SigningMethodEdDSA
		pub = key.Public()

	default:
		return nil, fmt.Errorf("jwtx: unsupported algorithm %q (supported: RS256, ES256, EdDSA)", alg)
	}

	jwk, err := FromPublicKey(kid, "sig", alg, pub)
	if err != nil {
		return nil, err
	}

	return &signer{kid: kid, method: method, key: priv, jwk: jwk}, nil
}

func (s *signer) Alg() string { return s.method.Alg() }
func (s *signer) KID() string { return s.kid }

func (s *signer) Sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(s.method, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

func (s *signer) PublicJWK() JWK { return s.jwk }
