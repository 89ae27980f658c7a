package jwtx

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tradematch/authority/pkg/cryptox"
)

// KeyManager owns the signing key material for an instance. Signing always
// uses the newest key; every loaded key stays in the KeySet so tokens signed
// by older keys keep verifying until they expire.
type KeyManager struct {
	KeySet *KeySet

	signer    Signer
	algorithm string
}

// keyFilePattern matches on-disk signing keys: jwt-<ALG>-<YYYY>-<MM>_private.pem
var keyFilePattern = regexp.MustCompile(`^jwt-(RS256|ES256|EdDSA)-(\d{4})-(\d{2})_private\.pem$`)

// NewKeyManagerFromDir loads every signing key file in dir. File names encode
// the algorithm and issue month; the lexically newest file wins for signing.
// An empty directory is a configuration error, not a per-request failure.
func NewKeyManagerFromDir(dir string) (*KeyManager, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("jwtx: read key dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && keyFilePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("jwtx: no signing keys found in %s", dir)
	}
	// jwt-<ALG>-<YYYY>-<MM> sorts chronologically per algorithm; across
	// algorithms the newest date still wins because the date segment
	// dominates comparison once trimmed of the alg prefix.
	sort.Slice(names, func(i, j int) bool {
		return keyFileDate(names[i]) < keyFileDate(names[j])
	})

	keyset := NewKeySet()
	var newest Signer
	for _, name := range names {
		m := keyFilePattern.FindStringSubmatch(name)
		alg := m[1]
		kid := strings.TrimSuffix(name, "_private.pem")

		pemBytes, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304 - operator-controlled dir
		if err != nil {
			return nil, fmt.Errorf("jwtx: read key file %s: %w", name, err)
		}
		s, err := NewSignerFromPEM(alg, kid, pemBytes)
		if err != nil {
			return nil, fmt.Errorf("jwtx: load key %s: %w", name, err)
		}
		if err := keyset.AddSigner(s); err != nil {
			return nil, err
		}
		newest = s
	}

	return &KeyManager{KeySet: keyset, signer: newest, algorithm: newest.Alg()}, nil
}

func keyFileDate(name string) string {
	m := keyFilePattern.FindStringSubmatch(name)
	return m[2] + "-" + m[3]
}

// NewKeyManagerFromPEM builds a manager from environment-provided PEM
// material for deployments without a key directory.
func NewKeyManagerFromPEM(alg string, pemKey []byte) (*KeyManager, error) {
	kid := fmt.Sprintf("jwt-%s-%s", alg, time.Now().UTC().Format("2006-01"))
	s, err := NewSignerFromPEM(alg, kid, pemKey)
	if err != nil {
		return nil, err
	}

	keyset := NewKeySet()
	if err := keyset.AddSigner(s); err != nil {
		return nil, err
	}
	return &KeyManager{KeySet: keyset, signer: s, algorithm: alg}, nil
}

// NewEphemeralKeyManager generates an in-memory key. Tokens become invalid on
// restart. Used by tests and throwaway environments.
func NewEphemeralKeyManager(alg string) (*KeyManager, error) {
	var (
		pemBytes []byte
		err      error
	)
	switch alg {
	case AlgorithmRS256:
		pemBytes, err = cryptox.GenerateRSAKey(2048)
	case AlgorithmES256:
		pemBytes, err = cryptox.GenerateES256Key()
	case AlgorithmEdDSA:
		pemBytes, err = cryptox.GenerateEd25519Key()
	default:
		return nil, fmt.Errorf("jwtx: unsupported algorithm %q", alg)
	}
	if err != nil {
		return nil, err
	}

	kid := fmt.Sprintf("ephemeral-%s", cryptox.MustGenerateToken(cryptox.TokenSize128))
	s, err := NewSignerFromPEM(alg, kid, pemBytes)
	if err != nil {
		return nil, err
	}

	keyset := NewKeySet()
	if err := keyset.AddSigner(s); err != nil {
		return nil, err
	}
	return &KeyManager{KeySet: keyset, signer: s, algorithm: alg}, nil
}

// Signer returns the active signing key (the newest loaded key).
func (km *KeyManager) Signer() Signer { return km.signer }

// Algorithm returns the active signing algorithm.
func (km *KeyManager) Algorithm() string { return km.algorithm }

// IsReady reports whether key material is loaded.
func (km *KeyManager) IsReady() bool { return km.KeySet.IsReady() && km.signer != nil }
