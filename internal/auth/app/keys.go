package app

import (
	"fmt"
	"log/slog"

	"github.com/tradematch/authority/pkg/jwtx"
)

// InitAuthKeys builds the KeyManager from whichever key source the config
// names. Missing or unusable key material is a startup failure: the service
// must never come up unable to sign.
//
// Sources, in order of preference:
//   - AUTH_KEY_DIR: on-disk files named jwt-<ALG>-<YYYY>-<MM>_private.pem.
//     Every key loads into the verification set; the newest signs.
//   - AUTH_PRIVATE_KEY_PEM: a single PEM key from the environment.
//   - Neither (dev only): an ephemeral key, invalidating all tokens on
//     restart.
func InitAuthKeys(cfg Config, logger *slog.Logger) (*jwtx.KeyManager, error) {
	switch {
	case cfg.KeyDir != "":
		km, err := jwtx.NewKeyManagerFromDir(cfg.KeyDir)
		if err != nil {
			return nil, fmt.Errorf("load signing keys from %s: %w", cfg.KeyDir, err)
		}
		logger.Info("signing keys loaded from disk",
			"dir", cfg.KeyDir, "algorithm", km.Algorithm())
		return km, nil

	case cfg.PrivatePEM != "":
		km, err := jwtx.NewKeyManagerFromPEM(cfg.Algorithm, []byte(cfg.PrivatePEM))
		if err != nil {
			return nil, fmt.Errorf("load signing key from environment: %w", err)
		}
		logger.Info("signing key loaded from environment", "algorithm", km.Algorithm())
		return km, nil

	default:
		if cfg.Env != "dev" {
			return nil, fmt.Errorf("no signing keys configured: set AUTH_KEY_DIR or AUTH_PRIVATE_KEY_PEM")
		}
		km, err := jwtx.NewEphemeralKeyManager(cfg.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral signing key: %w", err)
		}
		logger.Warn("using ephemeral signing key; tokens will not survive a restart",
			"algorithm", km.Algorithm())
		return km, nil
	}
}
