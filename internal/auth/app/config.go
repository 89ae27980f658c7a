package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tradematch/authority/pkg/jwtx"
)

type Config struct {
	Issuer   string // Required: issuer claim for tokens
	Audience string // Optional: expected aud; empty disables the check

	KeyDir     string // Optional: directory of jwt-<ALG>-<YYYY>-<MM>_private.pem files
	PrivatePEM string // Optional: PEM signing key via env; KeyDir wins when both are set
	Algorithm  string // Optional: algorithm for PEM/ephemeral keys (default: EdDSA)

	AccessTokenTTL  time.Duration // Optional: access token lifetime (default: 15m)
	RefreshTokenTTL time.Duration // Optional: refresh token lifetime (default: 168h)
	ClockTolerance  time.Duration // Optional: exp/nbf/iat leeway (default: 30s)

	JWKSURL      string        // Optional: remote JWKS for introspecting third-party tokens
	JWKSTimeout  time.Duration // Optional: per-fetch bound (default: 5s)
	JWKSCooldown time.Duration // Optional: negative-result cooldown (default: 30s)

	DPoPSkew      time.Duration // Optional: accepted DPoP iat skew (default: 60s)
	DPoPReplayTTL time.Duration // Optional: jti block window (default: 5m)
	RequirePAR    bool          // Optional: reject inline /authorize params (default: false)
	RequireDPoP   bool          // Optional: reject code exchanges without a DPoP proof (default: false)
	CodeTTL       time.Duration // Optional: authorization code lifetime (default: 5m)
	PARTTL        time.Duration // Optional: pushed request lifetime (default: 90s)

	TOTPSealKey         string        // Required: >=32 chars, seals TOTP secrets at rest
	TrustedDeviceSecret string        // Required: HMAC key for the tdmeta cookie blob
	TrustedDeviceTTL    time.Duration // Optional: trusted-device lifetime (default: 720h)

	WebAuthnRPID        string // Optional: relying-party id (default: localhost)
	WebAuthnRPOrigin    string // Optional: allowed origin (default: http://localhost:8080)
	WebAuthnDisplayName string // Optional: relying-party display name

	RedisAddr     string // Optional: shared cache; empty selects the in-process cache
	RedisPassword string
	RedisDB       int

	DefaultClientID string // Client id recorded against first-party logins
	DefaultScope    string // Scope granted at first-party login
	SecureCookies   bool   // Secure attribute on cookies (default: true outside dev)

	DatabaseFile         string
	Env                  string
	LogLevel             string
	LogFormat            string
	Port                 int
	ShutdownGracePeriod  time.Duration
	HousekeepingInterval time.Duration
}

func LoadConfig() Config {
	env := getEnvOrDefault("ENV", "dev")

	cfg := Config{
		Issuer:   getEnvOrDefault("AUTH_ISSUER", "tradematch-authority"),
		Audience: os.Getenv("AUTH_AUDIENCE"),

		KeyDir:     os.Getenv("AUTH_KEY_DIR"),
		PrivatePEM: os.Getenv("AUTH_PRIVATE_KEY_PEM"),
		Algorithm:  getEnvOrDefault("AUTH_ALGORITHM", jwtx.AlgorithmEdDSA),

		AccessTokenTTL:  getEnvDurationOrDefault("ACCESS_TOKEN_TTL", jwtx.DefaultAccessTokenTTL),
		RefreshTokenTTL: getEnvDurationOrDefault("REFRESH_TOKEN_TTL", jwtx.DefaultRefreshTokenTTL),
		ClockTolerance:  getEnvDurationOrDefault("CLOCK_TOLERANCE", 30*time.Second),

		JWKSURL:      os.Getenv("JWKS_URL"),
		JWKSTimeout:  getEnvDurationOrDefault("JWKS_TIMEOUT", 5*time.Second),
		JWKSCooldown: getEnvDurationOrDefault("JWKS_COOLDOWN", 30*time.Second),

		DPoPSkew:      getEnvDurationOrDefault("DPOP_SKEW", 60*time.Second),
		DPoPReplayTTL: getEnvDurationOrDefault("DPOP_REPLAY_TTL", 5*time.Minute),
		RequirePAR:    getEnvBoolOrDefault("REQUIRE_PAR", false),
		RequireDPoP:   getEnvBoolOrDefault("REQUIRE_DPOP", false),
		CodeTTL:       getEnvDurationOrDefault("AUTH_CODE_TTL", 5*time.Minute),
		PARTTL:        getEnvDurationOrDefault("PAR_TTL", 90*time.Second),

		TOTPSealKey:         os.Getenv("TOTP_SEAL_KEY"),
		TrustedDeviceSecret: os.Getenv("TRUSTED_DEVICE_SECRET"),
		TrustedDeviceTTL:    getEnvDurationOrDefault("TRUSTED_DEVICE_TTL", 30*24*time.Hour),

		WebAuthnRPID:        getEnvOrDefault("WEBAUTHN_RP_ID", "localhost"),
		WebAuthnRPOrigin:    getEnvOrDefault("WEBAUTHN_RP_ORIGIN", "http://localhost:8080"),
		WebAuthnDisplayName: getEnvOrDefault("WEBAUTHN_RP_DISPLAY_NAME", "TradeMatch"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvIntOrDefault("REDIS_DB", 0),

		DefaultClientID: getEnvOrDefault("DEFAULT_CLIENT_ID", "web"),
		DefaultScope:    getEnvOrDefault("DEFAULT_SCOPE", "openid profile email"),
		SecureCookies:   getEnvBoolOrDefault("SECURE_COOKIES", env != "dev"),

		DatabaseFile:         getEnvOrDefault("AUTH_DATABASE_FILE", "authority.db"),
		Env:                  env,
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	return defaultValue
}
