package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/tradematch/authority/internal/auth/cache"
	httpapi "github.com/tradematch/authority/internal/auth/http"
	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/internal/auth/store/drivers/sqlite"
	"github.com/tradematch/authority/internal/auth/ws"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/jwtx"
	"github.com/tradematch/authority/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the authority together: store, cache, key material,
// services, event hub and the HTTP server. Everything is constructed
// explicitly here; no package-level singletons.
type Application struct {
	cfg    Config
	logger *slog.Logger
	audit  *slog.Logger

	db         store.Store
	cache      cache.Cache
	keyManager *jwtx.KeyManager
	verifier   jwtx.Verifier

	hub *ws.Hub

	tokenService        *service.TokenService
	sessionService      *service.SessionService
	userService         *service.UserService
	totpService         *service.TOTPService
	webAuthnService     *service.WebAuthnService
	trustedDevices      *service.TrustedDeviceService
	stepUpEngine        *service.StepUpEngine
	oidcService         *service.OIDCService
	dpopVerifier        *service.DPoPVerifier
	housekeepingService *service.HousekeepingService

	wsTickets *ws.TicketService
	wsHandler *ws.Handler

	server *http.Server
	router *httpapi.Router
}

// New creates an Application with all dependencies initialized. Missing
// required secrets or key material fail here, never per-request.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "authority",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}
	app.audit = slogx.NewAudit(app.logger)

	if cfg.TrustedDeviceSecret == "" {
		return nil, fmt.Errorf("TRUSTED_DEVICE_SECRET is required")
	}

	sealer, err := cryptox.NewSealer(cfg.TOTPSealKey)
	if err != nil {
		return nil, fmt.Errorf("TOTP_SEAL_KEY unusable: %w", err)
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initCache(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	keyManager, err := InitAuthKeys(cfg, app.logger)
	if err != nil {
		app.closeInfra()
		return nil, err
	}
	app.keyManager = keyManager

	var audience []string
	if cfg.Audience != "" {
		audience = []string{cfg.Audience}
	}
	app.verifier = jwtx.NewVerifier(keyManager.KeySet, cfg.Issuer, audience, cfg.ClockTolerance)

	if err := app.initServices(sealer); err != nil {
		app.closeInfra()
		return nil, err
	}
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.hub.Start()
	app.housekeepingService.Start()

	app.logger.Info("authority starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully stops the server, hub and background workers, then
// releases infrastructure handles.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down authority...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()
	app.hub.Stop()
	app.closeInfra()

	app.logger.Info("authority stopped")
	return nil
}

func (app *Application) closeInfra() {
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.Error("error closing cache", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
		}
	}
}

func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initCache selects the replay/ticket state backend: Redis when configured,
// otherwise a single-process in-memory cache. Horizontal scaling needs the
// shared backend to keep single-use guarantees global.
func (app *Application) initCache() error {
	if app.cfg.RedisAddr == "" {
		app.cache = cache.NewMemory()
		app.logger.Info("using in-process cache; single-use guarantees are per-process")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := cache.NewRedis(ctx, app.cfg.RedisAddr, app.cfg.RedisPassword, app.cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", app.cfg.RedisAddr, err)
	}
	app.cache = c
	app.logger.Info("redis cache connected", "addr", app.cfg.RedisAddr)
	return nil
}

func (app *Application) initServices(sealer *cryptox.Sealer) error {
	app.hub = ws.NewHub(app.logger)

	app.tokenService = &service.TokenService{
		KeyManager: app.keyManager,
		Store:      app.db,
		Events:     app.hub,
		Audit:      app.audit,
		Issuer:     app.cfg.Issuer,
		Audience:   app.cfg.Audience,
		AccessTTL:  app.cfg.AccessTokenTTL,
		RefreshTTL: app.cfg.RefreshTokenTTL,
	}

	app.sessionService = &service.SessionService{
		Store:  app.db,
		Events: app.hub,
		Audit:  app.audit,
	}

	app.trustedDevices = &service.TrustedDeviceService{
		Store:  app.db,
		Cache:  app.cache,
		Audit:  app.audit,
		Secret: []byte(app.cfg.TrustedDeviceSecret),
		TTL:    app.cfg.TrustedDeviceTTL,
	}

	app.userService = &service.UserService{
		Store:          app.db,
		Tokens:         app.tokenService,
		TrustedDevices: app.trustedDevices,
		Audit:          app.audit,
		ResetTTL:       30 * time.Minute,
		VerifyTTL:      24 * time.Hour,
	}

	app.totpService = &service.TOTPService{
		Store:  app.db,
		Sealer: sealer,
		Audit:  app.audit,
		Issuer: app.cfg.Issuer,
	}

	web, err := webauthn.New(&webauthn.Config{
		RPID:          app.cfg.WebAuthnRPID,
		RPDisplayName: app.cfg.WebAuthnDisplayName,
		RPOrigins:     []string{app.cfg.WebAuthnRPOrigin},
	})
	if err != nil {
		return fmt.Errorf("webauthn configuration invalid: %w", err)
	}
	app.webAuthnService = &service.WebAuthnService{
		Store:        app.db,
		Cache:        app.cache,
		Web:          web,
		Audit:        app.audit,
		ChallengeTTL: 2 * time.Minute,
	}

	app.stepUpEngine = &service.StepUpEngine{
		Tokens:         app.tokenService,
		TOTP:           app.totpService,
		WebAuthn:       app.webAuthnService,
		TrustedDevices: app.trustedDevices,
		Audit:          app.audit,
	}

	app.dpopVerifier = &service.DPoPVerifier{
		Cache:     app.cache,
		Skew:      app.cfg.DPoPSkew,
		ReplayTTL: app.cfg.DPoPReplayTTL,
	}

	// Introspection accepts locally-signed tokens and, when a remote JWKS is
	// configured, tokens from that issuer as well.
	introspectVerifier := jwtx.ChainVerifier{app.verifier}
	if app.cfg.JWKSURL != "" {
		remote := jwtx.NewRemoteKeySet(app.cfg.JWKSURL, app.cfg.JWKSTimeout, 5*time.Minute, app.cfg.JWKSCooldown)
		introspectVerifier = append(introspectVerifier, &jwtx.RemoteVerifier{
			Remote: remote,
			Leeway: app.cfg.ClockTolerance,
		})
		app.logger.Info("remote JWKS verification enabled", "url", app.cfg.JWKSURL)
	}

	app.oidcService = &service.OIDCService{
		Store:       app.db,
		Cache:       app.cache,
		Tokens:      app.tokenService,
		Sessions:    app.sessionService,
		DPoP:        app.dpopVerifier,
		Verifier:    introspectVerifier,
		Audit:       app.audit,
		CodeTTL:     app.cfg.CodeTTL,
		PARTTL:      app.cfg.PARTTL,
		RequirePAR:  app.cfg.RequirePAR,
		RequireDPoP: app.cfg.RequireDPoP,
	}

	app.wsTickets = ws.NewTicketService(app.cache, ws.DefaultTicketTTL)
	app.wsHandler = ws.NewHandler(app.hub, app.wsTickets, app.sessionService, app.logger)

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)

	return nil
}

func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.keyManager.KeySet,
		app.verifier,
		app.cfg.ClockTolerance,
		BuildVersion,
		app.db,
		app.cache,
		app.logger,
	)

	router.DefaultClientID = app.cfg.DefaultClientID
	router.DefaultScope = app.cfg.DefaultScope
	router.SecureCookies = app.cfg.SecureCookies

	router.TokenService = app.tokenService
	router.UserService = app.userService
	router.SessionService = app.sessionService
	router.StepUpEngine = app.stepUpEngine
	router.TOTPService = app.totpService
	router.WebAuthn = app.webAuthnService
	router.TrustedDevices = app.trustedDevices
	router.OIDCService = app.oidcService
	router.DPoP = app.dpopVerifier
	router.WSTickets = app.wsTickets
	router.WSHandler = app.wsHandler
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
