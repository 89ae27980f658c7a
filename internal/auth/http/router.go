package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/internal/auth/service"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/internal/auth/ws"
	"github.com/tradematch/authority/pkg/httpx"
	"github.com/tradematch/authority/pkg/jwtx"
	"github.com/tradematch/authority/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	keys         *jwtx.KeySet
	verifier     jwtx.Verifier
	leeway       time.Duration
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store store.Store
	cache cache.Cache

	// First-party login context: the client id and scope recorded against
	// sessions started at /v1/login rather than through /v1/oauth2.
	DefaultClientID string
	DefaultScope    string
	SecureCookies   bool

	TokenService   *service.TokenService
	UserService    *service.UserService
	SessionService *service.SessionService
	StepUpEngine   *service.StepUpEngine
	TOTPService    *service.TOTPService
	WebAuthn       *service.WebAuthnService
	TrustedDevices *service.TrustedDeviceService
	OIDCService    *service.OIDCService
	DPoP           *service.DPoPVerifier
	WSTickets      *ws.TicketService
	WSHandler      *ws.Handler
}

func NewRouter(
	keys *jwtx.KeySet,
	verifier jwtx.Verifier,
	leeway time.Duration,
	buildVersion string,
	st store.Store,
	c cache.Cache,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		keys:         keys,
		verifier:     verifier,
		leeway:       leeway,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		cache:        c,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerAccount()
	r.registerTOTP()
	r.registerWebAuthn()
	r.registerOAuth2()
	r.registerWS()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

// authn verifies the bearer token and rejects challenge-scoped tokens. Most
// authenticated endpoints want exactly this pair.
func (r *Router) authn() []httpx.Middleware {
	return []httpx.Middleware{
		httpx.AuthnMiddleware(r.verifier, r.leeway),
		httpx.RejectStepUpTokens(),
	}
}

// stepUpAuthn admits only tokens scoped to the step-up challenge endpoints.
func (r *Router) stepUpAuthn() []httpx.Middleware {
	return []httpx.Middleware{
		httpx.AuthnMiddleware(r.verifier, r.leeway),
		httpx.RequireScope(jwtx.ScopeStepUp),
	}
}

func (r *Router) registerAuth() {
	h := &AuthHandler{
		Users:          r.UserService,
		Tokens:         r.TokenService,
		Sessions:       r.SessionService,
		StepUp:         r.StepUpEngine,
		TrustedDevices: r.TrustedDevices,
		ClientID:       r.DefaultClientID,
		Scope:          r.DefaultScope,
		Secure:         r.SecureCookies,
	}

	// Credential-guessing endpoints get the strict profile, keyed by IP.
	r.Mux.Handle("POST /v1/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	r.Mux.Handle("POST /v1/refresh",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	r.Mux.Handle("POST /v1/logout",
		httpx.Chain(http.HandlerFunc(h.HandleLogout),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	logoutAll := append(r.authn(), httpx.RateLimitByUser(httpx.ModerateLimit))
	r.Mux.Handle("POST /v1/logout-all",
		httpx.Chain(http.HandlerFunc(h.HandleLogoutAll), logoutAll...),
	)
}

func (r *Router) registerAccount() {
	h := &AccountHandler{Users: r.UserService}

	r.Mux.Handle("POST /v1/register",
		httpx.Chain(http.HandlerFunc(h.HandleRegister),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	r.Mux.Handle("POST /v1/password-reset/request",
		httpx.Chain(http.HandlerFunc(h.HandleResetRequest),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	r.Mux.Handle("POST /v1/password-reset/confirm",
		httpx.Chain(http.HandlerFunc(h.HandleResetConfirm),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	r.Mux.Handle("POST /v1/email/verify",
		httpx.Chain(http.HandlerFunc(h.HandleEmailVerify),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerTOTP() {
	h := &TOTPHandler{
		TOTP:     r.TOTPService,
		StepUp:   r.StepUpEngine,
		Users:    r.UserService,
		ClientID: r.DefaultClientID,
		Scope:    r.DefaultScope,
		Secure:   r.SecureCookies,
	}

	stepUp := func(fn http.HandlerFunc) http.Handler {
		mws := append(r.stepUpAuthn(), httpx.RateLimitByUser(httpx.StrictLimit))
		return httpx.Chain(fn, mws...)
	}

	r.Mux.Handle("GET /v1/totp/status", stepUp(h.HandleStatus))
	r.Mux.Handle("POST /v1/totp/setup/start", stepUp(h.HandleSetupStart))
	r.Mux.Handle("POST /v1/totp/setup/verify", stepUp(h.HandleSetupVerify))
	r.Mux.Handle("POST /v1/totp/challenge/verify", stepUp(h.HandleChallengeVerify))
}

func (r *Router) registerWebAuthn() {
	h := &WebAuthnHandler{
		WebAuthn: r.WebAuthn,
		StepUp:   r.StepUpEngine,
		Users:    r.UserService,
		ClientID: r.DefaultClientID,
		Scope:    r.DefaultScope,
		Secure:   r.SecureCookies,
	}

	// Registering a new authenticator requires a full (non-challenge)
	// session; asserting one happens mid step-up.
	secured := func(fn http.HandlerFunc) http.Handler {
		mws := append(r.authn(), httpx.RateLimitByUser(httpx.ModerateLimit))
		return httpx.Chain(fn, mws...)
	}
	stepUp := func(fn http.HandlerFunc) http.Handler {
		mws := append(r.stepUpAuthn(), httpx.RateLimitByUser(httpx.StrictLimit))
		return httpx.Chain(fn, mws...)
	}

	r.Mux.Handle("POST /v1/webauthn/register/start", secured(h.HandleRegisterStart))
	r.Mux.Handle("POST /v1/webauthn/register/finish", secured(h.HandleRegisterFinish))
	r.Mux.Handle("POST /v1/webauthn/authenticate/start", stepUp(h.HandleAuthenticateStart))
	r.Mux.Handle("POST /v1/webauthn/authenticate/finish", stepUp(h.HandleAuthenticateFinish))
}

func (r *Router) registerOAuth2() {
	parHandler := &PARHandler{OIDC: r.OIDCService}
	r.Mux.Handle("POST /v1/oauth2/par",
		httpx.Chain(parHandler,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)

	authorizeHandler := &AuthorizeHandler{OIDC: r.OIDCService}
	authorizeMws := append(r.authn(), httpx.RateLimitByUser(httpx.ModerateLimit))
	r.Mux.Handle("GET /v1/oauth2/authorize",
		httpx.Chain(authorizeHandler, authorizeMws...),
	)

	tokenHandler := &TokenHandler{OIDC: r.OIDCService, Tokens: r.TokenService}
	r.Mux.Handle("POST /v1/oauth2/token",
		httpx.Chain(tokenHandler,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	introspectHandler := &IntrospectHandler{OIDC: r.OIDCService}
	introspectMws := []httpx.Middleware{
		httpx.AuthnMiddleware(r.verifier, r.leeway),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	}
	r.Mux.Handle("POST /v1/oauth2/introspect",
		httpx.Chain(introspectHandler, introspectMws...),
	)

	userInfoHandler := &UserInfoHandler{OIDC: r.OIDCService}
	userInfoMws := append(r.authn(),
		DPoPBinding(r.DPoP),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	)
	r.Mux.Handle("GET /v1/oauth2/userinfo",
		httpx.Chain(userInfoHandler, userInfoMws...),
	)

	r.Mux.Handle("GET /.well-known/jwks.json",
		httpx.Chain(JWKSHandler(r.keys),
			httpx.RateLimitByIP(httpx.PublicLimit),
		),
	)
}

func (r *Router) registerWS() {
	ticketHandler := &WSTicketHandler{Tickets: r.WSTickets}
	ticketMws := append(r.authn(), httpx.RateLimitByUser(httpx.ModerateLimit))
	r.Mux.Handle("POST /v1/ws-ticket",
		httpx.Chain(ticketHandler, ticketMws...),
	)

	// The upgrade itself authenticates via the one-time ticket subprotocol,
	// not a bearer header.
	r.Mux.Handle("GET /v1/ws", r.WSHandler)
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.PublicLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store, r.cache, r.keys),
			httpx.RateLimitByIP(httpx.PublicLimit),
		),
	)
}
