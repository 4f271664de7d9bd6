package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	authkit "github.com/signalpost/authkit"
	promexport "github.com/signalpost/authkit/metrics/export/prometheus"
)

// Config controls the HTTP surface. Zero values fall back to the
// defaults below.
type Config struct {
	// BasePath prefixes every auth route. Defaults to /api/v1/auth.
	BasePath string

	CookieDomain string
	CookieSecure bool
	SameSite     http.SameSite

	// Per-IP request budget. Defaults to 2 req/s with a burst of 60.
	RateLimit rate.Limit
	RateBurst int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = "/api/v1/auth"
	}
	c.BasePath = strings.TrimSuffix(c.BasePath, "/")
	if c.SameSite == 0 {
		c.SameSite = http.SameSiteLaxMode
	}
	if c.RateLimit == 0 {
		c.RateLimit = 2
	}
	if c.RateBurst == 0 {
		c.RateBurst = 60
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// API is the HTTP layer over an [authkit.Engine].
type API struct {
	engine   *authkit.Engine
	cfg      Config
	tokenCfg authkit.TokenConfig
	logger   *slog.Logger
	limiter  *ipLimiter
	registry *prometheus.Registry
	reqStats *requestMetrics
}

// New wires an API around engine. The engine's counters and the HTTP
// request metrics are both registered on the returned API's registry
// and served at GET /metrics.
func New(engine *authkit.Engine, cfg Config) *API {
	cfg = cfg.withDefaults()
	registry := prometheus.NewRegistry()
	registry.MustRegister(promexport.NewCollector(engine))

	a := &API{
		engine:   engine,
		cfg:      cfg,
		tokenCfg: engine.Config().Token,
		logger:   cfg.Logger,
		limiter:  newIPLimiter(cfg.RateLimit, cfg.RateBurst),
		registry: registry,
		reqStats: newRequestMetrics(registry),
	}
	return a
}

// Close stops background goroutines owned by the API.
func (a *API) Close() {
	a.limiter.stop()
}

// Router builds the chi handler for the full REST surface.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(a.requestMeta)
	r.Use(a.recovery)
	r.Use(a.logging)
	r.Use(a.reqStats.middleware)
	r.Use(a.rateLimit)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", a.metricsHandler())

	r.Route(a.cfg.BasePath, func(r chi.Router) {
		// Password flows.
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/email/verify", a.handleVerifyEmail)
		r.Post("/email/resend", a.handleResendVerification)
		r.Post("/password/forgot", a.handleForgotPassword)
		r.Post("/password/reset", a.handleResetPassword)
		r.Post("/logout", a.handleLogout)
		r.Get("/refresh", a.handleRefresh)

		// Magic link.
		r.Post("/magic/signup", a.handleMagicSignup)
		r.Post("/magic/signin", a.handleMagicSignin)
		r.Post("/magic/resend-token", a.handleMagicResend)
		r.Get("/magic/verify/{token}", a.handleMagicVerify)

		// OIDC.
		r.Get("/oidc/{provider}/auth-url", a.handleOIDCAuthURL)
		r.Get("/oidc/{provider}/callback", a.handleOIDCCallback)

		// Passkeys. Registration and discoverable login are anonymous;
		// key management requires an authenticated caller.
		r.Post("/passkey/register/init", a.handlePasskeyRegisterInit)
		r.Post("/passkey/register/verify", a.handlePasskeyRegisterVerify)
		r.Post("/passkey/authenticate/init", a.handlePasskeyAuthInit)
		r.Post("/passkey/authenticate/verify", a.handlePasskeyAuthVerify)
		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Post("/passkey/add-passkey/init/{userid}", a.handlePasskeyAddInit)
			r.Post("/passkey/add-passkey/verify/{userid}", a.handlePasskeyAddVerify)
			r.Post("/passkey/remove-key/init/{userid}/{credentialid}", a.handlePasskeyRemoveInit)
			r.Delete("/passkey/remove-key/verify/{userid}/{credentialid}", a.handlePasskeyRemoveVerify)
			r.Get("/passkey/all/{userid}", a.handlePasskeyList)
		})

		// MFA. Login continuations authenticate with the mfa token;
		// enrollment and revocation require a live session.
		r.Post("/mfa/verify-login", a.handleMFALoginVerify)
		r.Post("/mfa/login-backup-code", a.handleMFALoginBackupCode)
		r.Post("/mfa/verify-forgot-password", a.handleMFAForgotVerify)
		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Get("/mfa/setup", a.handleMFASetup)
			r.Post("/mfa/verify", a.handleMFAConfirm)
			r.Patch("/mfa/revoke", a.handleMFARevoke)
			r.Post("/mfa/backup-codes/consume", a.handleMFABackupConsume)
		})

		// Sessions.
		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Get("/sessions/all", a.handleSessionList)
			r.Get("/sessions/current", a.handleSessionCurrent)
			r.Delete("/sessions/{id}", a.handleSessionDelete)
		})
	})

	return r
}
