package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/qazna-org/access/internal/auth"
	"github.com/qazna-org/access/internal/obs"
)

const serviceName = "qazna-access"

// Pinger is satisfied by the persistence and counter stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks collaborators. Store failures make the service not ready;
// a counter failure only marks it degraded since rate limiting fails open.
type ReadyProbe struct {
	Store   Pinger
	Counter Pinger
}

// Options tunes the HTTP surface.
type Options struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	LoginPerSecond float64
	LoginBurst     int
	TrustedProxies TrustedProxies
}

// API is the HTTP layer over the access control service.
type API struct {
	router  chi.Router
	svc     *auth.Service
	probe   ReadyProbe
	opts    Options
	version string
}

// New builds the router.
func New(svc *auth.Service, probe ReadyProbe, opts Options, version string) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{svc: svc, probe: probe, opts: opts, version: version}
	a.routes()
	return a
}

func (a *API) routes() {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(ClientAddress(a.opts.TrustedProxies))
	r.Use(LoggingJSON)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(func(next http.Handler) http.Handler {
		return obs.Instrument(next, routePattern)
	})
	if len(a.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
			MaxAge:         600,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return MaxBodyBytes(next, a.opts.MaxBodyBytes)
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return RateLimit(next, a.opts.LoginBurst, a.opts.LoginPerSecond)
			})
			r.Post("/auth/login", a.handleLogin)
			r.Post("/auth/refresh", a.handleRefresh)
		})
		r.Post("/auth/logout", a.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(a.Authenticate)
			r.Get("/auth/me", a.handleMe)

			r.Route("/api-keys", func(r chi.Router) {
				r.Use(a.RequireScope(auth.ScopeManageAPIKeys))
				r.Post("/", a.handleCreateKey)
				r.Get("/", a.handleListKeys)
				r.Delete("/{keyID}", a.handleRevokeKey)
			})

			r.Route("/users", func(r chi.Router) {
				r.Use(a.RequireScope(auth.ScopeManageUsers))
				r.Post("/", a.handleCreateUser)
				r.Get("/{userID}", a.handleGetUser)
				r.Put("/{userID}/role", a.handleSetRole)
				r.Put("/{userID}/active", a.handleSetActive)
				r.Post("/{userID}/overrides/{scope}", a.handleGrantOverride)
				r.Delete("/{userID}/overrides/{scope}", a.handleRevokeOverride)
				r.Post("/{userID}/sessions/revoke", a.handleRevokeSessions)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	a.router = r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	status, code := "ready", http.StatusOK
	if a.probe.Store != nil {
		if err := a.probe.Store.Ping(ctx); err != nil {
			checks["store"] = "error: " + err.Error()
			status, code = "not_ready", http.StatusServiceUnavailable
		} else {
			checks["store"] = "ok"
		}
	}
	if a.probe.Counter != nil {
		if err := a.probe.Counter.Ping(ctx); err != nil {
			checks["counter"] = "error: " + err.Error()
			if code == http.StatusOK {
				status = "degraded"
			}
		} else {
			checks["counter"] = "ok"
		}
	}
	obs.SetReady(code == http.StatusOK)
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}
