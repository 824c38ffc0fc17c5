// Package server implements the GhostInbox admin API.
//
// The admin server is the long-running half of GhostInbox: it serves the
// JSON API used by the dashboard, sweeps expired bans on a timer and exposes
// Prometheus metrics. Mail itself never passes through it.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/security"
)

// Config holds server configuration.
type Config struct {
	Addr         string        // HTTP bind address (e.g. ":8080")
	User         string        // admin user name
	PasswordHash string        // argon2id hash of the admin password
	JWTSecret    []byte        // HS256 signing key
	TokenTTL     time.Duration // lifetime of issued tokens
	CORSOrigins  []string      // allowed dashboard origins; empty allows none

	// TrustedProxies are addresses or CIDR prefixes of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers name the client. Headers from
	// any other peer are ignored.
	TrustedProxies []string

	SMTPAddr           string        // dialed by /api/health
	CleanupInterval    time.Duration // expired-ban sweep period
	MetricsLogInterval time.Duration // 0 disables the periodic metrics log
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		User:               "admin",
		TokenTTL:           24 * time.Hour,
		SMTPAddr:           "127.0.0.1:25",
		CleanupInterval:    5 * time.Minute,
		MetricsLogInterval: 60 * time.Second,
	}
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and Mitigator and closes them on shutdown.
type Dependencies struct {
	Store     datastore.DataProviderFactory
	Mitigator security.Mitigator
	// Dial is used for the SMTP health check. Defaults to net.Dialer.
	Dial      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Server is the admin API server.
type Server struct {
	cfg       Config
	store     datastore.DataProviderFactory
	mitigator security.Mitigator
	auth      *authService
	proxies   trustedProxies
	metrics   *Metrics
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	if deps.Mitigator == nil {
		deps.Mitigator = security.Unavailable{}
	}
	if deps.Dial == nil {
		var d net.Dialer
		deps.Dial = d.DialContext
	}
	auth, err := newAuthService(cfg.User, cfg.PasswordHash, cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		store:     deps.Store,
		mitigator: deps.Mitigator,
		auth:      auth,
		proxies:   proxies,
		metrics:   NewMetrics(),
		dial:      deps.Dial,
	}, nil
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler serving the admin API and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/aliases", s.handleListAliases)
			r.Post("/aliases", s.handleCreateAlias)
			r.Patch("/aliases/{alias}", s.handleUpdateAliasNotes)
			r.Delete("/aliases/{alias}", s.handleDeleteAlias)
			r.Post("/aliases/{alias}/block", s.handleSetAliasEnabled(false))
			r.Post("/aliases/{alias}/unblock", s.handleSetAliasEnabled(true))

			r.Get("/wildcard", s.handleGetWildcard)
			r.Post("/wildcard", s.handleSetWildcard)

			r.Get("/security", s.handleSecurityQuery)
			r.Post("/security", s.handleSecurityAction)
		})
	})

	return r
}

// Close releases the store and the mitigation engine.
func (s *Server) Close() error {
	return errors.Join(s.mitigator.Close(), s.store.Close())
}
