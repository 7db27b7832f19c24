// Package core provides the API chassis for the MapleBill service.
// It creates a chi router and enforces cross-cutting concerns -- logging,
// request correlation, panic recovery, and error formatting -- before
// requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"maplebill/internal/config"
)

// defaultRedactedHeaders lists header names whose values are masked in request
// logs to prevent accidental leakage of credentials or idempotency keys.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
}

// Server encapsulates the transport-layer dependencies for the billing API,
// allowing injection during testing and distinct configuration per
// environment.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// V1RouteRegistrars are populated by the application entry point before
	// MountRoutes is called. This indirection avoids an import cycle between
	// core and the handler packages.
	V1RouteRegistrars []func(chi.Router)

	// HealthProbes are checked by the /health endpoint.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer initializes the server chassis. The caller is responsible for
// appending route registrars and calling MountRoutes afterwards; the
// separation lets tests customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the /v1 API group, and
// the health endpoint.
//
// Middleware ordering:
//  1. Recoverer       - outermost so all panics are caught.
//  2. ContextTimeout  - soft deadline before the handler chain.
//  3. RequestID       - correlation ID for logs and responses.
//  4. SecurityHeaders - present on every response, including errors.
//  5. RequestLogger   - structured logging with redacted headers.
//
// Identity resolution is per-route-group, not global: the webhook and health
// endpoints have no caller account.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

// requestTimeout returns the configured soft request deadline.
func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return 29 * time.Second
}

// Shutdown performs a graceful termination of server-held resources. The
// HTTP listener itself is owned by main; this hook exists for resources the
// chassis may acquire later.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown complete")
	return nil
}
