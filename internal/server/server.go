// Package server implements the HTTP ingress layer: the six client-facing
// dispatch routes (spec §6), the admin API, and ambient middleware
// (auth, logging, metrics, tracing, recovery).
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/dispatcher"
	"github.com/kestrelproxy/kestrel/internal/health"
	"github.com/kestrelproxy/kestrel/internal/snapshot"
	"github.com/kestrelproxy/kestrel/internal/storage"
	"github.com/kestrelproxy/kestrel/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// KeyInvalidator removes a cached auth decision when an admin mutates or
// deletes a proxy key, so the change is visible without waiting out the
// cache TTL.
type KeyInvalidator interface {
	InvalidateByID(id string)
}

// ProxyKeyLookup resolves the full ProxyKey record (permitted groups,
// balance policy, RPM limit) the dispatcher needs, given the ID the auth
// layer already resolved for this request. The auth package's cache (fresh
// as of this same request's Authenticate call) backs it, avoiding a second
// store round trip per dispatch.
type ProxyKeyLookup interface {
	ProxyKeyByID(id string) (*kestrel.ProxyKey, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           kestrel.Authenticator
	Keys           ProxyKeyLookup
	KeyInvalidator KeyInvalidator // nil = no active-cache invalidation on key mutation
	Dispatcher     *dispatcher.Dispatcher
	Snapshot       *snapshot.Publisher
	Health         *health.Scanner     // nil = no manual probe-trigger endpoint
	Store          storage.Store       // nil = no admin CRUD (for tests)
	Metrics        *telemetry.Metrics  // nil = no Prometheus metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	Tracer         trace.Tracer        // nil = no distributed tracing
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing dispatch API (spec §6, auth required).
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requirePerm(kestrel.PermDispatch))
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/responses", s.handleResponses)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1beta/models/{model}:{action}", s.handleGemini)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin API (auth + RBAC required).
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(kestrel.PermManageGroups))
				r.Get("/groups", s.handleListGroups)
				r.Post("/groups", s.handleCreateGroup)
				r.Get("/groups/{id}", s.handleGetGroup)
				r.Put("/groups/{id}", s.handleUpdateGroup)
				r.Delete("/groups/{id}", s.handleDeleteGroup)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(kestrel.PermManageKeys))
				r.Get("/proxy-keys", s.handleListProxyKeys)
				r.Post("/proxy-keys", s.handleCreateProxyKey)
				r.Put("/proxy-keys/{id}", s.handleUpdateProxyKey)
				r.Delete("/proxy-keys/{id}", s.handleDeleteProxyKey)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(kestrel.PermViewLogs))
				r.Get("/logs", s.handleListLogs)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(kestrel.PermForceStatus))
				r.Get("/groups/{id}/health", s.handleGroupHealth)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(kestrel.PermTriggerProbe))
				r.Post("/groups/{id}/probe", s.handleTriggerProbe)
			})
		})
	}

	return r
}

type server struct {
	deps Deps
}
