// Package api is the hub's HTTP surface: the anonymous notification callback
// and diagnostics, plus function-key-guarded management endpoints for
// subscriptions, baseline seeding and health.
package api

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/robobridge/robobridge/hub/ingress"
	"github.com/robobridge/robobridge/hub/lifecycle"
	"github.com/robobridge/robobridge/pkg/healthcheck"
	"github.com/robobridge/robobridge/pkg/statestore"
)

const serverTimeout = 120 * time.Second

// Server routes hub requests.
type Server struct {
	router *httprouter.Router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// Config wires a Server. Store, RPA and Health may be nil; the corresponding
// endpoints then answer with an explanatory error instead of panicking.
type Config struct {
	Pipeline *ingress.Pipeline
	Manager  *lifecycle.Manager
	Store    statestore.Store
	RPA      RPAClient
	Health   *healthcheck.HealthChecker

	// FunctionKey guards the management endpoints; empty disables the
	// guard, which is only sensible for local development.
	FunctionKey string

	// DefaultTenant is echoed by the diagnostics endpoint and used for its
	// auth probe when the caller names no tenant.
	DefaultTenant string
}

// NewServer builds the hub's HTTP server listening on addr.
func NewServer(addr string, cfg Config) *http.Server {
	if cfg.FunctionKey == "" {
		log.Warn("no function key configured; management endpoints are unauthenticated")
	}

	h := &handler{
		pipeline:      cfg.Pipeline,
		manager:       cfg.Manager,
		store:         cfg.Store,
		rpa:           cfg.RPA,
		health:        cfg.Health,
		defaultTenant: cfg.DefaultTenant,
	}
	guard := functionKeyGuard(cfg.FunctionKey)

	server := &Server{
		router: &httprouter.Router{
			RedirectTrailingSlash:  true,
			RedirectFixedPath:      true,
			HandleMethodNotAllowed: false,
		},
	}

	// The notification callback is anonymous by contract: the platform
	// signs nothing and retries little.
	server.router.GET("/ingress", h.handleIngress)
	server.router.POST("/ingress", h.handleIngress)

	server.router.GET("/subscriptions", guard(h.handleListSubscriptions))
	server.router.POST("/subscriptions", guard(h.handleCreateSubscription))
	server.router.DELETE("/subscriptions", guard(h.handleDeleteSubscription))
	server.router.POST("/subscriptions/sync", guard(h.handleSync))
	server.router.POST("/states/init", guard(h.handleStatesInit))
	server.router.GET("/health", guard(h.handleHealth))

	server.router.GET("/rpa/test", h.handleRPATestGet)
	server.router.POST("/rpa/test", h.handleRPATestPost)

	return &http.Server{
		Addr:         addr,
		ReadTimeout:  serverTimeout,
		WriteTimeout: serverTimeout,
		Handler:      server,
	}
}
