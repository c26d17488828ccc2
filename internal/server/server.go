// Package server wires the protocol adapters, the auth layer and the
// operational endpoints into one HTTP server.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/activity"
	"github.com/devitway/nora/internal/auth"
	"github.com/devitway/nora/internal/index"
	"github.com/devitway/nora/internal/metrics"
	"github.com/devitway/nora/internal/registry"
	"github.com/devitway/nora/internal/registry/cargo"
	"github.com/devitway/nora/internal/registry/docker"
	"github.com/devitway/nora/internal/registry/maven"
	"github.com/devitway/nora/internal/registry/npm"
	"github.com/devitway/nora/internal/registry/pypi"
	"github.com/devitway/nora/internal/registry/raw"
	"github.com/devitway/nora/internal/storage"
	"github.com/devitway/nora/pkg/config"
)

// Server is the assembled registry: storage, adapters, middleware and
// the listening socket.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	docker     *docker.Handler
	deps       *registry.Deps
	cfg        *config.Config
	logger     *logrus.Logger
	startedAt  time.Time
}

// New builds a fully wired server from the configuration. The storage
// backend is constructed here and shared by every adapter.
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	htpasswd, err := auth.LoadHtpasswd(cfg.Auth.HtpasswdFile, logger)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenStore(cfg.Auth.TokenStorage, logger)
	if err != nil {
		return nil, err
	}

	deps := &registry.Deps{
		Store:     store,
		Activity:  activity.NewLog(activity.DefaultCapacity),
		Dashboard: metrics.NewDashboard(),
		Indexes:   index.NewSet(),
		Logger:    logger,
	}

	s := &Server{
		deps:      deps,
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}

	router := mux.NewRouter()
	router.SkipClean(true)
	router.UseEncodedPath()

	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.registerUI(router)
	auth.NewTokenAPI(htpasswd, tokens, logger).Register(router)

	s.docker = docker.New(deps, cfg.Docker)
	s.docker.Register(router)
	maven.New(deps, cfg.Maven).Register(router)
	npm.New(deps, cfg.Npm).Register(router)
	pypi.New(deps, cfg.Pypi).Register(router)
	cargo.New(deps).Register(router)
	raw.New(deps, cfg.Raw).Register(router)

	// Middleware, outermost first: body cap, request id, metrics,
	// rate limits, then auth in front of the adapters.
	var handler http.Handler = router
	handler = auth.NewMiddleware(cfg.Auth.Enabled, htpasswd, tokens, logger).Wrap(handler)
	handler = rateLimit(cfg.RateLimit, handler)
	handler = recordMetrics(handler)
	handler = requestID(handler)
	handler = bodyLimit(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler exposes the full middleware stack for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving and blocks until the listener closes. The
// context bounds the background workers, not the listener.
func (s *Server) Start(ctx context.Context) error {
	s.docker.StartSessionReaper(ctx)
	s.logger.WithFields(logrus.Fields{
		"addr":    s.cfg.Addr(),
		"storage": s.deps.Store.BackendName(),
	}).Info("server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.httpServer.Shutdown(ctx)
}
