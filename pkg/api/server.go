// Package api serves the read-only telemetry API over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/powerhive/hivelog/pkg/provider"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":5001"

const shutdownTimeout = 5 * time.Second

// Server routes API requests to a DataProvider.
type Server struct {
	addr     string
	provider provider.DataProvider
	offline  time.Duration
	log      logrus.FieldLogger
	registry *prometheus.Registry
	metrics  *apiMetrics
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithRegistry exposes reg on /metrics and registers the API collectors on it.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithOfflineThreshold sets the default /api/health threshold.
func WithOfflineThreshold(d time.Duration) Option {
	return func(s *Server) { s.offline = d }
}

// New creates a server for p. An empty addr means DefaultAddr.
func New(addr string, p provider.DataProvider, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:     addr,
		provider: p,
		offline:  provider.DefaultOfflineThreshold,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.log = s.log.WithField("component", "api")
	s.metrics = newAPIMetrics(s.registry)
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID)
	r.Use(s.recoverer)
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/swarm", s.swarm).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/devices", s.devices).Methods(http.MethodGet)
	api.HandleFunc("/device-info/{id}", s.deviceInfo).Methods(http.MethodGet)
	api.HandleFunc("/health", s.deviceHealth).Methods(http.MethodGet)
	api.HandleFunc("/config-changes", s.configChanges).Methods(http.MethodGet)
	api.HandleFunc("/swarm/hashrate-trend", s.swarmTrend).Methods(http.MethodGet)
	api.HandleFunc("/summary", s.summary).Methods(http.MethodGet)

	m := api.PathPrefix("/metrics").Subrouter()
	m.HandleFunc("/latest/{id}", s.latest).Methods(http.MethodGet)
	m.HandleFunc("/count", s.count).Methods(http.MethodGet)
	m.HandleFunc("/hashrate-trend/{id}", s.hashrateTrend).Methods(http.MethodGet)
	m.HandleFunc("/temperature-trend/{id}", s.temperatureTrend).Methods(http.MethodGet)
	m.HandleFunc("/total-uptime/{id}", s.totalUptime).Methods(http.MethodGet)
	m.HandleFunc("/variance/{id}", s.variance).Methods(http.MethodGet)
	m.HandleFunc("/highest-difficulty/{id}", s.highestDifficulty).Methods(http.MethodGet)
	m.HandleFunc("/max-best-diff", s.maxBestDiff).Methods(http.MethodGet)
	m.HandleFunc("/session-stats/{id}/{metric}/{seconds}", s.sessionStats).Methods(http.MethodGet)
	m.HandleFunc("/uptime-avg/{id}/{seconds}", s.uptimeAvg).Methods(http.MethodGet)
	m.HandleFunc("/config-summary/{id}", s.configSummary).Methods(http.MethodGet)
	return r
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("HTTP listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("HTTP server stopped")
	return nil
}
