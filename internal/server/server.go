package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/config"
	"github.com/marcusmccarty/branch-deploy/internal/coordinator"
	"github.com/marcusmccarty/branch-deploy/internal/handlers"
	"github.com/marcusmccarty/branch-deploy/internal/health"
	"github.com/marcusmccarty/branch-deploy/internal/metrics"
	"github.com/marcusmccarty/branch-deploy/internal/middleware"
	"github.com/marcusmccarty/branch-deploy/internal/store"
)

// clusterStatsInterval is how often cluster gauges are refreshed.
const clusterStatsInterval = 15 * time.Second

// Server runs the API, probe and metrics servers in front of a lock
// coordinator.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	health  *health.Manager
	backend *Backend

	storeMetrics *store.Metrics
	collector    *store.ClusterCollector

	apiServer     *http.Server
	probeServer   *http.Server
	metricsServer *http.Server

	mu        sync.Mutex
	listeners map[*http.Server]net.Listener
	errs      chan error
}

// New opens the configured lock store and builds the three servers. Nothing
// listens until Start is called.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, buildInfo map[string]string) (*Server, error) {
	m := metrics.NewMetrics(cfg.MetricsNamespace, buildInfo)
	storeMetrics := store.NewMetrics(cfg.MetricsNamespace, m.Registry())

	backend, err := OpenBackend(ctx, cfg, logger, storeMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s lock store: %w", cfg.Backend, err)
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		health:       health.NewManager(logger, cfg.HealthCheckCacheDuration, cfg.HealthCheckTimeout),
		backend:      backend,
		storeMetrics: storeMetrics,
		listeners:    make(map[*http.Server]net.Listener),
		errs:         make(chan error, 3),
	}

	s.registerHealthChecks()

	notifier := &countingNotifier{next: backend.Notifier, failures: m.LockNotificationFailures}
	c := coordinator.New(backend.Store, notifier, coordinator.WithLogger(logger))
	lockHandlers := handlers.NewLockHandlers(c, cfg.Lock.Parser(), cfg.Lock.ServerURL, logger, m)

	s.setupServers(lockHandlers)
	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.health.RegisterChecker(health.NewConfigChecker(s.logger, s.cfg.Validate))
	s.health.RegisterChecker(health.NewLoggerChecker(s.logger))
	s.health.RegisterChecker(health.NewServerChecker())
	s.health.RegisterChecker(health.NewReadinessChecker())

	s.health.RegisterDependency(store.NewConnectionHealthChecker(s.logger, s.backend.Store, s.backend.Name))
	if s.backend.Cluster != nil {
		s.health.RegisterDependency(store.NewClusterHealthChecker(s.logger, s.backend.Cluster, s.backend.Quorum, s.backend.SingleNode))
	}
}

func (s *Server) setupServers(lockHandlers *handlers.LockHandlers) {
	s.apiServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler:      s.setupAPIRouter(lockHandlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if s.cfg.TLSEnabled {
		s.apiServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s.probeServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.ProbeHost, s.cfg.ProbePort),
		Handler:      s.setupProbeRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.MetricsHost, s.cfg.MetricsPort),
		Handler:      s.setupMetricsRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

func (s *Server) setupAPIRouter(lockHandlers *handlers.LockHandlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.LoggingMiddleware(s.logger, "api"))
	r.Use(middleware.RecovererMiddleware(s.logger))
	r.Use(middleware.MetricsMiddleware(s.metrics, s.logger))

	setupAPIRoutes(r, lockHandlers, s.logger)
	return r
}

func (s *Server) setupProbeRouter() *chi.Mux {
	r := chi.NewRouter()
	setupProbeRoutes(r, s.health, s.metrics, s.logger)
	return r
}

func (s *Server) setupMetricsRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
		Registry:          s.metrics.Registry(),
		EnableOpenMetrics: true,
	}))
	return r
}

// Start binds all three servers and serves them in the background. A bind
// failure is returned directly; later serve errors arrive on Errors.
func (s *Server) Start() error {
	servers := []*http.Server{s.probeServer, s.metricsServer, s.apiServer}

	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		s.mu.Lock()
		s.listeners[srv] = ln
		s.mu.Unlock()
	}

	for _, srv := range servers {
		go s.serve(srv, s.listener(srv))
	}

	if s.backend.Cluster != nil {
		s.collector = store.NewClusterCollector(s.logger, s.backend.Cluster, s.storeMetrics, clusterStatsInterval)
		s.collector.Start()
	}

	s.health.SetServersRunning(true)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	name := s.serverName(srv)
	s.logger.Info("Starting "+name+" server", zap.String("addr", ln.Addr().String()))

	var err error
	if srv == s.apiServer && s.cfg.TLSEnabled {
		err = srv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = srv.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errs <- fmt.Errorf("%s server error: %w", name, err)
	}
}

func (s *Server) serverName(srv *http.Server) string {
	switch srv {
	case s.apiServer:
		return "API"
	case s.probeServer:
		return "probe"
	default:
		return "metrics"
	}
}

func (s *Server) listener(srv *http.Server) net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[srv]
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for srv, ln := range s.listeners {
		_ = ln.Close()
		delete(s.listeners, srv)
	}
}

// Errors delivers errors from servers that stopped unexpectedly.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// APIAddr returns the address the API server listens on, once started.
func (s *Server) APIAddr() string {
	return s.addr(s.apiServer)
}

// ProbeAddr returns the address the probe server listens on, once started.
func (s *Server) ProbeAddr() string {
	return s.addr(s.probeServer)
}

// MetricsAddr returns the address the metrics server listens on, once started.
func (s *Server) MetricsAddr() string {
	return s.addr(s.metricsServer)
}

func (s *Server) addr(srv *http.Server) string {
	if ln := s.listener(srv); ln != nil {
		return ln.Addr().String()
	}
	return srv.Addr
}

// Shutdown marks the service not ready, drains the servers and closes the
// lock store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down servers gracefully")
	s.health.SetShuttingDown(true)

	var errs []error

	// The API stops taking lock requests first; probes answer until the end.
	for _, srv := range []*http.Server{s.apiServer, s.metricsServer, s.probeServer} {
		name := s.serverName(srv)
		s.logger.Info("Shutting down " + name + " server")
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s server shutdown error: %w", name, err))
		}
	}

	// Listeners whose Serve never ran are not closed by Shutdown.
	s.closeListeners()

	if s.collector != nil {
		s.collector.Stop()
	}

	if err := s.backend.Store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close lock store: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("All servers shut down successfully")
	return nil
}
