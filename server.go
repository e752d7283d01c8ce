package syncd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/AmbitiousRealism2025/syncd/internal/clock"
	"github.com/AmbitiousRealism2025/syncd/internal/hub"
	"github.com/AmbitiousRealism2025/syncd/internal/httpapi"
	"github.com/AmbitiousRealism2025/syncd/internal/ratelimit"
	"github.com/AmbitiousRealism2025/syncd/internal/resourcestore"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

// Server wraps the HTTP API, the resource store, the realtime hub and the
// rate limiter.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	store    *resourcestore.Store
	hub      *hub.Hub
	limiter  *ratelimit.Limiter
	handler  *httpapi.Handler
	httpSrv  *http.Server
	metricsS *http.Server
	clock    clock.Clock

	listener   net.Listener
	socketPath string

	mu           sync.Mutex
	shutdown     bool
	sweepStop    chan struct{}
	sweepDone    sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
	lastServeErr error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Auth   httpapi.TokenValidator
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithTokenValidator replaces the static token table with a custom
// validator.
func WithTokenValidator(v httpapi.TokenValidator) Option {
	return func(o *options) {
		o.Auth = v
	}
}

// NewServer constructs a syncd server according to cfg.
// Example:
//
//	cfg := syncd.Config{Listen: ":9380", Tokens: map[string]string{"tok": "user-1"}}
//	srv, err := syncd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	auth := o.Auth
	if auth == nil {
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("config: no tokens configured and no token validator injected")
		}
		auth = httpapi.StaticTokens(cfg.Tokens)
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	store := resourcestore.New(resourcestore.Config{
		AppliedRetention: cfg.AppliedRetention,
		Logger:           logger,
	})
	h := hub.New(hub.Config{
		SendQueueSize:     cfg.SendQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteTimeout:      cfg.WriteTimeout,
		Logger:            logger,
		Metrics:           hub.NewMetrics(registry),
	})
	limiter := ratelimit.New(ratelimit.Config{
		Rules:         cfg.RateRules,
		DenyThreshold: cfg.DenyThreshold,
		DenyDuration:  cfg.DenyDuration,
		Logger:        logger,
		Metrics:       ratelimit.NewMetrics(registry),
	})
	handler := httpapi.New(httpapi.Config{
		Store:        store,
		Hub:          h,
		Limiter:      limiter,
		Auth:         auth,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	})

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux}
	}

	return &Server{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "server"),
		store:    store,
		hub:      h,
		limiter:  limiter,
		handler:  handler,
		httpSrv:  httpSrv,
		metricsS: metricsSrv,
		clock:    serverClock,
		readyCh:  make(chan struct{}),
	}, nil
}

// StartServer constructs the server, starts serving in the background and
// blocks until the listener is ready. The caller owns shutdown.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Start(); err != nil {
			srv.logger.Error("syncd.server.serve_failed", "error", err)
		}
	}()
	if err := srv.WaitUntilReady(ctx); err != nil {
		_ = srv.Close()
		return nil, err
	}
	return srv, nil
}

// Handler returns the underlying HTTP handler so syncd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the realtime hub for publishing server-originated events
// (session updates, context alerts).
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.signalReady()
	s.logger.Info("syncd.server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	s.startSweeper()
	defer s.stopSweeper()
	if s.metricsS != nil {
		go func() {
			s.logger.Info("syncd.server.metrics_listening", "address", s.metricsS.Addr)
			if err := s.metricsS.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("syncd.server.metrics_failed", "error", err)
			}
		}()
	}
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server: realtime sessions are closed, the
// HTTP server drains, and the metrics listener stops. The returned error is
// nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.hub.CloseAll()
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if s.metricsS != nil {
		if err := s.metricsS.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// LastServeError returns the most recent serve loop error.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// startSweeper prunes stale rate-limit windows on a fixed cadence.
func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweepStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweepStop = make(chan struct{})
	stopCh := s.sweepStop
	interval := s.cfg.LimiterSweepInterval
	s.sweepDone.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.sweepDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.limiter.Sweep()
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweepStop
	s.sweepStop = nil
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		s.sweepDone.Wait()
	}
}
