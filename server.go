package sessiond

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/httpapi"
	"pkt.systems/sessiond/internal/liveness"
	"pkt.systems/sessiond/internal/locks"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/proxy"
	"pkt.systems/sessiond/internal/remote"
	"pkt.systems/sessiond/internal/storage"
	"pkt.systems/sessiond/internal/supervisor"
	"pkt.systems/sessiond/internal/version"
	"pkt.systems/sessiond/internal/worker"
	"pkt.systems/sessiond/internal/workerconfig"
)

// ClientFactory builds the remote API client for a worker.
type ClientFactory func(cfg workerconfig.Worker) (remote.Client, error)

// Server wires the lock manager, supervisor and control API together.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	backend   storage.Backend
	actions   actionlog.Log
	workers   *workerconfig.File
	locks     *locks.Manager
	sup       *supervisor.Supervisor
	sessions  *remote.SessionStore
	clients   ClientFactory
	pauses    *worker.Pauses
	httpSrv   *http.Server
	telemetry *telemetry

	ownsBackend bool
	ownsActions bool

	readyCh   chan struct{}
	readyOnce sync.Once

	mu          sync.Mutex
	listener    net.Listener
	maintCancel context.CancelFunc
	maintDone   chan struct{}
	shutdown    bool
	serveErr    error
}

// Option customises server construction.
type Option func(*options)

type options struct {
	logger  pslog.Logger
	backend storage.Backend
	actions actionlog.Log
	clock   clock.Clock
	workers *workerconfig.File
	clients ClientFactory
	prober  liveness.Prober
	pid     int
	pauses  *worker.Pauses
}

// WithLogger supplies the root logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLockStore injects a lock store instead of opening cfg.Store. The
// caller keeps ownership.
func WithLockStore(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithActionLog injects an action log instead of opening cfg.ActionLog. The
// caller keeps ownership.
func WithActionLog(l actionlog.Log) Option {
	return func(o *options) { o.actions = l }
}

// WithClock overrides the clock used by locks, workers and the API.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithWorkers supplies worker definitions instead of reading cfg.WorkersFile.
func WithWorkers(f *workerconfig.File) Option {
	return func(o *options) { o.workers = f }
}

// WithClientFactory overrides how remote clients are built per worker.
func WithClientFactory(f ClientFactory) Option {
	return func(o *options) { o.clients = f }
}

// WithLiveness overrides the process liveness probe and the pid stamped on
// locks. A pid <= 0 keeps os.Getpid.
func WithLiveness(p liveness.Prober, pid int) Option {
	return func(o *options) {
		o.prober = p
		o.pid = pid
	}
}

// WithWorkerPauses overrides the worker pause schedule.
func WithWorkerPauses(p worker.Pauses) Option {
	return func(o *options) { o.pauses = &p }
}

// NewServer validates cfg and constructs a Server. Nothing listens until
// Start is called.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := clock.Or(o.clock)
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		clients: o.clients,
		pauses:  o.pauses,
		readyCh: make(chan struct{}),
	}
	if s.clients == nil {
		s.clients = func(wc workerconfig.Worker) (remote.Client, error) { return remote.New(wc.ClientKind) }
	}
	ctx := context.Background()

	workers, err := loadWorkers(cfg, o.workers, logger)
	if err != nil {
		return nil, err
	}
	s.workers = workers

	tel, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
		ServiceVersion: version.Current(),
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = tel

	s.backend = o.backend
	if s.backend == nil {
		s.backend, err = OpenLockStore(ctx, cfg, logger)
		if err != nil {
			s.closeResources(ctx)
			return nil, err
		}
		s.ownsBackend = true
	}
	s.actions = o.actions
	if s.actions == nil {
		s.actions, err = OpenActionLog(ctx, cfg, clk, logger)
		if err != nil {
			s.closeResources(ctx)
			return nil, err
		}
		s.ownsActions = true
	}
	s.sessions, err = remote.NewSessionStore(cfg.SessionDir, clk)
	if err != nil {
		s.closeResources(ctx)
		return nil, err
	}

	s.locks = locks.New(s.backend, locks.Config{
		Timeout: cfg.LockTimeout,
		Clock:   clk,
		Prober:  o.prober,
		Logger:  logger,
		PID:     o.pid,
		Host:    cfg.HostTag,
	})
	s.sup, err = supervisor.New(supervisor.Config{
		Locks:             s.locks,
		Factory:           s.buildWorker,
		Clock:             clk,
		Logger:            logger,
		StopTimeout:       cfg.StopTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
	})
	if err != nil {
		s.closeResources(ctx)
		return nil, err
	}

	handler := httpapi.New(httpapi.Config{
		Supervisor: s.sup,
		Workers:    s.workers,
		Log:        s.actions,
		Clock:      clk,
		Logger:     logger,
		Version:    version.Current(),
		ProxyTest: proxy.TestOptions{
			Endpoint: cfg.ProxyTestEndpoint,
			Timeout:  cfg.ProxyTestTimeout,
			Clock:    clk,
		},
		HTTPTracingEnabled: !cfg.DisableHTTPTracing,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("server.configured",
		"workers", len(s.workers.Workers),
		"lock_timeout", cfg.LockTimeout,
		"stop_timeout", cfg.StopTimeout,
		"reconcile_interval", cfg.ReconcileInterval,
	)
	return s, nil
}

func loadWorkers(cfg Config, provided *workerconfig.File, logger pslog.Logger) (*workerconfig.File, error) {
	if provided != nil {
		if err := provided.Validate(); err != nil {
			return nil, err
		}
		return provided, nil
	}
	path := cfg.WorkersFile
	if path == "" {
		def, err := DefaultWorkersFile()
		if err != nil {
			return &workerconfig.File{}, nil
		}
		if _, err := os.Stat(def); err != nil {
			logger.Warn("server.workers.none", "path", def, "reason", "no worker file configured")
			return &workerconfig.File{}, nil
		}
		path = def
	}
	file, err := workerconfig.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	logger.Info("server.workers.loaded", "path", path, "count", len(file.Workers))
	return file, nil
}

func (s *Server) buildWorker(ctx context.Context, wc workerconfig.Worker) (supervisor.Runner, error) {
	client, err := s.clients(wc)
	if err != nil {
		return nil, fmt.Errorf("worker %s: client: %w", wc.ID, err)
	}
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	return worker.New(wc, worker.Deps{
		Client:   client,
		Log:      s.actions,
		Sessions: s.sessions,
		Clock:    s.clock,
		Logger:   logger,
		Pauses:   s.pauses,
	})
}

// Handler exposes the control API handler (useful for tests and embedding).
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Supervisor exposes the worker supervisor.
func (s *Server) Supervisor() *supervisor.Supervisor { return s.sup }

// Locks exposes the lock manager.
func (s *Server) Locks() *locks.Manager { return s.locks }

// Workers returns the loaded worker definitions.
func (s *Server) Workers() *workerconfig.File { return s.workers }

// Start listens on cfg.Listen, starts the maintenance loop (and every
// worker when AutoStart is set) and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	maintCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		cancel()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.maintCancel = cancel
	s.maintDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.sup.Run(maintCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("server.maintenance.stopped", "error", err)
		}
	}()
	if s.cfg.AutoStart {
		s.startAll(maintCtx)
	}
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("server.listening", "address", ln.Addr().String(), "version", version.Current())

	serveErr := s.httpSrv.Serve(ln)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	s.mu.Lock()
	s.serveErr = serveErr
	s.mu.Unlock()
	return fmt.Errorf("http serve: %w", serveErr)
}

func (s *Server) startAll(ctx context.Context) {
	for _, wc := range s.workers.Workers {
		if err := s.sup.Start(ctx, wc); err != nil {
			s.logger.Warn("server.autostart.failed", "worker_id", wc.ID, "identity", wc.Identity, "error", err)
			continue
		}
		s.logger.Info("server.autostart.started", "worker_id", wc.ID, "identity", wc.Identity)
	}
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops every worker (releasing its lock), stops the HTTP server
// and closes owned stores. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel, done := s.maintCancel, s.maintDone
	s.mu.Unlock()

	var errs []error
	if err := s.sup.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	errs = append(errs, s.closeResources(ctx)...)
	s.mu.Lock()
	if s.serveErr != nil {
		errs = append(errs, s.serveErr)
	}
	s.mu.Unlock()
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("server.shutdown.errors", "error", err)
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

func (s *Server) closeResources(ctx context.Context) []error {
	var errs []error
	if s.ownsActions && s.actions != nil {
		if err := s.actions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close action log: %w", err))
		}
	}
	if s.ownsBackend && s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lock store: %w", err))
		}
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// StartServer constructs and starts a server in the background, returning
// once it listens. The stop function shuts it down; ctx cancellation does
// the same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout())
		defer cancel()
		_ = stop(shutdownCtx)
	}()
	return srv, stop, nil
}

func (c Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeout > 0 {
		return c.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}
