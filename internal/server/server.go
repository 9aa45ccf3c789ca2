// Package server assembles fraudwatch: the scoring pipeline, report
// service, stream hub and the HTTP surface in front of them.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/mbd888/fraudwatch/internal/aggregate"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/model"
	"github.com/mbd888/fraudwatch/internal/ratelimit"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/report"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/source"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/webhooks"
)

// Version is reported by the info and health endpoints.
const Version = "0.1.0"

const (
	defaultShutdownGrace = 5 * time.Second
	drainTimeout         = 30 * time.Second
	collectorInterval    = 15 * time.Second
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	artifact   *model.Artifact
	pipeline   *model.Pipeline
	extractor  *features.Extractor
	hub        *realtime.Hub
	reports    *report.Service
	health     *health.Registry
	limiter    *ratelimit.Limiter
	hooks      webhooks.Store
	dispatcher *webhooks.Dispatcher
	db         *sql.DB // nil with the in-memory stores

	router  *gin.Engine
	httpSrv *http.Server

	stopTracing   func(context.Context) error
	stopRun       context.CancelFunc
	shutdownGrace time.Duration

	// ready flips on once the listener is up and off when draining;
	// alive only goes false if New never finished.
	ready atomic.Bool
	alive atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithArtifact scores with a instead of loading or fitting one.
func WithArtifact(a *model.Artifact) Option {
	return func(s *Server) { s.artifact = a }
}

// WithShutdownGrace sets how long Shutdown reports not-ready before it
// starts closing streams and the listener.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) { s.shutdownGrace = d }
}

// New wires every component. A missing dataset, a feature order that
// disagrees with the model, or an invalid threshold fails here rather than
// at the first stream.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, shutdownGrace: defaultShutdownGrace}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.initModel(ctx); err != nil {
		return nil, err
	}
	// A checkpoint skips fitting, so the log may not have been opened yet.
	if err := checkDataset(cfg.DataPath); err != nil {
		return nil, err
	}
	policy, err := aggregate.ParsePolicy(cfg.AlertPolicy)
	if err != nil {
		return nil, err
	}

	store, err := s.reportStore(ctx)
	if err != nil {
		return nil, err
	}
	exporter := report.NewExporter(cfg.DataPath, s.pipeline, s.extractor, report.DefaultTopFeatures, s.logger)
	s.reports = report.NewService(exporter, store, s.logger)

	if s.hooks, err = s.webhookStore(ctx); err != nil {
		return nil, err
	}
	s.dispatcher = webhooks.NewDispatcher(s.hooks, s.logger)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)
	s.reports.SetNotifier(emitter)

	origins := security.ParseOrigins(cfg.CORSOrigins)
	s.hub = realtime.NewHub(realtime.Config{
		DataPath:        cfg.DataPath,
		MetricsInterval: cfg.MetricsInterval,
		EventsInterval:  cfg.EventsInterval,
		WindowMinutes:   cfg.WindowMinutes,
		TopN:            cfg.TopN,
		BatchSize:       cfg.BatchSize,
		Policy:          policy,
		MaxStreams:      cfg.MaxStreams,
		Origins:         origins,
	}, s.pipeline, s.extractor, s.logger)
	s.hub.SetNotifier(emitter)

	limits := ratelimit.DefaultConfig()
	limits.RequestsPerMinute = cfg.RateLimitRPM
	s.limiter = ratelimit.New(limits)

	s.health = s.healthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.useMiddleware(origins)
	s.routes()

	s.alive.Store(true)
	s.logger.Info("server assembled",
		"max_streams", cfg.MaxStreams,
		"batch_size", cfg.BatchSize,
		"alert_policy", string(policy),
		"rate_limit_rpm", cfg.RateLimitRPM,
	)
	return s, nil
}

// initModel loads or fits the artifact, then builds the pipeline and the
// extractor every stream and report shares.
func (s *Server) initModel(ctx context.Context) error {
	if s.artifact == nil {
		provider := model.NewProvider(model.ProviderConfig{
			ModelPath:     s.cfg.ModelPath,
			DataPath:      s.cfg.DataPath,
			ThresholdPath: s.cfg.ThresholdPath,
			Threshold:     s.cfg.Threshold,
		}, s.logger)
		a, err := provider.Artifact(ctx)
		if err != nil {
			return fmt.Errorf("load model: %w", err)
		}
		s.artifact = a
	}

	names := features.CanonicalNames()
	if err := s.artifact.CheckFeatureOrder(names); err != nil {
		return err
	}
	extractor, err := features.NewExtractor(names, s.artifact.Width())
	if err != nil {
		return err
	}
	s.extractor = extractor
	s.pipeline = model.NewPipeline(s.artifact)
	s.logger.Info("scoring pipeline ready",
		"features", s.artifact.Width(),
		"threshold", s.artifact.Threshold(),
		"fitted_at", s.artifact.FittedAt(),
	)
	return nil
}

func checkDataset(path string) error {
	r, err := source.Open(path)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	return r.Close()
}

// reportStore keeps report history in memory unless DATABASE_URL is set.
func (s *Server) reportStore(ctx context.Context) (report.Store, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("report store: memory")
		return report.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Postgres may still be starting next to us.
	if err := retry.Storage.Do(ctx, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	pg := report.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate report store: %w", err)
	}

	s.db = db
	s.logger.Info("report store: postgres", "url", maskDSN(s.cfg.DatabaseURL))
	return report.NewBreakerStore(pg, report.BreakerSettings{}, s.logger), nil
}

// webhookStore shares the report database when there is one.
func (s *Server) webhookStore(ctx context.Context) (webhooks.Store, error) {
	if s.db == nil {
		return webhooks.NewMemoryStore(), nil
	}
	pg := webhooks.NewPostgresStore(s.db)
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate webhook store: %w", err)
	}
	return pg, nil
}

func (s *Server) healthChecks() *health.Registry {
	reg := health.NewRegistry()
	reg.Register("dataset", health.FileReadable("dataset", s.cfg.DataPath))
	reg.Register("model", health.Func("model", func(context.Context) (string, error) {
		return fmt.Sprintf("%d features, threshold %.4f", s.artifact.Width(), s.artifact.Threshold()), nil
	}))
	if s.db != nil {
		reg.Register("database", health.Ping("database", s.db))
	}
	return reg
}

// maskDSN replaces the password so the DSN can be logged.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	runCtx, stopRun := context.WithCancel(ctx)
	s.stopRun = stopRun

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: a stream holds its connection for as long as
		// the log lasts. realtime sets a deadline per frame instead.
		IdleTimeout: 60 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "port", s.cfg.Port, "dataset", s.cfg.DataPath)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	go metrics.StartRuntimeCollector(runCtx, s.db, collectorInterval)
	if s.limiter.Enabled() {
		go s.limiter.Run(runCtx)
	}
	s.ready.Store(true)

	select {
	case err := <-listenErr:
		stopRun()
		return fmt.Errorf("listen: %w", err)
	case <-sigCtx.Done():
		if ctx.Err() == nil {
			s.logger.Info("shutdown signal received")
		}
	}
	return s.Shutdown()
}

// Shutdown drains in order: readiness off, background work stopped, a
// grace period, streams cancelled, then the listener, pending webhook
// deliveries, tracing and the database. Streams go first because http.Server.Shutdown does not wait
// for hijacked connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.stopRun != nil {
		s.stopRun()
	}
	s.logger.Info("draining", "grace", s.shutdownGrace)
	time.Sleep(s.shutdownGrace)

	s.hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.dispatcher.Close(ctx); err != nil {
		s.logger.Warn("webhook deliveries still pending", "error", err)
	}
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "error", err)
		return err
	}
	s.logger.Info("server stopped", "recent_streams", len(s.hub.Recent()))
	return nil
}

// Router exposes the engine to tests.
func (s *Server) Router() *gin.Engine { return s.router }
