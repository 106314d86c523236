// Package xray is the public API for embedding the xray decision-trail
// service.
//
// Callers construct an App and run it until their context ends:
//
//	app, err := xray.New(
//	    xray.WithVersion(version),
//	    xray.WithLogger(logger),
//	    xray.WithDeadLetterHook(alerting),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types
// (DeadJob, Middleware) are standalone; conversion helpers live here.
package xray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/xray/api"
	"github.com/ashita-ai/xray/internal/config"
	"github.com/ashita-ai/xray/internal/mcp"
	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/queue"
	"github.com/ashita-ai/xray/internal/ratelimit"
	"github.com/ashita-ai/xray/internal/server"
	"github.com/ashita-ai/xray/internal/service/ingest"
	"github.com/ashita-ai/xray/internal/service/query"
	"github.com/ashita-ai/xray/internal/storage"
	"github.com/ashita-ai/xray/internal/telemetry"
	"github.com/ashita-ai/xray/internal/worker"
	"github.com/ashita-ai/xray/migrations"
)

// App is the xray service lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	queue        queue.Queue
	workers      *worker.Pool             // nil with WithoutWorkers
	jobLimiter   *ratelimit.MemoryLimiter // nil with WithoutWorkers
	httpLimiter  *ratelimit.MemoryLimiter // nil when HTTP rate limiting is off
	srv          *server.Server           // nil with WithoutHTTP
	otelShutdown telemetry.Shutdown
	stopListen   context.CancelFunc
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects to Postgres, runs migrations, opens the
// job queue and wires the worker pool and HTTP server. It starts no
// goroutines; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if o.notifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Only workers on the Postgres queue need a LISTEN connection.
	notifyURL := ""
	if !o.noWorkers && cfg.QueueBackend == config.QueuePostgres {
		notifyURL = cfg.NotifyURL
	}
	a.db, err = storage.New(ctx, cfg.DatabaseURL, notifyURL, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := a.db.RunMigrations(ctx, extraFS); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	a.queue, err = openQueue(ctx, cfg, a.db, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	queue.RegisterMetrics(a.queue)

	if !o.noWorkers {
		hooks := make([]worker.DeadLetterHook, 0, len(o.deadLetterHooks))
		for _, h := range o.deadLetterHooks {
			hooks = append(hooks, deadLetterAdapter(h))
		}
		a.jobLimiter = ratelimit.NewMemoryLimiter(cfg.WorkerRate, cfg.WorkerBurst)
		a.workers = worker.New(a.queue, ingest.NewProcessor(a.db, logger), a.jobLimiter, logger, worker.Config{
			Concurrency:     cfg.WorkerConcurrency,
			PollInterval:    cfg.WorkerPollInterval,
			JobTimeout:      cfg.WorkerJobTimeout,
			FinishTimeout:   cfg.WorkerFinishTimeout,
			PruneInterval:   cfg.WorkerPruneInterval,
			DeadLetterHooks: hooks,
		})
	}

	if !o.noHTTP {
		querier := query.New(a.db, logger)

		srvCfg := server.ServerConfig{
			Queue:               a.queue,
			Querier:             querier,
			DB:                  a.db,
			Logger:              logger,
			Port:                cfg.Port,
			ReadTimeout:         cfg.ReadTimeout,
			WriteTimeout:        cfg.WriteTimeout,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
			OpenAPISpec:         api.OpenAPISpec,
		}
		for _, mw := range o.middlewares {
			srvCfg.Middlewares = append(srvCfg.Middlewares, mw)
		}
		if cfg.RateLimitEnabled {
			a.httpLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
			srvCfg.Limiter = a.httpLimiter
		}
		if cfg.EnableMCP {
			srvCfg.MCPServer = mcp.New(querier, logger, version).MCPServer()
		}
		a.srv = server.New(srvCfg)
	}

	logger.Info("xray ready",
		"version", version,
		"port", cfg.Port,
		"queue", cfg.QueueBackend,
		"http", a.srv != nil,
		"workers", a.workers != nil,
	)
	return a, nil
}

func openQueue(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (queue.Queue, error) {
	opts := queue.Options{
		MaxAttempts:   cfg.JobMaxAttempts,
		BackoffBase:   cfg.JobBackoffBase,
		BackoffMax:    cfg.JobBackoffMax,
		Lease:         cfg.JobLease,
		KeepCompleted: cfg.KeepCompleted,
		CompletedAge:  cfg.CompletedJobAge,
		DeadAge:       cfg.DeadJobRetention,
	}
	switch cfg.QueueBackend {
	case config.QueueSQLite:
		q, err := queue.NewSQLite(ctx, cfg.QueueSQLitePath, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
		return q, nil
	default:
		return queue.NewPostgres(db.Pool(), opts, logger), nil
	}
}

// Run starts the worker pool and the HTTP server, then blocks until ctx is
// cancelled or the server fails. Shutdown is called on return.
func (a *App) Run(ctx context.Context) error {
	if a.workers != nil {
		if pq, ok := a.queue.(*queue.Postgres); ok && a.db.HasNotify() {
			listenCtx, cancel := context.WithCancel(context.Background())
			a.stopListen = cancel
			go pq.ListenForJobs(listenCtx, a.db)
		}
		a.workers.Start(ctx)
	}

	errCh := make(chan error, 1)
	if a.srv != nil {
		go func() {
			if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown stops the service in order: (1) stop accepting HTTP requests and
// finish in-flight ones, (2) drain the worker pool so claimed jobs finish,
// (3) release the queue, database and telemetry exporters. Jobs still
// pending stay in the durable queue for the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("xray shutting down")

	var errs []error
	if a.srv != nil {
		httpCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}

	if a.workers != nil {
		drainCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		a.workers.Drain(drainCtx)
		if n := a.workers.InFlight(); n > 0 {
			a.logger.Warn("worker drain incomplete; leased jobs will be redelivered after their lease",
				"in_flight", n,
				"configured_timeout", a.cfg.ShutdownTimeout,
			)
		}
		cancel()
	}

	a.close(ctx)
	a.logger.Info("xray stopped")
	return errors.Join(errs...)
}

// close releases whatever New managed to open.
func (a *App) close(ctx context.Context) {
	if a.stopListen != nil {
		a.stopListen()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close", "error", err)
		}
	}
	if a.jobLimiter != nil {
		_ = a.jobLimiter.Close()
	}
	if a.httpLimiter != nil {
		_ = a.httpLimiter.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	if a.db != nil {
		a.db.Close(ctx)
	}
}

// Close releases resources without running. Use it after New when the App
// is only needed for migrations or dead-letter administration.
func (a *App) Close(ctx context.Context) {
	a.close(ctx)
}

// DeadLetters lists dead jobs, newest first. jobType may be empty.
func (a *App) DeadLetters(ctx context.Context, jobType string, limit int) ([]DeadJob, error) {
	if jobType != "" && !validJobType(model.JobType(jobType)) {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	jobs, err := a.queue.DeadLetters(ctx, queue.DeadLetterFilter{Type: model.JobType(jobType), Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]DeadJob, len(jobs))
	for i, j := range jobs {
		out[i] = toDeadJob(j)
	}
	return out, nil
}

// RetryDeadLetter moves a dead job back to pending with a fresh attempt
// budget.
func (a *App) RetryDeadLetter(ctx context.Context, id string) error {
	return a.queue.Retry(ctx, id)
}

func validJobType(t model.JobType) bool {
	for _, known := range model.JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

func deadLetterAdapter(h DeadLetterHook) worker.DeadLetterHook {
	return func(ctx context.Context, job queue.Job, cause error) {
		h.OnDeadLetter(ctx, toDeadJob(job), cause)
	}
}

func toDeadJob(j queue.Job) DeadJob {
	return DeadJob{
		ID:         j.ID,
		Type:       string(j.Type),
		Payload:    j.Payload,
		Attempts:   j.Attempts,
		LastError:  j.LastError,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
