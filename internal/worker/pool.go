// Package worker runs the consumers that drain the job queue into the
// entity store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/xray/internal/queue"
	"github.com/ashita-ai/xray/internal/ratelimit"
	"github.com/ashita-ai/xray/internal/telemetry"
)

// LimiterKey is the limiter key consumers wait on before each claim. All
// consumers share it, so the limiter caps job starts per second globally.
const LimiterKey = "jobs"

// Handler processes one claimed job. Returning an error wrapping
// queue.ErrPermanent dead-letters the job immediately; any other error
// schedules a retry.
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job queue.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job queue.Job) error { return f(ctx, job) }

// DeadLetterHook is called after a job is dead-lettered. Hooks run
// synchronously on the consumer goroutine and must not block for long.
type DeadLetterHook func(ctx context.Context, job queue.Job, cause error)

// Config tunes the pool.
type Config struct {
	Concurrency     int           // consumers; default 10
	PollInterval    time.Duration // idle re-check when no wakeup arrives; default 1s
	JobTimeout      time.Duration // deadline for one Handle call; default 30s
	FinishTimeout   time.Duration // deadline for reporting the outcome; default 10s
	PruneInterval   time.Duration // how often retention runs; 0 disables pruning
	DeadLetterHooks []DeadLetterHook
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = 10 * time.Second
	}
	return c
}

// Pool is a fixed set of consumers pulling from a queue.
type Pool struct {
	queue   queue.Queue
	handler Handler
	limiter ratelimit.Limiter
	logger  *slog.Logger
	cfg     Config

	started    atomic.Bool
	inFlight   atomic.Int64
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	processed metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates a pool. A nil limiter disables the admission cap.
func New(q queue.Queue, h Handler, limiter ratelimit.Limiter, logger *slog.Logger, cfg Config) *Pool {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	meter := telemetry.Meter("xray/worker")
	processed, _ := meter.Int64Counter("xray.jobs.processed",
		metric.WithDescription("Jobs processed by outcome"),
	)
	duration, _ := meter.Float64Histogram("xray.jobs.duration",
		metric.WithDescription("Time spent handling one job"),
		metric.WithUnit("s"),
	)
	return &Pool{
		queue:     q,
		handler:   h,
		limiter:   limiter,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		done:      make(chan struct{}),
		processed: processed,
		duration:  duration,
	}
}

// Start launches the consumers and the prune loop. It is safe to call only
// once; subsequent calls are no-ops and log a warning.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel

	g, gctx := errgroup.WithContext(loopCtx)
	for i := range p.cfg.Concurrency {
		g.Go(func() error {
			p.consume(gctx, i)
			return nil
		})
	}
	if p.cfg.PruneInterval > 0 {
		g.Go(func() error {
			p.pruneLoop(gctx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		p.once.Do(func() { close(p.done) })
	}()

	p.logger.Info("worker: started",
		"concurrency", p.cfg.Concurrency,
		"poll_interval", p.cfg.PollInterval,
		"job_timeout", p.cfg.JobTimeout,
	)
}

// Drain stops claiming new jobs and blocks until in-flight jobs finish or
// ctx expires. Running jobs are not cancelled.
func (p *Pool) Drain(ctx context.Context) {
	if !p.started.Load() {
		return
	}
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	select {
	case <-p.done:
		p.logger.Info("worker: drained")
	case <-ctx.Done():
		p.logger.Warn("worker: drain timed out", "in_flight", p.inFlight.Load())
	}
}

// InFlight reports the number of jobs currently being handled.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

func (p *Pool) consume(ctx context.Context, id int) {
	log := p.logger.With("consumer", id)
	for ctx.Err() == nil {
		if err := p.limiter.Wait(ctx, LimiterKey); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("worker: limiter failed, continuing", "error", err)
		}

		jobs, err := p.queue.Claim(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("worker: claim failed", "error", err)
			p.idle(ctx)
			continue
		}
		if len(jobs) == 0 {
			p.idle(ctx)
			continue
		}
		p.process(ctx, log, jobs[0])
	}
}

// idle waits for a wakeup, the poll interval, or shutdown.
func (p *Pool) idle(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.queue.Wakeups():
	case <-timer.C:
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, job queue.Job) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	// The job outlives shutdown of the claim loop; only JobTimeout bounds it.
	base := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(base, p.cfg.JobTimeout)
	start := time.Now()
	err := p.handle(jobCtx, job)
	cancel()
	elapsed := time.Since(start)

	finishCtx, cancelFinish := context.WithTimeout(base, p.cfg.FinishTimeout)
	defer cancelFinish()

	log = log.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	outcome := "completed"
	if err == nil {
		cerr := p.queue.Complete(finishCtx, job)
		switch {
		case errors.Is(cerr, queue.ErrLeaseLost):
			outcome = "lease_lost"
			log.Warn("worker: lease lost before complete", "error", cerr)
		case cerr != nil:
			// The lease will expire and the job will be redelivered; the
			// write it performed is idempotent.
			log.Error("worker: complete failed", "error", cerr)
		}
	} else {
		dead, ferr := p.queue.Fail(finishCtx, job, err)
		switch {
		case errors.Is(ferr, queue.ErrLeaseLost):
			// Another consumer holds the job now; its outcome wins.
			outcome = "lease_lost"
			log.Warn("worker: lease lost before recording failure", "error", ferr, "cause", err)
		case ferr != nil:
			outcome = "fail_error"
			log.Error("worker: recording failure failed", "error", ferr, "cause", err)
		case dead:
			outcome = "dead"
			log.Warn("worker: job dead-lettered", "error", err, "permanent", errors.Is(err, queue.ErrPermanent))
			for _, hook := range p.cfg.DeadLetterHooks {
				hook(finishCtx, job, err)
			}
		default:
			outcome = "retry"
			log.Info("worker: job failed, will retry", "error", err)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("type", string(job.Type)),
		attribute.String("outcome", outcome),
	)
	p.processed.Add(base, 1, attrs)
	p.duration.Record(base, elapsed.Seconds(), metric.WithAttributes(attribute.String("type", string(job.Type))))
}

// handle runs the handler, turning a panic into a retryable error.
func (p *Pool) handle(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}

func (p *Pool) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := p.queue.Prune(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("worker: prune failed", "error", err)
				}
				continue
			}
			if res.Completed+res.Dead+res.Reaped > 0 {
				p.logger.Info("worker: pruned jobs",
					"completed", res.Completed,
					"dead", res.Dead,
					"reaped", res.Reaped,
				)
			}
		}
	}
}

func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("xray/worker")
	_, _ = meter.Int64ObservableGauge("xray.jobs.in_flight",
		metric.WithDescription("Jobs currently being handled"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.inFlight.Load())
			return nil
		}),
	)
}
