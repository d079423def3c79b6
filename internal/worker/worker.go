// Package worker dispatches object-created notifications to a fixed pool
// of workers. Each worker drives one job at a time through reserve, fetch,
// transform, write and commit, retrying transient failures with backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/media-pipeline/internal/config"
	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/ledger"
	"github.com/cuongbtq/media-pipeline/internal/metrics"
	"github.com/cuongbtq/media-pipeline/internal/objectstore"
	"github.com/cuongbtq/media-pipeline/internal/transform"
	"github.com/cuongbtq/media-pipeline/shared/clock"
)

// DefaultConcurrency is the pool size when Config.Concurrency is zero.
const DefaultConcurrency = 8

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	WorkerID string
	Engine   *transform.Engine
	Store    objectstore.Client
	Ledger   ledger.Ledger
	Clock    clock.Clock
	Sink     ResultSink

	Concurrency        int
	QueueSize          int
	MaxAttempts        int
	Lease              time.Duration
	PerAttemptDeadline time.Duration
	Backoff            BackoffPolicy

	DerivedPrefix string
	// DestinationCollection receives derived objects. Empty means the
	// source object's collection.
	DestinationCollection string
	VerifyDerived         bool
}

// ApplyPipeline copies pipeline settings from the service configuration.
func (c *Config) ApplyPipeline(p config.PipelineConfig) {
	c.Concurrency = p.MaxConcurrency
	c.QueueSize = p.QueueSize
	c.MaxAttempts = p.MaxAttempts
	c.Lease = p.LeaseDuration
	c.PerAttemptDeadline = p.PerAttemptDeadline
	c.DerivedPrefix = p.DerivedPrefix
	c.DestinationCollection = p.DestinationCollection
	c.VerifyDerived = p.VerifyDerived
	c.Backoff = BackoffPolicy{
		Initial:    p.Backoff.Initial,
		Max:        p.Backoff.Max,
		Multiplier: p.Backoff.Multiplier,
		Jitter:     p.Backoff.Jitter,
	}
}

// Worker is the dispatcher: a bounded queue drained by a fixed pool.
type Worker struct {
	logger   *slog.Logger
	workerID string
	engine   *transform.Engine
	store    objectstore.Client
	ledger   ledger.Ledger
	clock    clock.Clock
	sink     ResultSink

	concurrency           int
	maxAttempts           int
	lease                 time.Duration
	perAttemptDeadline    time.Duration
	backoff               BackoffPolicy
	derivedPrefix         string
	destinationCollection string
	verifyDerived         bool

	jobsChan chan domain.Notification
	stopChan chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	// intakeMu guards closed and the submitters count so Stop never
	// races a Submit that is about to enqueue.
	intakeMu   sync.Mutex
	closed     bool
	started    bool
	submitters sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("worker: transform engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("worker: object store is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("worker: ledger is required")
	}
	if cfg.Concurrency < 0 || cfg.MaxAttempts < 0 || cfg.QueueSize < 0 {
		return nil, fmt.Errorf("worker: concurrency, queue size and max attempts must not be negative")
	}

	w := &Worker{
		logger:                cfg.Logger,
		workerID:              cfg.WorkerID,
		engine:                cfg.Engine,
		store:                 cfg.Store,
		ledger:                cfg.Ledger,
		clock:                 cfg.Clock,
		sink:                  cfg.Sink,
		concurrency:           cfg.Concurrency,
		maxAttempts:           cfg.MaxAttempts,
		lease:                 cfg.Lease,
		perAttemptDeadline:    cfg.PerAttemptDeadline,
		backoff:               cfg.Backoff.withDefaults(),
		derivedPrefix:         cfg.DerivedPrefix,
		destinationCollection: cfg.DestinationCollection,
		verifyDerived:         cfg.VerifyDerived,
		stopChan:              make(chan struct{}),
		cancel:                func() {},
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	if w.sink == nil {
		w.sink = Sinks{LogSink{Logger: w.logger}, MetricsSink{}}
	}
	if w.concurrency == 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.maxAttempts == 0 {
		w.maxAttempts = 5
	}
	if w.lease <= 0 {
		w.lease = ledger.DefaultLease
	}
	if w.perAttemptDeadline <= 0 {
		w.perAttemptDeadline = 30 * time.Second
	}
	if w.derivedPrefix == "" {
		w.derivedPrefix = domain.DefaultDerivedPrefix
	}

	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = 2 * w.concurrency
	}
	w.jobsChan = make(chan domain.Notification, queueSize)

	return w, nil
}

// Start spawns the worker pool. Jobs run under ctx until Stop cancels
// them after the grace period.
func (w *Worker) Start(ctx context.Context) error {
	w.intakeMu.Lock()
	defer w.intakeMu.Unlock()

	if w.closed {
		return domain.ErrStopped
	}
	if w.started {
		return fmt.Errorf("worker %s already started", w.workerID)
	}
	w.started = true

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("queue_size", cap(w.jobsChan)),
		slog.Int("max_attempts", w.maxAttempts),
		slog.Duration("per_attempt_deadline", w.perAttemptDeadline),
	)

	poolCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.spawnWorkerPool(poolCtx)
	return nil
}

// Submit enqueues n, blocking while the queue is full. It returns
// domain.ErrStopped once Stop has begun, or ctx's error if ctx ends first.
// A notification is never dropped: on error the caller still owns it.
func (w *Worker) Submit(ctx context.Context, n domain.Notification) error {
	if err := w.enter(); err != nil {
		return err
	}
	defer w.submitters.Done()

	select {
	case w.jobsChan <- n:
		w.accepted(n)
		return nil
	case <-w.stopChan:
		return domain.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues n without blocking. It returns domain.ErrBusy when
// the queue is full.
func (w *Worker) TrySubmit(n domain.Notification) error {
	if err := w.enter(); err != nil {
		return err
	}
	defer w.submitters.Done()

	select {
	case w.jobsChan <- n:
		w.accepted(n)
		return nil
	default:
		metrics.SubmitRejectedTotal.Inc()
		return domain.ErrBusy
	}
}

func (w *Worker) enter() error {
	w.intakeMu.Lock()
	defer w.intakeMu.Unlock()
	if w.closed {
		return domain.ErrStopped
	}
	w.submitters.Add(1)
	return nil
}

func (w *Worker) accepted(n domain.Notification) {
	metrics.QueueDepth.Set(float64(len(w.jobsChan)))
	w.logger.Debug("Job queued",
		slog.String("job_key", n.Source.JobKey().String()),
		slog.String("source_key", n.Source.Key),
		slog.Int("queue_depth", len(w.jobsChan)),
	)
}

// QueueDepth returns the number of queued, not yet started jobs.
func (w *Worker) QueueDepth() int {
	return len(w.jobsChan)
}

// Stop gracefully stops the worker. Intake closes at once; in-flight jobs
// get grace to finish before they are canceled and released. Jobs still
// queued are returned to their source for redelivery.
func (w *Worker) Stop(grace time.Duration) {
	w.intakeMu.Lock()
	if w.closed {
		w.intakeMu.Unlock()
		return
	}
	w.closed = true
	close(w.stopChan)
	w.intakeMu.Unlock()

	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
		slog.Duration("grace", grace),
	)

	// No submitter can enqueue after this returns.
	w.submitters.Wait()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-w.clock.After(grace):
		w.logger.Warn("Shutdown grace period elapsed, abandoning in-flight jobs",
			slog.String("worker_id", w.workerID),
		)
		w.cancel()
		<-done
	}
	w.cancel()

	requeued := w.drainQueue()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
		slog.Int("requeued", requeued),
	)
}

// drainQueue returns every queued notification to its source.
func (w *Worker) drainQueue() int {
	count := 0
	for {
		select {
		case n := <-w.jobsChan:
			count++
			w.settle(n, settleRequeue)
		default:
			metrics.QueueDepth.Set(0)
			return count
		}
	}
}

// errAbandoned marks a job interrupted by shutdown.
var errAbandoned = errors.New("job abandoned on shutdown")
