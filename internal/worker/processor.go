package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/ledger"
	"github.com/cuongbtq/media-pipeline/internal/metrics"
	"github.com/cuongbtq/media-pipeline/internal/objectstore"
	"github.com/cuongbtq/media-pipeline/internal/observability"
	"github.com/cuongbtq/media-pipeline/internal/transform"
)

// ledgerTimeout bounds ledger calls made after the job context may have
// been canceled (release, fail, commit).
const ledgerTimeout = 10 * time.Second

// processJob drives one notification to a terminal outcome and decides how
// the notification is settled.
func (w *Worker) processJob(ctx context.Context, n domain.Notification) (domain.JobResult, settlement) {
	job := domain.NewJob(n)
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = w.clock.Now()
	}

	logger := w.logger.With(
		slog.String("job_key", job.Key.String()),
		slog.String("collection", job.Source.Collection),
		slog.String("source_key", job.Source.Key),
	)

	if domain.IsDerivedKey(w.derivedPrefix, job.Source.Key) {
		logger.Debug("Skipping notification for derived object")
		return w.result(job, domain.OutcomeSkipped, "", "derived object"), settleAck
	}

	var (
		ledgerFailures int
		contention     int
		held           bool
	)

	for {
		var res *ledger.Reservation
		err := w.stage(ctx, job, domain.JobStateReserving, "reserve", func(ctx context.Context) error {
			var err error
			res, err = w.ledger.Reserve(ctx, ledger.Subject{Key: job.Key, Source: job.Source})
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return w.abandon(logger, job), settleRequeue
			}
			ledgerFailures++
			logger.Warn("Failed to reserve job key",
				slog.Int("failures", ledgerFailures),
				slog.String("error", err.Error()),
			)
			if ledgerFailures >= w.maxAttempts {
				result := w.result(job, domain.OutcomeFailed, domain.KindExhausted,
					fmt.Errorf("%w: %w", domain.ErrAttemptsExhausted, err).Error())
				return result, settlementFor(result, false)
			}
			if !w.sleep(ctx, w.backoff.Delay(ledgerFailures)) {
				return w.abandon(logger, job), settleRequeue
			}
			continue
		}
		ledgerFailures = 0
		metrics.ReservationsTotal.WithLabelValues(string(res.Outcome)).Inc()

		switch res.Outcome {
		case ledger.OutcomeAlreadyDone:
			job.Attempts = res.Attempt
			logger.Info("Job already done, skipping duplicate",
				slog.String("derived_key", res.DerivedKey),
			)
			result := w.result(job, domain.OutcomeDuplicate, "", "")
			result.DerivedKey = res.DerivedKey
			return result, settleAck

		case ledger.OutcomePreviouslyFailed:
			job.Attempts = res.Attempt
			if held {
				// Our own release pushed the entry over the release cap.
				result := w.result(job, domain.OutcomeFailed, domain.KindExhausted, res.Reason)
				return result, settlementFor(result, true)
			}
			logger.Info("Job previously failed, skipping until replayed",
				slog.String("reason", res.Reason),
			)
			return w.result(job, domain.OutcomeSkipped, "", "previously failed: "+res.Reason), settleAck

		case ledger.OutcomeAlreadyReserved:
			contention++
			logger.Debug("Job key reserved elsewhere, waiting",
				slog.Int("waits", contention),
			)
			if !w.sleep(ctx, w.backoff.Delay(contention)) {
				return w.abandon(logger, job), settleRequeue
			}
			continue
		}

		contention = 0
		held = true
		job.Attempts = res.Attempt
		token := res.Token
		attemptLogger := logger.With(slog.Int("attempt", job.Attempts))

		if job.Attempts > w.maxAttempts {
			// This reservation bumped the counter without running an attempt.
			job.Attempts--
			err := fmt.Errorf("%w: %d attempts already made", domain.ErrAttemptsExhausted, job.Attempts)
			return w.fail(ctx, attemptLogger, job, token, domain.KindExhausted, err)
		}

		derived, err := w.runAttempt(ctx, job, token)
		if err == nil {
			err = w.commit(ctx, attemptLogger, job, token, derived)
		}
		if err == nil {
			metrics.AttemptsTotal.WithLabelValues("success").Inc()
			job.State = domain.JobStateAcknowledged
			result := w.result(job, domain.OutcomeAcknowledged, "", "")
			result.DerivedKey = derived.Key
			result.Width = derived.Width
			result.Height = derived.Height
			return result, settleAck
		}

		if errors.Is(err, domain.ErrLeaseLost) {
			metrics.LeasesLostTotal.Inc()
			attemptLogger.Warn("Lease lost during attempt, re-reserving",
				slog.String("error", err.Error()),
			)
			continue
		}

		if ctx.Err() != nil {
			w.release(ctx, attemptLogger, job, token, errAbandoned.Error())
			return w.abandon(attemptLogger, job), settleRequeue
		}

		if domain.Classify(err) != domain.KindTransient {
			metrics.AttemptsTotal.WithLabelValues("permanent").Inc()
			return w.fail(ctx, attemptLogger, job, token, domain.KindPermanent, err)
		}

		metrics.AttemptsTotal.WithLabelValues("transient").Inc()
		if job.Attempts >= w.maxAttempts {
			return w.fail(ctx, attemptLogger, job, token, domain.KindExhausted,
				fmt.Errorf("%w: %w", domain.ErrAttemptsExhausted, err))
		}

		delay := w.backoff.Delay(job.Attempts)
		attemptLogger.Warn("Attempt failed, will retry",
			slog.Int("max_attempts", w.maxAttempts),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)
		w.release(ctx, attemptLogger, job, token, err.Error())
		if !w.sleep(ctx, delay) {
			return w.abandon(attemptLogger, job), settleRequeue
		}
	}
}

// runAttempt runs fetch, transform and write under the per-attempt
// deadline while a heartbeat keeps the lease alive. Losing the lease
// cancels the attempt.
func (w *Worker) runAttempt(ctx context.Context, job *domain.Job, token string) (*domain.DerivedObject, error) {
	leaseCtx, cancelLease := context.WithCancelCause(ctx)
	defer cancelLease(nil)

	attemptCtx, cancel := context.WithTimeout(leaseCtx, w.perAttemptDeadline)
	defer cancel()

	var heartbeat sync.WaitGroup
	heartbeatDone := make(chan struct{})
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		w.sendLeaseHeartbeat(attemptCtx, job, token, cancelLease, heartbeatDone)
	}()
	defer func() {
		close(heartbeatDone)
		heartbeat.Wait()
	}()

	derived, err := w.executeJob(attemptCtx, job)
	if cause := context.Cause(leaseCtx); errors.Is(cause, domain.ErrLeaseLost) {
		return nil, cause
	}
	return derived, err
}

// sendLeaseHeartbeat renews the reservation every third of the lease.
func (w *Worker) sendLeaseHeartbeat(ctx context.Context, job *domain.Job, token string, lost context.CancelCauseFunc, done <-chan struct{}) {
	interval := w.lease / 3

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-w.clock.After(interval):
			err := w.ledger.Renew(ctx, job.Key, token)
			switch {
			case err == nil:
				w.logger.Debug("Lease renewed",
					slog.String("job_key", job.Key.String()),
				)
			case errors.Is(err, domain.ErrLeaseLost):
				lost(err)
				return
			default:
				w.logger.Warn("Failed to renew lease",
					slog.String("job_key", job.Key.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// executeJob fetches the source, transforms it and writes the derived object.
func (w *Worker) executeJob(ctx context.Context, job *domain.Job) (*domain.DerivedObject, error) {
	if job.ContentType != "" && !w.engine.Allowed(job.ContentType) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedContentType, job.ContentType)
	}

	var obj *objectstore.Object
	err := w.stage(ctx, job, domain.JobStateFetching, "fetch", func(ctx context.Context) error {
		var err error
		obj, err = w.store.Get(ctx, job.Source.Collection, job.Source.Key, job.Source.Version)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", job.Source.Collection, job.Source.Key, err)
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = job.ContentType
	}

	var out *transform.Result
	err = w.stage(ctx, job, domain.JobStateTransforming, "transform", func(ctx context.Context) error {
		var err error
		out, err = w.engine.Transform(obj.Data, contentType)
		if err != nil {
			return err
		}
		// Decoding is not interruptible; honor a deadline that passed meanwhile.
		return context.Cause(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("transform %s/%s: %w", job.Source.Collection, job.Source.Key, err)
	}

	derived := &domain.DerivedObject{
		Key:         domain.DerivedKey(w.derivedPrefix, job.Source.Key, domain.ExtensionFor(out.ContentType), out.Width, out.Height),
		Data:        out.Data,
		ContentType: out.ContentType,
		Width:       out.Width,
		Height:      out.Height,
	}
	collection := w.destination(job)

	err = w.stage(ctx, job, domain.JobStateWriting, "write", func(ctx context.Context) error {
		if w.verifyDerived {
			if err := w.checkCollision(ctx, collection, derived.Key, job.Key); err != nil {
				return err
			}
		}
		return w.store.Put(ctx, collection, derived.Key, &objectstore.Object{
			Data:        derived.Data,
			ContentType: derived.ContentType,
			Metadata: map[string]string{
				domain.MetaJobKey:       job.Key.String(),
				domain.MetaSourceKey:    job.Source.Key,
				domain.MetaSourceWidth:  strconv.Itoa(out.SourceWidth),
				domain.MetaSourceHeight: strconv.Itoa(out.SourceHeight),
				domain.MetaWidth:        strconv.Itoa(out.Width),
				domain.MetaHeight:       strconv.Itoa(out.Height),
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", collection, derived.Key, err)
	}
	metrics.DerivedBytesWrittenTotal.Add(float64(len(derived.Data)))

	return derived, nil
}

// checkCollision fails when key already holds another job's output.
// Objects written by the same job key are overwritten with identical bytes.
func (w *Worker) checkCollision(ctx context.Context, collection, key string, jobKey domain.JobKey) error {
	info, err := w.store.Stat(ctx, collection, key)
	if errors.Is(err, domain.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner := info.Metadata[domain.MetaJobKey]; owner != jobKey.String() {
		return fmt.Errorf("%w: %s/%s was written by job %q", domain.ErrDerivedKeyCollision, collection, key, owner)
	}
	return nil
}

// commit records DONE. A lost lease here means another attempt reclaimed
// the key after our write; both write identical bytes to the same key, so
// the job still counts as done.
func (w *Worker) commit(ctx context.Context, logger *slog.Logger, job *domain.Job, token string, derived *domain.DerivedObject) error {
	ctx, cancel := ledgerContext(ctx)
	defer cancel()

	err := w.stage(ctx, job, domain.JobStateCommitting, "commit", func(ctx context.Context) error {
		return w.ledger.Commit(ctx, job.Key, token, derived.Key)
	})
	if errors.Is(err, domain.ErrLeaseLost) {
		metrics.LeasesLostTotal.Inc()
		logger.Warn("Lease lost before commit, derived object already written",
			slog.String("derived_key", derived.Key),
		)
		return nil
	}
	return err
}

func (w *Worker) release(ctx context.Context, logger *slog.Logger, job *domain.Job, token, reason string) {
	ctx, cancel := ledgerContext(ctx)
	defer cancel()

	if err := w.ledger.Release(ctx, job.Key, token, reason); err != nil {
		logger.Warn("Failed to release reservation, lease will expire",
			slog.String("error", err.Error()),
		)
	}
}

// fail records FAILED in the ledger and builds the failure result.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job *domain.Job, token string, kind domain.ErrorKind, cause error) (domain.JobResult, settlement) {
	job.State = domain.JobStateFailed
	reason := cause.Error()

	lctx, cancel := ledgerContext(ctx)
	defer cancel()

	recorded := true
	if err := w.ledger.Fail(lctx, job.Key, token, reason); err != nil && !errors.Is(err, domain.ErrLeaseLost) {
		recorded = false
		logger.Error("Failed to record job failure in ledger",
			slog.String("error", err.Error()),
		)
	}

	result := w.result(job, domain.OutcomeFailed, kind, reason)
	return result, settlementFor(result, recorded)
}

func (w *Worker) abandon(logger *slog.Logger, job *domain.Job) domain.JobResult {
	logger.Info("Job abandoned, returning notification to source",
		slog.String("state", string(job.State)),
	)
	return w.result(job, domain.OutcomeAbandoned, "", errAbandoned.Error())
}

func (w *Worker) result(job *domain.Job, outcome domain.Outcome, kind domain.ErrorKind, reason string) domain.JobResult {
	return domain.JobResult{
		JobKey:     job.Key,
		Source:     job.Source,
		Outcome:    outcome,
		Kind:       kind,
		Reason:     reason,
		Attempts:   job.Attempts,
		ReceivedAt: job.ReceivedAt,
		FinishedAt: w.clock.Now(),
	}
}

func (w *Worker) destination(job *domain.Job) string {
	if w.destinationCollection != "" {
		return w.destinationCollection
	}
	return job.Source.Collection
}

// stage moves job to state and runs fn inside a traced, timed span.
func (w *Worker) stage(ctx context.Context, job *domain.Job, state domain.JobState, name string, fn func(context.Context) error) error {
	job.State = state
	start := time.Now()

	ctx, span := observability.StartStage(ctx, name, job.Key.String(), job.Attempts)
	err := fn(ctx)
	observability.EndStage(span, err)

	metrics.StageDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return err
}

// sleep waits d on the injected clock. It returns false when the wait was
// cut short by cancellation or shutdown.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-w.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}

func ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
}
