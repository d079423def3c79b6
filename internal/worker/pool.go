package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/metrics"
)

// settlement is how a notification is returned to its source.
type settlement int

const (
	// settleAck removes the notification for good.
	settleAck settlement = iota
	// settleReject removes it without success (dead-letter).
	settleReject
	// settleRequeue asks the source to redeliver it.
	settleRequeue
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleReject:
		return "reject"
	default:
		return "requeue"
	}
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		// A closed stopChan wins over a ready job.
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return
		default:
		}

		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case n := <-w.jobsChan:
			metrics.QueueDepth.Set(float64(len(w.jobsChan)))
			metrics.WorkersBusy.Inc()

			result, s := w.processJob(ctx, n)
			if result.Outcome != domain.OutcomeAbandoned {
				w.sink.Report(context.WithoutCancel(ctx), result)
			}
			w.settle(n, s)

			metrics.WorkersBusy.Dec()
		}
	}
}

// settle acks or nacks n with its source. Notifications submitted without
// an acknowledger (API, CLI) need no settling.
func (w *Worker) settle(n domain.Notification, s settlement) {
	if n.Acknowledger == nil {
		return
	}

	var err error
	switch s {
	case settleAck:
		err = n.Acknowledger.Ack()
	case settleReject:
		err = n.Acknowledger.Nack(false)
	default:
		err = n.Acknowledger.Nack(true)
	}

	if err != nil {
		w.logger.Error("Failed to settle notification",
			slog.String("source_key", n.Source.Key),
			slog.String("settlement", s.String()),
			slog.String("error", err.Error()),
		)
	}
}

// settlementFor decides how a finished job's notification is settled.
// Failures recorded in the ledger are acked: the record is the operator's
// handle for replay. Failures the ledger never saw are dead-lettered.
func settlementFor(result domain.JobResult, recorded bool) settlement {
	switch result.Outcome {
	case domain.OutcomeAbandoned:
		return settleRequeue
	case domain.OutcomeFailed:
		if recorded {
			return settleAck
		}
		return settleReject
	default:
		return settleAck
	}
}
