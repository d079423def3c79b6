package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/metrics"
)

// ResultSink receives the record of every job that reached a terminal
// outcome. Report must not block for long; it runs on the worker goroutine.
type ResultSink interface {
	Report(ctx context.Context, result domain.JobResult)
}

// Sinks fans a result out to several sinks in order.
type Sinks []ResultSink

func (s Sinks) Report(ctx context.Context, result domain.JobResult) {
	for _, sink := range s {
		sink.Report(ctx, result)
	}
}

// LogSink writes results to a structured logger. Failures log at error
// level so they reach the operator channel even without a publisher.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Report(ctx context.Context, result domain.JobResult) {
	attrs := []any{
		slog.String("job_key", result.JobKey.String()),
		slog.String("collection", result.Source.Collection),
		slog.String("source_key", result.Source.Key),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("attempt_count", result.Attempts),
		slog.Time("received_at", result.ReceivedAt),
		slog.Time("finished_at", result.FinishedAt),
	}

	switch result.Outcome {
	case domain.OutcomeFailed:
		attrs = append(attrs,
			slog.String("kind", string(result.Kind)),
			slog.String("reason", result.Reason),
		)
		s.Logger.ErrorContext(ctx, "Job failed", attrs...)
	case domain.OutcomeAcknowledged, domain.OutcomeDuplicate:
		attrs = append(attrs, slog.String("derived_key", result.DerivedKey))
		s.Logger.InfoContext(ctx, "Job finished", attrs...)
	default:
		s.Logger.InfoContext(ctx, "Job finished", attrs...)
	}
}

// Publisher sends a message body to a broker.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// FailurePublisher publishes FAILED results as JSON records.
type FailurePublisher struct {
	Publisher Publisher
	Logger    *slog.Logger
}

func (p FailurePublisher) Report(ctx context.Context, result domain.JobResult) {
	if result.Outcome != domain.OutcomeFailed {
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		p.Logger.Error("Failed to encode failure record",
			slog.String("job_key", result.JobKey.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := p.Publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		p.Logger.Error("Failed to publish failure record",
			slog.String("job_key", result.JobKey.String()),
			slog.String("error", err.Error()),
		)
	}
}

// MetricsSink counts results and observes end-to-end job duration.
type MetricsSink struct{}

func (MetricsSink) Report(_ context.Context, result domain.JobResult) {
	metrics.JobsFinishedTotal.WithLabelValues(string(result.Outcome), string(result.Kind)).Inc()
	if !result.ReceivedAt.IsZero() && result.FinishedAt.After(result.ReceivedAt) {
		metrics.JobDurationSeconds.WithLabelValues(string(result.Outcome)).
			Observe(result.FinishedAt.Sub(result.ReceivedAt).Seconds())
	}
}
