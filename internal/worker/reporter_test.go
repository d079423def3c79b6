package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

type fakePublisher struct {
	bodies [][]byte
	err    error
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func failedResult() domain.JobResult {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.JobResult{
		JobKey:     domain.NewJobKey("uploads", "scan.bmp", ""),
		Source:     domain.Source{Collection: "uploads", Key: "scan.bmp"},
		Outcome:    domain.OutcomeFailed,
		Kind:       domain.KindPermanent,
		Reason:     "unsupported content type: \"image/bmp\"",
		Attempts:   1,
		ReceivedAt: received,
		FinishedAt: received.Add(time.Second),
	}
}

func TestFailurePublisher_PublishesOnlyFailures(t *testing.T) {
	pub := &fakePublisher{}
	sink := FailurePublisher{Publisher: pub, Logger: discardLogger()}

	sink.Report(context.Background(), domain.JobResult{Outcome: domain.OutcomeAcknowledged})
	assert.Empty(t, pub.bodies)

	sink.Report(context.Background(), failedResult())
	require.Len(t, pub.bodies, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(pub.bodies[0], &record))
	assert.Equal(t, "FAILED", record["outcome"])
	assert.Equal(t, "PERMANENT", record["kind"])
	assert.EqualValues(t, 1, record["attempt_count"])
	assert.Equal(t, failedResult().JobKey.String(), record["job_key"])
	assert.Equal(t, "2026-03-01T12:00:00Z", record["received_at"])
}

func TestFailurePublisher_LogsPublishError(t *testing.T) {
	var buf bytes.Buffer
	sink := FailurePublisher{
		Publisher: &fakePublisher{err: errors.New("channel closed")},
		Logger:    slog.New(slog.NewJSONHandler(&buf, nil)),
	}

	sink.Report(context.Background(), failedResult())
	assert.Contains(t, buf.String(), "Failed to publish failure record")
	assert.Contains(t, buf.String(), "channel closed")
}

func TestLogSink_FailureAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := Sinks{LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}, MetricsSink{}}

	sink.Report(context.Background(), failedResult())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "Job failed", line["msg"])
	assert.Equal(t, "PERMANENT", line["kind"])
	assert.EqualValues(t, 1, line["attempt_count"])
}
