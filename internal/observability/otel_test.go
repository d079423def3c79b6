package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(false, "media-worker-service", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartStage_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	_, span := StartStage(context.Background(), "fetch", "abc123", 2)
	EndStage(span, errors.New("store unavailable"))

	_, writeSpan := StartStage(context.Background(), "write", "abc123", 2)
	EndStage(writeSpan, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "pipeline.fetch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "pipeline.write", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)

	var jobKey string
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "job.key" {
			jobKey = attr.Value.AsString()
		}
	}
	assert.Equal(t, "abc123", jobKey)
}
