package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/media-pipeline/internal/ledger"
)

// Publisher sends notifications to the pipeline's intake queue.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Ledger    ledger.Ledger
	Publisher Publisher
	// HealthChecks are probed by GET /health, keyed by component name.
	HealthChecks map[string]func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	ledger    ledger.Ledger
	publisher Publisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
	}
}
