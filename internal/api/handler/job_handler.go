package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/media-pipeline/internal/api/dto"
	"github.com/cuongbtq/media-pipeline/internal/domain"
	"github.com/cuongbtq/media-pipeline/internal/ledger"
	"github.com/cuongbtq/media-pipeline/internal/metrics"
	"github.com/cuongbtq/media-pipeline/internal/worker"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitNotification handles POST /api/v1/notifications
// Queues an object-created notification for the worker pool
func (h *JobHandler) SubmitNotification(c *gin.Context) {
	var req dto.SubmitNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	n := domain.Notification{
		Source: domain.Source{
			Collection: req.Collection,
			Key:        req.Key,
			Version:    req.Version,
		},
		ContentTypeHint: req.ContentType,
	}
	if err := worker.ValidateNotification(n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	body, err := worker.EncodeNotification(n)
	if err != nil {
		h.logger.Error("Failed to encode notification", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to encode notification",
		})
		return
	}

	jobKey := n.Source.JobKey()
	if err := h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
		h.logger.Error("Failed to publish notification",
			slog.String("job_key", jobKey.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to queue notification",
		})
		return
	}
	metrics.NotificationsReceivedTotal.WithLabelValues("api").Inc()

	h.logger.Info("Notification queued",
		slog.String("job_key", jobKey.String()),
		slog.String("collection", n.Source.Collection),
		slog.String("source_key", n.Source.Key),
	)

	c.JSON(http.StatusAccepted, dto.SubmitNotificationResponse{
		JobKey: jobKey.String(),
		Status: "QUEUED",
	})
}

// GetJob handles GET /api/v1/jobs/:job_key
// Returns the ledger entry of a job key
func (h *JobHandler) GetJob(c *gin.Context) {
	jobKey, ok := h.jobKeyParam(c)
	if !ok {
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), jobKey)
	if err != nil {
		h.ledgerError(c, "Failed to get job", jobKey, err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(entry))
}

// ListFailures handles GET /api/v1/failures
// Lists FAILED jobs newest first with cursor pagination
func (h *JobHandler) ListFailures(c *gin.Context) {
	var req dto.ListFailuresRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeFailureCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// One extra row tells whether another page exists.
	entries, err := h.ledger.ListFailed(c.Request.Context(), cursor, req.PageSize+1)
	if err != nil {
		h.ledgerError(c, "Failed to list failures", "", err)
		return
	}

	hasMore := len(entries) > req.PageSize
	if hasMore {
		entries = entries[:req.PageSize]
	}

	failures := make([]dto.JobDTO, len(entries))
	for i, entry := range entries {
		failures[i] = toJobDTO(entry)
	}

	var nextCursor string
	if hasMore {
		nextCursor = EncodeFailureCursor(entries[len(entries)-1])
	}

	c.JSON(http.StatusOK, dto.ListFailuresResponse{
		Failures:   failures,
		NextCursor: nextCursor,
	})
}

// ReplayJob handles POST /api/v1/jobs/:job_key/replay
// Resets a FAILED job and puts its notification back on the queue
func (h *JobHandler) ReplayJob(c *gin.Context) {
	jobKey, ok := h.jobKeyParam(c)
	if !ok {
		return
	}

	entry, err := h.ledger.Replay(c.Request.Context(), jobKey)
	if err != nil {
		h.ledgerError(c, "Failed to replay job", jobKey, err)
		return
	}

	h.logger.Info("Job replayed",
		slog.String("job_key", jobKey.String()),
		slog.String("source_key", entry.Source.Key),
	)

	resp := dto.ReplayJobResponse{Job: toJobDTO(entry)}

	body, err := worker.EncodeNotification(domain.Notification{Source: entry.Source})
	if err == nil {
		err = h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json")
	}
	if err != nil {
		// The entry is reserve-able again; a later notification will process it.
		h.logger.Warn("Replayed job could not be requeued",
			slog.String("job_key", jobKey.String()),
			slog.String("error", err.Error()),
		)
		resp.RequeueError = err.Error()
		c.JSON(http.StatusAccepted, resp)
		return
	}

	resp.Requeued = true
	c.JSON(http.StatusAccepted, resp)
}

func (h *JobHandler) jobKeyParam(c *gin.Context) (domain.JobKey, bool) {
	jobKey := domain.JobKey(c.Param("job_key"))
	if !jobKey.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_key must be a 64 character hex digest",
		})
		return "", false
	}
	return jobKey, true
}

// ledgerError maps ledger errors onto HTTP statuses.
func (h *JobHandler) ledgerError(c *gin.Context, msg string, jobKey domain.JobKey, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotFailed):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrLedgerUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg,
			slog.String("job_key", jobKey.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

func toJobDTO(e *ledger.Entry) dto.JobDTO {
	out := dto.JobDTO{
		JobKey:     e.JobKey.String(),
		Collection: e.Source.Collection,
		SourceKey:  e.Source.Key,
		Version:    e.Source.Version,
		State:      string(e.State),
		Attempts:   e.Attempts,
		Releases:   e.Releases,
		DerivedKey: e.DerivedKey,
		Reason:     e.Reason,
		UpdatedAt:  e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !e.ReservedAt.IsZero() {
		out.ReservedAt = e.ReservedAt.UTC().Format(time.RFC3339Nano)
	}
	if !e.CompletedAt.IsZero() {
		out.CompletedAt = e.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}
