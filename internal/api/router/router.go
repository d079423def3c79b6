package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/media-pipeline/internal/api/handler"
)

const healthTimeout = 2 * time.Second

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps.HealthChecks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/notifications - Queue an object-created notification
		v1.POST("/notifications", jobHandler.SubmitNotification)

		// GET /api/v1/failures - List failed jobs
		v1.GET("/failures", jobHandler.ListFailures)

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs/:job_key - Get a job's ledger entry
			jobs.GET("/:job_key", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_key/replay - Replay a failed job
			jobs.POST("/:job_key/replay", jobHandler.ReplayJob)
		}
	}

	return r
}

// healthHandler probes every component and reports 503 if any is down.
func healthHandler(checks map[string]func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		components := make(gin.H, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":     overall,
			"service":    "media-api-service",
			"components": components,
		})
	}
}
