package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quantbeat/analysis-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "analysis-service",
		})
	})

	analysisHandler := handler.NewAnalysisHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		analysis := v1.Group("/analysis")
		{
			jobs := analysis.Group("/jobs")
			{
				// POST /api/v1/analysis/jobs - Submit a symbol batch
				jobs.POST("", analysisHandler.CreateAnalysisJob)

				// GET /api/v1/analysis/jobs - List recent jobs
				jobs.GET("", analysisHandler.ListAnalysisJobs)

				// GET /api/v1/analysis/jobs/:job_id - Poll job status
				jobs.GET("/:job_id", analysisHandler.GetAnalysisJob)

				// POST /api/v1/analysis/jobs/:job_id/cancel - Cancel a job
				jobs.POST("/:job_id/cancel", analysisHandler.CancelAnalysisJob)
			}

			// GET /api/v1/analysis/outcomes/:symbol/latest
			analysis.GET("/outcomes/:symbol/latest", analysisHandler.GetLatestOutcome)
		}
	}

	return r
}
