package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quantbeat/analysis-be/internal/api/dto"
	"github.com/quantbeat/analysis-be/internal/jobs/domain"
)

// CreateAnalysisJob handles POST /api/v1/analysis/jobs
// Accepts a symbol batch and returns either a freshly created job or an
// attach to an equivalent active one.
func (h *AnalysisHandler) CreateAnalysisJob(c *gin.Context) {
	var req dto.CreateAnalysisJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	runCfg := h.runDefaults
	if req.Config != nil {
		runCfg = domain.AnalysisConfig{
			Capital:      req.Config.Capital,
			RiskPerTrade: req.Config.RiskPerTrade,
		}
	}

	result, err := h.orchestrator.Submit(c.Request.Context(), req.Symbols, req.Force, runCfg)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEmptyUniverse):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "no symbols to analyze",
			})
		case errors.Is(err, domain.ErrJobCreationFailed):
			h.logger.Error("Job creation failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to create analysis job",
			})
		default:
			h.logger.Error("Submit failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to submit analysis request",
			})
		}
		return
	}

	status := http.StatusAccepted
	if result.Attached {
		status = http.StatusOK
	}
	c.JSON(status, dto.CreateAnalysisJobResponse{
		JobID:           result.Job.JobID,
		Status:          result.Job.Status,
		Attached:        result.Attached,
		Total:           result.Job.Total,
		WorkerStarted:   result.WorkerStarted,
		CompletedCount:  result.Job.CompletedCount,
		SuccessfulCount: result.Job.SuccessfulCount,
	})
}

// GetAnalysisJob handles GET /api/v1/analysis/jobs/:job_id
func (h *AnalysisHandler) GetAnalysisJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.orchestrator.Status(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, jobToStatusResponse(job))
}

// ListAnalysisJobs handles GET /api/v1/analysis/jobs
func (h *AnalysisHandler) ListAnalysisJobs(c *gin.Context) {
	jobs, err := h.store.ListRecentJobs(c.Request.Context(), 20)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobStatusResponse, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = jobToStatusResponse(&jobs[i])
	}
	c.JSON(http.StatusOK, resp)
}

// CancelAnalysisJob handles POST /api/v1/analysis/jobs/:job_id/cancel
// Idempotent: cancelling a terminal job returns its existing status.
func (h *AnalysisHandler) CancelAnalysisJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	status, err := h.orchestrator.Cancel(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to cancel job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": status,
	})
}

// GetLatestOutcome handles GET /api/v1/analysis/outcomes/:symbol/latest
func (h *AnalysisHandler) GetLatestOutcome(c *gin.Context) {
	symbols := domain.NormalizeSymbols([]string{c.Param("symbol")})
	if len(symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "symbol is required",
		})
		return
	}

	outcome, err := h.store.LatestOutcome(c.Request.Context(), symbols[0])
	if err != nil {
		h.logger.Error("Failed to get latest outcome", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to get latest outcome",
		})
		return
	}
	if outcome == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no outcome for symbol",
		})
		return
	}

	resp := dto.OutcomeResponse{
		Symbol:     outcome.Symbol,
		JobID:      outcome.JobID,
		Verdict:    outcome.Verdict,
		Score:      outcome.Score,
		Confidence: outcome.Confidence,
		Entry:      outcome.Entry,
		Stop:       outcome.Stop,
		Target:     outcome.Target,
		ProducedAt: outcome.ProducedAt.Format(time.RFC3339),
	}
	if len(outcome.Breakdown) > 0 {
		var breakdown any
		if err := json.Unmarshal(outcome.Breakdown, &breakdown); err == nil {
			resp.Breakdown = breakdown
		}
	}
	c.JSON(http.StatusOK, resp)
}

func jobToStatusResponse(job *domain.Job) dto.JobStatusResponse {
	resp := dto.JobStatusResponse{
		JobID:           job.JobID,
		Status:          job.Status,
		Total:           job.Total,
		CompletedCount:  job.CompletedCount,
		SuccessfulCount: job.SuccessfulCount,
		ProgressPercent: job.ProgressPercent(),
		Errors:          job.Errors,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
	}
	if resp.Errors == nil {
		resp.Errors = []domain.SymbolError{}
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
