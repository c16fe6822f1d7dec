package handler

import (
	"log/slog"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
	"github.com/quantbeat/analysis-be/internal/jobs/orchestrator"
	"github.com/quantbeat/analysis-be/internal/jobs/storage"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Orchestrator *orchestrator.Orchestrator
	Store        *storage.Store
	// RunDefaults fill in per-run analysis config when the caller omits it.
	RunDefaults domain.AnalysisConfig
	// HealthCheck pings the backing store.
	HealthCheck func() error
}

// AnalysisHandler handles analysis-job HTTP requests
type AnalysisHandler struct {
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
	store        *storage.Store
	runDefaults  domain.AnalysisConfig
}

// NewAnalysisHandler creates a new AnalysisHandler instance
func NewAnalysisHandler(deps *Dependencies) *AnalysisHandler {
	return &AnalysisHandler{
		logger:       deps.Logger,
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		runDefaults:  deps.RunDefaults,
	}
}
