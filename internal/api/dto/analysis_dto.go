package dto

import "github.com/quantbeat/analysis-be/internal/jobs/domain"

// CreateAnalysisJobRequest submits a batch of symbols for analysis. An
// empty symbol list means the full tracked universe. Config is passed
// through to the analysis function unmodified.
type CreateAnalysisJobRequest struct {
	Symbols []string   `json:"symbols"`
	Force   bool       `json:"force"`
	Config  *RunConfig `json:"config"`
}

// RunConfig carries opaque per-run analysis parameters.
type RunConfig struct {
	Capital      float64 `json:"capital"`
	RiskPerTrade float64 `json:"risk_per_trade"`
}

// CreateAnalysisJobResponse reports the accepted (or attached) job.
type CreateAnalysisJobResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	Attached      bool   `json:"attached"`
	Total         int    `json:"total"`
	WorkerStarted bool   `json:"worker_started"`
	// Progress fields let an attached caller render progress instead of
	// treating the duplicate as an error.
	CompletedCount  int `json:"completed_count"`
	SuccessfulCount int `json:"successful_count"`
}

// JobStatusResponse is the polling view of a job.
type JobStatusResponse struct {
	JobID           string               `json:"job_id"`
	Status          string               `json:"status"`
	Total           int                  `json:"total"`
	CompletedCount  int                  `json:"completed_count"`
	SuccessfulCount int                  `json:"successful_count"`
	ProgressPercent float64              `json:"progress_percent"`
	Errors          []domain.SymbolError `json:"errors"`
	CreatedAt       string               `json:"created_at"`
	StartedAt       string               `json:"started_at,omitempty"`
	CompletedAt     string               `json:"completed_at,omitempty"`
}

// OutcomeResponse is the latest canonical analysis result for a symbol.
type OutcomeResponse struct {
	Symbol     string  `json:"symbol"`
	JobID      string  `json:"job_id,omitempty"`
	Verdict    string  `json:"verdict"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Target     float64 `json:"target"`
	Breakdown  any     `json:"breakdown,omitempty"`
	ProducedAt string  `json:"produced_at"`
}

// ListJobsResponse wraps the recent-jobs listing.
type ListJobsResponse struct {
	Jobs []JobStatusResponse `json:"jobs"`
}
