package domain

import (
	"sort"
	"strings"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// IsTerminalStatus reports whether no further transitions are possible.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one accepted batch-analysis request and its tracked lifecycle.
// Only the orchestrator mutates a job, and only through the storage gateway.
type Job struct {
	JobID           string
	Symbols         []string
	Status          string
	Total           int
	CompletedCount  int
	SuccessfulCount int
	Errors          []SymbolError
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// SymbolError records a single symbol's analysis failure inside a job.
type SymbolError struct {
	Symbol  string `json:"symbol"`
	Message string `json:"message"`
}

// ProgressPercent derives completion as a percentage. Zero-total jobs report 0.
func (j *Job) ProgressPercent() float64 {
	if j.Total == 0 {
		return 0
	}
	return float64(j.CompletedCount) / float64(j.Total) * 100
}

// AnalysisConfig is opaque per-run configuration passed through to the
// analysis function unmodified.
type AnalysisConfig struct {
	Capital      float64 `json:"capital"`
	RiskPerTrade float64 `json:"risk_per_trade"`
}

// NormalizeSymbols uppercases and trims tickers, dropping empties and
// duplicates while preserving first-seen order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// SymbolSetKey returns a canonical key for set comparison: the sorted,
// comma-joined normalized symbols. Order-insensitive.
func SymbolSetKey(symbols []string) string {
	norm := NormalizeSymbols(symbols)
	sorted := make([]string, len(norm))
	copy(sorted, norm)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
