package domain

import (
	"encoding/json"
	"time"
)

const (
	VerdictBuy  = "buy"
	VerdictSell = "sell"
	VerdictHold = "hold"
)

// Outcome is the durable result of analyzing one symbol at one point in time.
// Outcomes are append-only: re-analysis supersedes older same-day rows for
// "latest" queries but never deletes them.
type Outcome struct {
	OutcomeID  string
	JobID      string // empty when produced outside any job
	Symbol     string
	Verdict    string
	Score      float64
	Confidence float64
	Entry      float64
	Stop       float64
	Target     float64
	// Breakdown is the opaque per-indicator payload from the analysis
	// function, stored verbatim.
	Breakdown  json.RawMessage
	ProducedAt time.Time
}
