// Package analysis implements the per-symbol technical analysis function.
// It is a collaborator of the job orchestration core: a pure function of a
// price series to a verdict/confidence pair, safe for concurrent use across
// symbols.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
	"github.com/quantbeat/analysis-be/internal/marketdata"
)

const (
	defaultLookbackDays = 365
	minCandles          = 60

	buyThreshold  = 0.25
	sellThreshold = -0.25
)

// Analyzer produces AnalysisOutcomes from daily candles.
type Analyzer struct {
	prices       marketdata.Provider
	lookbackDays int
	logger       *slog.Logger
}

// NewAnalyzer creates an Analyzer reading candles from the given provider.
func NewAnalyzer(prices marketdata.Provider, lookbackDays int, logger *slog.Logger) *Analyzer {
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	return &Analyzer{
		prices:       prices,
		lookbackDays: lookbackDays,
		logger:       logger,
	}
}

type breakdown struct {
	Indicators   []indicatorVote `json:"indicators"`
	ATR          float64         `json:"atr"`
	PositionSize float64         `json:"position_size,omitempty"`
}

// Analyze runs the indicator stack over the symbol's recent daily candles
// and aggregates the votes into an outcome. Errors are symbol-scoped except
// when the price source itself is unreachable, which wraps
// domain.ErrAnalysisUnavailable.
func (a *Analyzer) Analyze(ctx context.Context, symbol string, cfg domain.AnalysisConfig) (*domain.Outcome, error) {
	candles, err := a.prices.DailyCandles(ctx, symbol, a.lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrAnalysisUnavailable, symbol, err)
	}
	if len(candles) < minCandles {
		return nil, fmt.Errorf("insufficient history for %s: %d candles, need %d",
			symbol, len(candles), minCandles)
	}

	closes := marketdata.Closes(candles)
	highs := marketdata.Highs(candles)
	lows := marketdata.Lows(candles)

	var votes []indicatorVote
	for _, v := range []*indicatorVote{
		rsiVote(closes),
		macdVote(closes),
		smaCrossVote(closes),
		bollingerVote(closes),
	} {
		if v != nil {
			votes = append(votes, *v)
		}
	}
	if len(votes) == 0 {
		return nil, fmt.Errorf("no indicator produced a vote for %s", symbol)
	}

	var sum, agreeing float64
	for _, v := range votes {
		sum += v.Vote
	}
	score := sum / float64(len(votes))

	verdict := domain.VerdictHold
	switch {
	case score >= buyThreshold:
		verdict = domain.VerdictBuy
	case score <= sellThreshold:
		verdict = domain.VerdictSell
	}
	for _, v := range votes {
		if (verdict == domain.VerdictBuy && v.Vote > 0) ||
			(verdict == domain.VerdictSell && v.Vote < 0) ||
			(verdict == domain.VerdictHold && v.Vote == 0) {
			agreeing++
		}
	}
	confidence := agreeing / float64(len(votes))

	entry := closes[len(closes)-1]
	atr := atrValue(highs, lows, closes)
	stop, target := levels(verdict, entry, atr)

	bd := breakdown{Indicators: votes, ATR: atr}
	if cfg.Capital > 0 && cfg.RiskPerTrade > 0 && entry != stop {
		riskAmount := cfg.Capital * cfg.RiskPerTrade
		bd.PositionSize = riskAmount / abs(entry-stop)
	}
	payload, err := json.Marshal(bd)
	if err != nil {
		return nil, fmt.Errorf("encode breakdown for %s: %w", symbol, err)
	}

	a.logger.Debug("symbol analyzed",
		slog.String("symbol", symbol),
		slog.String("verdict", verdict),
		slog.Float64("score", score),
		slog.Float64("confidence", confidence),
	)

	return &domain.Outcome{
		OutcomeID:  uuid.New().String(),
		Symbol:     symbol,
		Verdict:    verdict,
		Score:      score,
		Confidence: confidence,
		Entry:      entry,
		Stop:       stop,
		Target:     target,
		Breakdown:  payload,
		ProducedAt: time.Now().UTC(),
	}, nil
}

// levels derives stop and target from ATR: 2x ATR risk, 3x ATR reward.
// Hold verdicts keep flat levels at entry.
func levels(verdict string, entry, atr float64) (stop, target float64) {
	switch verdict {
	case domain.VerdictBuy:
		return entry - 2*atr, entry + 3*atr
	case domain.VerdictSell:
		return entry + 2*atr, entry - 3*atr
	default:
		return entry, entry
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
