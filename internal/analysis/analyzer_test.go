package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
	"github.com/quantbeat/analysis-be/internal/marketdata"
)

type stubProvider struct {
	candles []marketdata.Candle
	err     error
}

func (p *stubProvider) DailyCandles(context.Context, string, int) ([]marketdata.Candle, error) {
	return p.candles, p.err
}

func syntheticCandles(n int, closeAt func(i int) float64) []marketdata.Candle {
	start := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]marketdata.Candle, n)
	for i := range out {
		c := closeAt(i)
		out[i] = marketdata.Candle{
			Time:   start.AddDate(0, 0, i),
			Open:   c * 0.995,
			High:   c * 1.01,
			Low:    c * 0.99,
			Close:  c,
			Volume: 1_000_000,
		}
	}
	return out
}

// wavy is a drifting oscillation: enough movement for every indicator to
// produce a defined value.
func wavy(i int) float64 {
	return 100 + 0.05*float64(i) + 3*math.Sin(float64(i)/7)
}

func newTestAnalyzer(p marketdata.Provider) *Analyzer {
	return NewAnalyzer(p, 365, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAnalyze_ProviderErrorIsFatal(t *testing.T) {
	a := newTestAnalyzer(&stubProvider{err: errors.New("dial tcp: connection refused")})

	_, err := a.Analyze(context.Background(), "AAPL", domain.AnalysisConfig{})
	assert.ErrorIs(t, err, domain.ErrAnalysisUnavailable)
}

func TestAnalyze_InsufficientHistory(t *testing.T) {
	a := newTestAnalyzer(&stubProvider{candles: syntheticCandles(30, wavy)})

	_, err := a.Analyze(context.Background(), "AAPL", domain.AnalysisConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient history")
	// Thin history is a symbol problem, not a source outage.
	assert.NotErrorIs(t, err, domain.ErrAnalysisUnavailable)
}

func TestAnalyze_ProducesOutcome(t *testing.T) {
	candles := syntheticCandles(300, wavy)
	a := newTestAnalyzer(&stubProvider{candles: candles})

	outcome, err := a.Analyze(context.Background(), "AAPL", domain.AnalysisConfig{})
	require.NoError(t, err)

	assert.NotEmpty(t, outcome.OutcomeID)
	assert.Equal(t, "AAPL", outcome.Symbol)
	assert.Contains(t, []string{domain.VerdictBuy, domain.VerdictSell, domain.VerdictHold}, outcome.Verdict)
	assert.GreaterOrEqual(t, outcome.Score, -1.0)
	assert.LessOrEqual(t, outcome.Score, 1.0)
	assert.GreaterOrEqual(t, outcome.Confidence, 0.0)
	assert.LessOrEqual(t, outcome.Confidence, 1.0)
	assert.Equal(t, candles[len(candles)-1].Close, outcome.Entry)
	assert.False(t, outcome.ProducedAt.IsZero())

	var bd breakdown
	require.NoError(t, json.Unmarshal(outcome.Breakdown, &bd))
	assert.Len(t, bd.Indicators, 4)
	assert.Greater(t, bd.ATR, 0.0)

	// Levels follow the verdict direction.
	switch outcome.Verdict {
	case domain.VerdictBuy:
		assert.Less(t, outcome.Stop, outcome.Entry)
		assert.Greater(t, outcome.Target, outcome.Entry)
	case domain.VerdictSell:
		assert.Greater(t, outcome.Stop, outcome.Entry)
		assert.Less(t, outcome.Target, outcome.Entry)
	default:
		assert.Equal(t, outcome.Entry, outcome.Stop)
		assert.Equal(t, outcome.Entry, outcome.Target)
	}
}

func TestAnalyze_OutcomeIDsAreUnique(t *testing.T) {
	a := newTestAnalyzer(&stubProvider{candles: syntheticCandles(300, wavy)})

	first, err := a.Analyze(context.Background(), "AAPL", domain.AnalysisConfig{})
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), "AAPL", domain.AnalysisConfig{})
	require.NoError(t, err)

	assert.NotEqual(t, first.OutcomeID, second.OutcomeID)
}

func TestLevels(t *testing.T) {
	stop, target := levels(domain.VerdictBuy, 100, 2)
	assert.Equal(t, 96.0, stop)
	assert.Equal(t, 106.0, target)

	stop, target = levels(domain.VerdictSell, 100, 2)
	assert.Equal(t, 104.0, stop)
	assert.Equal(t, 94.0, target)

	stop, target = levels(domain.VerdictHold, 100, 2)
	assert.Equal(t, 100.0, stop)
	assert.Equal(t, 100.0, target)
}
