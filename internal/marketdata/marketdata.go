// Package marketdata provides daily price candles for analysis.
package marketdata

import (
	"context"
	"time"
)

// Candle is one daily OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Provider supplies daily candles for a symbol, oldest first.
type Provider interface {
	DailyCandles(ctx context.Context, symbol string, lookbackDays int) ([]Candle, error)
}

// Closes extracts the close series from candles.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts the high series from candles.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts the low series from candles.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
