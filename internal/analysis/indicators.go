package analysis

import (
	"github.com/markcheno/go-talib"
)

// A vote is in [-1, 1]: negative bearish, positive bullish, zero neutral.
type indicatorVote struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Vote  float64 `json:"vote"`
}

// rsiVote computes the 14-period Relative Strength Index vote.
// Oversold (<30) is bullish, overbought (>70) bearish.
func rsiVote(closes []float64) *indicatorVote {
	const length = 14
	if len(closes) < length+1 {
		return nil
	}
	rsi := talib.Rsi(closes, length)
	v := rsi[len(rsi)-1]
	if isNaN(v) {
		return nil
	}

	var vote float64
	switch {
	case v < 30:
		vote = 1
	case v < 45:
		vote = 0.5
	case v > 70:
		vote = -1
	case v > 55:
		vote = -0.5
	}
	return &indicatorVote{Name: "rsi", Value: v, Vote: vote}
}

// macdVote votes on the MACD histogram sign (12/26/9).
func macdVote(closes []float64) *indicatorVote {
	if len(closes) < 35 {
		return nil
	}
	_, _, hist := talib.Macd(closes, 12, 26, 9)
	v := hist[len(hist)-1]
	if isNaN(v) {
		return nil
	}

	var vote float64
	if v > 0 {
		vote = 1
	} else if v < 0 {
		vote = -1
	}
	return &indicatorVote{Name: "macd", Value: v, Vote: vote}
}

// smaCrossVote compares the 20-day and 50-day simple moving averages.
func smaCrossVote(closes []float64) *indicatorVote {
	const fast, slow = 20, 50
	if len(closes) < slow {
		return nil
	}
	fastSMA := talib.Sma(closes, fast)
	slowSMA := talib.Sma(closes, slow)
	f := fastSMA[len(fastSMA)-1]
	s := slowSMA[len(slowSMA)-1]
	if isNaN(f) || isNaN(s) || s == 0 {
		return nil
	}

	spread := (f - s) / s
	var vote float64
	if spread > 0 {
		vote = 1
	} else if spread < 0 {
		vote = -1
	}
	return &indicatorVote{Name: "sma_cross", Value: spread, Vote: vote}
}

// bollingerVote votes on price position within the 20-day, 2-sigma bands:
// 0.0 at the lower band (bullish) to 1.0 at the upper band (bearish).
func bollingerVote(closes []float64) *indicatorVote {
	const length = 20
	if len(closes) < length {
		return nil
	}
	upper, _, lower := talib.BBands(closes, length, 2, 2, 0)
	u := upper[len(upper)-1]
	l := lower[len(lower)-1]
	if isNaN(u) || isNaN(l) {
		return nil
	}

	price := closes[len(closes)-1]
	width := u - l
	position := 0.5
	if width > 0 {
		position = (price - l) / width
		if position < 0 {
			position = 0
		}
		if position > 1 {
			position = 1
		}
	}

	var vote float64
	switch {
	case position < 0.2:
		vote = 1
	case position < 0.4:
		vote = 0.5
	case position > 0.8:
		vote = -1
	case position > 0.6:
		vote = -0.5
	}
	return &indicatorVote{Name: "bollinger", Value: position, Vote: vote}
}

// atrValue computes the 14-period Average True Range used for stop and
// target levels.
func atrValue(highs, lows, closes []float64) float64 {
	const length = 14
	if len(closes) < length+1 {
		return 0
	}
	atr := talib.Atr(highs, lows, closes, length)
	v := atr[len(atr)-1]
	if isNaN(v) {
		return 0
	}
	return v
}

func isNaN(f float64) bool {
	return f != f
}
