package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultChartEndpoint = "https://query2.finance.yahoo.com/v8/finance/chart"
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Yahoo fetches daily candles from the Yahoo Finance v8 chart API.
type Yahoo struct {
	client        *http.Client
	chartEndpoint string
}

// YahooOption configures a Yahoo provider.
type YahooOption func(*Yahoo)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) YahooOption {
	return func(y *Yahoo) { y.client = c }
}

// WithChartEndpoint overrides the default chart API endpoint.
func WithChartEndpoint(ep string) YahooOption {
	return func(y *Yahoo) { y.chartEndpoint = ep }
}

// NewYahoo creates a Yahoo provider with the given options applied.
func NewYahoo(opts ...YahooOption) *Yahoo {
	y := &Yahoo{
		client:        &http.Client{Timeout: 30 * time.Second},
		chartEndpoint: defaultChartEndpoint,
	}
	for _, o := range opts {
		o(y)
	}
	return y
}

// chartResponse represents the Yahoo Finance v8 chart API response.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []any `json:"open"`
					High   []any `json:"high"`
					Low    []any `json:"low"`
					Close  []any `json:"close"`
					Volume []any `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// DailyCandles fetches up to lookbackDays of daily bars for symbol, oldest
// first. Bars with null quotes (halts, partial days) are skipped.
func (y *Yahoo) DailyCandles(ctx context.Context, symbol string, lookbackDays int) ([]Candle, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	if lookbackDays <= 0 {
		lookbackDays = 365
	}

	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)

	q := url.Values{}
	q.Set("period1", fmt.Sprintf("%d", from.Unix()))
	q.Set("period2", fmt.Sprintf("%d", to.Unix()))
	q.Set("interval", "1d")
	q.Set("events", "history")

	reqURL := fmt.Sprintf("%s/%s?%s", y.chartEndpoint, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build chart request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chart for %s: %w", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chart response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart request for %s returned %d", symbol, resp.StatusCode)
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode chart response: %w", err)
	}
	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error for %s: %s", symbol, parsed.Chart.Error.Description)
	}
	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no chart data for %s", symbol)
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]

	candles := make([]Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		c := Candle{Time: time.Unix(ts, 0).UTC()}
		var ok bool
		if c.Open, ok = toFloat(quote.Open, i); !ok {
			continue
		}
		if c.High, ok = toFloat(quote.High, i); !ok {
			continue
		}
		if c.Low, ok = toFloat(quote.Low, i); !ok {
			continue
		}
		if c.Close, ok = toFloat(quote.Close, i); !ok {
			continue
		}
		c.Volume, _ = toFloat(quote.Volume, i)
		candles = append(candles, c)
	}
	return candles, nil
}

func toFloat(vals []any, i int) (float64, bool) {
	if i >= len(vals) {
		return 0, false
	}
	f, ok := vals[i].(float64)
	return f, ok
}
