package dedupe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
)

type stubFinder struct {
	jobs  []domain.Job
	err   error
	since time.Time
}

func (f *stubFinder) FindActiveSince(_ context.Context, since time.Time) ([]domain.Job, error) {
	f.since = since
	return f.jobs, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExactSetMatcher(t *testing.T) {
	m := ExactSetMatcher{}

	assert.True(t, m.Match([]string{"AAPL", "MSFT"}, []string{"MSFT", "AAPL"}))
	assert.False(t, m.Match([]string{"AAPL"}, []string{"AAPL", "MSFT"}))
	assert.False(t, m.Match([]string{"AAPL", "MSFT"}, []string{"AAPL"}))
}

func TestOverlapMatcher(t *testing.T) {
	m := OverlapMatcher{Threshold: 0.5}

	// 2 of 4 requested symbols covered: exactly at threshold.
	assert.True(t, m.Match(
		[]string{"A", "B", "C", "D"},
		[]string{"A", "B"},
	))
	// 1 of 4 covered: below threshold.
	assert.False(t, m.Match(
		[]string{"A", "B", "C", "D"},
		[]string{"A"},
	))
	assert.False(t, m.Match(nil, []string{"A"}))
}

func TestMatcherFromName(t *testing.T) {
	assert.IsType(t, OverlapMatcher{}, MatcherFromName("overlap", 0.8))
	assert.IsType(t, ExactSetMatcher{}, MatcherFromName("exact", 0))
	assert.IsType(t, ExactSetMatcher{}, MatcherFromName("something-else", 0))

	// Out-of-range thresholds tighten to full coverage.
	m := MatcherFromName("overlap", 1.5).(OverlapMatcher)
	assert.Equal(t, 1.0, m.Threshold)
}

func TestFindActive_MatchesMostRecent(t *testing.T) {
	newer := domain.Job{JobID: "newer", Symbols: []string{"AAPL", "MSFT"}}
	older := domain.Job{JobID: "older", Symbols: []string{"AAPL", "MSFT"}}
	finder := &stubFinder{jobs: []domain.Job{newer, older}}

	r := NewResolver(finder, ExactSetMatcher{}, 5*time.Minute, discardLogger())

	got := r.FindActive(context.Background(), []string{"MSFT", "AAPL"})
	require.NotNil(t, got)
	assert.Equal(t, "newer", got.JobID)
}

func TestFindActive_NoMatch(t *testing.T) {
	finder := &stubFinder{jobs: []domain.Job{
		{JobID: "a", Symbols: []string{"TSLA"}},
	}}
	r := NewResolver(finder, ExactSetMatcher{}, 5*time.Minute, discardLogger())

	assert.Nil(t, r.FindActive(context.Background(), []string{"AAPL"}))
}

func TestFindActive_FailsOpenOnStoreError(t *testing.T) {
	finder := &stubFinder{err: errors.New("connection refused")}
	r := NewResolver(finder, ExactSetMatcher{}, 5*time.Minute, discardLogger())

	assert.Nil(t, r.FindActive(context.Background(), []string{"AAPL"}))
}

func TestFindActive_UsesRecencyWindow(t *testing.T) {
	finder := &stubFinder{}
	window := 2 * time.Minute
	r := NewResolver(finder, ExactSetMatcher{}, window, discardLogger())

	before := time.Now().Add(-window)
	r.FindActive(context.Background(), []string{"AAPL"})

	assert.WithinDuration(t, before, finder.since, time.Second)
}

func TestNewResolver_DefaultWindow(t *testing.T) {
	r := NewResolver(&stubFinder{}, ExactSetMatcher{}, 0, discardLogger())
	assert.Equal(t, 5*time.Minute, r.window)
}
