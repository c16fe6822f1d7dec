// Package dedupe decides whether a submitted symbol set should attach to an
// existing non-terminal job instead of creating a new one.
package dedupe

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
)

// Matcher decides whether a candidate job's symbol set covers the requested
// set. Pluggable so stricter or fuzzier policies can be swapped without
// touching the orchestrator.
type Matcher interface {
	Match(requested, candidate []string) bool
}

// ExactSetMatcher matches only when both sets are equal, order-insensitive.
type ExactSetMatcher struct{}

func (ExactSetMatcher) Match(requested, candidate []string) bool {
	return domain.SymbolSetKey(requested) == domain.SymbolSetKey(candidate)
}

// OverlapMatcher matches when the candidate covers at least Threshold of the
// requested set (0 < Threshold <= 1).
type OverlapMatcher struct {
	Threshold float64
}

func (m OverlapMatcher) Match(requested, candidate []string) bool {
	req := domain.NormalizeSymbols(requested)
	if len(req) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(candidate))
	for _, s := range domain.NormalizeSymbols(candidate) {
		have[s] = struct{}{}
	}
	covered := 0
	for _, s := range req {
		if _, ok := have[s]; ok {
			covered++
		}
	}
	return float64(covered)/float64(len(req)) >= m.Threshold
}

// MatcherFromName maps a config value to a Matcher. Unknown names fall back
// to exact-set matching.
func MatcherFromName(name string, overlapThreshold float64) Matcher {
	switch name {
	case "overlap":
		if overlapThreshold <= 0 || overlapThreshold > 1 {
			overlapThreshold = 1
		}
		return OverlapMatcher{Threshold: overlapThreshold}
	default:
		return ExactSetMatcher{}
	}
}

// Finder is the read-only slice of the storage gateway the resolver needs.
type Finder interface {
	FindActiveSince(ctx context.Context, since time.Time) ([]domain.Job, error)
}

// Resolver performs the duplicate-submission check.
type Resolver struct {
	store   Finder
	matcher Matcher
	window  time.Duration
	logger  *slog.Logger
}

// NewResolver creates a Resolver with the given recency window.
func NewResolver(store Finder, matcher Matcher, window time.Duration, logger *slog.Logger) *Resolver {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Resolver{
		store:   store,
		matcher: matcher,
		window:  window,
		logger:  logger,
	}
}

// FindActive returns the most recent non-terminal job matching the requested
// symbol set within the recency window, or nil.
//
// Fails open: a storage error here only risks a redundant job, which the
// superseded-not-deleted outcome invariant makes safe, so it must never
// block a legitimate request. Job creation stays fail-closed.
func (r *Resolver) FindActive(ctx context.Context, symbols []string) *domain.Job {
	since := time.Now().Add(-r.window)

	candidates, err := r.store.FindActiveSince(ctx, since)
	if err != nil {
		r.logger.Warn("duplicate check failed, treating as no active job",
			slog.String("error", err.Error()),
		)
		return nil
	}

	// Candidates arrive most recent first.
	for i := range candidates {
		if r.matcher.Match(symbols, candidates[i].Symbols) {
			return &candidates[i]
		}
	}
	return nil
}
