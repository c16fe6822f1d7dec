package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
)

// RetryConfig bounds the retry-with-backoff policy applied to every
// storage operation. The connection itself is configured to wait on lock
// contention (lock_timeout / busy_timeout), so this loop is a second layer
// above an already-patient connection.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	return c
}

// withRetry runs fn, retrying on transient contention with linear backoff
// (base delay times attempt number). Non-transient errors abort immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == s.retry.MaxAttempts {
			break
		}

		delay := s.retry.BaseDelay * time.Duration(attempt)
		s.logger.Warn("transient storage contention, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, s.retry.MaxAttempts, err)
}

// Transient PostgreSQL SQLSTATE codes: serialization_failure,
// deadlock_detected, lock_not_available.
var pqTransientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsTransient(err) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqTransientCodes[string(pqErr.Code)]
	}

	// modernc.org/sqlite surfaces SQLITE_BUSY / SQLITE_LOCKED as text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
