// Package storage is the persistence gateway: the only component that talks
// to the relational store. Every read and write goes through a transaction
// boundary and a bounded retry policy, and the SQL is portable across the
// PostgreSQL and SQLite backends (bindvars are rebound per driver).
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed-width UTC so stored strings order lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps all access to the job and outcome tables.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	retry  RetryConfig
}

// NewStore creates a Store over an already-connected database.
func NewStore(db *sqlx.DB, logger *slog.Logger, retry RetryConfig) *Store {
	return &Store{
		db:     db,
		logger: logger,
		retry:  retry.withDefaults(),
	}
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type jobRow struct {
	JobID           string         `db:"job_id"`
	Symbols         string         `db:"symbols"`
	SymbolsKey      string         `db:"symbols_key"`
	Status          string         `db:"status"`
	Total           int            `db:"total"`
	CompletedCount  int            `db:"completed_count"`
	SuccessfulCount int            `db:"successful_count"`
	CreatedAt       string         `db:"created_at"`
	StartedAt       sql.NullString `db:"started_at"`
	CompletedAt     sql.NullString `db:"completed_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	var symbols []string
	if err := json.Unmarshal([]byte(r.Symbols), &symbols); err != nil {
		return nil, fmt.Errorf("decode symbols for job %s: %w", r.JobID, err)
	}

	j := &domain.Job{
		JobID:           r.JobID,
		Symbols:         symbols,
		Status:          r.Status,
		Total:           r.Total,
		CompletedCount:  r.CompletedCount,
		SuccessfulCount: r.SuccessfulCount,
	}
	j.CreatedAt, _ = time.Parse(timeLayout, r.CreatedAt)
	if r.StartedAt.Valid {
		t, _ := time.Parse(timeLayout, r.StartedAt.String)
		j.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t, _ := time.Parse(timeLayout, r.CompletedAt.String)
		j.CompletedAt = &t
	}
	return j, nil
}

const jobColumns = `job_id, symbols, symbols_key, status, total,
	completed_count, successful_count, created_at, started_at, completed_at`

// CreateJob inserts a new job row with status queued and zeroed counters.
func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	symbolsJSON, err := json.Marshal(j.Symbols)
	if err != nil {
		return fmt.Errorf("encode symbols: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO analysis_jobs
		(job_id, symbols, symbols_key, status, total,
		 completed_count, successful_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?)`)

	return s.withRetry(ctx, "create job", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			j.JobID, string(symbolsJSON), domain.SymbolSetKey(j.Symbols),
			j.Status, j.Total, j.CreatedAt.UTC().Format(timeLayout),
		)
		return err
	})
}

// GetJob loads a job and its error list.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM analysis_jobs WHERE job_id = ?`)

	err := s.withRetry(ctx, "get job", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &row, query, jobID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	j, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	errQuery := s.db.Rebind(`SELECT symbol, message FROM analysis_job_errors
		WHERE job_id = ? ORDER BY position ASC`)
	var jobErrs []domain.SymbolError
	err = s.withRetry(ctx, "get job errors", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &jobErrs, errQuery, jobID)
	})
	if err != nil {
		return nil, fmt.Errorf("get job errors: %w", err)
	}
	j.Errors = jobErrs
	return j, nil
}

// GetJobStatus reads just the status column. Used at worker symbol
// boundaries for the cooperative cancellation check.
func (s *Store) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	var status string
	query := s.db.Rebind(`SELECT status FROM analysis_jobs WHERE job_id = ?`)
	err := s.withRetry(ctx, "get job status", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &status, query, jobID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

// FindActiveSince returns non-terminal jobs created at or after the cutoff,
// most recent first. The duplicate resolver filters them with its matcher.
func (s *Store) FindActiveSince(ctx context.Context, since time.Time) ([]domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM analysis_jobs
		WHERE status IN (?, ?) AND created_at >= ?
		ORDER BY created_at DESC LIMIT 50`)

	var rows []jobRow
	err := s.withRetry(ctx, "find active jobs", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, query,
			domain.JobStatusQueued, domain.JobStatusProcessing,
			since.UTC().Format(timeLayout),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("find active jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

// ListRecentJobs returns the most recently created jobs.
func (s *Store) ListRecentJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM analysis_jobs
		ORDER BY created_at DESC LIMIT ?`)

	var rows []jobRow
	err := s.withRetry(ctx, "list jobs", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, query, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

// MarkProcessing moves a job to processing. started_at is set exactly once;
// a retried transition never resets it, and terminal rows are untouched.
func (s *Store) MarkProcessing(ctx context.Context, jobID string, at time.Time) error {
	query := s.db.Rebind(`UPDATE analysis_jobs
		SET status = ?, started_at = COALESCE(started_at, ?)
		WHERE job_id = ? AND status IN (?, ?)`)

	return s.withRetry(ctx, "mark processing", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			domain.JobStatusProcessing, at.UTC().Format(timeLayout), jobID,
			domain.JobStatusQueued, domain.JobStatusProcessing,
		)
		return err
	})
}

// RecordSymbolSuccess persists the outcome and bumps both counters in one
// transaction. Counter updates are relative single statements, never
// read-modify-write, and the completed_count < total guard keeps the
// invariant intact if a retry lands after an ambiguous commit.
func (s *Store) RecordSymbolSuccess(ctx context.Context, jobID string, o *domain.Outcome) error {
	return s.withRetry(ctx, "record symbol success", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			if err := insertOutcome(ctx, tx, o); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE analysis_jobs
				SET completed_count = completed_count + 1,
				    successful_count = successful_count + 1
				WHERE job_id = ? AND completed_count < total`), jobID)
			return err
		})
	})
}

// RecordSymbolError appends to the job's error list and bumps
// completed_count only, in one transaction. The (job_id, position) key makes
// a duplicate retry of the same event collide instead of double-counting.
func (s *Store) RecordSymbolError(ctx context.Context, jobID, symbol, message string) error {
	return s.withRetry(ctx, "record symbol error", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO analysis_job_errors
				(job_id, position, symbol, message)
				SELECT job_id, completed_count, ?, ?
				FROM analysis_jobs WHERE job_id = ?`), symbol, message, jobID)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE analysis_jobs
				SET completed_count = completed_count + 1
				WHERE job_id = ? AND completed_count < total`), jobID)
			return err
		})
	})
}

// FinalizeJob writes the terminal status. completed_at is set exactly once
// and already-terminal rows (e.g. cancelled mid-run) are left untouched.
func (s *Store) FinalizeJob(ctx context.Context, jobID, status string, at time.Time) error {
	query := s.db.Rebind(`UPDATE analysis_jobs
		SET status = ?, completed_at = COALESCE(completed_at, ?)
		WHERE job_id = ? AND status IN (?, ?)`)

	return s.withRetry(ctx, "finalize job", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			status, at.UTC().Format(timeLayout), jobID,
			domain.JobStatusQueued, domain.JobStatusProcessing,
		)
		return err
	})
}

// CancelJob requests cancellation and returns the job's resulting status.
// Cancelling an already-terminal job is a no-op, not an error.
func (s *Store) CancelJob(ctx context.Context, jobID string, at time.Time) (string, error) {
	query := s.db.Rebind(`UPDATE analysis_jobs
		SET status = ?, completed_at = COALESCE(completed_at, ?)
		WHERE job_id = ? AND status IN (?, ?)`)

	err := s.withRetry(ctx, "cancel job", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			domain.JobStatusCancelled, at.UTC().Format(timeLayout), jobID,
			domain.JobStatusQueued, domain.JobStatusProcessing,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	return s.GetJobStatus(ctx, jobID)
}

type outcomeRow struct {
	OutcomeID  string         `db:"outcome_id"`
	JobID      sql.NullString `db:"job_id"`
	Symbol     string         `db:"symbol"`
	Verdict    string         `db:"verdict"`
	Score      float64        `db:"score"`
	Confidence float64        `db:"confidence"`
	Entry      float64        `db:"entry"`
	Stop       float64        `db:"stop"`
	Target     float64        `db:"target"`
	Breakdown  sql.NullString `db:"breakdown"`
	ProducedAt string         `db:"produced_at"`
}

func (r *outcomeRow) toDomain() *domain.Outcome {
	o := &domain.Outcome{
		OutcomeID:  r.OutcomeID,
		Symbol:     r.Symbol,
		Verdict:    r.Verdict,
		Score:      r.Score,
		Confidence: r.Confidence,
		Entry:      r.Entry,
		Stop:       r.Stop,
		Target:     r.Target,
	}
	if r.JobID.Valid {
		o.JobID = r.JobID.String
	}
	if r.Breakdown.Valid {
		o.Breakdown = json.RawMessage(r.Breakdown.String)
	}
	o.ProducedAt, _ = time.Parse(timeLayout, r.ProducedAt)
	return o
}

func insertOutcome(ctx context.Context, tx *sqlx.Tx, o *domain.Outcome) error {
	var jobID any
	if o.JobID != "" {
		jobID = o.JobID
	}
	var breakdown any
	if len(o.Breakdown) > 0 {
		breakdown = string(o.Breakdown)
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO analysis_outcomes
		(outcome_id, job_id, symbol, verdict, score, confidence,
		 entry, stop, target, breakdown, produced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.OutcomeID, jobID, o.Symbol, o.Verdict, o.Score, o.Confidence,
		o.Entry, o.Stop, o.Target, breakdown,
		o.ProducedAt.UTC().Format(timeLayout),
	)
	return err
}

// SaveOutcome persists an outcome produced outside any job.
func (s *Store) SaveOutcome(ctx context.Context, o *domain.Outcome) error {
	return s.withRetry(ctx, "save outcome", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			return insertOutcome(ctx, tx, o)
		})
	})
}

// LatestOutcome returns the canonical latest outcome for a symbol: the
// newest row wins; older same-day rows are superseded, not deleted.
func (s *Store) LatestOutcome(ctx context.Context, symbol string) (*domain.Outcome, error) {
	query := s.db.Rebind(`SELECT outcome_id, job_id, symbol, verdict, score,
		confidence, entry, stop, target, breakdown, produced_at
		FROM analysis_outcomes WHERE symbol = ?
		ORDER BY produced_at DESC LIMIT 1`)

	var row outcomeRow
	err := s.withRetry(ctx, "latest outcome", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &row, query, symbol)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest outcome: %w", err)
	}
	return row.toDomain(), nil
}

// ListActiveSymbols returns the tracked symbol universe.
func (s *Store) ListActiveSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	query := `SELECT symbol FROM symbols WHERE active = 1 ORDER BY symbol ASC`
	err := s.withRetry(ctx, "list symbols", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &symbols, query)
	})
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	return symbols, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
