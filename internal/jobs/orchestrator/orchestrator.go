// Package orchestrator owns the job lifecycle: atomic creation or attach,
// worker spawn, progress aggregation, and terminal transitions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
)

// Store is the slice of the persistence gateway the orchestrator drives.
// All retry/backoff discipline lives behind it.
type Store interface {
	CreateJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (string, error)
	MarkProcessing(ctx context.Context, jobID string, at time.Time) error
	RecordSymbolSuccess(ctx context.Context, jobID string, o *domain.Outcome) error
	RecordSymbolError(ctx context.Context, jobID, symbol, message string) error
	FinalizeJob(ctx context.Context, jobID, status string, at time.Time) error
	CancelJob(ctx context.Context, jobID string, at time.Time) (string, error)
}

// Analyzer is the external per-symbol analysis collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, symbol string, cfg domain.AnalysisConfig) (*domain.Outcome, error)
}

// Catalog resolves an empty symbol list to the full known universe.
type Catalog interface {
	Resolve(ctx context.Context) ([]string, error)
}

// DuplicateResolver finds an attachable active job, or nil. Never errors:
// the duplicate check fails open by contract.
type DuplicateResolver interface {
	FindActive(ctx context.Context, symbols []string) *domain.Job
}

// Orchestrator creates jobs, spawns their workers, and applies every state
// transition through the storage gateway.
type Orchestrator struct {
	store    Store
	resolver DuplicateResolver
	analyzer Analyzer
	catalog  Catalog
	events   *eventPublisher
	logger   *slog.Logger
	slots    *workerSlots

	runCtx  context.Context
	stop    context.CancelFunc
	workers sync.WaitGroup
}

// Config holds orchestrator tunables.
type Config struct {
	// MaxConcurrentWorkers caps simultaneously running job workers.
	MaxConcurrentWorkers int
}

// New creates an Orchestrator. publisher may be nil to disable events.
func New(store Store, resolver DuplicateResolver, analyzer Analyzer, catalog Catalog,
	publisher Publisher, cfg Config, logger *slog.Logger) *Orchestrator {

	runCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		resolver: resolver,
		analyzer: analyzer,
		catalog:  catalog,
		events:   newEventPublisher(publisher, logger),
		logger:   logger,
		slots:    newWorkerSlots(cfg.MaxConcurrentWorkers),
		runCtx:   runCtx,
		stop:     stop,
	}
}

// SubmitResult is the outcome of a submission: either a freshly created job
// or an attach to existing work.
type SubmitResult struct {
	Job      *domain.Job
	Attached bool
	// WorkerStarted is false when the job row was created but no worker
	// slot was available. The job stays queued and is observable as stuck;
	// the row itself is never left ambiguous.
	WorkerStarted bool
}

// Submit accepts a batch-analysis request. With force false a matching
// active job is returned as an attach instead of new work. The duplicate
// check and creation are deliberately not linearizable across concurrent
// submitters: two racing identical requests may both create jobs, which is
// safe (unique ids, idempotent re-analysis) and preferred over serializing
// all submissions.
func (o *Orchestrator) Submit(ctx context.Context, symbols []string, force bool, cfg domain.AnalysisConfig) (*SubmitResult, error) {
	symbols = domain.NormalizeSymbols(symbols)

	if len(symbols) == 0 {
		resolved, err := o.catalog.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve universe: %w", err)
		}
		symbols = domain.NormalizeSymbols(resolved)
	}
	if len(symbols) == 0 {
		return nil, domain.ErrEmptyUniverse
	}

	if !force {
		if existing := o.resolver.FindActive(ctx, symbols); existing != nil {
			o.logger.Info("attached to active job",
				slog.String("job_id", existing.JobID),
				slog.String("status", existing.Status),
				slog.Int("completed", existing.CompletedCount),
				slog.Int("total", existing.Total),
			)
			return &SubmitResult{Job: existing, Attached: true}, nil
		}
	}

	job := &domain.Job{
		JobID:     uuid.New().String(),
		Symbols:   symbols,
		Status:    domain.JobStatusQueued,
		Total:     len(symbols),
		CreatedAt: time.Now().UTC(),
	}

	// Creation is fail-closed: a transient storage error is retried inside
	// the gateway and surfaced as a creation failure when exhausted, never
	// misreported as a duplicate.
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.logger.Error("job creation failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrJobCreationFailed, err)
	}

	o.events.publish(ctx, eventJobCreated, job)

	result := &SubmitResult{Job: job}
	if o.slots.tryAcquire() {
		o.workers.Add(1)
		go o.runWorker(job, cfg)
		result.WorkerStarted = true
	} else {
		o.logger.Warn("no worker slot available, job remains queued",
			slog.String("job_id", job.JobID),
			slog.Int("max_workers", o.slots.max),
		)
	}

	o.logger.Info("job created",
		slog.String("job_id", job.JobID),
		slog.Int("total", job.Total),
		slog.Bool("worker_started", result.WorkerStarted),
	)
	return result, nil
}

// Status returns the current job state for polling clients.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*domain.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// Cancel requests cooperative cancellation. Idempotent: cancelling a job
// already in a terminal state returns that state unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (string, error) {
	status, err := o.store.CancelJob(ctx, jobID, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if status == domain.JobStatusCancelled {
		o.events.publish(ctx, eventJobCancelled, &domain.Job{JobID: jobID, Status: status})
	}
	o.logger.Info("cancel requested",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return status, nil
}

// Shutdown stops accepting worker progress and waits for running workers to
// drain, up to the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.stop()
		return errors.New("shutdown timed out waiting for workers")
	}
}

// workerSlots is the global cap on simultaneously running workers: a single
// mutex-guarded counter with a bounded critical section, never held across
// storage or network calls.
type workerSlots struct {
	mu    sync.Mutex
	inUse int
	max   int
}

func newWorkerSlots(max int) *workerSlots {
	if max <= 0 {
		max = 8
	}
	return &workerSlots{max: max}
}

func (s *workerSlots) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse >= s.max {
		return false
	}
	s.inUse++
	return true
}

func (s *workerSlots) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inUse--
}
