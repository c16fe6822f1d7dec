package orchestrator

import (
	"errors"
	"log/slog"
	"time"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
)

// runWorker is the single execution context bound to one job. It iterates
// the symbol set sequentially, reporting each outcome through the gateway,
// and performs the terminal transition when the loop ends.
func (o *Orchestrator) runWorker(job *domain.Job, cfg domain.AnalysisConfig) {
	defer o.workers.Done()
	defer o.slots.release()

	ctx := o.runCtx
	log := o.logger.With(slog.String("job_id", job.JobID))

	// A stuck status transition degrades the job, it does not strand it:
	// the worker proceeds and progress writes carry their own retries.
	if err := o.store.MarkProcessing(ctx, job.JobID, time.Now().UTC()); err != nil {
		log.Error("failed to mark job processing, proceeding degraded",
			slog.String("error", err.Error()),
		)
	}

	var (
		successCount int
		fatal        bool
		cancelled    bool
	)

	for i, symbol := range job.Symbols {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		// Cooperative cancellation, checked at symbol boundaries only.
		// A failed read is treated as not-cancelled: the safe failure
		// mode is finishing work that was asked for.
		if status, err := o.store.GetJobStatus(ctx, job.JobID); err == nil &&
			domain.IsTerminalStatus(status) {
			cancelled = true
			log.Info("job cancelled, stopping worker",
				slog.Int("processed", i),
			)
			break
		}

		outcome, err := o.analyzer.Analyze(ctx, symbol, cfg)
		if err != nil {
			// The source being down before anything succeeded is fatal
			// for the whole batch; any later error is symbol-scoped.
			if i == 0 && errors.Is(err, domain.ErrAnalysisUnavailable) {
				fatal = true
			}
			log.Warn("symbol analysis failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			if rerr := o.store.RecordSymbolError(ctx, job.JobID, symbol, err.Error()); rerr != nil {
				log.Error("failed to record symbol error",
					slog.String("symbol", symbol),
					slog.String("error", rerr.Error()),
				)
			}
			continue
		}

		outcome.JobID = job.JobID
		if err := o.store.RecordSymbolSuccess(ctx, job.JobID, outcome); err != nil {
			log.Error("failed to persist outcome, recording as symbol error",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			if rerr := o.store.RecordSymbolError(ctx, job.JobID, symbol, "persist outcome: "+err.Error()); rerr != nil {
				log.Error("failed to record symbol error",
					slog.String("symbol", symbol),
					slog.String("error", rerr.Error()),
				)
			}
			continue
		}
		successCount++
	}

	terminal := terminalStatus(job.Total, successCount, fatal)

	// FinalizeJob only touches non-terminal rows, so a cancellation that
	// landed first wins and this becomes a no-op.
	if err := o.store.FinalizeJob(ctx, job.JobID, terminal, time.Now().UTC()); err != nil {
		log.Error("failed to finalize job",
			slog.String("status", terminal),
			slog.String("error", err.Error()),
		)
		return
	}

	if cancelled {
		log.Info("worker stopped on cancellation")
		return
	}

	switch terminal {
	case domain.JobStatusFailed:
		o.events.publish(ctx, eventJobFailed, &domain.Job{JobID: job.JobID, Status: terminal, Total: job.Total})
	default:
		o.events.publish(ctx, eventJobCompleted, &domain.Job{JobID: job.JobID, Status: terminal, Total: job.Total})
	}

	log.Info("worker finished",
		slog.String("status", terminal),
		slog.Int("successful", successCount),
		slog.Int("total", job.Total),
	)
}

// terminalStatus applies the terminal policy: completed when anything
// succeeded or the set was empty by design; failed only when nothing
// succeeded and the batch hit a fatal pre-loop condition.
func terminalStatus(total, successCount int, fatal bool) string {
	if total == 0 {
		return domain.JobStatusCompleted
	}
	if successCount == 0 && fatal {
		return domain.JobStatusFailed
	}
	return domain.JobStatusCompleted
}
