package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/quantbeat/analysis-be/internal/jobs/domain"
)

const (
	eventJobCreated   = "job.created"
	eventJobCompleted = "job.completed"
	eventJobFailed    = "job.failed"
	eventJobCancelled = "job.cancelled"
)

// Publisher sends serialized lifecycle events to a broker. Matched by the
// RabbitMQ client; nil disables publishing entirely.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// JobEvent is the wire shape of a lifecycle notification.
type JobEvent struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
	At     string `json:"at"`
}

// eventPublisher is a best-effort wrapper: publish failures are logged and
// never block or fail the job flow.
type eventPublisher struct {
	publisher Publisher
	logger    *slog.Logger
}

func newEventPublisher(p Publisher, logger *slog.Logger) *eventPublisher {
	return &eventPublisher{publisher: p, logger: logger}
}

func (e *eventPublisher) publish(ctx context.Context, eventType string, job *domain.Job) {
	if e.publisher == nil {
		return
	}

	body, err := json.Marshal(JobEvent{
		Type:   eventType,
		JobID:  job.JobID,
		Status: job.Status,
		Total:  job.Total,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logger.Error("failed to encode job event", slog.String("error", err.Error()))
		return
	}

	if err := e.publisher.Publish(ctx, body, "application/json"); err != nil {
		e.logger.Warn("failed to publish job event",
			slog.String("type", eventType),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}
