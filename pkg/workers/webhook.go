package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/queue"
)

// WebhookWorker hands normalized inbound events to the engine.
type WebhookWorker struct {
	trigger Trigger
	logger  *slog.Logger
}

func NewWebhookWorker(trigger Trigger, logger *slog.Logger) *WebhookWorker {
	return &WebhookWorker{
		trigger: trigger,
		logger:  logger.With("module", "webhook_worker"),
	}
}

// Handle starts every run the event matches. Runs are keyed on the event, so a
// retried job only completes work an earlier attempt left unfinished.
func (w *WebhookWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload events.WebhookJob
	if err := job.Decode(&payload); err != nil {
		return err
	}

	event := payload.Event
	logger := w.logger.With("provider", event.Provider, "external_message_id", event.ExternalMessageID, "attempt", job.Attempts+1)

	runs, err := w.trigger.Trigger(ctx, event)
	if err != nil {
		logger.WarnContext(ctx, "failed to trigger workflows", "error", err)

		return fmt.Errorf("failed to trigger workflows for %s: %w", event.DedupKey(), err)
	}

	logger.DebugContext(ctx, "webhook processed", "runs", len(runs))

	return nil
}
