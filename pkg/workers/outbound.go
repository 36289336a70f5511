package workers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/providers"
	"github.com/dukex/courier/pkg/queue"
)

// OutboundWorker sends replies through the provider of each message.
type OutboundWorker struct {
	sender providers.Sender
	bus    Publisher
	logger *slog.Logger
}

func NewOutboundWorker(sender providers.Sender, bus Publisher, logger *slog.Logger) *OutboundWorker {
	return &OutboundWorker{
		sender: sender,
		bus:    bus,
		logger: logger.With("module", "outbound_worker"),
	}
}

func (w *OutboundWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload events.OutboundJob
	if err := job.Decode(&payload); err != nil {
		return err
	}

	message := payload.Message
	logger := w.logger.With("run_id", payload.RunID, "node_id", payload.NodeID, "provider", message.Provider)

	if strings.TrimSpace(message.Text) == "" || message.To == "" {
		return queue.Permanent(fmt.Errorf("outbound message for node %s is incomplete", payload.NodeID))
	}

	done, err := alreadyCompleted(ctx, w.bus, payload.NodeRef, job.ID)
	if err != nil {
		return err
	}

	if done {
		logger.InfoContext(ctx, "message already sent", "job_id", job.ID)

		return nil
	}

	if err := w.sender.Send(ctx, message); err != nil {
		logger.WarnContext(ctx, "failed to send message", "attempt", job.Attempts+1, "error", err)

		if providers.IsTransient(err) {
			return queue.Transient(err)
		}

		return queue.Permanent(err)
	}

	logger.InfoContext(ctx, "message sent", "to", message.To)

	return complete(ctx, w.bus, payload.NodeRef, job.ID, map[string]any{
		"sent":       true,
		"to":         message.To,
		"text":       message.Text,
		"provider":   string(message.Provider),
		"channel_id": message.ChannelID,
	})
}
