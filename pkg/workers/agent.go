package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/courier/pkg/agent"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/queue"
)

// AgentWorker asks the agent service for a reply and queues the answer.
type AgentWorker struct {
	service agent.Service
	queue   queue.Queue
	logger  *slog.Logger
}

func NewAgentWorker(service agent.Service, q queue.Queue, logger *slog.Logger) *AgentWorker {
	return &AgentWorker{
		service: service,
		queue:   q,
		logger:  logger.With("module", "agent_worker"),
	}
}

// Handle calls the agent service. The response job reuses the request job id so
// the completion still names the dispatched job.
func (w *AgentWorker) Handle(ctx context.Context, job *queue.Job) error {
	var request agent.Request
	if err := job.Decode(&request); err != nil {
		return err
	}

	logger := w.logger.With("run_id", request.RunID, "node_id", request.NodeID, "job_id", job.ID)

	response, err := w.service.Respond(ctx, request)
	if err != nil {
		logger.WarnContext(ctx, "agent request failed", "attempt", job.Attempts+1, "error", err)

		return classifyAgentError(err)
	}

	if _, err := w.queue.Enqueue(ctx, events.AgentResponseQueue, response, job.Policy, queue.WithJobID(job.ID)); err != nil {
		return fmt.Errorf("failed to enqueue agent response: %w", err)
	}

	logger.DebugContext(ctx, "agent replied")

	return nil
}

func classifyAgentError(err error) error {
	if errors.Is(err, agent.ErrNotConfigured) {
		return queue.Permanent(err)
	}

	var httpErr *agent.HTTPError
	if errors.As(err, &httpErr) && !httpErr.Retryable() {
		return queue.Permanent(err)
	}

	return queue.Transient(err)
}

// ResponseWorker turns agent responses into node completions.
type ResponseWorker struct {
	bus    Publisher
	logger *slog.Logger
}

func NewResponseWorker(bus Publisher, logger *slog.Logger) *ResponseWorker {
	return &ResponseWorker{
		bus:    bus,
		logger: logger.With("module", "response_worker"),
	}
}

func (w *ResponseWorker) Handle(ctx context.Context, job *queue.Job) error {
	var response agent.Response
	if err := job.Decode(&response); err != nil {
		return err
	}

	if response.RunID == "" || response.NodeID == "" {
		return queue.Permanent(fmt.Errorf("agent response %s has no node reference", job.ID))
	}

	ref := events.NodeRef{RunID: response.RunID, NodeID: response.NodeID}

	return complete(ctx, w.bus, ref, job.ID, response.Output())
}
