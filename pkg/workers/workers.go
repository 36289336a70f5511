// Package workers holds the queue consumers that turn jobs into engine calls,
// agent requests, outbound messages and HTTP deliveries.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/queue"
)

// Publisher records node completions on the bus.
type Publisher interface {
	PublishOnce(ctx context.Context, runID, dedupKey string, event events.Event) (bool, error)
	Redeliver(ctx context.Context, runID, dedupKey string) (bool, error)
}

// Trigger starts runs from inbound events. The workflow engine implements it.
type Trigger interface {
	Trigger(ctx context.Context, event models.CanonicalInboundEvent) ([]*models.Run, error)
}

// complete publishes the completion of the node job jobID.
func complete(ctx context.Context, bus Publisher, ref events.NodeRef, jobID string, output map[string]any) error {
	completed := events.NodeCompleted{
		RunID:  ref.RunID,
		NodeID: ref.NodeID,
		JobID:  jobID,
		Output: output,
	}

	if _, err := bus.PublishOnce(ctx, ref.RunID, eventbus.NodeCompletedKey(jobID), completed); err != nil {
		return fmt.Errorf("failed to publish completion of node %s: %w", ref.NodeID, err)
	}

	return nil
}

// alreadyCompleted reports whether the completion of jobID is already recorded. A
// recorded completion is delivered again, so a job run twice never repeats
// its side effect.
func alreadyCompleted(ctx context.Context, bus Publisher, ref events.NodeRef, jobID string) (bool, error) {
	found, err := bus.Redeliver(ctx, ref.RunID, eventbus.NodeCompletedKey(jobID))
	if err != nil {
		return false, fmt.Errorf("failed to check completion of node %s: %w", ref.NodeID, err)
	}

	return found, nil
}

// Binding attaches a handler to a queue.
type Binding struct {
	Queue       string
	Concurrency int
	Handler     queue.Handler
}

// Manager starts a set of bindings and stops them together.
type Manager struct {
	queue    queue.Queue
	logger   *slog.Logger
	bindings []Binding

	mu      sync.Mutex
	running []*queue.Worker
}

func NewManager(q queue.Queue, logger *slog.Logger) *Manager {
	return &Manager{
		queue:  q,
		logger: logger.With("module", "workers"),
	}
}

// Register adds a binding. A concurrency below one is raised to one.
func (m *Manager) Register(queueName string, concurrency int, handler queue.Handler) {
	m.bindings = append(m.bindings, Binding{
		Queue:       queueName,
		Concurrency: max(concurrency, 1),
		Handler:     handler,
	})
}

// Start consumes every registered queue. Workers already started are stopped
// when one of them fails to start.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.running) > 0 {
		return errors.New("workers already started")
	}

	for _, binding := range m.bindings {
		worker, err := m.queue.Consume(ctx, binding.Queue, binding.Concurrency, binding.Handler)
		if err != nil {
			m.stopLocked()

			return fmt.Errorf("failed to start %s worker: %w", binding.Queue, err)
		}

		m.running = append(m.running, worker)
	}

	return nil
}

// Stop stops every worker and waits for in-flight jobs.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
}

func (m *Manager) stopLocked() {
	var wg sync.WaitGroup

	for _, worker := range m.running {
		wg.Add(1)

		go func() {
			defer wg.Done()
			worker.Stop()
		}()
	}

	wg.Wait()

	if len(m.running) > 0 {
		m.logger.Info("workers stopped", "count", len(m.running))
	}

	m.running = nil
}

// Queues returns the registered queue names in registration order.
func (m *Manager) Queues() []string {
	names := make([]string, 0, len(m.bindings))
	for _, binding := range m.bindings {
		names = append(names, binding.Queue)
	}

	return names
}
