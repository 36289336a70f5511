// Package eventbus publishes domain events: every event is appended to the
// event store and, for routed kinds, enqueued onto its topic queue.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/queue"
	"github.com/google/uuid"
)

// Handler receives one delivered event. Returning an error redelivers it per the topic policy.
type Handler func(ctx context.Context, event *models.DomainEvent) error

// Bus is the publish/subscribe surface over a queue and an event store.
type Bus struct {
	queue  queue.Queue
	store  persistence.EventStore
	logger *slog.Logger
	now    func() time.Time
	policy queue.Policy
	routed map[events.EventType]bool
}

type Option func(*Bus)

// WithRoutedKinds limits queue delivery to the given kinds. Other kinds are only
// appended to the store. By default every kind is routed.
func WithRoutedKinds(kinds ...events.EventType) Option {
	return func(b *Bus) {
		b.routed = make(map[events.EventType]bool, len(kinds))
		for _, kind := range kinds {
			b.routed[kind] = true
		}
	}
}

func WithPolicy(policy queue.Policy) Option {
	return func(b *Bus) {
		b.policy = policy
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

func New(q queue.Queue, store persistence.EventStore, logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		queue:  q,
		store:  store,
		logger: logger.With("module", "eventbus"),
		now:    time.Now,
		policy: queue.DefaultPolicy(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Bus) isRouted(kind events.EventType) bool {
	return b.routed == nil || b.routed[kind]
}

// eventID derives a stable id from the dedup key so a redelivered publish maps
// onto the stored event.
func (b *Bus) eventID(dedupKey string) string {
	if dedupKey != "" {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte("courier-event:"+dedupKey)).String()
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

func (b *Bus) build(runID, dedupKey string, event events.Event) (*models.DomainEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	return &models.DomainEvent{
		ID:         b.eventID(dedupKey),
		RunID:      runID,
		Kind:       string(event.GetType()),
		Payload:    payload,
		OccurredAt: b.now().UTC(),
		DedupKey:   dedupKey,
	}, nil
}

// Publish appends event and delivers it to subscribers of its kind.
func (b *Bus) Publish(ctx context.Context, runID string, event events.Event) (*models.DomainEvent, error) {
	domainEvent, err := b.build(runID, "", event)
	if err != nil {
		return nil, err
	}

	if _, err := b.store.Append(ctx, domainEvent); err != nil {
		return nil, fmt.Errorf("failed to append %s event: %w", domainEvent.Kind, err)
	}

	if err := b.deliver(ctx, domainEvent); err != nil {
		return domainEvent, err
	}

	return domainEvent, nil
}

// PublishOnce appends event unless one with dedupKey exists. It returns false for
// a duplicate. Delivery is attempted either way so a publisher that crashed
// between append and enqueue completes on retry; the topic job id is the event
// id, so a still queued copy is not duplicated.
func (b *Bus) PublishOnce(ctx context.Context, runID, dedupKey string, event events.Event) (bool, error) {
	domainEvent, err := b.build(runID, dedupKey, event)
	if err != nil {
		return false, err
	}

	inserted, err := b.store.Append(ctx, domainEvent)
	if err != nil {
		return false, fmt.Errorf("failed to append %s event: %w", domainEvent.Kind, err)
	}

	if !inserted {
		b.logger.DebugContext(ctx, "duplicate event", "kind", domainEvent.Kind, "dedup_key", dedupKey, "run_id", runID)
	}

	if err := b.deliver(ctx, domainEvent); err != nil {
		return inserted, err
	}

	return inserted, nil
}

func (b *Bus) deliver(ctx context.Context, event *models.DomainEvent) error {
	kind := events.EventType(event.Kind)
	if !b.isRouted(kind) {
		return nil
	}

	if _, err := b.queue.Enqueue(ctx, events.Topic(kind), event, b.policy, queue.WithJobID(event.ID)); err != nil {
		return fmt.Errorf("failed to deliver %s event: %w", event.Kind, err)
	}

	return nil
}

// Redeliver delivers the recorded event of runID with dedupKey to its
// subscribers again. It reports whether such an event was recorded.
func (b *Bus) Redeliver(ctx context.Context, runID, dedupKey string) (bool, error) {
	recorded, err := b.store.ByRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("failed to load events of run %s: %w", runID, err)
	}

	for _, event := range recorded {
		if event.DedupKey == dedupKey {
			return true, b.deliver(ctx, event)
		}
	}

	return false, nil
}

// Processed reports whether an event with dedupKey was recorded.
func (b *Bus) Processed(ctx context.Context, dedupKey string) (bool, error) {
	exists, err := b.store.Exists(ctx, dedupKey)
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", dedupKey, err)
	}

	return exists, nil
}

// Subscription is a running topic consumer.
type Subscription struct {
	kind   events.EventType
	worker *queue.Worker
}

func (s *Subscription) Kind() events.EventType {
	return s.kind
}

// Cancel stops consuming and waits for in-flight handlers.
func (s *Subscription) Cancel() {
	s.worker.Stop()
}

func (s *Subscription) Wait() {
	s.worker.Wait()
}

// Subscribe consumes events of kind with the given concurrency.
func (b *Bus) Subscribe(ctx context.Context, kind events.EventType, concurrency int, handler Handler) (*Subscription, error) {
	logger := b.logger.With("kind", kind)

	worker, err := b.queue.Consume(ctx, events.Topic(kind), concurrency, func(ctx context.Context, job *queue.Job) error {
		var event models.DomainEvent
		if err := job.Decode(&event); err != nil {
			logger.ErrorContext(ctx, "failed to decode event", "job_id", job.ID, "error", err)

			return err
		}

		return handler(ctx, &event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", kind, err)
	}

	return &Subscription{kind: kind, worker: worker}, nil
}

// Bridge turns dead-lettered node jobs into node.failed events.
type Bridge struct {
	observer *queue.Subscription
	worker   *queue.Worker
}

// Cancel stops watching for dead jobs, then drains pending failures.
func (br *Bridge) Cancel() {
	br.observer.Cancel()
	br.worker.Stop()
}

// BridgeQueue watches q for dead-lettered node jobs. Each one is queued as a
// failure job keyed by its node.failed dedup key, and publishing that job is
// retried like any other, so a store error does not lose the failure.
func (b *Bus) BridgeQueue(ctx context.Context, q queue.Queue) (*Bridge, error) {
	nodeQueues := make(map[string]bool, len(events.NodeJobQueues))
	for _, name := range events.NodeJobQueues {
		nodeQueues[name] = true
	}

	worker, err := q.Consume(ctx, events.NodeFailureQueue, 1, b.publishFailure)
	if err != nil {
		return nil, fmt.Errorf("failed to consume node failures: %w", err)
	}

	observer := q.Observe(func(ctx context.Context, n queue.Notification) {
		if n.Kind != queue.JobFailed || n.Job == nil || !nodeQueues[n.Job.Queue] {
			return
		}

		var ref events.NodeRef
		if err := json.Unmarshal(n.Job.Payload, &ref); err != nil || ref.RunID == "" || ref.NodeID == "" {
			b.logger.WarnContext(ctx, "dead job without node reference", "queue", n.Job.Queue, "job_id", n.Job.ID)

			return
		}

		failure := events.NodeFailed{
			RunID:    ref.RunID,
			NodeID:   ref.NodeID,
			JobID:    n.Job.ID,
			Attempts: n.Job.Attempts,
			Error:    n.Job.LastError,
		}

		logger := b.logger.With("run_id", ref.RunID, "node_id", ref.NodeID, "job_id", n.Job.ID)

		_, err := q.Enqueue(ctx, events.NodeFailureQueue, failure, b.policy, queue.WithJobID(NodeFailedKey(n.Job.ID)))
		if err == nil {
			return
		}

		logger.WarnContext(ctx, "failed to queue node failure, publishing directly", "error", err)

		if _, err := b.PublishOnce(ctx, ref.RunID, NodeFailedKey(n.Job.ID), failure); err != nil {
			logger.ErrorContext(ctx, "failed to publish node failure", "error", err)
		}
	})

	return &Bridge{observer: observer, worker: worker}, nil
}

func (b *Bus) publishFailure(ctx context.Context, job *queue.Job) error {
	var failure events.NodeFailed
	if err := job.Decode(&failure); err != nil {
		return err
	}

	if _, err := b.PublishOnce(ctx, failure.RunID, NodeFailedKey(failure.JobID), failure); err != nil {
		b.logger.WarnContext(ctx, "failed to publish node failure",
			"run_id", failure.RunID, "node_id", failure.NodeID, "attempt", job.Attempts+1, "error", err)

		return err
	}

	return nil
}

// NodeCompletedKey is the dedup key of the completion of a node job.
func NodeCompletedKey(jobID string) string {
	return string(events.NodeCompletedEvent) + ":" + jobID
}

func NodeFailedKey(jobID string) string {
	return string(events.NodeFailedEvent) + ":" + jobID
}
