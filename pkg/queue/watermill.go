package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	deadTopicSuffix      = ".dead"
	metadataJobID        = "job_id"
	metadataAttempt      = "attempt"
	metadataDeliverAfter = "deliver_after"
)

// WatermillBroker carries jobs over a watermill Publisher/Subscriber pair (Kafka,
// GoChannel). Delayed retries are republished with a deliver_after marker and held by
// the consumer until due. Dead-lettered jobs are published on "<queue>.dead".
// Job ids are not deduplicated across processes; handlers stay idempotent.
type WatermillBroker struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	streams  map[string]<-chan *message.Message
	inflight map[string]*message.Message
	closed   bool
}

func NewWatermillBroker(publisher message.Publisher, subscriber message.Subscriber) *WatermillBroker {
	ctx, cancel := context.WithCancel(context.Background())

	return &WatermillBroker{
		publisher:  publisher,
		subscriber: subscriber,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		streams:    map[string]<-chan *message.Message{},
		inflight:   map[string]*message.Message{},
	}
}

func (b *WatermillBroker) publish(topic string, job *Job) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), blob)
	msg.Metadata.Set(metadataJobID, job.ID)
	msg.Metadata.Set(metadataAttempt, fmt.Sprint(job.Attempts))
	msg.Metadata.Set(metadataDeliverAfter, job.AvailableAt.UTC().Format(time.RFC3339Nano))

	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish job to %s: %w", topic, err)
	}

	return nil
}

func (b *WatermillBroker) Put(_ context.Context, job *Job) (bool, error) {
	if err := b.publish(job.Queue, job); err != nil {
		return false, err
	}

	return true, nil
}

func (b *WatermillBroker) stream(queueName string) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	if stream, ok := b.streams[queueName]; ok {
		return stream, nil
	}

	stream, err := b.subscriber.Subscribe(b.ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", queueName, err)
	}

	b.streams[queueName] = stream

	return stream, nil
}

func (b *WatermillBroker) Reserve(ctx context.Context, queueName string, wait time.Duration) (*Job, error) {
	stream, err := b.stream(queueName)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var msg *message.Message

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case m, ok := <-stream:
		if !ok {
			return nil, ErrClosed
		}

		msg = m
	}

	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		msg.Ack()

		return nil, fmt.Errorf("failed to decode job message %s: %w", msg.UUID, err)
	}

	if delay := job.AvailableAt.Sub(b.now()); delay > 0 {
		hold := time.NewTimer(delay)
		defer hold.Stop()

		select {
		case <-ctx.Done():
			msg.Nack()

			return nil, ctx.Err()
		case <-hold.C:
		}
	}

	job.receipt = msg.UUID

	b.mu.Lock()
	b.inflight[msg.UUID] = msg
	b.mu.Unlock()

	return &job, nil
}

func (b *WatermillBroker) settle(job *Job) {
	b.mu.Lock()
	msg, ok := b.inflight[job.receipt]
	delete(b.inflight, job.receipt)
	b.mu.Unlock()

	if ok {
		msg.Ack()
	}
}

func (b *WatermillBroker) Ack(_ context.Context, job *Job) error {
	b.settle(job)

	return nil
}

func (b *WatermillBroker) Retry(_ context.Context, job *Job, at time.Time) error {
	next := job.clone()
	next.AvailableAt = at

	if err := b.publish(job.Queue, next); err != nil {
		return err
	}

	b.settle(job)

	return nil
}

func (b *WatermillBroker) Bury(_ context.Context, job *Job) error {
	if err := b.publish(job.Queue+deadTopicSuffix, job); err != nil {
		return err
	}

	b.settle(job)

	return nil
}

func (b *WatermillBroker) Dead(context.Context, string) ([]*Job, error) {
	return nil, ErrInspectionUnsupported
}

func (b *WatermillBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	b.mu.Unlock()

	b.cancel()

	if err := b.publisher.Close(); err != nil {
		return fmt.Errorf("failed to close publisher: %w", err)
	}

	if err := b.subscriber.Close(); err != nil {
		return fmt.Errorf("failed to close subscriber: %w", err)
	}

	return nil
}
