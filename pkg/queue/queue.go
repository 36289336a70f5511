// Package queue provides a broker-independent job queue with retry, exponential
// backoff, handler timeouts and dead-lettering.
package queue

import (
	"context"
	"sync"
	"time"
)

// Handler processes one job. Returning an error consumes an attempt; wrap it with
// Permanent to dead-letter immediately.
type Handler func(ctx context.Context, job *Job) error

// Queue is the contract consumed by the rest of the system.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload any, policy Policy, opts ...EnqueueOption) (string, error)
	Consume(ctx context.Context, queueName string, concurrency int, handler Handler) (*Worker, error)
	Observe(observer Observer) *Subscription
	Close() error
}

// Broker is the storage and delivery primitive a Manager drives.
type Broker interface {
	// Put stores a new job. It returns false when a live job with the same id exists.
	Put(ctx context.Context, job *Job) (bool, error)
	// Reserve blocks up to wait for an available job of queueName. It returns nil
	// without error when nothing became available. A reserved job is invisible to
	// other consumers until it is acked, retried or buried.
	Reserve(ctx context.Context, queueName string, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, at time.Time) error
	Bury(ctx context.Context, job *Job) error
	// Dead lists dead-lettered jobs still within their retention window.
	Dead(ctx context.Context, queueName string) ([]*Job, error)
	Close() error
}

// Reclaimer is implemented by brokers that can detect jobs abandoned by a crashed
// consumer. Reclaimed jobs have already been removed from the processing state.
type Reclaimer interface {
	Reclaim(ctx context.Context, queueName string) ([]*Job, error)
}

type NotificationKind string

const (
	JobEnqueued  NotificationKind = "enqueued"
	JobCompleted NotificationKind = "completed"
	JobRetrying  NotificationKind = "retrying"
	JobFailed    NotificationKind = "failed"
)

// Notification reports a job lifecycle change. Err is set for retrying and failed.
type Notification struct {
	Kind NotificationKind
	Job  *Job
	Err  error
}

type Observer func(ctx context.Context, n Notification)

// Subscription is a cancellable observer registration.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type enqueueOptions struct {
	jobID string
	delay time.Duration
}

type EnqueueOption func(*enqueueOptions)

// WithJobID sets a caller-chosen job id so repeated enqueues of the same work
// collapse into one live job on brokers that support it.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.jobID = id
	}
}

// WithDelay makes the job available only after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}
