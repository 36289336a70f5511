package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultReserveWait     = time.Second
	defaultReclaimInterval = 5 * time.Second
)

// Manager implements Queue on top of a Broker.
type Manager struct {
	broker          Broker
	logger          *slog.Logger
	now             func() time.Time
	reserveWait     time.Duration
	reclaimInterval time.Duration

	mu        sync.RWMutex
	observers map[int]Observer
	nextObs   int
	workers   []*Worker
	closed    bool
}

type ManagerOption func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithReserveWait sets how long a consumer blocks on an empty queue before polling again.
func WithReserveWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reserveWait = d
	}
}

// WithReclaimInterval sets how often abandoned jobs are looked for.
func WithReclaimInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reclaimInterval = d
	}
}

func NewManager(broker Broker, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		broker:          broker,
		logger:          logger.With("module", "queue"),
		now:             time.Now,
		reserveWait:     defaultReserveWait,
		reclaimInterval: defaultReclaimInterval,
		observers:       map[int]Observer{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Enqueue(ctx context.Context, queueName string, payload any, policy Policy, opts ...EnqueueOption) (string, error) {
	if m.isClosed() {
		return "", ErrClosed
	}

	options := enqueueOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s job payload: %w", queueName, err)
	}

	id := options.jobID
	if id == "" {
		id = uuid.NewString()
	}

	policy = policy.WithDefaults()
	now := m.now().UTC()

	job := &Job{
		ID:          id,
		Queue:       queueName,
		Payload:     raw,
		MaxAttempts: policy.MaxAttempts,
		Policy:      policy,
		EnqueuedAt:  now,
		AvailableAt: now.Add(options.delay),
	}

	stored, err := m.broker.Put(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job on %s: %w", queueName, err)
	}

	if !stored {
		m.logger.DebugContext(ctx, "job already queued", "queue", queueName, "job_id", id)

		return id, nil
	}

	m.notify(ctx, Notification{Kind: JobEnqueued, Job: job})

	return id, nil
}

func (m *Manager) Consume(ctx context.Context, queueName string, concurrency int, handler Handler) (*Worker, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("invalid concurrency %d for queue %s", concurrency, queueName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := &Worker{queue: queueName, cancel: cancel, done: make(chan struct{})}

	for range concurrency {
		w.wg.Add(1)

		go m.loop(workerCtx, w, handler)
	}

	if reclaimer, ok := m.broker.(Reclaimer); ok {
		w.wg.Add(1)

		go m.reclaim(workerCtx, w, reclaimer)
	}

	go func() {
		w.wg.Wait()
		close(w.done)
	}()

	m.workers = append(m.workers, w)
	m.logger.InfoContext(ctx, "consumer started", "queue", queueName, "concurrency", concurrency)

	return w, nil
}

// Observe registers an observer for job notifications.
func (m *Manager) Observe(observer Observer) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObs
	m.nextObs++
	m.observers[id] = observer

	return &Subscription{cancel: func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}}
}

// Dead lists dead-lettered jobs of queueName.
func (m *Manager) Dead(ctx context.Context, queueName string) ([]*Job, error) {
	return m.broker.Dead(ctx, queueName)
}

// Close stops every consumer, waits for in-flight handlers and closes the broker.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	return m.broker.Close()
}

// HealthCheck fails once the manager is closed and, for brokers that can
// report it, when the backing store is unreachable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}

	if checker, ok := m.broker.(interface{ HealthCheck(context.Context) error }); ok {
		return checker.HealthCheck(ctx)
	}

	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closed
}

func (m *Manager) loop(ctx context.Context, w *Worker, handler Handler) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := m.broker.Reserve(ctx, w.queue, m.reserveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			m.logger.ErrorContext(ctx, "failed to reserve job", "queue", w.queue, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(m.reserveWait):
			}

			continue
		}

		if job == nil {
			continue
		}

		// In-flight jobs finish even when the worker is stopping.
		m.process(context.WithoutCancel(ctx), job, handler)
	}
}

func (m *Manager) process(ctx context.Context, job *Job, handler Handler) {
	err := m.invoke(ctx, job, handler)
	if err == nil {
		if ackErr := m.broker.Ack(ctx, job); ackErr != nil {
			m.logger.ErrorContext(ctx, "failed to ack job", "queue", job.Queue, "job_id", job.ID, "error", ackErr)

			return
		}

		m.notify(ctx, Notification{Kind: JobCompleted, Job: job})

		return
	}

	m.fail(ctx, job, err)
}

// fail consumes one attempt of job and either schedules a retry or dead-letters it.
func (m *Manager) fail(ctx context.Context, job *Job, err error) {
	logger := m.logger.With("queue", job.Queue, "job_id", job.ID, "attempt", job.Attempts+1)
	now := m.now().UTC()
	job.Attempts++
	job.LastError = err.Error()

	if IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		job.FinishedAt = &now

		if buryErr := m.broker.Bury(ctx, job); buryErr != nil {
			logger.ErrorContext(ctx, "failed to dead-letter job", "error", buryErr)

			return
		}

		logger.WarnContext(ctx, "job dead-lettered", "error", err, "attempts", job.Attempts)
		m.notify(ctx, Notification{Kind: JobFailed, Job: job, Err: err})

		return
	}

	delay := job.Policy.Backoff.Delay(job.Attempts)

	if retryErr := m.broker.Retry(ctx, job, now.Add(delay)); retryErr != nil {
		logger.ErrorContext(ctx, "failed to schedule retry", "error", retryErr)

		return
	}

	logger.InfoContext(ctx, "job failed, retrying", "error", err, "delay", delay)
	m.notify(ctx, Notification{Kind: JobRetrying, Job: job, Err: err})
}

// reclaim periodically hands abandoned jobs back to the retry machinery.
func (m *Manager) reclaim(ctx context.Context, w *Worker, reclaimer Reclaimer) {
	defer w.wg.Done()

	ticker := time.NewTicker(m.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := reclaimer.Reclaim(ctx, w.queue)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "failed to reclaim jobs", "queue", w.queue, "error", err)
			}

			continue
		}

		for _, job := range jobs {
			m.fail(ctx, job, ErrLeaseExpired)
		}
	}
}

// invoke runs the handler under the policy timeout and converts panics into errors.
func (m *Manager) invoke(ctx context.Context, job *Job, handler Handler) (err error) {
	timeout := job.Policy.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = handler(hctx, job.clone())

	if errors.Is(hctx.Err(), context.DeadlineExceeded) {
		if err == nil {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}

		return fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}

	return err
}

func (m *Manager) notify(ctx context.Context, n Notification) {
	m.mu.RLock()
	observers := make([]Observer, 0, len(m.observers))

	for _, observer := range m.observers {
		observers = append(observers, observer)
	}
	m.mu.RUnlock()

	for _, observer := range observers {
		observer(ctx, n)
	}
}

// Worker is the handle of a running consumer.
type Worker struct {
	queue  string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func (w *Worker) Queue() string {
	return w.queue
}

// Stop stops reserving new jobs and waits for in-flight handlers.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
}

// Done is closed once every consumer goroutine exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the worker stopped, either through Stop or its context.
func (w *Worker) Wait() {
	<-w.done
}
