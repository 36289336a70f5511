package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBroker keeps jobs in process memory. It is used by tests and single-process deployments.
type MemoryBroker struct {
	mu        sync.Mutex
	now       func() time.Time
	queues    map[string]*memoryQueue
	live      map[string]*Job
	completed map[string]*Job
	closed    bool
}

type memoryQueue struct {
	ready  []*Job
	dead   []*Job
	signal chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		now:       time.Now,
		queues:    map[string]*memoryQueue{},
		live:      map[string]*Job{},
		completed: map[string]*Job{},
	}
}

func liveKey(job *Job) string {
	return job.Queue + "/" + job.ID
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{signal: make(chan struct{})}
		b.queues[name] = q
	}

	return q
}

// wake releases every consumer blocked on q. Callers hold b.mu.
func (q *memoryQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (b *MemoryBroker) Put(_ context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}

	if _, exists := b.live[liveKey(job)]; exists {
		return false, nil
	}

	stored := job.clone()
	b.live[liveKey(job)] = stored

	q := b.queue(job.Queue)
	q.ready = append(q.ready, stored)
	q.wake()

	return true, nil
}

func (b *MemoryBroker) Reserve(ctx context.Context, queueName string, wait time.Duration) (*Job, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()

			return nil, ErrClosed
		}

		q := b.queue(queueName)
		job, nextAt := q.take(b.now())
		signal := q.signal
		b.mu.Unlock()

		if job != nil {
			return job.clone(), nil
		}

		var (
			retry <-chan time.Time
			timer *time.Timer
		)

		if !nextAt.IsZero() {
			timer = time.NewTimer(time.Until(nextAt))
			retry = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)

			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(timer)

			return nil, nil
		case <-signal:
			stopTimer(timer)
		case <-retry:
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// take removes the earliest available job. When none is due it returns the
// time the next delayed job becomes available.
func (q *memoryQueue) take(now time.Time) (*Job, time.Time) {
	sort.SliceStable(q.ready, func(i, j int) bool {
		return q.ready[i].AvailableAt.Before(q.ready[j].AvailableAt)
	})

	if len(q.ready) == 0 {
		return nil, time.Time{}
	}

	first := q.ready[0]
	if first.AvailableAt.After(now) {
		return nil, first.AvailableAt
	}

	q.ready = q.ready[1:]

	return first, time.Time{}
}

func (b *MemoryBroker) Ack(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.live, liveKey(job))

	if job.Policy.RetentionOnSuccess > 0 {
		done := job.clone()
		finished := b.now().UTC()
		done.FinishedAt = &finished
		b.completed[liveKey(job)] = done
	}

	b.pruneCompleted()

	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, job *Job, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	stored := job.clone()
	stored.AvailableAt = at
	b.live[liveKey(job)] = stored

	q := b.queue(job.Queue)
	q.ready = append(q.ready, stored)
	q.wake()

	return nil
}

func (b *MemoryBroker) Bury(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.live, liveKey(job))

	q := b.queue(job.Queue)
	q.dead = append(q.dead, job.clone())

	return nil
}

func (b *MemoryBroker) Dead(_ context.Context, queueName string) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queueName)
	now := b.now()
	kept := q.dead[:0]

	for _, job := range q.dead {
		if job.FinishedAt == nil || now.Sub(*job.FinishedAt) < job.Policy.RetentionOnFailure {
			kept = append(kept, job)
		}
	}

	q.dead = kept

	out := make([]*Job, len(kept))
	for i, job := range kept {
		out[i] = job.clone()
	}

	return out, nil
}

// Completed returns a retained completed job.
func (b *MemoryBroker) Completed(queueName, id string) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.completed[queueName+"/"+id]
	if !ok {
		return nil, false
	}

	return job.clone(), true
}

// Pending returns the jobs of queueName that are waiting or delayed.
func (b *MemoryBroker) Pending(queueName string) []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queueName)
	out := make([]*Job, len(q.ready))

	for i, job := range q.ready {
		out[i] = job.clone()
	}

	return out
}

func (b *MemoryBroker) pruneCompleted() {
	now := b.now()

	for id, job := range b.completed {
		if job.FinishedAt != nil && now.Sub(*job.FinishedAt) >= job.Policy.RetentionOnSuccess {
			delete(b.completed, id)
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for _, q := range b.queues {
		q.wake()
	}

	return nil
}
