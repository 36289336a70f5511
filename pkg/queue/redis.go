package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "courier"
	leaseGrace         = 10 * time.Second
	scanBatch          = 100
)

// Moves due delayed ids onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('LPUSH', KEYS[2], id)
  end
end
return #due
`)

// Removes expired leases and their processing entries, returning the ids.
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local reclaimed = {}
for _, id in ipairs(expired) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('LREM', KEYS[2], 1, id)
    table.insert(reclaimed, id)
  end
end
return reclaimed
`)

// RedisBroker stores jobs in Redis. Per queue it keeps a ready list, a processing
// list, a delayed sorted set, a lease sorted set and a dead-letter sorted set.
// Jobs whose lease expires (a crashed consumer) are handed back through Reclaim.
type RedisBroker struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisBroker)

func WithRedisPrefix(prefix string) RedisOption {
	return func(b *RedisBroker) {
		b.prefix = prefix
	}
}

func NewRedisBroker(client *redis.Client, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{client: client, prefix: defaultRedisPrefix, now: time.Now}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// NewRedisBrokerFromURL parses a redis:// URL and pings the server.
func NewRedisBrokerFromURL(ctx context.Context, url string, opts ...RedisOption) (*RedisBroker, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisBroker(client, opts...), nil
}

func (b *RedisBroker) key(queueName, part string) string {
	return b.prefix + ":queue:" + queueName + ":" + part
}

func (b *RedisBroker) jobKey(queueName, id string) string {
	return b.key(queueName, "job:"+id)
}

func (b *RedisBroker) liveKey(queueName, id string) string {
	return b.key(queueName, "live:"+id)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (b *RedisBroker) Put(ctx context.Context, job *Job) (bool, error) {
	claimed, err := b.client.SetNX(ctx, b.liveKey(job.Queue, job.ID), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim job id: %w", err)
	}

	if !claimed {
		return false, nil
	}

	blob, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.jobKey(job.Queue, job.ID), blob, 0)

		if job.AvailableAt.After(b.now()) {
			pipe.ZAdd(ctx, b.key(job.Queue, "delayed"), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: job.ID})
		} else {
			pipe.LPush(ctx, b.key(job.Queue, "ready"), job.ID)
		}

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to store job: %w", err)
	}

	return true, nil
}

func (b *RedisBroker) Reserve(ctx context.Context, queueName string, wait time.Duration) (*Job, error) {
	err := promoteScript.Run(ctx, b.client,
		[]string{b.key(queueName, "delayed"), b.key(queueName, "ready")},
		millis(b.now()), scanBatch,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	id, err := b.client.BLMove(ctx, b.key(queueName, "ready"), b.key(queueName, "processing"), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}

	job, err := b.load(ctx, queueName, id)
	if err != nil {
		return nil, err
	}

	if job == nil {
		// Blob vanished; drop the orphaned id.
		b.client.LRem(ctx, b.key(queueName, "processing"), 1, id)

		return nil, nil
	}

	lease := b.now().Add(job.Policy.Timeout + leaseGrace)

	err = b.client.ZAdd(ctx, b.key(queueName, "leases"), redis.Z{Score: float64(lease.UnixMilli()), Member: id}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to record lease: %w", err)
	}

	return job, nil
}

func (b *RedisBroker) load(ctx context.Context, queueName, id string) (*Job, error) {
	blob, err := b.client.Get(ctx, b.jobKey(queueName, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(blob, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}

	return &job, nil
}

func (b *RedisBroker) release(ctx context.Context, pipe redis.Pipeliner, job *Job) {
	pipe.LRem(ctx, b.key(job.Queue, "processing"), 1, job.ID)
	pipe.ZRem(ctx, b.key(job.Queue, "leases"), job.ID)
}

func (b *RedisBroker) Ack(ctx context.Context, job *Job) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		b.release(ctx, pipe, job)
		pipe.Del(ctx, b.liveKey(job.Queue, job.ID))

		if job.Policy.RetentionOnSuccess > 0 {
			pipe.Expire(ctx, b.jobKey(job.Queue, job.ID), job.Policy.RetentionOnSuccess)
		} else {
			pipe.Del(ctx, b.jobKey(job.Queue, job.ID))
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}

	return nil
}

func (b *RedisBroker) Retry(ctx context.Context, job *Job, at time.Time) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		b.release(ctx, pipe, job)
		pipe.Set(ctx, b.jobKey(job.Queue, job.ID), blob, 0)
		pipe.ZAdd(ctx, b.key(job.Queue, "delayed"), redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry of job %s: %w", job.ID, err)
	}

	return nil
}

func (b *RedisBroker) Bury(ctx context.Context, job *Job) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	finished := b.now()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		b.release(ctx, pipe, job)
		pipe.Del(ctx, b.liveKey(job.Queue, job.ID))
		pipe.Set(ctx, b.jobKey(job.Queue, job.ID), blob, job.Policy.RetentionOnFailure)
		pipe.ZAdd(ctx, b.key(job.Queue, "dead"), redis.Z{Score: float64(finished.UnixMilli()), Member: job.ID})

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}

	return nil
}

func (b *RedisBroker) Dead(ctx context.Context, queueName string) ([]*Job, error) {
	ids, err := b.client.ZRange(ctx, b.key(queueName, "dead"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))

	for _, id := range ids {
		job, err := b.load(ctx, queueName, id)
		if err != nil {
			return nil, err
		}

		if job == nil {
			// Retention elapsed.
			b.client.ZRem(ctx, b.key(queueName, "dead"), id)

			continue
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Reclaim returns jobs whose consumer stopped renewing its lease.
func (b *RedisBroker) Reclaim(ctx context.Context, queueName string) ([]*Job, error) {
	ids, err := reclaimScript.Run(ctx, b.client,
		[]string{b.key(queueName, "leases"), b.key(queueName, "processing")},
		millis(b.now()), scanBatch,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))

	for _, id := range ids {
		job, err := b.load(ctx, queueName, id)
		if err != nil {
			return nil, err
		}

		if job != nil {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
