//go:build integration

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/courier/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.NoError(t, client.Ping(ctx).Err())

	return client
}

func TestRedisBroker_PutReserveAck(t *testing.T) {
	ctx := context.Background()
	broker := NewRedisBroker(setupRedisContainer(t))

	job := &Job{ID: "run-1:agent", Queue: "agent-request", Payload: []byte(`{"input":"Hello"}`), MaxAttempts: 3, Policy: DefaultPolicy()}

	stored, err := broker.Put(ctx, job)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = broker.Put(ctx, job)
	require.NoError(t, err)
	assert.False(t, stored, "live job ids are deduplicated")

	reserved, err := broker.Reserve(ctx, "agent-request", time.Second)
	require.NoError(t, err)
	require.NotNil(t, reserved)
	assert.JSONEq(t, `{"input":"Hello"}`, string(reserved.Payload))

	empty, err := broker.Reserve(ctx, "agent-request", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, broker.Ack(ctx, reserved))

	stored, err = broker.Put(ctx, job)
	require.NoError(t, err)
	assert.True(t, stored, "acked job ids may be enqueued again")
}

func TestRedisBroker_ManagerRetryAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewRedisBroker(setupRedisContainer(t)), log.Discard(), WithReserveWait(50*time.Millisecond))
	t.Cleanup(func() { _ = manager.Close() })

	rec := &recorder{}
	manager.Observe(rec.observe)

	var calls atomic.Int32

	_, err := manager.Consume(ctx, "outbound", 2, func(context.Context, *Job) error {
		calls.Add(1)

		return errors.New("rate limited")
	})
	require.NoError(t, err)

	policy := fastPolicy()
	policy.Backoff.BaseDelay = 50 * time.Millisecond
	policy.Backoff.MaxDelay = 100 * time.Millisecond

	_, err = manager.Enqueue(ctx, "outbound", payload{Value: "hi"}, policy)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count(JobFailed) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	dead, err := manager.Dead(ctx, "outbound")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "rate limited", dead[0].LastError)
}

func TestRedisBroker_ReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	broker := NewRedisBroker(setupRedisContainer(t))

	job := &Job{ID: "job-1", Queue: "webhook", Payload: []byte(`{}`), MaxAttempts: 3, Policy: Policy{Timeout: time.Millisecond}}

	_, err := broker.Put(ctx, job)
	require.NoError(t, err)

	reserved, err := broker.Reserve(ctx, "webhook", time.Second)
	require.NoError(t, err)
	require.NotNil(t, reserved)

	broker.now = func() time.Time { return time.Now().Add(leaseGrace + time.Second) }

	reclaimed, err := broker.Reclaim(ctx, "webhook")
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "job-1", reclaimed[0].ID)

	again, err := broker.Reclaim(ctx, "webhook")
	require.NoError(t, err)
	assert.Empty(t, again)
}
