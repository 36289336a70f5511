package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/queue"
	"github.com/dukex/courier/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTrigger struct {
	mu     sync.Mutex
	events []models.CanonicalInboundEvent
	err    error
}

func (r *recordingTrigger) TriggerNode(_ context.Context, _, _ string, event models.CanonicalInboundEvent) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}

	r.events = append(r.events, event)

	return &models.Run{}, nil
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func dueSchedule(t *testing.T, store *memory.Persistence) *models.ScheduledTrigger {
	t.Helper()

	schedule, err := models.NewScheduledTrigger("daily", "wf", "cron", "client-1", "0 9 * * *", map[string]any{"topic": "digest"}, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, base, schedule.NextRun)
	require.NoError(t, store.SaveSchedule(context.Background(), schedule))

	return schedule
}

func TestTick_AdvancesMonotonically(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	trigger := &recordingTrigger{}
	scheduler := New(store, trigger, log.Discard())
	ctx := context.Background()

	before := dueSchedule(t, store)
	firedAt := base.Add(30 * time.Second)

	fired, err := scheduler.Tick(ctx, firedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	after, err := store.GetSchedule(ctx, "daily")
	require.NoError(t, err)
	assert.True(t, after.NextRun.After(before.NextRun))
	assert.Equal(t, base.Add(24*time.Hour), after.NextRun)
	require.NotNil(t, after.LastRun)
	assert.Equal(t, firedAt, *after.LastRun)

	require.Len(t, trigger.events, 1)
	event := trigger.events[0]
	assert.Equal(t, models.ProviderSchedule, event.Provider)
	assert.Equal(t, before.Occurrence(), event.ExternalMessageID)
	assert.Equal(t, "client-1", event.ChannelID)
	assert.Equal(t, base, event.Timestamp)

	fired, err = scheduler.Tick(ctx, firedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, 1, trigger.count())
}

func TestTick_MissedOccurrencesAreNotBackfilled(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	trigger := &recordingTrigger{}
	scheduler := New(store, trigger, log.Discard())
	ctx := context.Background()

	before := dueSchedule(t, store)

	// Three days of downtime.
	now := base.Add(72*time.Hour + time.Minute)

	fired, err := scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	require.Len(t, trigger.events, 1)
	event := trigger.events[0]
	assert.Equal(t, before.Occurrence(), event.ExternalMessageID)
	assert.Equal(t, base.Add(72*time.Hour), event.Timestamp)
	assert.Equal(t, base.Add(72*time.Hour).Format(time.RFC3339), event.Payload["scheduled_at"])

	after, err := store.GetSchedule(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, base.Add(96*time.Hour), after.NextRun)

	fired, err = scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestTick_FailedFireReleasesClaim(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	trigger := &recordingTrigger{err: errors.New("broker unavailable")}
	scheduler := New(store, trigger, log.Discard())
	ctx := context.Background()

	before := dueSchedule(t, store)

	fired, err := scheduler.Tick(ctx, base)
	require.Error(t, err)
	assert.Zero(t, fired)

	after, err := store.GetSchedule(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, before.NextRun, after.NextRun)
	assert.Nil(t, after.LastRun)

	trigger.err = nil

	fired, err = scheduler.Tick(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, before.Occurrence(), trigger.events[0].ExternalMessageID)
}

func TestTick_StaleScheduleIsSkipped(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	trigger := &recordingTrigger{err: workflow.ErrWorkflowInactive}
	scheduler := New(store, trigger, log.Discard())
	ctx := context.Background()

	dueSchedule(t, store)

	fired, err := scheduler.Tick(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, fired)

	after, err := store.GetSchedule(ctx, "daily")
	require.NoError(t, err)
	assert.True(t, after.NextRun.After(base))
}

func TestTick_InvalidCronIsSkipped(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	trigger := &recordingTrigger{}
	scheduler := New(store, trigger, log.Discard())

	require.NoError(t, store.SaveSchedule(context.Background(), &models.ScheduledTrigger{
		ID:       "broken",
		Schedule: "every day",
		NextRun:  base,
		Status:   models.ScheduleStatusActive,
	}))

	fired, err := scheduler.Tick(context.Background(), base)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Zero(t, trigger.count())
}

// countingTrigger forwards to the engine and counts calls.
type countingTrigger struct {
	engine *workflow.Engine
	calls  atomic.Int32
}

func (c *countingTrigger) TriggerNode(ctx context.Context, workflowID, nodeID string, event models.CanonicalInboundEvent) (*models.Run, error) {
	c.calls.Add(1)

	return c.engine.TriggerNode(ctx, workflowID, nodeID, event)
}

func TestTick_TwoReplicasFireOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	broker := queue.NewMemoryBroker()
	manager := queue.NewManager(broker, log.Discard())
	t.Cleanup(func() { _ = manager.Close() })

	bus := eventbus.New(manager, store, log.Discard(), eventbus.WithRoutedKinds(events.NodeCompletedEvent, events.NodeFailedEvent))
	engine := workflow.NewEngine(store, store, bus, manager, log.Discard())

	wf := &models.Workflow{
		ID:     "wf",
		Name:   "daily digest",
		Status: models.WorkflowStatusActive,
		Nodes: []*models.Node{
			{ID: "cron", Type: models.NodeTypeTrigger, Data: map[string]any{"provider": "schedule", "schedule": "0 9 * * *"}},
			{ID: "notify", Type: models.NodeTypeIntegration, Data: map[string]any{"url": "https://example.com/digest"}},
		},
		Edges: []*models.Edge{{ID: "e1", Source: "cron", Target: "notify"}},
	}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	schedule := dueSchedule(t, store)

	trigger := &countingTrigger{engine: engine}
	replicas := []*Scheduler{
		New(store, trigger, log.Discard()),
		New(store, trigger, log.Discard()),
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		total atomic.Int32
	)

	for _, replica := range replicas {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			fired, err := replica.Tick(ctx, base.Add(time.Second))
			assert.NoError(t, err)
			total.Add(int32(fired))
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), total.Load())
	assert.Equal(t, int32(1), trigger.calls.Load())

	received, err := store.List(ctx, persistence.EventFilter{Kind: string(events.TriggerReceivedEvent)})
	require.NoError(t, err)

	occurrences := 0

	for _, event := range received {
		var payload events.TriggerReceived
		require.NoError(t, event.Decode(&payload))

		if payload.Event.Provider == models.ProviderSchedule && payload.Event.ExternalMessageID == schedule.Occurrence() {
			occurrences++
		}
	}

	assert.Equal(t, 1, occurrences)
	assert.Len(t, broker.Pending(events.WebhookDeliveryQueue), 1)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	trigger := &recordingTrigger{}
	scheduler := New(store, trigger, log.Discard(), WithInterval(10*time.Millisecond), WithClock(func() time.Time { return base }))

	dueSchedule(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool { return trigger.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, 1, trigger.count())
}

// claimingSchedules runs claim after Sync has read the stored schedules and
// before it writes them back.
type claimingSchedules struct {
	persistence.ScheduleRepository

	claim func()
}

func (c *claimingSchedules) SchedulesByWorkflow(ctx context.Context, workflowID string) ([]*models.ScheduledTrigger, error) {
	schedules, err := c.ScheduleRepository.SchedulesByWorkflow(ctx, workflowID)
	c.claim()

	return schedules, err
}

func TestSync_KeepsConcurrentClaim(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	trigger := &recordingTrigger{}
	scheduler := New(store, trigger, log.Discard())
	ctx := context.Background()

	wf := &models.Workflow{
		ID:     "wf",
		Status: models.WorkflowStatusActive,
		Nodes: []*models.Node{
			{ID: "cron", Type: models.NodeTypeTrigger, Data: map[string]any{"provider": "schedule", "schedule": "0 9 * * *"}},
		},
	}

	require.NoError(t, Sync(ctx, store, wf, base.Add(-time.Hour)))

	firedAt := base.Add(time.Second)
	schedules := &claimingSchedules{ScheduleRepository: store, claim: func() {
		fired, err := scheduler.Tick(ctx, firedAt)
		assert.NoError(t, err)
		assert.Equal(t, 1, fired)
	}}

	wf.Nodes[0].Data["client_id"] = "team-b"
	require.NoError(t, Sync(ctx, schedules, wf, base.Add(time.Minute)))

	schedule, err := store.GetSchedule(ctx, ScheduleID("wf", "cron"))
	require.NoError(t, err)
	assert.Equal(t, "team-b", schedule.ClientID)
	assert.Equal(t, base.Add(24*time.Hour), schedule.NextRun)
	require.NotNil(t, schedule.LastRun)
	assert.Equal(t, firedAt, *schedule.LastRun)

	fired, err := scheduler.Tick(ctx, firedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, 1, trigger.count())
}

func TestSync(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	ctx := context.Background()

	wf := &models.Workflow{
		ID:     "wf",
		Status: models.WorkflowStatusActive,
		Owner:  "acme",
		Nodes: []*models.Node{
			{ID: "morning", Type: models.NodeTypeTrigger, Data: map[string]any{"provider": "schedule", "schedule": "0 9 * * *"}},
			{ID: "evening", Type: models.NodeTypeTrigger, Data: map[string]any{"provider": "schedule", "schedule": "0 18 * * *", "client_id": "team-b"}},
			{ID: "inbound", Type: models.NodeTypeTrigger, Data: map[string]any{"provider": "whatsapp"}},
		},
	}

	require.NoError(t, Sync(ctx, store, wf, base))

	schedules, err := store.SchedulesByWorkflow(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, ScheduleID("wf", "evening"), schedules[0].ID)
	assert.Equal(t, "team-b", schedules[0].ClientID)
	assert.Equal(t, "acme", schedules[1].ClientID)
	assert.Equal(t, base.Add(24*time.Hour), schedules[1].NextRun)

	// Unchanged expression keeps next_run; removed node drops its schedule.
	wf.Nodes = wf.Nodes[:1]
	require.NoError(t, Sync(ctx, store, wf, base.Add(time.Hour)))

	schedules, err = store.SchedulesByWorkflow(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, base.Add(24*time.Hour), schedules[0].NextRun)

	// Changed expression recomputes next_run.
	wf.Nodes[0].Data = map[string]any{"provider": "schedule", "schedule": "30 9 * * *"}
	require.NoError(t, Sync(ctx, store, wf, base))

	schedule, err := store.GetSchedule(ctx, ScheduleID("wf", "morning"))
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Minute), schedule.NextRun)

	wf.Status = models.WorkflowStatusArchived
	require.NoError(t, Sync(ctx, store, wf, base))

	schedules, err = store.SchedulesByWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Empty(t, schedules)

	wf.Status = models.WorkflowStatusActive
	wf.Nodes[0].Data = map[string]any{"provider": "schedule", "schedule": "not a cron"}
	require.ErrorIs(t, Sync(ctx, store, wf, base), models.ErrInvalidCron)
}
