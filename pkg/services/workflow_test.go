package services

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newWorkflowService(t *testing.T) (*Workflow, *memory.Persistence) {
	t.Helper()

	r, err := registry.New()
	require.NoError(t, err)

	store := memory.NewPersistence()
	service := NewWorkflow(store, r, validator.New(validator.WithRequiredStructEnabled()), log.Discard(),
		WithClock(func() time.Time { return now }))

	return service, store
}

func digestWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:    "digest",
		Name:  "Daily digest",
		Owner: "acme",
		Nodes: []*models.Node{
			{ID: "cron", Type: models.NodeTypeTrigger, Data: map[string]any{"provider": "schedule", "schedule": "0 9 * * *"}},
			{ID: "push", Type: models.NodeTypeIntegration, Data: map[string]any{"url": "https://example.com/digest"}},
		},
		Edges: []*models.Edge{{ID: "e1", Source: "cron", Target: "push"}},
	}
}

func TestWorkflow_CreateDefaultsToDraft(t *testing.T) {
	t.Parallel()

	service, store := newWorkflowService(t)
	ctx := context.Background()

	workflow := digestWorkflow()
	workflow.ID = ""

	created, err := service.Create(ctx, workflow)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, created.ID, created.Nodes[0].WorkflowID)
	assert.Equal(t, now, created.CreatedAt)

	schedules, err := store.SchedulesByWorkflow(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestWorkflow_CreateValidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(*models.Workflow)
		validation bool
	}{
		{name: "short name", mutate: func(w *models.Workflow) { w.Name = "x" }, validation: true},
		{name: "unknown status", mutate: func(w *models.Workflow) { w.Status = "paused" }, validation: true},
		{name: "no trigger", mutate: func(w *models.Workflow) { w.Nodes = w.Nodes[1:]; w.Edges = nil }, validation: true},
		{name: "cycle", mutate: func(w *models.Workflow) {
			w.Nodes = append(w.Nodes, &models.Node{ID: "echo", Type: models.NodeTypeLogic})
			w.Edges = append(w.Edges,
				&models.Edge{ID: "e2", Source: "push", Target: "echo"},
				&models.Edge{ID: "e3", Source: "echo", Target: "push"})
		}, validation: true},
		{name: "node data", mutate: func(w *models.Workflow) { w.Nodes[1].Data = map[string]any{} }, validation: true},
		{name: "bad cron", mutate: func(w *models.Workflow) { w.Nodes[0].Data["schedule"] = "daily" }, validation: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			service, _ := newWorkflowService(t)
			workflow := digestWorkflow()
			tt.mutate(workflow)

			_, err := service.Create(context.Background(), workflow)
			require.Error(t, err)
			assert.Equal(t, tt.validation, IsValidationError(err), err.Error())
		})
	}
}

func TestWorkflow_ActivateSyncsSchedules(t *testing.T) {
	t.Parallel()

	service, store := newWorkflowService(t)
	ctx := context.Background()

	_, err := service.Create(ctx, digestWorkflow())
	require.NoError(t, err)

	activated, err := service.Activate(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, activated.Status)
	assert.Equal(t, 2, activated.Version)

	schedule, err := store.GetSchedule(ctx, "digest:cron")
	require.NoError(t, err)
	assert.Equal(t, "acme", schedule.ClientID)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), schedule.NextRun)

	again, err := service.Activate(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)

	archived, err := service.Archive(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusArchived, archived.Status)

	schedules, err := store.SchedulesByWorkflow(ctx, "digest")
	require.NoError(t, err)
	assert.Empty(t, schedules)

	_, err = service.Activate(ctx, "digest")
	assert.True(t, IsConflictError(err))
}

func TestWorkflow_UpdateBumpsVersionAndKeepsOldOne(t *testing.T) {
	t.Parallel()

	service, store := newWorkflowService(t)
	ctx := context.Background()

	workflow := digestWorkflow()
	workflow.Status = models.WorkflowStatusActive

	_, err := service.Create(ctx, workflow)
	require.NoError(t, err)

	changed := digestWorkflow()
	changed.Nodes[0].Data["schedule"] = "30 9 * * *"

	updated, err := service.Update(ctx, "digest", changed)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, models.WorkflowStatusActive, updated.Status)

	v1, err := store.GetWorkflowVersion(ctx, "digest", 1)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", v1.Nodes[0].StringData("schedule"))

	schedule, err := store.GetSchedule(ctx, "digest:cron")
	require.NoError(t, err)
	assert.Equal(t, "30 9 * * *", schedule.Schedule)

	stale := digestWorkflow()
	stale.Version = 1

	_, err = service.Update(ctx, "digest", stale)
	require.ErrorIs(t, err, persistence.ErrWorkflowVersionConflict)
	assert.True(t, IsConflictError(err))

	_, err = service.Update(ctx, "missing", digestWorkflow())
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflow_DeleteOnlyDrafts(t *testing.T) {
	t.Parallel()

	service, store := newWorkflowService(t)
	ctx := context.Background()

	_, err := service.Create(ctx, digestWorkflow())
	require.NoError(t, err)

	_, err = service.Activate(ctx, "digest")
	require.NoError(t, err)

	assert.ErrorIs(t, service.Delete(ctx, "digest"), ErrCannotDeleteActive)

	draft := digestWorkflow()
	draft.ID = "draft"

	_, err = service.Create(ctx, draft)
	require.NoError(t, err)
	require.NoError(t, service.Delete(ctx, "draft"))

	_, err = store.GetWorkflow(ctx, "draft")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflow_ImportCreatesThenUpdates(t *testing.T) {
	t.Parallel()

	service, store := newWorkflowService(t)
	ctx := context.Background()

	first := digestWorkflow()
	first.Status = models.WorkflowStatusActive
	require.NoError(t, service.Import(ctx, []*models.Workflow{first}))

	second := digestWorkflow()
	second.Status = models.WorkflowStatusActive
	second.Name = "Daily digest v2"
	require.NoError(t, service.Import(ctx, []*models.Workflow{second}))

	stored, err := store.GetWorkflow(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, "Daily digest v2", stored.Name)
	assert.Equal(t, 2, stored.Version)

	broken := digestWorkflow()
	broken.ID = "broken"
	broken.Nodes = broken.Nodes[1:]
	broken.Edges = nil

	err = service.Import(ctx, []*models.Workflow{broken})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow broken")
}

func TestWorkflow_ValidateDoesNotStore(t *testing.T) {
	t.Parallel()

	service, store := newWorkflowService(t)
	ctx := context.Background()

	require.NoError(t, service.Validate(digestWorkflow()))

	_, err := store.GetWorkflow(ctx, "digest")
	assert.True(t, persistence.IsWorkflowNotFound(err))

	broken := digestWorkflow()
	broken.Nodes = broken.Nodes[1:]
	broken.Edges = nil
	assert.True(t, IsValidationError(service.Validate(broken)))

	assert.ErrorIs(t, service.Validate(nil), ErrWorkflowNil)
}
