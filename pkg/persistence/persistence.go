// Package persistence defines the repository contracts used by the courier
// components. The command and query sides of workflows are separate interfaces so
// they can be served by different connections.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/courier/pkg/models"
)

// WorkflowCommands mutates workflows. Every update bumps the version and keeps
// the previous versions readable for runs pinned to them.
type WorkflowCommands interface {
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
}

type WorkflowFilter struct {
	Status models.WorkflowStatus
	Owner  string
}

// WorkflowQueries reads workflows. Implementations never write.
type WorkflowQueries interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	GetWorkflowVersion(ctx context.Context, id string, version int) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error)
}

type RunFilter struct {
	WorkflowID string
	Status     models.RunStatus
	Limit      int
}

// RunRepository stores runs. UpdateRun is a compare-and-swap on Revision: it fails
// with ErrRunConflict when the stored revision differs and bumps Revision on success.
type RunRepository interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)
}

// ScheduleRepository stores scheduled triggers. SaveSchedule never writes last_run of
// an existing schedule and keeps its next_run unless the cron expression changed.
// AdvanceSchedule only writes when the stored next_run still equals expectedNextRun,
// otherwise it returns ErrScheduleRaceLost.
type ScheduleRepository interface {
	SaveSchedule(ctx context.Context, schedule *models.ScheduledTrigger) error
	GetSchedule(ctx context.Context, id string) (*models.ScheduledTrigger, error)
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error)
	SchedulesByWorkflow(ctx context.Context, workflowID string) ([]*models.ScheduledTrigger, error)
	AdvanceSchedule(ctx context.Context, id string, expectedNextRun time.Time, lastRun *time.Time, nextRun time.Time) error
	DeleteSchedule(ctx context.Context, id string) error
	DeleteSchedulesByWorkflow(ctx context.Context, workflowID string) error
}

type EventFilter struct {
	RunID string
	Kind  string
	// AfterSeq returns only events appended after the given sequence number.
	AfterSeq int64
	Limit    int
}

// EventStore is the append-only domain event log. Append assigns Seq and returns
// false, without error, when an event with the same non-empty DedupKey exists.
// List orders by (occurred_at, seq).
type EventStore interface {
	Append(ctx context.Context, event *models.DomainEvent) (bool, error)
	Exists(ctx context.Context, dedupKey string) (bool, error)
	List(ctx context.Context, filter EventFilter) ([]*models.DomainEvent, error)
	ByRun(ctx context.Context, runID string) ([]*models.DomainEvent, error)
}

// Persistence bundles every repository behind one backing store.
type Persistence interface {
	Workflows() WorkflowCommands
	WorkflowQueries() WorkflowQueries
	Runs() RunRepository
	Schedules() ScheduleRepository
	Events() EventStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
