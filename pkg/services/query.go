package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

const (
	DefaultRunLimit = 50
	MaxRunLimit     = 500
)

// HealthChecker is a dependency the health endpoint reports on.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Query is the read side of the API. It is backed by the query connection and
// never writes.
type Query struct {
	workflows persistence.WorkflowQueries
	runs      persistence.RunRepository
	events    persistence.EventStore
	health    HealthChecker
}

func NewQuery(p persistence.Persistence) *Query {
	return &Query{
		workflows: p.WorkflowQueries(),
		runs:      p.Runs(),
		events:    p.Events(),
		health:    p,
	}
}

// HealthCheck checks the health of the persistence layer.
func (q *Query) HealthCheck(ctx context.Context) (string, bool) {
	if q.health == nil {
		return "Persistence layer not initialized", false
	}

	if err := q.health.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListWorkflowsRequest filters the workflow list.
type ListWorkflowsRequest struct {
	Owner  string
	Status models.WorkflowStatus
}

func (q *Query) ListWorkflows(ctx context.Context, req ListWorkflowsRequest) ([]*models.Workflow, error) {
	if req.Status != "" && !slices.Contains([]models.WorkflowStatus{
		models.WorkflowStatusDraft,
		models.WorkflowStatusActive,
		models.WorkflowStatusArchived,
	}, req.Status) {
		return nil, NewValidationError("ListWorkflows", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", req.Status), ErrInvalidStatus)
	}

	workflows, err := q.workflows.ListWorkflows(ctx, persistence.WorkflowFilter{Owner: req.Owner, Status: req.Status})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

func (q *Query) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return q.workflows.GetWorkflow(ctx, id)
}

func (q *Query) GetWorkflowVersion(ctx context.Context, id string, version int) (*models.Workflow, error) {
	if version < 1 {
		return nil, NewValidationError("GetWorkflowVersion", "INVALID_VERSION", "version must be positive", ErrInvalidRequest)
	}

	return q.workflows.GetWorkflowVersion(ctx, id, version)
}

func (q *Query) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return q.runs.GetRun(ctx, id)
}

// ListRunsRequest filters the run list. Limit defaults to DefaultRunLimit.
type ListRunsRequest struct {
	WorkflowID string
	Status     models.RunStatus
	Limit      int
}

func (q *Query) ListRuns(ctx context.Context, req ListRunsRequest) ([]*models.Run, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultRunLimit
	}

	if req.Limit > MaxRunLimit {
		req.Limit = MaxRunLimit
	}

	runs, err := q.runs.ListRuns(ctx, persistence.RunFilter{WorkflowID: req.WorkflowID, Status: req.Status, Limit: req.Limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

// RunEvents returns the domain events of a run in append order.
func (q *Query) RunEvents(ctx context.Context, runID string) ([]*models.DomainEvent, error) {
	if _, err := q.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	events, err := q.events.ByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events of run %s: %w", runID, err)
	}

	return events, nil
}
