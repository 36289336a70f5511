package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/registry"
	"github.com/dukex/courier/pkg/scheduler"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Workflow is the command side of workflow management. Every change that
// affects the status or the trigger nodes of a workflow re-syncs its schedules.
type Workflow struct {
	commands  persistence.WorkflowCommands
	queries   persistence.WorkflowQueries
	schedules persistence.ScheduleRepository
	registry  *registry.Registry
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

type WorkflowOption func(*Workflow)

func WithClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		w.now = now
	}
}

// NewWorkflow creates a new workflow service. Reads go through the query side of
// p; a read from a lagging replica surfaces as a version conflict on write.
func NewWorkflow(
	p persistence.Persistence,
	registry *registry.Registry,
	validate *validator.Validate,
	logger *slog.Logger,
	opts ...WorkflowOption,
) *Workflow {
	w := &Workflow{
		commands:  p.Workflows(),
		queries:   p.WorkflowQueries(),
		schedules: p.Schedules(),
		registry:  registry,
		validate:  validate,
		logger:    logger.With("module", "workflow_service"),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// check runs struct validation, graph validation and node schema validation.
func (w *Workflow) check(op string, workflow *models.Workflow) error {
	if workflow == nil {
		return ErrWorkflowNil
	}

	if err := w.validate.Struct(workflow); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return NewValidationError(op, "INVALID_WORKFLOW", validationErrors.Error(), ErrInvalidRequest)
		}

		return NewValidationError(op, "INVALID_WORKFLOW", err.Error(), ErrInvalidRequest)
	}

	if err := workflow.ValidateGraph(); err != nil {
		return NewValidationError(op, "INVALID_GRAPH", err.Error(), errors.Join(ErrInvalidGraph, err))
	}

	if err := w.registry.ValidateWorkflow(workflow); err != nil {
		return NewValidationError(op, "INVALID_NODE_DATA", err.Error(), err)
	}

	for _, node := range scheduler.ScheduleNodes(workflow) {
		if _, err := models.ParseCron(node.StringData("schedule")); err != nil {
			return NewValidationError(op, "INVALID_SCHEDULE", fmt.Sprintf("node %s: %v", node.ID, err), err)
		}
	}

	return nil
}

// Validate checks a workflow definition without storing it.
func (w *Workflow) Validate(workflow *models.Workflow) error {
	if workflow != nil {
		stamp(workflow)
	}

	return w.check("Validate", workflow)
}

func stamp(workflow *models.Workflow) {
	for _, node := range workflow.Nodes {
		node.WorkflowID = workflow.ID
	}
}

// Create stores a new workflow. A missing id is generated and a missing status
// defaults to draft.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	now := w.now().UTC()

	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusDraft
	}

	workflow.Version = 0
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	stamp(workflow)

	if err := w.check("Create", workflow); err != nil {
		return nil, err
	}

	if err := w.commands.CreateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	if err := w.sync(ctx, workflow); err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "workflow created", "workflow_id", workflow.ID, "status", workflow.Status)

	return workflow, nil
}

// Update replaces the graph of a workflow and bumps its version. A zero
// workflow.Version means "the current version"; any other value must match it.
func (w *Workflow) Update(ctx context.Context, workflowID string, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	existing, err := w.queries.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if existing.Status == models.WorkflowStatusArchived {
		return nil, ErrCannotModifyArchived
	}

	workflow.ID = workflowID
	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = w.now().UTC()

	if workflow.Version == 0 {
		workflow.Version = existing.Version
	}

	if workflow.Status == "" {
		workflow.Status = existing.Status
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return nil, NewValidationError("Update", "INVALID_STATUS", "use archive to retire a workflow", ErrInvalidStatus)
	}

	stamp(workflow)

	if err := w.check("Update", workflow); err != nil {
		return nil, err
	}

	if err := w.commands.UpdateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	if err := w.sync(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// Activate makes a workflow eligible for trigger matching.
func (w *Workflow) Activate(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return w.transition(ctx, "Activate", workflowID, models.WorkflowStatusActive)
}

// Archive retires a workflow and removes its schedules. Runs already started
// continue on their pinned version.
func (w *Workflow) Archive(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return w.transition(ctx, "Archive", workflowID, models.WorkflowStatusArchived)
}

func (w *Workflow) transition(ctx context.Context, op, workflowID string, status models.WorkflowStatus) (*models.Workflow, error) {
	workflow, err := w.queries.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Status == status {
		return workflow, nil
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return nil, ErrCannotModifyArchived
	}

	workflow.Status = status
	workflow.UpdatedAt = w.now().UTC()

	if status == models.WorkflowStatusActive {
		if err := w.check(op, workflow); err != nil {
			return nil, err
		}
	}

	if err := w.commands.UpdateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to %s workflow: %w", status, err)
	}

	if err := w.sync(ctx, workflow); err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "workflow status changed", "workflow_id", workflowID, "status", status, "version", workflow.Version)

	return workflow, nil
}

// Delete removes a draft workflow.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	existing, err := w.queries.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	if existing.Status != models.WorkflowStatusDraft {
		return ErrCannotDeleteActive
	}

	if err := w.commands.DeleteWorkflow(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	if err := w.schedules.DeleteSchedulesByWorkflow(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete schedules: %w", err)
	}

	return nil
}

// Import creates or updates workflows loaded from definition files.
func (w *Workflow) Import(ctx context.Context, definitions []*models.Workflow) error {
	var errs []error

	for _, definition := range definitions {
		existing, err := w.queries.GetWorkflow(ctx, definition.ID)

		switch {
		case persistence.IsWorkflowNotFound(err):
			_, err = w.Create(ctx, definition)
		case err == nil && existing.Status == models.WorkflowStatusArchived:
			w.logger.InfoContext(ctx, "skipping archived workflow definition", "workflow_id", definition.ID)

			continue
		case err == nil:
			definition.Version = 0
			_, err = w.Update(ctx, definition.ID, definition)
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", definition.ID, err))
		}
	}

	return errors.Join(errs...)
}

func (w *Workflow) sync(ctx context.Context, workflow *models.Workflow) error {
	if err := scheduler.Sync(ctx, w.schedules, workflow, w.now().UTC()); err != nil {
		return fmt.Errorf("failed to sync schedules of workflow %s: %w", workflow.ID, err)
	}

	return nil
}
