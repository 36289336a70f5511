package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// WorkflowRepository handles workflow writes.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// CreateWorkflow inserts the workflow and its first version snapshot.
func (r *WorkflowRepository) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.Version == 0 {
		workflow.Version = 1
	}

	definition, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, status, version, owner, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, workflow.ID, workflow.Name, workflow.Status, workflow.Version, workflow.Owner, definition, workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewWorkflowError("CreateWorkflow", workflow.ID, persistence.ErrWorkflowAlreadyExists)
		}

		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	if err := insertVersion(ctx, tx, workflow, definition); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}

	return nil
}

// UpdateWorkflow stores a new version when workflow.Version still matches the stored one.
func (r *WorkflowRepository) UpdateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	previous := workflow.Version
	next := *workflow
	next.Version = previous + 1
	next.UpdatedAt = time.Now().UTC()

	definition, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE workflows
		SET name = $3, status = $4, version = $5, owner = $6, definition = $7, updated_at = $8
		WHERE id = $1 AND version = $2
	`, next.ID, previous, next.Name, next.Status, next.Version, next.Owner, definition, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		var exists bool

		err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, next.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check workflow: %w", err)
		}

		if !exists {
			return persistence.NewWorkflowError("UpdateWorkflow", next.ID, persistence.ErrWorkflowNotFound)
		}

		return persistence.NewWorkflowError("UpdateWorkflow", next.ID, persistence.ErrWorkflowVersionConflict)
	}

	if err := insertVersion(ctx, tx, &next, definition); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}

	*workflow = next

	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, workflow *models.Workflow, definition []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, definition) VALUES ($1, $2, $3)
	`, workflow.ID, workflow.Version, definition)
	if err != nil {
		return fmt.Errorf("failed to insert workflow version: %w", err)
	}

	return nil
}

func (r *WorkflowRepository) DeleteWorkflow(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}
