package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

// WorkflowQueryRepository serves workflow reads from the query connection pool.
type WorkflowQueryRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowQueryRepository(db *sql.DB, logger *slog.Logger) *WorkflowQueryRepository {
	return &WorkflowQueryRepository{db: db, logger: logger}
}

// readOnly runs fn inside a read-only transaction.
func (r *WorkflowQueryRepository) readOnly(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin read-only transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func decodeWorkflow(definition []byte) (*models.Workflow, error) {
	var workflow models.Workflow
	if err := json.Unmarshal(definition, &workflow); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}

	return &workflow, nil
}

func (r *WorkflowQueryRepository) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var workflow *models.Workflow

	err := r.readOnly(ctx, func(tx *sql.Tx) error {
		var definition []byte

		err := tx.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = $1`, id).Scan(&definition)
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewWorkflowError("GetWorkflow", id, persistence.ErrWorkflowNotFound)
		}

		if err != nil {
			return fmt.Errorf("failed to query workflow: %w", err)
		}

		workflow, err = decodeWorkflow(definition)

		return err
	})

	return workflow, err
}

func (r *WorkflowQueryRepository) GetWorkflowVersion(ctx context.Context, id string, version int) (*models.Workflow, error) {
	var workflow *models.Workflow

	err := r.readOnly(ctx, func(tx *sql.Tx) error {
		var definition []byte

		err := tx.QueryRowContext(ctx, `
			SELECT definition FROM workflow_versions WHERE workflow_id = $1 AND version = $2
		`, id, version).Scan(&definition)
		if errors.Is(err, sql.ErrNoRows) {
			return &persistence.WorkflowError{Op: "GetWorkflowVersion", WorkflowID: id, Version: version, Err: persistence.ErrWorkflowNotFound}
		}

		if err != nil {
			return fmt.Errorf("failed to query workflow version: %w", err)
		}

		workflow, err = decodeWorkflow(definition)

		return err
	})

	return workflow, err
}

func (r *WorkflowQueryRepository) ListWorkflows(ctx context.Context, filter persistence.WorkflowFilter) ([]*models.Workflow, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if filter.Owner != "" {
		args = append(args, filter.Owner)
		conditions = append(conditions, fmt.Sprintf("owner = $%d", len(args)))
	}

	query := `SELECT definition FROM workflows`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id"

	workflows := make([]*models.Workflow, 0)

	err := r.readOnly(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query workflows: %w", err)
		}

		defer closeRows(ctx, r.logger, rows)

		for rows.Next() {
			var definition []byte
			if err := rows.Scan(&definition); err != nil {
				return fmt.Errorf("failed to scan workflow: %w", err)
			}

			workflow, err := decodeWorkflow(definition)
			if err != nil {
				return err
			}

			workflows = append(workflows, workflow)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return workflows, nil
}
