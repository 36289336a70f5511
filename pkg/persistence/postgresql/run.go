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

// RunRepository stores runs as JSONB state guarded by a revision column.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

func (r *RunRepository) CreateRun(ctx context.Context, run *models.Run) error {
	run.Revision = 1

	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, workflow_version, status, state, revision, started_at, ended_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, run.WorkflowID, run.WorkflowVersion, run.Status, state, run.Revision, run.StartedAt, run.EndedAt, run.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunExists)
		}

		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

func (r *RunRepository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var state []byte

	err := r.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("GetRun", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	return decodeRun(state)
}

func decodeRun(state []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run state: %w", err)
	}

	return &run, nil
}

// UpdateRun writes the run when the stored revision still equals run.Revision.
func (r *RunRepository) UpdateRun(ctx context.Context, run *models.Run) error {
	expected := run.Revision
	run.Revision++

	state, err := json.Marshal(run)
	if err != nil {
		run.Revision = expected

		return fmt.Errorf("failed to marshal run: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $3, state = $4, revision = $5, ended_at = $6, updated_at = $7
		WHERE id = $1 AND revision = $2
	`, run.ID, expected, run.Status, state, run.Revision, run.EndedAt, run.UpdatedAt)
	if err != nil {
		run.Revision = expected

		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		run.Revision = expected

		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 1 {
		return nil
	}

	run.Revision = expected

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, run.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}

	if !exists {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunNotFound)
	}

	return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunConflict)
}

func (r *RunRepository) ListRuns(ctx context.Context, filter persistence.RunFilter) ([]*models.Run, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		conditions = append(conditions, fmt.Sprintf("workflow_id = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT state FROM runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY started_at DESC, id"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.Run, 0)

	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run, err := decodeRun(state)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
