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
)

const scheduleColumns = `
	id
  , workflow_id
  , node_id
  , client_id
  , data
  , schedule
  , last_run
  , next_run
  , status
  , metadata
  , created_at
  , updated_at
`

// ScheduleRepository stores scheduled triggers.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*models.ScheduledTrigger, error) {
	var (
		schedule models.ScheduledTrigger
		data     []byte
		metadata []byte
		lastRun  sql.NullTime
	)

	err := row.Scan(
		&schedule.ID,
		&schedule.WorkflowID,
		&schedule.NodeID,
		&schedule.ClientID,
		&data,
		&schedule.Schedule,
		&lastRun,
		&schedule.NextRun,
		&schedule.Status,
		&metadata,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nullJSON(data), &schedule.Data); err != nil {
		return nil, fmt.Errorf("failed to decode schedule data: %w", err)
	}

	if err := json.Unmarshal(nullJSON(metadata), &schedule.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode schedule metadata: %w", err)
	}

	if lastRun.Valid {
		at := lastRun.Time.UTC()
		schedule.LastRun = &at
	}

	schedule.NextRun = schedule.NextRun.UTC()

	return &schedule, nil
}

func (r *ScheduleRepository) SaveSchedule(ctx context.Context, schedule *models.ScheduledTrigger) error {
	data, err := json.Marshal(schedule.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule data: %w", err)
	}

	metadata, err := json.Marshal(schedule.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule metadata: %w", err)
	}

	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}

	schedule.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_triggers (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			node_id = EXCLUDED.node_id,
			client_id = EXCLUDED.client_id,
			data = EXCLUDED.data,
			schedule = EXCLUDED.schedule,
			next_run = CASE WHEN scheduled_triggers.schedule = EXCLUDED.schedule
				THEN scheduled_triggers.next_run ELSE EXCLUDED.next_run END,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, schedule.ID, schedule.WorkflowID, schedule.NodeID, schedule.ClientID, nullJSON(data), schedule.Schedule,
		schedule.LastRun, schedule.NextRun, schedule.Status, nullJSON(metadata), schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save scheduled trigger: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) GetSchedule(ctx context.Context, id string) (*models.ScheduledTrigger, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_triggers WHERE id = $1`, id)

	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewScheduleError("GetSchedule", id, persistence.ErrScheduleNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled trigger: %w", err)
	}

	return schedule, nil
}

func (r *ScheduleRepository) list(ctx context.Context, query string, args ...any) ([]*models.ScheduledTrigger, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled triggers: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	schedules := make([]*models.ScheduledTrigger, 0)

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled trigger: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled triggers: %w", err)
	}

	return schedules, nil
}

func (r *ScheduleRepository) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error) {
	if limit <= 0 {
		limit = 100
	}

	return r.list(ctx, `
		SELECT `+scheduleColumns+`
		FROM scheduled_triggers
		WHERE status = $1 AND next_run <= $2
		ORDER BY next_run
		LIMIT $3
	`, models.ScheduleStatusActive, now.UTC(), limit)
}

func (r *ScheduleRepository) SchedulesByWorkflow(ctx context.Context, workflowID string) ([]*models.ScheduledTrigger, error) {
	return r.list(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_triggers WHERE workflow_id = $1 ORDER BY id
	`, workflowID)
}

// AdvanceSchedule is the check-and-set on next_run that keeps scheduler replicas from double firing.
func (r *ScheduleRepository) AdvanceSchedule(ctx context.Context, id string, expectedNextRun time.Time, lastRun *time.Time, nextRun time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_triggers
		SET next_run = $3, last_run = $4, updated_at = NOW()
		WHERE id = $1 AND next_run = $2
	`, id, expectedNextRun.UTC(), nextRun.UTC(), lastRun)
	if err != nil {
		return fmt.Errorf("failed to advance scheduled trigger: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 1 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_triggers WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check scheduled trigger: %w", err)
	}

	if !exists {
		return persistence.NewScheduleError("AdvanceSchedule", id, persistence.ErrScheduleNotFound)
	}

	return persistence.NewScheduleError("AdvanceSchedule", id, persistence.ErrScheduleRaceLost)
}

func (r *ScheduleRepository) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled trigger: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) DeleteSchedulesByWorkflow(ctx context.Context, workflowID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled triggers: %w", err)
	}

	return nil
}
