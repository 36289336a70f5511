package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

// EventStore is the append-only domain_events table.
type EventStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewEventStore(db *sql.DB, logger *slog.Logger) *EventStore {
	return &EventStore{db: db, logger: logger}
}

func (s *EventStore) Append(ctx context.Context, event *models.DomainEvent) (bool, error) {
	var (
		runID    sql.NullString
		dedupKey sql.NullString
	)

	if event.RunID != "" {
		runID = sql.NullString{String: event.RunID, Valid: true}
	}

	if event.DedupKey != "" {
		dedupKey = sql.NullString{String: event.DedupKey, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO domain_events (id, run_id, kind, payload, occurred_at, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
		RETURNING seq
	`, event.ID, runID, event.Kind, nullJSON(event.Payload), event.OccurredAt.UTC(), dedupKey).Scan(&event.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to append %s event: %w", event.Kind, err)
	}

	return true, nil
}

func (s *EventStore) Exists(ctx context.Context, dedupKey string) (bool, error) {
	var exists bool

	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM domain_events WHERE dedup_key = $1)`, dedupKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", dedupKey, err)
	}

	return exists, nil
}

func (s *EventStore) List(ctx context.Context, filter persistence.EventFilter) ([]*models.DomainEvent, error) {
	conditions := []string{"seq > $1"}
	args := []any{filter.AfterSeq}

	if filter.RunID != "" {
		args = append(args, filter.RunID)
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", len(args)))
	}

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}

	query := `
		SELECT seq, id, run_id, kind, payload, occurred_at, dedup_key
		FROM domain_events
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY occurred_at, seq`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer closeRows(ctx, s.logger, rows)

	events := make([]*models.DomainEvent, 0)

	for rows.Next() {
		var (
			event    models.DomainEvent
			payload  []byte
			runID    sql.NullString
			dedupKey sql.NullString
		)

		err := rows.Scan(&event.Seq, &event.ID, &runID, &event.Kind, &payload, &event.OccurredAt, &dedupKey)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Payload = payload
		event.RunID = runID.String
		event.DedupKey = dedupKey.String
		event.OccurredAt = event.OccurredAt.UTC()
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func (s *EventStore) ByRun(ctx context.Context, runID string) ([]*models.DomainEvent, error) {
	return s.List(ctx, persistence.EventFilter{RunID: runID})
}
