// Package postgresql provides the PostgreSQL implementation of the persistence repositories.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL. Workflow reads go
// through a separate connection pool in read-only transactions.
type Persistence struct {
	db      *sql.DB
	queryDB *sql.DB
	logger  *slog.Logger

	workflowRepo  *WorkflowRepository
	workflowQuery *WorkflowQueryRepository
	runRepo       *RunRepository
	scheduleRepo  *ScheduleRepository
	eventStore    *EventStore
}

var _ persistence.Persistence = (*Persistence)(nil)

func open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return database, nil
}

// NewPersistence connects the command pool to databaseURL and the query pool to
// queryURL (databaseURL when empty), then runs migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, queryURL string) (*Persistence, error) {
	logger = logger.With("module", "postgresql")

	database, err := open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if queryURL == "" {
		queryURL = databaseURL
	}

	queryDB, err := open(ctx, queryURL)
	if err != nil {
		_ = database.Close()

		return nil, err
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()
		_ = queryDB.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		queryDB:       queryDB,
		logger:        logger,
		workflowRepo:  NewWorkflowRepository(database, logger),
		workflowQuery: NewWorkflowQueryRepository(queryDB, logger),
		runRepo:       NewRunRepository(database, logger),
		scheduleRepo:  NewScheduleRepository(database, logger),
		eventStore:    NewEventStore(database, logger),
	}, nil
}

func (p *Persistence) Workflows() persistence.WorkflowCommands       { return p.workflowRepo }
func (p *Persistence) WorkflowQueries() persistence.WorkflowQueries { return p.workflowQuery }
func (p *Persistence) Runs() persistence.RunRepository              { return p.runRepo }
func (p *Persistence) Schedules() persistence.ScheduleRepository    { return p.scheduleRepo }
func (p *Persistence) Events() persistence.EventStore               { return p.eventStore }

// Close closes both connection pools.
func (p *Persistence) Close(_ context.Context) error {
	var errs []error

	if err := p.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database connection: %w", err))
	}

	if err := p.queryDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close query connection: %w", err))
	}

	return errors.Join(errs...)
}

// HealthCheck verifies the database connections are healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := p.queryDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping query database: %w", err)
	}

	return nil
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

// nullJSON turns a nil map into an empty JSON object.
func nullJSON(raw []byte) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return []byte("{}")
	}

	return raw
}
