// Package scheduler fires scheduled trigger nodes. Every replica polls the
// persisted schedules; a conditional write on next_run decides which replica
// fires a due occurrence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/workflow"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 100
)

// Trigger starts a run from one trigger node. The workflow engine implements it.
type Trigger interface {
	TriggerNode(ctx context.Context, workflowID, nodeID string, event models.CanonicalInboundEvent) (*models.Run, error)
}

// Metrics receives firing outcomes.
type Metrics interface {
	ScheduleFired(workflowID string)
	ScheduleSkipped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ScheduleFired(string)   {}
func (noopMetrics) ScheduleSkipped(string) {}

type Scheduler struct {
	schedules persistence.ScheduleRepository
	trigger   Trigger
	logger    *slog.Logger
	metrics   Metrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize limits how many due schedules one tick handles.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

func New(schedules persistence.ScheduleRepository, trigger Trigger, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedules: schedules,
		trigger:   trigger,
		logger:    logger.With("module", "scheduler"),
		metrics:   noopMetrics{},
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run ticks until ctx is done. Tick errors are logged; the next tick retries.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.now().UTC()); err != nil {
			s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Tick fires every schedule due at now and returns how many this instance fired.
// Missed occurrences are not backfilled: a schedule fires once and moves to its
// first occurrence after now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.schedules.DueSchedules(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	if len(due) > 0 {
		s.logger.DebugContext(ctx, "processing due schedules", "count", len(due))
	}

	var (
		fired int
		errs  []error
	)

	for _, schedule := range due {
		ok, err := s.fire(ctx, schedule, now)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if ok {
			fired++
		}
	}

	return fired, errors.Join(errs...)
}

// fire claims the due occurrence, then triggers it. A failed trigger hands the
// occurrence back so the next tick retries it under the same idempotency key.
func (s *Scheduler) fire(ctx context.Context, schedule *models.ScheduledTrigger, now time.Time) (bool, error) {
	logger := s.logger.With("schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID, "node_id", schedule.NodeID)

	next, err := schedule.Next(now)
	if err != nil {
		logger.ErrorContext(ctx, "schedule has an invalid cron expression", "schedule", schedule.Schedule, "error", err)
		s.metrics.ScheduleSkipped("invalid_cron")

		return false, nil
	}

	occurrence, err := schedule.LatestDue(now)
	if err != nil {
		return false, fmt.Errorf("failed to resolve occurrence of schedule %s: %w", schedule.ID, err)
	}

	event := Event(schedule, occurrence)
	firedAt := now.UTC()

	err = s.schedules.AdvanceSchedule(ctx, schedule.ID, schedule.NextRun, &firedAt, next)
	if persistence.IsScheduleRaceLost(err) {
		logger.DebugContext(ctx, "schedule claimed by another instance")
		s.metrics.ScheduleSkipped("race_lost")

		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to claim schedule %s: %w", schedule.ID, err)
	}

	if _, err := s.trigger.TriggerNode(ctx, schedule.WorkflowID, schedule.NodeID, event); err != nil {
		if stale(err) {
			logger.WarnContext(ctx, "schedule points at an unavailable trigger", "error", err)
			s.metrics.ScheduleSkipped("stale")

			return false, nil
		}

		revertErr := s.schedules.AdvanceSchedule(ctx, schedule.ID, next, schedule.LastRun, schedule.NextRun)
		if revertErr != nil {
			revertErr = fmt.Errorf("failed to release schedule %s: %w", schedule.ID, revertErr)
		}

		return false, errors.Join(fmt.Errorf("failed to fire schedule %s: %w", schedule.ID, err), revertErr)
	}

	logger.InfoContext(ctx, "schedule fired", "occurrence", event.ExternalMessageID, "next_run", next)
	s.metrics.ScheduleFired(schedule.WorkflowID)

	return true, nil
}

// stale errors mean the schedule outlived its workflow or node; retrying cannot help.
func stale(err error) bool {
	return errors.Is(err, workflow.ErrWorkflowInactive) ||
		errors.Is(err, workflow.ErrTriggerNotFound) ||
		persistence.IsWorkflowNotFound(err)
}

// Event is the synthetic trigger event of the schedule's current due occurrence.
// The idempotency key stays on the stored NextRun; at is the occurrence it stands
// for, the most recent one when ticks were missed.
func Event(schedule *models.ScheduledTrigger, at time.Time) models.CanonicalInboundEvent {
	return models.CanonicalInboundEvent{
		Provider:          models.ProviderSchedule,
		ExternalMessageID: schedule.Occurrence(),
		ChannelID:         schedule.ClientID,
		Timestamp:         at.UTC(),
		EventType:         models.EventTypeMessage,
		Payload: map[string]any{
			"schedule_id":  schedule.ID,
			"schedule":     schedule.Schedule,
			"scheduled_at": at.UTC().Format(time.RFC3339),
			"data":         schedule.Data,
		},
	}
}
