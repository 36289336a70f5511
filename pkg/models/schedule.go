package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleStatus is the state of a scheduled trigger.
type ScheduleStatus string

const (
	ScheduleStatusActive ScheduleStatus = "active"
	ScheduleStatusPaused ScheduleStatus = "paused"
)

var ErrInvalidCron = errors.New("invalid cron expression")

// Five-field cron: minute hour day-of-month month day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduledTrigger is the persisted record that drives a time-based trigger node.
// Only the scheduler advances LastRun and NextRun.
type ScheduledTrigger struct {
	ID         string         `json:"id"          validate:"required"`
	WorkflowID string         `json:"workflow_id" validate:"required"`
	NodeID     string         `json:"node_id"     validate:"required"`
	ClientID   string         `json:"client_id"`
	Data       map[string]any `json:"data"`
	Schedule   string         `json:"schedule"    validate:"required"`
	LastRun    *time.Time     `json:"last_run,omitempty"`
	NextRun    time.Time      `json:"next_run"`
	Status     ScheduleStatus `json:"status"      validate:"required,oneof=active paused"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ParseCron validates a cron expression.
func ParseCron(expression string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidCron, expression, err)
	}

	return schedule, nil
}

// NewScheduledTrigger creates an active trigger whose first occurrence is after now.
func NewScheduledTrigger(id, workflowID, nodeID, clientID, expression string, data map[string]any, now time.Time) (*ScheduledTrigger, error) {
	trigger := &ScheduledTrigger{
		ID:         id,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		ClientID:   clientID,
		Data:       data,
		Schedule:   expression,
		Status:     ScheduleStatusActive,
		Metadata:   map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	next, err := trigger.Next(now)
	if err != nil {
		return nil, err
	}

	trigger.NextRun = next

	return trigger, nil
}

// Next returns the first occurrence strictly after t, in UTC.
func (s *ScheduledTrigger) Next(t time.Time) (time.Time, error) {
	schedule, err := ParseCron(s.Schedule)
	if err != nil {
		return time.Time{}, err
	}

	return schedule.Next(t.UTC()), nil
}

// LatestDue returns the most recent occurrence at or before now, starting from
// NextRun. A trigger that is not due yet returns NextRun.
func (s *ScheduledTrigger) LatestDue(now time.Time) (time.Time, error) {
	schedule, err := ParseCron(s.Schedule)
	if err != nil {
		return time.Time{}, err
	}

	latest := s.NextRun.UTC()
	for next := schedule.Next(latest); !next.After(now.UTC()); next = schedule.Next(next) {
		latest = next
	}

	return latest, nil
}

// IsDue reports whether the trigger should fire at now.
func (s *ScheduledTrigger) IsDue(now time.Time) bool {
	return s.Status == ScheduleStatusActive && !s.NextRun.After(now)
}

// Occurrence returns the idempotency key of the current due occurrence.
func (s *ScheduledTrigger) Occurrence() string {
	return fmt.Sprintf("%s-%d", s.ID, s.NextRun.Unix())
}
