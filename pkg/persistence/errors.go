package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyExists indicates a workflow with the same identifier already exists.
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")

	// ErrWorkflowVersionConflict indicates the workflow changed since it was read.
	ErrWorkflowVersionConflict = errors.New("workflow version conflict")

	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already exists")

	// ErrRunConflict indicates a concurrent writer updated the run first.
	ErrRunConflict = errors.New("run revision conflict")

	ErrScheduleNotFound = errors.New("scheduled trigger not found")

	// ErrScheduleRaceLost indicates another scheduler instance already advanced the trigger.
	ErrScheduleRaceLost = errors.New("schedule race lost")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetWorkflow", "UpdateWorkflow")
	WorkflowID string
	Version    int
	Err        error
}

func (e *WorkflowError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s operation failed for workflow %s version %d: %v", e.Op, e.WorkflowID, e.Version, e.Err)
	}

	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Err: err}
}

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op    string
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// ScheduleError wraps scheduled trigger errors.
type ScheduleError struct {
	Op         string
	ScheduleID string
	Err        error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("%s operation failed for scheduled trigger %s: %v", e.Op, e.ScheduleID, e.Err)
}

func (e *ScheduleError) Unwrap() error {
	return e.Err
}

func (e *ScheduleError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewScheduleError(op, scheduleID string, err error) *ScheduleError {
	return &ScheduleError{Op: op, ScheduleID: scheduleID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

func IsRunConflict(err error) bool {
	return errors.Is(err, ErrRunConflict)
}

// IsScheduleRaceLost reports whether a conditional schedule write lost to another instance.
func IsScheduleRaceLost(err error) bool {
	return errors.Is(err, ErrScheduleRaceLost)
}
