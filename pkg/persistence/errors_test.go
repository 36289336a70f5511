package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowError(t *testing.T) {
	t.Parallel()

	err := NewWorkflowError("GetWorkflow", "wf-1", ErrWorkflowNotFound)

	assert.Equal(t, "GetWorkflow operation failed for workflow wf-1: workflow not found", err.Error())
	assert.True(t, IsWorkflowNotFound(err))
	assert.True(t, IsWorkflowNotFound(fmt.Errorf("wrapped: %w", err)))
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	versioned := &WorkflowError{Op: "GetWorkflowVersion", WorkflowID: "wf-1", Version: 3, Err: ErrWorkflowNotFound}
	assert.Contains(t, versioned.Error(), "version 3")
}

func TestRunError(t *testing.T) {
	t.Parallel()

	err := NewRunError("UpdateRun", "run-1", ErrRunConflict)

	assert.True(t, IsRunConflict(err))
	assert.False(t, IsRunNotFound(err))
	assert.Equal(t, ErrRunConflict, errors.Unwrap(err))
}

func TestScheduleError(t *testing.T) {
	t.Parallel()

	err := NewScheduleError("AdvanceSchedule", "st-1", ErrScheduleRaceLost)

	assert.True(t, IsScheduleRaceLost(err))
	assert.Contains(t, err.Error(), "st-1")
}
