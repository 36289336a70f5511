package services

import (
	"context"
	"strings"

	"github.com/dukex/courier/pkg/models"
)

// Canceller cancels runs. The workflow engine implements it.
type Canceller interface {
	Cancel(ctx context.Context, runID, reason string) (*models.Run, error)
}

// Run is the command side of run management.
type Run struct {
	engine Canceller
}

func NewRun(engine Canceller) *Run {
	return &Run{engine: engine}
}

// Cancel stops a run. Completions of jobs still in flight are discarded.
func (r *Run) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by request"
	}

	return r.engine.Cancel(ctx, runID, reason)
}
