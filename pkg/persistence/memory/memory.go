// Package memory provides an in-process implementation of every persistence
// repository, used by tests and single-process development setups.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

type Persistence struct {
	mu sync.RWMutex

	workflows map[string]*models.Workflow
	versions  map[string]map[int]*models.Workflow
	runs      map[string]*models.Run
	schedules map[string]*models.ScheduledTrigger
	events    []*models.DomainEvent
	dedup     map[string]struct{}
	seq       int64
}

var _ persistence.Persistence = (*Persistence)(nil)

func NewPersistence() *Persistence {
	return &Persistence{
		workflows: map[string]*models.Workflow{},
		versions:  map[string]map[int]*models.Workflow{},
		runs:      map[string]*models.Run{},
		schedules: map[string]*models.ScheduledTrigger{},
		dedup:     map[string]struct{}{},
	}
}

func (p *Persistence) Workflows() persistence.WorkflowCommands       { return p }
func (p *Persistence) WorkflowQueries() persistence.WorkflowQueries { return p }
func (p *Persistence) Runs() persistence.RunRepository              { return p }
func (p *Persistence) Schedules() persistence.ScheduleRepository    { return p }
func (p *Persistence) Events() persistence.EventStore               { return p }

func (p *Persistence) HealthCheck(context.Context) error { return nil }
func (p *Persistence) Close(context.Context) error       { return nil }

func (p *Persistence) CreateWorkflow(_ context.Context, workflow *models.Workflow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workflows[workflow.ID]; exists {
		return persistence.NewWorkflowError("CreateWorkflow", workflow.ID, persistence.ErrWorkflowAlreadyExists)
	}

	if workflow.Version == 0 {
		workflow.Version = 1
	}

	p.storeWorkflow(workflow)

	return nil
}

func (p *Persistence) UpdateWorkflow(_ context.Context, workflow *models.Workflow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, exists := p.workflows[workflow.ID]
	if !exists {
		return persistence.NewWorkflowError("UpdateWorkflow", workflow.ID, persistence.ErrWorkflowNotFound)
	}

	if workflow.Version != current.Version {
		return persistence.NewWorkflowError("UpdateWorkflow", workflow.ID, persistence.ErrWorkflowVersionConflict)
	}

	workflow.Version = current.Version + 1
	p.storeWorkflow(workflow)

	return nil
}

func (p *Persistence) storeWorkflow(workflow *models.Workflow) {
	stored := workflow.Clone()
	p.workflows[workflow.ID] = stored

	if p.versions[workflow.ID] == nil {
		p.versions[workflow.ID] = map[int]*models.Workflow{}
	}

	p.versions[workflow.ID][workflow.Version] = stored
}

func (p *Persistence) DeleteWorkflow(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workflows[id]; !exists {
		return persistence.NewWorkflowError("DeleteWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	delete(p.workflows, id)
	delete(p.versions, id)

	return nil
}

func (p *Persistence) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workflow, exists := p.workflows[id]
	if !exists {
		return nil, persistence.NewWorkflowError("GetWorkflow", id, persistence.ErrWorkflowNotFound)
	}

	return workflow.Clone(), nil
}

func (p *Persistence) GetWorkflowVersion(_ context.Context, id string, version int) (*models.Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workflow, exists := p.versions[id][version]
	if !exists {
		return nil, &persistence.WorkflowError{Op: "GetWorkflowVersion", WorkflowID: id, Version: version, Err: persistence.ErrWorkflowNotFound}
	}

	return workflow.Clone(), nil
}

func (p *Persistence) ListWorkflows(_ context.Context, filter persistence.WorkflowFilter) ([]*models.Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(p.workflows))

	for _, id := range slices.Sorted(maps.Keys(p.workflows)) {
		workflow := p.workflows[id]

		if filter.Status != "" && workflow.Status != filter.Status {
			continue
		}

		if filter.Owner != "" && workflow.Owner != filter.Owner {
			continue
		}

		workflows = append(workflows, workflow.Clone())
	}

	return workflows, nil
}

func (p *Persistence) CreateRun(_ context.Context, run *models.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.runs[run.ID]; exists {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrRunExists)
	}

	run.Revision = 1
	p.runs[run.ID] = run.Clone()

	return nil
}

func (p *Persistence) GetRun(_ context.Context, id string) (*models.Run, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	run, exists := p.runs[id]
	if !exists {
		return nil, persistence.NewRunError("GetRun", id, persistence.ErrRunNotFound)
	}

	return run.Clone(), nil
}

func (p *Persistence) UpdateRun(_ context.Context, run *models.Run) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, exists := p.runs[run.ID]
	if !exists {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunNotFound)
	}

	if stored.Revision != run.Revision {
		return persistence.NewRunError("UpdateRun", run.ID, persistence.ErrRunConflict)
	}

	run.Revision++
	p.runs[run.ID] = run.Clone()

	return nil
}

func (p *Persistence) ListRuns(_ context.Context, filter persistence.RunFilter) ([]*models.Run, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	runs := make([]*models.Run, 0)

	for _, run := range p.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}

		if filter.Status != "" && run.Status != filter.Status {
			continue
		}

		runs = append(runs, run.Clone())
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}

		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}

	return runs, nil
}

func copySchedule(schedule *models.ScheduledTrigger) *models.ScheduledTrigger {
	copied := *schedule

	if schedule.LastRun != nil {
		lastRun := *schedule.LastRun
		copied.LastRun = &lastRun
	}

	return &copied
}

func (p *Persistence) SaveSchedule(_ context.Context, schedule *models.ScheduledTrigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	saved := copySchedule(schedule)

	if stored, exists := p.schedules[schedule.ID]; exists {
		saved.LastRun = stored.LastRun
		saved.CreatedAt = stored.CreatedAt

		if stored.Schedule == schedule.Schedule {
			saved.NextRun = stored.NextRun
		}
	}

	p.schedules[schedule.ID] = saved

	return nil
}

func (p *Persistence) GetSchedule(_ context.Context, id string) (*models.ScheduledTrigger, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	schedule, exists := p.schedules[id]
	if !exists {
		return nil, persistence.NewScheduleError("GetSchedule", id, persistence.ErrScheduleNotFound)
	}

	return copySchedule(schedule), nil
}

func (p *Persistence) DueSchedules(_ context.Context, now time.Time, limit int) ([]*models.ScheduledTrigger, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	due := make([]*models.ScheduledTrigger, 0)

	for _, schedule := range p.schedules {
		if schedule.IsDue(now) {
			due = append(due, copySchedule(schedule))
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRun.Before(due[j].NextRun)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (p *Persistence) SchedulesByWorkflow(_ context.Context, workflowID string) ([]*models.ScheduledTrigger, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	schedules := make([]*models.ScheduledTrigger, 0)

	for _, id := range slices.Sorted(maps.Keys(p.schedules)) {
		if p.schedules[id].WorkflowID == workflowID {
			schedules = append(schedules, copySchedule(p.schedules[id]))
		}
	}

	return schedules, nil
}

func (p *Persistence) AdvanceSchedule(_ context.Context, id string, expectedNextRun time.Time, lastRun *time.Time, nextRun time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	schedule, exists := p.schedules[id]
	if !exists {
		return persistence.NewScheduleError("AdvanceSchedule", id, persistence.ErrScheduleNotFound)
	}

	if !schedule.NextRun.Equal(expectedNextRun) {
		return persistence.NewScheduleError("AdvanceSchedule", id, persistence.ErrScheduleRaceLost)
	}

	updated := copySchedule(schedule)
	updated.NextRun = nextRun
	updated.LastRun = nil

	if lastRun != nil {
		at := *lastRun
		updated.LastRun = &at
	}

	updated.UpdatedAt = time.Now().UTC()
	p.schedules[id] = updated

	return nil
}

func (p *Persistence) DeleteSchedule(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.schedules, id)

	return nil
}

func (p *Persistence) DeleteSchedulesByWorkflow(_ context.Context, workflowID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, schedule := range p.schedules {
		if schedule.WorkflowID == workflowID {
			delete(p.schedules, id)
		}
	}

	return nil
}

func (p *Persistence) Append(_ context.Context, event *models.DomainEvent) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.DedupKey != "" {
		if _, exists := p.dedup[event.DedupKey]; exists {
			return false, nil
		}

		p.dedup[event.DedupKey] = struct{}{}
	}

	p.seq++
	event.Seq = p.seq

	stored := *event
	stored.Payload = slices.Clone(event.Payload)
	p.events = append(p.events, &stored)

	return true, nil
}

func (p *Persistence) Exists(_ context.Context, dedupKey string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, exists := p.dedup[dedupKey]

	return exists, nil
}

func (p *Persistence) List(_ context.Context, filter persistence.EventFilter) ([]*models.DomainEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	events := make([]*models.DomainEvent, 0)

	for _, event := range p.events {
		if filter.RunID != "" && event.RunID != filter.RunID {
			continue
		}

		if filter.Kind != "" && event.Kind != filter.Kind {
			continue
		}

		if event.Seq <= filter.AfterSeq {
			continue
		}

		copied := *event
		events = append(events, &copied)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}

	return events, nil
}

func (p *Persistence) ByRun(ctx context.Context, runID string) ([]*models.DomainEvent, error) {
	return p.List(ctx, persistence.EventFilter{RunID: runID})
}
