package scheduler

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

// Schedule trigger node data keys.
const (
	keySchedule = "schedule"
	keyClientID = "client_id"
)

// ScheduleID is the id of the scheduled trigger backing a trigger node.
func ScheduleID(workflowID, nodeID string) string {
	return workflowID + ":" + nodeID
}

// ScheduleNodes returns the trigger nodes of workflow driven by a cron schedule.
func ScheduleNodes(workflow *models.Workflow) []*models.Node {
	var nodes []*models.Node

	for _, node := range workflow.TriggerNodes() {
		if models.Provider(node.StringData("provider")) == models.ProviderSchedule && node.StringData(keySchedule) != "" {
			nodes = append(nodes, node)
		}
	}

	return nodes
}

// Sync makes the persisted schedules match workflow: an active workflow gets one
// schedule per schedule trigger node, any other status gets none. A schedule
// whose cron expression is unchanged keeps its next_run and status.
func (s *Scheduler) Sync(ctx context.Context, workflow *models.Workflow) error {
	return Sync(ctx, s.schedules, workflow, s.now().UTC())
}

// Sync is the repository-level form of Scheduler.Sync, used where no scheduler runs.
func Sync(ctx context.Context, schedules persistence.ScheduleRepository, workflow *models.Workflow, now time.Time) error {
	if !workflow.IsActive() {
		if err := schedules.DeleteSchedulesByWorkflow(ctx, workflow.ID); err != nil {
			return fmt.Errorf("failed to delete schedules of workflow %s: %w", workflow.ID, err)
		}

		return nil
	}

	existing, err := schedules.SchedulesByWorkflow(ctx, workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to list schedules of workflow %s: %w", workflow.ID, err)
	}

	stored := make(map[string]*models.ScheduledTrigger, len(existing))
	for _, schedule := range existing {
		stored[schedule.ID] = schedule
	}

	for _, node := range ScheduleNodes(workflow) {
		id := ScheduleID(workflow.ID, node.ID)
		expression := node.StringData(keySchedule)

		clientID := node.StringData(keyClientID)
		if clientID == "" {
			clientID = workflow.Owner
		}

		current, ok := stored[id]
		delete(stored, id)

		if ok && current.Schedule == expression {
			current.ClientID = clientID
			current.Data = maps.Clone(node.Data)
			current.UpdatedAt = now

			if err := schedules.SaveSchedule(ctx, current); err != nil {
				return fmt.Errorf("failed to save schedule %s: %w", id, err)
			}

			continue
		}

		schedule, err := models.NewScheduledTrigger(id, workflow.ID, node.ID, clientID, expression, maps.Clone(node.Data), now)
		if err != nil {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}

		if ok {
			schedule.CreatedAt = current.CreatedAt
			schedule.LastRun = current.LastRun
		}

		if err := schedules.SaveSchedule(ctx, schedule); err != nil {
			return fmt.Errorf("failed to save schedule %s: %w", id, err)
		}
	}

	for id := range stored {
		if err := schedules.DeleteSchedule(ctx, id); err != nil {
			return fmt.Errorf("failed to delete schedule %s: %w", id, err)
		}
	}

	return nil
}
