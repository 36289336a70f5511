package workflow

import (
	"slices"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/template"
)

// Trigger node data keys.
const (
	keyProvider   = "provider"
	keyEventTypes = "event_types"
	keyChannelID  = "channel_id"
	keyMatch      = "match"
)

var defaultEventTypes = []string{
	string(models.EventTypeMessage),
	string(models.EventTypeQuickReply),
	string(models.EventTypePostback),
}

// matchTrigger returns the first trigger node of workflow accepting event.
// Schedule triggers are fired by the scheduler only.
func (e *Engine) matchTrigger(workflow *models.Workflow, event models.CanonicalInboundEvent) *models.Node {
	for _, node := range workflow.TriggerNodes() {
		if e.accepts(workflow, node, event) {
			return node
		}
	}

	return nil
}

func (e *Engine) accepts(workflow *models.Workflow, node *models.Node, event models.CanonicalInboundEvent) bool {
	provider := models.Provider(node.StringData(keyProvider))

	switch provider {
	case models.ProviderSchedule:
		return false
	case "", "any":
	default:
		if provider != event.Provider {
			return false
		}
	}

	eventTypes := node.StringsData(keyEventTypes)
	if len(eventTypes) == 0 {
		eventTypes = defaultEventTypes
	}

	if !slices.Contains(eventTypes, string(event.EventType)) {
		return false
	}

	if channel := node.StringData(keyChannelID); channel != "" && channel != event.ChannelID {
		return false
	}

	condition := node.StringData(keyMatch)
	if condition == "" {
		return true
	}

	data := template.Context{Trigger: event.AsMap(), Variables: workflow.Variables}.Data()

	matched, err := template.EvaluateCondition(condition, data)
	if err != nil {
		e.logger.Warn("trigger match condition failed", "workflow_id", workflow.ID, "node_id", node.ID, "error", err)

		return false
	}

	return matched
}
