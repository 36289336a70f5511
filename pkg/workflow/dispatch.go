package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dukex/courier/pkg/agent"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/queue"
	"github.com/dukex/courier/pkg/template"
)

// Node data keys.
const (
	keyCondition   = "condition"
	keyOutput      = "output"
	keyPrompt      = "prompt"
	keyConfig      = "config"
	keyKind        = "kind"
	keyText        = "text"
	keyTo          = "to"
	keyURL         = "url"
	keyMethod      = "method"
	keyHeaders     = "headers"
	keyBody        = "body"
	keyMaxAttempts = "max_attempts"
	keyTimeout     = "timeout"
)

// Action node kinds.
const (
	ActionReply   = "reply"
	ActionWebhook = "webhook"
)

const defaultReplyText = "{{ .last.reply }}"

// builder turns a ready node into the queue and payload of its job.
type builder func(a *advancer, node *models.Node, tc template.Context) (string, any, error)

// builders is the dispatch table of queued node types. Logic nodes are evaluated
// inline and trigger nodes are settled when the run starts.
var builders = map[models.NodeType]builder{
	models.NodeTypeAI:          (*advancer).agentRequest,
	models.NodeTypeAction:      (*advancer).action,
	models.NodeTypeIntegration: (*advancer).delivery,
}

// dispatch moves a ready node forward. It reports true when the node settled
// inline and its successors can be propagated right away.
func (a *advancer) dispatch(nodeID string) (bool, error) {
	node, ok := a.workflow.Node(nodeID)
	if !ok {
		return false, nodeErrorf(nodeID, "node not found in workflow version %d", a.workflow.Version)
	}

	tc := a.context(a.lastOutput(nodeID))

	if node.Type == models.NodeTypeLogic {
		return true, a.evaluate(node, tc)
	}

	build, ok := builders[node.Type]
	if !ok {
		return false, nodeErrorf(nodeID, "%s nodes cannot be dispatched", node.Type)
	}

	queueName, payload, err := build(a, node, tc)
	if err != nil {
		return false, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return false, nodeErrorf(nodeID, "failed to encode job: %w", err)
	}

	a.run.MarkDispatched(nodeID, queueName, JobID(a.run.ID, nodeID), raw, a.now)
	a.plan.save = true

	state, _ := a.run.Node(nodeID)
	a.enqueue(node, nodeID, state)

	return false, nil
}

// evaluate settles a logic node. Its output carries the condition result and any
// rendered data.output fields.
func (a *advancer) evaluate(node *models.Node, tc template.Context) error {
	data := tc.Data()

	result, err := template.EvaluateCondition(node.StringData(keyCondition), data)
	if err != nil {
		return nodeErrorf(node.ID, "condition: %w", err)
	}

	output := map[string]any{"result": result}

	if fields := node.MapData(keyOutput); fields != nil {
		rendered, err := template.RenderFields(fields, data)
		if err != nil {
			return nodeErrorf(node.ID, "output: %w", err)
		}

		maps.Copy(output, rendered)
	}

	a.run.Settle(node.ID, models.NodeRunCompleted, output, "", a.now)
	a.plan.save = true
	a.record(eventKey(events.NodeEvaluatedEvent, a.run.ID, node.ID), events.NodeEvaluated{NodeID: node.ID, Output: output})

	return nil
}

func (a *advancer) ref(node *models.Node) events.NodeRef {
	return events.NodeRef{RunID: a.run.ID, NodeID: node.ID}
}

func (a *advancer) agentRequest(node *models.Node, tc template.Context) (string, any, error) {
	data := tc.Data()

	input, err := renderOr(node.StringData(keyPrompt), a.run.TriggerEvent.Text(), data)
	if err != nil {
		return "", nil, nodeErrorf(node.ID, "prompt: %w", err)
	}

	config, err := renderMap(node.MapData(keyConfig), data)
	if err != nil {
		return "", nil, nodeErrorf(node.ID, "config: %w", err)
	}

	request := agent.Request{
		RunID:       a.run.ID,
		NodeID:      node.ID,
		WorkflowID:  a.run.WorkflowID,
		UserID:      a.run.TriggerEvent.SenderID,
		Input:       input,
		ChatHistory: a.chatHistory(),
		Config:      config,
	}

	return events.AgentRequestQueue, request, nil
}

// chatHistory replays the earlier AI turns of the run in settle order.
func (a *advancer) chatHistory() []agent.Message {
	type turn struct {
		at       time.Time
		messages []agent.Message
	}

	var turns []turn

	for nodeID, state := range a.run.Nodes {
		node, ok := a.workflow.Node(nodeID)
		if !ok || node.Type != models.NodeTypeAI || state.Status != models.NodeRunCompleted || state.SettledAt == nil {
			continue
		}

		var request agent.Request
		if err := json.Unmarshal(state.Payload, &request); err != nil {
			continue
		}

		reply, _ := state.Output["reply"].(string)
		turns = append(turns, turn{
			at: *state.SettledAt,
			messages: []agent.Message{
				{Role: "user", Content: request.Input},
				{Role: "assistant", Content: reply},
			},
		})
	}

	slices.SortFunc(turns, func(x, y turn) int {
		return x.at.Compare(y.at)
	})

	var history []agent.Message
	for _, t := range turns {
		history = append(history, t.messages...)
	}

	return history
}

func (a *advancer) action(node *models.Node, tc template.Context) (string, any, error) {
	switch kind := node.StringData(keyKind); kind {
	case "", ActionReply:
		return a.reply(node, tc)
	case ActionWebhook:
		return a.delivery(node, tc)
	default:
		return "", nil, nodeErrorf(node.ID, "unknown action kind %q", kind)
	}
}

// reply answers the trigger sender through the trigger channel unless the node
// names another recipient or provider.
func (a *advancer) reply(node *models.Node, tc template.Context) (string, any, error) {
	data := tc.Data()
	trigger := a.run.TriggerEvent

	textTemplate := node.StringData(keyText)
	if textTemplate == "" {
		textTemplate = defaultReplyText
	}

	text, err := template.RenderString(textTemplate, data)
	if err != nil {
		return "", nil, nodeErrorf(node.ID, "text: %w", err)
	}

	if strings.TrimSpace(text) == "" {
		return "", nil, nodeErrorf(node.ID, "reply text is empty")
	}

	to, err := renderOr(node.StringData(keyTo), trigger.SenderID, data)
	if err != nil {
		return "", nil, nodeErrorf(node.ID, "to: %w", err)
	}

	if to == "" {
		return "", nil, nodeErrorf(node.ID, "reply has no recipient")
	}

	provider := models.Provider(node.StringData(keyProvider))
	if provider == "" {
		provider = trigger.Provider
	}

	channel, err := renderOr(node.StringData(keyChannelID), "", data)
	if err != nil {
		return "", nil, nodeErrorf(node.ID, "channel_id: %w", err)
	}

	if channel == "" && provider == trigger.Provider {
		channel = trigger.ChannelID
	}

	job := events.OutboundJob{
		NodeRef: a.ref(node),
		Message: models.OutboundMessage{To: to, Text: text, Provider: provider, ChannelID: channel},
	}

	return events.OutboundQueue, job, nil
}

// delivery calls an external HTTP endpoint. Without data.body the run context is sent.
func (a *advancer) delivery(node *models.Node, tc template.Context) (string, any, error) {
	data := tc.Data()

	url, err := renderOr(node.StringData(keyURL), "", data)
	if err != nil {
		return "", nil, nodeErrorf(node.ID, "url: %w", err)
	}

	if url == "" {
		return "", nil, nodeErrorf(node.ID, "url is required")
	}

	method := strings.ToUpper(node.StringData(keyMethod))
	if method == "" {
		method = http.MethodPost
	}

	rendered, err := renderMap(node.MapData(keyHeaders), data)
	if err != nil {
		return "", nil, nodeErrorf(node.ID, "headers: %w", err)
	}

	headers := make(map[string]string, len(rendered))
	for key, value := range rendered {
		headers[key] = fmt.Sprint(value)
	}

	body, err := renderMap(node.MapData(keyBody), data)
	if err != nil {
		return "", nil, nodeErrorf(node.ID, "body: %w", err)
	}

	if body == nil {
		body = map[string]any{
			"run_id":      a.run.ID,
			"workflow_id": a.run.WorkflowID,
			"node_id":     node.ID,
			"trigger":     a.run.TriggerEvent.AsMap(),
			"nodes":       a.run.Outputs(),
		}
	}

	job := events.DeliveryJob{
		NodeRef: a.ref(node),
		URL:     url,
		Method:  method,
		Headers: headers,
		Body:    body,
	}

	return events.WebhookDeliveryQueue, job, nil
}

// nodePolicy is the engine policy with the node's max_attempts and timeout applied.
func (e *Engine) nodePolicy(node *models.Node) queue.Policy {
	policy := e.policy
	if node == nil {
		return policy
	}

	if attempts, ok := node.IntData(keyMaxAttempts); ok && attempts > 0 {
		policy.MaxAttempts = attempts
	}

	if raw := node.StringData(keyTimeout); raw != "" {
		if timeout, err := time.ParseDuration(raw); err == nil && timeout > 0 {
			policy.Timeout = timeout
		}
	}

	return policy
}

// renderOr renders tmpl, or returns fallback verbatim when tmpl is empty.
func renderOr(tmpl, fallback string, data map[string]any) (string, error) {
	if tmpl == "" {
		return fallback, nil
	}

	return template.RenderString(tmpl, data)
}

func renderMap(fields, data map[string]any) (map[string]any, error) {
	if fields == nil {
		return nil, nil
	}

	return template.RenderFields(fields, data)
}
