package events

import "github.com/dukex/courier/pkg/models"

// Queue names.
const (
	WebhookQueue         = "webhook"
	AgentRequestQueue    = "agent-request"
	AgentResponseQueue   = "agent-response"
	OutboundQueue        = "outbound"
	WebhookDeliveryQueue = "webhook-delivery"
	NodeFailureQueue     = "node-failure"
)

// TopicPrefix prefixes the queue of every bus topic.
const TopicPrefix = "events."

// Topic returns the queue name carrying events of kind t.
func Topic(t EventType) string {
	return TopicPrefix + string(t)
}

// NodeJobQueues are the queues whose jobs belong to a run node.
var NodeJobQueues = []string{AgentRequestQueue, AgentResponseQueue, OutboundQueue, WebhookDeliveryQueue}

// WebhookJob carries one normalized inbound event from the receiver to the engine.
type WebhookJob struct {
	Event models.CanonicalInboundEvent `json:"event"`
}

// NodeRef identifies the run node a job was dispatched for. Every node job payload embeds it.
type NodeRef struct {
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
}

// OutboundJob asks the outbound worker to send a reply.
type OutboundJob struct {
	NodeRef

	Message models.OutboundMessage `json:"message"`
}

// DeliveryJob asks the delivery worker to POST a JSON body to an external URL.
type DeliveryJob struct {
	NodeRef

	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body"`
}
