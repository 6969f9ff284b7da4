// Package events provides event types and subjects for the Hivemind event system.
package events

// Event types for agent lifecycle
const (
	AgentCreated       = "agent.created"
	AgentStatusChanged = "agent.status_changed"
	AgentDestroyed     = "agent.destroyed"
)

// Event types for the inter-agent message bus
const (
	BusMessagePosted = "bus.message_posted"
)

// Event types for workflows
const (
	WorkflowCompleted = "workflow.completed"
)

// Subjects group events by concern. Wildcard subscriptions use the
// NATS conventions (* single token, > rest).
const (
	SubjectAgents   = "hivemind.agents"
	SubjectBus      = "hivemind.bus"
	SubjectWorkflow = "hivemind.workflow"
	SubjectAll      = "hivemind.>"
)
