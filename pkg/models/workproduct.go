package models

import "time"

// WorkProductType classifies a work product by its position in the plan.
type WorkProductType string

// Work product type constants.
const (
	WorkProductFinal   WorkProductType = "Final"
	WorkProductInterim WorkProductType = "Interim"
	WorkProductPlan    WorkProductType = "Plan"
)

// WorkProductScope describes who the work product is addressed to.
type WorkProductScope string

// Work product scope constants.
const (
	ScopeMissionOutput WorkProductScope = "MissionOutput"
	ScopeAgentOutput   WorkProductScope = "AgentOutput"
	ScopeAgentStep     WorkProductScope = "AgentStep"
)

// WorkProduct is the durable output of a step, keyed by (agentId, stepId).
type WorkProduct struct {
	ID            string           `json:"id"`
	AgentID       string           `json:"agentId"`
	StepID        string           `json:"stepId"`
	MissionID     string           `json:"missionId"`
	Type          WorkProductType  `json:"type"`
	Scope         WorkProductScope `json:"scope"`
	Data          []PluginOutput   `json:"data"`
	MimeType      string           `json:"mimeType,omitempty"`
	FileName      string           `json:"fileName,omitempty"`
	IsDeliverable bool             `json:"isDeliverable"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Event is one append-only entry in the persistent event log.
type Event struct {
	EventType string         `json:"eventType"`
	AgentID   string         `json:"agentId"`
	MissionID string         `json:"missionId"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event types recorded by the execution core.
const (
	EventDependencyAutoRemap = "dependency_auto_remap"
	EventStepReplaced        = "step_replaced"
	EventStepFailed          = "step_failed"
	EventAgentError          = "agent_error"
	EventCheckpointed        = "checkpointed"
	EventMigrated            = "migrated"
	EventBusDegraded         = "bus_degraded"
)

// StatusUpdate is the payload published on the agent.events topic exchange
// under routing key agent.status.update.
type StatusUpdate struct {
	AgentID   string      `json:"agentId"`
	Status    AgentStatus `json:"status"`
	MissionID string      `json:"missionId"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusUpdateRoutingKey is the routing key for agent status updates.
const StatusUpdateRoutingKey = "agent.status.update"
