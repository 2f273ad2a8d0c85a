// Package models defines the shared data model of the AgentSet core:
// agent and step statuses, input values, plugin outputs, work products,
// conflicts, delegated tasks, and the messages exchanged between agents.
package models

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

// Agent status constants.
const (
	AgentStatusInitializing AgentStatus = "INITIALIZING"
	AgentStatusRunning      AgentStatus = "RUNNING"
	AgentStatusPaused       AgentStatus = "PAUSED"
	AgentStatusCompleted    AgentStatus = "COMPLETED"
	AgentStatusError        AgentStatus = "ERROR"
	AgentStatusAborted      AgentStatus = "ABORTED"
	AgentStatusPlanning     AgentStatus = "PLANNING"
	AgentStatusReflecting   AgentStatus = "REFLECTING"
	AgentStatusUnknown      AgentStatus = "UNKNOWN"
)

// IsTerminal reports whether the agent status admits no further work.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusError, AgentStatusAborted:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

// Step status constants.
const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusWaiting   StepStatus = "WAITING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusError     StepStatus = "ERROR"
	StepStatusCancelled StepStatus = "CANCELLED"
	StepStatusReplaced  StepStatus = "REPLACED"
	StepStatusPaused    StepStatus = "PAUSED"
)

// IsTerminal reports whether the step status admits no further transitions
// other than explicit retry paths.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusError, StepStatusCancelled, StepStatusReplaced:
		return true
	}
	return false
}
