package models

import "time"

// ConflictStatus tracks a conflict through its lifecycle.
type ConflictStatus string

// Conflict status constants.
const (
	ConflictPending    ConflictStatus = "PENDING"
	ConflictInProgress ConflictStatus = "IN_PROGRESS"
	ConflictResolved   ConflictStatus = "RESOLVED"
	ConflictFailed     ConflictStatus = "FAILED"
	ConflictEscalated  ConflictStatus = "ESCALATED"
)

// ResolutionStrategy selects how a conflict is resolved.
type ResolutionStrategy string

// Resolution strategy constants.
const (
	StrategyVoting      ResolutionStrategy = "VOTING"
	StrategyConsensus   ResolutionStrategy = "CONSENSUS"
	StrategyAuthority   ResolutionStrategy = "AUTHORITY"
	StrategyNegotiation ResolutionStrategy = "NEGOTIATION"
	StrategyExternal    ResolutionStrategy = "EXTERNAL"
)

// Vote is one participant's position on a conflict.
type Vote struct {
	Vote        any       `json:"vote"`
	Explanation string    `json:"explanation,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Conflict is a disagreement between agents awaiting resolution.
type Conflict struct {
	ID              string             `json:"id"`
	Description     string             `json:"description"`
	ConflictingData any                `json:"conflictingData,omitempty"`
	InitiatedBy     string             `json:"initiatedBy"`
	Participants    []string           `json:"participants"`
	Status          ConflictStatus     `json:"status"`
	Strategy        ResolutionStrategy `json:"strategy"`
	Votes           map[string]Vote    `json:"votes"`
	Resolution      any                `json:"resolution,omitempty"`
	Explanation     string             `json:"explanation,omitempty"`
	Deadline        time.Time          `json:"deadline"`
	EscalatedTo     string             `json:"escalatedTo,omitempty"`
}

// TaskStatus tracks a delegated task through its lifecycle.
type TaskStatus string

// Delegated task status constants.
const (
	TaskPending    TaskStatus = "PENDING"
	TaskAccepted   TaskStatus = "ACCEPTED"
	TaskRejected   TaskStatus = "REJECTED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
	TaskExpired    TaskStatus = "EXPIRED"
)

// IsTerminal reports whether the task status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskExpired:
		return true
	}
	return false
}

// TaskPriority orders delegated tasks.
type TaskPriority string

// Task priority constants.
const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// TaskMetrics records delegation timing.
type TaskMetrics struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// DelegatedTask is a unit of work handed from one agent to another.
type DelegatedTask struct {
	ID          string         `json:"id"`
	TaskType    string         `json:"taskType"`
	Description string         `json:"description,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	DelegatedBy string         `json:"delegatedBy"`
	DelegatedTo string         `json:"delegatedTo"`
	Status      TaskStatus     `json:"status"`
	Deadline    time.Time      `json:"deadline"`
	Priority    TaskPriority   `json:"priority"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metrics     TaskMetrics    `json:"metrics"`
}

// CollaborationMessageType identifies a collaboration message.
type CollaborationMessageType string

// Collaboration message types.
const (
	CollabTaskDelegation   CollaborationMessageType = "TASK_DELEGATION"
	CollabConflictCreated  CollaborationMessageType = "CONFLICT_CREATED"
	CollabConflictResolved CollaborationMessageType = "CONFLICT_RESOLVED"
	CollabStepCompleted    CollaborationMessageType = "STEP_COMPLETED"
	CollabKnowledgeShare   CollaborationMessageType = "KNOWLEDGE_SHARE"
)

// CollaborationMessage is routed to a local agent or forwarded to the
// AgentSet hosting the recipient.
type CollaborationMessage struct {
	Type        CollaborationMessageType `json:"type"`
	SenderID    string                   `json:"senderId"`
	RecipientID string                   `json:"recipientId"`
	MissionID   string                   `json:"missionId,omitempty"`
	Payload     map[string]any           `json:"payload,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}
