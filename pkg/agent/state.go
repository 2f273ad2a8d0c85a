package agent

import (
	"context"
	"time"

	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/step"
)

// Snapshot is the serializable agent state stored by checkpoints and used
// for restore and migration.
type Snapshot struct {
	AgentID          string                       `json:"agentId"`
	MissionID        string                       `json:"missionId"`
	Role             string                       `json:"role"`
	Status           models.AgentStatus           `json:"status"`
	Steps            []*step.Step                 `json:"steps"`
	DelegatedStepIDs []string                     `json:"delegatedStepIds,omitempty"`
	Conversation     []models.ConversationEntry   `json:"conversation,omitempty"`
	MissionContext   string                       `json:"missionContext,omitempty"`
	InputValues      map[string]models.InputValue `json:"inputValues,omitempty"`
	WaitingSteps     map[string]string            `json:"waitingSteps,omitempty"`
	ReflectionDone   bool                         `json:"reflectionDone"`
	ErrorCount       int                          `json:"errorCount"`
	NextStepNo       int                          `json:"nextStepNo"`
	SavedAt          time.Time                    `json:"savedAt"`
}

// Snapshot captures the current state under the agent's lock.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	steps := make([]*step.Step, len(a.steps))
	copy(steps, a.steps)

	delegated := make([]string, 0, len(a.delegatedStepIDs))
	for id := range a.delegatedStepIDs {
		delegated = append(delegated, id)
	}

	conversation := make([]models.ConversationEntry, len(a.conversation))
	copy(conversation, a.conversation)

	waiting := make(map[string]string, len(a.waitingSteps))
	for k, v := range a.waitingSteps {
		waiting[k] = v
	}

	return Snapshot{
		AgentID:          a.ID,
		MissionID:        a.MissionID,
		Role:             a.Role,
		Status:           a.status,
		Steps:            steps,
		DelegatedStepIDs: delegated,
		Conversation:     conversation,
		MissionContext:   a.missionContext,
		InputValues:      a.inputValues,
		WaitingSteps:     waiting,
		ReflectionDone:   a.reflectionDone,
		ErrorCount:       a.errorCount,
		NextStepNo:       a.nextStepNo,
		SavedAt:          time.Now().UTC(),
	}
}

// SaveState persists a snapshot keyed by the agent id.
func (a *Agent) SaveState(ctx context.Context) error {
	return a.deps.Store.SaveAgentState(ctx, a.ID, a.Snapshot())
}

// RestoreFrom replaces the agent's mutable state from a stored snapshot.
// The caller pauses the agent first; the loop is not restarted here.
func (a *Agent) RestoreFrom(snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.status = snap.Status
	a.steps = snap.Steps
	a.conversation = snap.Conversation
	a.missionContext = snap.MissionContext
	a.inputValues = snap.InputValues
	a.reflectionDone = snap.ReflectionDone
	a.errorCount = snap.ErrorCount
	a.nextStepNo = snap.NextStepNo

	a.delegatedStepIDs = make(map[string]bool, len(snap.DelegatedStepIDs))
	for _, id := range snap.DelegatedStepIDs {
		a.delegatedStepIDs[id] = true
	}
	a.waitingSteps = make(map[string]string, len(snap.WaitingSteps))
	for k, v := range snap.WaitingSteps {
		a.waitingSteps[k] = v
	}
}
