package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/step"
)

// HandleMessage processes an externally delivered message. For simple
// conversational user messages the returned string is the direct reply.
func (a *Agent) HandleMessage(ctx context.Context, msg models.AgentMessage) (string, error) {
	switch msg.Type {
	case models.MessageUser:
		return a.handleUserMessage(ctx, msg.Content)
	case models.MessageUserInputResponse:
		return "", a.handleUserInputResponse(ctx, msg.RequestID, msg.Response)
	default:
		if msg.Signal != "" {
			a.HandleSignal(msg.Signal)
			return "", nil
		}
		a.log.Warn("Ignoring message of unknown type", "type", msg.Type)
		return "", nil
	}
}

func (a *Agent) handleUserMessage(ctx context.Context, content string) (string, error) {
	if isWrappedToolCall(content) {
		return "", nil
	}

	a.mu.Lock()
	if a.status == models.AgentStatusError || a.status == models.AgentStatusCompleted {
		a.status = models.AgentStatusRunning
		a.reflectionDone = false
	}
	a.conversation = append(a.conversation, models.ConversationEntry{
		Role:    models.RoleUser,
		Content: content,
	})
	a.mu.Unlock()

	if a.deps.Classifier.IsSimple(content) {
		return a.respondConversationally(ctx, content)
	}

	a.appendGoalStep(content)
	a.Start()
	return "", nil
}

// respondConversationally answers a simple message via Brain without
// creating a step.
func (a *Agent) respondConversationally(ctx context.Context, content string) (string, error) {
	a.mu.Lock()
	exchanges := make([]models.ConversationEntry, 0, len(a.conversation)+1)
	exchanges = append(exchanges, models.ConversationEntry{
		Role:    models.RoleSystem,
		Content: "You are a helpful agent working on a mission. Reply briefly and in a friendly tone.",
	})
	exchanges = append(exchanges, a.conversation...)
	a.mu.Unlock()

	reply, err := a.deps.Brain.Chat(ctx, clients.ConversationChat, exchanges)
	if err != nil {
		return "", fmt.Errorf("conversational reply: %w", err)
	}

	a.mu.Lock()
	a.conversation = append(a.conversation, models.ConversationEntry{
		Role:    models.RoleAssistant,
		Content: reply,
	})
	a.mu.Unlock()
	return reply, nil
}

// appendGoalStep synthesizes a new ACCOMPLISH step from a substantive user
// message.
func (a *Agent) appendGoalStep(goal string) {
	s := &step.Step{
		ID:           uuid.New().String(),
		MissionID:    a.MissionID,
		OwnerAgentID: a.ID,
		ActionVerb:   step.VerbAccomplish,
		Description:  goal,
		Status:       models.StepStatusPending,
		InputValues: map[string]models.InputValue{
			"goal": {InputName: "goal", Value: goal, ValueType: models.ValueTypeString},
		},
	}
	a.mu.Lock()
	s.StepNo = a.nextStepNo
	a.nextStepNo++
	a.steps = append(a.steps, s)
	a.mu.Unlock()

	a.deps.Env.RegisterStepLocation(s.ID, a.ID)
	a.log.Info("New goal step from user message", "step_id", s.ID)
}

// handleUserInputResponse completes the step waiting on the request. A
// second delivery of the same requestId is a no-op.
func (a *Agent) handleUserInputResponse(ctx context.Context, requestID, response string) error {
	a.mu.Lock()
	stepID, ok := a.waitingSteps[requestID]
	if !ok {
		a.mu.Unlock()
		a.log.Info("No step waiting on user input request", "request_id", requestID)
		return nil
	}
	delete(a.waitingSteps, requestID)

	var target *step.Step
	for _, s := range a.steps {
		if s.ID == stepID {
			target = s
			break
		}
	}
	if target == nil {
		a.mu.Unlock()
		return fmt.Errorf("waiting step %s no longer exists", stepID)
	}
	target.Result = []models.PluginOutput{{
		Success:    true,
		Name:       target.FirstOutputName("answer"),
		ResultType: models.ValueTypeString,
		Result:     response,
	}}
	target.Status = models.StepStatusCompleted
	a.mu.Unlock()

	a.saveWorkProduct(ctx, target, models.WorkProductInterim)
	a.log.Info("User input delivered", "step_id", stepID, "request_id", requestID)
	a.Start()
	return nil
}

// HandleCollaboration processes a collaboration message addressed to this
// agent.
func (a *Agent) HandleCollaboration(ctx context.Context, msg models.CollaborationMessage) error {
	switch msg.Type {
	case models.CollabStepCompleted:
		stepID, _ := msg.Payload["stepId"].(string)
		if stepID == "" {
			return fmt.Errorf("STEP_COMPLETED without stepId from %s", msg.SenderID)
		}
		a.StepCompletedElsewhere(stepID)
		a.log.Info("Delegated step completed", "step_id", stepID, "by", msg.SenderID)
		return nil

	case models.CollabKnowledgeShare:
		note, _ := json.Marshal(msg.Payload)
		a.mu.Lock()
		a.conversation = append(a.conversation, models.ConversationEntry{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf("Knowledge shared by %s: %s", msg.SenderID, note),
		})
		a.mu.Unlock()
		return nil

	case models.CollabConflictCreated, models.CollabConflictResolved:
		a.log.Info("Conflict notification", "type", msg.Type, "sender", msg.SenderID)
		return nil

	default:
		return fmt.Errorf("unhandled collaboration message type %q", msg.Type)
	}
}

// HandleSignal releases AWAIT_SIGNAL steps parked on the named signal.
// Returns how many steps were released.
func (a *Agent) HandleSignal(signal string) int {
	a.mu.Lock()
	released := 0
	for _, s := range a.steps {
		if s.Status == models.StepStatusWaiting && s.AwaitsSignal == signal {
			s.AwaitsSignal = ""
			s.Reset()
			released++
		}
	}
	a.mu.Unlock()

	if released > 0 {
		a.log.Info("Signal released waiting steps", "signal", signal, "count", released)
		a.Start()
	}
	return released
}

// CheckAndFixStuckUserInput retries WAITING steps whose inputs still hold
// unresolved placeholders: the user response arrived but an earlier
// resolution failure left the step parked. Returns how many were reset.
func (a *Agent) CheckAndFixStuckUserInput() int {
	a.mu.Lock()
	fixed := 0
	for _, s := range a.steps {
		if s.Status != models.StepStatusWaiting || s.AwaitsSignal != "" {
			continue
		}
		if s.HasUnresolvedPlaceholders() {
			s.Reset()
			a.clearWaitingEntriesLocked(s.ID)
			fixed++
		}
	}
	a.mu.Unlock()

	if fixed > 0 {
		a.log.Info("Reset stuck user-input steps", "count", fixed)
		a.Start()
	}
	return fixed
}

// Output assembles the agent's final output: results of completed endpoint
// steps plus the last assistant reply, if any.
func (a *Agent) Output() map[string]any {
	steps := a.Steps()

	a.mu.Lock()
	status := a.status
	var lastReply string
	for i := len(a.conversation) - 1; i >= 0; i-- {
		if a.conversation[i].Role == models.RoleAssistant {
			lastReply = a.conversation[i].Content
			break
		}
	}
	a.mu.Unlock()

	outputs := make(map[string]any)
	for _, s := range steps {
		if s.Status != models.StepStatusCompleted || !s.IsEndpoint(steps) {
			continue
		}
		for _, o := range s.Result {
			outputs[o.Name] = o.Result
		}
	}

	view := map[string]any{
		"agentId":   a.ID,
		"missionId": a.MissionID,
		"status":    status,
		"outputs":   outputs,
	}
	if lastReply != "" {
		view["reply"] = lastReply
	}
	return view
}

// isWrappedToolCall filters machine-generated tool invocations delivered on
// the user channel.
func isWrappedToolCall(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var probe struct {
		ToolCalls json.RawMessage `json:"toolCalls"`
	}
	return json.Unmarshal([]byte(trimmed), &probe) == nil && len(probe.ToolCalls) > 0
}
