package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/roles"
	"github.com/stagecraft/agentset/pkg/step"
)

// run is the outer execution loop: while active work exists, run one pass
// and sleep. When the work drains, reflect once, then complete.
func (a *Agent) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if a.Status() != models.AgentStatusRunning {
			return
		}

		if !a.hasActiveWork() {
			if !a.markReflectionStarted() {
				a.synthesizeReflection()
				continue
			}
			a.complete(ctx)
			return
		}

		if err := a.runOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			a.fail(ctx, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(loopInterval):
		}
	}
}

// hasActiveWork reports whether any local step is PENDING, RUNNING or
// WAITING, or delegated work is still outstanding.
func (a *Agent) hasActiveWork() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.delegatedStepIDs) > 0 {
		return true
	}
	for _, s := range a.steps {
		switch s.Status {
		case models.StepStatusPending, models.StepStatusRunning, models.StepStatusWaiting:
			return true
		}
	}
	return false
}

// markReflectionStarted reports whether reflection already ran.
func (a *Agent) markReflectionStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reflectionDone
}

// synthesizeReflection appends a terminal REFLECT step over the mission's
// sink steps and records that reflection has been scheduled.
func (a *Agent) synthesizeReflection() {
	a.mu.Lock()
	var sinkIDs []string
	for _, s := range step.FinalSteps(a.steps) {
		if s.Status == models.StepStatusCompleted {
			sinkIDs = append(sinkIDs, s.ID)
		}
	}
	reflect := &step.Step{
		ID:           uuid.New().String(),
		MissionID:    a.MissionID,
		OwnerAgentID: a.ID,
		StepNo:       a.nextStepNo,
		ActionVerb:   step.VerbReflect,
		Description:  "Review mission results and decide whether further work is needed",
		Status:       models.StepStatusPending,
		InputValues: map[string]models.InputValue{
			"stepIds": {InputName: "stepIds", Value: sinkIDs, ValueType: models.ValueTypeArray},
		},
		Outputs: map[string]string{"reflection": "mission summary"},
	}
	a.nextStepNo++
	a.steps = append(a.steps, reflect)
	a.reflectionDone = true
	a.mu.Unlock()

	a.deps.Env.RegisterStepLocation(reflect.ID, a.ID)
	a.log.Info("Reflection step synthesized", "step_id", reflect.ID, "sinks", len(sinkIDs))
}

// runOnce executes one loop pass: pick ready steps, route role mismatches
// to delegation, dispatch the rest concurrently, and cancel steps that can
// never run.
func (a *Agent) runOnce(ctx context.Context) error {
	local := a.Steps()
	resolver := step.NewResolver(a.deps.Env)

	ready := resolver.Ready(local, a.MissionID)
	if len(ready) == 0 {
		for _, s := range resolver.PermanentlyBlocked(local, a.MissionID) {
			a.cancelBlockedStep(ctx, s)
		}
		return nil
	}

	var runnable []*step.Step
	for _, s := range ready {
		if a.shouldDelegate(s) && a.tryDelegate(ctx, s) {
			continue
		}
		runnable = append(runnable, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range runnable {
		s := s
		g.Go(func() error { return a.executeStep(gctx, s) })
	}
	return g.Wait()
}

// shouldDelegate reports whether the step asks for a specialization this
// agent does not have. Coordinators execute everything themselves, and
// user-facing questions stay with the agent that owns the conversation.
func (a *Agent) shouldDelegate(s *step.Step) bool {
	if s.IsUserInteraction() {
		return false
	}
	return s.RecommendedRole != "" &&
		s.RecommendedRole != a.Role &&
		a.Role != roles.Coordinator
}

// tryDelegate offers the step to a specialized peer. Returns true when the
// hand-off succeeded; on rejection the step runs locally.
func (a *Agent) tryDelegate(ctx context.Context, s *step.Step) bool {
	accepted, reason, err := a.deps.Env.Delegate(ctx, a.ID, s)
	if err != nil {
		a.log.Warn("Delegation failed, executing locally", "step_id", s.ID, "error", err)
		return false
	}
	if !accepted {
		a.log.Info("Delegation rejected, executing locally", "step_id", s.ID, "reason", reason)
		return false
	}
	a.log.Info("Step delegated", "step_id", s.ID, "recommended_role", s.RecommendedRole)
	return true
}

// cancelBlockedStep cancels a step whose dependencies can never be
// satisfied.
func (a *Agent) cancelBlockedStep(ctx context.Context, s *step.Step) {
	a.mu.Lock()
	err := s.SetStatus(models.StepStatusCancelled)
	a.mu.Unlock()
	if err != nil {
		return
	}
	a.log.Info("Step cancelled, dependencies permanently unsatisfied", "step_id", s.ID)
	a.recordEvent(ctx, models.Event{
		EventType: models.EventStepFailed,
		AgentID:   a.ID,
		MissionID: a.MissionID,
		Payload:   map[string]any{"stepId": s.ID, "reason": "dependencies permanently unsatisfied"},
	})
}

// executeStep runs one ready step end to end: dereference, invoke the
// verb-appropriate executor, and apply the result variant.
func (a *Agent) executeStep(ctx context.Context, s *step.Step) error {
	a.mu.Lock()
	if a.status != models.AgentStatusRunning || s.Status != models.StepStatusPending {
		a.mu.Unlock()
		return nil
	}
	s.Status = models.StepStatusRunning
	a.mu.Unlock()

	if err := s.DereferenceInputsForExecution(ctx, a.execEnv()); err != nil {
		return a.handleStepFailure(ctx, s, err)
	}

	// AWAIT_SIGNAL parks the step until the named signal arrives.
	if strings.EqualFold(s.ActionVerb, step.VerbAwaitSignal) {
		a.parkForSignal(s)
		return nil
	}

	outputs, err := a.invokeExecutor(ctx, s)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Pause/abort interrupted the call; the step retries after resume.
			a.mu.Lock()
			s.Reset()
			a.mu.Unlock()
			return nil
		}
		return a.handleStepFailure(ctx, s, err)
	}

	return a.applyResult(ctx, s, outputs)
}

// invokeExecutor routes the step to Brain or CapabilitiesManager based on
// its action verb.
func (a *Agent) invokeExecutor(ctx context.Context, s *step.Step) ([]models.PluginOutput, error) {
	verb := strings.ToUpper(s.ActionVerb)
	switch {
	case verb == step.VerbReflect:
		return a.runReflection(ctx, s)
	case verb == step.VerbAccomplish && s.StepNo == 1:
		return a.runPlanning(ctx, s)
	default:
		return a.deps.Capabilities.ExecuteVerb(ctx, clients.CapabilityRequest{
			ActionVerb:  s.ActionVerb,
			StepID:      s.ID,
			AgentID:     a.ID,
			MissionID:   a.MissionID,
			Description: s.Description,
			Inputs:      s.InputValues,
			Outputs:     s.Outputs,
		})
	}
}

// runPlanning asks Brain to decompose the seed goal into a plan.
func (a *Agent) runPlanning(ctx context.Context, s *step.Step) ([]models.PluginOutput, error) {
	a.setStatusTransient(ctx, models.AgentStatusPlanning)
	defer a.setStatusTransient(ctx, models.AgentStatusRunning)

	goal := s.Description
	if iv, ok := s.InputValues["goal"]; ok {
		if text, isString := iv.Value.(string); isString && text != "" {
			goal = text
		}
	}

	tasks, err := a.deps.Brain.Plan(ctx, goal, a.missionContextSnapshot())
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	return []models.PluginOutput{{
		Success:           true,
		Name:              "plan",
		ResultType:        models.ValueTypePlan,
		ResultDescription: "decomposition of: " + goal,
		Result:            tasks,
	}}, nil
}

// runReflection asks Brain to review the mission's results. The reply is a
// new plan when more work is needed, otherwise a terminal summary.
func (a *Agent) runReflection(ctx context.Context, s *step.Step) ([]models.PluginOutput, error) {
	a.setStatusTransient(ctx, models.AgentStatusReflecting)
	defer a.setStatusTransient(ctx, models.AgentStatusRunning)

	var summary strings.Builder
	for _, peer := range a.Steps() {
		if peer.Status != models.StepStatusCompleted || peer.ID == s.ID {
			continue
		}
		for _, o := range peer.Result {
			fmt.Fprintf(&summary, "- %s (%s): %v\n", o.Name, peer.ActionVerb, o.Result)
		}
	}

	exchanges := []models.ConversationEntry{
		{Role: models.RoleSystem, Content: reflectionInstruction},
		{Role: models.RoleUser, Content: "Results so far:\n" + summary.String()},
	}
	reply, err := a.deps.Brain.Chat(ctx, clients.ConversationChat, exchanges)
	if err != nil {
		return nil, fmt.Errorf("reflection: %w", err)
	}

	if tasks, err := clients.ParsePlanTasks(reply); err == nil {
		return []models.PluginOutput{{
			Success:    true,
			Name:       "plan",
			ResultType: models.ValueTypePlan,
			Result:     tasks,
		}}, nil
	}
	return []models.PluginOutput{{
		Success:    true,
		Name:       s.FirstOutputName("reflection"),
		ResultType: models.ValueTypeString,
		Result:     reply,
	}}, nil
}

const reflectionInstruction = "Review the mission results. If further work is needed, " +
	"reply with a JSON array of task descriptors. Otherwise reply with a prose summary."

// setStatusTransient flips between RUNNING and a transient status
// (PLANNING, REFLECTING) without touching terminal or paused states.
func (a *Agent) setStatusTransient(ctx context.Context, status models.AgentStatus) {
	a.mu.Lock()
	switch a.status {
	case models.AgentStatusRunning, models.AgentStatusPlanning, models.AgentStatusReflecting:
		a.status = status
	default:
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.publishStatus(ctx)
}

// Result variants. Exceptions-as-control-flow in older agent engines become
// explicit variants the engine switches on.
type resultVariant interface{ isResultVariant() }

type pendingUserInput struct{ requestID string }
type waitingResult struct{}
type planResult struct{ tasks []models.PlanTask }
type errorResult struct{ message string }
type completedResult struct{}

func (pendingUserInput) isResultVariant() {}
func (waitingResult) isResultVariant()    {}
func (planResult) isResultVariant()       {}
func (errorResult) isResultVariant()      {}
func (completedResult) isResultVariant()  {}

// classifyOutputs inspects executor outputs and picks the variant that
// drives the step's next transition.
func classifyOutputs(outputs []models.PluginOutput) resultVariant {
	for _, o := range outputs {
		if o.Name == "pending_user_input" {
			return pendingUserInput{requestID: extractRequestID(o.Result)}
		}
		if o.Name == "status" && fmt.Sprintf("%v", o.Result) == string(models.StepStatusWaiting) {
			return waitingResult{}
		}
		if o.IsPlan() {
			tasks, err := decodePlanTasks(o.Result)
			if err != nil {
				return errorResult{message: "malformed plan output: " + err.Error()}
			}
			return planResult{tasks: tasks}
		}
		if o.IsError() {
			msg := o.Error
			if msg == "" {
				msg = fmt.Sprintf("%v", o.Result)
			}
			return errorResult{message: msg}
		}
	}
	return completedResult{}
}

func extractRequestID(result any) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]any:
		if id, ok := v["request_id"].(string); ok {
			return id
		}
	}
	return ""
}

// decodePlanTasks coerces a PLAN output payload into task descriptors. The
// payload arrives as typed tasks in-process, or as decoded JSON (or raw
// text) when it crossed the wire.
func decodePlanTasks(result any) ([]models.PlanTask, error) {
	switch v := result.(type) {
	case []models.PlanTask:
		if len(v) == 0 {
			return nil, errors.New("plan contained no tasks")
		}
		return v, nil
	case string:
		return clients.ParsePlanTasks(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var tasks []models.PlanTask
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return nil, errors.New("plan contained no tasks")
		}
		return tasks, nil
	}
}

// applyResult transitions the step according to the result variant.
func (a *Agent) applyResult(ctx context.Context, s *step.Step, outputs []models.PluginOutput) error {
	switch v := classifyOutputs(outputs).(type) {
	case pendingUserInput:
		if s.HasUnresolvedPlaceholders() {
			// A peer may since have produced the placeholder value; retry
			// with resolved inputs instead of blocking on the user.
			a.mu.Lock()
			s.Reset()
			a.clearWaitingEntriesLocked(s.ID)
			a.mu.Unlock()
			return nil
		}
		a.mu.Lock()
		s.Status = models.StepStatusWaiting
		if v.requestID != "" {
			a.waitingSteps[v.requestID] = s.ID
		}
		a.mu.Unlock()
		a.log.Info("Step awaiting user input", "step_id", s.ID, "request_id", v.requestID)
		return nil

	case waitingResult:
		a.mu.Lock()
		s.Status = models.StepStatusWaiting
		a.mu.Unlock()
		return nil

	case planResult:
		return a.expandPlan(ctx, s, v.tasks, outputs)

	case errorResult:
		return a.handleStepFailure(ctx, s, errors.New(v.message))

	default:
		return a.completeStep(ctx, s, outputs)
	}
}

// parkForSignal moves an AWAIT_SIGNAL step to WAITING until HandleSignal
// releases it.
func (a *Agent) parkForSignal(s *step.Step) {
	signal := ""
	if iv, ok := s.InputValues["signal"]; ok {
		signal = fmt.Sprintf("%v", iv.Value)
	}
	a.mu.Lock()
	s.AwaitsSignal = signal
	s.Status = models.StepStatusWaiting
	a.mu.Unlock()
	a.log.Info("Step awaiting signal", "step_id", s.ID, "signal", signal)
}

// expandPlan replaces a plan-producing step with its workstream and rewires
// every mission-wide dependent onto the workstream's final steps.
func (a *Agent) expandPlan(ctx context.Context, s *step.Step, tasks []models.PlanTask, outputs []models.PluginOutput) error {
	a.mu.Lock()
	startNo := a.nextStepNo
	a.mu.Unlock()

	workstream, err := step.ExpandPlan(tasks, a.ID, a.MissionID, startNo)
	if err != nil {
		return a.handleStepFailure(ctx, s, err)
	}

	mapped := s.MapPluginOutputsToCustomNames(outputs)

	a.mu.Lock()
	s.Result = mapped
	a.steps = append(a.steps, workstream...)
	a.nextStepNo += len(workstream)
	a.mu.Unlock()

	for _, w := range workstream {
		a.deps.Env.RegisterStepLocation(w.ID, a.ID)
	}

	// Rewiring touches only this agent's steps; another agent's steps are
	// never mutated from this goroutine.
	a.mu.Lock()
	step.RewireDependents(a.steps, s, workstream)
	s.Status = models.StepStatusReplaced
	a.mu.Unlock()

	a.saveWorkProduct(ctx, s, models.WorkProductPlan)
	a.recordEvent(ctx, models.Event{
		EventType: models.EventStepReplaced,
		AgentID:   a.ID,
		MissionID: a.MissionID,
		Payload:   map[string]any{"stepId": s.ID, "newSteps": len(workstream)},
	})
	a.log.Info("Plan expanded", "step_id", s.ID, "new_steps", len(workstream))
	return nil
}

// completeStep marks the step COMPLETED, persists the work product and
// notifies the delegating agent when the step was handed to us.
func (a *Agent) completeStep(ctx context.Context, s *step.Step, outputs []models.PluginOutput) error {
	mapped := s.MapPluginOutputsToCustomNames(outputs)

	a.mu.Lock()
	s.Result = mapped
	s.Status = models.StepStatusCompleted
	delegator := s.DelegatingAgentID
	a.mu.Unlock()

	kind := models.WorkProductInterim
	if s.OutputKindIn(a.Steps()) == step.OutputFinal {
		kind = models.WorkProductFinal
	}
	a.saveWorkProduct(ctx, s, kind)

	if delegator != "" {
		a.deps.Env.NotifyStepCompleted(ctx, delegator, s)
	}
	a.deps.Env.StepFinished("completed")
	a.log.Info("Step completed", "step_id", s.ID, "action_verb", s.ActionVerb, "outputs", len(mapped))
	return nil
}

// saveWorkProduct persists the step's result and announces it on the user
// channel unless the agent is paused or aborted.
func (a *Agent) saveWorkProduct(ctx context.Context, s *step.Step, kind models.WorkProductType) {
	scope := models.ScopeAgentStep
	if kind == models.WorkProductFinal {
		scope = models.ScopeAgentOutput
	}
	wp := models.WorkProduct{
		AgentID:       a.ID,
		StepID:        s.ID,
		MissionID:     a.MissionID,
		Type:          kind,
		Scope:         scope,
		Data:          s.Result,
		IsDeliverable: s.HasDeliverableOutputs(),
	}
	for _, o := range s.Result {
		if o.MimeType != "" {
			wp.MimeType = o.MimeType
			wp.FileName = o.FileName
			break
		}
	}
	if err := a.deps.Store.SaveWorkProduct(ctx, wp); err != nil {
		a.log.Error("Failed to save work product", "step_id", s.ID, "error", err)
	}

	a.mu.Lock()
	suppressed := a.status == models.AgentStatusPaused || a.status == models.AgentStatusAborted
	a.mu.Unlock()
	if !suppressed && a.deps.MissionControl != nil {
		wp.ID = s.OwnerAgentID + "-" + s.ID
		a.deps.MissionControl.NotifyWorkProduct(ctx, wp)
	}
}

// handleStepFailure marks the step ERROR, notifies dependents and mission
// control, and attempts a recovery replan when the failure blocks other
// steps. A failed replan is fatal for the agent.
func (a *Agent) handleStepFailure(ctx context.Context, s *step.Step, cause error) error {
	a.mu.Lock()
	s.Status = models.StepStatusError
	s.Result = []models.PluginOutput{{
		Name:       "error",
		ResultType: models.ValueTypeError,
		Result:     cause.Error(),
		Error:      cause.Error(),
	}}
	a.errorCount++
	a.mu.Unlock()

	a.log.Error("Step failed", "step_id", s.ID, "action_verb", s.ActionVerb, "error", cause)
	a.recordEvent(ctx, models.Event{
		EventType: models.EventStepFailed,
		AgentID:   a.ID,
		MissionID: a.MissionID,
		Payload:   map[string]any{"stepId": s.ID, "error": cause.Error()},
	})
	if a.deps.MissionControl != nil {
		a.deps.MissionControl.NotifyStepFailure(ctx, a.ID, a.MissionID, s.ID, cause.Error())
	}
	a.deps.Env.StepFinished("failed")

	mission := a.deps.Env.MissionSteps(a.MissionID)
	blocked := a.notifyDependents(ctx, mission, s)

	if blocked > 0 && a.deps.Brain != nil && a.markReplanAttempted(s.ID) {
		if err := a.replanAfterFailure(ctx, s, cause); err != nil {
			return fmt.Errorf("replanning after failed step %s: %w", s.ID, err)
		}
	}
	return nil
}

// notifyDependents marks this agent's direct dependents ERROR when no
// alternative step can supply the same output, recursively. Peers' dependents
// are not touched: their own resolver pass cancels them, since the
// permanent-unsatisfiability check applies the same alternative-source rule.
// Returns how many mission steps were blocked by the failure at all.
func (a *Agent) notifyDependents(ctx context.Context, mission []*step.Step, failed *step.Step) int {
	blocked := 0
	for _, dependent := range mission {
		if dependent.Status != models.StepStatusPending {
			continue
		}
		for _, dep := range dependent.Dependencies {
			if dep.SourceStepID == failed.ID {
				blocked++
			}
		}
	}

	for _, dependent := range a.Steps() {
		if dependent.Status != models.StepStatusPending {
			continue
		}
		for _, dep := range dependent.Dependencies {
			if dep.SourceStepID != failed.ID {
				continue
			}
			if step.HasAlternativeSource(mission, failed.ID, dep.OutputName) {
				continue
			}
			a.mu.Lock()
			err := dependent.SetStatus(models.StepStatusError)
			a.mu.Unlock()
			if err == nil {
				a.notifyDependents(ctx, mission, dependent)
			}
		}
	}
	return blocked
}

func (a *Agent) markReplanAttempted(stepID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.replannedSteps[stepID] {
		return false
	}
	a.replannedSteps[stepID] = true
	return true
}

// replanAfterFailure asks Brain for a recovery plan and splices it in as a
// replacement workstream for the failed step.
func (a *Agent) replanAfterFailure(ctx context.Context, failed *step.Step, cause error) error {
	goal := fmt.Sprintf("Recover from failed step %q (%s): %s",
		failed.Description, failed.ActionVerb, cause.Error())
	tasks, err := a.deps.Brain.Plan(ctx, goal, a.missionContextSnapshot())
	if err != nil {
		return err
	}

	a.mu.Lock()
	startNo := a.nextStepNo
	a.mu.Unlock()

	workstream, err := step.ExpandPlan(tasks, a.ID, a.MissionID, startNo)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.steps = append(a.steps, workstream...)
	a.nextStepNo += len(workstream)
	a.mu.Unlock()
	for _, w := range workstream {
		a.deps.Env.RegisterStepLocation(w.ID, a.ID)
	}

	// Dependents marked ERROR above get a fresh chance against the new
	// workstream. Rewiring is scoped to this agent's steps.
	a.mu.Lock()
	step.RewireDependents(a.steps, failed, workstream)
	for _, s := range a.steps {
		if s.Status == models.StepStatusError && s.ID != failed.ID {
			s.Reset()
		}
	}
	a.mu.Unlock()

	a.log.Info("Replanned after step failure", "failed_step_id", failed.ID, "new_steps", len(workstream))
	return nil
}

// complete transitions the agent to COMPLETED and persists a final
// snapshot.
func (a *Agent) complete(ctx context.Context) {
	a.mu.Lock()
	a.status = models.AgentStatusCompleted
	a.mu.Unlock()

	a.publishStatus(ctx)
	if err := a.SaveState(ctx); err != nil {
		a.log.Error("Failed to save final state", "error", err)
	}
	if a.deps.MissionControl != nil {
		a.deps.MissionControl.NotifyAgentUpdate(ctx, a.ID, a.MissionID, models.AgentStatusCompleted, "mission work drained")
	}
	a.log.Info("Agent completed")
}

// fail transitions the agent to ERROR after an unrecoverable loop error.
func (a *Agent) fail(ctx context.Context, cause error) {
	a.mu.Lock()
	a.status = models.AgentStatusError
	a.errorCount++
	a.mu.Unlock()

	a.log.Error("Agent entered error state", "error", cause)
	a.recordEvent(ctx, models.Event{
		EventType: models.EventAgentError,
		AgentID:   a.ID,
		MissionID: a.MissionID,
		Payload:   map[string]any{"error": cause.Error()},
	})
	a.publishStatus(ctx)
	if a.deps.MissionControl != nil {
		a.deps.MissionControl.NotifyAgentUpdate(ctx, a.ID, a.MissionID, models.AgentStatusError, cause.Error())
	}
}

func (a *Agent) missionContextSnapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.missionContext
}

// recordEvent appends to the persistent event log. Best-effort.
func (a *Agent) recordEvent(ctx context.Context, event models.Event) {
	if err := a.deps.Store.RecordEvent(ctx, event); err != nil {
		a.log.Warn("Failed to record event", "event_type", event.EventType, "error", err)
	}
}

// execEnv adapts the agent's dependencies to the step dereferencing
// contract.
func (a *Agent) execEnv() step.ExecutionEnv {
	return execEnv{a}
}

type execEnv struct{ a *Agent }

func (e execEnv) MissionSteps(missionID string) []*step.Step {
	return e.a.deps.Env.MissionSteps(missionID)
}

func (e execEnv) RemoteOutputs(ctx context.Context, stepID string) ([]models.PluginOutput, bool, error) {
	return e.a.deps.Env.RemoteOutputs(ctx, stepID)
}

func (e execEnv) RecordEvent(ctx context.Context, event models.Event) {
	e.a.recordEvent(ctx, event)
}

// clearWaitingEntriesLocked drops waitingSteps entries for a step being
// retried. Caller holds mu.
func (a *Agent) clearWaitingEntriesLocked(stepID string) {
	for requestID, id := range a.waitingSteps {
		if id == stepID {
			delete(a.waitingSteps, requestID)
		}
	}
}
