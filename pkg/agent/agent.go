// Package agent implements the execution engine: a long-lived actor that
// drives a DAG of steps toward completion, planning via Brain, executing
// verbs through CapabilitiesManager, delegating role-mismatched steps, and
// reflecting before it completes.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/roles"
	"github.com/stagecraft/agentset/pkg/step"
)

// loopInterval is the pause between execution loop passes. A variable so
// tests can shorten it.
var loopInterval = time.Second

// Store persists events, work products and state snapshots. Implemented by
// persistence.Client; faked in tests.
type Store interface {
	RecordEvent(ctx context.Context, event models.Event) error
	SaveWorkProduct(ctx context.Context, wp models.WorkProduct) error
	SaveAgentState(ctx context.Context, key string, state any) error
}

// StatusPublisher publishes agent status updates on the message bus.
type StatusPublisher interface {
	PublishStatusUpdate(ctx context.Context, update models.StatusUpdate) error
}

// Env is the narrow supervisor surface an agent sees: mission-wide step
// visibility, step-location registration, and delegation routing. The agent
// holds no back-reference to the supervisor itself.
type Env interface {
	// MissionSteps returns every step of the mission hosted on this AgentSet,
	// across all of its agents.
	MissionSteps(missionID string) []*step.Step
	// RemoteOutputs fetches outputs of a step hosted on another AgentSet.
	RemoteOutputs(ctx context.Context, stepID string) ([]models.PluginOutput, bool, error)
	// RegisterStepLocation records that this set's agent owns the step.
	RegisterStepLocation(stepID, agentID string)
	// Delegate offers a role-mismatched step to a specialized peer.
	Delegate(ctx context.Context, delegatorID string, s *step.Step) (accepted bool, reason string, err error)
	// NotifyStepCompleted routes a completion notice back to the agent that
	// delegated the step, locally or across sets.
	NotifyStepCompleted(ctx context.Context, delegatingAgentID string, s *step.Step)
	// AgentAborted asks the supervisor to remove an aborted agent.
	AgentAborted(agentID string)
	// StepFinished reports a step outcome ("completed" or "failed") for
	// supervisor accounting.
	StepFinished(result string)
}

// Deps wires an agent to its collaborators. Logger and Classifier default
// when nil; the rest are required.
type Deps struct {
	Brain          clients.Brain
	Capabilities   clients.CapabilityExecutor
	Store          Store
	Bus            StatusPublisher
	MissionControl clients.MissionControl
	Env            Env
	Classifier     Classifier
	Logger         *slog.Logger
}

// Config describes the agent to create.
type Config struct {
	AgentID        string
	MissionID      string
	Role           string
	ActionVerb     string
	Goal           string
	Inputs         map[string]models.InputValue
	MissionContext string
}

// Agent is a long-lived actor pursuing a mission by executing a DAG of
// steps. All mutable state is guarded by mu; the execution loop runs in its
// own goroutine and externally delivered messages serialize through the
// same lock.
type Agent struct {
	ID        string
	MissionID string
	Role      string

	deps Deps
	log  *slog.Logger

	mu               sync.Mutex
	status           models.AgentStatus
	steps            []*step.Step
	delegatedStepIDs map[string]bool
	conversation     []models.ConversationEntry
	missionContext   string
	inputValues      map[string]models.InputValue
	waitingSteps     map[string]string // userInputRequestId → stepId
	reflectionDone   bool
	replannedSteps   map[string]bool
	errorCount       int
	nextStepNo       int

	loopRunning bool
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
}

// New constructs an agent in INITIALIZING state. Call Initialize then Start.
func New(cfg Config, deps Deps) *Agent {
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.New().String()
	}
	role := cfg.Role
	if role == "" {
		role = roles.ForVerb(cfg.ActionVerb)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Classifier == nil {
		deps.Classifier = NewRegexClassifier()
	}
	return &Agent{
		ID:               cfg.AgentID,
		MissionID:        cfg.MissionID,
		Role:             role,
		deps:             deps,
		log:              deps.Logger.With("agent_id", cfg.AgentID, "mission_id", cfg.MissionID),
		status:           models.AgentStatusInitializing,
		delegatedStepIDs: make(map[string]bool),
		inputValues:      cfg.Inputs,
		waitingSteps:     make(map[string]string),
		replannedSteps:   make(map[string]bool),
		missionContext:   cfg.MissionContext,
		nextStepNo:       1,
	}
}

// Initialize builds the seed step, registers its location and transitions
// the agent to RUNNING.
func (a *Agent) Initialize(ctx context.Context, cfg Config) error {
	verb := cfg.ActionVerb
	if verb == "" {
		verb = step.VerbAccomplish
	}

	seed := &step.Step{
		ID:           uuid.New().String(),
		MissionID:    a.MissionID,
		OwnerAgentID: a.ID,
		StepNo:       1,
		ActionVerb:   verb,
		Description:  cfg.Goal,
		Status:       models.StepStatusPending,
		InputValues:  make(map[string]models.InputValue),
	}
	for name, iv := range cfg.Inputs {
		seed.InputValues[name] = iv
	}
	if cfg.Goal != "" {
		seed.InputValues["goal"] = models.InputValue{
			InputName: "goal",
			Value:     cfg.Goal,
			ValueType: models.ValueTypeString,
		}
	}

	a.mu.Lock()
	a.steps = append(a.steps, seed)
	a.nextStepNo = 2
	a.status = models.AgentStatusRunning
	a.mu.Unlock()

	a.deps.Env.RegisterStepLocation(seed.ID, a.ID)
	a.publishStatus(ctx)
	a.log.Info("Agent initialized", "role", a.Role, "action_verb", verb)
	return nil
}

// Start launches the execution loop if the agent is RUNNING and no loop is
// already active.
func (a *Agent) Start() {
	a.mu.Lock()
	if a.loopRunning || a.status != models.AgentStatusRunning {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.loopRunning = true
	a.loopCancel = cancel
	done := make(chan struct{})
	a.loopDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			a.mu.Lock()
			a.loopRunning = false
			a.mu.Unlock()
		}()
		a.run(ctx)
	}()
}

// Wait blocks until the current loop goroutine exits. Used by tests and by
// the supervisor's drain path.
func (a *Agent) Wait() {
	a.mu.Lock()
	done := a.loopDone
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status returns the agent's current status.
func (a *Agent) Status() models.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// ErrorCount returns the number of step and agent errors seen so far.
// Consumed by the health monitor.
func (a *Agent) ErrorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errorCount
}

// Steps returns a snapshot of the agent's step slice. The steps themselves
// are shared; callers must treat them as read-only.
func (a *Agent) Steps() []*step.Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*step.Step, len(a.steps))
	copy(out, a.steps)
	return out
}

// StepSnapshots returns point-in-time copies of the agent's steps for
// cross-agent readers. The loop replaces Result slices and Status wholesale
// under a.mu, so a struct copy taken here stays internally consistent;
// Dependencies are copied because rewiring edits them in place.
func (a *Agent) StepSnapshots() []*step.Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*step.Step, len(a.steps))
	for i, s := range a.steps {
		c := *s
		if len(s.Dependencies) > 0 {
			c.Dependencies = append([]models.Dependency(nil), s.Dependencies...)
		}
		out[i] = &c
	}
	return out
}

// Pause stops the loop, cancels in-flight executor calls and reverts
// RUNNING steps to PENDING so they can be retried after resume.
func (a *Agent) Pause(ctx context.Context) error {
	a.mu.Lock()
	if a.status.IsTerminal() {
		st := a.status
		a.mu.Unlock()
		return &LifecycleError{AgentID: a.ID, Status: st, Op: "pause"}
	}
	a.status = models.AgentStatusPaused
	cancel := a.loopCancel
	a.revertRunningStepsLocked()
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.publishStatus(ctx)
	a.log.Info("Agent paused")
	return nil
}

// Resume returns a paused agent to RUNNING and restarts the loop.
func (a *Agent) Resume(ctx context.Context) error {
	a.mu.Lock()
	if a.status != models.AgentStatusPaused {
		st := a.status
		a.mu.Unlock()
		return &LifecycleError{AgentID: a.ID, Status: st, Op: "resume"}
	}
	a.status = models.AgentStatusRunning
	a.mu.Unlock()

	a.publishStatus(ctx)
	a.Start()
	a.log.Info("Agent resumed")
	return nil
}

// Abort cancels all in-flight work, reverts RUNNING steps to PENDING,
// transitions to ABORTED and asks the supervisor for removal. Aborting an
// already-aborted agent is a no-op.
func (a *Agent) Abort(ctx context.Context) error {
	a.mu.Lock()
	if a.status == models.AgentStatusAborted {
		a.mu.Unlock()
		return nil
	}
	a.status = models.AgentStatusAborted
	cancel := a.loopCancel
	a.revertRunningStepsLocked()
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.publishStatus(ctx)
	a.deps.Env.AgentAborted(a.ID)
	a.log.Info("Agent aborted")
	return nil
}

// revertRunningStepsLocked returns mid-execution steps to PENDING. Caller
// holds mu.
func (a *Agent) revertRunningStepsLocked() {
	for _, s := range a.steps {
		if s.Status == models.StepStatusRunning {
			s.Reset()
		}
	}
}

// TakeStep removes a step for ownership transfer to another agent and keeps
// tracking it as delegated work.
func (a *Agent) TakeStep(stepID string) (*step.Step, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.steps {
		if s.ID == stepID {
			a.steps = append(a.steps[:i], a.steps[i+1:]...)
			a.delegatedStepIDs[stepID] = true
			return s, true
		}
	}
	return nil, false
}

// AdoptStep takes ownership of a step delegated by another agent.
func (a *Agent) AdoptStep(s *step.Step, delegatorID string) {
	a.mu.Lock()
	s.OwnerAgentID = a.ID
	s.DelegatingAgentID = delegatorID
	s.MissionID = a.MissionID
	s.StepNo = a.nextStepNo
	a.nextStepNo++
	a.steps = append(a.steps, s)
	a.mu.Unlock()

	a.deps.Env.RegisterStepLocation(s.ID, a.ID)
	a.Start()
}

// StepCompletedElsewhere clears a delegated step once its new owner reports
// completion.
func (a *Agent) StepCompletedElsewhere(stepID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.delegatedStepIDs, stepID)
}

// publishStatus announces the agent's status on the bus. Fire-and-forget.
func (a *Agent) publishStatus(ctx context.Context) {
	if a.deps.Bus == nil {
		return
	}
	a.mu.Lock()
	update := models.StatusUpdate{
		AgentID:   a.ID,
		Status:    a.status,
		MissionID: a.MissionID,
		Timestamp: time.Now().UTC(),
	}
	a.mu.Unlock()
	if err := a.deps.Bus.PublishStatusUpdate(ctx, update); err != nil {
		a.log.Warn("Failed to publish status update", "status", update.Status, "error", err)
	}
}

// LifecycleError reports an operation that is invalid for the agent's
// current status. Mapped to conflict-style responses by the HTTP layer.
type LifecycleError struct {
	AgentID string
	Status  models.AgentStatus
	Op      string
}

func (e *LifecycleError) Error() string {
	return "cannot " + e.Op + " agent " + e.AgentID + " in status " + strings.ToLower(string(e.Status))
}
