// Package set implements the AgentSet supervisor: the container that owns
// every agent hosted in this process, mediates creation and removal, routes
// delegation and collaboration, and aggregates mission statistics.
package set

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stagecraft/agentset/pkg/agent"
	"github.com/stagecraft/agentset/pkg/bus"
	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/collab"
	"github.com/stagecraft/agentset/pkg/conflict"
	"github.com/stagecraft/agentset/pkg/delegation"
	"github.com/stagecraft/agentset/pkg/lifecycle"
	"github.com/stagecraft/agentset/pkg/metrics"
	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/registry"
	"github.com/stagecraft/agentset/pkg/step"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrAgentLimit    = errors.New("agent limit reached")
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already hosted")
)

// Store is the persistence surface the supervisor and its agents need.
// Implemented by persistence.Client.
type Store interface {
	RecordEvent(ctx context.Context, event models.Event) error
	SaveWorkProduct(ctx context.Context, wp models.WorkProduct) error
	SaveAgentState(ctx context.Context, key string, state any) error
	LoadAgentState(ctx context.Context, key string, out any) (bool, error)
	LoadWorkProduct(ctx context.Context, agentID, stepID string) (*models.WorkProduct, error)
	SaveConflict(ctx context.Context, conflict models.Conflict) error
}

// Bus is the message-bus surface the supervisor consumes.
type Bus interface {
	PublishStatusUpdate(ctx context.Context, update models.StatusUpdate) error
	Subscribe(routingKey string, handler bus.Handler) error
}

// Options configures the supervisor.
type Options struct {
	URL                string // this set's externally reachable host:port
	MaxAgents          int
	CheckpointInterval time.Duration
	HealthInterval     time.Duration
	SweepInterval      time.Duration
	DelegationTimeout  time.Duration
}

// Deps wires the supervisor to its collaborators.
type Deps struct {
	Brain          clients.Brain
	Capabilities   clients.CapabilityExecutor
	MissionControl clients.MissionControl
	Traffic        clients.TrafficManager
	Store          Store
	Bus            Bus
	Tokens         clients.TokenSource
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Set supervises the agents hosted in this process.
type Set struct {
	url       string
	maxAgents int

	deps      Deps
	log       *slog.Logger
	registry  *registry.StepLocationRegistry
	collab    *collab.Manager
	deleg     *delegation.Engine
	conflicts *conflict.Engine
	lifecycle *lifecycle.Manager
	http      *http.Client

	mu     sync.Mutex
	agents map[string]*agent.Agent
}

// New builds a supervisor and its owned engines. Singletons are constructed
// here and injected; nothing reaches back through globals.
func New(opts Options, deps Deps) *Set {
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = 250
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Set{
		url:       opts.URL,
		maxAgents: opts.MaxAgents,
		deps:      deps,
		log:       deps.Logger.With("component", "set"),
		registry:  registry.New(),
		http:      &http.Client{Timeout: 30 * time.Second},
		agents:    make(map[string]*agent.Agent),
	}

	s.collab = collab.NewManager(collabDirectory{s}, deps.Traffic, deps.Tokens, deps.Logger)

	var delegOpts []delegation.Option
	if opts.DelegationTimeout > 0 {
		delegOpts = append(delegOpts, delegation.WithTimeout(opts.DelegationTimeout))
	}
	if opts.SweepInterval > 0 {
		delegOpts = append(delegOpts, delegation.WithSweepInterval(opts.SweepInterval))
	}
	s.deleg = delegation.NewEngine(delegationDirectory{s}, deps.Traffic,
		delegation.NewHTTPForwarder(deps.Tokens), deps.Logger, delegOpts...)

	var conflictOpts []conflict.Option
	if opts.SweepInterval > 0 {
		conflictOpts = append(conflictOpts, conflict.WithSweepInterval(opts.SweepInterval))
	}
	if deps.Metrics != nil {
		conflictOpts = append(conflictOpts, conflict.WithResolutionObserver(func(strategy, status string) {
			deps.Metrics.ConflictResolutions.WithLabelValues(strategy, status).Inc()
		}))
	}
	s.conflicts = conflict.NewEngine(deps.Brain, deps.MissionControl, s.collab, deps.Store, deps.Logger, conflictOpts...)

	s.lifecycle = lifecycle.NewManager(lifecycleDirectory{s}, deps.Store, deps.Tokens,
		opts.CheckpointInterval, opts.HealthInterval, deps.Logger)
	if deps.Metrics != nil {
		s.lifecycle.SetCheckpointObserver(deps.Metrics.CheckpointsTotal.Inc)
	}

	return s
}

// Start launches the delegation handshake subscription, the conflict sweep
// and the lifecycle health monitor.
func (s *Set) Start() error {
	if s.deps.Bus != nil {
		if err := s.deleg.Start(s.deps.Bus); err != nil {
			return fmt.Errorf("starting delegation engine: %w", err)
		}
	}
	s.conflicts.Start()
	s.lifecycle.Start()
	return nil
}

// Stop halts the owned engines. Agents keep their state; callers drain first.
func (s *Set) Stop() {
	s.deleg.Stop()
	s.conflicts.Stop()
	s.lifecycle.Stop()
}

// Drain checkpoints every non-terminal agent best-effort and suspends
// checkpoint timers. Called on shutdown before Stop.
func (s *Set) Drain(ctx context.Context) {
	for _, a := range s.allAgents() {
		s.lifecycle.SuspendTimer(a.ID)
		if a.Status().IsTerminal() {
			continue
		}
		if err := s.lifecycle.Checkpoint(ctx, a.ID); err != nil {
			s.log.Warn("Drain checkpoint failed", "agent_id", a.ID, "error", err)
		}
	}
}

// Conflicts exposes the conflict engine to the HTTP layer.
func (s *Set) Conflicts() *conflict.Engine { return s.conflicts }

// Delegations exposes the delegation engine to the HTTP layer.
func (s *Set) Delegations() *delegation.Engine { return s.deleg }

// Lifecycle exposes the lifecycle manager to the HTTP layer.
func (s *Set) Lifecycle() *lifecycle.Manager { return s.lifecycle }

// Registry exposes the step-location registry to the HTTP layer.
func (s *Set) Registry() *registry.StepLocationRegistry { return s.registry }

// Route delivers a collaboration message, locally or across sets.
func (s *Set) Route(ctx context.Context, msg models.CollaborationMessage) error {
	return s.collab.Route(ctx, msg)
}

// CreateAgent constructs, initializes and starts a new agent. Fails with
// ErrAgentLimit when the set is full.
func (s *Set) CreateAgent(ctx context.Context, cfg agent.Config) (*agent.Agent, error) {
	a := agent.New(cfg, agent.Deps{
		Brain:          s.deps.Brain,
		Capabilities:   s.deps.Capabilities,
		Store:          s.deps.Store,
		Bus:            s.statusPublisher(),
		MissionControl: s.deps.MissionControl,
		Env:            env{s},
		Logger:         s.deps.Logger,
	})

	s.mu.Lock()
	if len(s.agents) >= s.maxAgents {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d agents hosted", ErrAgentLimit, s.maxAgents)
	}
	if _, exists := s.agents[a.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, a.ID)
	}
	s.agents[a.ID] = a
	s.mu.Unlock()

	if err := a.Initialize(ctx, cfg); err != nil {
		s.mu.Lock()
		delete(s.agents, a.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("initializing agent %s: %w", a.ID, err)
	}
	a.Start()

	s.lifecycle.Track(a.ID, a.MissionID)
	s.updateAgentGauge()
	s.log.Info("Agent created", "agent_id", a.ID, "mission_id", a.MissionID, "role", a.Role)
	return a, nil
}

// AdoptAgent hosts an agent migrated from a peer set, resuming it from the
// carried snapshot.
func (s *Set) AdoptAgent(ctx context.Context, snap agent.Snapshot) (*agent.Agent, error) {
	s.mu.Lock()
	if len(s.agents) >= s.maxAgents {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d agents hosted", ErrAgentLimit, s.maxAgents)
	}
	if _, exists := s.agents[snap.AgentID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, snap.AgentID)
	}
	s.mu.Unlock()

	a := agent.New(agent.Config{
		AgentID:        snap.AgentID,
		MissionID:      snap.MissionID,
		Role:           snap.Role,
		MissionContext: snap.MissionContext,
	}, agent.Deps{
		Brain:          s.deps.Brain,
		Capabilities:   s.deps.Capabilities,
		Store:          s.deps.Store,
		Bus:            s.statusPublisher(),
		MissionControl: s.deps.MissionControl,
		Env:            env{s},
		Logger:         s.deps.Logger,
	})

	// Migrated agents land paused and resume once their step locations are
	// registered here.
	snap.Status = models.AgentStatusPaused
	a.RestoreFrom(snap)

	s.mu.Lock()
	s.agents[a.ID] = a
	s.mu.Unlock()

	for _, st := range snap.Steps {
		s.registry.Register(st.ID, registry.Location{AgentID: a.ID, AgentSetURL: s.url})
	}
	if err := a.Resume(ctx); err != nil {
		return nil, fmt.Errorf("resuming migrated agent %s: %w", a.ID, err)
	}
	s.lifecycle.Track(a.ID, a.MissionID)
	s.updateAgentGauge()
	s.log.Info("Agent adopted from peer set", "agent_id", a.ID, "mission_id", a.MissionID)
	return a, nil
}

// AgentCount returns how many agents the set currently hosts.
func (s *Set) AgentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// Agent returns a hosted agent by id.
func (s *Set) Agent(agentID string) (*agent.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	return a, ok
}

// RemoveAgent drops an agent from the set, clears its registry entries and
// tells the TrafficManager. Removing an unknown agent is a warned no-op.
func (s *Set) RemoveAgent(ctx context.Context, agentID string) bool {
	s.mu.Lock()
	_, ok := s.agents[agentID]
	if ok {
		delete(s.agents, agentID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("Removal requested for unknown agent", "agent_id", agentID)
		return false
	}

	removed := s.registry.Remove(agentID)
	s.lifecycle.Untrack(agentID)
	if s.deps.Traffic != nil {
		s.deps.Traffic.NotifyAgentRemoved(ctx, agentID)
	}
	s.updateAgentGauge()
	s.log.Info("Agent removed", "agent_id", agentID, "step_locations_cleared", removed)
	return true
}

// AbortAgent aborts one agent. The agent's abort path asks the supervisor
// for removal.
func (s *Set) AbortAgent(ctx context.Context, agentID string) error {
	a, ok := s.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a.Abort(ctx)
}

// ResumeAgent resumes one paused agent and re-arms its checkpoint timer.
func (s *Set) ResumeAgent(ctx context.Context, agentID string) error {
	a, ok := s.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err := a.Resume(ctx); err != nil {
		return err
	}
	s.lifecycle.ResumeTimer(agentID)
	s.updateAgentGauge()
	return nil
}

// PauseMission pauses every agent of the mission. All agents are attempted;
// the first error is returned.
func (s *Set) PauseMission(ctx context.Context, missionID string) (int, error) {
	agents := s.missionAgents(missionID)
	var g errgroup.Group
	for _, a := range agents {
		a := a
		g.Go(func() error {
			s.lifecycle.SuspendTimer(a.ID)
			return a.Pause(ctx)
		})
	}
	err := g.Wait()
	s.updateAgentGauge()
	return len(agents), err
}

// ResumeMission resumes every paused agent of the mission.
func (s *Set) ResumeMission(ctx context.Context, missionID string) (int, error) {
	resumed := 0
	var g errgroup.Group
	var mu sync.Mutex
	for _, a := range s.missionAgents(missionID) {
		a := a
		g.Go(func() error {
			if a.Status() != models.AgentStatusPaused {
				return nil
			}
			if err := a.Resume(ctx); err != nil {
				return err
			}
			s.lifecycle.ResumeTimer(a.ID)
			mu.Lock()
			resumed++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	s.updateAgentGauge()
	return resumed, err
}

// AbortMission aborts every agent of the mission. All agents are attempted
// regardless of individual failures.
func (s *Set) AbortMission(ctx context.Context, missionID string) (int, error) {
	agents := s.missionAgents(missionID)
	var g errgroup.Group
	for _, a := range agents {
		a := a
		g.Go(func() error { return a.Abort(ctx) })
	}
	err := g.Wait()
	s.updateAgentGauge()
	return len(agents), err
}

// CheckAndFixStuckAgents sweeps every agent for steps stuck waiting on user
// input that can already be resolved. Returns how many steps were repaired.
func (s *Set) CheckAndFixStuckAgents() int {
	fixed := 0
	for _, a := range s.allAgents() {
		fixed += a.CheckAndFixStuckUserInput()
	}
	if fixed > 0 {
		s.log.Info("Repaired stuck user-input steps", "count", fixed)
	}
	return fixed
}

// StepSummary is one step row in mission statistics.
type StepSummary struct {
	ID          string            `json:"id"`
	ActionVerb  string            `json:"actionVerb"`
	Description string            `json:"description,omitempty"`
	Status      models.StepStatus `json:"status"`
}

// AgentStatistics summarizes one agent for the statistics endpoint.
type AgentStatistics struct {
	AgentID   string             `json:"agentId"`
	Role      string             `json:"role"`
	Status    models.AgentStatus `json:"status"`
	StepCount int                `json:"stepCount"`
	Steps     []StepSummary      `json:"steps"`
}

// MissionStatistics aggregates the mission's agents hosted on this set.
// AgentsCount always equals len(Agents).
type MissionStatistics struct {
	MissionID        string            `json:"missionId"`
	AgentsCount      int               `json:"agentsCount"`
	StatusCounts     map[string]int    `json:"statusCounts"`
	StepStatusCounts map[string]int    `json:"stepStatusCounts"`
	Agents           []AgentStatistics `json:"agents"`
}

// Statistics aggregates this set's view of a mission.
func (s *Set) Statistics(missionID string) MissionStatistics {
	stats := MissionStatistics{
		MissionID:        missionID,
		StatusCounts:     make(map[string]int),
		StepStatusCounts: make(map[string]int),
	}
	for _, a := range s.missionAgents(missionID) {
		status := a.Status()
		entry := AgentStatistics{
			AgentID: a.ID,
			Role:    a.Role,
			Status:  status,
		}
		for _, st := range a.Steps() {
			entry.Steps = append(entry.Steps, StepSummary{
				ID:          st.ID,
				ActionVerb:  st.ActionVerb,
				Description: st.Description,
				Status:      st.Status,
			})
			stats.StepStatusCounts[string(st.Status)]++
		}
		entry.StepCount = len(entry.Steps)
		stats.StatusCounts[string(status)]++
		stats.Agents = append(stats.Agents, entry)
	}
	stats.AgentsCount = len(stats.Agents)
	return stats
}

func (s *Set) allAgents() []*agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

func (s *Set) missionAgents(missionID string) []*agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*agent.Agent
	for _, a := range s.agents {
		if a.MissionID == missionID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Set) updateAgentGauge() {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.AgentsByStatus.Reset()
	for _, a := range s.allAgents() {
		s.deps.Metrics.AgentsByStatus.WithLabelValues(string(a.Status())).Inc()
	}
}

// statusPublisher returns the bus surface handed to agents, tolerating a
// nil bus in degraded deployments.
func (s *Set) statusPublisher() agent.StatusPublisher {
	if s.deps.Bus == nil {
		return noopPublisher{}
	}
	return busPublisher{set: s}
}

type noopPublisher struct{}

func (noopPublisher) PublishStatusUpdate(context.Context, models.StatusUpdate) error { return nil }

// busPublisher forwards to the bus and counts publish failures.
type busPublisher struct{ set *Set }

func (p busPublisher) PublishStatusUpdate(ctx context.Context, update models.StatusUpdate) error {
	err := p.set.deps.Bus.PublishStatusUpdate(ctx, update)
	if err != nil && p.set.deps.Metrics != nil {
		p.set.deps.Metrics.BusPublishFailures.Inc()
	}
	return err
}

// env is the narrow supervisor surface handed to agents.
type env struct{ set *Set }

// MissionSteps returns consistent copies of every mission step hosted here.
// Copies, not live pointers: each agent's loop mutates its own steps under
// its own lock, so handing one agent's resolver another agent's live steps
// would race.
func (e env) MissionSteps(missionID string) []*step.Step {
	var out []*step.Step
	for _, a := range e.set.missionAgents(missionID) {
		out = append(out, a.StepSnapshots()...)
	}
	return out
}

func (e env) RemoteOutputs(ctx context.Context, stepID string) ([]models.PluginOutput, bool, error) {
	loc, ok := e.set.registry.Get(stepID)
	if !ok {
		return nil, false, nil
	}

	if loc.AgentSetURL == "" || loc.AgentSetURL == e.set.url {
		if a, hosted := e.set.Agent(loc.AgentID); hosted {
			for _, st := range a.Steps() {
				if st.ID == stepID && st.Status == models.StepStatusCompleted {
					return st.Result, true, nil
				}
			}
		}
		wp, err := e.set.deps.Store.LoadWorkProduct(ctx, loc.AgentID, stepID)
		if err != nil || wp == nil {
			return nil, false, err
		}
		return wp.Data, true, nil
	}

	return e.set.fetchRemoteOutputs(ctx, loc.AgentSetURL, stepID)
}

func (e env) RegisterStepLocation(stepID, agentID string) {
	e.set.registry.Register(stepID, registry.Location{AgentID: agentID, AgentSetURL: e.set.url})
}

// Delegate picks a specialized recipient for the step and runs the
// delegation handshake. With no matching specialist the delegation is
// rejected and the step runs on the delegator.
func (e env) Delegate(ctx context.Context, delegatorID string, st *step.Step) (bool, string, error) {
	recipientID := e.set.findSpecialist(st.MissionID, st.RecommendedRole, delegatorID)
	if recipientID == "" {
		e.set.countDelegation("no_specialist")
		return false, fmt.Sprintf("no %s agent available in mission %s", st.RecommendedRole, st.MissionID), nil
	}

	resp, err := e.set.deleg.DelegateTask(ctx, delegatorID, recipientID, delegation.Request{
		StepID:      st.ID,
		TaskType:    st.ActionVerb,
		Description: st.Description,
		Priority:    models.PriorityNormal,
	})
	switch {
	case err != nil:
		e.set.countDelegation("error")
	case resp.Accepted:
		e.set.countDelegation("accepted")
	default:
		e.set.countDelegation("rejected")
	}
	return resp.Accepted, resp.Reason, err
}

func (e env) NotifyStepCompleted(ctx context.Context, delegatingAgentID string, st *step.Step) {
	err := e.set.collab.NotifyStepCompleted(ctx, st.OwnerAgentID, delegatingAgentID, st.MissionID, st.ID)
	if err != nil {
		e.set.log.Warn("Failed to notify delegating agent of completion",
			"delegator_id", delegatingAgentID, "step_id", st.ID, "error", err)
	}
}

func (e env) AgentAborted(agentID string) {
	e.set.RemoveAgent(context.Background(), agentID)
}

func (e env) StepFinished(result string) {
	if e.set.deps.Metrics != nil {
		e.set.deps.Metrics.StepsExecuted.WithLabelValues(result).Inc()
	}
}

// findSpecialist returns a non-terminal mission agent carrying the wanted
// role, excluding the delegator.
func (s *Set) findSpecialist(missionID, role, excludeID string) string {
	for _, a := range s.missionAgents(missionID) {
		if a.ID == excludeID || a.Role != role {
			continue
		}
		if a.Status().IsTerminal() {
			continue
		}
		return a.ID
	}
	return ""
}

func (s *Set) countDelegation(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Delegations.WithLabelValues(outcome).Inc()
	}
}

// fetchRemoteOutputs asks the AgentSet hosting the step for its outputs.
func (s *Set) fetchRemoteOutputs(ctx context.Context, agentSetURL, stepID string) ([]models.PluginOutput, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+agentSetURL+"/stepOutputs/"+stepID, nil)
	if err != nil {
		return nil, false, err
	}
	if s.deps.Tokens != nil {
		token, err := s.deps.Tokens.Token(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("acquiring service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetching outputs of step %s from %s: %w", stepID, agentSetURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("peer set %s: status %d", agentSetURL, resp.StatusCode)
	}

	var payload struct {
		Outputs []models.PluginOutput `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("decoding step outputs: %w", err)
	}
	return payload.Outputs, true, nil
}

// StepOutputs serves the outputs of a locally hosted completed step. Used by
// the HTTP layer to answer peer sets.
func (s *Set) StepOutputs(ctx context.Context, stepID string) ([]models.PluginOutput, bool, error) {
	loc, ok := s.registry.Get(stepID)
	if !ok {
		return nil, false, nil
	}
	if a, hosted := s.Agent(loc.AgentID); hosted {
		for _, st := range a.StepSnapshots() {
			if st.ID == stepID && st.Status == models.StepStatusCompleted {
				return st.Result, true, nil
			}
		}
	}
	wp, err := s.deps.Store.LoadWorkProduct(ctx, loc.AgentID, stepID)
	if err != nil || wp == nil {
		return nil, false, err
	}
	return wp.Data, true, nil
}

// directory adapters give each engine the narrow view it consumes.

type delegationDirectory struct{ set *Set }

func (d delegationDirectory) LocalAgent(agentID string) (delegation.Agent, bool) {
	a, ok := d.set.Agent(agentID)
	if !ok {
		return nil, false
	}
	return a, true
}

type collabDirectory struct{ set *Set }

func (d collabDirectory) LocalAgent(agentID string) (collab.Recipient, bool) {
	a, ok := d.set.Agent(agentID)
	if !ok {
		return nil, false
	}
	return a, true
}

type lifecycleDirectory struct{ set *Set }

func (d lifecycleDirectory) LocalAgent(agentID string) (lifecycle.Agent, bool) {
	a, ok := d.set.Agent(agentID)
	if !ok {
		return nil, false
	}
	return a, true
}
