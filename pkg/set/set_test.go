package set

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecraft/agentset/pkg/agent"
	"github.com/stagecraft/agentset/pkg/bus"
	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/registry"
	"github.com/stagecraft/agentset/pkg/step"
)

type fakeStore struct {
	mu           sync.Mutex
	events       []models.Event
	workProducts map[string]models.WorkProduct
	states       map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workProducts: make(map[string]models.WorkProduct),
		states:       make(map[string]any),
	}
}

func (s *fakeStore) RecordEvent(_ context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStore) SaveWorkProduct(_ context.Context, wp models.WorkProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workProducts[wp.AgentID+"-"+wp.StepID] = wp
	return nil
}

func (s *fakeStore) SaveAgentState(_ context.Context, key string, state any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state
	return nil
}

func (s *fakeStore) LoadAgentState(_ context.Context, key string, _ any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[key]
	return ok, nil
}

func (s *fakeStore) LoadWorkProduct(_ context.Context, agentID, stepID string) (*models.WorkProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.workProducts[agentID+"-"+stepID]
	if !ok {
		return nil, nil
	}
	return &wp, nil
}

func (s *fakeStore) SaveConflict(context.Context, models.Conflict) error { return nil }

type fakeBus struct {
	mu      sync.Mutex
	updates []models.StatusUpdate
}

func (b *fakeBus) PublishStatusUpdate(_ context.Context, update models.StatusUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, update)
	return nil
}

func (b *fakeBus) Subscribe(string, bus.Handler) error { return nil }

type fakeBrain struct{}

func (fakeBrain) Chat(context.Context, clients.ConversationType, []models.ConversationEntry) (string, error) {
	return "summary", nil
}

func (fakeBrain) Plan(context.Context, string, string) ([]models.PlanTask, error) {
	return nil, errors.New("planning disabled in this test")
}

// fakeCapabilities blocks until the context is cancelled, keeping steps
// mid-execution so tests control the timeline.
type fakeCapabilities struct{}

func (fakeCapabilities) ExecuteVerb(ctx context.Context, _ clients.CapabilityRequest) ([]models.PluginOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeMissionControl struct{}

func (fakeMissionControl) NotifyAgentUpdate(context.Context, string, string, models.AgentStatus, string) {
}
func (fakeMissionControl) NotifyEscalation(context.Context, models.Conflict)      {}
func (fakeMissionControl) NotifyStepFailure(context.Context, string, string, string, string) {}
func (fakeMissionControl) NotifyWorkProduct(context.Context, models.WorkProduct)  {}

type fakeTraffic struct {
	mu      sync.Mutex
	removed []string
}

func (t *fakeTraffic) ResolveAgentSet(context.Context, string) (string, error) {
	return "", errors.New("unknown agent")
}

func (t *fakeTraffic) NotifyAgentRemoved(_ context.Context, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, agentID)
}

func newTestSet(t *testing.T, opts Options) (*Set, *fakeStore, *fakeTraffic) {
	t.Helper()
	store := newFakeStore()
	traffic := &fakeTraffic{}
	if opts.URL == "" {
		opts.URL = "localhost:9001"
	}
	s := New(opts, Deps{
		Brain:          fakeBrain{},
		Capabilities:   fakeCapabilities{},
		MissionControl: fakeMissionControl{},
		Traffic:        traffic,
		Store:          store,
		Bus:            &fakeBus{},
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, store, traffic
}

func createAgent(t *testing.T, s *Set, agentID, missionID, role string) *agent.Agent {
	t.Helper()
	a, err := s.CreateAgent(context.Background(), agent.Config{
		AgentID:    agentID,
		MissionID:  missionID,
		Role:       role,
		ActionVerb: "SCRAPE",
		Goal:       "collect the dataset",
	})
	require.NoError(t, err)
	return a
}

func TestCreateAgentEnforcesLimit(t *testing.T) {
	s, _, _ := newTestSet(t, Options{MaxAgents: 2})

	createAgent(t, s, "a1", "m1", "")
	createAgent(t, s, "a2", "m1", "")

	_, err := s.CreateAgent(context.Background(), agent.Config{AgentID: "a3", MissionID: "m1"})
	assert.ErrorIs(t, err, ErrAgentLimit)
}

func TestCreateDuplicateAgentFails(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	createAgent(t, s, "a1", "m1", "")

	_, err := s.CreateAgent(context.Background(), agent.Config{AgentID: "a1", MissionID: "m1"})
	assert.ErrorIs(t, err, ErrAgentExists)
}

func TestStatisticsCountsMatchAgents(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	createAgent(t, s, "a1", "m1", "executor")
	createAgent(t, s, "a2", "m1", "researcher")
	createAgent(t, s, "other", "m2", "executor")

	stats := s.Statistics("m1")
	assert.Equal(t, 2, stats.AgentsCount)
	assert.Len(t, stats.Agents, stats.AgentsCount)
	total := 0
	for _, n := range stats.StatusCounts {
		total += n
	}
	assert.Equal(t, stats.AgentsCount, total)
	for _, a := range stats.Agents {
		assert.Equal(t, a.StepCount, len(a.Steps))
		assert.GreaterOrEqual(t, a.StepCount, 1)
	}
}

func TestRemoveAgentIsIdempotent(t *testing.T) {
	s, _, traffic := newTestSet(t, Options{})
	createAgent(t, s, "a1", "m1", "")

	assert.True(t, s.RemoveAgent(context.Background(), "a1"))
	assert.False(t, s.RemoveAgent(context.Background(), "a1"))

	traffic.mu.Lock()
	defer traffic.mu.Unlock()
	assert.Equal(t, []string{"a1"}, traffic.removed)
}

func TestAbortRemovesAgentFromSet(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	a := createAgent(t, s, "a1", "m1", "")

	require.NoError(t, s.AbortAgent(context.Background(), "a1"))

	assert.Equal(t, models.AgentStatusAborted, a.Status())
	_, hosted := s.Agent("a1")
	assert.False(t, hosted)
	assert.Equal(t, 0, s.Registry().Len())
}

func TestAbortMissionHitsEveryAgent(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	a1 := createAgent(t, s, "a1", "m1", "")
	a2 := createAgent(t, s, "a2", "m1", "")
	other := createAgent(t, s, "b1", "m2", "")

	count, err := s.AbortMission(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, models.AgentStatusAborted, a1.Status())
	assert.Equal(t, models.AgentStatusAborted, a2.Status())
	assert.Equal(t, models.AgentStatusRunning, other.Status())
}

func TestPauseAndResumeMission(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	a := createAgent(t, s, "a1", "m1", "")

	count, err := s.PauseMission(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, models.AgentStatusPaused, a.Status())

	resumed, err := s.ResumeMission(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, models.AgentStatusRunning, a.Status())
}

func TestMissionStepsAggregatesAcrossAgents(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	createAgent(t, s, "a1", "m1", "")
	createAgent(t, s, "a2", "m1", "")

	steps := env{s}.MissionSteps("m1")
	assert.GreaterOrEqual(t, len(steps), 2)
	for _, st := range steps {
		assert.Equal(t, "m1", st.MissionID)
	}
}

// Mission steps handed to another agent's resolver must be copies: the
// owning agent's loop mutates its live steps under its own lock.
func TestMissionStepsAreIsolatedCopies(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	a := createAgent(t, s, "a1", "m1", "")
	require.NoError(t, a.Pause(context.Background()))

	view := env{s}.MissionSteps("m1")
	require.NotEmpty(t, view)
	live := a.Steps()
	require.NotEmpty(t, live)

	for _, v := range view {
		for _, l := range live {
			assert.NotSame(t, l, v)
		}
	}

	// Writes through the view never reach the live step.
	before := live[0].Status
	view[0].Status = models.StepStatusCancelled
	view[0].Dependencies = append(view[0].Dependencies, models.Dependency{
		InputName: "x", SourceStepID: "ghost", OutputName: "out",
	})
	assert.Equal(t, before, a.Steps()[0].Status)
	for _, dep := range a.Steps()[0].Dependencies {
		assert.NotEqual(t, "ghost", dep.SourceStepID)
	}
}

func TestDelegateWithoutSpecialistRejects(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	createAgent(t, s, "a1", "m1", "executor")

	accepted, reason, err := env{s}.Delegate(context.Background(), "a1", &step.Step{
		ID:              "s-x",
		MissionID:       "m1",
		RecommendedRole: "coder",
	})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Contains(t, reason, "no coder agent")
}

func TestDelegateTransfersToSpecialist(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})
	delegator := createAgent(t, s, "a1", "m1", "executor")
	specialist := createAgent(t, s, "a2", "m1", "coder")

	require.Eventually(t, func() bool {
		return specialist.Status() == models.AgentStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Hand one of the delegator's real steps over.
	steps := delegator.Steps()
	require.NotEmpty(t, steps)
	target := steps[0]
	target.RecommendedRole = "coder"

	accepted, reason, err := env{s}.Delegate(context.Background(), "a1", target)
	require.NoError(t, err)
	assert.True(t, accepted, reason)

	found := false
	for _, st := range specialist.Steps() {
		if st.ID == target.ID {
			found = true
			assert.Equal(t, "a1", st.DelegatingAgentID)
		}
	}
	assert.True(t, found, "specialist should own the delegated step")
}

func TestStepOutputsServedFromWorkProduct(t *testing.T) {
	s, store, _ := newTestSet(t, Options{})
	createAgent(t, s, "a1", "m1", "")

	s.Registry().Register("s-done", registry.Location{AgentID: "a-gone", AgentSetURL: s.url})
	store.mu.Lock()
	store.workProducts["a-gone-s-done"] = models.WorkProduct{
		AgentID: "a-gone",
		StepID:  "s-done",
		Data:    []models.PluginOutput{{Name: "answer", Result: "42"}},
	}
	store.mu.Unlock()

	outputs, found, err := s.StepOutputs(context.Background(), "s-done")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, outputs, 1)
	assert.Equal(t, "answer", outputs[0].Name)
}

func TestAdoptAgentResumesSnapshot(t *testing.T) {
	s, _, _ := newTestSet(t, Options{})

	snap := agent.Snapshot{
		AgentID:   "mig-1",
		MissionID: "m1",
		Role:      "coder",
		Status:    models.AgentStatusRunning,
		Steps: []*step.Step{{
			ID:           "s1",
			MissionID:    "m1",
			OwnerAgentID: "mig-1",
			StepNo:       1,
			ActionVerb:   "CODE",
			Status:       models.StepStatusPending,
		}},
		NextStepNo: 2,
	}

	a, err := s.AdoptAgent(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, a.Status())

	loc, ok := s.Registry().Get("s1")
	require.True(t, ok)
	assert.Equal(t, "mig-1", loc.AgentID)

	_, err = s.AdoptAgent(context.Background(), snap)
	assert.ErrorIs(t, err, ErrAgentExists)
}
