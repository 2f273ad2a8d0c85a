package step

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagecraft/agentset/pkg/models"
)

// eventSink collects recorded events.
type eventSink struct {
	events []models.Event
}

func (s *eventSink) RecordEvent(_ context.Context, event models.Event) {
	s.events = append(s.events, event)
}

func completedStep(id string, outputs ...models.PluginOutput) *Step {
	return &Step{
		ID:           id,
		MissionID:    "mission-1",
		OwnerAgentID: "agent-1",
		Status:       models.StepStatusCompleted,
		Result:       outputs,
	}
}

func TestAreDependenciesSatisfied(t *testing.T) {
	producer := completedStep("p", models.PluginOutput{Success: true, Name: "poem", Result: "roses"})
	consumer := &Step{
		ID:     "c",
		Status: models.StepStatusPending,
		Dependencies: []models.Dependency{
			{InputName: "content", SourceStepID: "p", OutputName: "poem"},
		},
	}
	all := []*Step{producer, consumer}

	assert.True(t, consumer.AreDependenciesSatisfied(all))

	t.Run("source not completed", func(t *testing.T) {
		producer.Status = models.StepStatusRunning
		defer func() { producer.Status = models.StepStatusCompleted }()
		assert.False(t, consumer.AreDependenciesSatisfied(all))
	})

	t.Run("missing output with multiple candidates", func(t *testing.T) {
		multi := completedStep("p2",
			models.PluginOutput{Name: "a", Result: 1},
			models.PluginOutput{Name: "b", Result: 2},
		)
		c := &Step{
			ID:           "c2",
			Status:       models.StepStatusPending,
			Dependencies: []models.Dependency{{InputName: "x", SourceStepID: "p2", OutputName: "z"}},
		}
		assert.False(t, c.AreDependenciesSatisfied([]*Step{multi, c}))
	})

	t.Run("missing output with sole candidate auto-maps", func(t *testing.T) {
		sole := completedStep("p3", models.PluginOutput{Name: "answer", Result: "42"})
		c := &Step{
			ID:           "c3",
			Status:       models.StepStatusPending,
			Dependencies: []models.Dependency{{InputName: "x", SourceStepID: "p3", OutputName: "z"}},
		}
		assert.True(t, c.AreDependenciesSatisfied([]*Step{sole, c}))
	})
}

func TestAreDependenciesPermanentlyUnsatisfied(t *testing.T) {
	failed := &Step{ID: "f", Status: models.StepStatusError}
	c := &Step{
		ID:           "c",
		Status:       models.StepStatusPending,
		Dependencies: []models.Dependency{{InputName: "x", SourceStepID: "f", OutputName: "out"}},
	}
	assert.True(t, c.AreDependenciesPermanentlyUnsatisfied([]*Step{failed, c}))

	failed.Status = models.StepStatusCancelled
	assert.True(t, c.AreDependenciesPermanentlyUnsatisfied([]*Step{failed, c}))

	failed.Status = models.StepStatusRunning
	assert.False(t, c.AreDependenciesPermanentlyUnsatisfied([]*Step{failed, c}))

	t.Run("live alternative source keeps the dependent viable", func(t *testing.T) {
		failed := &Step{ID: "f", Status: models.StepStatusError, Outputs: map[string]string{"out": "result"}}
		alt := &Step{ID: "alt", Status: models.StepStatusPending, Outputs: map[string]string{"out": "result"}}
		c := &Step{
			ID:           "c",
			Status:       models.StepStatusPending,
			Dependencies: []models.Dependency{{InputName: "x", SourceStepID: "f", OutputName: "out"}},
		}
		assert.False(t, c.AreDependenciesPermanentlyUnsatisfied([]*Step{failed, alt, c}))

		// A dead alternative is no recovery path.
		alt.Status = models.StepStatusCancelled
		assert.True(t, c.AreDependenciesPermanentlyUnsatisfied([]*Step{failed, alt, c}))
	})
}

// E1 — auto-mapping fallback: the consumer's declared output name is absent
// but the producer has exactly one output.
func TestDereferenceInputs_AutoMapping(t *testing.T) {
	producer := completedStep("P", models.PluginOutput{
		Success:    true,
		Name:       "answer",
		ResultType: models.ValueTypeString,
		Result:     "The poem",
	})
	producer.ActionVerb = "GENERATE"

	consumer := &Step{
		ID:           "C",
		MissionID:    "mission-1",
		OwnerAgentID: "agent-1",
		Status:       models.StepStatusPending,
		Dependencies: []models.Dependency{
			{InputName: "content", SourceStepID: "P", OutputName: "poem"},
		},
	}
	all := []*Step{producer, consumer}
	require.True(t, consumer.AreDependenciesSatisfied(all))

	sink := &eventSink{}
	require.NoError(t, consumer.DereferenceInputs(context.Background(), all, sink))

	iv := consumer.InputValues["content"]
	assert.Equal(t, "The poem", iv.Value)
	assert.Equal(t, "answer", iv.Args[models.ArgAutoMappedFrom])

	require.Len(t, sink.events, 1)
	evt := sink.events[0]
	assert.Equal(t, models.EventDependencyAutoRemap, evt.EventType)
	assert.Equal(t, "P", evt.Payload["fromStepId"])
	assert.Equal(t, "C", evt.Payload["toStepId"])
	assert.Equal(t, "content", evt.Payload["inputName"])
	assert.Equal(t, "answer", evt.Payload["mappedFrom"])
}

func TestDereferenceInputs_ExactMatchEmitsNoEvent(t *testing.T) {
	producer := completedStep("P",
		models.PluginOutput{Name: "poem", Result: "roses"},
		models.PluginOutput{Name: "meta", Result: "haiku"},
	)
	consumer := &Step{
		ID:     "C",
		Status: models.StepStatusPending,
		Dependencies: []models.Dependency{
			{InputName: "content", SourceStepID: "P", OutputName: "poem"},
		},
	}

	sink := &eventSink{}
	require.NoError(t, consumer.DereferenceInputs(context.Background(), []*Step{producer, consumer}, sink))

	assert.Equal(t, "roses", consumer.InputValues["content"].Value)
	assert.Nil(t, consumer.InputValues["content"].Args)
	assert.Empty(t, sink.events)
}

// fakeEnv implements ExecutionEnv over in-memory data.
type fakeEnv struct {
	eventSink
	mission []*Step
	remote  map[string][]models.PluginOutput
}

func (e *fakeEnv) MissionSteps(string) []*Step { return e.mission }

func (e *fakeEnv) RemoteOutputs(_ context.Context, stepID string) ([]models.PluginOutput, bool, error) {
	outputs, ok := e.remote[stepID]
	return outputs, ok, nil
}

func TestDereferenceInputsForExecution_CrossSet(t *testing.T) {
	consumer := &Step{
		ID:        "C",
		MissionID: "mission-1",
		Status:    models.StepStatusPending,
		Dependencies: []models.Dependency{
			{InputName: "summary", SourceStepID: "remote-step", OutputName: "summary"},
		},
	}
	env := &fakeEnv{
		mission: []*Step{consumer},
		remote: map[string][]models.PluginOutput{
			"remote-step": {{Name: "summary", Result: "remote data"}},
		},
	}

	require.NoError(t, consumer.DereferenceInputsForExecution(context.Background(), env))
	assert.Equal(t, "remote data", consumer.InputValues["summary"].Value)
}

func TestDereferenceInputsForExecution_UnknownSource(t *testing.T) {
	consumer := &Step{
		ID:        "C",
		MissionID: "mission-1",
		Dependencies: []models.Dependency{
			{InputName: "x", SourceStepID: "nowhere", OutputName: "y"},
		},
	}
	env := &fakeEnv{mission: []*Step{consumer}, remote: map[string][]models.PluginOutput{}}

	err := consumer.DereferenceInputsForExecution(context.Background(), env)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not in registry")
}

func TestDereferenceInputsForExecution_Placeholders(t *testing.T) {
	peer := completedStep("peer", models.PluginOutput{Name: "city", Result: "Lisbon"})
	consumer := &Step{
		ID:        "C",
		MissionID: "mission-1",
		InputValues: map[string]models.InputValue{
			"question": {InputName: "question", Value: "What is the weather in {city}?", ValueType: models.ValueTypeString},
		},
	}
	env := &fakeEnv{mission: []*Step{peer, consumer}}

	require.NoError(t, consumer.DereferenceInputsForExecution(context.Background(), env))
	assert.Equal(t, "What is the weather in Lisbon?", consumer.InputValues["question"].Value)
	assert.False(t, consumer.HasUnresolvedPlaceholders())
}

func TestHasUnresolvedPlaceholders(t *testing.T) {
	s := &Step{InputValues: map[string]models.InputValue{
		"q": {Value: "ask about {foo}"},
	}}
	assert.True(t, s.HasUnresolvedPlaceholders())

	s.InputValues["q"] = models.InputValue{Value: "no placeholders here"}
	assert.False(t, s.HasUnresolvedPlaceholders())
}

func TestSetStatus_TerminalGuard(t *testing.T) {
	s := &Step{ID: "s", Status: models.StepStatusCompleted}

	err := s.SetStatus(models.StepStatusRunning)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, models.StepStatusCompleted, s.Status)

	// PENDING is the explicit retry path out of a terminal status.
	require.NoError(t, s.SetStatus(models.StepStatusPending))
	assert.Equal(t, models.StepStatusPending, s.Status)
}

func TestMapPluginOutputsToCustomNames(t *testing.T) {
	s := &Step{Outputs: map[string]string{"report": "the final report"}}

	mapped := s.MapPluginOutputsToCustomNames([]models.PluginOutput{
		{Name: "output", Result: "content"},
	})
	require.Len(t, mapped, 1)
	assert.Equal(t, "report", mapped[0].Name)

	// Matching names are left alone.
	kept := s.MapPluginOutputsToCustomNames([]models.PluginOutput{
		{Name: "report", Result: "content"},
	})
	assert.Equal(t, "report", kept[0].Name)
}

func TestIsEndpointAndOutputKind(t *testing.T) {
	a := completedStep("a", models.PluginOutput{Name: "x", Result: 1})
	b := &Step{
		ID:           "b",
		Status:       models.StepStatusPending,
		Dependencies: []models.Dependency{{InputName: "x", SourceStepID: "a", OutputName: "x"}},
	}
	all := []*Step{a, b}

	assert.False(t, a.IsEndpoint(all))
	assert.True(t, b.IsEndpoint(all))
	assert.Equal(t, OutputInterim, a.OutputKindIn(all))
	assert.Equal(t, OutputFinal, b.OutputKindIn(all))

	planStep := completedStep("p", models.PluginOutput{Name: "plan", ResultType: models.ValueTypePlan})
	assert.Equal(t, OutputPlan, planStep.OutputKindIn([]*Step{planStep}))
}

func TestHasDeliverableOutputs(t *testing.T) {
	s := &Step{Result: []models.PluginOutput{{Name: "report", MimeType: "text/markdown"}}}
	assert.True(t, s.HasDeliverableOutputs())

	s = &Step{Result: []models.PluginOutput{{Name: "report"}}}
	assert.False(t, s.HasDeliverableOutputs())
}
