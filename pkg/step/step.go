// Package step implements the task nodes of an agent's DAG: dependency
// evaluation, input dereferencing with auto-mapping fallback, plan expansion,
// and the mission-wide dependency resolver.
package step

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/stagecraft/agentset/pkg/models"
)

// Distinguished action verbs.
const (
	VerbAccomplish      = "ACCOMPLISH"
	VerbReflect         = "REFLECT"
	VerbAsk             = "ASK"
	VerbAskUserQuestion = "ASK_USER_QUESTION"
	VerbRegroup         = "REGROUP"
	VerbAwaitSignal     = "AWAIT_SIGNAL"
)

// OutputKind classifies what a step's output means to the mission.
type OutputKind string

// Output kinds.
const (
	OutputInterim OutputKind = "INTERIM"
	OutputFinal   OutputKind = "FINAL"
	OutputPlan    OutputKind = "PLAN"
)

// EventRecorder receives persistence events emitted during dereferencing.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event models.Event)
}

// Step is one task node in an agent's DAG. A step is mutated only by its
// owning agent's loop, which serializes access.
type Step struct {
	ID                string                           `json:"id"`
	MissionID         string                           `json:"missionId"`
	OwnerAgentID      string                           `json:"ownerAgentId"`
	StepNo            int                              `json:"stepNo"`
	ActionVerb        string                           `json:"actionVerb"`
	Description       string                           `json:"description,omitempty"`
	Status            models.StepStatus                `json:"status"`
	InputReferences   map[string]models.InputReference `json:"inputReferences,omitempty"`
	InputValues       map[string]models.InputValue     `json:"inputValues,omitempty"`
	Outputs           map[string]string                `json:"outputs,omitempty"`
	Dependencies      []models.Dependency              `json:"dependencies,omitempty"`
	Result            []models.PluginOutput            `json:"result,omitempty"`
	RecommendedRole   string                           `json:"recommendedRole,omitempty"`
	DelegatingAgentID string                           `json:"delegatingAgentId,omitempty"`
	AwaitsSignal      string                           `json:"awaitsSignal,omitempty"`
}

// ErrIllegalTransition is wrapped by SetStatus on a forbidden status change.
var ErrIllegalTransition = fmt.Errorf("illegal step status transition")

// SetStatus transitions the step, rejecting moves out of a terminal status.
// The only exit from a terminal status is PENDING, used by the explicit retry
// paths (placeholder retry, conflict-driven retry, abort recovery).
func (s *Step) SetStatus(next models.StepStatus) error {
	if s.Status.IsTerminal() && next != models.StepStatusPending {
		return fmt.Errorf("%w: %s → %s on step %s", ErrIllegalTransition, s.Status, next, s.ID)
	}
	s.Status = next
	return nil
}

// Reset returns the step to PENDING for a retry, clearing stale results.
func (s *Step) Reset() {
	s.Status = models.StepStatusPending
	s.Result = nil
}

// findStep returns the step with the given id, or nil.
func findStep(all []*Step, id string) *Step {
	for _, s := range all {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// resolveOutput locates the dependency's named output on the source step.
// If the exact name is absent but the source produced exactly one output,
// that sole output is used and its actual name returned as mappedFrom.
func resolveOutput(source *Step, outputName string) (out models.PluginOutput, mappedFrom string, ok bool) {
	for _, o := range source.Result {
		if o.Name == outputName {
			return o, "", true
		}
	}
	if len(source.Result) == 1 {
		return source.Result[0], source.Result[0].Name, true
	}
	return models.PluginOutput{}, "", false
}

// AreDependenciesSatisfied reports whether every dependency's source step is
// COMPLETED with a resolvable output: an exact outputName match, or a sole
// output eligible for auto-mapping.
func (s *Step) AreDependenciesSatisfied(all []*Step) bool {
	for _, dep := range s.Dependencies {
		source := findStep(all, dep.SourceStepID)
		if source == nil || source.Status != models.StepStatusCompleted {
			return false
		}
		if _, _, ok := resolveOutput(source, dep.OutputName); !ok {
			return false
		}
	}
	return true
}

// AreDependenciesPermanentlyUnsatisfied reports whether any dependency source
// is ERROR or CANCELLED with no recovery path: no live mission step declares
// the same output, so no alternative mapping can ever satisfy the input.
func (s *Step) AreDependenciesPermanentlyUnsatisfied(all []*Step) bool {
	for _, dep := range s.Dependencies {
		source := findStep(all, dep.SourceStepID)
		if source == nil {
			continue
		}
		if source.Status != models.StepStatusError && source.Status != models.StepStatusCancelled {
			continue
		}
		if HasAlternativeSource(all, dep.SourceStepID, dep.OutputName) {
			continue
		}
		return true
	}
	return false
}

// HasAlternativeSource reports whether a live mission step other than the
// failed one declares the output, leaving a recovery path for dependents.
func HasAlternativeSource(all []*Step, failedID, outputName string) bool {
	for _, s := range all {
		if s.ID == failedID || s.Status == models.StepStatusError || s.Status == models.StepStatusCancelled {
			continue
		}
		if _, ok := s.Outputs[outputName]; ok {
			return true
		}
	}
	return false
}

// DereferenceInputs populates InputValues from the completed sources of every
// dependency. Auto-mapped inputs record the producer's actual output name
// under args.auto_mapped_from and emit a dependency_auto_remap event.
func (s *Step) DereferenceInputs(ctx context.Context, all []*Step, rec EventRecorder) error {
	if s.InputValues == nil {
		s.InputValues = make(map[string]models.InputValue)
	}
	for _, dep := range s.Dependencies {
		source := findStep(all, dep.SourceStepID)
		if source == nil {
			return fmt.Errorf("step %s: dependency source %s not found", s.ID, dep.SourceStepID)
		}
		if err := s.materializeInput(ctx, dep, source.Result, rec); err != nil {
			return err
		}
	}
	return nil
}

// materializeInput resolves one dependency against the producer's outputs.
func (s *Step) materializeInput(ctx context.Context, dep models.Dependency, outputs []models.PluginOutput, rec EventRecorder) error {
	out, mappedFrom, ok := resolveOutputs(outputs, dep.OutputName)
	if !ok {
		return fmt.Errorf("step %s: output %q of step %s is unresolvable", s.ID, dep.OutputName, dep.SourceStepID)
	}

	value := models.InputValue{
		InputName: dep.InputName,
		Value:     out.Result,
		ValueType: out.ResultType,
	}
	if mappedFrom != "" {
		value.Args = map[string]any{models.ArgAutoMappedFrom: mappedFrom}
		if rec != nil {
			rec.RecordEvent(ctx, models.Event{
				EventType: models.EventDependencyAutoRemap,
				AgentID:   s.OwnerAgentID,
				MissionID: s.MissionID,
				Payload: map[string]any{
					"fromStepId": dep.SourceStepID,
					"toStepId":   s.ID,
					"inputName":  dep.InputName,
					"mappedFrom": mappedFrom,
				},
			})
		}
	}
	s.InputValues[dep.InputName] = value
	return nil
}

// resolveOutputs is resolveOutput over a bare output slice (used for remote
// sources where only the work product is available).
func resolveOutputs(outputs []models.PluginOutput, outputName string) (models.PluginOutput, string, bool) {
	for _, o := range outputs {
		if o.Name == outputName {
			return o, "", true
		}
	}
	if len(outputs) == 1 {
		return outputs[0], outputs[0].Name, true
	}
	return models.PluginOutput{}, "", false
}

// ExecutionEnv provides the mission-wide context needed to dereference a step
// for execution: peer steps on this set, remote outputs via the step-location
// registry, and the event log.
type ExecutionEnv interface {
	// MissionSteps returns every step of the mission hosted on this AgentSet.
	MissionSteps(missionID string) []*Step
	// RemoteOutputs fetches the outputs of a step hosted on another AgentSet.
	RemoteOutputs(ctx context.Context, stepID string) ([]models.PluginOutput, bool, error)
	RecordEvent(ctx context.Context, event models.Event)
}

// DereferenceInputsForExecution resolves dependencies across agents and sets,
// then interpolates {key} placeholders from preceding outputs.
func (s *Step) DereferenceInputsForExecution(ctx context.Context, env ExecutionEnv) error {
	if s.InputValues == nil {
		s.InputValues = make(map[string]models.InputValue)
	}
	mission := env.MissionSteps(s.MissionID)

	for _, dep := range s.Dependencies {
		if source := findStep(mission, dep.SourceStepID); source != nil {
			if err := s.materializeInput(ctx, dep, source.Result, env); err != nil {
				return err
			}
			continue
		}

		outputs, found, err := env.RemoteOutputs(ctx, dep.SourceStepID)
		if err != nil {
			return fmt.Errorf("step %s: fetching remote source %s: %w", s.ID, dep.SourceStepID, err)
		}
		if !found {
			return fmt.Errorf("step %s: dependency source %s not in registry", s.ID, dep.SourceStepID)
		}
		if err := s.materializeInput(ctx, dep, outputs, env); err != nil {
			return err
		}
	}

	s.interpolatePlaceholders(mission)
	return nil
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// interpolatePlaceholders replaces {key} occurrences in string inputs with
// the matching output of any completed mission step. Unknown keys are left
// untouched.
func (s *Step) interpolatePlaceholders(mission []*Step) {
	lookup := func(key string) (string, bool) {
		for _, peer := range mission {
			if peer.Status != models.StepStatusCompleted || peer.ID == s.ID {
				continue
			}
			for _, o := range peer.Result {
				if o.Name == key {
					return fmt.Sprintf("%v", o.Result), true
				}
			}
		}
		return "", false
	}

	for name, iv := range s.InputValues {
		text, isString := iv.Value.(string)
		if !isString || !placeholderRe.MatchString(text) {
			continue
		}
		replaced := placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
			key := match[1 : len(match)-1]
			if v, ok := lookup(key); ok {
				return v
			}
			return match
		})
		if replaced != text {
			iv.Value = replaced
			s.InputValues[name] = iv
		}
	}
}

// HasUnresolvedPlaceholders reports whether any string input still contains
// a {key} placeholder.
func (s *Step) HasUnresolvedPlaceholders() bool {
	for _, iv := range s.InputValues {
		if text, ok := iv.Value.(string); ok && placeholderRe.MatchString(text) {
			return true
		}
	}
	return false
}

// MapPluginOutputsToCustomNames relabels outputs according to the step's
// declared outputs mapping: a sole unnamed-or-mismatched output takes the
// sole declared name; otherwise declared names are kept where they match.
func (s *Step) MapPluginOutputsToCustomNames(result []models.PluginOutput) []models.PluginOutput {
	if len(s.Outputs) == 0 || len(result) == 0 {
		return result
	}

	declared := make([]string, 0, len(s.Outputs))
	for name := range s.Outputs {
		declared = append(declared, name)
	}

	if len(result) == 1 && len(declared) == 1 {
		if _, ok := s.Outputs[result[0].Name]; !ok {
			mapped := result[0]
			mapped.Name = declared[0]
			return []models.PluginOutput{mapped}
		}
	}
	return result
}

// IsEndpoint reports whether no other step depends on this one.
func (s *Step) IsEndpoint(all []*Step) bool {
	for _, other := range all {
		if other.ID == s.ID {
			continue
		}
		for _, dep := range other.Dependencies {
			if dep.SourceStepID == s.ID {
				return false
			}
		}
	}
	return true
}

// HasDeliverableOutputs reports whether any result suggests a user artifact.
func (s *Step) HasDeliverableOutputs() bool {
	for _, o := range s.Result {
		if o.MimeType != "" || o.FileName != "" {
			return true
		}
	}
	return false
}

// OutputKindIn classifies this step's output within the mission: PLAN when a
// plan was produced, FINAL for endpoint steps, INTERIM otherwise.
func (s *Step) OutputKindIn(all []*Step) OutputKind {
	for _, o := range s.Result {
		if o.IsPlan() {
			return OutputPlan
		}
	}
	if s.IsEndpoint(all) {
		return OutputFinal
	}
	return OutputInterim
}

// FirstOutputName returns the step's sole declared output name, or fallback.
func (s *Step) FirstOutputName(fallback string) string {
	for name := range s.Outputs {
		return name
	}
	return fallback
}

// IsUserInteraction reports whether the verb solicits user input.
func (s *Step) IsUserInteraction() bool {
	verb := strings.ToUpper(s.ActionVerb)
	return verb == VerbAsk || verb == VerbAskUserQuestion
}
