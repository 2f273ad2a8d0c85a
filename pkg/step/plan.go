package step

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/roles"
)

// ExpandPlan turns the task descriptors of a PLAN output into concrete
// PENDING steps owned by the agent. Task numbers are translated into step
// ids; dependencies referencing unknown numbers are a contract violation.
func ExpandPlan(tasks []models.PlanTask, ownerAgentID, missionID string, startNo int) ([]*Step, error) {
	idByNumber := make(map[int]string, len(tasks))
	for i, task := range tasks {
		number := task.Number
		if number == 0 {
			number = i + 1
		}
		if _, dup := idByNumber[number]; dup {
			return nil, fmt.Errorf("plan task number %d appears twice", number)
		}
		idByNumber[number] = uuid.New().String()
	}

	steps := make([]*Step, 0, len(tasks))
	for i, task := range tasks {
		number := task.Number
		if number == 0 {
			number = i + 1
		}

		s := &Step{
			ID:              idByNumber[number],
			MissionID:       missionID,
			OwnerAgentID:    ownerAgentID,
			StepNo:          startNo + i,
			ActionVerb:      task.ActionVerb,
			Description:     task.Description,
			Status:          models.StepStatusPending,
			Outputs:         task.Outputs,
			RecommendedRole: task.RecommendedRole,
			InputValues:     make(map[string]models.InputValue),
			InputReferences: make(map[string]models.InputReference),
		}
		if s.RecommendedRole == "" {
			s.RecommendedRole = roles.ForVerb(task.ActionVerb)
		}

		for name, value := range task.Inputs {
			s.InputValues[name] = models.InputValue{
				InputName: name,
				Value:     value,
				ValueType: models.ValueTypeAny,
			}
		}

		for _, dep := range task.Dependencies {
			sourceID, ok := idByNumber[dep.SourceNumber]
			if !ok {
				return nil, fmt.Errorf("plan task %d depends on unknown task %d", number, dep.SourceNumber)
			}
			s.Dependencies = append(s.Dependencies, models.Dependency{
				InputName:    dep.InputName,
				SourceStepID: sourceID,
				OutputName:   dep.OutputName,
			})
			s.InputReferences[dep.InputName] = models.InputReference{
				SourceStepID: sourceID,
				OutputName:   dep.OutputName,
			}
		}

		steps = append(steps, s)
	}
	return steps, nil
}

// FinalSteps returns the sinks of a workstream: steps no other workstream
// step depends on. If the workstream is cyclic or empty of sinks, the last
// step is the fallback.
func FinalSteps(workstream []*Step) []*Step {
	if len(workstream) == 0 {
		return nil
	}

	dependedOn := make(map[string]bool)
	for _, s := range workstream {
		for _, dep := range s.Dependencies {
			dependedOn[dep.SourceStepID] = true
		}
	}

	var finals []*Step
	for _, s := range workstream {
		if !dependedOn[s.ID] {
			finals = append(finals, s)
		}
	}
	if len(finals) == 0 {
		finals = []*Step{workstream[len(workstream)-1]}
	}
	return finals
}

// RewireDependents repoints every mission-wide dependency on the replaced
// step to the final steps of its replacement workstream. Each dependency
// moves to a final step exposing the declared output name, or to the first
// final step when none matches.
func RewireDependents(missionSteps []*Step, replaced *Step, workstream []*Step) {
	finals := FinalSteps(workstream)
	if len(finals) == 0 {
		return
	}

	for _, dependent := range missionSteps {
		if dependent.ID == replaced.ID {
			continue
		}
		for i, dep := range dependent.Dependencies {
			if dep.SourceStepID != replaced.ID {
				continue
			}
			target := finals[0]
			for _, f := range finals {
				if _, declared := f.Outputs[dep.OutputName]; declared {
					target = f
					break
				}
			}
			dependent.Dependencies[i] = models.Dependency{
				InputName:    dep.InputName,
				SourceStepID: target.ID,
				OutputName:   dep.OutputName,
			}
			if dependent.InputReferences == nil {
				dependent.InputReferences = make(map[string]models.InputReference)
			}
			dependent.InputReferences[dep.InputName] = models.InputReference{
				SourceStepID: target.ID,
				OutputName:   dep.OutputName,
			}
		}
	}
}
