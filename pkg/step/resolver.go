package step

import "github.com/stagecraft/agentset/pkg/models"

// MissionView supplies the mission-wide step set used by the resolver.
type MissionView interface {
	MissionSteps(missionID string) []*Step
}

// Resolver evaluates readiness and permanent unsatisfiability for an agent's
// steps against every step of the mission hosted on this AgentSet.
type Resolver struct {
	view MissionView
}

// NewResolver creates a resolver over the given mission view.
func NewResolver(view MissionView) *Resolver {
	return &Resolver{view: view}
}

// Ready returns the agent's PENDING steps whose dependencies are satisfied.
func (r *Resolver) Ready(agentSteps []*Step, missionID string) []*Step {
	mission := r.view.MissionSteps(missionID)
	var ready []*Step
	for _, s := range agentSteps {
		if s.Status != models.StepStatusPending {
			continue
		}
		if s.AreDependenciesSatisfied(mission) {
			ready = append(ready, s)
		}
	}
	return ready
}

// PermanentlyBlocked returns the agent's PENDING steps that can never run
// because a dependency source failed or was cancelled.
func (r *Resolver) PermanentlyBlocked(agentSteps []*Step, missionID string) []*Step {
	mission := r.view.MissionSteps(missionID)
	var blocked []*Step
	for _, s := range agentSteps {
		if s.Status != models.StepStatusPending {
			continue
		}
		if s.AreDependenciesPermanentlyUnsatisfied(mission) {
			blocked = append(blocked, s)
		}
	}
	return blocked
}
