// Package registry tracks which agent (and which AgentSet) owns each step.
// It is consulted for cross-set dereferencing and collaboration routing.
package registry

import (
	"errors"
	"sync"
)

// ErrNotRegistered is returned when updating a step that was never registered.
var ErrNotRegistered = errors.New("step location not registered")

// Location identifies the agent and AgentSet that own a step.
type Location struct {
	AgentID     string `json:"agentId"`
	AgentSetURL string `json:"agentSetUrl"`
}

// StepLocationRegistry is an in-memory stepId → Location map.
// Writes for a given stepId come only from the owning agent; reads come from
// any agent or HTTP handler, so access is guarded by a RWMutex.
type StepLocationRegistry struct {
	mu        sync.RWMutex
	locations map[string]Location
}

// New creates an empty registry.
func New() *StepLocationRegistry {
	return &StepLocationRegistry{locations: make(map[string]Location)}
}

// Register records the location of a step, overwriting any previous entry.
func (r *StepLocationRegistry) Register(stepID string, loc Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations[stepID] = loc
}

// Update changes the location of an already-registered step.
// Returns ErrNotRegistered if the step was never registered.
func (r *StepLocationRegistry) Update(stepID string, loc Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locations[stepID]; !ok {
		return ErrNotRegistered
	}
	r.locations[stepID] = loc
	return nil
}

// Get returns the location of a step.
func (r *StepLocationRegistry) Get(stepID string) (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.locations[stepID]
	return loc, ok
}

// Remove deletes all entries owned by the given agent. Used when an agent is
// removed from the set.
func (r *StepLocationRegistry) Remove(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for stepID, loc := range r.locations {
		if loc.AgentID == agentID {
			delete(r.locations, stepID)
			removed++
		}
	}
	return removed
}

// Len returns the number of registered steps.
func (r *StepLocationRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locations)
}
