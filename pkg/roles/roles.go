// Package roles maps action verbs to the specialization roles that should
// execute them, and provides the role constants used across the set.
package roles

import "strings"

// Role names.
const (
	Researcher   = "researcher"
	Coder        = "coder"
	Creative     = "creative"
	Critic       = "critic"
	Executor     = "executor"
	Coordinator  = "coordinator"
	DomainExpert = "domain_expert"
)

// Default is the role assigned when nothing more specific matches.
const Default = Executor

// verbRoles maps lowercase verbs to their default role. Partial matches fall
// back to substring containment; anything else gets the executor role.
var verbRoles = map[string]string{
	"research":    Researcher,
	"analyze":     Researcher,
	"investigate": Researcher,
	"search":      Researcher,
	"find":        Researcher,

	"code": Coder,

	"create":   Creative,
	"generate": Creative,
	"design":   Creative,
	"write":    Creative,
	"compose":  Creative,

	"evaluate": Critic,
	"review":   Critic,
	"assess":   Critic,
	"critique": Critic,
	"judge":    Critic,

	"execute":    Executor,
	"implement":  Executor,
	"perform":    Executor,
	"run":        Executor,
	"do":         Executor,
	"accomplish": Executor,

	"coordinate": Coordinator,
	"manage":     Coordinator,
	"organize":   Coordinator,
	"plan":       Coordinator,
	"direct":     Coordinator,

	"advise":  DomainExpert,
	"consult": DomainExpert,
	"explain": DomainExpert,
	"teach":   DomainExpert,
	"guide":   DomainExpert,
}

// ForVerb returns the default role for an action verb. Exact lookup first,
// then substring match, then the executor default.
func ForVerb(actionVerb string) string {
	verb := strings.ToLower(strings.TrimSpace(actionVerb))
	if verb == "" {
		return Default
	}
	if role, ok := verbRoles[verb]; ok {
		return role
	}
	for key, role := range verbRoles {
		if strings.Contains(verb, key) {
			return role
		}
	}
	return Default
}

// Known reports whether the name is one of the defined roles.
func Known(role string) bool {
	switch role {
	case Researcher, Coder, Creative, Critic, Executor, Coordinator, DomainExpert:
		return true
	}
	return false
}
