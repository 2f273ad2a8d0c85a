package roles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForVerb(t *testing.T) {
	tests := []struct {
		verb string
		want string
	}{
		{"research", Researcher},
		{"SEARCH", Researcher},
		{"code", Coder},
		{"GENERATE", Creative},
		{"review", Critic},
		{"ACCOMPLISH", Executor},
		{"coordinate", Coordinator},
		{"explain", DomainExpert},
		// Substring fallback.
		{"WEB_SEARCH", Researcher},
		{"write_report", Creative},
		// Unknown verbs default to executor.
		{"FROBNICATE", Executor},
		{"", Executor},
	}
	for _, tt := range tests {
		t.Run(tt.verb, func(t *testing.T) {
			assert.Equal(t, tt.want, ForVerb(tt.verb))
		})
	}
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(Coordinator))
	assert.False(t, Known("wizard"))
}
