package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterGet(t *testing.T) {
	r := New()

	loc := Location{AgentID: "agent-1", AgentSetURL: "agentset:9001"}
	r.Register("step-1", loc)

	got, ok := r.Get("step-1")
	require.True(t, ok)
	assert.Equal(t, loc, got)

	_, ok = r.Get("step-2")
	assert.False(t, ok)
}

func TestRegistry_UpdateRequiresRegistration(t *testing.T) {
	r := New()

	err := r.Update("step-1", Location{AgentID: "agent-2"})
	assert.ErrorIs(t, err, ErrNotRegistered)

	r.Register("step-1", Location{AgentID: "agent-1"})
	err = r.Update("step-1", Location{AgentID: "agent-2"})
	require.NoError(t, err)

	got, _ := r.Get("step-1")
	assert.Equal(t, "agent-2", got.AgentID)
}

func TestRegistry_RemoveByAgent(t *testing.T) {
	r := New()
	r.Register("step-1", Location{AgentID: "agent-1"})
	r.Register("step-2", Location{AgentID: "agent-1"})
	r.Register("step-3", Location{AgentID: "agent-2"})

	removed := r.Remove("agent-1")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Get("step-3")
	assert.True(t, ok)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("step-%d", n)
			r.Register(id, Location{AgentID: "agent-1"})
			_, _ = r.Get(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
