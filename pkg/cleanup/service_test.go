package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRepairer struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRepairer) CheckAndFixStuckAgents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 1
}

func (r *countingRepairer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSweepRunsImmediatelyAndPeriodically(t *testing.T) {
	repairer := &countingRepairer{}
	svc := NewService(10*time.Millisecond, repairer)

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool { return repairer.callCount() >= 3 },
		2*time.Second, 5*time.Millisecond)
}

func TestStopWaitsForLoopExit(t *testing.T) {
	repairer := &countingRepairer{}
	svc := NewService(time.Hour, repairer)

	svc.Start(context.Background())
	svc.Stop()

	// One immediate sweep, none after stop.
	assert.Equal(t, 1, repairer.callCount())

	// Stopping twice is a no-op.
	svc.Stop()
}
