// Package cleanup provides the background repair sweep over hosted agents.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Repairer is the supervisor surface the sweep consumes.
type Repairer interface {
	// CheckAndFixStuckAgents releases steps stuck waiting on user input whose
	// answers already arrived. Returns how many steps were repaired.
	CheckAndFixStuckAgents() int
}

// Service periodically repairs agents wedged in recoverable states:
//   - steps WAITING on user input whose placeholders already resolved
//
// The sweep is idempotent and safe to run alongside agent loops.
type Service struct {
	interval time.Duration
	repairer Repairer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a repair sweep running at the given interval.
func NewService(interval time.Duration, repairer Repairer) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		interval: interval,
		repairer: repairer,
	}
}

// Start launches the background repair loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Repair sweep started", "interval", s.interval)
}

// Stop signals the repair loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Repair sweep stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	if count := s.repairer.CheckAndFixStuckAgents(); count > 0 {
		slog.Info("Repair sweep released stuck steps", "count", count)
	}
}
