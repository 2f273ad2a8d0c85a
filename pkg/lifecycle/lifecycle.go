// Package lifecycle manages agent durability: periodic checkpoints,
// versioned snapshots, restore, health monitoring and migration to a peer
// AgentSet.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/stagecraft/agentset/pkg/agent"
	"github.com/stagecraft/agentset/pkg/models"
)

// Health scoring weights and thresholds.
const (
	errorPenalty      = 10
	notRunningPenalty = 20
	criticalScore     = 50
)

// Agent is the slice of an agent the lifecycle manager needs.
type Agent interface {
	Snapshot() agent.Snapshot
	RestoreFrom(snap agent.Snapshot)
	Status() models.AgentStatus
	ErrorCount() int
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Directory finds agents hosted on this AgentSet.
type Directory interface {
	LocalAgent(agentID string) (Agent, bool)
}

// Store persists snapshots and the event log.
type Store interface {
	SaveAgentState(ctx context.Context, key string, state any) error
	LoadAgentState(ctx context.Context, key string, out any) (bool, error)
	RecordEvent(ctx context.Context, event models.Event) error
}

// TokenSource supplies a bearer service token for migration calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Version identifies a saved snapshot of an agent.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// VersionKey derives the storage key for a versioned snapshot.
func VersionKey(agentID string, v Version) string {
	return agentID + "-" + v.String()
}

// Manager owns checkpoint timers, versions and the health monitor for every
// agent hosted on this set.
type Manager struct {
	directory Directory
	store     Store
	tokens    TokenSource
	http      *http.Client
	log       *slog.Logger

	checkpointInterval time.Duration
	healthInterval     time.Duration
	observeCheckpoint  func()

	mu       sync.Mutex
	tracked  map[string]string // agentID -> missionID
	timers   map[string]*time.Timer
	versions map[string]Version

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a lifecycle manager. checkpointInterval and
// healthInterval fall back to sane defaults when non-positive.
func NewManager(directory Directory, store Store, tokens TokenSource, checkpointInterval, healthInterval time.Duration, logger *slog.Logger) *Manager {
	if checkpointInterval <= 0 {
		checkpointInterval = 15 * time.Minute
	}
	if healthInterval <= 0 {
		healthInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		directory:          directory,
		store:              store,
		tokens:             tokens,
		http:               &http.Client{Timeout: 2 * time.Minute},
		log:                logger.With("component", "lifecycle"),
		checkpointInterval: checkpointInterval,
		healthInterval:     healthInterval,
		tracked:            make(map[string]string),
		timers:             make(map[string]*time.Timer),
		versions:           make(map[string]Version),
		stopCh:             make(chan struct{}),
	}
}

// SetCheckpointObserver installs a callback invoked after every successful
// checkpoint. Must be set before Start.
func (m *Manager) SetCheckpointObserver(fn func()) {
	m.observeCheckpoint = fn
}

// Start launches the health monitor.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.checkHealth(context.Background())
			}
		}
	}()
}

// Stop halts the health monitor and clears all checkpoint timers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

// Track registers an agent for periodic checkpoints and health checks.
func (m *Manager) Track(agentID, missionID string) {
	m.mu.Lock()
	m.tracked[agentID] = missionID
	m.mu.Unlock()
	m.armTimer(agentID)
}

// Untrack removes an agent entirely. Called on abort and removal.
func (m *Manager) Untrack(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, agentID)
	if timer, ok := m.timers[agentID]; ok {
		timer.Stop()
		delete(m.timers, agentID)
	}
}

// SuspendTimer clears the checkpoint timer without forgetting the agent.
// Called when the agent is paused.
func (m *Manager) SuspendTimer(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[agentID]; ok {
		timer.Stop()
		delete(m.timers, agentID)
	}
}

// ResumeTimer re-arms the checkpoint timer for a tracked agent.
func (m *Manager) ResumeTimer(agentID string) {
	m.mu.Lock()
	_, known := m.tracked[agentID]
	m.mu.Unlock()
	if known {
		m.armTimer(agentID)
	}
}

func (m *Manager) armTimer(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[agentID]; ok {
		timer.Stop()
	}
	m.timers[agentID] = time.AfterFunc(m.checkpointInterval, func() {
		if err := m.Checkpoint(context.Background(), agentID); err != nil {
			m.log.Error("Periodic checkpoint failed", "agent_id", agentID, "error", err)
		}
		m.mu.Lock()
		_, stillTracked := m.tracked[agentID]
		m.mu.Unlock()
		if stillTracked {
			m.armTimer(agentID)
		}
	})
}

// Checkpoint saves the agent's current snapshot under its id.
func (m *Manager) Checkpoint(ctx context.Context, agentID string) error {
	a, ok := m.directory.LocalAgent(agentID)
	if !ok {
		return fmt.Errorf("agent %s is not hosted here", agentID)
	}
	snap := a.Snapshot()
	if err := m.store.SaveAgentState(ctx, agentID, snap); err != nil {
		return fmt.Errorf("checkpointing agent %s: %w", agentID, err)
	}
	if m.observeCheckpoint != nil {
		m.observeCheckpoint()
	}
	m.recordEvent(ctx, models.EventCheckpointed, agentID, snap.MissionID, nil)
	m.log.Debug("Agent checkpointed", "agent_id", agentID)
	return nil
}

// CreateVersion saves a versioned snapshot and returns the new version.
// Each call bumps the patch number.
func (m *Manager) CreateVersion(ctx context.Context, agentID string) (Version, error) {
	a, ok := m.directory.LocalAgent(agentID)
	if !ok {
		return Version{}, fmt.Errorf("agent %s is not hosted here", agentID)
	}

	m.mu.Lock()
	v := m.versions[agentID]
	v.Patch++
	m.versions[agentID] = v
	m.mu.Unlock()

	snap := a.Snapshot()
	if err := m.store.SaveAgentState(ctx, VersionKey(agentID, v), snap); err != nil {
		return Version{}, fmt.Errorf("saving version %s of agent %s: %w", v, agentID, err)
	}
	m.log.Info("Agent version created", "agent_id", agentID, "version", v.String())
	return v, nil
}

// Restore pauses the agent, replaces its state from a stored snapshot and
// resumes it. An empty version restores the latest plain checkpoint.
func (m *Manager) Restore(ctx context.Context, agentID, version string) error {
	a, ok := m.directory.LocalAgent(agentID)
	if !ok {
		return fmt.Errorf("agent %s is not hosted here", agentID)
	}

	key := agentID
	if version != "" {
		key = agentID + "-" + version
	}
	var snap agent.Snapshot
	found, err := m.store.LoadAgentState(ctx, key, &snap)
	if err != nil {
		return fmt.Errorf("loading snapshot %s: %w", key, err)
	}
	if !found {
		return fmt.Errorf("no snapshot stored under %s", key)
	}

	wasPaused := a.Status() == models.AgentStatusPaused
	if !wasPaused {
		if err := a.Pause(ctx); err != nil {
			return fmt.Errorf("pausing agent %s for restore: %w", agentID, err)
		}
	}

	// Restored agents come back runnable regardless of the status they
	// carried when the snapshot was taken.
	snap.Status = models.AgentStatusPaused
	a.RestoreFrom(snap)
	if err := a.Resume(ctx); err != nil {
		return fmt.Errorf("resuming agent %s after restore: %w", agentID, err)
	}

	m.recordEvent(ctx, models.EventMigrated, agentID, snap.MissionID, map[string]any{
		"source": key,
		"kind":   "restore",
	})
	m.log.Info("Agent restored", "agent_id", agentID, "snapshot", key)
	return nil
}

// HealthScore computes an agent's health from its error count and status.
// Scores are clamped to [0, 100].
func HealthScore(status models.AgentStatus, errorCount int) int {
	score := 100 - errorPenalty*errorCount
	if status != models.AgentStatusRunning {
		score -= notRunningPenalty
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// checkHealth sweeps tracked agents and forces a checkpoint for any whose
// score drops below the critical threshold.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		a, ok := m.directory.LocalAgent(id)
		if !ok {
			m.Untrack(id)
			continue
		}
		score := HealthScore(a.Status(), a.ErrorCount())
		if score >= criticalScore {
			continue
		}
		m.log.Warn("Agent health critical, forcing checkpoint", "agent_id", id, "score", score)
		if err := m.Checkpoint(ctx, id); err != nil {
			m.log.Error("Forced checkpoint failed", "agent_id", id, "error", err)
		}
	}
}

func (m *Manager) recordEvent(ctx context.Context, eventType, agentID, missionID string, payload map[string]any) {
	event := models.Event{
		EventType: eventType,
		AgentID:   agentID,
		MissionID: missionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if err := m.store.RecordEvent(ctx, event); err != nil {
		m.log.Warn("Failed to record lifecycle event", "event", eventType, "agent_id", agentID, "error", err)
	}
}

// migrateEnvelope is the body posted to the target set's migrateAgent
// endpoint.
type migrateEnvelope struct {
	AgentID  string         `json:"agentId"`
	Snapshot agent.Snapshot `json:"snapshot"`
}

// Migrate moves an agent to another AgentSet: pause, checkpoint, hand the
// snapshot to the target, then report success. The caller removes the local
// agent once Migrate returns nil.
func (m *Manager) Migrate(ctx context.Context, agentID, targetSetURL string) error {
	a, ok := m.directory.LocalAgent(agentID)
	if !ok {
		return fmt.Errorf("agent %s is not hosted here", agentID)
	}

	if a.Status() != models.AgentStatusPaused {
		if err := a.Pause(ctx); err != nil {
			return fmt.Errorf("pausing agent %s for migration: %w", agentID, err)
		}
	}
	snap := a.Snapshot()
	if err := m.store.SaveAgentState(ctx, agentID, snap); err != nil {
		return fmt.Errorf("checkpointing agent %s before migration: %w", agentID, err)
	}

	body, err := json.Marshal(migrateEnvelope{AgentID: agentID, Snapshot: snap})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+targetSetURL+"/migrateAgent", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.tokens != nil {
		token, err := m.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("acquiring service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("handing agent %s to %s: %w", agentID, targetSetURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("target set %s refused agent %s: status %d", targetSetURL, agentID, resp.StatusCode)
	}

	m.Untrack(agentID)
	m.recordEvent(ctx, models.EventMigrated, agentID, snap.MissionID, map[string]any{
		"target": targetSetURL,
		"kind":   "migration",
	})
	m.log.Info("Agent migrated", "agent_id", agentID, "target", targetSetURL)
	return nil
}
