// Package conflict implements the conflict-resolution lifecycle between
// agents: create, notify, collect votes, resolve by strategy, escalate.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/models"
)

// DefaultDeadline bounds how long a conflict may stay open before the
// expiry sweep escalates it.
const DefaultDeadline = time.Hour

// DefaultSweepInterval is the cadence of the expiry sweep.
const DefaultSweepInterval = time.Minute

// ExpiredReason marks conflicts escalated by the sweep.
const ExpiredReason = "Conflict deadline expired"

// Router delivers collaboration messages to participants, locally or
// across AgentSets.
type Router interface {
	Route(ctx context.Context, msg models.CollaborationMessage) error
}

// Store persists conflict revisions.
type Store interface {
	SaveConflict(ctx context.Context, conflict models.Conflict) error
}

// Engine owns the conflicts created on this AgentSet.
type Engine struct {
	brain          clients.Brain
	missionControl clients.MissionControl
	router         Router
	store          Store
	log            *slog.Logger

	deadline      time.Duration
	sweepInterval time.Duration
	observe       func(strategy, status string)

	mu        sync.Mutex
	conflicts map[string]*models.Conflict

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithDeadline overrides the open-conflict deadline.
func WithDeadline(d time.Duration) Option {
	return func(e *Engine) { e.deadline = d }
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithResolutionObserver installs a callback invoked with the strategy and
// final status of every resolution attempt.
func WithResolutionObserver(fn func(strategy, status string)) Option {
	return func(e *Engine) { e.observe = fn }
}

// NewEngine creates a conflict engine. brain may be nil; NEGOTIATION then
// falls back to VOTING.
func NewEngine(brain clients.Brain, missionControl clients.MissionControl, router Router, store Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		brain:          brain,
		missionControl: missionControl,
		router:         router,
		store:          store,
		log:            logger.With("component", "conflict"),
		deadline:       DefaultDeadline,
		sweepInterval:  DefaultSweepInterval,
		conflicts:      make(map[string]*models.Conflict),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the expiry sweep.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.SweepExpired(context.Background(), time.Now().UTC())
			}
		}
	}()
}

// Stop halts the sweep.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// CreateConflict registers a PENDING conflict and notifies every
// non-initiator participant.
func (e *Engine) CreateConflict(ctx context.Context, initiator, description string, conflictingData any, participants []string, strategy models.ResolutionStrategy) (models.Conflict, error) {
	if len(participants) == 0 {
		return models.Conflict{}, fmt.Errorf("conflict needs at least one participant")
	}
	if strategy == "" {
		strategy = models.StrategyConsensus
	}

	conflict := &models.Conflict{
		ID:              uuid.New().String(),
		Description:     description,
		ConflictingData: conflictingData,
		InitiatedBy:     initiator,
		Participants:    participants,
		Status:          models.ConflictPending,
		Strategy:        strategy,
		Votes:           make(map[string]models.Vote),
		Deadline:        time.Now().UTC().Add(e.deadline),
	}

	e.mu.Lock()
	e.conflicts[conflict.ID] = conflict
	e.mu.Unlock()

	e.persist(ctx, conflict)
	e.notifyParticipants(ctx, conflict, models.CollabConflictCreated)
	e.log.Info("Conflict created", "conflict_id", conflict.ID, "strategy", strategy, "participants", len(participants))
	return *conflict, nil
}

// SubmitVote records a participant's vote. When all participants have
// voted, the conflict resolves immediately.
func (e *Engine) SubmitVote(ctx context.Context, conflictID, agentID string, vote any, explanation string) (models.Conflict, error) {
	e.mu.Lock()
	conflict, ok := e.conflicts[conflictID]
	if !ok {
		e.mu.Unlock()
		return models.Conflict{}, fmt.Errorf("conflict %s not found", conflictID)
	}
	if conflict.Status != models.ConflictPending && conflict.Status != models.ConflictInProgress {
		status := conflict.Status
		e.mu.Unlock()
		return models.Conflict{}, fmt.Errorf("conflict %s is %s, voting closed", conflictID, strings.ToLower(string(status)))
	}
	if !contains(conflict.Participants, agentID) {
		e.mu.Unlock()
		return models.Conflict{}, fmt.Errorf("agent %s is not a participant of conflict %s", agentID, conflictID)
	}

	conflict.Votes[agentID] = models.Vote{
		Vote:        vote,
		Explanation: explanation,
		Timestamp:   time.Now().UTC(),
	}
	conflict.Status = models.ConflictInProgress
	allVoted := len(conflict.Votes) == len(conflict.Participants)
	e.mu.Unlock()

	e.persist(ctx, conflict)
	if allVoted {
		return e.ResolveConflict(ctx, conflictID)
	}
	return e.snapshot(conflictID), nil
}

// ResolveConflict applies the conflict's strategy. On success the status
// becomes RESOLVED (or ESCALATED for EXTERNAL); on failure, FAILED.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string) (models.Conflict, error) {
	e.mu.Lock()
	conflict, ok := e.conflicts[conflictID]
	if !ok {
		e.mu.Unlock()
		return models.Conflict{}, fmt.Errorf("conflict %s not found", conflictID)
	}
	strategy := conflict.Strategy
	e.mu.Unlock()

	var (
		resolution  any
		explanation string
		err         error
	)
	switch strategy {
	case models.StrategyVoting:
		resolution, explanation, err = e.resolveByVoting(conflict)
	case models.StrategyConsensus:
		resolution, explanation, err = e.resolveByConsensus(conflict)
	case models.StrategyAuthority:
		resolution, explanation, err = e.resolveByAuthority(conflict)
	case models.StrategyNegotiation:
		resolution, explanation, err = e.resolveByNegotiation(ctx, conflict)
	case models.StrategyExternal:
		return e.escalate(ctx, conflict, "resolution requires external authority")
	default:
		err = fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	e.mu.Lock()
	if err != nil {
		conflict.Status = models.ConflictFailed
		conflict.Explanation = err.Error()
	} else {
		conflict.Status = models.ConflictResolved
		conflict.Resolution = resolution
		conflict.Explanation = explanation
	}
	status := conflict.Status
	e.mu.Unlock()

	if e.observe != nil {
		e.observe(string(strategy), string(status))
	}
	e.persist(ctx, conflict)
	if err != nil {
		e.log.Error("Conflict resolution failed", "conflict_id", conflictID, "error", err)
		return e.snapshot(conflictID), err
	}

	e.notifyParticipants(ctx, conflict, models.CollabConflictResolved)
	e.log.Info("Conflict resolved", "conflict_id", conflictID, "strategy", strategy)
	return e.snapshot(conflictID), nil
}

// resolveByVoting picks the most frequent vote. Votes are compared by JSON
// serialization; ties break toward the earliest-seen vote.
func (e *Engine) resolveByVoting(conflict *models.Conflict) (any, string, error) {
	e.mu.Lock()
	votes := orderedVotes(conflict)
	e.mu.Unlock()
	if len(votes) == 0 {
		return nil, "", fmt.Errorf("no votes to count")
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	values := make(map[string]any)
	for i, v := range votes {
		key, err := json.Marshal(v.Vote)
		if err != nil {
			return nil, "", fmt.Errorf("serializing vote: %w", err)
		}
		k := string(key)
		counts[k]++
		if _, seen := firstSeen[k]; !seen {
			firstSeen[k] = i
			values[k] = v.Vote
		}
	}

	winner := ""
	for k := range counts {
		if winner == "" ||
			counts[k] > counts[winner] ||
			(counts[k] == counts[winner] && firstSeen[k] < firstSeen[winner]) {
			winner = k
		}
	}

	pct := float64(counts[winner]) / float64(len(votes)) * 100
	explanation := fmt.Sprintf("chosen by %d of %d votes (%.1f%% agreement)", counts[winner], len(votes), pct)
	return values[winner], explanation, nil
}

// resolveByConsensus resolves when every vote is identical and otherwise
// falls back to VOTING.
func (e *Engine) resolveByConsensus(conflict *models.Conflict) (any, string, error) {
	e.mu.Lock()
	votes := orderedVotes(conflict)
	e.mu.Unlock()
	if len(votes) == 0 {
		return nil, "", fmt.Errorf("no votes to count")
	}

	first, err := json.Marshal(votes[0].Vote)
	if err != nil {
		return nil, "", err
	}
	unanimous := true
	for _, v := range votes[1:] {
		key, err := json.Marshal(v.Vote)
		if err != nil {
			return nil, "", err
		}
		if string(key) != string(first) {
			unanimous = false
			break
		}
	}

	if unanimous {
		return votes[0].Vote, fmt.Sprintf("consensus reached, 100%% agreement across %d participants", len(votes)), nil
	}
	return e.resolveByVoting(conflict)
}

// resolveByAuthority uses the initiator's vote.
func (e *Engine) resolveByAuthority(conflict *models.Conflict) (any, string, error) {
	e.mu.Lock()
	vote, ok := conflict.Votes[conflict.InitiatedBy]
	initiator := conflict.InitiatedBy
	e.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("authority strategy requires a vote from initiator %s", initiator)
	}
	return vote.Vote, fmt.Sprintf("decided by initiating authority %s", initiator), nil
}

// resolveByNegotiation asks Brain to weigh all votes and explanations. A
// malformed reply falls back to the raw text; a Brain failure falls back
// to VOTING.
func (e *Engine) resolveByNegotiation(ctx context.Context, conflict *models.Conflict) (any, string, error) {
	if e.brain == nil {
		return e.resolveByVoting(conflict)
	}

	e.mu.Lock()
	var positions strings.Builder
	for agentID, v := range conflict.Votes {
		fmt.Fprintf(&positions, "- %s votes %v: %s\n", agentID, v.Vote, v.Explanation)
	}
	description := conflict.Description
	e.mu.Unlock()

	exchanges := []models.ConversationEntry{
		{Role: models.RoleSystem, Content: negotiationInstruction},
		{Role: models.RoleUser, Content: fmt.Sprintf("Conflict: %s\n\nPositions:\n%s", description, positions.String())},
	}
	reply, err := e.brain.Chat(ctx, clients.ConversationChat, exchanges)
	if err != nil {
		e.log.Warn("Negotiation via brain failed, falling back to voting", "error", err)
		return e.resolveByVoting(conflict)
	}

	var parsed struct {
		Resolution  any    `json:"resolution"`
		Explanation string `json:"explanation"`
	}
	text := extractJSONObject(reply)
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || parsed.Resolution == nil {
		return reply, "negotiated resolution returned as free text", nil
	}
	return parsed.Resolution, parsed.Explanation, nil
}

const negotiationInstruction = "You are mediating a disagreement between agents. " +
	"Weigh every position and reply with a JSON object {\"resolution\": ..., \"explanation\": ...}."

// escalate hands the conflict to MissionControl.
func (e *Engine) escalate(ctx context.Context, conflict *models.Conflict, reason string) (models.Conflict, error) {
	e.mu.Lock()
	conflict.Status = models.ConflictEscalated
	conflict.Explanation = reason
	conflict.EscalatedTo = "missioncontrol"
	id := conflict.ID
	strategy := conflict.Strategy
	e.mu.Unlock()

	if e.observe != nil {
		e.observe(string(strategy), string(models.ConflictEscalated))
	}
	e.persist(ctx, conflict)
	if e.missionControl != nil {
		e.missionControl.NotifyEscalation(ctx, e.snapshot(id))
	}
	e.notifyParticipants(ctx, conflict, models.CollabConflictResolved)
	e.log.Info("Conflict escalated", "conflict_id", id, "reason", reason)
	return e.snapshot(id), nil
}

// Conflict returns a tracked conflict by id.
func (e *Engine) Conflict(conflictID string) (models.Conflict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conflicts[conflictID]
	if !ok {
		return models.Conflict{}, false
	}
	return *c, true
}

// SweepExpired escalates open conflicts past their deadline. Returns how
// many were escalated.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	var overdue []*models.Conflict
	for _, c := range e.conflicts {
		switch c.Status {
		case models.ConflictResolved, models.ConflictFailed, models.ConflictEscalated:
			continue
		}
		if !c.Deadline.After(now) {
			overdue = append(overdue, c)
		}
	}
	e.mu.Unlock()

	for _, c := range overdue {
		if _, err := e.escalate(ctx, c, ExpiredReason); err != nil {
			e.log.Error("Failed to escalate expired conflict", "conflict_id", c.ID, "error", err)
		}
	}
	return len(overdue)
}

// notifyParticipants routes a conflict notification to everyone except the
// initiator (for creation) or to all participants (for resolution).
func (e *Engine) notifyParticipants(ctx context.Context, conflict *models.Conflict, msgType models.CollaborationMessageType) {
	if e.router == nil {
		return
	}

	e.mu.Lock()
	payload := map[string]any{
		"conflictId":  conflict.ID,
		"description": conflict.Description,
		"status":      conflict.Status,
		"strategy":    conflict.Strategy,
	}
	if conflict.Resolution != nil {
		payload["resolution"] = conflict.Resolution
		payload["explanation"] = conflict.Explanation
	}
	initiator := conflict.InitiatedBy
	participants := append([]string(nil), conflict.Participants...)
	e.mu.Unlock()

	for _, participant := range participants {
		if msgType == models.CollabConflictCreated && participant == initiator {
			continue
		}
		msg := models.CollaborationMessage{
			Type:        msgType,
			SenderID:    initiator,
			RecipientID: participant,
			Payload:     payload,
			Timestamp:   time.Now().UTC(),
		}
		if err := e.router.Route(ctx, msg); err != nil {
			e.log.Warn("Failed to notify conflict participant", "participant", participant, "error", err)
		}
	}
}

func (e *Engine) persist(ctx context.Context, conflict *models.Conflict) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	snapshot := *conflict
	e.mu.Unlock()
	if err := e.store.SaveConflict(ctx, snapshot); err != nil {
		e.log.Error("Failed to persist conflict", "conflict_id", snapshot.ID, "error", err)
	}
}

func (e *Engine) snapshot(conflictID string) models.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conflicts[conflictID]; ok {
		return *c
	}
	return models.Conflict{}
}

// orderedVotes returns votes sorted by timestamp so tie-breaking is
// deterministic. Caller holds mu.
func orderedVotes(conflict *models.Conflict) []models.Vote {
	votes := make([]models.Vote, 0, len(conflict.Votes))
	for _, v := range conflict.Votes {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].Timestamp.Before(votes[j].Timestamp) })
	return votes
}

// extractJSONObject trims prose and markdown fences around a JSON object.
func extractJSONObject(text string) string {
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			return text[i : j+1]
		}
	}
	return text
}

func contains(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}
