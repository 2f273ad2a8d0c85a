// Package delegation implements cross-agent step hand-off: local ownership
// transfer when the recipient is RUNNING, an event-driven handshake waiting
// for recipients that are still starting up, HTTP forwarding to the AgentSet
// hosting a remote recipient, and an expiry sweep over tracked tasks.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecraft/agentset/pkg/bus"
	"github.com/stagecraft/agentset/pkg/clients"
	"github.com/stagecraft/agentset/pkg/models"
	"github.com/stagecraft/agentset/pkg/step"
)

// DefaultTimeout bounds how long a pending delegation waits for the
// recipient to become RUNNING.
const DefaultTimeout = 60 * time.Second

// DefaultSweepInterval is the cadence of the task expiry sweep.
const DefaultSweepInterval = time.Minute

// estimatedTransferWork is the completion estimate attached to accepted
// delegations.
const estimatedTransferWork = 5 * time.Minute

// ExpiredReason marks tasks whose deadline passed before resolution.
const ExpiredReason = "Task deadline expired"

// Agent is the view of an agent the delegation engine needs.
type Agent interface {
	Status() models.AgentStatus
	TakeStep(stepID string) (*step.Step, bool)
	AdoptStep(s *step.Step, delegatorID string)
}

// Directory resolves agents hosted on this AgentSet.
type Directory interface {
	LocalAgent(agentID string) (Agent, bool)
}

// Subscriber is the bus surface the engine consumes.
type Subscriber interface {
	Subscribe(routingKey string, handler bus.Handler) error
}

// Forwarder ships a delegation request to the AgentSet hosting a remote
// recipient.
type Forwarder interface {
	Forward(ctx context.Context, agentSetURL, delegatorID, recipientID string, req Request) (Response, error)
}

// Request describes the work being delegated. Step is populated when the
// request crosses AgentSets, since the delegator's copy is unreachable.
type Request struct {
	TaskID      string              `json:"taskId,omitempty"`
	TaskType    string              `json:"taskType,omitempty"`
	StepID      string              `json:"stepId"`
	Step        *step.Step          `json:"step,omitempty"`
	Description string              `json:"description,omitempty"`
	Inputs      map[string]any      `json:"inputs,omitempty"`
	Priority    models.TaskPriority `json:"priority,omitempty"`
}

// Response is the delegation outcome returned to the caller.
type Response struct {
	TaskID              string    `json:"taskId"`
	Accepted            bool      `json:"accepted"`
	Reason              string    `json:"reason,omitempty"`
	EstimatedCompletion time.Time `json:"estimatedCompletion,omitzero"`
}

// Engine coordinates delegations for one AgentSet. Pending hand-offs are
// resolved by agent.status.update events from the bus; each waits on a
// single-fire channel with a deadline timer.
type Engine struct {
	directory Directory
	traffic   clients.TrafficManager
	forwarder Forwarder
	log       *slog.Logger

	timeout       time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	pending map[string][]*pendingDelegation // recipientId → waiters
	tasks   map[string]*models.DelegatedTask

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithTimeout overrides the pending-delegation deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithSweepInterval overrides the expiry sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// NewEngine creates a delegation engine. traffic and forwarder may be nil
// when cross-set delegation is disabled.
func NewEngine(directory Directory, traffic clients.TrafficManager, forwarder Forwarder, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		directory:     directory,
		traffic:       traffic,
		forwarder:     forwarder,
		log:           logger.With("component", "delegation"),
		timeout:       DefaultTimeout,
		sweepInterval: DefaultSweepInterval,
		pending:       make(map[string][]*pendingDelegation),
		tasks:         make(map[string]*models.DelegatedTask),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to status updates and launches the expiry sweep.
func (e *Engine) Start(subscriber Subscriber) error {
	if err := subscriber.Subscribe(models.StatusUpdateRoutingKey, e.onStatusUpdate); err != nil {
		return fmt.Errorf("subscribing to status updates: %w", err)
	}

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
				e.SweepExpired(time.Now().UTC())
			}
		}
	}()
	return nil
}

// Stop halts the sweep and rejects all pending delegations.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()

	e.mu.Lock()
	waiters := e.pending
	e.pending = make(map[string][]*pendingDelegation)
	e.mu.Unlock()
	for _, list := range waiters {
		for _, p := range list {
			p.resolve(Response{TaskID: p.task.ID, Accepted: false, Reason: "delegation engine stopped"})
		}
	}
}

// DelegateTask hands a step from delegator to recipient. Local recipients
// in RUNNING state transfer immediately; non-running local recipients are
// awaited via the status handshake; remote recipients are resolved through
// the TrafficManager and forwarded.
func (e *Engine) DelegateTask(ctx context.Context, delegatorID, recipientID string, req Request) (Response, error) {
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}

	recipient, local := e.directory.LocalAgent(recipientID)
	if !local {
		return e.forwardRemote(ctx, delegatorID, recipientID, req)
	}

	task := e.trackTask(delegatorID, recipientID, req)

	status := recipient.Status()
	if status.IsTerminal() {
		e.finishTask(task, models.TaskRejected, "")
		return Response{
			TaskID:   req.TaskID,
			Accepted: false,
			Reason:   fmt.Sprintf("recipient %s is in terminal state (%s)", recipientID, strings.ToLower(string(status))),
		}, nil
	}

	if status == models.AgentStatusRunning {
		return e.completeTransfer(task, delegatorID, recipient, req)
	}

	// Recipient exists but is not RUNNING yet; wait for the bus to report
	// the transition.
	return e.awaitRecipient(ctx, task, delegatorID, recipientID, req)
}

// forwardRemote resolves the recipient's AgentSet and forwards the request.
func (e *Engine) forwardRemote(ctx context.Context, delegatorID, recipientID string, req Request) (Response, error) {
	if e.traffic == nil || e.forwarder == nil {
		return Response{}, fmt.Errorf("recipient %s is not hosted here and cross-set delegation is disabled", recipientID)
	}
	setURL, err := e.traffic.ResolveAgentSet(ctx, recipientID)
	if err != nil {
		return Response{}, fmt.Errorf("locating recipient %s: %w", recipientID, err)
	}

	// The delegator's step copy travels with the request.
	if req.Step == nil {
		if delegator, ok := e.directory.LocalAgent(delegatorID); ok {
			if s, taken := delegator.TakeStep(req.StepID); taken {
				req.Step = s
			}
		}
	}

	resp, err := e.forwarder.Forward(ctx, setURL, delegatorID, recipientID, req)
	if err != nil {
		return Response{}, fmt.Errorf("forwarding delegation to %s: %w", setURL, err)
	}
	e.log.Info("Delegation forwarded", "recipient_id", recipientID, "agent_set", setURL, "accepted", resp.Accepted)
	return resp, nil
}

// completeTransfer performs the ownership transfer to a RUNNING recipient.
func (e *Engine) completeTransfer(task *models.DelegatedTask, delegatorID string, recipient Agent, req Request) (Response, error) {
	if err := e.transferStep(delegatorID, recipient, req); err != nil {
		e.finishTask(task, models.TaskFailed, err.Error())
		return Response{TaskID: task.ID, Accepted: false, Reason: err.Error()}, nil
	}
	e.markInProgress(task)
	return Response{
		TaskID:              task.ID,
		Accepted:            true,
		EstimatedCompletion: time.Now().UTC().Add(estimatedTransferWork),
	}, nil
}

// transferStep moves the step from the delegator to the recipient. The
// request's embedded step serves when the delegator is remote.
func (e *Engine) transferStep(delegatorID string, recipient Agent, req Request) error {
	s := req.Step
	if s == nil {
		if delegator, ok := e.directory.LocalAgent(delegatorID); ok {
			if taken, found := delegator.TakeStep(req.StepID); found {
				s = taken
			}
		}
	}
	if s == nil {
		return fmt.Errorf("step %s not found on delegator %s", req.StepID, delegatorID)
	}
	recipient.AdoptStep(s, delegatorID)
	e.log.Info("Step ownership transferred", "step_id", s.ID, "from", delegatorID)
	return nil
}

// pendingDelegation is one waiter in the status handshake. resolve fires at
// most once; the deadline timer, the bus handler and Stop all race for it.
type pendingDelegation struct {
	task        *models.DelegatedTask
	delegatorID string
	req         Request
	result      chan Response
	once        sync.Once
}

func (p *pendingDelegation) resolve(resp Response) {
	p.once.Do(func() {
		p.result <- resp
		close(p.result)
	})
}

// awaitRecipient parks the delegation until the recipient reports RUNNING,
// reports a terminal status, or the deadline passes.
func (e *Engine) awaitRecipient(ctx context.Context, task *models.DelegatedTask, delegatorID, recipientID string, req Request) (Response, error) {
	p := &pendingDelegation{
		task:        task,
		delegatorID: delegatorID,
		req:         req,
		result:      make(chan Response, 1),
	}

	e.mu.Lock()
	e.pending[recipientID] = append(e.pending[recipientID], p)
	e.mu.Unlock()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	e.log.Info("Delegation pending", "recipient_id", recipientID, "task_id", task.ID, "timeout", e.timeout)

	select {
	case resp := <-p.result:
		return resp, nil
	case <-timer.C:
		e.dropPending(recipientID, p)
		e.finishTask(task, models.TaskExpired, ExpiredReason)
		resp := Response{
			TaskID:   task.ID,
			Accepted: false,
			Reason:   fmt.Sprintf("timed out after %s waiting for recipient %s to become RUNNING", e.timeout, recipientID),
		}
		p.resolve(resp)
		return resp, nil
	case <-ctx.Done():
		e.dropPending(recipientID, p)
		e.finishTask(task, models.TaskCancelled, ctx.Err().Error())
		p.resolve(Response{TaskID: task.ID, Accepted: false, Reason: "delegation cancelled"})
		return Response{}, ctx.Err()
	}
}

// onStatusUpdate consumes agent.status.update events and resolves pending
// delegations for the reported agent.
func (e *Engine) onStatusUpdate(body []byte) {
	var update models.StatusUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		e.log.Warn("Dropping malformed status update", "error", err)
		return
	}

	e.mu.Lock()
	waiters := e.pending[update.AgentID]
	if len(waiters) > 0 {
		delete(e.pending, update.AgentID)
	}
	e.mu.Unlock()
	if len(waiters) == 0 {
		return
	}

	switch {
	case update.Status == models.AgentStatusRunning:
		recipient, ok := e.directory.LocalAgent(update.AgentID)
		for _, p := range waiters {
			if !ok {
				e.finishTask(p.task, models.TaskFailed, "recipient disappeared")
				p.resolve(Response{TaskID: p.task.ID, Accepted: false, Reason: "recipient disappeared before transfer"})
				continue
			}
			resp, _ := e.completeTransfer(p.task, p.delegatorID, recipient, p.req)
			p.resolve(resp)
		}
	case update.Status.IsTerminal():
		reason := fmt.Sprintf("recipient %s reached terminal state (%s)", update.AgentID, strings.ToLower(string(update.Status)))
		for _, p := range waiters {
			e.finishTask(p.task, models.TaskRejected, reason)
			p.resolve(Response{TaskID: p.task.ID, Accepted: false, Reason: reason})
		}
	default:
		// Still starting up; keep waiting.
		e.mu.Lock()
		e.pending[update.AgentID] = append(waiters, e.pending[update.AgentID]...)
		e.mu.Unlock()
	}
}

func (e *Engine) dropPending(recipientID string, target *pendingDelegation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.pending[recipientID]
	for i, p := range list {
		if p == target {
			e.pending[recipientID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.pending[recipientID]) == 0 {
		delete(e.pending, recipientID)
	}
}

// trackTask records a DelegatedTask for status queries and the expiry
// sweep.
func (e *Engine) trackTask(delegatorID, recipientID string, req Request) *models.DelegatedTask {
	task := &models.DelegatedTask{
		ID:          req.TaskID,
		TaskType:    req.TaskType,
		Description: req.Description,
		Inputs:      req.Inputs,
		DelegatedBy: delegatorID,
		DelegatedTo: recipientID,
		Status:      models.TaskPending,
		Deadline:    time.Now().UTC().Add(e.timeout),
		Priority:    req.Priority,
		Metrics:     models.TaskMetrics{StartTime: time.Now().UTC()},
	}
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}
	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()
	return task
}

func (e *Engine) markInProgress(task *models.DelegatedTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task.Status = models.TaskInProgress
}

func (e *Engine) finishTask(task *models.DelegatedTask, status models.TaskStatus, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if task.Status.IsTerminal() {
		return
	}
	task.Status = status
	task.Error = reason
	task.Metrics.EndTime = time.Now().UTC()
	task.Metrics.Duration = task.Metrics.EndTime.Sub(task.Metrics.StartTime)
}

// Task returns a tracked task by id.
func (e *Engine) Task(taskID string) (models.DelegatedTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return models.DelegatedTask{}, false
	}
	return *task, true
}

// SweepExpired marks overdue non-terminal tasks EXPIRED. Returns how many
// were expired.
func (e *Engine) SweepExpired(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	expired := 0
	for _, task := range e.tasks {
		if task.Status.IsTerminal() || task.Deadline.After(now) {
			continue
		}
		task.Status = models.TaskExpired
		task.Error = ExpiredReason
		task.Metrics.EndTime = now
		task.Metrics.Duration = now.Sub(task.Metrics.StartTime)
		expired++
	}
	if expired > 0 {
		e.log.Info("Expired overdue delegated tasks", "count", expired)
	}
	return expired
}
