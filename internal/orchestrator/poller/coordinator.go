// Package poller implements the long-poll wait coordinator: parking and
// waking waiting agents, atomic find-and-reserve, eviction and system
// prompt delivery, and completion waits.
//
// The coordinator's mutex is the single critical section required for
// correctness: every scan of the QUEUED set paired with an intent to
// reserve happens under it, and the PENDING_ACK write commits before the
// lock is released. The lock is never held across a suspension point.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/agent/registry"
	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/events"
	"github.com/OpenSourceWTF/waaah/internal/orchestrator/matching"
	"github.com/OpenSourceWTF/waaah/internal/task/repository"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// waiter is one parked waitForTask call.
type waiter struct {
	agentID  string
	snapshot *v1.Agent // declared capabilities/workspace from the wait call
	since    time.Time

	// wake is a one-shot signal; buffered so signalling never blocks.
	wake chan struct{}

	// result is the handoff slot for a reservation made on the waiter's
	// behalf by an enqueue path. Written and read under the coordinator
	// mutex only.
	result *v1.WaitResult

	// superseded is set when a newer wait call arrives for the same agent.
	superseded bool
}

func (w *waiter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// PromptSource pops the next queued system prompt for an agent. Satisfied
// by the sysprompt Manager; an interface here keeps the import acyclic,
// since the manager already holds the coordinator as its Waker.
type PromptSource interface {
	Pop(ctx context.Context, agentID string) (*v1.SystemPrompt, error)
}

// Coordinator parks and wakes waiting agents.
type Coordinator struct {
	repo      *repository.Repository
	registry  *registry.Registry
	publisher *events.Publisher
	prompts   PromptSource
	logger    *logger.Logger

	mu                sync.Mutex
	waiters           map[string]*waiter
	evictions         map[string]*v1.Eviction
	completionWaiters map[string][]chan *v1.Task

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Coordinator.
func New(repo *repository.Repository, reg *registry.Registry, pub *events.Publisher, log *logger.Logger) *Coordinator {
	return &Coordinator{
		repo:              repo,
		registry:          reg,
		publisher:         pub,
		logger:            log.WithFields(zap.String("component", "poll-coordinator")),
		waiters:           make(map[string]*waiter),
		evictions:         make(map[string]*v1.Eviction),
		completionWaiters: make(map[string][]chan *v1.Task),
		stopCh:            make(chan struct{}),
	}
}

// SetPromptSource wires the system prompt manager in after construction;
// the manager cannot exist first because it takes the coordinator as its
// Waker.
func (c *Coordinator) SetPromptSource(prompts PromptSource) {
	c.prompts = prompts
}

// Shutdown releases every parked waiter; they return nil promptly.
func (c *Coordinator) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// WaitForTask suspends until a matching task is reserved for the agent, an
// eviction or system prompt is queued for it, or the timeout elapses. A
// timeout returns (nil, nil): not an error, a first-class outcome.
//
// The returned task is already in PENDING_ACK, reserved for this agent;
// the agent confirms receipt with ackTask.
func (c *Coordinator) WaitForTask(ctx context.Context, agentID string, capabilities []string, workspace *v1.WorkspaceContext, timeout time.Duration) (*v1.WaitResult, error) {
	canonical, err := c.registry.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent, err := c.registry.Get(ctx, canonical)
	if err != nil {
		return nil, err
	}
	c.registry.Heartbeat(ctx, canonical)

	// The wait call's declared state wins over the stored row; a
	// reconnecting agent may have narrowed its capabilities since.
	if len(capabilities) > 0 {
		agent.Capabilities = capabilities
	}
	if workspace != nil {
		agent.Workspace = workspace
	}

	w := &waiter{
		agentID:  canonical,
		snapshot: agent,
		since:    time.Now(),
		wake:     make(chan struct{}, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	parked := false
	defer func() {
		c.mu.Lock()
		c.removeWaiterLocked(w)
		c.mu.Unlock()
		if parked {
			if err := c.registry.ClearWaiting(context.WithoutCancel(ctx), canonical); err != nil {
				c.logger.Warn("failed to clear waiting flag", zap.String("agent_id", canonical), zap.Error(err))
			}
		}
	}()

	for {
		c.mu.Lock()
		if w.result != nil {
			result := w.result
			w.result = nil
			c.mu.Unlock()
			return result, nil
		}
		if w.superseded {
			c.mu.Unlock()
			return nil, nil
		}
		result, err := c.findDeliverableLocked(ctx, w.snapshot)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if result != nil {
			c.mu.Unlock()
			return result, nil
		}
		if !parked {
			// A second wait for the same agent supersedes the first.
			if old, ok := c.waiters[canonical]; ok {
				old.superseded = true
				old.signal()
			}
			c.waiters[canonical] = w
			if err := c.registry.SetWaiting(ctx, canonical, w.since); err != nil {
				delete(c.waiters, canonical)
				c.mu.Unlock()
				return nil, err
			}
			parked = true
		}
		c.mu.Unlock()

		select {
		case <-w.wake:
			// Re-run the full matching step; the state we were woken for
			// may have been grabbed by another waiter first.
		case <-timer.C:
			return c.takeResultOrNil(w), nil
		case <-ctx.Done():
			c.releaseUndelivered(w)
			return nil, ctx.Err()
		case <-c.stopCh:
			return c.takeResultOrNil(w), nil
		}
	}
}

// takeResultOrNil drains a reservation that raced with timeout or
// shutdown. Returning it beats releasing it; the agent is still there.
func (c *Coordinator) takeResultOrNil(w *waiter) *v1.WaitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := w.result
	w.result = nil
	return result
}

// releaseUndelivered puts a reserved-but-unreturned task back on the queue
// when the caller abandoned the request.
func (c *Coordinator) releaseUndelivered(w *waiter) {
	c.mu.Lock()
	result := w.result
	w.result = nil
	// The waiter is exiting but still registered until the deferred
	// cleanup runs; mark it so the redelivery scan below cannot hand the
	// task straight back to the departing agent.
	w.superseded = true
	c.mu.Unlock()

	if result == nil || result.Task == nil {
		return
	}

	ctx := context.Background()
	task, err := c.repo.Mutate(ctx, result.Task.ID, func(task *v1.Task) error {
		if task.Status != v1.TaskStatusPendingAck || task.PendingAckAgentID != w.agentID {
			return apperrors.WrongState("reservation already superseded")
		}
		task.Status = v1.TaskStatusQueued
		task.PendingAckAgentID = ""
		task.AckSentAt = nil
		task.History = append(task.History, v1.HistoryEntry{
			Timestamp: time.Now().UTC(),
			Status:    v1.TaskStatusQueued,
			AgentID:   w.agentID,
			Message:   "delivery abandoned before return, re-queued",
		})
		return nil
	})
	if err != nil {
		if !apperrors.IsWrongState(err) && !apperrors.IsNotFound(err) {
			c.logger.Error("failed to release abandoned reservation",
				zap.String("task_id", result.Task.ID), zap.Error(err))
		}
		return
	}
	c.TryDeliver(ctx, task)
}

// findDeliverableLocked checks, in order: a queued eviction, a queued
// system prompt, then the best matching QUEUED task (reserving it).
// Called with the mutex held.
func (c *Coordinator) findDeliverableLocked(ctx context.Context, agent *v1.Agent) (*v1.WaitResult, error) {
	if eviction, ok := c.evictions[agent.ID]; ok {
		delete(c.evictions, agent.ID)
		c.logger.Info("delivering eviction",
			zap.String("agent_id", agent.ID),
			zap.String("reason", eviction.Reason))
		return &v1.WaitResult{Eviction: eviction}, nil
	}

	if c.prompts != nil {
		prompt, err := c.prompts.Pop(ctx, agent.ID)
		if err != nil {
			return nil, apperrors.Internal("failed to pop system prompt", err)
		}
		if prompt != nil {
			return &v1.WaitResult{SystemPrompt: prompt}, nil
		}
	}

	queued, err := c.repo.ListByStatus(ctx, v1.TaskStatusQueued)
	if err != nil {
		return nil, apperrors.Internal("failed to scan queued tasks", err)
	}
	var candidates []*v1.Task
	for _, task := range queued {
		if matching.Matches(agent, task) {
			candidates = append(candidates, task)
		}
	}
	best := matching.BestTask(candidates)
	if best == nil {
		return nil, nil
	}

	reserved, err := c.reserveLocked(ctx, best.ID, agent.ID)
	if err != nil {
		return nil, err
	}
	return &v1.WaitResult{Task: reserved}, nil
}

// reserveLocked transitions a QUEUED task to PENDING_ACK for the agent.
// Called with the mutex held; the write commits before the lock releases.
func (c *Coordinator) reserveLocked(ctx context.Context, taskID, agentID string) (*v1.Task, error) {
	now := time.Now().UTC()
	return c.repo.Mutate(ctx, taskID, func(task *v1.Task) error {
		if task.Status != v1.TaskStatusQueued {
			return apperrors.WrongState("task is not queued")
		}
		task.Status = v1.TaskStatusPendingAck
		task.PendingAckAgentID = agentID
		task.AckSentAt = &now
		task.History = append(task.History, v1.HistoryEntry{
			Timestamp: now,
			Status:    v1.TaskStatusPendingAck,
			AgentID:   agentID,
			Message:   "reserved for delivery",
		})
		return nil
	})
}

// TryDeliver attempts immediate delivery of a QUEUED task to a parked
// waiter. Returns the reserved agent id, or "" when no waiter fits.
// Waiter fairness is FIFO by waitingSince.
func (c *Coordinator) TryDeliver(ctx context.Context, task *v1.Task) string {
	if task == nil || task.Status != v1.TaskStatusQueued {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var best *waiter
	for _, w := range c.waiters {
		if w.result != nil || w.superseded {
			continue
		}
		if !matching.Matches(w.snapshot, task) {
			continue
		}
		if best == nil || w.since.Before(best.since) {
			best = w
		}
	}
	if best == nil {
		return ""
	}

	reserved, err := c.reserveLocked(ctx, task.ID, best.agentID)
	if err != nil {
		if !apperrors.IsWrongState(err) {
			c.logger.Error("failed to reserve task for waiter",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		return ""
	}

	best.result = &v1.WaitResult{Task: reserved}
	best.signal()
	c.logger.Info("task handed to waiting agent",
		zap.String("task_id", task.ID),
		zap.String("agent_id", best.agentID))
	return best.agentID
}

// WakeAgent nudges a parked agent to re-run matching. Best-effort; a
// spurious wake is benign.
func (c *Coordinator) WakeAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.waiters[agentID]; ok {
		w.signal()
	}
}

// WakeAll nudges every parked agent.
func (c *Coordinator) WakeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		w.signal()
	}
}

// QueueEviction queues an eviction for the agent and wakes it if parked.
// The record is popped by the next waitForTask.
func (c *Coordinator) QueueEviction(agentID, reason string, action v1.EvictionAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictions[agentID] = &v1.Eviction{Reason: reason, Action: action}
	if w, ok := c.waiters[agentID]; ok {
		w.signal()
	}
}

// LiveWaiterIDs lists agents currently parked in this process. Used by the
// scheduler's stale-flag sweep to know which rows are genuinely live.
func (c *Coordinator) LiveWaiterIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.waiters))
	for id := range c.waiters {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) removeWaiterLocked(w *waiter) {
	if current, ok := c.waiters[w.agentID]; ok && current == w {
		delete(c.waiters, w.agentID)
	}
}

// NotifyCompletion releases everyone blocked in WaitForTaskCompletion on
// this task. Called by the lifecycle service after the terminal write.
func (c *Coordinator) NotifyCompletion(task *v1.Task) {
	c.mu.Lock()
	chans := c.completionWaiters[task.ID]
	delete(c.completionWaiters, task.ID)
	c.mu.Unlock()

	for _, ch := range chans {
		ch <- task
	}
}

// WaitForTaskCompletion suspends until the task reaches a terminal state
// or the timeout elapses; a timeout returns (nil, nil).
func (c *Coordinator) WaitForTaskCompletion(ctx context.Context, taskID string, timeout time.Duration) (*v1.Task, error) {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	ch := make(chan *v1.Task, 1)
	c.mu.Lock()
	c.completionWaiters[taskID] = append(c.completionWaiters[taskID], ch)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		chans := c.completionWaiters[taskID]
		for i, existing := range chans {
			if existing == ch {
				c.completionWaiters[taskID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(c.completionWaiters[taskID]) == 0 {
			delete(c.completionWaiters, taskID)
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case done := <-ch:
		return done, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, nil
	}
}
