// Package service implements the task lifecycle: enqueue, ack, status
// updates with history, cancel, force-retry, blocking and dependency
// gating. It emits the task lifecycle events.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/agent/registry"
	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/events"
	"github.com/OpenSourceWTF/waaah/internal/orchestrator/poller"
	"github.com/OpenSourceWTF/waaah/internal/security"
	"github.com/OpenSourceWTF/waaah/internal/task/repository"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// Service is the task lifecycle service.
type Service struct {
	repo      *repository.Repository
	registry  *registry.Registry
	coord     *poller.Coordinator
	publisher *events.Publisher
	screener  *security.Screener
	logger    *logger.Logger
}

// New creates a Service.
func New(repo *repository.Repository, reg *registry.Registry, coord *poller.Coordinator,
	pub *events.Publisher, screener *security.Screener, log *logger.Logger) *Service {
	return &Service{
		repo:      repo,
		registry:  reg,
		coord:     coord,
		publisher: pub,
		screener:  screener,
		logger:    log.WithFields(zap.String("component", "task-service")),
	}
}

// EnqueueRequest is the input to Enqueue.
type EnqueueRequest struct {
	Prompt       string
	Priority     v1.TaskPriority
	From         v1.TaskOrigin
	To           v1.TaskRouting
	Context      map[string]interface{}
	Dependencies []string
	Source       string // cli, discord, agent; for security screening
}

// EnqueueResult reports the created task and, when a parked waiter matched
// immediately, the agent the task was reserved for.
type EnqueueResult struct {
	Task            *v1.Task
	ReservedAgentID string
}

// Enqueue validates, screens, and inserts a task, then attempts immediate
// delivery. Tasks with unmet dependencies start out BLOCKED.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if req.Prompt == "" {
		return nil, apperrors.InvalidRouting("prompt must not be empty")
	}
	if req.To.Empty() {
		return nil, apperrors.InvalidRouting("routing descriptor must set at least one of agentId, role, workspaceId, requiredCapabilities")
	}
	if req.Priority == "" {
		req.Priority = v1.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, apperrors.InvalidRouting(fmt.Sprintf("unknown priority %q", req.Priority))
	}

	if s.screener != nil {
		if err := s.screener.Screen(ctx, req.Source, req.From.ID, req.Prompt); err != nil {
			return nil, err
		}
	}

	// Explicit targets may arrive as an alias or display name; matching
	// works on canonical ids only.
	if req.To.AgentID != "" {
		id, err := s.registry.Resolve(ctx, req.To.AgentID)
		if err != nil {
			return nil, apperrors.InvalidRouting(fmt.Sprintf("unknown target agent %q", req.To.AgentID))
		}
		req.To.AgentID = id
	}

	now := time.Now().UTC()
	task := &v1.Task{
		ID:           uuid.New().String(),
		Status:       v1.TaskStatusQueued,
		Prompt:       req.Prompt,
		Priority:     req.Priority,
		From:         req.From,
		To:           req.To,
		Context:      req.Context,
		Dependencies: req.Dependencies,
		CreatedAt:    now,
	}

	blocking, err := s.unmetDependencies(ctx, task.ID, req.Dependencies)
	if err != nil {
		return nil, err
	}

	if len(blocking) > 0 {
		task.Status = v1.TaskStatusBlocked
		task.History = []v1.HistoryEntry{{
			Timestamp: now,
			Status:    v1.TaskStatusBlocked,
			Message:   fmt.Sprintf("blocked on dependencies: %v", blocking),
		}}
	} else {
		task.History = []v1.HistoryEntry{{
			Timestamp: now,
			Status:    v1.TaskStatusQueued,
			Message:   "enqueued",
		}}
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, apperrors.Internal("failed to insert task", err)
	}

	s.publisher.Task(ctx, task, "queued")
	s.publisher.Activity(ctx, "task", fmt.Sprintf("task %s enqueued (%s)", task.ID, task.Priority),
		map[string]interface{}{"task_id": task.ID, "status": string(task.Status)})

	result := &EnqueueResult{Task: task}
	if task.Status == v1.TaskStatusQueued {
		if agentID := s.coord.TryDeliver(ctx, task); agentID != "" {
			result.ReservedAgentID = agentID
			// Reflect the reservation in the returned snapshot.
			if reserved, err := s.repo.GetTask(ctx, task.ID); err == nil {
				result.Task = reserved
			}
		}
	}
	return result, nil
}

// unmetDependencies validates the dependency list and returns the ids not
// yet COMPLETED. Unknown ids and self-references are rejected; since a new
// task cannot be depended on yet, the graph stays acyclic by construction.
func (s *Service) unmetDependencies(ctx context.Context, taskID string, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	for _, dep := range deps {
		if dep == taskID {
			return nil, apperrors.InvalidRouting("task cannot depend on itself")
		}
	}
	existing, err := s.repo.ExistingSet(ctx, deps)
	if err != nil {
		return nil, apperrors.Internal("failed to check dependencies", err)
	}
	for _, dep := range deps {
		if !existing[dep] {
			return nil, apperrors.InvalidRouting(fmt.Sprintf("unknown dependency task %q", dep))
		}
	}
	completed, err := s.repo.CompletedSet(ctx, deps)
	if err != nil {
		return nil, apperrors.Internal("failed to check dependencies", err)
	}
	var blocking []string
	for _, dep := range deps {
		if !completed[dep] {
			blocking = append(blocking, dep)
		}
	}
	return blocking, nil
}

// Ack confirms receipt of a PENDING_ACK task by the reserved agent,
// transitioning it to ASSIGNED.
func (s *Service) Ack(ctx context.Context, taskID, agentID string) (*v1.Task, error) {
	canonical, err := s.registry.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.registry.Heartbeat(ctx, canonical)

	task, err := s.repo.Mutate(ctx, taskID, func(task *v1.Task) error {
		if task.Status != v1.TaskStatusPendingAck {
			return apperrors.WrongState(fmt.Sprintf("task is %s, not PENDING_ACK", task.Status))
		}
		if task.PendingAckAgentID != canonical {
			return apperrors.WrongAgent("task is reserved for a different agent")
		}
		task.Status = v1.TaskStatusAssigned
		task.AssignedTo = canonical
		task.PendingAckAgentID = ""
		task.AckSentAt = nil
		task.History = append(task.History, v1.HistoryEntry{
			Timestamp: time.Now().UTC(),
			Status:    v1.TaskStatusAssigned,
			AgentID:   canonical,
			Message:   "acknowledged",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Delegation(ctx, taskID, canonical)
	s.publisher.Activity(ctx, "delegation", fmt.Sprintf("task %s accepted by %s", taskID, canonical),
		map[string]interface{}{"task_id": taskID, "agent_id": canonical})
	return task, nil
}

// allowedTransitions lists the permitted agent-driven status updates.
var allowedTransitions = map[v1.TaskStatus][]v1.TaskStatus{
	v1.TaskStatusAssigned:   {v1.TaskStatusInProgress, v1.TaskStatusInReview, v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusBlocked},
	v1.TaskStatusInProgress: {v1.TaskStatusInReview, v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusBlocked},
	v1.TaskStatusInReview:   {v1.TaskStatusInProgress, v1.TaskStatusCompleted, v1.TaskStatusFailed},
}

func transitionAllowed(from, to v1.TaskStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// UpdateStatus applies an agent-reported status change, appending history
// and setting completedAt on terminal states. Completing a task re-queues
// any BLOCKED tasks whose dependency set is now satisfied.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, newStatus v1.TaskStatus, response *v1.TaskResponse, agentID string) (*v1.Task, error) {
	if !newStatus.Valid() {
		return nil, apperrors.WrongState(fmt.Sprintf("unknown status %q", newStatus))
	}

	now := time.Now().UTC()
	task, err := s.repo.Mutate(ctx, taskID, func(task *v1.Task) error {
		if task.Status.Terminal() {
			return apperrors.WrongState(fmt.Sprintf("task already %s", task.Status))
		}
		if !transitionAllowed(task.Status, newStatus) {
			return apperrors.WrongState(fmt.Sprintf("cannot move from %s to %s", task.Status, newStatus))
		}
		task.Status = newStatus
		if response != nil {
			task.Response = response
		}
		if newStatus.Terminal() {
			task.CompletedAt = &now
		}
		task.LastProgressAt = &now
		task.History = append(task.History, v1.HistoryEntry{
			Timestamp: now,
			Status:    newStatus,
			AgentID:   agentID,
			Message:   "status updated",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if task.Status.Terminal() {
		// The terminal write above has committed; events may now flow.
		s.publisher.Completion(ctx, task)
		s.publisher.Activity(ctx, "completion", fmt.Sprintf("task %s reached %s", taskID, task.Status),
			map[string]interface{}{"task_id": taskID, "status": string(task.Status)})
		s.coord.NotifyCompletion(task)
	}
	if task.Status == v1.TaskStatusCompleted {
		if err := s.UnblockReady(ctx); err != nil {
			s.logger.Error("failed to unblock dependents", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return task, nil
}

// Progress records an agent progress note without changing status.
func (s *Service) Progress(ctx context.Context, taskID, agentID, message string, percentage int) error {
	canonical, err := s.registry.Resolve(ctx, agentID)
	if err != nil {
		return err
	}
	s.registry.Heartbeat(ctx, canonical)

	now := time.Now().UTC()
	if _, err := s.repo.Mutate(ctx, taskID, func(task *v1.Task) error {
		task.LastProgressAt = &now
		return nil
	}); err != nil {
		return err
	}

	metadata := map[string]interface{}{"agent_id": canonical}
	if percentage > 0 {
		metadata["percentage"] = percentage
	}
	if err := s.repo.AddMessage(ctx, &v1.TaskMessage{
		TaskID:   taskID,
		Role:     "agent",
		Content:  message,
		Metadata: metadata,
	}); err != nil {
		return apperrors.Internal("failed to record progress message", err)
	}

	s.publisher.Activity(ctx, "progress", fmt.Sprintf("task %s: %s", taskID, message), metadata)
	return nil
}

// Cancel writes CANCELLED and clears any PENDING_ACK reservation. Rejected
// on terminal tasks, leaving them unchanged.
func (s *Service) Cancel(ctx context.Context, taskID string) (*v1.Task, error) {
	now := time.Now().UTC()
	task, err := s.repo.Mutate(ctx, taskID, func(task *v1.Task) error {
		if task.Status.Terminal() {
			return apperrors.WrongState(fmt.Sprintf("task already %s", task.Status))
		}
		task.Status = v1.TaskStatusCancelled
		task.PendingAckAgentID = ""
		task.AckSentAt = nil
		task.CompletedAt = &now
		task.History = append(task.History, v1.HistoryEntry{
			Timestamp: now,
			Status:    v1.TaskStatusCancelled,
			Message:   "cancelled",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Completion(ctx, task)
	s.publisher.Activity(ctx, "completion", fmt.Sprintf("task %s cancelled", taskID),
		map[string]interface{}{"task_id": taskID})
	s.coord.NotifyCompletion(task)
	return task, nil
}

// forceRetryable lists the states ForceRetry accepts.
var forceRetryable = map[v1.TaskStatus]bool{
	v1.TaskStatusAssigned:   true,
	v1.TaskStatusInProgress: true,
	v1.TaskStatusPendingAck: true,
	v1.TaskStatusCancelled:  true,
	v1.TaskStatusFailed:     true,
}

// ForceRetry clears assignment and response and puts the task back on the
// queue, then re-attempts immediate delivery.
func (s *Service) ForceRetry(ctx context.Context, taskID string) (*v1.Task, error) {
	now := time.Now().UTC()
	task, err := s.repo.Mutate(ctx, taskID, func(task *v1.Task) error {
		if !forceRetryable[task.Status] {
			return apperrors.WrongState(fmt.Sprintf("cannot retry from %s", task.Status))
		}
		task.Status = v1.TaskStatusQueued
		task.AssignedTo = ""
		task.Response = nil
		task.PendingAckAgentID = ""
		task.AckSentAt = nil
		task.CompletedAt = nil
		task.History = append(task.History, v1.HistoryEntry{
			Timestamp: now,
			Status:    v1.TaskStatusQueued,
			Message:   "force retried",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Task(ctx, task, "retried")
	s.publisher.Activity(ctx, "task", fmt.Sprintf("task %s force retried", taskID),
		map[string]interface{}{"task_id": taskID})
	s.coord.TryDeliver(ctx, task)
	return task, nil
}

// blockable lists the states an agent may raise a question from; QUEUED is
// included so a dispatcher can park a task before delivery.
var blockable = map[v1.TaskStatus]bool{
	v1.TaskStatusQueued:     true,
	v1.TaskStatusAssigned:   true,
	v1.TaskStatusInProgress: true,
	v1.TaskStatusInReview:   true,
}

// Block transitions a task to BLOCKED, recording the question as a task
// message.
func (s *Service) Block(ctx context.Context, taskID, reason, question, summary string) (*v1.Task, error) {
	now := time.Now().UTC()
	task, err := s.repo.Mutate(ctx, taskID, func(task *v1.Task) error {
		if !blockable[task.Status] {
			return apperrors.WrongState(fmt.Sprintf("cannot block from %s", task.Status))
		}
		task.Status = v1.TaskStatusBlocked
		task.History = append(task.History, v1.HistoryEntry{
			Timestamp: now,
			Status:    v1.TaskStatusBlocked,
			Message:   reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.AddMessage(ctx, &v1.TaskMessage{
		TaskID:  taskID,
		Role:    "agent",
		Content: question,
		Metadata: map[string]interface{}{
			"reason":  reason,
			"summary": summary,
		},
	}); err != nil {
		return nil, apperrors.Internal("failed to record blocking question", err)
	}

	s.publisher.Activity(ctx, "task", fmt.Sprintf("task %s blocked: %s", taskID, reason),
		map[string]interface{}{"task_id": taskID})
	return task, nil
}

// Answer resolves a BLOCKED task back to QUEUED and re-attempts delivery.
func (s *Service) Answer(ctx context.Context, taskID, answer string) (*v1.Task, error) {
	now := time.Now().UTC()
	task, err := s.repo.Mutate(ctx, taskID, func(task *v1.Task) error {
		if task.Status != v1.TaskStatusBlocked {
			return apperrors.WrongState(fmt.Sprintf("task is %s, not BLOCKED", task.Status))
		}
		task.Status = v1.TaskStatusQueued
		task.History = append(task.History, v1.HistoryEntry{
			Timestamp: now,
			Status:    v1.TaskStatusQueued,
			Message:   "question answered",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.AddMessage(ctx, &v1.TaskMessage{
		TaskID:  taskID,
		Role:    "user",
		Content: answer,
	}); err != nil {
		return nil, apperrors.Internal("failed to record answer", err)
	}

	s.publisher.Task(ctx, task, "requeued")
	s.coord.TryDeliver(ctx, task)
	return task, nil
}

// Get returns a task snapshot.
func (s *Service) Get(ctx context.Context, taskID string) (*v1.Task, error) {
	return s.repo.GetTask(ctx, taskID)
}

// List returns tasks matching the filter.
func (s *Service) List(ctx context.Context, filter repository.TaskFilter) ([]*v1.Task, error) {
	return s.repo.ListTasks(ctx, filter)
}

// WaitForCompletion suspends until the task is terminal or the timeout
// elapses.
func (s *Service) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*v1.Task, error) {
	return s.coord.WaitForTaskCompletion(ctx, taskID, timeout)
}
