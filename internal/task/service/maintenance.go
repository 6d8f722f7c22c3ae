package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// ReleaseExpiredAcks reverts PENDING_ACK tasks whose reservation is older
// than the timeout back to QUEUED and re-attempts delivery. Called from
// the scheduler tick; returns the number of tasks released.
func (s *Service) ReleaseExpiredAcks(ctx context.Context, ackTimeout time.Duration) (int, error) {
	pending, err := s.repo.ListByStatus(ctx, v1.TaskStatusPendingAck)
	if err != nil {
		return 0, apperrors.Internal("failed to scan pending acks", err)
	}

	cutoff := time.Now().Add(-ackTimeout)
	released := 0
	for _, candidate := range pending {
		if candidate.AckSentAt == nil || candidate.AckSentAt.After(cutoff) {
			continue
		}
		agentID := candidate.PendingAckAgentID
		task, err := s.repo.Mutate(ctx, candidate.ID, func(task *v1.Task) error {
			// Re-check under the transaction; the agent may have acked
			// between the scan and now.
			if task.Status != v1.TaskStatusPendingAck || task.AckSentAt == nil || task.AckSentAt.After(cutoff) {
				return apperrors.WrongState("reservation no longer expired")
			}
			task.Status = v1.TaskStatusQueued
			task.PendingAckAgentID = ""
			task.AckSentAt = nil
			task.History = append(task.History, v1.HistoryEntry{
				Timestamp: time.Now().UTC(),
				Status:    v1.TaskStatusQueued,
				AgentID:   agentID,
				Message:   fmt.Sprintf("ACK timeout from %s", agentID),
			})
			return nil
		})
		if err != nil {
			if !apperrors.IsWrongState(err) {
				s.logger.Error("failed to expire reservation",
					zap.String("task_id", candidate.ID), zap.Error(err))
			}
			continue
		}
		released++
		s.publisher.Task(ctx, task, "requeued")
		s.publisher.Activity(ctx, "task",
			fmt.Sprintf("task %s ack timed out, re-queued", task.ID),
			map[string]interface{}{"task_id": task.ID, "agent_id": agentID})
		s.coord.TryDeliver(ctx, task)
	}
	return released, nil
}

// UnblockReady re-queues BLOCKED tasks whose dependency set is now fully
// COMPLETED, attempting immediate delivery for each. Returns nil when
// there is nothing to do.
func (s *Service) UnblockReady(ctx context.Context) error {
	blocked, err := s.repo.ListByStatus(ctx, v1.TaskStatusBlocked)
	if err != nil {
		return apperrors.Internal("failed to scan blocked tasks", err)
	}

	for _, candidate := range blocked {
		if len(candidate.Dependencies) == 0 || len(candidate.History) > 1 {
			// Blocked on a question, not on dependencies; only Answer
			// releases it. A dependency block is only ever the task's
			// enqueue-time state, so it has a single history entry.
			continue
		}
		completed, err := s.repo.CompletedSet(ctx, candidate.Dependencies)
		if err != nil {
			return apperrors.Internal("failed to check dependencies", err)
		}
		satisfied := true
		for _, dep := range candidate.Dependencies {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}

		task, err := s.repo.Mutate(ctx, candidate.ID, func(task *v1.Task) error {
			if task.Status != v1.TaskStatusBlocked {
				return apperrors.WrongState("task no longer blocked")
			}
			task.Status = v1.TaskStatusQueued
			task.History = append(task.History, v1.HistoryEntry{
				Timestamp: time.Now().UTC(),
				Status:    v1.TaskStatusQueued,
				Message:   "dependencies satisfied",
			})
			return nil
		})
		if err != nil {
			if !apperrors.IsWrongState(err) {
				s.logger.Error("failed to unblock task",
					zap.String("task_id", candidate.ID), zap.Error(err))
			}
			continue
		}

		s.publisher.Task(ctx, task, "unblocked")
		s.publisher.Activity(ctx, "task",
			fmt.Sprintf("task %s unblocked", task.ID),
			map[string]interface{}{"task_id": task.ID})
		s.coord.TryDeliver(ctx, task)
	}
	return nil
}

// RequestEviction flags the agent, queues the eviction on the wait
// channel, and emits the eviction event.
func (s *Service) RequestEviction(ctx context.Context, agentID, reason string, action v1.EvictionAction) error {
	canonical, err := s.registry.Resolve(ctx, agentID)
	if err != nil {
		return err
	}
	if action == "" {
		action = v1.EvictionRestart
	}
	if err := s.registry.RequestEviction(ctx, canonical, reason); err != nil {
		return err
	}
	s.coord.QueueEviction(canonical, reason, action)
	s.publisher.Eviction(ctx, canonical, reason, action)
	s.publisher.Activity(ctx, "eviction",
		fmt.Sprintf("eviction queued for %s: %s", canonical, reason),
		map[string]interface{}{"agent_id": canonical, "action": string(action)})
	return nil
}

// AddMessage appends to a task's conversation log after verifying the task
// exists.
func (s *Service) AddMessage(ctx context.Context, msg *v1.TaskMessage) error {
	if _, err := s.repo.GetTask(ctx, msg.TaskID); err != nil {
		return err
	}
	if err := s.repo.AddMessage(ctx, msg); err != nil {
		return apperrors.Internal("failed to append task message", err)
	}
	return nil
}

// Messages returns a task's conversation log.
func (s *Service) Messages(ctx context.Context, taskID string) ([]*v1.TaskMessage, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, taskID)
}

// AddReviewComment attaches a review comment to a task.
func (s *Service) AddReviewComment(ctx context.Context, comment *v1.ReviewComment) error {
	if _, err := s.repo.GetTask(ctx, comment.TaskID); err != nil {
		return err
	}
	if err := s.repo.AddReviewComment(ctx, comment); err != nil {
		return apperrors.Internal("failed to insert review comment", err)
	}
	return nil
}

// ReviewComments lists a task's review comments.
func (s *Service) ReviewComments(ctx context.Context, taskID string) ([]*v1.ReviewComment, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListReviewComments(ctx, taskID)
}

// ResolveReviewComment marks a review comment resolved.
func (s *Service) ResolveReviewComment(ctx context.Context, commentID string) error {
	return s.repo.ResolveReviewComment(ctx, commentID)
}

// AgentStatuses derives the connection status for every agent:
// PROCESSING with an active task, else WAITING when parked, else OFFLINE.
// lastSeen plays no part in the derivation.
func (s *Service) AgentStatuses(ctx context.Context) ([]*v1.AgentStatus, error) {
	agents, err := s.registry.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]*v1.AgentStatus, 0, len(agents))
	for _, agent := range agents {
		status, err := s.AgentStatus(ctx, agent)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// AgentStatus derives the connection status of one agent.
func (s *Service) AgentStatus(ctx context.Context, agent *v1.Agent) (*v1.AgentStatus, error) {
	active, err := s.repo.CountActiveByAgent(ctx, agent.ID)
	if err != nil {
		return nil, apperrors.Internal("failed to count active tasks", err)
	}
	status := v1.StatusOffline
	if active > 0 {
		status = v1.StatusProcessing
	} else if agent.WaitingSince != nil {
		status = v1.StatusWaiting
	}
	return &v1.AgentStatus{Agent: agent, Status: status, ActiveTasks: active}, nil
}
