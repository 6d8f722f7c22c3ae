// Package sysprompt manages the out-of-band message queue: one-shot
// system prompts delivered to agents in place of a task on their next
// wait.
package sysprompt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/agent/registry"
	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/events"
	"github.com/OpenSourceWTF/waaah/internal/task/repository"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// Waker is the coordinator surface the manager needs: nudge parked agents
// so a queued prompt is picked up without waiting out the long-poll.
type Waker interface {
	WakeAgent(agentID string)
	WakeAll()
}

// Manager queues and fans out system prompts.
type Manager struct {
	repo      *repository.Repository
	registry  *registry.Registry
	waker     Waker
	publisher *events.Publisher
	logger    *logger.Logger
}

// NewManager creates a Manager.
func NewManager(repo *repository.Repository, reg *registry.Registry, waker Waker,
	pub *events.Publisher, log *logger.Logger) *Manager {
	return &Manager{
		repo:      repo,
		registry:  reg,
		waker:     waker,
		publisher: pub,
		logger:    log.WithFields(zap.String("component", "sysprompt")),
	}
}

// Queue inserts one prompt row for the agent ("*" queues a broadcast row
// consumable by any agent) and wakes the target.
func (m *Manager) Queue(ctx context.Context, agentID, promptType, message string,
	payload map[string]interface{}, priority v1.TaskPriority) error {
	if agentID != "*" {
		canonical, err := m.registry.Resolve(ctx, agentID)
		if err != nil {
			return err
		}
		agentID = canonical
	}

	prompt := &v1.SystemPrompt{
		AgentID:    agentID,
		PromptType: promptType,
		Message:    message,
		Payload:    payload,
		Priority:   priority,
	}
	if err := m.repo.QueueSystemPrompt(ctx, prompt); err != nil {
		return apperrors.Internal("failed to queue system prompt", err)
	}

	if agentID == "*" {
		m.waker.WakeAll()
	} else {
		m.waker.WakeAgent(agentID)
	}
	return nil
}

// BroadcastRequest selects the broadcast audience: one specific agent, all
// agents with a capability, or everyone.
type BroadcastRequest struct {
	PromptType       string
	Message          string
	Payload          map[string]interface{}
	Priority         v1.TaskPriority
	TargetAgentID    string
	TargetCapability string
	Broadcast        bool
}

// Broadcast enumerates the matching agents and queues one row per agent;
// there is no wildcard consumer. Returns the number of agents reached, or
// NoMatches when the audience is empty.
func (m *Manager) Broadcast(ctx context.Context, req BroadcastRequest) (int, error) {
	var targets []string

	switch {
	case req.TargetAgentID != "":
		canonical, err := m.registry.Resolve(ctx, req.TargetAgentID)
		if err != nil {
			return 0, err
		}
		targets = []string{canonical}
	default:
		agents, err := m.registry.GetAll(ctx)
		if err != nil {
			return 0, apperrors.Internal("failed to enumerate agents", err)
		}
		for _, agent := range agents {
			if req.TargetCapability != "" && !agent.HasCapability(req.TargetCapability) {
				continue
			}
			targets = append(targets, agent.ID)
		}
	}

	if len(targets) == 0 {
		return 0, apperrors.NoMatches("no agents match the broadcast target")
	}

	for _, agentID := range targets {
		if err := m.repo.QueueSystemPrompt(ctx, &v1.SystemPrompt{
			AgentID:    agentID,
			PromptType: req.PromptType,
			Message:    req.Message,
			Payload:    req.Payload,
			Priority:   req.Priority,
		}); err != nil {
			return 0, apperrors.Internal("failed to queue system prompt", err)
		}
		m.waker.WakeAgent(agentID)
	}

	m.publisher.Activity(ctx, "sysprompt",
		fmt.Sprintf("system prompt %q broadcast to %d agents", req.PromptType, len(targets)),
		map[string]interface{}{"prompt_type": req.PromptType, "target_count": len(targets)})

	m.logger.Info("system prompt broadcast",
		zap.String("prompt_type", req.PromptType),
		zap.Int("target_count", len(targets)))

	return len(targets), nil
}

// Pop atomically consumes the next prompt for an agent. The coordinator
// calls this before returning any task.
func (m *Manager) Pop(ctx context.Context, agentID string) (*v1.SystemPrompt, error) {
	return m.repo.PopSystemPrompt(ctx, agentID)
}
