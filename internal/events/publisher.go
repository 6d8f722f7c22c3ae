package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/events/bus"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// LogStore is the durable sink for activity entries. Satisfied by the task
// repository.
type LogStore interface {
	AppendLog(ctx context.Context, category, message string, metadata map[string]interface{}) error
}

// Publisher is the typed facade over the event bus. Components publish
// through it; topic strings never leak into call sites.
type Publisher struct {
	bus    bus.EventBus
	logs   LogStore
	source string
	logger *logger.Logger
}

// NewPublisher creates a Publisher for the given producing component.
func NewPublisher(b bus.EventBus, logs LogStore, source string, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		logs:   logs,
		source: source,
		logger: log.WithFields(zap.String("component", "events")),
	}
}

// Task publishes a new or re-queued task.
func (p *Publisher) Task(ctx context.Context, task *v1.Task, reason string) {
	p.publish(ctx, TopicTask, &TaskPayload{Task: task, Reason: reason})
}

// Delegation publishes a task acceptance.
func (p *Publisher) Delegation(ctx context.Context, taskID, agentID string) {
	p.publish(ctx, TopicDelegation, &DelegationPayload{TaskID: taskID, AgentID: agentID})
}

// Completion publishes a terminal state. Callers publish only after the
// database write has committed.
func (p *Publisher) Completion(ctx context.Context, task *v1.Task) {
	p.publish(ctx, TopicCompletion, &CompletionPayload{Task: task})
}

// Eviction publishes a queued eviction.
func (p *Publisher) Eviction(ctx context.Context, agentID, reason string, action v1.EvictionAction) {
	p.publish(ctx, TopicEviction, &EvictionPayload{AgentID: agentID, Reason: reason, Action: action})
}

// Activity publishes a human-readable entry and mirrors it durably to the
// logs table. The durable write happens first; a subscriber that sees the
// event can read the row back.
func (p *Publisher) Activity(ctx context.Context, category, message string, metadata map[string]interface{}) {
	if p.logs != nil {
		if err := p.logs.AppendLog(ctx, category, message, metadata); err != nil {
			p.logger.Error("failed to persist activity entry",
				zap.String("category", category),
				zap.Error(err))
		}
	}
	p.publish(ctx, TopicActivity, &ActivityPayload{Category: category, Message: message, Metadata: metadata})
}

func (p *Publisher) publish(ctx context.Context, topic Topic, payload interface{}) {
	if err := p.bus.Publish(ctx, string(topic), bus.NewEvent(string(topic), p.source, payload)); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("topic", string(topic)),
			zap.Error(err))
	}
}
