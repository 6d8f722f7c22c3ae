// Package events defines the topics and payloads of the core event stream.
package events

import v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"

// Topic names the five streams the core publishes. The set is closed;
// call sites never invent subject strings.
type Topic string

const (
	// TopicTask carries newly queued or re-queued tasks.
	TopicTask Topic = "task"
	// TopicDelegation fires when an agent acks a task.
	TopicDelegation Topic = "delegation"
	// TopicCompletion fires when a task reaches a terminal state. Never
	// published before the corresponding database write is durable.
	TopicCompletion Topic = "completion"
	// TopicActivity carries human-readable log entries, mirrored durably
	// to the logs table.
	TopicActivity Topic = "activity"
	// TopicEviction fires when an eviction is queued for an agent.
	TopicEviction Topic = "eviction"
)

// Topics lists every topic, for subscribers that want the full stream.
var Topics = []Topic{TopicTask, TopicDelegation, TopicCompletion, TopicActivity, TopicEviction}

// ParseTopic validates a caller-supplied topic name.
func ParseTopic(name string) (Topic, bool) {
	for _, t := range Topics {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

// TaskPayload is published on TopicTask.
type TaskPayload struct {
	Task   *v1.Task `json:"task"`
	Reason string   `json:"reason"` // queued, requeued, retried, unblocked
}

// DelegationPayload is published on TopicDelegation.
type DelegationPayload struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
}

// CompletionPayload is published on TopicCompletion.
type CompletionPayload struct {
	Task *v1.Task `json:"task"`
}

// ActivityPayload is published on TopicActivity.
type ActivityPayload struct {
	Category string                 `json:"category"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EvictionPayload is published on TopicEviction.
type EvictionPayload struct {
	AgentID string            `json:"agentId"`
	Reason  string            `json:"reason"`
	Action  v1.EvictionAction `json:"action"`
}
