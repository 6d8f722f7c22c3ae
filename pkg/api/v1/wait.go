package v1

import "time"

// EvictionAction tells the agent what to do after draining.
type EvictionAction string

const (
	EvictionRestart  EvictionAction = "RESTART"
	EvictionShutdown EvictionAction = "SHUTDOWN"
)

// Eviction is a control message delivered through the wait channel.
type Eviction struct {
	Reason string         `json:"reason"`
	Action EvictionAction `json:"action"`
}

// SystemPrompt is a queued one-shot out-of-band message for an agent,
// consumed at most once, delivered in place of a task on the next wait.
type SystemPrompt struct {
	ID         int64                  `json:"id"`
	AgentID    string                 `json:"agentId"` // "*" for a broadcast row
	PromptType string                 `json:"promptType"`
	Message    string                 `json:"message"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Priority   TaskPriority           `json:"priority"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// WaitResult is the outcome of waitForTask. Exactly one field is non-nil;
// a timeout produces a nil *WaitResult, which is a first-class outcome,
// not an error.
type WaitResult struct {
	Task         *Task         `json:"task,omitempty"`
	Eviction     *Eviction     `json:"eviction,omitempty"`
	SystemPrompt *SystemPrompt `json:"systemPrompt,omitempty"`
}

// LogEntry is one row of the durable activity log.
type LogEntry struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Category  string                 `json:"category"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SecurityAction is the disposition of a screened prompt.
type SecurityAction string

const (
	SecurityBlocked SecurityAction = "BLOCKED"
	SecurityAllowed SecurityAction = "ALLOWED"
	SecurityWarned  SecurityAction = "WARNED"
)

// SecurityEvent records the screening of one inbound prompt. Prompt is
// truncated to 500 characters before storage.
type SecurityEvent struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"` // cli, discord, agent
	FromID    string         `json:"fromId,omitempty"`
	Prompt    string         `json:"prompt"`
	Flags     []string       `json:"flags,omitempty"`
	Action    SecurityAction `json:"action"`
}
