// Package v1 defines the transport-neutral API types for the WAAAH
// orchestration core. Handlers, stores, and services all exchange these
// shapes; encoding (JSON over HTTP, WebSocket frames) happens at the edges.
package v1

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusPendingAck TaskStatus = "PENDING_ACK"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusInReview   TaskStatus = "IN_REVIEW"
	TaskStatusBlocked    TaskStatus = "BLOCKED"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusPendingAck, TaskStatusAssigned,
		TaskStatusInProgress, TaskStatusInReview, TaskStatusBlocked,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskPriority orders competing tasks for delivery.
type TaskPriority string

const (
	PriorityNormal   TaskPriority = "normal"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Rank returns a sortable weight; higher wins.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// TaskOrigin identifies who enqueued a task.
type TaskOrigin struct {
	Type string `json:"type"` // "user" or "agent"
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// TaskRouting is the routing descriptor deciding which agents may receive
// the task. Any subset of the fields may be set.
type TaskRouting struct {
	AgentID              string   `json:"agentId,omitempty"`
	Role                 string   `json:"role,omitempty"`
	WorkspaceID          string   `json:"workspaceId,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
}

// Empty reports whether no routing constraint is set at all.
func (r TaskRouting) Empty() bool {
	return r.AgentID == "" && r.Role == "" && r.WorkspaceID == "" && len(r.RequiredCapabilities) == 0
}

// TaskResponse is the agent's final or intermediate result payload.
type TaskResponse struct {
	Message   string   `json:"message"`
	Artifacts []string `json:"artifacts,omitempty"`
	Diff      string   `json:"diff,omitempty"`
}

// HistoryEntry records one status change of a task.
type HistoryEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Status    TaskStatus `json:"status"`
	AgentID   string     `json:"agentId,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Task is a unit of work dispatched to an agent.
type Task struct {
	ID       string       `json:"id"`
	Status   TaskStatus   `json:"status"`
	Prompt   string       `json:"prompt"`
	Priority TaskPriority `json:"priority"`
	From     TaskOrigin   `json:"from"`
	To       TaskRouting  `json:"to"`

	AssignedTo   string                 `json:"assignedTo,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Response     *TaskResponse          `json:"response,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	History      []HistoryEntry         `json:"history"`

	// PENDING_ACK reservation fields. Set iff Status == PENDING_ACK.
	PendingAckAgentID string     `json:"pendingAckAgentId,omitempty"`
	AckSentAt         *time.Time `json:"ackSentAt,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	LastProgressAt *time.Time `json:"lastProgressAt,omitempty"`
}

// TaskMessage is one entry of a task's conversation log.
type TaskMessage struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"taskId"`
	Role      string                 `json:"role"` // user, agent, system
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ReviewComment is a per-task review annotation.
type ReviewComment struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	FilePath   string    `json:"filePath,omitempty"`
	LineNumber int       `json:"lineNumber,omitempty"`
	Content    string    `json:"content"`
	ThreadID   string    `json:"threadId,omitempty"`
	Resolved   bool      `json:"resolved"`
	CreatedAt  time.Time `json:"createdAt"`
}
