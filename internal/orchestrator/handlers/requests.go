package handlers

import v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"

// registerAgentRequest is the body of POST /agents/register.
type registerAgentRequest struct {
	ID           string               `json:"id" binding:"required"`
	DisplayName  string               `json:"displayName"`
	Aliases      []string             `json:"aliases"`
	Capabilities []string             `json:"capabilities"`
	Workspace    *v1.WorkspaceContext `json:"workspaceContext"`
	Color        string               `json:"color"`
}

// waitForPromptRequest is the body of POST /poll.
type waitForPromptRequest struct {
	AgentID      string               `json:"agentId" binding:"required"`
	Capabilities []string             `json:"capabilities"`
	Workspace    *v1.WorkspaceContext `json:"workspaceContext"`
	TimeoutSec   int                  `json:"timeoutSec"`
}

// assignTaskRequest is the body of POST /tasks.
type assignTaskRequest struct {
	Prompt       string                 `json:"prompt" binding:"required"`
	Priority     v1.TaskPriority        `json:"priority"`
	Context      map[string]interface{} `json:"context"`
	To           v1.TaskRouting         `json:"to"`
	From         v1.TaskOrigin          `json:"from"`
	Dependencies []string               `json:"dependencies"`
	Source       string                 `json:"source"`
}

// ackTaskRequest is the body of POST /tasks/:id/ack.
type ackTaskRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

// sendResponseRequest is the body of POST /tasks/:id/response.
type sendResponseRequest struct {
	AgentID   string        `json:"agentId"`
	Status    v1.TaskStatus `json:"status" binding:"required"`
	Message   string        `json:"message"`
	Artifacts []string      `json:"artifacts"`
	Diff      string        `json:"diff"`
}

// updateProgressRequest is the body of POST /tasks/:id/progress.
type updateProgressRequest struct {
	AgentID    string `json:"agentId" binding:"required"`
	Message    string `json:"message" binding:"required"`
	Percentage int    `json:"percentage"`
}

// blockTaskRequest is the body of POST /tasks/:id/block.
type blockTaskRequest struct {
	Reason   string `json:"reason" binding:"required"`
	Question string `json:"question" binding:"required"`
	Summary  string `json:"summary"`
}

// answerTaskRequest is the body of POST /tasks/:id/answer.
type answerTaskRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// requestEvictionRequest is the body of POST /agents/:id/evict.
type requestEvictionRequest struct {
	Reason string            `json:"reason" binding:"required"`
	Action v1.EvictionAction `json:"action"`
}

// broadcastRequest is the body of POST /system-prompts/broadcast.
type broadcastRequest struct {
	PromptType       string                 `json:"promptType" binding:"required"`
	Message          string                 `json:"message" binding:"required"`
	Payload          map[string]interface{} `json:"payload"`
	Priority         v1.TaskPriority        `json:"priority"`
	TargetAgentID    string                 `json:"targetAgentId"`
	TargetCapability string                 `json:"targetCapability"`
	Broadcast        bool                   `json:"broadcast"`
}

// addMessageRequest is the body of POST /tasks/:id/messages.
type addMessageRequest struct {
	Role     string                 `json:"role" binding:"required"`
	Content  string                 `json:"content" binding:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

// addReviewCommentRequest is the body of POST /tasks/:id/comments.
type addReviewCommentRequest struct {
	FilePath   string `json:"filePath"`
	LineNumber int    `json:"lineNumber"`
	Content    string `json:"content" binding:"required"`
	ThreadID   string `json:"threadId"`
}
