// Package handlers exposes the orchestration core over HTTP. Routes map
// one-to-one onto the core operations; the shapes in pkg/api/v1 are the
// contract and JSON is the reference encoding.
package handlers

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/agent/registry"
	"github.com/OpenSourceWTF/waaah/internal/common/config"
	"github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/orchestrator/poller"
	"github.com/OpenSourceWTF/waaah/internal/sysprompt"
	"github.com/OpenSourceWTF/waaah/internal/task/repository"
	"github.com/OpenSourceWTF/waaah/internal/task/service"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// Handlers wires the HTTP routes to the core services.
type Handlers struct {
	lifecycle *service.Service
	registry  *registry.Registry
	coord     *poller.Coordinator
	prompts   *sysprompt.Manager
	repo      *repository.Repository
	polling   config.PollingConfig
	logger    *logger.Logger
}

// New creates the Handlers.
func New(lifecycle *service.Service, reg *registry.Registry, coord *poller.Coordinator,
	prompts *sysprompt.Manager, repo *repository.Repository, polling config.PollingConfig,
	log *logger.Logger) *Handlers {
	return &Handlers{
		lifecycle: lifecycle,
		registry:  reg,
		coord:     coord,
		prompts:   prompts,
		repo:      repo,
		polling:   polling,
		logger:    log.WithFields(zap.String("component", "http-handlers")),
	}
}

// RegisterRoutes mounts every core operation under the group.
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/agents/register", h.registerAgent)
	api.GET("/agents", h.listAgents)
	api.GET("/agents/:id/status", h.getAgentStatus)
	api.POST("/agents/:id/heartbeat", h.heartbeat)
	api.POST("/agents/:id/evict", h.requestEviction)
	api.POST("/agents/:id/eviction/clear", h.clearEviction)

	api.POST("/poll", h.waitForPrompt)

	api.POST("/tasks", h.assignTask)
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.POST("/tasks/:id/ack", h.ackTask)
	api.POST("/tasks/:id/response", h.sendResponse)
	api.POST("/tasks/:id/progress", h.updateProgress)
	api.POST("/tasks/:id/block", h.blockTask)
	api.POST("/tasks/:id/answer", h.answerTask)
	api.POST("/tasks/:id/cancel", h.cancelTask)
	api.POST("/tasks/:id/retry", h.forceRetry)
	api.GET("/tasks/:id/wait", h.waitForCompletion)
	api.GET("/tasks/:id/messages", h.listMessages)
	api.POST("/tasks/:id/messages", h.addMessage)
	api.GET("/tasks/:id/comments", h.listReviewComments)
	api.POST("/tasks/:id/comments", h.addReviewComment)
	api.POST("/comments/:id/resolve", h.resolveReviewComment)

	api.POST("/system-prompts/broadcast", h.broadcastSystemPrompt)

	api.GET("/logs", h.listLogs)
	api.GET("/security-events", h.listSecurityEvents)
}

// respondError maps core errors to transport status codes.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		if appErr.Code == errors.ErrCodeInternalError {
			h.logger.Error("internal error",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err))
			// Do not leak the cause; the log has it.
			c.JSON(appErr.HTTPStatus, gin.H{"code": appErr.Code, "error": "internal error"})
			return
		}
		c.JSON(appErr.HTTPStatus, gin.H{"code": appErr.Code, "error": appErr.Message})
		return
	}
	h.logger.Error("unexpected error",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"code": errors.ErrCodeInternalError, "error": "internal error"})
}

func (h *Handlers) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidIdentity(err.Error()))
		return
	}
	agent, err := h.registry.Register(c.Request.Context(), v1.AgentRegistration{
		ID:           req.ID,
		DisplayName:  req.DisplayName,
		Aliases:      req.Aliases,
		Capabilities: req.Capabilities,
		Workspace:    req.Workspace,
		Color:        req.Color,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) listAgents(c *gin.Context) {
	statuses, err := h.lifecycle.AgentStatuses(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": statuses})
}

func (h *Handlers) getAgentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := h.registry.Resolve(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	agent, err := h.registry.Get(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status, err := h.lifecycle.AgentStatus(ctx, agent)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) heartbeat(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := h.registry.Resolve(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.registry.Heartbeat(ctx, id)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) requestEviction(c *gin.Context) {
	var req requestEvictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	if err := h.lifecycle.RequestEviction(c.Request.Context(), c.Param("id"), req.Reason, req.Action); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) clearEviction(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := h.registry.Resolve(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.registry.ClearEviction(ctx, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// waitForPrompt is the agent long-poll. The request context carries the
// transport cancellation; a dropped connection releases the wait promptly.
func (h *Handlers) waitForPrompt(c *gin.Context) {
	var req waitForPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidIdentity(err.Error()))
		return
	}
	timeout := h.polling.ClampTimeout(req.TimeoutSec)

	result, err := h.coord.WaitForTask(c.Request.Context(), req.AgentID, req.Capabilities, req.Workspace, timeout)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Caller is gone; nothing to write.
			return
		}
		h.respondError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) assignTask(c *gin.Context) {
	var req assignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	result, err := h.lifecycle.Enqueue(c.Request.Context(), service.EnqueueRequest{
		Prompt:       req.Prompt,
		Priority:     req.Priority,
		From:         req.From,
		To:           req.To,
		Context:      req.Context,
		Dependencies: req.Dependencies,
		Source:       req.Source,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	resp := gin.H{"taskId": result.Task.ID}
	if result.ReservedAgentID != "" {
		resp["reservedAgentId"] = result.ReservedAgentID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) listTasks(c *gin.Context) {
	filter := repository.TaskFilter{
		AgentID:     c.Query("agentId"),
		WorkspaceID: c.Query("workspaceId"),
	}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []v1.TaskStatus{v1.TaskStatus(status)}
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		filter.Limit = limit
	}
	tasks, err := h.lifecycle.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) ackTask(c *gin.Context) {
	var req ackTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidIdentity(err.Error()))
		return
	}
	task, err := h.lifecycle.Ack(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) sendResponse(c *gin.Context) {
	var req sendResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	response := &v1.TaskResponse{
		Message:   req.Message,
		Artifacts: req.Artifacts,
		Diff:      req.Diff,
	}
	task, err := h.lifecycle.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, response, req.AgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) updateProgress(c *gin.Context) {
	var req updateProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	if err := h.lifecycle.Progress(c.Request.Context(), c.Param("id"), req.AgentID, req.Message, req.Percentage); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) blockTask(c *gin.Context) {
	var req blockTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	task, err := h.lifecycle.Block(c.Request.Context(), c.Param("id"), req.Reason, req.Question, req.Summary)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) answerTask(c *gin.Context) {
	var req answerTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	task, err := h.lifecycle.Answer(c.Request.Context(), c.Param("id"), req.Answer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) cancelTask(c *gin.Context) {
	task, err := h.lifecycle.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) forceRetry(c *gin.Context) {
	task, err := h.lifecycle.ForceRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) waitForCompletion(c *gin.Context) {
	timeoutSec, _ := strconv.Atoi(c.Query("timeoutSec"))
	timeout := h.polling.ClampTimeout(timeoutSec)

	task, err := h.lifecycle.WaitForCompletion(c.Request.Context(), c.Param("id"), timeout)
	if err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		h.respondError(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) listMessages(c *gin.Context) {
	messages, err := h.lifecycle.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handlers) addMessage(c *gin.Context) {
	var req addMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	msg := &v1.TaskMessage{
		TaskID:   c.Param("id"),
		Role:     req.Role,
		Content:  req.Content,
		Metadata: req.Metadata,
	}
	if err := h.lifecycle.AddMessage(c.Request.Context(), msg); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handlers) listReviewComments(c *gin.Context) {
	comments, err := h.lifecycle.ReviewComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *Handlers) addReviewComment(c *gin.Context) {
	var req addReviewCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	comment := &v1.ReviewComment{
		TaskID:     c.Param("id"),
		FilePath:   req.FilePath,
		LineNumber: req.LineNumber,
		Content:    req.Content,
		ThreadID:   req.ThreadID,
	}
	if err := h.lifecycle.AddReviewComment(c.Request.Context(), comment); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *Handlers) resolveReviewComment(c *gin.Context) {
	if err := h.lifecycle.ResolveReviewComment(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) broadcastSystemPrompt(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.InvalidRouting(err.Error()))
		return
	}
	if req.TargetAgentID == "" && req.TargetCapability == "" && !req.Broadcast {
		h.respondError(c, errors.InvalidRouting("set targetAgentId, targetCapability, or broadcast=true"))
		return
	}
	count, err := h.prompts.Broadcast(c.Request.Context(), sysprompt.BroadcastRequest{
		PromptType:       req.PromptType,
		Message:          req.Message,
		Payload:          req.Payload,
		Priority:         req.Priority,
		TargetAgentID:    req.TargetAgentID,
		TargetCapability: req.TargetCapability,
		Broadcast:        req.Broadcast,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"targetCount": count})
}

func (h *Handlers) listLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.repo.ListLogs(c.Request.Context(), c.Query("category"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func (h *Handlers) listSecurityEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.repo.ListSecurityEvents(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
