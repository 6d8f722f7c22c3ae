package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards connect from arbitrary origins; auth happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests into event stream connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log}
}

// RegisterRoutes mounts the event stream endpoint.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/events/ws", h.serve)
}

// serve upgrades the connection. The "topics" query parameter selects a
// comma-separated subset of streams; omitted means all of them.
func (h *Handler) serve(c *gin.Context) {
	topics, ok := parseTopics(c.Query("topics"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown topic"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, topics, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func parseTopics(raw string) ([]string, bool) {
	if strings.TrimSpace(raw) == "" {
		all := make([]string, len(events.Topics))
		for i, t := range events.Topics {
			all[i] = string(t)
		}
		return all, true
	}
	var topics []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if _, ok := events.ParseTopic(name); !ok {
			return nil, false
		}
		topics = append(topics, name)
	}
	return topics, len(topics) > 0
}
