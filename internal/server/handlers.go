package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/agent"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/conversation"
	"github.com/agentloop/agentloop/internal/orchestrator"
	"github.com/agentloop/agentloop/internal/server/streaming"
)

type handler struct {
	service *orchestrator.Service
	hub     *streaming.Hub
	logger  *logger.Logger
}

func newHandler(service *orchestrator.Service, hub *streaming.Hub, log *logger.Logger) *handler {
	return &handler{
		service: service,
		hub:     hub,
		logger:  log.WithFields(zap.String("component", "api-handler")),
	}
}

// GET /health
func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sessionResponse is the wire shape of one session pool entry.
type sessionResponse struct {
	ChannelKey  string `json:"channel_key"`
	SessionID   string `json:"session_id"`
	InUse       bool   `json:"in_use"`
	InputTokens int64  `json:"input_tokens"`
	LastUsed    string `json:"last_used"`
}

// GET /api/v1/sessions
func (h *handler) listSessions(c *gin.Context) {
	snapshot := h.service.Sessions().Snapshot()
	sessions := make([]sessionResponse, 0, len(snapshot))
	for _, s := range snapshot {
		sessions = append(sessions, sessionResponse{
			ChannelKey:  s.ChannelKey,
			SessionID:   s.ID,
			InUse:       s.InUse,
			InputTokens: s.TotalInputTokens,
			LastUsed:    s.LastActive.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// GET /api/v1/lanes
func (h *handler) laneStats(c *gin.Context) {
	lanes := h.service.Lanes()
	if lanes == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": lanes.Snapshot()})
}

// messageRequest is the body of POST .../messages.
type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

// POST /api/v1/channels/:source/:id/messages
func (h *handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	channelKey := c.Param("source") + ":" + c.Param("id")
	blocks := []conversation.ContentBlock{conversation.TextBlock(req.Text)}

	result, err := h.service.HandleMessage(c.Request.Context(), channelKey, blocks, agent.RunOptions{})
	if err != nil {
		h.logger.Error("inject failed",
			zap.String("channel", channelKey), zap.Error(err))
		status := http.StatusInternalServerError
		if agent.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error(), "code": agent.CodeOf(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"response":    result.Response,
		"turns":       result.Turns,
		"stop_reason": result.StopReason,
		"session_id":  result.SessionID,
	})
}

// POST /api/v1/channels/:source/:id/reset
func (h *handler) resetSession(c *gin.Context) {
	channelKey := c.Param("source") + ":" + c.Param("id")
	id := h.service.ResetSession(c.Request.Context(), channelKey)
	c.JSON(http.StatusOK, gin.H{"channel_key": channelKey, "session_id": id})
}

// GET /api/v1/channels/:source/:id/stream
func (h *handler) stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "streaming disabled"})
		return
	}
	channelKey := c.Param("source") + ":" + c.Param("id")
	h.hub.Serve(c.Writer, c.Request, channelKey)
}
