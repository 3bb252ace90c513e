package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/service"
)

type QueueHandler struct {
	scheduler *service.QueueScheduler
	audit     *service.AuditLog
	logger    *zap.Logger
}

func NewQueueHandler(scheduler *service.QueueScheduler, audit *service.AuditLog, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{scheduler: scheduler, audit: audit, logger: logger}
}

func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.scheduler.Stats(c.Request.Context())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, stats)
}

func (h *QueueHandler) Pending(c *gin.Context) {
	list, err := h.scheduler.PendingConversations(c.Request.Context())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, models.ListResponse{Items: list, Total: int64(len(list))})
}

// AssignmentLogs lists audit entries.
// Query params: conversation_id, agent_id, type, since (RFC3339), limit, offset.
func (h *QueueHandler) AssignmentLogs(c *gin.Context) {
	f := models.AssignmentLogFilter{
		ConversationID: c.Query("conversation_id"),
		AgentID:        c.Query("agent_id"),
		Type:           c.Query("type"),
		Limit:          queryInt(c, "limit", 0),
		Offset:         queryInt(c, "offset", 0),
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = &since
	}

	logs, total, err := h.audit.List(c.Request.Context(), f)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, models.ListResponse{Items: logs, Total: total})
}
