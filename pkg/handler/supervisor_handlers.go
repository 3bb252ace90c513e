package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/auth"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/service"
)

type SupervisorHandler struct {
	supervisor *service.SupervisorService
	agents     *service.AgentStatusService
	logger     *zap.Logger
}

func NewSupervisorHandler(supervisor *service.SupervisorService, agents *service.AgentStatusService, logger *zap.Logger) *SupervisorHandler {
	return &SupervisorHandler{supervisor: supervisor, agents: agents, logger: logger}
}

func (h *SupervisorHandler) Conversations(c *gin.Context) {
	list, err := h.supervisor.ActiveConversations(c.Request.Context())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, models.ListResponse{Items: list, Total: int64(len(list))})
}

func (h *SupervisorHandler) Workload(c *gin.Context) {
	list, err := h.agents.Workload(c.Request.Context())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, list)
}

func (h *SupervisorHandler) Availability(c *gin.Context) {
	stats, err := h.agents.Availability(c.Request.Context())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, stats)
}

func (h *SupervisorHandler) Audit(c *gin.Context) {
	ok(c, h.supervisor.AuditTrail(queryInt(c, "limit", 0)))
}

func (h *SupervisorHandler) StartMonitoring(c *gin.Context) {
	session, err := h.supervisor.StartMonitoring(c.Request.Context(), c.Param("id"), auth.AgentID(c))
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, session)
}

func (h *SupervisorHandler) StopMonitoring(c *gin.Context) {
	if err := h.supervisor.StopMonitoring(c.Request.Context(), c.Param("id"), auth.AgentID(c)); err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, nil)
}

func (h *SupervisorHandler) Takeover(c *gin.Context) {
	var req models.TakeoverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	res, err := h.supervisor.Takeover(c.Request.Context(), c.Param("id"), auth.AgentID(c), req.Reason)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	assignmentResult(c, res)
}

func (h *SupervisorHandler) BulkAction(c *gin.Context) {
	var req models.BulkActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.supervisor.BulkAction(c.Request.Context(), auth.AgentID(c), req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, res)
}

// ForceLogout takes an agent offline regardless of its current status.
func (h *SupervisorHandler) ForceLogout(c *gin.Context) {
	var req models.ForceLogoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	agent, err := h.agents.ForceLogout(c.Request.Context(), auth.AgentID(c), c.Param("id"), req.Reason, c.ClientIP())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, agent)
}
