package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/auth"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/service"
)

// AgentHandler serves login and the authenticated agent's own presence.
type AgentHandler struct {
	agents *service.AgentStatusService
	logger *zap.Logger
}

func NewAgentHandler(agents *service.AgentStatusService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, logger: logger}
}

func (h *AgentHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.agents.Login(c.Request.Context(), req.Email, req.Password, c.ClientIP())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, resp)
}

func (h *AgentHandler) Logout(c *gin.Context) {
	if err := h.agents.Logout(c.Request.Context(), auth.AgentID(c), c.ClientIP()); err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, nil)
}

func (h *AgentHandler) Me(c *gin.Context) {
	agent, err := h.agents.Get(c.Request.Context(), auth.AgentID(c))
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, agent)
}

func (h *AgentHandler) UpdateStatus(c *gin.Context) {
	var req models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	agent, err := h.agents.UpdateStatus(c.Request.Context(), auth.AgentID(c), req.Status, c.ClientIP())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, agent)
}

func (h *AgentHandler) UpdateAccepting(c *gin.Context) {
	var req models.UpdateAcceptingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	agent, err := h.agents.SetAcceptingChats(c.Request.Context(), auth.AgentID(c), *req.AcceptingChats)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, agent)
}

// Heartbeat records activity; an away agent comes back online.
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	agent, err := h.agents.RecordActivity(c.Request.Context(), auth.AgentID(c))
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, agent)
}

func (h *AgentHandler) StatusHistory(c *gin.Context) {
	logs, err := h.agents.StatusHistory(c.Request.Context(), auth.AgentID(c), queryInt(c, "limit", 0))
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, logs)
}

func (h *AgentHandler) Schedule(c *gin.Context) {
	view, err := h.agents.Schedule(c.Request.Context(), auth.AgentID(c))
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, view)
}

// UpdateSchedule replaces the caller's working windows. Omitting entries
// only toggles the enabled flag.
func (h *AgentHandler) UpdateSchedule(c *gin.Context) {
	var req models.UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.agents.SetSchedule(c.Request.Context(), auth.AgentID(c), req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, view)
}
