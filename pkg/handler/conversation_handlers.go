package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/auth"
	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/service"
)

type ConversationHandler struct {
	conversations *service.ConversationService
	assignments   *service.AssignmentService
	agents        *service.AgentStatusService
	logger        *zap.Logger
}

func NewConversationHandler(conversations *service.ConversationService, assignments *service.AssignmentService, agents *service.AgentStatusService, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		assignments:   assignments,
		agents:        agents,
		logger:        logger,
	}
}

// actor resolves the authenticated agent for audit fields. A missing row is
// not fatal here; the id is still recorded.
func (h *ConversationHandler) actor(c *gin.Context) (id, name string) {
	id = auth.AgentID(c)
	if agent, err := h.agents.Get(c.Request.Context(), id); err == nil {
		name = agent.Name
	}
	return id, name
}

// List filters by status (comma separated), agent_id ("me" is the caller),
// group_id and search, sorted newest first unless sort=oldest.
func (h *ConversationHandler) List(c *gin.Context) {
	f := models.ConversationFilter{
		AgentID: c.Query("agent_id"),
		GroupID: c.Query("group_id"),
		Search:  c.Query("search"),
		Sort:    c.Query("sort"),
		Page:    queryInt(c, "page", 1),
		Limit:   queryInt(c, "limit", 0),
	}
	if f.AgentID == "me" {
		f.AgentID = auth.AgentID(c)
	}
	if v := c.Query("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, st)
			}
		}
	}
	page, err := h.conversations.List(c.Request.Context(), f)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, page)
}

func (h *ConversationHandler) Get(c *gin.Context) {
	detail, err := h.conversations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, detail)
}

func (h *ConversationHandler) ThreadEvents(c *gin.Context) {
	events, err := h.conversations.ThreadEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, events)
}

func (h *ConversationHandler) PostEvent(c *gin.Context) {
	var req models.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	req.AuthorType = db.AuthorAgent
	req.AgentID = auth.AgentID(c)

	ev, err := h.conversations.AddEvent(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, models.Response{Code: 0, Message: "ok", Data: ev})
}

func (h *ConversationHandler) MarkEvents(c *gin.Context) {
	var req models.MarkEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.conversations.MarkEvents(c.Request.Context(), c.Param("id"), req.EventIDs, req.Read)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, gin.H{"updated": n})
}

// Assign runs routing for a pending conversation, or hands it to agent_id
// directly when one is given.
func (h *ConversationHandler) Assign(c *gin.Context) {
	var req models.AssignRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	id := c.Param("id")
	ctx := service.WithTrigger(c.Request.Context(), service.TriggerManual)

	var (
		res *service.AssignmentResult
		err error
	)
	if req.AgentID != "" {
		actorID, actorName := h.actor(c)
		res, err = h.assignments.Reassign(ctx, service.ReassignRequest{
			ConversationID: id,
			AgentID:        req.AgentID,
			ActorID:        actorID,
			ActorName:      actorName,
			Reason:         req.Reason,
			Kind:           service.ReassignManual,
		})
	} else {
		res, err = h.assignments.Assign(ctx, id, req.GroupID)
	}
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	assignmentResult(c, res)
}

func (h *ConversationHandler) Close(c *gin.Context) {
	var req models.CloseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	req.ActorID, req.ActorName = h.actor(c)
	req.ActorType = db.ClosedByAgent

	conv, err := h.conversations.Close(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, conv)
}

func (h *ConversationHandler) Reopen(c *gin.Context) {
	var req models.ReopenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	req.ActorID, req.ActorName = h.actor(c)

	conv, err := h.conversations.Reopen(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	ok(c, conv)
}
