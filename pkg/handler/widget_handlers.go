package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/service"
)

// SessionTokenHeader carries the visitor session token on widget calls.
const SessionTokenHeader = "X-Session-Token"

// WidgetHandler serves the unauthenticated visitor widget endpoints.
type WidgetHandler struct {
	conversations *service.ConversationService
	logger        *zap.Logger
}

func NewWidgetHandler(conversations *service.ConversationService, logger *zap.Logger) *WidgetHandler {
	return &WidgetHandler{conversations: conversations, logger: logger}
}

// CreateSession starts a visitor conversation with its first message.
func (h *WidgetHandler) CreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	req.UserAgent = c.Request.UserAgent()
	req.IPAddress = c.ClientIP()

	resp, err := h.conversations.CreateWidgetSession(c.Request.Context(), req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, models.Response{Code: 0, Message: "ok", Data: resp})
}

// PostEvent appends a visitor message. The session token must belong to the
// conversation's visitor.
func (h *WidgetHandler) PostEvent(c *gin.Context) {
	id := c.Param("id")
	token := c.GetHeader(SessionTokenHeader)
	if token == "" {
		fail(c, http.StatusUnauthorized, "session token required")
		return
	}

	var req models.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	if err := h.conversations.AuthorizeVisitor(ctx, id, token); err != nil {
		serviceError(c, h.logger, err)
		return
	}

	req.AuthorType = db.AuthorVisitor
	ev, err := h.conversations.AddEvent(ctx, id, req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, models.Response{Code: 0, Message: "ok", Data: ev})
}

// Get returns the caller's own conversation with its threads.
func (h *WidgetHandler) Get(c *gin.Context) {
	id := c.Param("id")
	token := c.GetHeader(SessionTokenHeader)
	if token == "" {
		fail(c, http.StatusUnauthorized, "session token required")
		return
	}
	ctx := c.Request.Context()
	if err := h.conversations.AuthorizeVisitor(ctx, id, token); err != nil {
		serviceError(c, h.logger, err)
		return
	}
	view, err := h.conversations.VisitorView(ctx, id)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 0, Message: "ok", Data: view})
}
