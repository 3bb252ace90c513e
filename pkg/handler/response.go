package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/service"
)

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, models.Response{Code: 0, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, models.Response{Code: status, Message: msg})
}

// serviceError maps a service error to an HTTP status. Unknown errors are
// logged and reported as 500 without leaking details.
func serviceError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrThreadNotFound),
		errors.Is(err, service.ErrAgentNotFound),
		errors.Is(err, service.ErrGroupNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrVisitorMismatch):
		fail(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrNoDefaultGroup),
		errors.Is(err, service.ErrInvalidSchedule),
		errors.Is(err, service.ErrInvalidBulkAction):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAlreadyClosed),
		errors.Is(err, service.ErrNotReopenable),
		errors.Is(err, service.ErrNoActiveThread),
		errors.Is(err, service.ErrAgentAtCapacity):
		fail(c, http.StatusConflict, err.Error())
	default:
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

// assignmentResult writes an assignment outcome. Successful attempts are
// 200, retryable failures 202 (the queue keeps trying), others 404 or 409.
func assignmentResult(c *gin.Context, res *service.AssignmentResult) {
	status := http.StatusOK
	switch {
	case res.Success:
	case res.Reason.Retryable():
		status = http.StatusAccepted
	case res.Reason == service.ReasonConversationNotFound,
		res.Reason == service.ReasonAgentNotFound,
		res.Reason == service.ReasonNoGroupFound:
		status = http.StatusNotFound
	default:
		status = http.StatusConflict
	}
	code := 0
	if status != http.StatusOK {
		code = status
	}
	c.JSON(status, models.Response{Code: code, Message: res.Message, Data: res})
}

func queryInt(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
