package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/livedesk/livedesk/pkg/models"
)

const (
	ctxAgentID = "auth.agent_id"
	ctxRole    = "auth.role"
)

// RequireAgent rejects requests without a valid agent token. The token is
// read from "Authorization: Bearer <token>" or, for WebSocket upgrades, from
// the "token" query parameter.
func RequireAgent(issuer *TokenIssuer, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			abort(c, http.StatusUnauthorized, "authorization required")
			return
		}

		claims, err := issuer.Parse(tokenString)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				abort(c, http.StatusUnauthorized, "token expired")
				return
			}
			logger.Debug("rejected agent token", zap.Error(err))
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(ctxAgentID, claims.AgentID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// RequireRole allows only callers whose token carries one of roles. It must
// run after RequireAgent.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		if !allowed[Role(c)] {
			abort(c, http.StatusForbidden, "insufficient role")
			return
		}
		c.Next()
	}
}

// AgentID returns the authenticated agent id, or "".
func AgentID(c *gin.Context) string {
	return c.GetString(ctxAgentID)
}

// Role returns the authenticated agent role, or "".
func Role(c *gin.Context) string {
	return c.GetString(ctxRole)
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, models.Response{Code: status, Message: msg})
}
