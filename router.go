package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/auth"
	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/event"
	"github.com/livedesk/livedesk/pkg/handler"
	"github.com/livedesk/livedesk/pkg/metrics"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/service"
)

// Services bundles what the HTTP layer calls into.
type Services struct {
	DB            *gorm.DB
	Issuer        *auth.TokenIssuer
	Emitter       *event.Emitter
	Conversations *service.ConversationService
	Assignments   *service.AssignmentService
	Agents        *service.AgentStatusService
	Supervisor    *service.SupervisorService
	Scheduler     *service.QueueScheduler
	Audit         *service.AuditLog
}

type Server struct {
	ginEngine *gin.Engine
	services  Services
	logger    *zap.Logger
	host      string
	port      int
}

func NewServer(host string, port int, services Services, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	ginEngine.Use(metrics.GinMiddleware())

	// The widget is embedded on customer sites, so any origin may call the
	// API. Credentials travel in headers, never cookies.
	ginEngine.Use(func(c *gin.Context) {
		if origin := c.Request.Header.Get("Origin"); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+handler.SessionTokenHeader)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		services:  services,
		logger:    logger,
		host:      host,
		port:      port,
	}
	server.SetupRoutes()
	return server
}

func (s *Server) SetupRoutes() {
	svc := s.services
	widgetHandler := handler.NewWidgetHandler(svc.Conversations, s.logger)
	conversationHandler := handler.NewConversationHandler(svc.Conversations, svc.Assignments, svc.Agents, s.logger)
	queueHandler := handler.NewQueueHandler(svc.Scheduler, svc.Audit, s.logger)
	agentHandler := handler.NewAgentHandler(svc.Agents, s.logger)
	supervisorHandler := handler.NewSupervisorHandler(svc.Supervisor, svc.Agents, s.logger)
	wsHandler := event.NewWSHandler(svc.Emitter, s.logger)

	requireAgent := auth.RequireAgent(svc.Issuer, s.logger)
	requireSupervisor := auth.RequireRole(db.AgentRoleSupervisor, db.AgentRoleAdmin)

	s.ginEngine.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.ginEngine.GET("/healthz", s.healthz)

	apiGroup := s.ginEngine.Group("/api")

	// /api/widget
	widgetGroup := apiGroup.Group("/widget")
	{
		widgetGroup.POST("/sessions", widgetHandler.CreateSession)
		widgetGroup.GET("/conversations/:id", widgetHandler.Get)
		widgetGroup.POST("/conversations/:id/events", widgetHandler.PostEvent)
	}

	// /api/auth
	apiGroup.POST("/auth/login", agentHandler.Login)
	apiGroup.POST("/auth/logout", requireAgent, agentHandler.Logout)

	// /api/events/ws
	apiGroup.GET("/events/ws", requireAgent, wsHandler.Handle)

	// /api/conversations
	conversationsGroup := apiGroup.Group("/conversations", requireAgent)
	{
		conversationsGroup.GET("", conversationHandler.List)
		conversationsGroup.GET(":id", conversationHandler.Get)
		conversationsGroup.POST(":id/events", conversationHandler.PostEvent)
		conversationsGroup.POST(":id/events/mark", conversationHandler.MarkEvents)
		conversationsGroup.POST(":id/assign", conversationHandler.Assign)
		conversationsGroup.POST(":id/close", conversationHandler.Close)
		conversationsGroup.POST(":id/reopen", conversationHandler.Reopen)
	}
	apiGroup.GET("/threads/:id/events", requireAgent, conversationHandler.ThreadEvents)

	// /api/queue
	queueGroup := apiGroup.Group("/queue", requireAgent)
	{
		queueGroup.GET("/stats", queueHandler.Stats)
		queueGroup.GET("/conversations", requireSupervisor, queueHandler.Pending)
	}
	apiGroup.GET("/assignment-logs", requireAgent, requireSupervisor, queueHandler.AssignmentLogs)

	// /api/agents/me
	meGroup := apiGroup.Group("/agents/me", requireAgent)
	{
		meGroup.GET("", agentHandler.Me)
		meGroup.PUT("/status", agentHandler.UpdateStatus)
		meGroup.PUT("/accepting", agentHandler.UpdateAccepting)
		meGroup.POST("/heartbeat", agentHandler.Heartbeat)
		meGroup.GET("/status-history", agentHandler.StatusHistory)
		meGroup.GET("/schedule", agentHandler.Schedule)
		meGroup.PUT("/schedule", agentHandler.UpdateSchedule)
	}

	// /api/supervisor
	supervisorGroup := apiGroup.Group("/supervisor", requireAgent, requireSupervisor)
	{
		supervisorGroup.GET("/conversations", supervisorHandler.Conversations)
		supervisorGroup.GET("/workload", supervisorHandler.Workload)
		supervisorGroup.GET("/availability", supervisorHandler.Availability)
		supervisorGroup.GET("/audit", supervisorHandler.Audit)
		supervisorGroup.POST("/conversations/:id/monitor", supervisorHandler.StartMonitoring)
		supervisorGroup.DELETE("/conversations/:id/monitor", supervisorHandler.StopMonitoring)
		supervisorGroup.POST("/conversations/:id/takeover", supervisorHandler.Takeover)
		supervisorGroup.POST("/conversations/bulk", supervisorHandler.BulkAction)
		supervisorGroup.POST("/agents/:id/logout", supervisorHandler.ForceLogout)
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := db.Ping(ctx, s.services.DB); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, models.Response{Code: http.StatusServiceUnavailable, Message: "database unavailable"})
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 0, Message: "ok"})
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	srv := &http.Server{Addr: addr, Handler: s.ginEngine, ReadHeaderTimeout: 10 * time.Second}

	// Listen first so an occupied port fails immediately.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	return nil
}
