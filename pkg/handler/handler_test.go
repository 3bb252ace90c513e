package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/auth"
	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/event"
	"github.com/livedesk/livedesk/pkg/service"
)

const testSeed = `
groups:
  - name: Support
    default: true
agents:
  - name: Sue Supervisor
    email: sue@example.com
    password: sue-pass
    role: supervisor
  - name: Al Agent
    email: al@example.com
    password: al-pass
    groups: [Support]
`

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	engine *gin.Engine
	gdb    *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Open(db.Options{Driver: db.DriverSQLite, DSN: filepath.Join(t.TempDir(), "handler.db")})
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("db.AutoMigrate() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	seed, err := service.ParseSeed([]byte(testSeed))
	if err != nil {
		t.Fatalf("ParseSeed() error = %v", err)
	}
	if _, err := service.Seed(context.Background(), gdb, seed, zap.NewNop()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	logger := zap.NewNop()
	issuer, _, err := auth.NewTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	emitter := event.NewEmitter()

	audit := service.NewAuditLog(gdb, logger)
	assignments := service.NewAssignmentService(gdb, nil, audit, nil, logger)
	scheduler := service.NewQueueScheduler(gdb, assignments, nil, service.SchedulerConfig{
		PollInterval: time.Hour,
		InitialDelay: time.Hour,
	}, logger)
	t.Cleanup(scheduler.Stop)
	conversations := service.NewConversationService(gdb, nil, emitter, scheduler, audit, logger)
	agents := service.NewAgentStatusService(gdb, issuer, emitter, scheduler, logger)
	supervisor := service.NewSupervisorService(gdb, assignments, conversations, nil, emitter, logger)

	widget := NewWidgetHandler(conversations, logger)
	convs := NewConversationHandler(conversations, assignments, agents, logger)
	queue := NewQueueHandler(scheduler, audit, logger)
	me := NewAgentHandler(agents, logger)
	sup := NewSupervisorHandler(supervisor, agents, logger)

	r := gin.New()
	requireAgent := auth.RequireAgent(issuer, logger)
	requireSupervisor := auth.RequireRole(db.AgentRoleSupervisor, db.AgentRoleAdmin)

	api := r.Group("/api")
	api.POST("/widget/sessions", widget.CreateSession)
	api.GET("/widget/conversations/:id", widget.Get)
	api.POST("/widget/conversations/:id/events", widget.PostEvent)
	api.POST("/auth/login", me.Login)
	api.POST("/auth/logout", requireAgent, me.Logout)
	api.GET("/conversations", requireAgent, convs.List)
	api.GET("/conversations/:id", requireAgent, convs.Get)
	api.POST("/conversations/:id/events", requireAgent, convs.PostEvent)
	api.POST("/conversations/:id/assign", requireAgent, convs.Assign)
	api.POST("/conversations/:id/close", requireAgent, convs.Close)
	api.POST("/conversations/:id/reopen", requireAgent, convs.Reopen)
	api.GET("/queue/stats", requireAgent, queue.Stats)
	api.GET("/assignment-logs", requireAgent, requireSupervisor, queue.AssignmentLogs)
	api.PUT("/agents/me/status", requireAgent, me.UpdateStatus)
	api.GET("/supervisor/workload", requireAgent, requireSupervisor, sup.Workload)
	api.POST("/supervisor/conversations/:id/monitor", requireAgent, requireSupervisor, sup.StartMonitoring)
	api.POST("/supervisor/conversations/bulk", requireAgent, requireSupervisor, sup.BulkAction)
	api.POST("/supervisor/agents/:id/logout", requireAgent, requireSupervisor, sup.ForceLogout)
	api.GET("/agents/me/schedule", requireAgent, me.Schedule)
	api.PUT("/agents/me/schedule", requireAgent, me.UpdateSchedule)

	return &testServer{engine: r, gdb: gdb}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, env
}

func (s *testServer) login(t *testing.T, email, password string) string {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": email, "password": password})
	if code != http.StatusOK {
		t.Fatalf("login %s = %d %s", email, code, env.Message)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil || resp.Token == "" {
		t.Fatalf("login %s: no token in %s", email, env.Data)
	}
	return resp.Token
}

type session struct {
	SessionToken   string `json:"session_token"`
	ConversationID string `json:"conversation_id"`
}

func (s *testServer) newSession(t *testing.T) session {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/widget/sessions", "", gin.H{
		"visitor_name":    "Vera",
		"initial_message": "hello, anyone there?",
	})
	if code != http.StatusCreated {
		t.Fatalf("create session = %d %s", code, env.Message)
	}
	var sess session
	if err := json.Unmarshal(env.Data, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.SessionToken == "" || sess.ConversationID == "" {
		t.Fatalf("session = %+v, want token and conversation id", sess)
	}
	return sess
}

func TestWidget_VisitorEvents(t *testing.T) {
	s := newTestServer(t)
	sess := s.newSession(t)
	path := "/api/widget/conversations/" + sess.ConversationID + "/events"
	msg := gin.H{"content": "still waiting"}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing token", token: "", want: http.StatusUnauthorized},
		{name: "foreign token", token: "not-the-token", want: http.StatusForbidden},
		{name: "own token", token: sess.SessionToken, want: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.token != "" {
				headers = []string{SessionTokenHeader, tt.token}
			}
			code, env := s.do(t, http.MethodPost, path, "", msg, headers...)
			if code != tt.want {
				t.Fatalf("POST events = %d (%s), want %d", code, env.Message, tt.want)
			}
		})
	}

	code, _ := s.do(t, http.MethodPost, "/api/widget/sessions", "", gin.H{"visitor_name": "no message"})
	if code != http.StatusBadRequest {
		t.Fatalf("create session without message = %d, want 400", code)
	}
}

func TestConversation_AssignCloseReopen(t *testing.T) {
	s := newTestServer(t)
	sess := s.newSession(t)
	base := "/api/conversations/" + sess.ConversationID

	if code, _ := s.do(t, http.MethodGet, base, "", nil); code != http.StatusUnauthorized {
		t.Fatalf("GET without token = %d, want 401", code)
	}

	// Only the supervisor is online and it is in no group.
	supToken := s.login(t, "sue@example.com", "sue-pass")
	code, env := s.do(t, http.MethodPost, base+"/assign", supToken, nil)
	if code != http.StatusAccepted {
		t.Fatalf("assign with nobody online = %d (%s), want 202", code, env.Message)
	}
	var res service.AssignmentResult
	json.Unmarshal(env.Data, &res)
	if res.Reason != service.ReasonNoOnlineAgents {
		t.Fatalf("assign reason = %q, want %q", res.Reason, service.ReasonNoOnlineAgents)
	}

	alToken := s.login(t, "al@example.com", "al-pass")
	code, env = s.do(t, http.MethodPost, base+"/assign", alToken, nil)
	if code != http.StatusOK {
		t.Fatalf("assign = %d (%s), want 200", code, env.Message)
	}
	res = service.AssignmentResult{}
	json.Unmarshal(env.Data, &res)
	if !res.Success || res.Agent == nil || res.Agent.Email != "al@example.com" {
		t.Fatalf("assign result = %+v, want success for al", res)
	}

	code, env = s.do(t, http.MethodPost, base+"/assign", alToken, nil)
	if code != http.StatusConflict {
		t.Fatalf("second assign = %d (%s), want 409", code, env.Message)
	}

	if code, env = s.do(t, http.MethodPost, base+"/events", alToken, gin.H{"content": "hi, I am Al"}); code != http.StatusCreated {
		t.Fatalf("agent event = %d (%s), want 201", code, env.Message)
	}

	code, env = s.do(t, http.MethodPost, base+"/close", alToken, gin.H{"reason": "resolved"})
	if code != http.StatusOK {
		t.Fatalf("close = %d (%s), want 200", code, env.Message)
	}
	var closed db.Conversation
	json.Unmarshal(env.Data, &closed)
	if closed.Status != db.ConversationStatusClosed {
		t.Fatalf("closed status = %q, want closed", closed.Status)
	}
	if code, _ = s.do(t, http.MethodPost, base+"/close", alToken, nil); code != http.StatusConflict {
		t.Fatalf("second close = %d, want 409", code)
	}
	if code, _ = s.do(t, http.MethodPost, base+"/events", alToken, gin.H{"content": "anyone?"}); code != http.StatusConflict {
		t.Fatalf("agent event on closed conversation = %d, want 409", code)
	}

	code, env = s.do(t, http.MethodPost, base+"/reopen", alToken, gin.H{"reason": "follow-up"})
	if code != http.StatusOK {
		t.Fatalf("reopen = %d (%s), want 200", code, env.Message)
	}
	var reopened db.Conversation
	json.Unmarshal(env.Data, &reopened)
	if reopened.Status != db.ConversationStatusPending || reopened.AssignedAgentID != "" {
		t.Fatalf("reopened = %+v, want pending and unassigned", reopened)
	}

	if code, _ = s.do(t, http.MethodGet, "/api/conversations/missing", alToken, nil); code != http.StatusNotFound {
		t.Fatalf("GET unknown conversation = %d, want 404", code)
	}
}

func TestSupervisorRoutes_RequireRole(t *testing.T) {
	s := newTestServer(t)
	sess := s.newSession(t)
	alToken := s.login(t, "al@example.com", "al-pass")
	supToken := s.login(t, "sue@example.com", "sue-pass")

	if code, _ := s.do(t, http.MethodGet, "/api/supervisor/workload", alToken, nil); code != http.StatusForbidden {
		t.Fatalf("agent GET workload = %d, want 403", code)
	}
	code, env := s.do(t, http.MethodGet, "/api/supervisor/workload", supToken, nil)
	if code != http.StatusOK {
		t.Fatalf("supervisor GET workload = %d (%s), want 200", code, env.Message)
	}
	var workload []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(env.Data, &workload); err != nil || len(workload) != 2 {
		t.Fatalf("workload = %s, want 2 agents", env.Data)
	}

	monitor := "/api/supervisor/conversations/" + sess.ConversationID + "/monitor"
	if code, env = s.do(t, http.MethodPost, monitor, supToken, nil); code != http.StatusOK {
		t.Fatalf("start monitoring = %d (%s), want 200", code, env.Message)
	}
	if code, _ = s.do(t, http.MethodPost, "/api/supervisor/conversations/nope/monitor", supToken, nil); code != http.StatusNotFound {
		t.Fatalf("monitor unknown conversation = %d, want 404", code)
	}

	if code, _ = s.do(t, http.MethodGet, "/api/assignment-logs?since=yesterday", supToken, nil); code != http.StatusBadRequest {
		t.Fatalf("assignment logs with bad since = %d, want 400", code)
	}
	if code, _ = s.do(t, http.MethodGet, "/api/assignment-logs?limit=10", supToken, nil); code != http.StatusOK {
		t.Fatalf("assignment logs = %d, want 200", code)
	}
}

func TestAgentStatusAndQueueStats(t *testing.T) {
	s := newTestServer(t)
	s.newSession(t)

	if code, _ := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "al@example.com", "password": "wrong"}); code != http.StatusUnauthorized {
		t.Fatalf("login with bad password = %d, want 401", code)
	}
	alToken := s.login(t, "al@example.com", "al-pass")

	if code, _ := s.do(t, http.MethodPut, "/api/agents/me/status", alToken, gin.H{"status": "sleeping"}); code != http.StatusBadRequest {
		t.Fatalf("invalid status = %d, want 400", code)
	}
	code, env := s.do(t, http.MethodPut, "/api/agents/me/status", alToken, gin.H{"status": "Away"})
	if code != http.StatusOK {
		t.Fatalf("status away = %d (%s), want 200", code, env.Message)
	}
	var agent db.Agent
	json.Unmarshal(env.Data, &agent)
	if agent.Status != db.AgentStatusAway {
		t.Fatalf("agent status = %q, want away", agent.Status)
	}

	code, env = s.do(t, http.MethodGet, "/api/queue/stats", alToken, nil)
	if code != http.StatusOK {
		t.Fatalf("queue stats = %d (%s), want 200", code, env.Message)
	}
	var stats struct {
		Pending int `json:"pending"`
	}
	json.Unmarshal(env.Data, &stats)
	if stats.Pending != 1 {
		t.Fatalf("pending = %d, want 1", stats.Pending)
	}

	if code, _ = s.do(t, http.MethodPost, "/api/auth/logout", alToken, nil); code != http.StatusOK {
		t.Fatalf("logout = %d, want 200", code)
	}
}

func (s *testServer) agentID(t *testing.T, email string) string {
	t.Helper()
	var a db.Agent
	if err := s.gdb.Where("email = ?", email).First(&a).Error; err != nil {
		t.Fatalf("load agent %s: %v", email, err)
	}
	return a.ID
}

func TestWidget_GetOwnConversation(t *testing.T) {
	s := newTestServer(t)
	sess := s.newSession(t)
	other := s.newSession(t)
	path := "/api/widget/conversations/" + sess.ConversationID
	s.gdb.Model(&db.Conversation{}).Where("id = ?", sess.ConversationID).Update("notes", "internal: angry customer")

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing token", token: "", want: http.StatusUnauthorized},
		{name: "other visitor's token", token: other.SessionToken, want: http.StatusForbidden},
		{name: "own token", token: sess.SessionToken, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.token != "" {
				headers = []string{SessionTokenHeader, tt.token}
			}
			code, env := s.do(t, http.MethodGet, path, "", nil, headers...)
			if code != tt.want {
				t.Fatalf("GET conversation = %d (%s), want %d", code, env.Message, tt.want)
			}
			if code != http.StatusOK {
				return
			}
			if bytes.Contains(env.Data, []byte("angry customer")) {
				t.Fatalf("widget view leaks notes: %s", env.Data)
			}
			var view struct {
				ID      string      `json:"id"`
				Status  string      `json:"status"`
				Threads []db.Thread `json:"threads"`
			}
			json.Unmarshal(env.Data, &view)
			if view.ID != sess.ConversationID || view.Status != db.ConversationStatusPending || len(view.Threads) != 1 {
				t.Fatalf("view = %+v, want pending conversation with one thread", view)
			}
		})
	}
}

func TestConversation_ListFilters(t *testing.T) {
	s := newTestServer(t)
	first := s.newSession(t)
	s.newSession(t)
	alToken := s.login(t, "al@example.com", "al-pass")
	if code, env := s.do(t, http.MethodPost, "/api/conversations/"+first.ConversationID+"/assign", alToken, nil); code != http.StatusOK {
		t.Fatalf("assign = %d (%s), want 200", code, env.Message)
	}

	tests := []struct {
		name  string
		query string
		want  int64
	}{
		{name: "all", query: "", want: 2},
		{name: "pending only", query: "?status=pending", want: 1},
		{name: "pending or active", query: "?status=pending,active", want: 2},
		{name: "mine", query: "?agent_id=me", want: 1},
		{name: "search visitor name", query: "?search=Ver", want: 2},
		{name: "search misses", query: "?search=nobody", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, http.MethodGet, "/api/conversations"+tt.query, alToken, nil)
			if code != http.StatusOK {
				t.Fatalf("list = %d (%s), want 200", code, env.Message)
			}
			var page struct {
				Items []struct {
					ID          string `json:"id"`
					VisitorName string `json:"visitor_name"`
				} `json:"items"`
				Total int64 `json:"total"`
			}
			json.Unmarshal(env.Data, &page)
			if page.Total != tt.want || int64(len(page.Items)) != tt.want {
				t.Fatalf("list%s total = %d items = %d, want %d", tt.query, page.Total, len(page.Items), tt.want)
			}
			for _, it := range page.Items {
				if it.VisitorName != "Vera" {
					t.Fatalf("item %s visitor_name = %q, want Vera", it.ID, it.VisitorName)
				}
			}
		})
	}
}

func TestSupervisor_BulkCloseAndForceLogout(t *testing.T) {
	s := newTestServer(t)
	a := s.newSession(t)
	b := s.newSession(t)
	alToken := s.login(t, "al@example.com", "al-pass")
	supToken := s.login(t, "sue@example.com", "sue-pass")

	body := gin.H{"conversation_ids": []string{a.ConversationID, b.ConversationID, "missing"}, "action": "close", "reason": "cleanup"}
	if code, _ := s.do(t, http.MethodPost, "/api/supervisor/conversations/bulk", alToken, body); code != http.StatusForbidden {
		t.Fatalf("agent bulk = %d, want 403", code)
	}
	code, env := s.do(t, http.MethodPost, "/api/supervisor/conversations/bulk", supToken, body)
	if code != http.StatusOK {
		t.Fatalf("bulk close = %d (%s), want 200", code, env.Message)
	}
	var res struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Results []struct {
			ConversationID string `json:"conversation_id"`
			Success        bool   `json:"success"`
		} `json:"results"`
	}
	json.Unmarshal(env.Data, &res)
	if res.Success || len(res.Results) != 3 || !res.Results[0].Success || !res.Results[1].Success || res.Results[2].Success {
		t.Fatalf("bulk result = %+v, want two successes and one failure", res)
	}
	if res.Message != "Bulk action completed: 2 succeeded, 1 failed" {
		t.Fatalf("bulk message = %q", res.Message)
	}

	if code, _ = s.do(t, http.MethodPost, "/api/supervisor/conversations/bulk", supToken, gin.H{"conversation_ids": []string{a.ConversationID}, "action": "archive"}); code != http.StatusBadRequest {
		t.Fatalf("unknown bulk action = %d, want 400", code)
	}

	alID := s.agentID(t, "al@example.com")
	code, env = s.do(t, http.MethodPost, "/api/supervisor/agents/"+alID+"/logout", supToken, gin.H{"reason": "shift over"})
	if code != http.StatusOK {
		t.Fatalf("force logout = %d (%s), want 200", code, env.Message)
	}
	var agent db.Agent
	json.Unmarshal(env.Data, &agent)
	if agent.Status != db.AgentStatusOffline {
		t.Fatalf("status after force logout = %q, want offline", agent.Status)
	}
	if code, _ = s.do(t, http.MethodPost, "/api/supervisor/agents/nobody/logout", supToken, nil); code != http.StatusNotFound {
		t.Fatalf("force logout unknown agent = %d, want 404", code)
	}
}

func TestAgent_Schedule(t *testing.T) {
	s := newTestServer(t)
	alToken := s.login(t, "al@example.com", "al-pass")

	bad := gin.H{"entries": []gin.H{{"day_of_week": 7, "start_time": "09:00", "end_time": "17:00"}}}
	if code, _ := s.do(t, http.MethodPut, "/api/agents/me/schedule", alToken, bad); code != http.StatusBadRequest {
		t.Fatalf("bad schedule = %d, want 400", code)
	}

	good := gin.H{"enabled": true, "entries": []gin.H{
		{"day_of_week": 0, "start_time": "09:00", "end_time": "17:00"},
		{"day_of_week": 2, "start_time": "9:30", "end_time": "12:00", "timezone": "Europe/Berlin"},
	}}
	if code, env := s.do(t, http.MethodPut, "/api/agents/me/schedule", alToken, good); code != http.StatusOK {
		t.Fatalf("set schedule = %d (%s), want 200", code, env.Message)
	}
	code, env := s.do(t, http.MethodGet, "/api/agents/me/schedule", alToken, nil)
	if code != http.StatusOK {
		t.Fatalf("get schedule = %d (%s), want 200", code, env.Message)
	}
	var view struct {
		Enabled bool               `json:"enabled"`
		Entries []db.AgentSchedule `json:"entries"`
	}
	json.Unmarshal(env.Data, &view)
	if !view.Enabled || len(view.Entries) != 2 || view.Entries[1].StartTime != "09:30" {
		t.Fatalf("schedule = %+v, want enabled with two windows, second starting 09:30", view)
	}
}
