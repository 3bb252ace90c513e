package service

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/event"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/realtime"
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(db.Options{Driver: db.DriverSQLite, DSN: filepath.Join(t.TempDir(), "livedesk.db")})
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
	return gdb
}

// clock is a settable time source shared by the services under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func createGroup(t *testing.T, gdb *gorm.DB, id, strategy string, isDefault bool) db.Group {
	t.Helper()
	g := db.Group{
		ID:              id,
		Name:            "Group " + id,
		RoutingStrategy: strategy,
		IsDefault:       isDefault,
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
	if err := gdb.Create(&g).Error; err != nil {
		t.Fatalf("create group %s: %v", id, err)
	}
	return g
}

type agentOpt func(*db.Agent)

func withStatus(s string) agentOpt { return func(a *db.Agent) { a.Status = s } }
func withAccepting(v bool) agentOpt { return func(a *db.Agent) { a.AcceptingChats = v } }
func withCapacity(n int) agentOpt { return func(a *db.Agent) { a.MaxConcurrentChats = n } }
func withRole(r string) agentOpt { return func(a *db.Agent) { a.Role = r } }
func withLastActivity(t time.Time) agentOpt {
	return func(a *db.Agent) { a.LastActivityAt = &t }
}

// createAgent adds an online, accepting agent with capacity 5 to groups.
func createAgent(t *testing.T, gdb *gorm.DB, id string, groups []string, opts ...agentOpt) db.Agent {
	t.Helper()
	a := db.Agent{
		ID:                 id,
		Name:               "Agent " + id,
		Email:              id + "@example.com",
		Role:               db.AgentRoleAgent,
		Status:             db.AgentStatusOnline,
		AcceptingChats:     true,
		MaxConcurrentChats: db.DefaultMaxConcurrentChats,
		AutoAwayMinutes:    db.DefaultAutoAwayMinutes,
		CreatedAt:          baseTime,
		UpdatedAt:          baseTime,
	}
	for _, opt := range opts {
		opt(&a)
	}
	if err := gdb.Create(&a).Error; err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
	for _, g := range groups {
		if err := gdb.Create(&db.AgentGroup{AgentID: id, GroupID: g, CreatedAt: baseTime}).Error; err != nil {
			t.Fatalf("add agent %s to group %s: %v", id, g, err)
		}
	}
	return a
}

// createConversation adds a conversation with one active thread.
func createConversation(t *testing.T, gdb *gorm.DB, id, visitorID, groupID, status, agentID string, createdAt time.Time) db.Conversation {
	t.Helper()
	var n int64
	gdb.Model(&db.Visitor{}).Where("id = ?", visitorID).Count(&n)
	if n == 0 {
		v := db.Visitor{ID: visitorID, Name: "Visitor " + visitorID, SessionToken: "token-" + visitorID, CreatedAt: createdAt, UpdatedAt: createdAt}
		if err := gdb.Create(&v).Error; err != nil {
			t.Fatalf("create visitor %s: %v", visitorID, err)
		}
	}
	c := db.Conversation{
		ID:              id,
		VisitorID:       visitorID,
		GroupID:         groupID,
		Status:          status,
		AssignedAgentID: agentID,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	if status == db.ConversationStatusPending || status == db.ConversationStatusActive {
		th := db.Thread{ID: id + "-t1", ConversationID: id, Status: db.ThreadStatusActive, CreatedAt: createdAt, UpdatedAt: createdAt}
		if err := gdb.Create(&th).Error; err != nil {
			t.Fatalf("create thread for %s: %v", id, err)
		}
		c.ActiveThreadID = th.ID
	}
	if err := gdb.Create(&c).Error; err != nil {
		t.Fatalf("create conversation %s: %v", id, err)
	}
	return c
}

func loadConversation(t *testing.T, gdb *gorm.DB, id string) db.Conversation {
	t.Helper()
	var c db.Conversation
	if err := gdb.Where("id = ?", id).First(&c).Error; err != nil {
		t.Fatalf("load conversation %s: %v", id, err)
	}
	return c
}

func activeChats(t *testing.T, gdb *gorm.DB, agentID string) int {
	t.Helper()
	var n int64
	err := gdb.Model(&db.Conversation{}).
		Where("assigned_agent_id = ? AND status = ?", agentID, db.ConversationStatusActive).
		Count(&n).Error
	if err != nil {
		t.Fatalf("count active chats: %v", err)
	}
	return int(n)
}

func activeThreads(t *testing.T, gdb *gorm.DB, conversationID string) []db.Thread {
	t.Helper()
	var threads []db.Thread
	err := gdb.Where("conversation_id = ? AND status = ?", conversationID, db.ThreadStatusActive).Find(&threads).Error
	if err != nil {
		t.Fatalf("load threads: %v", err)
	}
	return threads
}

func newTestAssignmentService(gdb *gorm.DB, clk *clock, syncer realtime.Syncer) *AssignmentService {
	audit := NewAuditLog(gdb, zap.NewNop())
	audit.now = clk.Now
	svc := NewAssignmentService(gdb, NewSelector(rand.New(rand.NewSource(1))), audit, syncer, zap.NewNop())
	svc.now = clk.Now
	return svc
}

// recordingSyncer captures pushes for assertions.
type recordingSyncer struct {
	mu      sync.Mutex
	states  map[string][]map[string]any
	events  map[string][]realtime.SystemEvent
	stats   []models.QueueStats
	entries map[string][]models.QueueEntry
	fail    error
}

func newRecordingSyncer() *recordingSyncer {
	return &recordingSyncer{
		states:  make(map[string][]map[string]any),
		events:  make(map[string][]realtime.SystemEvent),
		entries: make(map[string][]models.QueueEntry),
	}
}

func (r *recordingSyncer) PushConversationState(_ context.Context, id string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[id] = append(r.states[id], fields)
	return r.fail
}

func (r *recordingSyncer) PushSystemEvent(_ context.Context, id string, ev realtime.SystemEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[id] = append(r.events[id], ev)
	return r.fail
}

func (r *recordingSyncer) PushQueueStats(_ context.Context, stats models.QueueStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, stats)
	return r.fail
}

func (r *recordingSyncer) PushQueueEntry(_ context.Context, id string, entry models.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = append(r.entries[id], entry)
	return r.fail
}

func (r *recordingSyncer) lastState(id string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.states[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// fakeQueue records what the conversation and presence services ask of the
// scheduler.
type fakeQueue struct {
	mu        sync.Mutex
	scheduled []string
	triggers  int
}

func (q *fakeQueue) ScheduleInitialAttempt(conversationID, groupID string) {
	q.mu.Lock()
	q.scheduled = append(q.scheduled, fmt.Sprintf("%s/%s", conversationID, groupID))
	q.mu.Unlock()
}

func (q *fakeQueue) Trigger() {
	q.mu.Lock()
	q.triggers++
	q.mu.Unlock()
}

func (q *fakeQueue) snapshot() ([]string, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.scheduled...), q.triggers
}

func newTestEmitter() *event.Emitter { return event.NewEmitter() }
