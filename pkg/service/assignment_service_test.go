package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/realtime"
)

func TestAssign_AssignsPendingConversation(t *testing.T) {
	gdb := newTestDB(t)
	clk := newClock(baseTime.Add(time.Minute))
	syncer := newRecordingSyncer()
	svc := newTestAssignmentService(gdb, clk, syncer)

	createGroup(t, gdb, "g1", db.RoutingLeastLoaded, true)
	createAgent(t, gdb, "a1", []string{"g1"})
	createConversation(t, gdb, "c1", "v1", "g1", db.ConversationStatusPending, "", baseTime)

	res, err := svc.Assign(context.Background(), "c1", "")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if !res.Success || res.Agent == nil || res.Agent.ID != "a1" {
		t.Fatalf("Assign() = %+v, want success with a1", res)
	}

	conv := loadConversation(t, gdb, "c1")
	if conv.Status != db.ConversationStatusActive || conv.AssignedAgentID != "a1" {
		t.Fatalf("conversation = %s/%s, want active/a1", conv.Status, conv.AssignedAgentID)
	}
	threads := activeThreads(t, gdb, "c1")
	if len(threads) != 1 || threads[0].ID != conv.ActiveThreadID || threads[0].ID != res.ThreadID {
		t.Fatalf("active threads = %+v, want only %s", threads, res.ThreadID)
	}

	var old db.Thread
	gdb.Where("id = ?", "c1-t1").First(&old)
	if old.Status != db.ThreadStatusClosed || old.ClosedReason != CloseReasonAgentAssigned {
		t.Fatalf("previous thread = %s/%s, want closed/%s", old.Status, old.ClosedReason, CloseReasonAgentAssigned)
	}

	var sys []db.Event
	gdb.Where("thread_id = ? AND type = ?", res.ThreadID, db.EventTypeSystem).Find(&sys)
	if len(sys) != 1 || sys[0].Content != "Chat assigned to Agent a1" {
		t.Fatalf("system events = %+v, want one assignment notice", sys)
	}

	state := syncer.lastState("c1")
	if state["status"] != db.ConversationStatusActive || state["assigned_agent_id"] != "a1" {
		t.Fatalf("synced state = %v, want active/a1", state)
	}

	logs, total, err := svc.audit.List(context.Background(), models.AssignmentLogFilter{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	types := map[string]bool{}
	for _, l := range logs {
		types[l.Type] = true
	}
	for _, want := range []string{db.LogAssignmentStarted, db.LogAgentSelected, db.LogAssignmentSuccess} {
		if !types[want] {
			t.Fatalf("audit types = %v (total %d), missing %s", types, total, want)
		}
	}
}

func TestAssign_ExpectedFailures(t *testing.T) {
	tests := []struct {
		name    string
		convID  string
		groupID string
		want    FailureReason
		// audited expects an assignment_failed row carrying the reason.
		audited bool
	}{
		{name: "missing conversation", convID: "nope", want: ReasonConversationNotFound, audited: true},
		{name: "already active", convID: "active", want: ReasonNotPending, audited: true},
		{name: "closed", convID: "closed", want: ReasonNotPending, audited: true},
		{name: "no group", convID: "nogroup", want: ReasonNoGroupFound},
		{name: "unknown group override", convID: "pending", groupID: "missing", want: ReasonNoGroupFound},
		{name: "nobody online", convID: "pending", groupID: "g-offline", want: ReasonNoOnlineAgents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gdb := newTestDB(t)
			svc := newTestAssignmentService(gdb, newClock(baseTime), nil)
			createGroup(t, gdb, "g1", db.RoutingRoundRobin, true)
			createGroup(t, gdb, "g-offline", db.RoutingRoundRobin, false)
			createAgent(t, gdb, "a1", []string{"g1"})
			createAgent(t, gdb, "a2", []string{"g-offline"}, withStatus(db.AgentStatusOffline))
			createConversation(t, gdb, "active", "v1", "g1", db.ConversationStatusActive, "a1", baseTime)
			createConversation(t, gdb, "closed", "v2", "g1", db.ConversationStatusClosed, "a1", baseTime)
			createConversation(t, gdb, "nogroup", "v3", "", db.ConversationStatusPending, "", baseTime)
			createConversation(t, gdb, "pending", "v4", "g1", db.ConversationStatusPending, "", baseTime)

			res, err := svc.Assign(context.Background(), tt.convID, tt.groupID)
			if err != nil {
				t.Fatalf("Assign() error = %v", err)
			}
			if res.Success || res.Reason != tt.want {
				t.Fatalf("Assign() = %+v, want reason %q", res, tt.want)
			}
			if res.Message == "" {
				t.Fatalf("Assign() message is empty")
			}
			if got := activeChats(t, gdb, "a1"); got != 1 {
				t.Fatalf("a1 active chats = %d, want 1", got)
			}
			if !tt.audited {
				return
			}
			logs, _, err := svc.audit.List(context.Background(), models.AssignmentLogFilter{ConversationID: tt.convID, Type: db.LogAssignmentFailed})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(logs) != 1 || logs[0].Metadata["reason"] != string(tt.want) {
				t.Fatalf("assignment_failed logs = %+v, want one with reason %q", logs, tt.want)
			}
		})
	}
}

func TestAssign_ConcurrentAttemptsAssignOnce(t *testing.T) {
	gdb := newTestDB(t)
	svc := newTestAssignmentService(gdb, newClock(baseTime), nil)
	createGroup(t, gdb, "g1", db.RoutingRoundRobin, true)
	for _, id := range []string{"a1", "a2", "a3"} {
		createAgent(t, gdb, id, []string{"g1"})
	}
	createConversation(t, gdb, "c1", "v1", "g1", db.ConversationStatusPending, "", baseTime)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		errs      []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Assign(context.Background(), "c1", "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Success {
				successes++
			} else if res.Reason != ReasonNotPending {
				errs = append(errs, errors.New(string(res.Reason)))
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected outcomes: %v", errs)
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want 1", successes)
	}
	if n := len(activeThreads(t, gdb, "c1")); n != 1 {
		t.Fatalf("active threads = %d, want 1", n)
	}
}

func TestAssign_NeverExceedsCapacity(t *testing.T) {
	gdb := newTestDB(t)
	svc := newTestAssignmentService(gdb, newClock(baseTime), nil)
	createGroup(t, gdb, "g1", db.RoutingLeastLoaded, true)
	createAgent(t, gdb, "a1", []string{"g1"}, withCapacity(2))
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for i, id := range ids {
		createConversation(t, gdb, id, "v"+id, "g1", db.ConversationStatusPending, "", baseTime.Add(time.Duration(i)*time.Second))
	}

	var wg sync.WaitGroup
	results := make([]*AssignmentResult, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := svc.Assign(context.Background(), id, "")
			if err != nil {
				t.Errorf("Assign(%s) error = %v", id, err)
				return
			}
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Success {
			successes++
		} else if r.Reason != ReasonAllAgentsAtCapacity {
			t.Fatalf("failure reason = %q, want %q", r.Reason, ReasonAllAgentsAtCapacity)
		}
	}
	if successes != 2 {
		t.Fatalf("successes = %d, want 2", successes)
	}
	if got := activeChats(t, gdb, "a1"); got != 2 {
		t.Fatalf("a1 active chats = %d, want 2", got)
	}
}

func TestAssign_StickyPrefersPreviousAgent(t *testing.T) {
	gdb := newTestDB(t)
	svc := newTestAssignmentService(gdb, newClock(baseTime.Add(time.Hour)), nil)
	createGroup(t, gdb, "g1", db.RoutingSticky, true)
	createAgent(t, gdb, "a1", []string{"g1"})
	createAgent(t, gdb, "a2", []string{"g1"})
	createConversation(t, gdb, "old", "v1", "g1", db.ConversationStatusClosed, "a2", baseTime)
	createConversation(t, gdb, "c1", "v1", "g1", db.ConversationStatusPending, "", baseTime.Add(time.Minute))
	createConversation(t, gdb, "c2", "v2", "g1", db.ConversationStatusPending, "", baseTime.Add(2*time.Minute))

	res, err := svc.Assign(context.Background(), "c1", "")
	if err != nil || !res.Success {
		t.Fatalf("Assign(c1) = (%+v, %v), want success", res, err)
	}
	if res.Agent.ID != "a2" {
		t.Fatalf("Assign(c1) agent = %s, want a2", res.Agent.ID)
	}

	// No history: least loaded, a1 has more room now.
	res, err = svc.Assign(context.Background(), "c2", "")
	if err != nil || !res.Success {
		t.Fatalf("Assign(c2) = (%+v, %v), want success", res, err)
	}
	if res.Agent.ID != "a1" {
		t.Fatalf("Assign(c2) agent = %s, want a1", res.Agent.ID)
	}
}

func TestAssign_SyncFailureKeepsAssignment(t *testing.T) {
	gdb := newTestDB(t)
	syncer := newRecordingSyncer()
	syncer.fail = errors.New("sync down")
	svc := newTestAssignmentService(gdb, newClock(baseTime), syncer)
	createGroup(t, gdb, "g1", db.RoutingRoundRobin, true)
	createAgent(t, gdb, "a1", []string{"g1"})
	createConversation(t, gdb, "c1", "v1", "g1", db.ConversationStatusPending, "", baseTime)

	res, err := svc.Assign(context.Background(), "c1", "")
	if err != nil || !res.Success {
		t.Fatalf("Assign() = (%+v, %v), want success", res, err)
	}
	if conv := loadConversation(t, gdb, "c1"); conv.Status != db.ConversationStatusActive {
		t.Fatalf("status = %s, want active", conv.Status)
	}
}

func TestReassign(t *testing.T) {
	gdb := newTestDB(t)
	syncer := newRecordingSyncer()
	svc := newTestAssignmentService(gdb, newClock(baseTime), syncer)
	createGroup(t, gdb, "g1", db.RoutingRoundRobin, true)
	createAgent(t, gdb, "a1", []string{"g1"})
	createAgent(t, gdb, "full", []string{"g1"}, withCapacity(1))
	createAgent(t, gdb, "sup", nil, withRole(db.AgentRoleSupervisor), withStatus(db.AgentStatusOffline))
	createConversation(t, gdb, "c1", "v1", "g1", db.ConversationStatusActive, "a1", baseTime)
	createConversation(t, gdb, "c2", "v2", "g1", db.ConversationStatusActive, "full", baseTime)
	createConversation(t, gdb, "done", "v3", "g1", db.ConversationStatusClosed, "a1", baseTime)

	tests := []struct {
		name string
		req  ReassignRequest
		want FailureReason
	}{
		{name: "target at capacity", req: ReassignRequest{ConversationID: "c1", AgentID: "full"}, want: ReasonAgentAtCapacity},
		{name: "unknown agent", req: ReassignRequest{ConversationID: "c1", AgentID: "ghost"}, want: ReasonAgentNotFound},
		{name: "same agent", req: ReassignRequest{ConversationID: "c1", AgentID: "a1"}, want: ReasonAlreadyAssigned},
		{name: "closed conversation", req: ReassignRequest{ConversationID: "done", AgentID: "sup"}, want: ReasonConversationClosed},
		{name: "missing conversation", req: ReassignRequest{ConversationID: "ghost", AgentID: "sup"}, want: ReasonConversationNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Reassign(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Reassign() error = %v", err)
			}
			if res.Success || res.Reason != tt.want {
				t.Fatalf("Reassign() = %+v, want reason %q", res, tt.want)
			}
		})
	}

	res, err := svc.Reassign(context.Background(), ReassignRequest{
		ConversationID: "c1",
		AgentID:        "sup",
		ActorID:        "sup",
		ActorName:      "Agent sup",
		Kind:           ReassignTakeover,
	})
	if err != nil || !res.Success {
		t.Fatalf("Reassign(takeover) = (%+v, %v), want success", res, err)
	}
	conv := loadConversation(t, gdb, "c1")
	if conv.AssignedAgentID != "sup" || conv.Status != db.ConversationStatusActive {
		t.Fatalf("conversation = %s/%s, want active/sup", conv.Status, conv.AssignedAgentID)
	}
	if got := activeChats(t, gdb, "a1"); got != 0 {
		t.Fatalf("a1 active chats = %d, want 0", got)
	}
	if n := len(activeThreads(t, gdb, "c1")); n != 1 {
		t.Fatalf("active threads = %d, want 1", n)
	}

	var takeover bool
	for _, ev := range syncer.events["c1"] {
		if ev.Type == realtime.SystemEventTakeover && strings.Contains(ev.Content, "took over") {
			takeover = true
		}
	}
	if !takeover {
		t.Fatalf("synced events = %+v, want a takeover notice", syncer.events["c1"])
	}
}
