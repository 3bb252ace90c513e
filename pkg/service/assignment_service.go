package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/metrics"
	"github.com/livedesk/livedesk/pkg/realtime"
)

// Thread close reasons set by assignment
const (
	CloseReasonAgentAssigned = "agent_assigned"
	CloseReasonTakeover      = "takeover"
)

// AssignmentService moves pending conversations to an agent atomically.
type AssignmentService struct {
	db       *gorm.DB
	selector *Selector
	audit    *AuditLog
	syncer   realtime.Syncer
	logger   *zap.Logger
	now      func() time.Time
}

func NewAssignmentService(gdb *gorm.DB, selector *Selector, audit *AuditLog, syncer realtime.Syncer, logger *zap.Logger) *AssignmentService {
	if selector == nil {
		selector = NewSelector(nil)
	}
	if syncer == nil {
		syncer = realtime.Nop{}
	}
	return &AssignmentService{
		db:       gdb,
		selector: selector,
		audit:    audit,
		syncer:   syncer,
		logger:   logger,
		now:      utcNow,
	}
}

// committed carries what must be pushed once the transaction is durable.
type committed struct {
	conversation db.Conversation
	agent        db.Agent
	thread       db.Thread
	events       []db.Event
	eventType    string
	at           time.Time
	successMsg   string
	successMeta  db.JSONMap
}

// ========== Automatic Assignment ==========

// Assign tries to give a pending conversation to an eligible agent of
// groupID, or of the conversation's own group when groupID is empty.
//
// Expected outcomes (not pending, no group, nobody eligible, lost race) are
// reported in the result. An error means the transaction failed and nothing
// was written.
func (s *AssignmentService) Assign(ctx context.Context, conversationID, groupID string) (*AssignmentResult, error) {
	start := time.Now()
	trigger := triggerFrom(ctx)
	trail := s.audit.trail(conversationID)

	var (
		result *AssignmentResult
		done   *committed
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, done, err = s.assignTx(ctx, tx, trail, conversationID, groupID, trigger)
		return err
	}, db.TxOptions(s.db))

	switch {
	case errors.Is(err, errConversationChanged):
		result, done, err = failed(ReasonNotPending, "Conversation was assigned concurrently"), nil, nil
		trail.add(db.LogAssignmentFailed, db.LogLevelWarning, result.Message, nil, db.JSONMap{"reason": string(ReasonNotPending)})
	case err != nil:
		trail.add(db.LogAssignmentFailed, db.LogLevelError, fmt.Sprintf("Assignment failed: %v", err), nil, db.JSONMap{"trigger": string(trigger)})
		s.audit.flush(ctx, trail)
		metrics.RecordAssignment(string(trigger), false, "error", time.Since(start))
		return nil, err
	}

	if done != nil {
		trail.add(db.LogAssignmentSuccess, db.LogLevelSuccess, done.successMsg, &done.agent, done.successMeta)
	}
	s.audit.flush(ctx, trail)
	metrics.RecordAssignment(string(trigger), result.Success, string(result.Reason), time.Since(start))

	if done != nil {
		s.publish(ctx, done)
		s.logger.Info("conversation assigned",
			zap.String("conversation_id", conversationID),
			zap.String("agent_id", done.agent.ID),
			zap.String("trigger", string(trigger)))
	} else {
		s.logger.Debug("conversation not assigned",
			zap.String("conversation_id", conversationID),
			zap.String("reason", string(result.Reason)),
			zap.String("trigger", string(trigger)))
	}
	return result, nil
}

func (s *AssignmentService) assignTx(ctx context.Context, tx *gorm.DB, trail *auditTrail, conversationID, groupID string, trigger Trigger) (*AssignmentResult, *committed, error) {
	var conv db.Conversation
	err := db.ForUpdate(tx).Where("id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		res := failed(ReasonConversationNotFound, "Conversation not found")
		trail.add(db.LogAssignmentFailed, db.LogLevelWarning, res.Message, nil, db.JSONMap{"reason": string(res.Reason), "trigger": string(trigger)})
		return res, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "load conversation")
	}
	if conv.Status != db.ConversationStatusPending {
		res := &AssignmentResult{
			Reason:       ReasonNotPending,
			Conversation: &conv,
			Message:      fmt.Sprintf("Conversation is %s, not pending", conv.Status),
		}
		trail.visitorID, trail.groupID = conv.VisitorID, conv.GroupID
		trail.add(db.LogAssignmentFailed, db.LogLevelWarning, res.Message, nil, db.JSONMap{
			"reason":  string(res.Reason),
			"status":  conv.Status,
			"trigger": string(trigger),
		})
		return res, nil, nil
	}

	trail.visitorID = conv.VisitorID
	trail.add(db.LogAssignmentStarted, db.LogLevelInfo, "Starting agent assignment", nil, db.JSONMap{"trigger": string(trigger)})

	targetGroupID := groupID
	if targetGroupID == "" {
		targetGroupID = conv.GroupID
	}
	var group db.Group
	if targetGroupID != "" {
		err = tx.Scopes(db.NotDeleted("")).Where("id = ?", targetGroupID).First(&group).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errors.Wrap(err, "load group")
		}
	}
	if group.ID == "" {
		msg := "No group found for conversation"
		trail.add(db.LogNoGroupFound, db.LogLevelWarning, msg, nil, db.JSONMap{"group_id": targetGroupID})
		return &AssignmentResult{Reason: ReasonNoGroupFound, Conversation: &conv, Message: msg}, nil, nil
	}
	trail.groupID, trail.groupName = group.ID, group.Name

	elig, err := findEligibleAgents(tx, group.ID)
	if err != nil {
		return nil, nil, err
	}
	if reason := elig.Reason(); reason != ReasonNone {
		msg := elig.Describe(group.Name)
		trail.add(string(reason), db.LogLevelWarning, msg, nil, db.JSONMap{
			"total_agents":     elig.Total,
			"online_agents":    elig.Online,
			"accepting_agents": elig.Accepting,
		})
		return &AssignmentResult{Reason: reason, Conversation: &conv, Message: msg}, nil, nil
	}

	picked, _, err := s.selector.Select(ctx, group.RoutingStrategy, elig.Candidates, conv.VisitorID, visitorHistory(tx))
	if err != nil {
		return nil, nil, err
	}
	agent := picked.Agent
	trail.add(db.LogAgentSelected, db.LogLevelInfo,
		fmt.Sprintf("Selected %s using %s", agent.Name, group.RoutingStrategy), &agent,
		db.JSONMap{
			"routing_strategy": group.RoutingStrategy,
			"active_chats":     picked.ActiveChats,
			"max_chats":        agent.MaxConcurrentChats,
			"eligible_agents":  len(elig.Candidates),
		})

	now := s.now()
	meta := db.JSONMap{
		"type":             realtime.SystemEventAgentAssigned,
		"assignment_type":  "automatic",
		"group_id":         group.ID,
		"group_name":       group.Name,
		"routing_strategy": group.RoutingStrategy,
	}
	done, err := s.handOver(tx, conv, agent, handOverPlan{
		expectStatus:  db.ConversationStatusPending,
		expectAgentID: conv.AssignedAgentID,
		closeReason:   CloseReasonAgentAssigned,
		content:       fmt.Sprintf("Chat assigned to %s", agent.Name),
		meta:          meta,
		at:            now,
	})
	if err != nil {
		return nil, nil, err
	}
	done.successMsg = fmt.Sprintf("Conversation assigned to %s", agent.Name)
	done.successMeta = db.JSONMap{
		"routing_strategy": group.RoutingStrategy,
		"active_chats":     picked.ActiveChats + 1,
		"max_chats":        agent.MaxConcurrentChats,
	}

	return &AssignmentResult{
		Success:      true,
		Agent:        &done.agent,
		Conversation: &done.conversation,
		ThreadID:     done.thread.ID,
		Message:      done.successMsg,
	}, done, nil
}

type handOverPlan struct {
	expectStatus  string
	expectAgentID string
	closeReason   string
	content       string
	meta          db.JSONMap
	at            time.Time
}

// handOver closes the current thread, opens a new one with a system event and
// moves the conversation to agent with a compare-and-swap on the previously
// read status and assignee. A lost swap returns errConversationChanged so the
// whole transaction rolls back.
func (s *AssignmentService) handOver(tx *gorm.DB, conv db.Conversation, agent db.Agent, plan handOverPlan) (*committed, error) {
	var events []db.Event
	closed, err := closeActiveThreads(tx, conv.ID, db.ClosedBySystem, plan.closeReason, plan.at)
	if err != nil {
		return nil, err
	}
	if closed > 0 && conv.ActiveThreadID != "" {
		ev, err := appendSystemEvent(tx, conv.ActiveThreadID, "", "Thread closed: "+plan.content, db.JSONMap{"type": "thread_closed", "reason": plan.closeReason}, plan.at)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	thread, err := openThread(tx, conv.ID, plan.at)
	if err != nil {
		return nil, err
	}
	ev, err := appendSystemEvent(tx, thread.ID, agent.ID, plan.content, plan.meta, plan.at)
	if err != nil {
		return nil, err
	}
	events = append(events, ev)

	res := tx.Model(&db.Conversation{}).
		Where("id = ? AND status = ? AND assigned_agent_id = ?", conv.ID, plan.expectStatus, plan.expectAgentID).
		Updates(map[string]any{
			"assigned_agent_id": agent.ID,
			"status":            db.ConversationStatusActive,
			"active_thread_id":  thread.ID,
			"updated_at":        plan.at,
		})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "update conversation")
	}
	if res.RowsAffected == 0 {
		return nil, errConversationChanged
	}

	conv.AssignedAgentID = agent.ID
	conv.Status = db.ConversationStatusActive
	conv.ActiveThreadID = thread.ID
	conv.UpdatedAt = plan.at

	eventType, _ := plan.meta["type"].(string)
	return &committed{
		conversation: conv,
		agent:        agent,
		thread:       thread,
		events:       events,
		eventType:    eventType,
		at:           plan.at,
	}, nil
}

// publish hands committed state to the sync layer. In production the syncer
// is a realtime.Dispatcher, so this only enqueues. Failures are logged only.
func (s *AssignmentService) publish(ctx context.Context, done *committed) {
	pushCtx := context.WithoutCancel(ctx)
	convID := done.conversation.ID
	if err := s.syncer.PushConversationState(pushCtx, convID, assignedFields(done.conversation, done.agent, done.at)); err != nil {
		recordSyncError("conversation_state", err)
		s.logger.Warn("failed to sync conversation state", zap.String("conversation_id", convID), zap.Error(err))
	}
	for _, ev := range done.events {
		typ := done.eventType
		if ev.ThreadID != done.thread.ID {
			typ = "thread_closed"
		}
		if err := s.syncer.PushSystemEvent(pushCtx, convID, toSyncEvent(ev, typ)); err != nil {
			recordSyncError("system_event", err)
			s.logger.Warn("failed to sync system event", zap.String("conversation_id", convID), zap.Error(err))
		}
	}
}

// ========== Manual Assignment ==========

// ReassignKind distinguishes operator assignment from supervisor takeover.
type ReassignKind string

const (
	ReassignManual   ReassignKind = "manual"
	ReassignTakeover ReassignKind = "takeover"
)

// ReassignRequest moves a pending or active conversation to a specific agent.
type ReassignRequest struct {
	ConversationID string
	AgentID        string
	ActorID        string
	ActorName      string
	Reason         string
	Kind           ReassignKind
}

// Reassign assigns a conversation to a named agent, bypassing routing and
// the pending-only precondition. The target agent's capacity is still
// enforced.
func (s *AssignmentService) Reassign(ctx context.Context, req ReassignRequest) (*AssignmentResult, error) {
	start := time.Now()
	if req.Kind == "" {
		req.Kind = ReassignManual
	}
	trail := s.audit.trail(req.ConversationID)

	var (
		result *AssignmentResult
		done   *committed
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, done, err = s.reassignTx(tx, trail, req)
		return err
	}, db.TxOptions(s.db))

	switch {
	case errors.Is(err, errConversationChanged):
		result, done, err = failed(ReasonConversationChanged, "Conversation changed while reassigning, retry"), nil, nil
		trail.add(db.LogAssignmentFailed, db.LogLevelWarning, result.Message, nil, db.JSONMap{"reason": string(ReasonConversationChanged)})
	case err != nil:
		trail.add(db.LogAssignmentFailed, db.LogLevelError, fmt.Sprintf("Reassignment failed: %v", err), nil, db.JSONMap{"assignment_type": string(req.Kind)})
		s.audit.flush(ctx, trail)
		metrics.RecordAssignment(string(req.Kind), false, "error", time.Since(start))
		return nil, err
	}

	if done != nil {
		trail.add(db.LogAssignmentSuccess, db.LogLevelSuccess, done.successMsg, &done.agent, done.successMeta)
	}
	s.audit.flush(ctx, trail)
	metrics.RecordAssignment(string(req.Kind), result.Success, string(result.Reason), time.Since(start))

	if done != nil {
		s.publish(ctx, done)
		s.logger.Info("conversation reassigned",
			zap.String("conversation_id", req.ConversationID),
			zap.String("agent_id", done.agent.ID),
			zap.String("actor_id", req.ActorID),
			zap.String("kind", string(req.Kind)))
	}
	return result, nil
}

func (s *AssignmentService) reassignTx(tx *gorm.DB, trail *auditTrail, req ReassignRequest) (*AssignmentResult, *committed, error) {
	var conv db.Conversation
	err := db.ForUpdate(tx).Where("id = ?", req.ConversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		res := failed(ReasonConversationNotFound, "Conversation not found")
		trail.add(db.LogAssignmentFailed, db.LogLevelWarning, res.Message, nil, db.JSONMap{"reason": string(res.Reason), "assignment_type": string(req.Kind)})
		return res, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "load conversation")
	}
	if conv.Status != db.ConversationStatusPending && conv.Status != db.ConversationStatusActive {
		res := &AssignmentResult{Reason: ReasonConversationClosed, Conversation: &conv, Message: fmt.Sprintf("Conversation is %s", conv.Status)}
		trail.visitorID, trail.groupID = conv.VisitorID, conv.GroupID
		trail.add(db.LogAssignmentFailed, db.LogLevelWarning, res.Message, nil, db.JSONMap{"reason": string(res.Reason), "assignment_type": string(req.Kind)})
		return res, nil, nil
	}
	if conv.Status == db.ConversationStatusActive && conv.AssignedAgentID == req.AgentID {
		return &AssignmentResult{Reason: ReasonAlreadyAssigned, Conversation: &conv, Message: "Conversation is already assigned to this agent"}, nil, nil
	}

	trail.visitorID, trail.groupID = conv.VisitorID, conv.GroupID
	trail.add(db.LogAssignmentStarted, db.LogLevelInfo, "Starting manual assignment", nil, db.JSONMap{
		"assignment_type": string(req.Kind),
		"actor_id":        req.ActorID,
		"previous_agent":  conv.AssignedAgentID,
		"requested_agent": req.AgentID,
		"reassign_reason": req.Reason,
	})

	cand, reason, err := lockAgentWithCapacity(tx, req.AgentID)
	if err != nil {
		return nil, nil, err
	}
	switch reason {
	case ReasonAgentNotFound:
		trail.add(db.LogAssignmentFailed, db.LogLevelWarning, "Agent not found", nil, db.JSONMap{"agent_id": req.AgentID})
		return &AssignmentResult{Reason: reason, Conversation: &conv, Message: "Agent not found"}, nil, nil
	case ReasonAgentAtCapacity:
		msg := fmt.Sprintf("%s is at capacity (%d/%d)", cand.Agent.Name, cand.ActiveChats, cand.Agent.MaxConcurrentChats)
		trail.add(db.LogAllAgentsAtCapacity, db.LogLevelWarning, msg, &cand.Agent, nil)
		return &AssignmentResult{Reason: reason, Conversation: &conv, Message: msg}, nil, nil
	}
	agent := cand.Agent
	trail.add(db.LogAgentSelected, db.LogLevelInfo, fmt.Sprintf("Selected %s manually", agent.Name), &agent, db.JSONMap{
		"active_chats": cand.ActiveChats,
		"max_chats":    agent.MaxConcurrentChats,
	})

	actor := req.ActorName
	if actor == "" {
		actor = "an operator"
	}
	content := fmt.Sprintf("Chat assigned to %s by %s", agent.Name, actor)
	closeReason := CloseReasonAgentAssigned
	eventType := realtime.SystemEventAgentAssigned
	if req.Kind == ReassignTakeover {
		content = fmt.Sprintf("%s took over the chat", agent.Name)
		closeReason = CloseReasonTakeover
		eventType = realtime.SystemEventTakeover
	}

	done, err := s.handOver(tx, conv, agent, handOverPlan{
		expectStatus:  conv.Status,
		expectAgentID: conv.AssignedAgentID,
		closeReason:   closeReason,
		content:       content,
		meta: db.JSONMap{
			"type":            eventType,
			"assignment_type": string(req.Kind),
			"actor_id":        req.ActorID,
			"previous_agent":  conv.AssignedAgentID,
			"reason":          req.Reason,
		},
		at: s.now(),
	})
	if err != nil {
		return nil, nil, err
	}
	done.successMsg = content
	done.successMeta = db.JSONMap{"assignment_type": string(req.Kind), "actor_id": req.ActorID}

	return &AssignmentResult{
		Success:      true,
		Agent:        &done.agent,
		Conversation: &done.conversation,
		ThreadID:     done.thread.ID,
		Message:      content,
	}, done, nil
}
