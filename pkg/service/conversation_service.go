package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/event"
	"github.com/livedesk/livedesk/pkg/metrics"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/realtime"
)

// QueueNotifier is the part of the queue scheduler the conversation
// lifecycle needs.
type QueueNotifier interface {
	ScheduleInitialAttempt(conversationID, groupID string)
	Trigger()
}

var closeReasonLabels = map[string]string{
	models.CloseReasonResolved:    "Resolved",
	models.CloseReasonSpam:        "Spam",
	models.CloseReasonAbandoned:   "Abandoned",
	models.CloseReasonTransferred: "Transferred",
	models.CloseReasonOther:       "Other",
}

// ConversationService owns the conversation lifecycle outside of assignment:
// creation from the widget, messages, close and reopen.
type ConversationService struct {
	db      *gorm.DB
	syncer  realtime.Syncer
	emitter *event.Emitter
	queue   QueueNotifier
	audit   *AuditLog
	logger  *zap.Logger
	now     func() time.Time
}

// NewConversationService wires the lifecycle. audit may be nil, then direct
// assignments made by Reopen are not written to the assignment log.
func NewConversationService(gdb *gorm.DB, syncer realtime.Syncer, emitter *event.Emitter, queue QueueNotifier, audit *AuditLog, logger *zap.Logger) *ConversationService {
	if syncer == nil {
		syncer = realtime.Nop{}
	}
	if emitter == nil {
		emitter = event.Global()
	}
	return &ConversationService{
		db:      gdb,
		syncer:  syncer,
		emitter: emitter,
		queue:   queue,
		audit:   audit,
		logger:  logger,
		now:     utcNow,
	}
}

// ========== Widget Sessions ==========

// CreateWidgetSession creates the visitor, a pending conversation with its
// first thread and message, then schedules the first assignment attempt.
func (s *ConversationService) CreateWidgetSession(ctx context.Context, req models.CreateSessionRequest) (*models.CreateSessionResponse, error) {
	content := strings.TrimSpace(req.InitialMessage)
	if content == "" {
		return nil, ErrEmptyContent
	}

	now := s.now()
	visitor := db.Visitor{
		ID:           uuid.New().String(),
		Name:         strings.TrimSpace(req.VisitorName),
		Email:        strings.TrimSpace(req.VisitorEmail),
		Phone:        strings.TrimSpace(req.VisitorPhone),
		UserAgent:    req.UserAgent,
		IPAddress:    req.IPAddress,
		Referrer:     req.Referrer,
		Metadata:     req.Metadata,
		SessionToken: uuid.New().String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	conv := db.Conversation{
		ID:        uuid.New().String(),
		VisitorID: visitor.ID,
		Status:    db.ConversationStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var (
		thread db.Thread
		msg    db.Event
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		groupID, err := resolveGroup(tx, req.GroupID)
		if err != nil {
			return err
		}
		conv.GroupID = groupID

		if err := tx.Create(&visitor).Error; err != nil {
			return errors.Wrap(err, "create visitor")
		}
		thread, err = openThread(tx, conv.ID, now)
		if err != nil {
			return err
		}
		conv.ActiveThreadID = thread.ID
		if err := tx.Create(&conv).Error; err != nil {
			return errors.Wrap(err, "create conversation")
		}
		msg = db.Event{
			ID:         uuid.New().String(),
			ThreadID:   thread.ID,
			Type:       db.EventTypeMessage,
			AuthorType: db.AuthorVisitor,
			Content:    content,
			CreatedAt:  now,
		}
		return errors.Wrap(tx.Create(&msg).Error, "create initial message")
	})
	if err != nil {
		return nil, err
	}

	s.pushState(ctx, conv.ID, map[string]any{
		"status":           conv.Status,
		"visitor_id":       conv.VisitorID,
		"group_id":         conv.GroupID,
		"active_thread_id": conv.ActiveThreadID,
		"created_at":       conv.CreatedAt,
	})
	s.emitMessage(conv.ID, msg)
	if s.queue != nil {
		s.queue.ScheduleInitialAttempt(conv.ID, conv.GroupID)
	}

	s.logger.Info("widget session created",
		zap.String("conversation_id", conv.ID),
		zap.String("visitor_id", visitor.ID),
		zap.String("group_id", conv.GroupID))

	return &models.CreateSessionResponse{
		SessionToken:   visitor.SessionToken,
		VisitorID:      visitor.ID,
		ConversationID: conv.ID,
		ThreadID:       thread.ID,
		GroupID:        conv.GroupID,
		Conversation:   conv,
	}, nil
}

// resolveGroup returns the requested group, or the default group when none
// is requested. No default group yields "".
func resolveGroup(tx *gorm.DB, groupID string) (string, error) {
	var group db.Group
	if groupID != "" {
		err := tx.Scopes(db.NotDeleted("")).Where("id = ?", groupID).First(&group).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrGroupNotFound
		}
		if err != nil {
			return "", errors.Wrap(err, "load group")
		}
		return group.ID, nil
	}
	err := tx.Scopes(db.NotDeleted("")).Where("is_default = ?", true).Order("created_at ASC").First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "load default group")
	}
	return group.ID, nil
}

// AuthorizeVisitor checks that sessionToken belongs to the conversation's
// visitor.
func (s *ConversationService) AuthorizeVisitor(ctx context.Context, conversationID, sessionToken string) error {
	if sessionToken == "" {
		return ErrVisitorMismatch
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&db.Conversation{}).
		Joins("JOIN visitors ON visitors.id = conversations.visitor_id").
		Where("conversations.id = ? AND visitors.session_token = ?", conversationID, sessionToken).
		Count(&n).Error
	if err != nil {
		return errors.Wrap(err, "check visitor session")
	}
	if n == 0 {
		return ErrVisitorMismatch
	}
	return nil
}

// ========== Messages ==========

// AddEvent appends a message to the active thread. A visitor writing into a
// closed conversation reopens it: a new thread is started and the
// conversation goes back to the queue.
func (s *ConversationService) AddEvent(ctx context.Context, conversationID string, req models.CreateEventRequest) (*db.Event, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	authorType := req.AuthorType
	if authorType == "" {
		authorType = db.AuthorAgent
	}

	now := s.now()
	var (
		msg      db.Event
		conv     db.Conversation
		reopened *db.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.ForUpdate(tx).Where("id = ?", conversationID).First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return errors.Wrap(err, "load conversation")
		}

		if conv.ActiveThreadID == "" {
			if authorType != db.AuthorVisitor {
				return ErrNoActiveThread
			}
			thread, err := openThread(tx, conv.ID, now)
			if err != nil {
				return err
			}
			ev, err := appendSystemEvent(tx, thread.ID, "", "Conversation reopened by visitor", db.JSONMap{"type": realtime.SystemEventReopened, "reopened_by": db.AuthorVisitor}, now)
			if err != nil {
				return err
			}
			reopened = &ev
			conv.ActiveThreadID = thread.ID
			conv.Status = db.ConversationStatusPending
			conv.AssignedAgentID = ""
			conv.UpdatedAt = now
			err = tx.Model(&db.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]any{
				"status":            conv.Status,
				"assigned_agent_id": "",
				"active_thread_id":  thread.ID,
				"updated_at":        now,
			}).Error
			if err != nil {
				return errors.Wrap(err, "reopen conversation")
			}
		}

		msg = db.Event{
			ID:         uuid.New().String(),
			ThreadID:   conv.ActiveThreadID,
			Type:       db.EventTypeMessage,
			AuthorType: authorType,
			AgentID:    req.AgentID,
			Content:    content,
			Metadata:   req.Metadata,
			CreatedAt:  now,
		}
		return errors.Wrap(tx.Create(&msg).Error, "create message")
	})
	if err != nil {
		return nil, err
	}

	if reopened != nil {
		s.pushState(ctx, conv.ID, map[string]any{
			"status":            conv.Status,
			"assigned_agent_id": "",
			"active_thread_id":  conv.ActiveThreadID,
		})
		s.pushSystemEvent(ctx, conv.ID, *reopened, realtime.SystemEventReopened)
		if s.queue != nil {
			s.queue.ScheduleInitialAttempt(conv.ID, conv.GroupID)
		}
		s.logger.Info("conversation reopened by visitor", zap.String("conversation_id", conv.ID))
	}
	s.emitMessage(conv.ID, msg)
	return &msg, nil
}

// MarkEvents sets delivered_at, and read_at when read is true, on events of
// the conversation that don't have them yet.
func (s *ConversationService) MarkEvents(ctx context.Context, conversationID string, eventIDs []string, read bool) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	now := s.now()
	threads := s.db.Model(&db.Thread{}).Select("id").Where("conversation_id = ?", conversationID)

	res := s.db.WithContext(ctx).Model(&db.Event{}).
		Where("id IN ? AND thread_id IN (?) AND delivered_at IS NULL", eventIDs, threads).
		Update("delivered_at", now)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "mark events delivered")
	}
	n := res.RowsAffected
	if read {
		res = s.db.WithContext(ctx).Model(&db.Event{}).
			Where("id IN ? AND thread_id IN (?) AND read_at IS NULL", eventIDs, threads).
			Update("read_at", now)
		if res.Error != nil {
			return 0, errors.Wrap(res.Error, "mark events read")
		}
		n = res.RowsAffected
	}
	return n, nil
}

// ========== Close / Reopen ==========

// Close ends the conversation: the active thread is closed with the given
// reason and the conversation no longer counts against its agent's capacity.
func (s *ConversationService) Close(ctx context.Context, conversationID string, req models.CloseRequest) (*db.Conversation, error) {
	reason := req.Reason
	if _, ok := closeReasonLabels[reason]; !ok {
		reason = models.CloseReasonOther
	}
	closedBy := req.ActorType
	switch closedBy {
	case db.ClosedByAgent, db.ClosedBySystem, db.ClosedByVisitor:
	default:
		closedBy = db.ClosedByAgent
	}
	actor := req.ActorName
	if actor == "" {
		actor = closedBy
	}

	now := s.now()
	var (
		conv      db.Conversation
		closeNote *db.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.ForUpdate(tx).Where("id = ?", conversationID).First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return errors.Wrap(err, "load conversation")
		}
		if conv.Status == db.ConversationStatusClosed {
			return ErrAlreadyClosed
		}

		if _, err := closeActiveThreads(tx, conv.ID, closedBy, reason, now); err != nil {
			return err
		}
		if conv.ActiveThreadID != "" {
			content := fmt.Sprintf("Chat closed by %s. Reason: %s", actor, closeReasonLabels[reason])
			ev, err := appendSystemEvent(tx, conv.ActiveThreadID, req.ActorID, content, db.JSONMap{"type": realtime.SystemEventClosed, "reason": reason}, now)
			if err != nil {
				return err
			}
			closeNote = &ev
		}

		conv.Notes = appendNote(conv.Notes, req.Notes)
		conv.Status = db.ConversationStatusClosed
		conv.ActiveThreadID = ""
		conv.UpdatedAt = now
		err = tx.Model(&db.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]any{
			"status":           conv.Status,
			"active_thread_id": "",
			"notes":            conv.Notes,
			"updated_at":       now,
		}).Error
		return errors.Wrap(err, "close conversation")
	})
	if err != nil {
		return nil, err
	}

	s.pushState(ctx, conv.ID, map[string]any{
		"status":           conv.Status,
		"active_thread_id": "",
		"closed_at":        now,
		"closed_reason":    reason,
		"closed_by":        closedBy,
	})
	if closeNote != nil {
		s.pushSystemEvent(ctx, conv.ID, *closeNote, realtime.SystemEventClosed)
	}
	if s.queue != nil {
		s.queue.Trigger()
	}
	s.logger.Info("conversation closed",
		zap.String("conversation_id", conv.ID),
		zap.String("reason", reason),
		zap.String("closed_by", closedBy),
		zap.String("actor_id", req.ActorID))
	return &conv, nil
}

// Reopen starts a new thread on a closed or resolved conversation. With an
// agent the conversation becomes active on that agent (capacity permitting);
// without one it goes back to the queue.
func (s *ConversationService) Reopen(ctx context.Context, conversationID string, req models.ReopenRequest) (*db.Conversation, error) {
	actor := req.ActorName
	if actor == "" {
		actor = "agent"
	}
	now := s.now()
	var (
		conv  db.Conversation
		agent *db.Agent
		note  db.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.ForUpdate(tx).Where("id = ?", conversationID).First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return errors.Wrap(err, "load conversation")
		}
		if conv.Status != db.ConversationStatusClosed && conv.Status != db.ConversationStatusResolved {
			return ErrNotReopenable
		}

		if req.AgentID != "" {
			cand, reason, err := lockAgentWithCapacity(tx, req.AgentID)
			if err != nil {
				return err
			}
			switch reason {
			case ReasonAgentNotFound:
				return ErrAgentNotFound
			case ReasonAgentAtCapacity:
				return ErrAgentAtCapacity
			}
			agent = &cand.Agent
		}

		if _, err := closeActiveThreads(tx, conv.ID, db.ClosedBySystem, "reopened", now); err != nil {
			return err
		}
		thread, err := openThread(tx, conv.ID, now)
		if err != nil {
			return err
		}
		content := fmt.Sprintf("Chat reopened by %s", actor)
		if req.Reason != "" {
			content += ". Reason: " + req.Reason
		}
		agentID := ""
		if agent != nil {
			agentID = agent.ID
		}
		note, err = appendSystemEvent(tx, thread.ID, agentID, content, db.JSONMap{"type": realtime.SystemEventReopened, "actor_id": req.ActorID}, now)
		if err != nil {
			return err
		}

		conv.ActiveThreadID = thread.ID
		conv.Notes = appendNote(conv.Notes, req.Notes)
		conv.UpdatedAt = now
		if agent != nil {
			conv.Status = db.ConversationStatusActive
			conv.AssignedAgentID = agent.ID
		} else {
			conv.Status = db.ConversationStatusPending
			conv.AssignedAgentID = ""
		}
		err = tx.Model(&db.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]any{
			"status":            conv.Status,
			"assigned_agent_id": conv.AssignedAgentID,
			"active_thread_id":  conv.ActiveThreadID,
			"notes":             conv.Notes,
			"updated_at":        now,
		}).Error
		return errors.Wrap(err, "reopen conversation")
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"status":            conv.Status,
		"assigned_agent_id": conv.AssignedAgentID,
		"active_thread_id":  conv.ActiveThreadID,
	}
	if agent != nil {
		fields = assignedFields(conv, *agent, now)
		if s.audit != nil {
			s.audit.Record(ctx, db.AssignmentLog{
				ConversationID: conv.ID,
				VisitorID:      conv.VisitorID,
				GroupID:        conv.GroupID,
				AgentID:        agent.ID,
				AgentName:      agent.Name,
				Type:           db.LogAssignmentSuccess,
				Level:          db.LogLevelSuccess,
				Message:        fmt.Sprintf("Conversation reopened and assigned to %s", agent.Name),
				Metadata:       db.JSONMap{"assignment_type": "reopen", "actor_id": req.ActorID},
			})
		}
	}
	s.pushState(ctx, conv.ID, fields)
	s.pushSystemEvent(ctx, conv.ID, note, realtime.SystemEventReopened)
	if agent == nil && s.queue != nil {
		s.queue.ScheduleInitialAttempt(conv.ID, conv.GroupID)
	}
	s.logger.Info("conversation reopened",
		zap.String("conversation_id", conv.ID),
		zap.String("agent_id", conv.AssignedAgentID),
		zap.String("status", conv.Status))
	return &conv, nil
}

// ========== Queries ==========

// Get returns a conversation with its visitor, threads and events.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*models.ConversationDetail, error) {
	gdb := s.db.WithContext(ctx)
	var conv db.Conversation
	err := gdb.Where("id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}

	detail := &models.ConversationDetail{Conversation: conv}
	var visitor db.Visitor
	if err := gdb.Where("id = ?", conv.VisitorID).First(&visitor).Error; err == nil {
		detail.Visitor = &visitor
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "load visitor")
	}

	if err := gdb.Where("conversation_id = ?", conv.ID).Order("created_at ASC").Order("id ASC").Find(&detail.Threads).Error; err != nil {
		return nil, errors.Wrap(err, "load threads")
	}
	if len(detail.Threads) == 0 {
		return detail, nil
	}

	ids := make([]string, len(detail.Threads))
	index := make(map[string]int, len(detail.Threads))
	for i, t := range detail.Threads {
		ids[i] = t.ID
		index[t.ID] = i
	}
	var events []db.Event
	if err := gdb.Where("thread_id IN ?", ids).Order("created_at ASC").Order("id ASC").Find(&events).Error; err != nil {
		return nil, errors.Wrap(err, "load events")
	}
	for _, ev := range events {
		i := index[ev.ThreadID]
		detail.Threads[i].Events = append(detail.Threads[i].Events, ev)
	}
	return detail, nil
}

// ThreadEvents lists the events of one thread in order.
func (s *ConversationService) ThreadEvents(ctx context.Context, threadID string) ([]db.Event, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&db.Thread{}).Where("id = ?", threadID).Count(&n).Error; err != nil {
		return nil, errors.Wrap(err, "load thread")
	}
	if n == 0 {
		return nil, ErrThreadNotFound
	}
	var events []db.Event
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("created_at ASC").Order("id ASC").Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "load events")
	}
	return events, nil
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// List pages through conversations matching f. Search matches the
// conversation id and the visitor's name or email.
func (s *ConversationService) List(ctx context.Context, f models.ConversationFilter) (*models.ConversationPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	gdb := s.db.WithContext(ctx)
	filter := func(q *gorm.DB) *gorm.DB {
		if len(f.Statuses) > 0 {
			q = q.Where("status IN ?", f.Statuses)
		}
		if f.AgentID != "" {
			q = q.Where("assigned_agent_id = ?", f.AgentID)
		}
		if f.GroupID != "" {
			q = q.Where("group_id = ?", f.GroupID)
		}
		if term := strings.TrimSpace(f.Search); term != "" {
			like := "%" + term + "%"
			visitors := gdb.Model(&db.Visitor{}).Select("id").Where("name LIKE ? OR email LIKE ?", like, like)
			q = q.Where("id LIKE ? OR visitor_id IN (?)", like, visitors)
		}
		return q
	}

	page := &models.ConversationPage{Items: []models.ConversationListItem{}, Page: f.Page, Limit: f.Limit}
	if err := gdb.Model(&db.Conversation{}).Scopes(filter).Count(&page.Total).Error; err != nil {
		return nil, errors.Wrap(err, "count conversations")
	}
	page.TotalPages = int((page.Total + int64(f.Limit) - 1) / int64(f.Limit))
	if page.Total == 0 {
		return page, nil
	}

	order := "created_at DESC, id DESC"
	if f.Sort == models.SortOldest {
		order = "created_at ASC, id ASC"
	}
	var convs []db.Conversation
	if err := gdb.Scopes(filter).Order(order).Limit(f.Limit).Offset((f.Page - 1) * f.Limit).Find(&convs).Error; err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}

	var visitorIDs, agentIDs, groupIDs []string
	for _, c := range convs {
		visitorIDs = append(visitorIDs, c.VisitorID)
		if c.AssignedAgentID != "" {
			agentIDs = append(agentIDs, c.AssignedAgentID)
		}
		if c.GroupID != "" {
			groupIDs = append(groupIDs, c.GroupID)
		}
	}
	var visitors []db.Visitor
	if err := gdb.Where("id IN ?", visitorIDs).Find(&visitors).Error; err != nil {
		return nil, errors.Wrap(err, "load visitors")
	}
	byVisitor := make(map[string]db.Visitor, len(visitors))
	for _, v := range visitors {
		byVisitor[v.ID] = v
	}
	agentNames := map[string]string{}
	if len(agentIDs) > 0 {
		var agents []db.Agent
		if err := gdb.Select("id", "name").Where("id IN ?", agentIDs).Find(&agents).Error; err != nil {
			return nil, errors.Wrap(err, "load agents")
		}
		for _, a := range agents {
			agentNames[a.ID] = a.Name
		}
	}
	groupNames := map[string]string{}
	if len(groupIDs) > 0 {
		var groups []db.Group
		if err := gdb.Select("id", "name").Where("id IN ?", groupIDs).Find(&groups).Error; err != nil {
			return nil, errors.Wrap(err, "load groups")
		}
		for _, g := range groups {
			groupNames[g.ID] = g.Name
		}
	}

	for _, c := range convs {
		v := byVisitor[c.VisitorID]
		page.Items = append(page.Items, models.ConversationListItem{
			Conversation: c,
			VisitorName:  v.Name,
			VisitorEmail: v.Email,
			AgentName:    agentNames[c.AssignedAgentID],
			GroupName:    groupNames[c.GroupID],
		})
	}
	return page, nil
}

// VisitorView is the widget's read of its own conversation. Notes stay
// internal.
func (s *ConversationService) VisitorView(ctx context.Context, conversationID string) (*models.VisitorConversation, error) {
	detail, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	view := &models.VisitorConversation{
		ID:             detail.ID,
		Status:         detail.Status,
		ActiveThreadID: detail.ActiveThreadID,
		Threads:        detail.Threads,
		CreatedAt:      detail.CreatedAt,
	}
	if view.Threads == nil {
		view.Threads = []db.Thread{}
	}
	if detail.AssignedAgentID != "" {
		var agent db.Agent
		err := s.db.WithContext(ctx).Select("id", "name").Where("id = ?", detail.AssignedAgentID).First(&agent).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(err, "load agent")
		}
		view.AssignedAgentName = agent.Name
	}
	return view, nil
}

// ========== Sync Helpers ==========

// recordSyncError counts a failed push. Pushes dropped by a full dispatch
// queue are already counted as drops.
func recordSyncError(op string, err error) {
	if !errors.Is(err, realtime.ErrQueueFull) {
		metrics.RecordSyncFailure(op)
	}
}

func (s *ConversationService) pushState(ctx context.Context, conversationID string, fields map[string]any) {
	if err := s.syncer.PushConversationState(context.WithoutCancel(ctx), conversationID, fields); err != nil {
		recordSyncError("conversation_state", err)
		s.logger.Warn("failed to sync conversation state", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *ConversationService) pushSystemEvent(ctx context.Context, conversationID string, ev db.Event, typ string) {
	if err := s.syncer.PushSystemEvent(context.WithoutCancel(ctx), conversationID, toSyncEvent(ev, typ)); err != nil {
		recordSyncError("system_event", err)
		s.logger.Warn("failed to sync system event", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *ConversationService) emitMessage(conversationID string, msg db.Event) {
	s.emitter.Emit(event.ConversationMessageEvent{
		ConversationID: conversationID,
		ThreadID:       msg.ThreadID,
		EventID:        msg.ID,
		AuthorType:     msg.AuthorType,
		AgentID:        msg.AgentID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	})
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
