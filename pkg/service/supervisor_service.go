package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/event"
	"github.com/livedesk/livedesk/pkg/models"
)

const supervisorTrailSize = 500

// Supervisor actions
const (
	ActionMonitorStart = "monitor_start"
	ActionMonitorStop  = "monitor_stop"
	ActionTakeover     = "takeover"
	ActionBulk         = "bulk_action"
)

// SupervisorService covers conversation monitoring, takeover and bulk
// actions.
type SupervisorService struct {
	db            *gorm.DB
	assignments   *AssignmentService
	conversations *ConversationService
	registry      MonitorRegistry
	emitter       *event.Emitter
	logger        *zap.Logger
	now           func() time.Time

	mu    sync.Mutex
	trail []models.SupervisorAction
	next  int
}

func NewSupervisorService(gdb *gorm.DB, assignments *AssignmentService, conversations *ConversationService, registry MonitorRegistry, emitter *event.Emitter, logger *zap.Logger) *SupervisorService {
	if registry == nil {
		registry = NewMemoryMonitorRegistry(DefaultMonitoringTTL)
	}
	if emitter == nil {
		emitter = event.Global()
	}
	return &SupervisorService{
		db:            gdb,
		assignments:   assignments,
		conversations: conversations,
		registry:      registry,
		emitter:       emitter,
		logger:        logger,
		now:           utcNow,
	}
}

// StartMonitoring registers the supervisor as a watcher of the conversation.
func (s *SupervisorService) StartMonitoring(ctx context.Context, conversationID, supervisorID string) (models.MonitoringSession, error) {
	if err := s.conversationExists(ctx, conversationID); err != nil {
		return models.MonitoringSession{}, err
	}
	sess, err := s.registry.Start(ctx, conversationID, supervisorID)
	if err != nil {
		return models.MonitoringSession{}, err
	}
	s.emitter.Emit(event.MonitoringChangedEvent{ConversationID: conversationID, SupervisorID: supervisorID, Active: true})
	s.record(ActionMonitorStart, supervisorID, conversationID, "")
	return sess, nil
}

// StopMonitoring removes the supervisor's watch. Stopping a session that
// does not exist is not an error.
func (s *SupervisorService) StopMonitoring(ctx context.Context, conversationID, supervisorID string) error {
	removed, err := s.registry.Stop(ctx, conversationID, supervisorID)
	if err != nil {
		return err
	}
	if removed {
		s.emitter.Emit(event.MonitoringChangedEvent{ConversationID: conversationID, SupervisorID: supervisorID, Active: false})
		s.record(ActionMonitorStop, supervisorID, conversationID, "")
	}
	return nil
}

// Takeover assigns the conversation to the supervisor. The previous agent's
// thread is closed and the supervisor's capacity is enforced like any
// agent's.
func (s *SupervisorService) Takeover(ctx context.Context, conversationID, supervisorID, reason string) (*AssignmentResult, error) {
	var sup db.Agent
	err := s.db.WithContext(ctx).Scopes(db.NotDeleted("")).Where("id = ?", supervisorID).First(&sup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load supervisor")
	}

	result, err := s.assignments.Reassign(ctx, ReassignRequest{
		ConversationID: conversationID,
		AgentID:        sup.ID,
		ActorID:        sup.ID,
		ActorName:      sup.Name,
		Reason:         reason,
		Kind:           ReassignTakeover,
	})
	if err != nil {
		return nil, err
	}
	if result.Success {
		s.record(ActionTakeover, supervisorID, conversationID, reason)
	}
	return result, nil
}

// BulkAction closes or reassigns each conversation in turn. One failure
// does not stop the rest; every id gets its own result.
func (s *SupervisorService) BulkAction(ctx context.Context, supervisorID string, req models.BulkActionRequest) (*models.BulkActionResult, error) {
	if len(req.ConversationIDs) == 0 {
		return nil, errors.Wrap(ErrInvalidBulkAction, "no conversations given")
	}
	switch req.Action {
	case models.BulkActionClose:
	case models.BulkActionAssign:
		if req.AgentID == "" {
			return nil, errors.Wrap(ErrInvalidBulkAction, "assign needs agent_id")
		}
	default:
		return nil, errors.Wrapf(ErrInvalidBulkAction, "unknown action %q", req.Action)
	}

	var sup db.Agent
	err := s.db.WithContext(ctx).Scopes(db.NotDeleted("")).Where("id = ?", supervisorID).First(&sup).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load supervisor")
	}

	res := &models.BulkActionResult{Results: make([]models.BulkItemResult, 0, len(req.ConversationIDs))}
	succeeded := 0
	for _, id := range req.ConversationIDs {
		item := models.BulkItemResult{ConversationID: id}
		switch req.Action {
		case models.BulkActionClose:
			_, err := s.conversations.Close(ctx, id, models.CloseRequest{
				Reason:    models.CloseReasonOther,
				Notes:     req.Reason,
				ActorType: db.ClosedByAgent,
				ActorID:   sup.ID,
				ActorName: sup.Name,
			})
			if err != nil {
				item.Error = err.Error()
			} else {
				item.Success = true
			}
		case models.BulkActionAssign:
			r, err := s.assignments.Reassign(ctx, ReassignRequest{
				ConversationID: id,
				AgentID:        req.AgentID,
				ActorID:        sup.ID,
				ActorName:      sup.Name,
				Reason:         req.Reason,
				Kind:           ReassignManual,
			})
			switch {
			case err != nil:
				item.Error = err.Error()
			case !r.Success:
				item.Error = r.Message
			default:
				item.Success = true
			}
		}
		if item.Success {
			succeeded++
		}
		res.Results = append(res.Results, item)
	}

	failed := len(req.ConversationIDs) - succeeded
	res.Success = failed == 0
	res.Message = fmt.Sprintf("Bulk action completed: %d succeeded, %d failed", succeeded, failed)
	s.record(ActionBulk, supervisorID, "", fmt.Sprintf("%s on %d conversations", req.Action, len(req.ConversationIDs)))
	s.logger.Info("bulk action applied",
		zap.String("action", req.Action),
		zap.String("supervisor_id", supervisorID),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed))
	return res, nil
}

// ActiveConversations lists pending and active conversations, oldest first,
// with their monitoring state.
func (s *SupervisorService) ActiveConversations(ctx context.Context) ([]models.SupervisedConversation, error) {
	var convs []db.Conversation
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{db.ConversationStatusPending, db.ConversationStatusActive}).
		Order("created_at ASC").Order("id ASC").
		Find(&convs).Error
	if err != nil {
		return nil, errors.Wrap(err, "load conversations")
	}
	watching, err := s.registry.All(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.SupervisedConversation, 0, len(convs))
	for _, c := range convs {
		sc := models.SupervisedConversation{
			ID:              c.ID,
			Status:          c.Status,
			VisitorID:       c.VisitorID,
			AssignedAgentID: c.AssignedAgentID,
			GroupID:         c.GroupID,
			CreatedAt:       c.CreatedAt,
		}
		for _, sess := range watching[c.ID] {
			sc.MonitoredBy = append(sc.MonitoredBy, sess.SupervisorID)
		}
		sc.Monitored = len(sc.MonitoredBy) > 0
		out = append(out, sc)
	}
	return out, nil
}

// AuditTrail returns up to limit supervisor actions, newest first.
func (s *SupervisorService) AuditTrail(limit int) []models.SupervisorAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.trail)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.SupervisorAction, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (s.next - 1 - i + n) % n
		out = append(out, s.trail[idx])
	}
	return out
}

func (s *SupervisorService) record(action, supervisorID, conversationID, details string) {
	entry := models.SupervisorAction{
		Action:         action,
		SupervisorID:   supervisorID,
		ConversationID: conversationID,
		Details:        details,
		At:             s.now(),
	}

	s.mu.Lock()
	if len(s.trail) < supervisorTrailSize {
		s.trail = append(s.trail, entry)
		s.next = len(s.trail) % supervisorTrailSize
	} else {
		s.trail[s.next] = entry
		s.next = (s.next + 1) % supervisorTrailSize
	}
	s.mu.Unlock()

	s.logger.Info("supervisor action",
		zap.String("action", action),
		zap.String("supervisor_id", supervisorID),
		zap.String("conversation_id", conversationID))
}

func (s *SupervisorService) conversationExists(ctx context.Context, conversationID string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&db.Conversation{}).Where("id = ?", conversationID).Count(&n).Error; err != nil {
		return errors.Wrap(err, "load conversation")
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}
