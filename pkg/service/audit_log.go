package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/models"
)

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 500
)

// AuditLog persists assignment diagnostics. Writes never fail the caller.
type AuditLog struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditLog(gdb *gorm.DB, logger *zap.Logger) *AuditLog {
	return &AuditLog{db: gdb, logger: logger, now: utcNow}
}

// auditTrail buffers the entries of one attempt so they can be written after
// the assignment transaction has finished.
type auditTrail struct {
	now            func() time.Time
	conversationID string
	visitorID      string
	groupID        string
	groupName      string
	entries        []db.AssignmentLog
}

func (a *AuditLog) trail(conversationID string) *auditTrail {
	return &auditTrail{now: a.now, conversationID: conversationID}
}

func (t *auditTrail) add(typ, level, msg string, agent *db.Agent, meta db.JSONMap) {
	entry := db.AssignmentLog{
		ID:             uuid.New().String(),
		ConversationID: t.conversationID,
		VisitorID:      t.visitorID,
		GroupID:        t.groupID,
		GroupName:      t.groupName,
		Type:           typ,
		Level:          level,
		Message:        msg,
		Metadata:       meta,
		CreatedAt:      t.now(),
	}
	if agent != nil {
		entry.AgentID = agent.ID
		entry.AgentName = agent.Name
	}
	t.entries = append(t.entries, entry)
}

// flush writes the buffered entries. Failures are logged and dropped.
func (a *AuditLog) flush(ctx context.Context, t *auditTrail) {
	if len(t.entries) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := a.db.WithContext(ctx).Create(&t.entries).Error; err != nil {
		a.logger.Warn("failed to write assignment log",
			zap.String("conversation_id", t.conversationID),
			zap.Int("entries", len(t.entries)),
			zap.Error(err))
	}
	t.entries = nil
}

// Record writes a single entry outside of any attempt.
func (a *AuditLog) Record(ctx context.Context, entry db.AssignmentLog) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now()
	}
	if err := a.db.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		a.logger.Warn("failed to write assignment log",
			zap.String("conversation_id", entry.ConversationID),
			zap.String("type", entry.Type),
			zap.Error(err))
	}
}

// List returns log entries newest first.
func (a *AuditLog) List(ctx context.Context, f models.AssignmentLogFilter) ([]db.AssignmentLog, int64, error) {
	q := a.db.WithContext(ctx).Model(&db.AssignmentLog{})
	if f.ConversationID != "" {
		q = q.Where("conversation_id = ?", f.ConversationID)
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Since != nil {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count assignment logs")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLogPageSize
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}
	var logs []db.AssignmentLog
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(f.Offset).Find(&logs).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "list assignment logs")
	}
	return logs, total, nil
}

func utcNow() time.Time { return time.Now().UTC() }
