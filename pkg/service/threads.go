package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/realtime"
)

// closeActiveThreads closes every active thread of a conversation, not only
// the one referenced by active_thread_id.
func closeActiveThreads(tx *gorm.DB, conversationID, closedBy, reason string, at time.Time) (int64, error) {
	res := tx.Model(&db.Thread{}).
		Where("conversation_id = ? AND status = ?", conversationID, db.ThreadStatusActive).
		Updates(map[string]any{
			"status":        db.ThreadStatusClosed,
			"closed_by":     closedBy,
			"closed_reason": reason,
			"closed_at":     at,
			"updated_at":    at,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "close active threads")
	}
	return res.RowsAffected, nil
}

func openThread(tx *gorm.DB, conversationID string, at time.Time) (db.Thread, error) {
	t := db.Thread{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Status:         db.ThreadStatusActive,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := tx.Create(&t).Error; err != nil {
		return db.Thread{}, errors.Wrap(err, "create thread")
	}
	return t, nil
}

func appendSystemEvent(tx *gorm.DB, threadID, agentID, content string, meta db.JSONMap, at time.Time) (db.Event, error) {
	ev := db.Event{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		Type:       db.EventTypeSystem,
		AuthorType: db.AuthorSystem,
		AgentID:    agentID,
		Content:    content,
		Metadata:   meta,
		CreatedAt:  at,
	}
	if err := tx.Create(&ev).Error; err != nil {
		return db.Event{}, errors.Wrap(err, "create system event")
	}
	return ev, nil
}

func toSyncEvent(ev db.Event, typ string) realtime.SystemEvent {
	return realtime.SystemEvent{
		ThreadID:  ev.ThreadID,
		EventID:   ev.ID,
		Type:      typ,
		Content:   ev.Content,
		AgentID:   ev.AgentID,
		Metadata:  ev.Metadata,
		CreatedAt: ev.CreatedAt,
	}
}

// assignedFields is the sync payload of an assigned conversation.
func assignedFields(conv db.Conversation, agent db.Agent, at time.Time) map[string]any {
	return map[string]any{
		"status":              conv.Status,
		"assigned_agent_id":   agent.ID,
		"assigned_agent_name": agent.Name,
		"assigned_agent": map[string]any{
			"id":     agent.ID,
			"name":   agent.Name,
			"email":  agent.Email,
			"avatar": agent.Avatar,
		},
		"assigned_at":      at,
		"active_thread_id": conv.ActiveThreadID,
	}
}
