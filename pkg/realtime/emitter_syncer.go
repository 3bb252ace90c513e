package realtime

import (
	"context"

	"github.com/livedesk/livedesk/pkg/event"
	"github.com/livedesk/livedesk/pkg/models"
)

// EmitterSyncer turns pushes into in-process events for the WebSocket hub.
type EmitterSyncer struct {
	emitter *event.Emitter
}

func NewEmitterSyncer(emitter *event.Emitter) *EmitterSyncer {
	if emitter == nil {
		emitter = event.Global()
	}
	return &EmitterSyncer{emitter: emitter}
}

func (s *EmitterSyncer) PushConversationState(_ context.Context, conversationID string, fields map[string]any) error {
	s.emitter.Emit(event.ConversationUpdatedEvent{ConversationID: conversationID, Fields: fields})
	return nil
}

func (s *EmitterSyncer) PushSystemEvent(_ context.Context, conversationID string, ev SystemEvent) error {
	s.emitter.Emit(event.ConversationSystemEventEvent{
		ConversationID: conversationID,
		ThreadID:       ev.ThreadID,
		EventID:        ev.EventID,
		Type:           ev.Type,
		Content:        ev.Content,
		AgentID:        ev.AgentID,
		Metadata:       ev.Metadata,
		CreatedAt:      ev.CreatedAt,
	})
	return nil
}

func (s *EmitterSyncer) PushQueueStats(_ context.Context, stats models.QueueStats) error {
	s.emitter.Emit(event.QueueStatsEvent{
		Pending:           stats.Pending,
		AvgWaitTime:       stats.AvgWaitTime,
		LongestWait:       stats.LongestWait,
		AtRiskCount:       stats.AtRiskCount,
		BreachedCount:     stats.BreachedCount,
		TotalAssigned:     stats.TotalAssigned,
		FailedAssignments: stats.FailedAssignments,
		LastUpdated:       stats.LastUpdated,
	})
	return nil
}

func (s *EmitterSyncer) PushQueueEntry(_ context.Context, conversationID string, entry models.QueueEntry) error {
	s.emitter.Emit(event.QueueEntryEvent{
		ConversationID:   conversationID,
		WaitTime:         entry.WaitTime,
		SLAStatus:        entry.SLAStatus,
		SLATimeRemaining: entry.SLATimeRemaining,
		LastChecked:      entry.LastChecked,
	})
	return nil
}
