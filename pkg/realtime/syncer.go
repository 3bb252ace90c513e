// Package realtime pushes committed helpdesk state to live consumers:
// dashboards over WebSocket, other instances over Redis and downstream
// services over RabbitMQ. Every push is best-effort; callers log failures
// and never undo a committed change because of them.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/livedesk/livedesk/pkg/models"
)

// SystemEvent is a system notice appended to a conversation thread.
type SystemEvent struct {
	ThreadID  string         `json:"thread_id"`
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	AgentID   string         `json:"agent_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// System event types
const (
	SystemEventAgentAssigned = "agent_assigned"
	SystemEventClosed        = "conversation_closed"
	SystemEventReopened      = "conversation_reopened"
	SystemEventTakeover      = "supervisor_takeover"
)

// Syncer receives state after it is committed.
type Syncer interface {
	PushConversationState(ctx context.Context, conversationID string, fields map[string]any) error
	PushSystemEvent(ctx context.Context, conversationID string, ev SystemEvent) error
	PushQueueStats(ctx context.Context, stats models.QueueStats) error
	PushQueueEntry(ctx context.Context, conversationID string, entry models.QueueEntry) error
}

// Fanout forwards every push to all of its syncers and joins their errors.
type Fanout struct {
	syncers []Syncer
}

// NewFanout skips nil syncers.
func NewFanout(syncers ...Syncer) *Fanout {
	f := &Fanout{}
	for _, s := range syncers {
		if s != nil {
			f.syncers = append(f.syncers, s)
		}
	}
	return f
}

func (f *Fanout) Len() int { return len(f.syncers) }

func (f *Fanout) PushConversationState(ctx context.Context, conversationID string, fields map[string]any) error {
	var errs []error
	for _, s := range f.syncers {
		errs = append(errs, s.PushConversationState(ctx, conversationID, fields))
	}
	return errors.Join(errs...)
}

func (f *Fanout) PushSystemEvent(ctx context.Context, conversationID string, ev SystemEvent) error {
	var errs []error
	for _, s := range f.syncers {
		errs = append(errs, s.PushSystemEvent(ctx, conversationID, ev))
	}
	return errors.Join(errs...)
}

func (f *Fanout) PushQueueStats(ctx context.Context, stats models.QueueStats) error {
	var errs []error
	for _, s := range f.syncers {
		errs = append(errs, s.PushQueueStats(ctx, stats))
	}
	return errors.Join(errs...)
}

func (f *Fanout) PushQueueEntry(ctx context.Context, conversationID string, entry models.QueueEntry) error {
	var errs []error
	for _, s := range f.syncers {
		errs = append(errs, s.PushQueueEntry(ctx, conversationID, entry))
	}
	return errors.Join(errs...)
}

// Nop discards every push.
type Nop struct{}

func (Nop) PushConversationState(context.Context, string, map[string]any) error { return nil }
func (Nop) PushSystemEvent(context.Context, string, SystemEvent) error { return nil }
func (Nop) PushQueueStats(context.Context, models.QueueStats) error { return nil }
func (Nop) PushQueueEntry(context.Context, string, models.QueueEntry) error { return nil }
