package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livedesk/livedesk/pkg/models"
)

const (
	defaultRedisPrefix  = "livedesk"
	queueEntryTTL       = 10 * time.Minute
	conversationEventsN = 200
)

// RedisSyncer mirrors live state into Redis hashes and announces each change
// on a pub/sub channel so other instances and dashboards can follow along.
//
// Keys:
//
//	<prefix>:conversations:<id>         hash of conversation fields
//	<prefix>:conversations:<id>:events  list of recent system events (JSON)
//	<prefix>:queue:stats                hash of the latest queue stats
//	<prefix>:queue:conversations:<id>   hash of SLA state, expires when stale
//	<prefix>:sync                       pub/sub channel
type RedisSyncer struct {
	client redis.UniversalClient
	prefix string
}

// SyncMessage is published on the sync channel for every push.
type SyncMessage struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Data           any       `json:"data"`
	TS             time.Time `json:"ts"`
}

func NewRedisSyncer(client redis.UniversalClient, prefix string) *RedisSyncer {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisSyncer{client: client, prefix: prefix}
}

func (s *RedisSyncer) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Channel returns the pub/sub channel name.
func (s *RedisSyncer) Channel() string { return s.key("sync") }

func (s *RedisSyncer) PushConversationState(ctx context.Context, conversationID string, fields map[string]any) error {
	values, err := redisHash(fields)
	if err != nil {
		return err
	}
	msg, err := s.message("conversation.updated", conversationID, fields)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("conversations", conversationID), values)
		pipe.Publish(ctx, s.Channel(), msg)
		return nil
	})
	return errors.Wrap(err, "redis push conversation state")
}

func (s *RedisSyncer) PushSystemEvent(ctx context.Context, conversationID string, ev SystemEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal system event")
	}
	msg, err := s.message("conversation.system_event", conversationID, ev)
	if err != nil {
		return err
	}
	listKey := s.key("conversations", conversationID, "events")
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey, body)
		pipe.LTrim(ctx, listKey, -conversationEventsN, -1)
		pipe.Publish(ctx, s.Channel(), msg)
		return nil
	})
	return errors.Wrap(err, "redis push system event")
}

func (s *RedisSyncer) PushQueueStats(ctx context.Context, stats models.QueueStats) error {
	values := map[string]any{
		"pending":            stats.Pending,
		"avg_wait_time":      stats.AvgWaitTime,
		"longest_wait":       stats.LongestWait,
		"at_risk_count":      stats.AtRiskCount,
		"breached_count":     stats.BreachedCount,
		"total_assigned":     stats.TotalAssigned,
		"failed_assignments": stats.FailedAssignments,
		"last_updated":       stats.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
	msg, err := s.message("queue.stats", "", stats)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("queue", "stats"), values)
		pipe.Publish(ctx, s.Channel(), msg)
		return nil
	})
	return errors.Wrap(err, "redis push queue stats")
}

func (s *RedisSyncer) PushQueueEntry(ctx context.Context, conversationID string, entry models.QueueEntry) error {
	key := s.key("queue", "conversations", conversationID)
	values := map[string]any{
		"wait_time":          entry.WaitTime,
		"sla_status":         entry.SLAStatus,
		"sla_time_remaining": entry.SLATimeRemaining,
		"last_checked":       entry.LastChecked.UTC().Format(time.RFC3339Nano),
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, queueEntryTTL)
		return nil
	})
	return errors.Wrap(err, "redis push queue entry")
}

func (s *RedisSyncer) message(typ, conversationID string, data any) (string, error) {
	b, err := json.Marshal(SyncMessage{Type: typ, ConversationID: conversationID, Data: data, TS: time.Now().UTC()})
	if err != nil {
		return "", errors.Wrap(err, "marshal sync message")
	}
	return string(b), nil
}

// redisHash converts values that go-redis can't write natively into strings.
func redisHash(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch tv := v.(type) {
		case nil:
			out[k] = ""
		case string, bool, int, int32, int64, float64:
			out[k] = tv
		case time.Time:
			out[k] = tv.UTC().Format(time.RFC3339Nano)
		case *time.Time:
			if tv == nil {
				out[k] = ""
			} else {
				out[k] = tv.UTC().Format(time.RFC3339Nano)
			}
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				return nil, errors.Wrapf(err, "encode field %s", k)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
