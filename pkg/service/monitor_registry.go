package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livedesk/livedesk/pkg/models"
)

// DefaultMonitoringTTL bounds how long a monitoring session lives without
// being renewed.
const DefaultMonitoringTTL = 2 * time.Hour

// MonitorRegistry tracks which supervisors watch which conversations.
// Sessions expire after a TTL; starting again renews them.
type MonitorRegistry interface {
	Start(ctx context.Context, conversationID, supervisorID string) (models.MonitoringSession, error)
	// Stop reports whether a live session was removed.
	Stop(ctx context.Context, conversationID, supervisorID string) (bool, error)
	Watchers(ctx context.Context, conversationID string) ([]models.MonitoringSession, error)
	// All returns live sessions keyed by conversation id.
	All(ctx context.Context) (map[string][]models.MonitoringSession, error)
}

// ========== Memory ==========

// MemoryMonitorRegistry keeps sessions in process memory.
type MemoryMonitorRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]map[string]models.MonitoringSession // conversation -> supervisor -> session
}

func NewMemoryMonitorRegistry(ttl time.Duration) *MemoryMonitorRegistry {
	if ttl <= 0 {
		ttl = DefaultMonitoringTTL
	}
	return &MemoryMonitorRegistry{
		ttl:      ttl,
		now:      utcNow,
		sessions: make(map[string]map[string]models.MonitoringSession),
	}
}

func (r *MemoryMonitorRegistry) Start(_ context.Context, conversationID, supervisorID string) (models.MonitoringSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.purgeLocked(now)
	byConv, ok := r.sessions[conversationID]
	if !ok {
		byConv = make(map[string]models.MonitoringSession)
		r.sessions[conversationID] = byConv
	}
	sess, ok := byConv[supervisorID]
	if !ok {
		sess = models.MonitoringSession{ConversationID: conversationID, SupervisorID: supervisorID, StartedAt: now}
	}
	sess.ExpiresAt = now.Add(r.ttl)
	byConv[supervisorID] = sess
	return sess, nil
}

func (r *MemoryMonitorRegistry) Stop(_ context.Context, conversationID, supervisorID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked(r.now())
	byConv, ok := r.sessions[conversationID]
	if !ok {
		return false, nil
	}
	if _, ok := byConv[supervisorID]; !ok {
		return false, nil
	}
	delete(byConv, supervisorID)
	if len(byConv) == 0 {
		delete(r.sessions, conversationID)
	}
	return true, nil
}

func (r *MemoryMonitorRegistry) Watchers(_ context.Context, conversationID string) ([]models.MonitoringSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked(r.now())
	out := make([]models.MonitoringSession, 0, len(r.sessions[conversationID]))
	for _, sess := range r.sessions[conversationID] {
		out = append(out, sess)
	}
	sortSessions(out)
	return out, nil
}

func (r *MemoryMonitorRegistry) All(_ context.Context) (map[string][]models.MonitoringSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked(r.now())
	out := make(map[string][]models.MonitoringSession, len(r.sessions))
	for convID, byConv := range r.sessions {
		list := make([]models.MonitoringSession, 0, len(byConv))
		for _, sess := range byConv {
			list = append(list, sess)
		}
		sortSessions(list)
		out[convID] = list
	}
	return out, nil
}

func (r *MemoryMonitorRegistry) purgeLocked(now time.Time) {
	for convID, byConv := range r.sessions {
		for supID, sess := range byConv {
			if !now.Before(sess.ExpiresAt) {
				delete(byConv, supID)
			}
		}
		if len(byConv) == 0 {
			delete(r.sessions, convID)
		}
	}
}

func sortSessions(list []models.MonitoringSession) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].SupervisorID < list[j].SupervisorID
	})
}

// ========== Redis ==========

// RedisMonitorRegistry stores one key per conversation and supervisor, so
// every instance behind a load balancer sees the same sessions.
type RedisMonitorRegistry struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisMonitorRegistry(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisMonitorRegistry {
	if prefix == "" {
		prefix = "livedesk"
	}
	if ttl <= 0 {
		ttl = DefaultMonitoringTTL
	}
	return &RedisMonitorRegistry{client: client, prefix: prefix, ttl: ttl, now: utcNow}
}

func (r *RedisMonitorRegistry) key(conversationID, supervisorID string) string {
	return r.prefix + ":monitor:" + conversationID + ":" + supervisorID
}

func (r *RedisMonitorRegistry) Start(ctx context.Context, conversationID, supervisorID string) (models.MonitoringSession, error) {
	now := r.now()
	key := r.key(conversationID, supervisorID)
	sess := models.MonitoringSession{ConversationID: conversationID, SupervisorID: supervisorID, StartedAt: now}

	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var prev models.MonitoringSession
		if json.Unmarshal(raw, &prev) == nil {
			sess.StartedAt = prev.StartedAt
		}
	case !errors.Is(err, redis.Nil):
		return models.MonitoringSession{}, errors.Wrap(err, "load monitoring session")
	}

	sess.ExpiresAt = now.Add(r.ttl)
	payload, err := json.Marshal(sess)
	if err != nil {
		return models.MonitoringSession{}, errors.Wrap(err, "encode monitoring session")
	}
	if err := r.client.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return models.MonitoringSession{}, errors.Wrap(err, "store monitoring session")
	}
	return sess, nil
}

func (r *RedisMonitorRegistry) Stop(ctx context.Context, conversationID, supervisorID string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(conversationID, supervisorID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "delete monitoring session")
	}
	return n > 0, nil
}

func (r *RedisMonitorRegistry) Watchers(ctx context.Context, conversationID string) ([]models.MonitoringSession, error) {
	all, err := r.scan(ctx, r.prefix+":monitor:"+conversationID+":*")
	if err != nil {
		return nil, err
	}
	out := all[conversationID]
	if out == nil {
		out = []models.MonitoringSession{}
	}
	return out, nil
}

func (r *RedisMonitorRegistry) All(ctx context.Context) (map[string][]models.MonitoringSession, error) {
	return r.scan(ctx, r.prefix+":monitor:*")
}

func (r *RedisMonitorRegistry) scan(ctx context.Context, match string) (map[string][]models.MonitoringSession, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan monitoring sessions")
	}

	out := make(map[string][]models.MonitoringSession)
	if len(keys) == 0 {
		return out, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load monitoring sessions")
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var sess models.MonitoringSession
		if err := json.Unmarshal([]byte(s), &sess); err != nil {
			continue
		}
		out[sess.ConversationID] = append(out[sess.ConversationID], sess)
	}
	for _, list := range out {
		sortSessions(list)
	}
	return out, nil
}
