package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/metrics"
	"github.com/livedesk/livedesk/pkg/models"
	"github.com/livedesk/livedesk/pkg/realtime"
)

// SchedulerConfig holds the queue timings.
type SchedulerConfig struct {
	PollInterval   time.Duration
	InitialDelay   time.Duration
	AttemptTimeout time.Duration
	SLAWarning     time.Duration
	SLAMax         time.Duration
}

// DefaultSchedulerConfig matches the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:   5 * time.Second,
		InitialDelay:   3 * time.Second,
		AttemptTimeout: 10 * time.Second,
		SLAWarning:     20 * time.Second,
		SLAMax:         30 * time.Second,
	}
}

// QueueScheduler retries pending conversations oldest-first until they are
// assigned. Scans never overlap; a wake-up that arrives during a scan is
// coalesced into the next one.
type QueueScheduler struct {
	db       *gorm.DB
	assigner Assigner
	syncer   realtime.Syncer
	logger   *zap.Logger
	cfg      SchedulerConfig
	now      func() time.Time

	totalAssigned     atomic.Int64
	failedAssignments atomic.Int64

	scanMu sync.Mutex
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	stopped  bool
	inflight sync.WaitGroup
}

func NewQueueScheduler(gdb *gorm.DB, assigner Assigner, syncer realtime.Syncer, cfg SchedulerConfig, logger *zap.Logger) *QueueScheduler {
	def := DefaultSchedulerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.SLAWarning <= 0 {
		cfg.SLAWarning = def.SLAWarning
	}
	if cfg.SLAMax <= 0 {
		cfg.SLAMax = def.SLAMax
	}
	if syncer == nil {
		syncer = realtime.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueScheduler{
		db:       gdb,
		assigner: assigner,
		syncer:   syncer,
		logger:   logger,
		cfg:      cfg,
		now:      utcNow,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
}

// ========== Poller ==========

// Run scans the queue every PollInterval and whenever Trigger is called,
// until ctx is cancelled.
func (s *QueueScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("queue scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("sla_warning", s.cfg.SLAWarning),
		zap.Duration("sla_max", s.cfg.SLAMax))

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			s.logger.Info("queue scheduler stopped")
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if _, err := s.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("queue scan failed", zap.Error(err))
		}
	}
}

// Trigger requests an early scan, e.g. after capacity was freed. It never
// blocks; several triggers before the next scan collapse into one.
func (s *QueueScheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ProcessQueue runs one scan: every pending conversation, oldest first, gets
// one assignment attempt. A failing attempt is counted and logged and the
// scan moves on. It returns the stats of what is still pending afterwards.
func (s *QueueScheduler) ProcessQueue(ctx context.Context) (models.QueueStats, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	start := time.Now()

	pending, err := s.pendingConversations(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}

	for _, conv := range pending {
		if ctx.Err() != nil {
			return models.QueueStats{}, ctx.Err()
		}
		s.attempt(ctx, conv)
	}

	stats, sla, err := s.computeStats(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	metrics.RecordQueueScan(stats.Pending, stats.LongestWait, sla.ok, sla.atRisk, sla.breached, time.Since(start))
	s.push(ctx, "queue_stats", func(pctx context.Context) error { return s.syncer.PushQueueStats(pctx, stats) })

	if len(pending) > 0 {
		s.logger.Debug("queue scan finished",
			zap.Int("scanned", len(pending)),
			zap.Int("still_pending", stats.Pending),
			zap.Duration("elapsed", time.Since(start)))
	}
	return stats, nil
}

func (s *QueueScheduler) attempt(ctx context.Context, conv db.Conversation) {
	defer func() {
		if r := recover(); r != nil {
			s.failedAssignments.Add(1)
			s.logger.Error("assignment attempt panicked",
				zap.String("conversation_id", conv.ID),
				zap.Any("panic", r))
		}
	}()

	actx, cancel := context.WithTimeout(WithTrigger(ctx, TriggerPoller), s.cfg.AttemptTimeout)
	result, err := s.assigner.Assign(actx, conv.ID, "")
	cancel()

	if err != nil {
		s.failedAssignments.Add(1)
		s.logger.Error("assignment attempt failed",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		s.pushEntry(ctx, conv)
		return
	}
	if result.Success {
		s.totalAssigned.Add(1)
		return
	}
	if result.Reason == ReasonNotPending {
		// Closed or assigned elsewhere since the scan started.
		return
	}
	s.pushEntry(ctx, conv)
}

func (s *QueueScheduler) pushEntry(ctx context.Context, conv db.Conversation) {
	entry := s.entry(conv.CreatedAt)
	s.push(ctx, "queue_entry", func(pctx context.Context) error {
		return s.syncer.PushQueueEntry(pctx, conv.ID, entry)
	})
}

func (s *QueueScheduler) push(ctx context.Context, op string, fn func(context.Context) error) {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		recordSyncError(op, err)
		s.logger.Warn("failed to sync queue state", zap.String("operation", op), zap.Error(err))
	}
}

// ========== Delayed First Attempt ==========

// ScheduleInitialAttempt runs one assignment attempt InitialDelay after a
// conversation is created. A failure is only logged; the poller picks the
// conversation up on its next scan.
func (s *QueueScheduler) ScheduleInitialAttempt(conversationID, groupID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[conversationID]; ok {
		t.Stop()
	}
	s.timers[conversationID] = time.AfterFunc(s.cfg.InitialDelay, func() {
		s.timersMu.Lock()
		delete(s.timers, conversationID)
		if s.stopped {
			s.timersMu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.timersMu.Unlock()
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(WithTrigger(s.ctx, TriggerInitial), s.cfg.AttemptTimeout)
		defer cancel()
		result, err := s.assigner.Assign(ctx, conversationID, groupID)
		switch {
		case err != nil:
			s.logger.Warn("initial assignment attempt failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
		case !result.Success:
			s.logger.Debug("initial assignment deferred to queue",
				zap.String("conversation_id", conversationID),
				zap.String("reason", string(result.Reason)))
		}
	})
}

// Stop cancels outstanding initial attempts and waits for running ones.
func (s *QueueScheduler) Stop() {
	s.timersMu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timersMu.Unlock()
	s.cancel()
	s.inflight.Wait()
}

// ========== Stats and SLA ==========

// ClassifySLA maps a wait time to ok, at-risk or breached.
func ClassifySLA(wait, warning, maxWait time.Duration) string {
	switch {
	case wait >= maxWait:
		return models.SLAStatusBreached
	case wait >= warning:
		return models.SLAStatusAtRisk
	default:
		return models.SLAStatusOK
	}
}

func (s *QueueScheduler) entry(createdAt time.Time) models.QueueEntry {
	now := s.now()
	wait := now.Sub(createdAt)
	if wait < 0 {
		wait = 0
	}
	remaining := s.cfg.SLAMax - wait
	if remaining < 0 {
		remaining = 0
	}
	return models.QueueEntry{
		WaitTime:         int64(wait / time.Second),
		SLAStatus:        ClassifySLA(wait, s.cfg.SLAWarning, s.cfg.SLAMax),
		SLATimeRemaining: int64(remaining / time.Second),
		LastChecked:      now,
	}
}

type slaCounts struct {
	ok, atRisk, breached int
}

func (s *QueueScheduler) computeStats(ctx context.Context) (models.QueueStats, slaCounts, error) {
	pending, err := s.pendingConversations(ctx)
	if err != nil {
		return models.QueueStats{}, slaCounts{}, err
	}
	now := s.now()
	stats := models.QueueStats{
		Pending:           len(pending),
		TotalAssigned:     s.totalAssigned.Load(),
		FailedAssignments: s.failedAssignments.Load(),
		LastUpdated:       now,
	}
	var counts slaCounts
	var totalWait time.Duration
	for _, conv := range pending {
		wait := now.Sub(conv.CreatedAt)
		if wait < 0 {
			wait = 0
		}
		totalWait += wait
		if secs := int64(wait / time.Second); secs > stats.LongestWait {
			stats.LongestWait = secs
		}
		switch ClassifySLA(wait, s.cfg.SLAWarning, s.cfg.SLAMax) {
		case models.SLAStatusBreached:
			counts.breached++
		case models.SLAStatusAtRisk:
			counts.atRisk++
		default:
			counts.ok++
		}
	}
	if len(pending) > 0 {
		stats.AvgWaitTime = int64(totalWait/time.Duration(len(pending))) / int64(time.Second)
	}
	stats.BreachedCount = counts.breached
	stats.AtRiskCount = counts.atRisk + counts.breached
	return stats, counts, nil
}

// Stats returns the current queue summary without running assignments.
func (s *QueueScheduler) Stats(ctx context.Context) (models.QueueStats, error) {
	stats, _, err := s.computeStats(ctx)
	return stats, err
}

// Counters returns the lifetime assignment counters of the poller.
func (s *QueueScheduler) Counters() (totalAssigned, failedAssignments int64) {
	return s.totalAssigned.Load(), s.failedAssignments.Load()
}

func (s *QueueScheduler) pendingConversations(ctx context.Context) ([]db.Conversation, error) {
	var pending []db.Conversation
	err := s.db.WithContext(ctx).
		Where("status = ?", db.ConversationStatusPending).
		Order("created_at ASC").
		Order("id ASC").
		Find(&pending).Error
	if err != nil {
		return nil, errors.Wrap(err, "list pending conversations")
	}
	return pending, nil
}

// PendingConversations lists the queue oldest first with visitor and group
// details for supervisors.
func (s *QueueScheduler) PendingConversations(ctx context.Context) ([]models.PendingConversation, error) {
	var rows []struct {
		ID           string
		VisitorID    string
		VisitorName  string
		VisitorEmail string
		GroupID      string
		GroupName    string
		CreatedAt    time.Time
	}
	err := s.db.WithContext(ctx).
		Table("conversations").
		Select("conversations.id, conversations.visitor_id, COALESCE(visitors.name, '') AS visitor_name, COALESCE(visitors.email, '') AS visitor_email, conversations.group_id, COALESCE(chat_groups.name, '') AS group_name, conversations.created_at").
		Joins("LEFT JOIN visitors ON visitors.id = conversations.visitor_id").
		Joins("LEFT JOIN chat_groups ON chat_groups.id = conversations.group_id").
		Where("conversations.status = ?", db.ConversationStatusPending).
		Order("conversations.created_at ASC").
		Order("conversations.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list pending conversations")
	}

	out := make([]models.PendingConversation, 0, len(rows))
	for _, r := range rows {
		e := s.entry(r.CreatedAt)
		out = append(out, models.PendingConversation{
			ID:           r.ID,
			VisitorID:    r.VisitorID,
			VisitorName:  r.VisitorName,
			VisitorEmail: r.VisitorEmail,
			GroupID:      r.GroupID,
			GroupName:    r.GroupName,
			CreatedAt:    r.CreatedAt,
			WaitTime:     e.WaitTime,
			SLAStatus:    e.SLAStatus,
		})
	}
	return out, nil
}
