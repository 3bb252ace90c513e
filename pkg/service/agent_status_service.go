package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/auth"
	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/event"
	"github.com/livedesk/livedesk/pkg/metrics"
	"github.com/livedesk/livedesk/pkg/models"
)

// QueueTrigger wakes the queue scheduler early.
type QueueTrigger interface {
	Trigger()
}

// AgentStatusService manages agent presence: the status and accepting_chats
// inputs of eligibility.
type AgentStatusService struct {
	db      *gorm.DB
	issuer  *auth.TokenIssuer
	emitter *event.Emitter
	queue   QueueTrigger
	logger  *zap.Logger
	now     func() time.Time
}

func NewAgentStatusService(gdb *gorm.DB, issuer *auth.TokenIssuer, emitter *event.Emitter, queue QueueTrigger, logger *zap.Logger) *AgentStatusService {
	if emitter == nil {
		emitter = event.Global()
	}
	return &AgentStatusService{
		db:      gdb,
		issuer:  issuer,
		emitter: emitter,
		queue:   queue,
		logger:  logger,
		now:     utcNow,
	}
}

type statusChange struct {
	agent    db.Agent
	previous string
	changed  bool
}

// transition moves an agent to status under a row lock. When from is not
// empty the agent must currently be in one of those states, otherwise
// nothing happens. extra columns are written along with the status.
func (s *AgentStatusService) transition(ctx context.Context, agentID string, from []string, to, reason, details, ip string, extra map[string]any) (statusChange, error) {
	now := s.now()
	var out statusChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent db.Agent
		err := db.ForUpdate(tx).Scopes(db.NotDeleted("")).Where("id = ?", agentID).First(&agent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAgentNotFound
		}
		if err != nil {
			return errors.Wrap(err, "load agent")
		}
		out.agent, out.previous = agent, agent.Status
		if len(from) > 0 && !containsString(from, agent.Status) {
			return nil
		}

		fields := map[string]any{"status": to, "updated_at": now}
		for k, v := range extra {
			fields[k] = v
		}
		if err := tx.Model(&db.Agent{}).Where("id = ?", agent.ID).Updates(fields).Error; err != nil {
			return errors.Wrap(err, "update agent status")
		}
		if agent.Status != to || reason == db.StatusReasonLogin || reason == db.StatusReasonLogout {
			entry := db.AgentStatusLog{
				ID:             uuid.New().String(),
				AgentID:        agent.ID,
				PreviousStatus: agent.Status,
				NewStatus:      to,
				Reason:         reason,
				Details:        details,
				IPAddress:      ip,
				CreatedAt:      now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return errors.Wrap(err, "record status change")
			}
		}
		out.changed = agent.Status != to
		return tx.Where("id = ?", agent.ID).First(&out.agent).Error
	})
	if err != nil {
		return statusChange{}, err
	}
	if out.changed {
		s.announce(out.agent, out.previous, reason)
	}
	return out, nil
}

func (s *AgentStatusService) announce(agent db.Agent, previous, reason string) {
	s.emitter.Emit(event.AgentStatusChangedEvent{
		AgentID:        agent.ID,
		PreviousStatus: previous,
		NewStatus:      agent.Status,
		AcceptingChats: agent.AcceptingChats,
		Reason:         reason,
	})
	if agent.Status == db.AgentStatusOnline && agent.AcceptingChats && s.queue != nil {
		s.queue.Trigger()
	}
	s.logger.Info("agent status changed",
		zap.String("agent_id", agent.ID),
		zap.String("from", previous),
		zap.String("to", agent.Status),
		zap.String("reason", reason))
}

// ========== Session ==========

// Login verifies credentials, marks the agent online and issues a token.
func (s *AgentStatusService) Login(ctx context.Context, email, password, ip string) (*models.LoginResponse, error) {
	var agent db.Agent
	err := s.db.WithContext(ctx).Scopes(db.NotDeleted("")).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, errors.Wrap(err, "load agent")
	}
	if !auth.CheckPassword(agent.PasswordHash, password) {
		s.logger.Warn("login rejected", zap.String("agent_id", agent.ID), zap.String("ip", ip))
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	change, err := s.transition(ctx, agent.ID, nil, db.AgentStatusOnline, db.StatusReasonLogin, "", ip, map[string]any{
		"last_login_at":    now,
		"last_activity_at": now,
	})
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.issuer.Issue(change.agent.ID, change.agent.Role)
	if err != nil {
		return nil, err
	}
	return &models.LoginResponse{Token: token, ExpiresAt: expiresAt, Agent: change.agent}, nil
}

// Logout marks the agent offline.
func (s *AgentStatusService) Logout(ctx context.Context, agentID, ip string) error {
	_, err := s.transition(ctx, agentID, nil, db.AgentStatusOffline, db.StatusReasonLogout, "", ip, map[string]any{
		"last_logout_at": s.now(),
	})
	return err
}

// ========== Presence ==========

// UpdateStatus sets a status chosen by the agent.
func (s *AgentStatusService) UpdateStatus(ctx context.Context, agentID, status, ip string) (*db.Agent, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !db.ValidAgentStatus(status) {
		return nil, ErrInvalidStatus
	}
	change, err := s.transition(ctx, agentID, nil, status, db.StatusReasonManual, "", ip, map[string]any{
		"last_activity_at": s.now(),
	})
	if err != nil {
		return nil, err
	}
	return &change.agent, nil
}

// SetAcceptingChats toggles whether the agent takes new conversations.
func (s *AgentStatusService) SetAcceptingChats(ctx context.Context, agentID string, accepting bool) (*db.Agent, error) {
	gdb := s.db.WithContext(ctx)
	res := gdb.Model(&db.Agent{}).Scopes(db.NotDeleted("")).Where("id = ?", agentID).
		Updates(map[string]any{"accepting_chats": accepting, "updated_at": s.now()})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "update accepting chats")
	}
	if res.RowsAffected == 0 {
		return nil, ErrAgentNotFound
	}
	var agent db.Agent
	if err := gdb.Where("id = ?", agentID).First(&agent).Error; err != nil {
		return nil, errors.Wrap(err, "load agent")
	}

	s.emitter.Emit(event.AgentStatusChangedEvent{
		AgentID:        agent.ID,
		PreviousStatus: agent.Status,
		NewStatus:      agent.Status,
		AcceptingChats: agent.AcceptingChats,
		Reason:         db.StatusReasonManual,
	})
	if accepting && agent.Status == db.AgentStatusOnline && s.queue != nil {
		s.queue.Trigger()
	}
	return &agent, nil
}

// RecordActivity is the agent heartbeat. An away agent comes back online.
func (s *AgentStatusService) RecordActivity(ctx context.Context, agentID string) (*db.Agent, error) {
	now := s.now()
	change, err := s.transition(ctx, agentID, []string{db.AgentStatusAway}, db.AgentStatusOnline, db.StatusReasonSystem, "activity resumed", "", map[string]any{
		"last_activity_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !change.changed {
		err := s.db.WithContext(ctx).Model(&db.Agent{}).Where("id = ?", agentID).Update("last_activity_at", now).Error
		if err != nil {
			return nil, errors.Wrap(err, "record activity")
		}
		change.agent.LastActivityAt = &now
	}
	return &change.agent, nil
}

// ProcessAutoAway moves online agents idle for their auto-away window to
// away. It returns the number of agents moved.
func (s *AgentStatusService) ProcessAutoAway(ctx context.Context) (int, error) {
	var agents []db.Agent
	err := s.db.WithContext(ctx).Scopes(db.NotDeleted("")).
		Where("status = ? AND auto_away_minutes > 0", db.AgentStatusOnline).
		Find(&agents).Error
	if err != nil {
		return 0, errors.Wrap(err, "load online agents")
	}

	now := s.now()
	moved := 0
	for _, a := range agents {
		last := lastSeen(a)
		idle := now.Sub(last)
		if idle < time.Duration(a.AutoAwayMinutes)*time.Minute {
			continue
		}
		change, err := s.transition(ctx, a.ID, []string{db.AgentStatusOnline}, db.AgentStatusAway, db.StatusReasonAutoAway,
			"inactive for "+idle.Truncate(time.Second).String(), "", nil)
		if err != nil {
			return moved, err
		}
		if change.changed {
			moved++
			metrics.RecordForcedStatus(db.StatusReasonAutoAway)
		}
	}
	return moved, nil
}

func lastSeen(a db.Agent) time.Time {
	switch {
	case a.LastActivityAt != nil:
		return *a.LastActivityAt
	case a.LastLoginAt != nil:
		return *a.LastLoginAt
	}
	return a.UpdatedAt
}

// ProcessOverload marks online agents at capacity busy, and puts agents it
// previously marked busy back online once they have room. It returns the
// number of agents changed.
func (s *AgentStatusService) ProcessOverload(ctx context.Context) (int, error) {
	gdb := s.db.WithContext(ctx)
	var agents []db.Agent
	err := gdb.Scopes(db.NotDeleted("")).
		Where("status IN ?", []string{db.AgentStatusOnline, db.AgentStatusBusy}).
		Find(&agents).Error
	if err != nil {
		return 0, errors.Wrap(err, "load agents")
	}
	if len(agents) == 0 {
		return 0, nil
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	load, err := countActiveChats(gdb, ids)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, a := range agents {
		n := load[a.ID]
		var change statusChange
		switch {
		case a.Status == db.AgentStatusOnline && n >= a.MaxConcurrentChats:
			change, err = s.transition(ctx, a.ID, []string{db.AgentStatusOnline}, db.AgentStatusBusy, db.StatusReasonOverload, "at capacity", "", nil)
		case a.Status == db.AgentStatusBusy && n < a.MaxConcurrentChats:
			auto, lerr := s.busyFromOverload(ctx, a.ID)
			if lerr != nil {
				return changed, lerr
			}
			if !auto {
				continue
			}
			change, err = s.transition(ctx, a.ID, []string{db.AgentStatusBusy}, db.AgentStatusOnline, db.StatusReasonOverload, "capacity available", "", nil)
		default:
			continue
		}
		if err != nil {
			return changed, err
		}
		if change.changed {
			changed++
		}
	}
	return changed, nil
}

// busyFromOverload reports whether the agent's latest status change was the
// overload check, so a busy status chosen by hand is left alone.
func (s *AgentStatusService) busyFromOverload(ctx context.Context, agentID string) (bool, error) {
	var last db.AgentStatusLog
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).
		Order("created_at DESC").Order("id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "load last status change")
	}
	return last.Reason == db.StatusReasonOverload && last.NewStatus == db.AgentStatusBusy, nil
}

// ========== Views ==========

// Get returns a non-deleted agent.
func (s *AgentStatusService) Get(ctx context.Context, agentID string) (*db.Agent, error) {
	var agent db.Agent
	err := s.db.WithContext(ctx).Scopes(db.NotDeleted("")).Where("id = ?", agentID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load agent")
	}
	return &agent, nil
}

// Workload lists every agent with its active conversation count.
func (s *AgentStatusService) Workload(ctx context.Context) ([]models.AgentWorkload, error) {
	agents, load, err := s.agentsWithLoad(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.AgentWorkload, 0, len(agents))
	for _, a := range agents {
		w := models.AgentWorkload{
			AgentID:            a.ID,
			Name:               a.Name,
			Status:             a.Status,
			AcceptingChats:     a.AcceptingChats,
			ActiveChats:        load[a.ID],
			MaxConcurrentChats: a.MaxConcurrentChats,
		}
		if a.MaxConcurrentChats > 0 {
			w.Utilization = float64(w.ActiveChats) / float64(a.MaxConcurrentChats)
		}
		out = append(out, w)
	}
	return out, nil
}

// Availability counts agents by presence. Available agents are online,
// accepting and below capacity.
func (s *AgentStatusService) Availability(ctx context.Context) (models.AgentAvailability, error) {
	agents, load, err := s.agentsWithLoad(ctx)
	if err != nil {
		return models.AgentAvailability{}, err
	}
	var out models.AgentAvailability
	for _, a := range agents {
		out.Total++
		switch a.Status {
		case db.AgentStatusOnline:
			out.Online++
		case db.AgentStatusAway:
			out.Away++
		case db.AgentStatusBusy:
			out.Busy++
		case db.AgentStatusOffline:
			out.Offline++
		}
		if a.Status == db.AgentStatusOnline && a.AcceptingChats {
			out.Accepting++
			if load[a.ID] < a.MaxConcurrentChats {
				out.Available++
			}
		}
	}
	return out, nil
}

func (s *AgentStatusService) agentsWithLoad(ctx context.Context) ([]db.Agent, map[string]int, error) {
	gdb := s.db.WithContext(ctx)
	var agents []db.Agent
	if err := gdb.Scopes(db.NotDeleted("")).Order("name ASC").Find(&agents).Error; err != nil {
		return nil, nil, errors.Wrap(err, "load agents")
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	load, err := countActiveChats(gdb, ids)
	if err != nil {
		return nil, nil, err
	}
	return agents, load, nil
}

// StatusHistory returns the agent's latest status changes, newest first.
func (s *AgentStatusService) StatusHistory(ctx context.Context, agentID string, limit int) ([]db.AgentStatusLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var logs []db.AgentStatusLog
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Find(&logs).Error
	if err != nil {
		return nil, errors.Wrap(err, "load status history")
	}
	return logs, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ========== Sweeper ==========

// AgentSweeper runs the periodic presence checks.
type AgentSweeper struct {
	status           *AgentStatusService
	autoAwayInterval time.Duration
	scheduleInterval time.Duration
	sessionInterval  time.Duration
	overloadInterval time.Duration
	overload         bool
	logger           *zap.Logger
}

// NewAgentSweeper checks auto-away and schedules every autoAwayInterval and
// session timeouts every five minutes. The overload check only runs when
// overload is set.
func NewAgentSweeper(status *AgentStatusService, autoAwayInterval time.Duration, overload bool, logger *zap.Logger) *AgentSweeper {
	if autoAwayInterval <= 0 {
		autoAwayInterval = time.Minute
	}
	return &AgentSweeper{
		status:           status,
		autoAwayInterval: autoAwayInterval,
		scheduleInterval: autoAwayInterval,
		sessionInterval:  5 * time.Minute,
		overloadInterval: 30 * time.Second,
		overload:         overload,
		logger:           logger,
	}
}

// Run blocks until ctx is done.
func (w *AgentSweeper) Run(ctx context.Context) {
	away := time.NewTicker(w.autoAwayInterval)
	defer away.Stop()
	schedule := time.NewTicker(w.scheduleInterval)
	defer schedule.Stop()
	session := time.NewTicker(w.sessionInterval)
	defer session.Stop()

	var overload <-chan time.Time
	if w.overload {
		t := time.NewTicker(w.overloadInterval)
		defer t.Stop()
		overload = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-away.C:
			w.sweep(ctx, "auto-away", "agents marked away", w.status.ProcessAutoAway)
		case <-schedule.C:
			w.sweep(ctx, "schedule", "agent presence set by schedule", w.status.ProcessScheduleAvailability)
		case <-session.C:
			w.sweep(ctx, "session timeout", "agents logged out after inactivity", w.status.ProcessSessionTimeouts)
		case <-overload:
			w.sweep(ctx, "overload", "agent overload states updated", w.status.ProcessOverload)
		}
	}
}

func (w *AgentSweeper) sweep(ctx context.Context, name, done string, check func(context.Context) (int, error)) {
	n, err := check(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error(name+" check failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		w.logger.Info(done, zap.Int("count", n))
	}
}
