package service

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/metrics"
	"github.com/livedesk/livedesk/pkg/models"
)

const clockLayout = "15:04"

// validateScheduleEntry normalises an entry and rejects bad days, times and
// time zones.
func validateScheduleEntry(e models.ScheduleEntry) (models.ScheduleEntry, error) {
	if e.DayOfWeek < 0 || e.DayOfWeek > 6 {
		return e, errors.Wrapf(ErrInvalidSchedule, "day_of_week %d", e.DayOfWeek)
	}
	start, err := time.Parse(clockLayout, e.StartTime)
	if err != nil {
		return e, errors.Wrapf(ErrInvalidSchedule, "start_time %q", e.StartTime)
	}
	end, err := time.Parse(clockLayout, e.EndTime)
	if err != nil {
		return e, errors.Wrapf(ErrInvalidSchedule, "end_time %q", e.EndTime)
	}
	if end.Before(start) {
		return e, errors.Wrapf(ErrInvalidSchedule, "window %s-%s ends before it starts", e.StartTime, e.EndTime)
	}
	if e.Timezone != "" {
		if _, err := time.LoadLocation(e.Timezone); err != nil {
			return e, errors.Wrapf(ErrInvalidSchedule, "timezone %q", e.Timezone)
		}
	}
	e.StartTime, e.EndTime = start.Format(clockLayout), end.Format(clockLayout)
	return e, nil
}

// withinSchedule reports whether now falls inside any active window. Both
// ends of a window are inclusive to the minute.
func withinSchedule(schedules []db.AgentSchedule, now time.Time) bool {
	for _, sc := range schedules {
		if !sc.IsActive {
			continue
		}
		loc := time.UTC
		if sc.Timezone != "" {
			l, err := time.LoadLocation(sc.Timezone)
			if err != nil {
				continue
			}
			loc = l
		}
		local := now.In(loc)
		day := (int(local.Weekday()) + 6) % 7
		hhmm := local.Format(clockLayout)
		if day == sc.DayOfWeek && hhmm >= sc.StartTime && hhmm <= sc.EndTime {
			return true
		}
	}
	return false
}

func newSchedules(agentID string, entries []models.ScheduleEntry, now time.Time) ([]db.AgentSchedule, error) {
	out := make([]db.AgentSchedule, 0, len(entries))
	for _, e := range entries {
		e, err := validateScheduleEntry(e)
		if err != nil {
			return nil, err
		}
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		out = append(out, db.AgentSchedule{
			ID:        uuid.New().String(),
			AgentID:   agentID,
			DayOfWeek: e.DayOfWeek,
			StartTime: e.StartTime,
			EndTime:   e.EndTime,
			IsActive:  active,
			Timezone:  e.Timezone,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return out, nil
}

// ========== Schedules ==========

// Schedule returns the agent's working windows, ordered by day and start.
func (s *AgentStatusService) Schedule(ctx context.Context, agentID string) (*models.AgentScheduleView, error) {
	agent, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	view := &models.AgentScheduleView{AgentID: agent.ID, Enabled: agent.ScheduleEnabled, Entries: []db.AgentSchedule{}}
	err = s.db.WithContext(ctx).Where("agent_id = ?", agent.ID).
		Order("day_of_week ASC").Order("start_time ASC").
		Find(&view.Entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "load schedule")
	}
	return view, nil
}

// SetSchedule replaces the windows when req.Entries is non-nil and sets the
// schedule flag when req.Enabled is non-nil.
func (s *AgentStatusService) SetSchedule(ctx context.Context, agentID string, req models.UpdateScheduleRequest) (*models.AgentScheduleView, error) {
	now := s.now()
	var rows []db.AgentSchedule
	if req.Entries != nil {
		var err error
		if rows, err = newSchedules(agentID, req.Entries, now); err != nil {
			return nil, err
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent db.Agent
		err := db.ForUpdate(tx).Scopes(db.NotDeleted("")).Where("id = ?", agentID).First(&agent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAgentNotFound
		}
		if err != nil {
			return errors.Wrap(err, "load agent")
		}
		if req.Entries != nil {
			if err := tx.Where("agent_id = ?", agentID).Delete(&db.AgentSchedule{}).Error; err != nil {
				return errors.Wrap(err, "clear schedule")
			}
			if len(rows) > 0 {
				if err := tx.Create(&rows).Error; err != nil {
					return errors.Wrap(err, "save schedule")
				}
			}
		}
		if req.Enabled != nil {
			err := tx.Model(&db.Agent{}).Where("id = ?", agentID).
				Updates(map[string]any{"schedule_enabled": *req.Enabled, "updated_at": now}).Error
			if err != nil {
				return errors.Wrap(err, "update schedule flag")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Schedule(ctx, agentID)
}

// ProcessScheduleAvailability brings offline agents online inside their
// working windows and takes them offline outside. Only agents with
// schedule_enabled are touched. It returns the number of agents changed.
func (s *AgentStatusService) ProcessScheduleAvailability(ctx context.Context) (int, error) {
	gdb := s.db.WithContext(ctx)
	var agents []db.Agent
	if err := gdb.Scopes(db.NotDeleted("")).Where("schedule_enabled = ?", true).Find(&agents).Error; err != nil {
		return 0, errors.Wrap(err, "load scheduled agents")
	}
	if len(agents) == 0 {
		return 0, nil
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	var schedules []db.AgentSchedule
	if err := gdb.Where("agent_id IN ?", ids).Find(&schedules).Error; err != nil {
		return 0, errors.Wrap(err, "load schedules")
	}
	byAgent := make(map[string][]db.AgentSchedule, len(agents))
	for _, sc := range schedules {
		byAgent[sc.AgentID] = append(byAgent[sc.AgentID], sc)
	}

	now := s.now()
	changed := 0
	for _, a := range agents {
		inside := withinSchedule(byAgent[a.ID], now)
		var (
			change statusChange
			err    error
		)
		switch {
		case inside && a.Status == db.AgentStatusOffline:
			change, err = s.transition(ctx, a.ID, []string{db.AgentStatusOffline}, db.AgentStatusOnline, db.StatusReasonSchedule,
				"schedule-based auto-online", "", map[string]any{"last_activity_at": now})
		case !inside && a.Status != db.AgentStatusOffline:
			change, err = s.transition(ctx, a.ID, []string{a.Status}, db.AgentStatusOffline, db.StatusReasonSchedule,
				"schedule-based auto-offline", "", map[string]any{"last_logout_at": now})
		default:
			continue
		}
		if err != nil {
			return changed, err
		}
		if change.changed {
			changed++
			metrics.RecordForcedStatus(db.StatusReasonSchedule)
		}
	}
	return changed, nil
}

// ========== Session Timeout ==========

// ProcessSessionTimeouts takes agents offline whose last activity is older
// than their session timeout. A timeout of zero disables the check for that
// agent. It returns the number of agents logged out.
func (s *AgentStatusService) ProcessSessionTimeouts(ctx context.Context) (int, error) {
	var agents []db.Agent
	err := s.db.WithContext(ctx).Scopes(db.NotDeleted("")).
		Where("status <> ? AND session_timeout_minutes > 0", db.AgentStatusOffline).
		Find(&agents).Error
	if err != nil {
		return 0, errors.Wrap(err, "load signed-in agents")
	}

	now := s.now()
	timedOut := 0
	for _, a := range agents {
		idle := now.Sub(lastSeen(a))
		if idle < time.Duration(a.SessionTimeoutMin)*time.Minute {
			continue
		}
		details := fmt.Sprintf("session timeout after %d minutes of inactivity", int(idle/time.Minute))
		change, err := s.transition(ctx, a.ID, []string{a.Status}, db.AgentStatusOffline, db.StatusReasonSessionTimeout, details, "", map[string]any{
			"last_logout_at": now,
		})
		if err != nil {
			return timedOut, err
		}
		if change.changed {
			timedOut++
			metrics.RecordForcedStatus(db.StatusReasonSessionTimeout)
		}
	}
	return timedOut, nil
}

// ForceLogout takes another agent offline on behalf of a supervisor.
func (s *AgentStatusService) ForceLogout(ctx context.Context, actorID, targetID, reason, ip string) (*db.Agent, error) {
	actor, err := s.Get(ctx, actorID)
	if err != nil {
		return nil, err
	}
	details := reason
	if details == "" {
		details = "forced logout by " + actor.Name
	}
	change, err := s.transition(ctx, targetID, nil, db.AgentStatusOffline, db.StatusReasonForcedLogout, details, ip, map[string]any{
		"last_logout_at": s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent logged out by supervisor",
		zap.String("agent_id", targetID),
		zap.String("actor_id", actorID))
	return &change.agent, nil
}
