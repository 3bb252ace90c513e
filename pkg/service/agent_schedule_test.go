package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/livedesk/livedesk/pkg/db"
	"github.com/livedesk/livedesk/pkg/models"
)

func TestValidateScheduleEntry(t *testing.T) {
	tests := []struct {
		name    string
		entry   models.ScheduleEntry
		wantErr bool
		start   string
	}{
		{name: "ok", entry: models.ScheduleEntry{DayOfWeek: 0, StartTime: "09:00", EndTime: "17:00"}, start: "09:00"},
		{name: "single digit hour", entry: models.ScheduleEntry{DayOfWeek: 6, StartTime: "8:15", EndTime: "12:00"}, start: "08:15"},
		{name: "zero length window", entry: models.ScheduleEntry{DayOfWeek: 3, StartTime: "10:00", EndTime: "10:00"}, start: "10:00"},
		{name: "time zone", entry: models.ScheduleEntry{DayOfWeek: 1, StartTime: "09:00", EndTime: "17:00", Timezone: "America/New_York"}, start: "09:00"},
		{name: "day too large", entry: models.ScheduleEntry{DayOfWeek: 7, StartTime: "09:00", EndTime: "17:00"}, wantErr: true},
		{name: "negative day", entry: models.ScheduleEntry{DayOfWeek: -1, StartTime: "09:00", EndTime: "17:00"}, wantErr: true},
		{name: "bad start", entry: models.ScheduleEntry{StartTime: "9am", EndTime: "17:00"}, wantErr: true},
		{name: "bad end", entry: models.ScheduleEntry{StartTime: "09:00", EndTime: "25:00"}, wantErr: true},
		{name: "ends before start", entry: models.ScheduleEntry{StartTime: "17:00", EndTime: "09:00"}, wantErr: true},
		{name: "unknown zone", entry: models.ScheduleEntry{StartTime: "09:00", EndTime: "17:00", Timezone: "Mars/Olympus"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateScheduleEntry(tt.entry)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSchedule) {
					t.Fatalf("validateScheduleEntry() error = %v, want %v", err, ErrInvalidSchedule)
				}
				return
			}
			if err != nil {
				t.Fatalf("validateScheduleEntry() error = %v", err)
			}
			if got.StartTime != tt.start {
				t.Fatalf("StartTime = %q, want %q", got.StartTime, tt.start)
			}
		})
	}
}

func TestWithinSchedule(t *testing.T) {
	// baseTime is Saturday 09:00 UTC, day 5 counting from Monday.
	sat := []db.AgentSchedule{{DayOfWeek: 5, StartTime: "08:00", EndTime: "12:00", IsActive: true}}
	tests := []struct {
		name      string
		schedules []db.AgentSchedule
		now       time.Time
		want      bool
	}{
		{name: "inside", schedules: sat, now: baseTime, want: true},
		{name: "start is inclusive", schedules: sat, now: baseTime.Add(-time.Hour), want: true},
		{name: "end is inclusive", schedules: sat, now: baseTime.Add(3*time.Hour + 59*time.Second), want: true},
		{name: "after end", schedules: sat, now: baseTime.Add(3*time.Hour + time.Minute), want: false},
		{name: "other day", schedules: sat, now: baseTime.Add(24 * time.Hour), want: false},
		{name: "inactive window", schedules: []db.AgentSchedule{{DayOfWeek: 5, StartTime: "08:00", EndTime: "12:00"}}, now: baseTime, want: false},
		{name: "no windows", now: baseTime, want: false},
		{
			name:      "local zone",
			schedules: []db.AgentSchedule{{DayOfWeek: 5, StartTime: "10:00", EndTime: "11:00", IsActive: true, Timezone: "Europe/Paris"}},
			now:       baseTime.Add(30 * time.Minute),
			want:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinSchedule(tt.schedules, tt.now); got != tt.want {
				t.Fatalf("withinSchedule(%s) = %v, want %v", tt.now.Format(time.RFC3339), got, tt.want)
			}
		})
	}
}

func TestSetScheduleAndProcessScheduleAvailability(t *testing.T) {
	gdb := newTestDB(t)
	clk := newClock(baseTime)
	svc := newTestAgentStatusService(t, gdb, clk, &fakeQueue{})
	createAgent(t, gdb, "early", nil, withStatus(db.AgentStatusOffline))
	createAgent(t, gdb, "late", nil)
	createAgent(t, gdb, "free", nil, withStatus(db.AgentStatusOffline))

	if _, err := svc.SetSchedule(context.Background(), "early", models.UpdateScheduleRequest{
		Enabled: ptrTo(true),
		Entries: []models.ScheduleEntry{{DayOfWeek: 5, StartTime: "08:00", EndTime: "12:00"}},
	}); err != nil {
		t.Fatalf("SetSchedule(early) error = %v", err)
	}
	if _, err := svc.SetSchedule(context.Background(), "late", models.UpdateScheduleRequest{
		Enabled: ptrTo(true),
		Entries: []models.ScheduleEntry{{DayOfWeek: 5, StartTime: "18:00", EndTime: "23:00"}},
	}); err != nil {
		t.Fatalf("SetSchedule(late) error = %v", err)
	}
	if _, err := svc.SetSchedule(context.Background(), "ghost", models.UpdateScheduleRequest{Enabled: ptrTo(true)}); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("SetSchedule(ghost) error = %v, want %v", err, ErrAgentNotFound)
	}
	bad := models.UpdateScheduleRequest{Entries: []models.ScheduleEntry{{DayOfWeek: 9, StartTime: "08:00", EndTime: "12:00"}}}
	if _, err := svc.SetSchedule(context.Background(), "early", bad); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("SetSchedule(bad) error = %v, want %v", err, ErrInvalidSchedule)
	}

	n, err := svc.ProcessScheduleAvailability(context.Background())
	if err != nil {
		t.Fatalf("ProcessScheduleAvailability() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ProcessScheduleAvailability() = %d, want 2", n)
	}
	for id, want := range map[string]string{"early": db.AgentStatusOnline, "late": db.AgentStatusOffline, "free": db.AgentStatusOffline} {
		a, _ := svc.Get(context.Background(), id)
		if a.Status != want {
			t.Fatalf("%s status = %q, want %q", id, a.Status, want)
		}
	}
	var logs []db.AgentStatusLog
	gdb.Where("agent_id = ? AND reason = ?", "early", db.StatusReasonSchedule).Find(&logs)
	if len(logs) != 1 || logs[0].NewStatus != db.AgentStatusOnline {
		t.Fatalf("early status logs = %+v, want one schedule entry", logs)
	}

	// A second sweep in the same window changes nothing.
	if n, _ := svc.ProcessScheduleAvailability(context.Background()); n != 0 {
		t.Fatalf("second sweep changed %d agents, want 0", n)
	}

	// Turning the schedule off leaves the agent alone outside the window.
	if _, err := svc.SetSchedule(context.Background(), "early", models.UpdateScheduleRequest{Enabled: ptrTo(false)}); err != nil {
		t.Fatalf("SetSchedule(disable) error = %v", err)
	}
	clk.Advance(6 * time.Hour)
	if n, _ := svc.ProcessScheduleAvailability(context.Background()); n != 0 {
		t.Fatalf("sweep after disabling changed %d agents, want 0", n)
	}
	view, err := svc.Schedule(context.Background(), "early")
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if view.Enabled || len(view.Entries) != 1 {
		t.Fatalf("Schedule() = %+v, want disabled with the window kept", view)
	}
}

func TestProcessSessionTimeouts(t *testing.T) {
	gdb := newTestDB(t)
	clk := newClock(baseTime.Add(2 * time.Hour))
	svc := newTestAgentStatusService(t, gdb, clk, &fakeQueue{})
	stale := baseTime
	fresh := baseTime.Add(110 * time.Minute)
	createAgent(t, gdb, "idle", nil, withLastActivity(stale))
	createAgent(t, gdb, "busy", nil, withLastActivity(fresh))
	createAgent(t, gdb, "unlimited", nil, withLastActivity(stale))
	createAgent(t, gdb, "gone", nil, withStatus(db.AgentStatusOffline), withLastActivity(stale))
	gdb.Model(&db.Agent{}).Where("id IN ?", []string{"idle", "busy", "gone"}).Update("session_timeout_minutes", 60)

	n, err := svc.ProcessSessionTimeouts(context.Background())
	if err != nil {
		t.Fatalf("ProcessSessionTimeouts() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ProcessSessionTimeouts() = %d, want 1", n)
	}
	for id, want := range map[string]string{"idle": db.AgentStatusOffline, "busy": db.AgentStatusOnline, "unlimited": db.AgentStatusOnline} {
		a, _ := svc.Get(context.Background(), id)
		if a.Status != want {
			t.Fatalf("%s status = %q, want %q", id, a.Status, want)
		}
	}
	idle, _ := svc.Get(context.Background(), "idle")
	if idle.LastLogoutAt == nil || !idle.LastLogoutAt.Equal(clk.Now()) {
		t.Fatalf("idle last_logout_at = %v, want %v", idle.LastLogoutAt, clk.Now())
	}
	var logs []db.AgentStatusLog
	gdb.Where("agent_id = ? AND reason = ?", "idle", db.StatusReasonSessionTimeout).Find(&logs)
	if len(logs) != 1 {
		t.Fatalf("idle session timeout logs = %d, want 1", len(logs))
	}
}

func TestForceLogout(t *testing.T) {
	gdb := newTestDB(t)
	svc := newTestAgentStatusService(t, gdb, newClock(baseTime), &fakeQueue{})
	createAgent(t, gdb, "sup", nil, withRole(db.AgentRoleSupervisor))
	createAgent(t, gdb, "a1", nil, withStatus(db.AgentStatusBusy))

	a, err := svc.ForceLogout(context.Background(), "sup", "a1", "", "10.0.0.1")
	if err != nil {
		t.Fatalf("ForceLogout() error = %v", err)
	}
	if a.Status != db.AgentStatusOffline {
		t.Fatalf("ForceLogout() status = %q, want offline", a.Status)
	}
	var entry db.AgentStatusLog
	gdb.Where("agent_id = ? AND reason = ?", "a1", db.StatusReasonForcedLogout).First(&entry)
	if entry.PreviousStatus != db.AgentStatusBusy || entry.Details != "forced logout by Agent sup" || entry.IPAddress != "10.0.0.1" {
		t.Fatalf("status log = %+v, want busy -> offline by Agent sup", entry)
	}

	if _, err := svc.ForceLogout(context.Background(), "sup", "ghost", "", ""); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("ForceLogout(ghost) error = %v, want %v", err, ErrAgentNotFound)
	}
	if _, err := svc.ForceLogout(context.Background(), "nobody", "a1", "", ""); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("ForceLogout(by unknown actor) error = %v, want %v", err, ErrAgentNotFound)
	}
}

func ptrTo[T any](v T) *T { return &v }
