package models

import (
	"time"

	"github.com/livedesk/livedesk/pkg/db"
)

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Agent     db.Agent  `json:"agent"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type UpdateAcceptingRequest struct {
	AcceptingChats *bool `json:"accepting_chats" binding:"required"`
}

// AgentWorkload is one row of the supervisor workload view.
type AgentWorkload struct {
	AgentID            string  `json:"agent_id"`
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	AcceptingChats     bool    `json:"accepting_chats"`
	ActiveChats        int     `json:"active_chats"`
	MaxConcurrentChats int     `json:"max_concurrent_chats"`
	Utilization        float64 `json:"utilization"`
}

// AgentAvailability counts agents by presence.
type AgentAvailability struct {
	Total     int `json:"total"`
	Online    int `json:"online"`
	Away      int `json:"away"`
	Busy      int `json:"busy"`
	Offline   int `json:"offline"`
	Available int `json:"available"`
	Accepting int `json:"accepting"`
}

// ScheduleEntry is one working window. DayOfWeek counts from Monday = 0,
// times are "HH:MM" in Timezone (an IANA name, UTC when empty).
type ScheduleEntry struct {
	DayOfWeek int    `json:"day_of_week" yaml:"day_of_week"`
	StartTime string `json:"start_time" yaml:"start_time"`
	EndTime   string `json:"end_time" yaml:"end_time"`
	Timezone  string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Active    *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// UpdateScheduleRequest replaces the agent's windows when Entries is set and
// toggles schedule-driven presence when Enabled is set.
type UpdateScheduleRequest struct {
	Enabled *bool           `json:"enabled"`
	Entries []ScheduleEntry `json:"entries"`
}

type AgentScheduleView struct {
	AgentID string             `json:"agent_id"`
	Enabled bool               `json:"enabled"`
	Entries []db.AgentSchedule `json:"entries"`
}

type ForceLogoutRequest struct {
	Reason string `json:"reason"`
}
