// Database models for agents, groups and their membership
package db

import "time"

// Agent is a human operator who can be assigned conversations.
type Agent struct {
	ID                 string     `json:"id" gorm:"primaryKey;size:36"`
	Name               string     `json:"name" gorm:"size:100;not null"`
	Email              string     `json:"email" gorm:"size:255;uniqueIndex;not null"`
	PasswordHash       string     `json:"-" gorm:"size:255"`
	Role               string     `json:"role" gorm:"size:20;not null"`
	Status             string     `json:"status" gorm:"size:20;not null;index"`
	AcceptingChats     bool       `json:"accepting_chats"`
	MaxConcurrentChats int        `json:"max_concurrent_chats"`
	Avatar             string     `json:"avatar,omitempty" gorm:"size:500"`
	AutoAwayMinutes    int        `json:"auto_away_minutes"`
	SessionTimeoutMin  int        `json:"session_timeout_minutes" gorm:"column:session_timeout_minutes"`
	ScheduleEnabled    bool       `json:"schedule_enabled"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	LastLogoutAt       *time.Time `json:"last_logout_at,omitempty"`
	IsDeleted          bool       `json:"-" gorm:"index"`
	DeletedAt          *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (Agent) TableName() string {
	return "agents"
}

// Agent roles
const (
	AgentRoleAgent      = "agent"
	AgentRoleSupervisor = "supervisor"
	AgentRoleAdmin      = "admin"
)

// Agent status
const (
	AgentStatusOnline    = "online"
	AgentStatusOffline   = "offline"
	AgentStatusAway      = "away"
	AgentStatusBusy      = "busy"
	AgentStatusAvailable = "available"
)

// Agent defaults applied on creation
const (
	DefaultMaxConcurrentChats    = 5
	DefaultAutoAwayMinutes       = 15
	DefaultSessionTimeoutMinutes = 60
)

// ValidAgentStatus reports whether s is a known agent status.
func ValidAgentStatus(s string) bool {
	switch s {
	case AgentStatusOnline, AgentStatusOffline, AgentStatusAway, AgentStatusBusy, AgentStatusAvailable:
		return true
	}
	return false
}

// Group is a routing pool of agents with a selection strategy.
type Group struct {
	ID              string     `json:"id" gorm:"primaryKey;size:36"`
	Name            string     `json:"name" gorm:"size:100;uniqueIndex;not null"`
	Description     string     `json:"description,omitempty" gorm:"type:text"`
	RoutingStrategy string     `json:"routing_strategy" gorm:"size:20;not null"`
	IsDefault       bool       `json:"is_default" gorm:"index"`
	IsDeleted       bool       `json:"-" gorm:"index"`
	DeletedAt       *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Group) TableName() string {
	return "chat_groups"
}

// Routing strategies
const (
	RoutingRoundRobin  = "round_robin"
	RoutingLeastLoaded = "least_loaded"
	RoutingSticky      = "sticky"
)

// AgentGroup is the many-to-many membership between agents and groups.
type AgentGroup struct {
	AgentID   string    `json:"agent_id" gorm:"primaryKey;size:36"`
	GroupID   string    `json:"group_id" gorm:"primaryKey;size:36;index"`
	CreatedAt time.Time `json:"created_at"`
}

func (AgentGroup) TableName() string {
	return "agent_groups"
}

// AgentStatusLog records every presence change of an agent.
type AgentStatusLog struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	AgentID        string    `json:"agent_id" gorm:"index;size:36;not null"`
	PreviousStatus string    `json:"previous_status" gorm:"size:20"`
	NewStatus      string    `json:"new_status" gorm:"size:20;not null"`
	Reason         string    `json:"reason" gorm:"size:30;not null"`
	Details        string    `json:"details,omitempty" gorm:"type:text"`
	IPAddress      string    `json:"ip_address,omitempty" gorm:"size:64"`
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
}

func (AgentStatusLog) TableName() string {
	return "agent_status_logs"
}

// Status change reasons
const (
	StatusReasonManual         = "manual"
	StatusReasonAutoAway       = "auto_away"
	StatusReasonOverload       = "overload"
	StatusReasonLogin          = "login"
	StatusReasonLogout         = "logout"
	StatusReasonSystem         = "system"
	StatusReasonSessionTimeout = "session_timeout"
	StatusReasonSchedule       = "schedule"
	StatusReasonForcedLogout   = "forced_logout"
)

// AgentSchedule is one working window of an agent. DayOfWeek counts from
// Monday = 0; StartTime and EndTime are "HH:MM" in Timezone (UTC when empty).
type AgentSchedule struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	AgentID   string    `json:"agent_id" gorm:"index:idx_agent_schedules_agent_day,priority:1;size:36;not null"`
	DayOfWeek int       `json:"day_of_week" gorm:"index:idx_agent_schedules_agent_day,priority:2"`
	StartTime string    `json:"start_time" gorm:"size:5;not null"`
	EndTime   string    `json:"end_time" gorm:"size:5;not null"`
	IsActive  bool      `json:"is_active"`
	Timezone  string    `json:"timezone,omitempty" gorm:"size:50"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AgentSchedule) TableName() string {
	return "agent_schedules"
}
