package db

import "time"

// AssignmentLog is an append-only record of one step of an assignment attempt.
type AssignmentLog struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string    `json:"conversation_id" gorm:"index;size:36;not null"`
	VisitorID      string    `json:"visitor_id,omitempty" gorm:"size:36"`
	GroupID        string    `json:"group_id,omitempty" gorm:"size:36"`
	GroupName      string    `json:"group_name,omitempty" gorm:"size:100"`
	AgentID        string    `json:"agent_id,omitempty" gorm:"index;size:36"`
	AgentName      string    `json:"agent_name,omitempty" gorm:"size:100"`
	Type           string    `json:"type" gorm:"size:40;not null;index"`
	Level          string    `json:"level" gorm:"size:10;not null"`
	Message        string    `json:"message" gorm:"type:text"`
	Metadata       JSONMap   `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
}

func (AssignmentLog) TableName() string {
	return "assignment_logs"
}

// Assignment log types
const (
	LogAssignmentStarted   = "assignment_started"
	LogNoGroupFound        = "no_group_found"
	LogNoAgentsInGroup     = "no_agents_in_group"
	LogNoOnlineAgents      = "no_online_agents"
	LogNoAcceptingAgents   = "no_accepting_agents"
	LogAllAgentsAtCapacity = "all_agents_at_capacity"
	LogAgentSelected       = "agent_selected"
	LogAssignmentSuccess   = "assignment_success"
	LogAssignmentFailed    = "assignment_failed"
)

// Assignment log levels
const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
	LogLevelSuccess = "success"
)
