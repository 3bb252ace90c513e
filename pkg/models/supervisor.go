package models

import "time"

// MonitoringSession records that a supervisor is watching a conversation.
type MonitoringSession struct {
	ConversationID string    `json:"conversation_id"`
	SupervisorID   string    `json:"supervisor_id"`
	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type TakeoverRequest struct {
	Reason string `json:"reason"`
}

// SupervisorAction is one entry of the supervisor audit trail.
type SupervisorAction struct {
	Action         string    `json:"action"`
	SupervisorID   string    `json:"supervisor_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Details        string    `json:"details,omitempty"`
	At             time.Time `json:"at"`
}

// SupervisedConversation is a pending or active conversation with its
// monitoring state.
type SupervisedConversation struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	VisitorID       string    `json:"visitor_id"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	GroupID         string    `json:"group_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Monitored       bool      `json:"monitored"`
	MonitoredBy     []string  `json:"monitored_by,omitempty"`
}
