package models

import "time"

// SLA states of a waiting conversation
const (
	SLAStatusOK       = "ok"
	SLAStatusAtRisk   = "at-risk"
	SLAStatusBreached = "breached"
)

// QueueStats summarises the pending queue after a scan. Durations are seconds.
type QueueStats struct {
	Pending           int       `json:"pending"`
	AvgWaitTime       int64     `json:"avg_wait_time"`
	LongestWait       int64     `json:"longest_wait"`
	AtRiskCount       int       `json:"at_risk_count"`
	BreachedCount     int       `json:"breached_count"`
	TotalAssigned     int64     `json:"total_assigned"`
	FailedAssignments int64     `json:"failed_assignments"`
	LastUpdated       time.Time `json:"last_updated"`
}

// QueueEntry is the live SLA state of one pending conversation.
type QueueEntry struct {
	WaitTime         int64     `json:"wait_time"`
	SLAStatus        string    `json:"sla_status"`
	SLATimeRemaining int64     `json:"sla_time_remaining"`
	LastChecked      time.Time `json:"last_checked"`
}

// PendingConversation is a queue row enriched for supervisors.
type PendingConversation struct {
	ID           string    `json:"id"`
	VisitorID    string    `json:"visitor_id"`
	VisitorName  string    `json:"visitor_name,omitempty"`
	VisitorEmail string    `json:"visitor_email,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	GroupName    string    `json:"group_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	WaitTime     int64     `json:"wait_time"`
	SLAStatus    string    `json:"sla_status"`
}
