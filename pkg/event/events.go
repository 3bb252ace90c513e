package event

import "time"

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	ConversationUpdated     = "conversation.updated"
	ConversationSystemEvent = "conversation.systemEvent"
	ConversationMessage     = "conversation.message"
	QueueStatsUpdated       = "queue.stats"
	QueueEntryUpdated       = "queue.entry"
	AgentStatusChanged      = "agent.statusChanged"
	MonitoringChanged       = "supervisor.monitoringChanged"
)

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationUpdatedEvent carries the changed fields of a conversation
// (status, assigned agent, active thread, ...).
type ConversationUpdatedEvent struct {
	ConversationID string         `json:"conversation_id"`
	Fields         map[string]any `json:"fields"`
}

func (e ConversationUpdatedEvent) EventName() string { return ConversationUpdated }
func (e ConversationUpdatedEvent) ConversationRef() string { return e.ConversationID }

// ConversationSystemEventEvent is emitted when a system notice is appended to
// a thread, e.g. "Chat assigned to Alice".
type ConversationSystemEventEvent struct {
	ConversationID string         `json:"conversation_id"`
	ThreadID       string         `json:"thread_id"`
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	AgentID        string         `json:"agent_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (e ConversationSystemEventEvent) EventName() string { return ConversationSystemEvent }
func (e ConversationSystemEventEvent) ConversationRef() string { return e.ConversationID }

// ConversationMessageEvent is emitted for every visitor or agent message.
type ConversationMessageEvent struct {
	ConversationID string    `json:"conversation_id"`
	ThreadID       string    `json:"thread_id"`
	EventID        string    `json:"event_id"`
	AuthorType     string    `json:"author_type"`
	AgentID        string    `json:"agent_id,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e ConversationMessageEvent) EventName() string { return ConversationMessage }
func (e ConversationMessageEvent) ConversationRef() string { return e.ConversationID }

// ============================================================================
// Queue Events
// ============================================================================

// QueueStatsEvent is emitted after every queue scan.
type QueueStatsEvent struct {
	Pending           int       `json:"pending"`
	AvgWaitTime       int64     `json:"avg_wait_time"`
	LongestWait       int64     `json:"longest_wait"`
	AtRiskCount       int       `json:"at_risk_count"`
	BreachedCount     int       `json:"breached_count"`
	TotalAssigned     int64     `json:"total_assigned"`
	FailedAssignments int64     `json:"failed_assignments"`
	LastUpdated       time.Time `json:"last_updated"`
}

func (e QueueStatsEvent) EventName() string { return QueueStatsUpdated }

// QueueEntryEvent is the queue position/SLA state of one pending conversation.
type QueueEntryEvent struct {
	ConversationID   string    `json:"conversation_id"`
	WaitTime         int64     `json:"wait_time"`
	SLAStatus        string    `json:"sla_status"`
	SLATimeRemaining int64     `json:"sla_time_remaining"`
	LastChecked      time.Time `json:"last_checked"`
}

func (e QueueEntryEvent) EventName() string { return QueueEntryUpdated }
func (e QueueEntryEvent) ConversationRef() string { return e.ConversationID }

// ============================================================================
// Agent / Supervisor Events
// ============================================================================

// AgentStatusChangedEvent is emitted whenever an agent's presence changes.
type AgentStatusChangedEvent struct {
	AgentID        string `json:"agent_id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	AcceptingChats bool   `json:"accepting_chats"`
	Reason         string `json:"reason"`
}

func (e AgentStatusChangedEvent) EventName() string { return AgentStatusChanged }

// MonitoringChangedEvent is emitted when a supervisor starts or stops
// watching a conversation.
type MonitoringChangedEvent struct {
	ConversationID string `json:"conversation_id"`
	SupervisorID   string `json:"supervisor_id"`
	Active         bool   `json:"active"`
}

func (e MonitoringChangedEvent) EventName() string { return MonitoringChanged }
func (e MonitoringChangedEvent) ConversationRef() string { return e.ConversationID }
