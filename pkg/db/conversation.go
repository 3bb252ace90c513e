// Database models for visitors, conversations, threads and events
package db

import "time"

// Visitor is the anonymous end user on the website side of a chat.
type Visitor struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	Name         string    `json:"name,omitempty" gorm:"size:100"`
	Email        string    `json:"email,omitempty" gorm:"size:255"`
	Phone        string    `json:"phone,omitempty" gorm:"size:50"`
	UserAgent    string    `json:"user_agent,omitempty" gorm:"type:text"`
	IPAddress    string    `json:"ip_address,omitempty" gorm:"size:64"`
	Referrer     string    `json:"referrer,omitempty" gorm:"type:text"`
	Metadata     JSONMap   `json:"metadata,omitempty" gorm:"type:json"`
	SessionToken string    `json:"-" gorm:"size:64;uniqueIndex;not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Visitor) TableName() string {
	return "visitors"
}

// Conversation is a chat session between one visitor and at most one agent.
// Empty AssignedAgentID, GroupID or ActiveThreadID mean "none".
type Conversation struct {
	ID              string    `json:"id" gorm:"primaryKey;size:36"`
	VisitorID       string    `json:"visitor_id" gorm:"index;size:36;not null"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty" gorm:"index:idx_conversations_agent_status,priority:1;size:36"`
	GroupID         string    `json:"group_id,omitempty" gorm:"index;size:36"`
	Status          string    `json:"status" gorm:"size:20;not null;index:idx_conversations_agent_status,priority:2;index:idx_conversations_status_created,priority:1"`
	ActiveThreadID  string    `json:"active_thread_id,omitempty" gorm:"size:36"`
	Notes           string    `json:"notes,omitempty" gorm:"type:text"`
	CreatedAt       time.Time `json:"created_at" gorm:"index:idx_conversations_status_created,priority:2"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Conversation status
const (
	ConversationStatusPending  = "pending"
	ConversationStatusActive   = "active"
	ConversationStatusResolved = "resolved"
	ConversationStatusClosed   = "closed"
)

// Thread is a contiguous segment of a conversation. A conversation has at
// most one active thread; a closed thread is never reopened.
type Thread struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string     `json:"conversation_id" gorm:"index;size:36;not null"`
	Status         string     `json:"status" gorm:"size:20;not null"`
	ClosedBy       string     `json:"closed_by,omitempty" gorm:"size:20"`
	ClosedReason   string     `json:"closed_reason,omitempty" gorm:"size:100"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Events []Event `json:"events,omitempty" gorm:"-"`
}

func (Thread) TableName() string {
	return "threads"
}

// Thread status
const (
	ThreadStatusActive = "active"
	ThreadStatusClosed = "closed"
)

// Thread closers
const (
	ClosedByAgent   = "agent"
	ClosedBySystem  = "system"
	ClosedByVisitor = "visitor"
)

// Event is an append-only message or system notice inside a thread.
type Event struct {
	ID          string     `json:"id" gorm:"primaryKey;size:36"`
	ThreadID    string     `json:"thread_id" gorm:"index;size:36;not null"`
	Type        string     `json:"type" gorm:"size:20;not null"`
	AuthorType  string     `json:"author_type" gorm:"size:20;not null"`
	AgentID     string     `json:"agent_id,omitempty" gorm:"index;size:36"`
	Content     string     `json:"content" gorm:"type:text"`
	Metadata    JSONMap    `json:"metadata,omitempty" gorm:"type:json"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
}

func (Event) TableName() string {
	return "events"
}

// Event types
const (
	EventTypeMessage = "message"
	EventTypeSystem  = "system"
)

// Event authors
const (
	AuthorVisitor = "visitor"
	AuthorAgent   = "agent"
	AuthorSystem  = "system"
)
