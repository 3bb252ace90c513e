package models

import (
	"time"

	"github.com/livedesk/livedesk/pkg/db"
)

// CreateSessionRequest starts a chat from the website widget.
type CreateSessionRequest struct {
	VisitorName    string         `json:"visitor_name"`
	VisitorEmail   string         `json:"visitor_email"`
	VisitorPhone   string         `json:"visitor_phone"`
	GroupID        string         `json:"group_id"`
	InitialMessage string         `json:"initial_message" binding:"required"`
	Referrer       string         `json:"referrer"`
	Metadata       map[string]any `json:"metadata"`

	// Filled by the handler from the HTTP request.
	UserAgent string `json:"-"`
	IPAddress string `json:"-"`
}

type CreateSessionResponse struct {
	SessionToken   string          `json:"session_token"`
	VisitorID      string          `json:"visitor_id"`
	ConversationID string          `json:"conversation_id"`
	ThreadID       string          `json:"thread_id"`
	GroupID        string          `json:"group_id,omitempty"`
	Conversation   db.Conversation `json:"conversation"`
}

// CreateEventRequest appends a message to a conversation.
type CreateEventRequest struct {
	Content  string         `json:"content" binding:"required"`
	Metadata map[string]any `json:"metadata"`

	// Set by the handler from the authenticated caller.
	AuthorType string `json:"-"`
	AgentID    string `json:"-"`
}

// AssignRequest triggers assignment. With AgentID set the conversation is
// assigned to that agent directly; otherwise the routing engine picks one
// from GroupID (or the conversation's own group).
type AssignRequest struct {
	AgentID string `json:"agent_id"`
	GroupID string `json:"group_id"`
	Reason  string `json:"reason"`
}

// Close reasons
const (
	CloseReasonResolved    = "resolved"
	CloseReasonSpam        = "spam"
	CloseReasonAbandoned   = "abandoned"
	CloseReasonTransferred = "transferred"
	CloseReasonOther       = "other"
)

type CloseRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`

	// Set by the handler from the authenticated caller. ActorType is
	// recorded as the thread's closed_by and defaults to agent.
	ActorType string `json:"-"`
	ActorID   string `json:"-"`
	ActorName string `json:"-"`
}

type ReopenRequest struct {
	// AgentID assigns the reopened conversation directly. Empty sends it
	// back to the queue.
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
	Notes   string `json:"notes"`

	ActorID   string `json:"-"`
	ActorName string `json:"-"`
}

// ConversationDetail is a conversation with its threads and their events.
type ConversationDetail struct {
	db.Conversation
	Visitor *db.Visitor `json:"visitor,omitempty"`
	Threads []db.Thread `json:"threads"`
}

// MarkEventsRequest flags events as delivered or read.
type MarkEventsRequest struct {
	EventIDs []string `json:"event_ids" binding:"required"`
	Read     bool     `json:"read"`
}

// AssignmentLogFilter narrows the assignment log listing.
type AssignmentLogFilter struct {
	ConversationID string
	AgentID        string
	Type           string
	Since          *time.Time
	Limit          int
	Offset         int
}

// Conversation list orderings
const (
	SortNewest = "newest"
	SortOldest = "oldest"
)

// ConversationFilter narrows the conversation listing. Page starts at 1.
type ConversationFilter struct {
	Statuses []string
	AgentID  string
	GroupID  string
	Search   string
	Sort     string
	Page     int
	Limit    int
}

// ConversationListItem is a conversation with the names a list view shows.
type ConversationListItem struct {
	db.Conversation
	VisitorName  string `json:"visitor_name,omitempty"`
	VisitorEmail string `json:"visitor_email,omitempty"`
	AgentName    string `json:"agent_name,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
}

type ConversationPage struct {
	Items      []ConversationListItem `json:"items"`
	Total      int64                  `json:"total"`
	Page       int                    `json:"page"`
	Limit      int                    `json:"limit"`
	TotalPages int                    `json:"total_pages"`
}

// Bulk actions
const (
	BulkActionClose  = "close"
	BulkActionAssign = "assign"
)

type BulkActionRequest struct {
	ConversationIDs []string `json:"conversation_ids" binding:"required"`
	Action          string   `json:"action" binding:"required"`
	AgentID         string   `json:"agent_id"`
	Reason          string   `json:"reason"`
}

type BulkItemResult struct {
	ConversationID string `json:"conversation_id"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

type BulkActionResult struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Results []BulkItemResult `json:"results"`
}

// VisitorConversation is what the widget may see of its own conversation:
// no internal notes and no visitor metadata.
type VisitorConversation struct {
	ID                string      `json:"id"`
	Status            string      `json:"status"`
	AssignedAgentName string      `json:"assigned_agent_name,omitempty"`
	ActiveThreadID    string      `json:"active_thread_id,omitempty"`
	Threads           []db.Thread `json:"threads"`
	CreatedAt         time.Time   `json:"created_at"`
}
