package service

import (
	"context"

	"github.com/livedesk/livedesk/pkg/db"
)

// FailureReason explains why an assignment attempt did not assign an agent.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonConversationNotFound FailureReason = "conversation_not_found"
	ReasonNotPending           FailureReason = "conversation_not_pending"
	ReasonConversationClosed   FailureReason = "conversation_closed"
	ReasonConversationChanged  FailureReason = "conversation_changed"
	ReasonNoGroupFound         FailureReason = "no_group_found"
	ReasonNoAgentsInGroup      FailureReason = "no_agents_in_group"
	ReasonNoOnlineAgents       FailureReason = "no_online_agents"
	ReasonNoAcceptingAgents    FailureReason = "no_accepting_agents"
	ReasonAllAgentsAtCapacity  FailureReason = "all_agents_at_capacity"
	ReasonAgentNotFound        FailureReason = "agent_not_found"
	ReasonAgentAtCapacity      FailureReason = "agent_at_capacity"
	ReasonAlreadyAssigned      FailureReason = "already_assigned"
)

// Retryable reports whether the queue should try again later. Only the
// "no eligible agent right now" outcomes qualify.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonNoAgentsInGroup, ReasonNoOnlineAgents, ReasonNoAcceptingAgents, ReasonAllAgentsAtCapacity:
		return true
	}
	return false
}

// AssignmentResult is the outcome of one assignment attempt. Expected
// failures are reported here; only infrastructure failures come back as
// errors.
type AssignmentResult struct {
	Success      bool             `json:"success"`
	Agent        *db.Agent        `json:"agent,omitempty"`
	Conversation *db.Conversation `json:"conversation,omitempty"`
	ThreadID     string           `json:"thread_id,omitempty"`
	Reason       FailureReason    `json:"reason,omitempty"`
	Message      string           `json:"message"`
}

func failed(reason FailureReason, msg string) *AssignmentResult {
	return &AssignmentResult{Reason: reason, Message: msg}
}

// Assigner runs the assignment transaction for one conversation.
type Assigner interface {
	Assign(ctx context.Context, conversationID, groupID string) (*AssignmentResult, error)
}

// Trigger labels what started an assignment attempt.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerInitial Trigger = "initial"
	TriggerPoller  Trigger = "poller"
)

type triggerKey struct{}

// WithTrigger tags ctx so metrics and audit entries record the attempt's origin.
func WithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

func triggerFrom(ctx context.Context) Trigger {
	if t, ok := ctx.Value(triggerKey{}).(Trigger); ok {
		return t
	}
	return TriggerManual
}
