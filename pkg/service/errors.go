package service

import "github.com/pkg/errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrThreadNotFound       = errors.New("thread not found")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrGroupNotFound        = errors.New("group not found")
	ErrNoDefaultGroup       = errors.New("no default group configured")
	ErrAlreadyClosed        = errors.New("conversation already closed")
	ErrNotReopenable        = errors.New("only closed or resolved conversations can be reopened")
	ErrNoActiveThread       = errors.New("conversation has no active thread")
	ErrInvalidStatus        = errors.New("invalid agent status")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrAgentAtCapacity      = errors.New("agent at capacity")
	ErrVisitorMismatch      = errors.New("session does not own conversation")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrInvalidSchedule      = errors.New("invalid schedule")
	ErrInvalidBulkAction    = errors.New("invalid bulk action")

	// errConversationChanged aborts an assignment transaction whose
	// compare-and-swap update matched no row.
	errConversationChanged = errors.New("conversation changed concurrently")
)
