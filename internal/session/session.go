// Package session owns turn orchestration: one exclusive turn slot per
// conversation, approval gating for privileged tools, and budget
// enforcement across turns.
package session

import (
	"errors"
	"time"

	"github.com/agent-command/bridged/internal/stream"
)

var (
	// ErrConcurrentTurn means the conversation already has a turn running
	// or suspended awaiting approval.
	ErrConcurrentTurn = errors.New("turn already in progress for this conversation")

	// ErrBudgetExceeded means cumulative spend reached the configured cap
	// before the turn could start.
	ErrBudgetExceeded = errors.New("conversation budget exhausted")

	// ErrNoPendingApproval means an approval decision arrived with nothing
	// to decide.
	ErrNoPendingApproval = errors.New("no pending approval for this conversation")

	// ErrApprovalTimedOut marks an approval that expired before a decision.
	ErrApprovalTimedOut = errors.New("approval request timed out")
)

// Approval is a suspended turn waiting on a human decision.
type Approval struct {
	ID             string
	ConversationID string
	TurnID         string
	Tool           stream.ToolRequest
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero when approvals never expire
}

// Outcome summarizes a finished turn.
type Outcome struct {
	TurnID       string
	SessionToken string
	Result       string
	IsError      bool
	CostUSD      float64
	InputTokens  int
	OutputTokens int
	SpendUSD     float64 // cumulative conversation spend after this turn
}

type UpdateKind string

const (
	UpdateText       UpdateKind = "text"
	UpdateToolUse    UpdateKind = "tool_use"
	UpdateToolResult UpdateKind = "tool_result"
	UpdateApproval   UpdateKind = "approval_request"
	UpdateCompleted  UpdateKind = "completed"
	UpdateDenied     UpdateKind = "denied"
	UpdateError      UpdateKind = "error"
)

// Update is one display-facing event emitted during a turn. Exactly one of
// the payload fields is set, matching Kind.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	TurnID         string

	Text       string
	Tool       *stream.ToolRequest
	ToolResult *stream.ToolResult
	Approval   *Approval
	Outcome    *Outcome
	Err        string
	TimedOut   bool
}

// Sink receives updates in emission order. Implementations must not call
// back into the manager synchronously.
type Sink func(Update)
