package stream

import "encoding/json"

// EventKind discriminates the decoded event union.
type EventKind string

const (
	KindText        EventKind = "text"
	KindToolRequest EventKind = "tool_request"
	KindToolResult  EventKind = "tool_result"
	KindUsage       EventKind = "usage"
	KindError       EventKind = "error"
	KindTurnEnd     EventKind = "turn_end"
	KindUnknown     EventKind = "unknown"
)

// Error kinds carried by KindError events.
const (
	ErrMalformedOutput = "malformed_output"
	ErrAgentFailure    = "agent_failure"
)

// Event is one decoded record from the agent's output stream. Events are
// immutable once decoded and relayed at most once, in stream order.
type Event struct {
	Kind EventKind

	// KindText
	Text string

	// KindToolRequest
	Tool *ToolRequest

	// KindToolResult
	ToolResult *ToolResult

	// KindUsage
	Usage *Usage

	// KindError
	Err *StreamError

	// KindUnknown: raw record passed through for forward compatibility.
	Raw json.RawMessage
}

// ToolRequest is the agent asking to run a tool. RequiresApproval is set
// when the active permission mode does not already authorize the tool.
type ToolRequest struct {
	Name             string
	Input            json.RawMessage
	CorrelationID    string
	RequiresApproval bool
}

type ToolResult struct {
	CorrelationID string
	IsError       bool
	Content       string
}

// Usage carries the cost delta and refreshed session token. The init record
// yields a token-only Usage; the result record yields the full summary.
type Usage struct {
	SessionToken string
	CostUSD      float64
	InputTokens  int
	OutputTokens int
	Result       string
	IsError      bool
}

type StreamError struct {
	Kind    string
	Message string
	Fatal   bool
}
