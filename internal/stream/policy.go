package stream

import "strings"

// Permission modes accepted by the agent CLI.
const (
	ModeDefault           = "default"
	ModeAcceptEdits       = "acceptEdits"
	ModeBypassPermissions = "bypassPermissions"
)

// Tools that only read state and never need approval.
var readOnlyTools = map[string]bool{
	"Read":         true,
	"Glob":         true,
	"Grep":         true,
	"LS":           true,
	"WebSearch":    true,
	"WebFetch":     true,
	"TodoWrite":    true,
	"Task":         true,
	"NotebookRead": true,
}

// Tools cleared by acceptEdits mode in addition to the read-only set.
var editTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// ApprovalPolicy decides whether a tool request must be gated behind an
// explicit user approval, given the invocation's permission mode and
// allowed-tools filter.
type ApprovalPolicy struct {
	PermissionMode string
	allowed        map[string]bool
}

// NewApprovalPolicy parses a comma-separated allowed-tools list (the same
// format the CLI's --allowedTools flag takes).
func NewApprovalPolicy(permissionMode, allowedTools string) ApprovalPolicy {
	allowed := make(map[string]bool)
	for _, tool := range strings.Split(allowedTools, ",") {
		tool = strings.TrimSpace(tool)
		if tool != "" {
			allowed[tool] = true
		}
	}
	return ApprovalPolicy{PermissionMode: permissionMode, allowed: allowed}
}

func (p ApprovalPolicy) RequiresApproval(tool string) bool {
	switch p.PermissionMode {
	case ModeBypassPermissions:
		return false
	case ModeAcceptEdits:
		if editTools[tool] {
			return false
		}
	}
	if readOnlyTools[tool] {
		return false
	}
	if p.allowed[tool] {
		return false
	}
	// Bash entries in the allowed list may carry a command filter like
	// "Bash(git:*)"; any Bash entry authorizes the tool as a whole here,
	// the CLI enforces the narrower filter itself.
	for entry := range p.allowed {
		if base, _, ok := strings.Cut(entry, "("); ok && base == tool {
			return false
		}
	}
	return true
}
