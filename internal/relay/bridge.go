package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/agent-command/bridged/internal/catalog"
	"github.com/agent-command/bridged/internal/registry"
	"github.com/agent-command/bridged/internal/session"
	"github.com/agent-command/bridged/internal/stream"
	"github.com/agent-command/bridged/internal/usage"
)

// Bridge routes relay traffic to the session manager and renders the
// manager's updates as display events.
type Bridge struct {
	sender  Sender
	manager *session.Manager
	reg     *registry.Registry
	cat     *catalog.Catalog
}

func NewBridge(sender Sender, reg *registry.Registry, cat *catalog.Catalog) *Bridge {
	return &Bridge{sender: sender, reg: reg, cat: cat}
}

// SetManager attaches the session manager. The bridge and manager
// reference each other (sink one way, submissions the other), so the
// manager is built after the bridge and attached here before any inbound
// traffic flows.
func (b *Bridge) SetManager(m *session.Manager) { b.manager = m }

type chatMessage struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type chatCommand struct {
	ConversationID string `json:"conversation_id"`
	Command        string `json:"command"`
	Args           string `json:"args"`
}

type approvalDecision struct {
	ConversationID string `json:"conversation_id"`
	ApprovalID     string `json:"approval_id"`
	Approve        bool   `json:"approve"`
}

// HandleInbound dispatches one relay frame. Chat text starting with "/" is
// a command; anything else becomes a turn.
func (b *Bridge) HandleInbound(kind string, payload json.RawMessage) {
	switch kind {
	case "chat.message":
		var msg chatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("relay: bad chat.message: %v", err)
			return
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		if strings.HasPrefix(text, "/") {
			b.reply(msg.ConversationID, b.runCommand(msg.ConversationID, text))
			return
		}
		go b.submit(msg.ConversationID, text)

	case "chat.command":
		var cmd chatCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			log.Printf("relay: bad chat.command: %v", err)
			return
		}
		text := "/" + strings.TrimPrefix(cmd.Command, "/")
		if cmd.Args != "" {
			text += " " + cmd.Args
		}
		b.reply(cmd.ConversationID, b.runCommand(cmd.ConversationID, text))

	case "approval.decision":
		var dec approvalDecision
		if err := json.Unmarshal(payload, &dec); err != nil {
			log.Printf("relay: bad approval.decision: %v", err)
			return
		}
		// An approved replay runs a whole turn; keep the reader free.
		go b.decide(dec)

	default:
		log.Printf("relay: ignoring frame kind %q", kind)
	}
}

func (b *Bridge) submit(conversationID, text string) {
	err := b.manager.Submit(context.Background(), conversationID, text)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrConcurrentTurn):
		b.reply(conversationID, "A turn is already running for this chat. Wait for it to finish, or /new to abandon it.")
	case errors.Is(err, session.ErrBudgetExceeded):
		b.reply(conversationID, "Budget exhausted: "+err.Error()+". Raise it with /budget or start over with /new.")
	default:
		// runTurn already emitted a turn.error update for launch and
		// agent failures.
		log.Printf("turn failed for %s: %v", conversationID, err)
	}
}

func (b *Bridge) decide(dec approvalDecision) {
	var err error
	if dec.Approve {
		err = b.manager.Approve(context.Background(), dec.ConversationID, dec.ApprovalID)
	} else {
		err = b.manager.Deny(dec.ConversationID, dec.ApprovalID)
	}
	if errors.Is(err, session.ErrNoPendingApproval) {
		b.reply(dec.ConversationID, "Nothing is waiting for approval.")
	} else if err != nil {
		log.Printf("approval decision failed for %s: %v", dec.ConversationID, err)
	}
}

// HandleUpdate is the session manager's sink.
func (b *Bridge) HandleUpdate(u session.Update) {
	switch u.Kind {
	case session.UpdateText:
		b.send(u.ConversationID, "turn.text", map[string]any{
			"turn_id": u.TurnID,
			"text":    u.Text,
		})

	case session.UpdateToolUse:
		b.send(u.ConversationID, "turn.tool", map[string]any{
			"turn_id":        u.TurnID,
			"correlation_id": u.Tool.CorrelationID,
			"name":           u.Tool.Name,
			"detail":         DescribeTool(*u.Tool),
		})

	case session.UpdateToolResult:
		b.send(u.ConversationID, "turn.tool_result", map[string]any{
			"turn_id":        u.TurnID,
			"correlation_id": u.ToolResult.CorrelationID,
			"is_error":       u.ToolResult.IsError,
			"content":        clip(u.ToolResult.Content, 1000),
		})

	case session.UpdateApproval:
		payload := map[string]any{
			"turn_id":     u.TurnID,
			"approval_id": u.Approval.ID,
			"tool":        u.Approval.Tool.Name,
			"detail":      DescribeTool(u.Approval.Tool),
		}
		if !u.Approval.ExpiresAt.IsZero() {
			payload["expires_at"] = u.Approval.ExpiresAt
		}
		b.send(u.ConversationID, "approval.request", payload)

	case session.UpdateDenied:
		b.send(u.ConversationID, "turn.denied", map[string]any{
			"turn_id":     u.TurnID,
			"approval_id": u.Approval.ID,
			"tool":        u.Approval.Tool.Name,
			"detail":      DescribeTool(u.Approval.Tool),
			"timed_out":   u.TimedOut,
		})

	case session.UpdateCompleted:
		b.send(u.ConversationID, "turn.done", map[string]any{
			"turn_id":       u.TurnID,
			"result":        u.Outcome.Result,
			"is_error":      u.Outcome.IsError,
			"cost_usd":      u.Outcome.CostUSD,
			"spend_usd":     u.Outcome.SpendUSD,
			"input_tokens":  u.Outcome.InputTokens,
			"output_tokens": u.Outcome.OutputTokens,
			"session_token": u.Outcome.SessionToken,
		})

	case session.UpdateError:
		b.send(u.ConversationID, "turn.error", map[string]any{
			"turn_id": u.TurnID,
			"message": u.Err,
		})
	}
}

func (b *Bridge) send(conversationID, kind string, payload any) {
	if err := b.sender.Send(kind, conversationID, payload); err != nil {
		log.Printf("relay send %s failed: %v", kind, err)
	}
}

func (b *Bridge) reply(conversationID, text string) {
	b.send(conversationID, "chat.reply", map[string]any{"text": text})
}

func (b *Bridge) runCommand(conversationID, text string) string {
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/new":
		b.manager.Reset(conversationID)
		return "Started a fresh session. The next message opens a new conversation with the agent."

	case "/cd":
		if arg == "" {
			return "Usage: /cd <directory | project number>"
		}
		if n, ok := asIndex(arg); ok {
			projects := b.cat.ListProjects()
			if n > len(projects) {
				return fmt.Sprintf("No project #%d. /projects lists %d.", n, len(projects))
			}
			arg = projects[n-1].Path
		}
		if info, err := os.Stat(arg); err != nil || !info.IsDir() {
			return fmt.Sprintf("Not a directory: %s", arg)
		}
		b.reg.Mutate(conversationID, func(bd *registry.Binding) {
			bd.WorkDir = arg
			bd.ProjectDir = pathToDirName(arg)
		})
		return "Working directory set to " + arg

	case "/model":
		if arg == "" {
			return "Usage: /model <name>"
		}
		b.reg.Mutate(conversationID, func(bd *registry.Binding) { bd.Model = arg })
		return "Model set to " + arg

	case "/budget":
		usd, err := strconv.ParseFloat(arg, 64)
		if err != nil || usd < 0 {
			return "Usage: /budget <usd>, e.g. /budget 2.50"
		}
		b.reg.Mutate(conversationID, func(bd *registry.Binding) { bd.BudgetUSD = usd })
		if usd == 0 {
			return "Budget cap removed."
		}
		return fmt.Sprintf("Budget set to $%.2f", usd)

	case "/resume":
		if arg == "" {
			return "Usage: /resume <session token, prefix, or number>"
		}
		return b.resume(conversationID, arg)

	case "/status":
		return b.status(conversationID)

	case "/projects":
		return b.projects()

	case "/sessions":
		limit := 10
		if arg != "" {
			if n, err := strconv.Atoi(arg); err == nil && n > 0 {
				limit = n
			}
		}
		return b.sessions(conversationID, limit)

	case "/help":
		return helpText

	default:
		return "Unknown command " + cmd + ". Try /help."
	}
}

const helpText = `Commands:
/new - start a fresh session
/resume <token|n> - resume a recorded session (prefix or /sessions number after /cd)
/cd <dir|n> - set the working directory (path or /projects number)
/model <name> - set the model
/budget <usd> - set the spend cap (0 removes it)
/status - session, spend, and approval state
/projects - list known projects
/sessions [n] - list recent sessions for the current project
/help - this message`

func (b *Bridge) resume(conversationID, arg string) string {
	token := arg
	if n, ok := asIndex(arg); ok {
		binding, _ := b.reg.Get(conversationID)
		dirName := projectDirName(binding)
		if dirName == "" {
			return "No project bound. Use /cd first, then pick a session number from /sessions."
		}
		sessions := b.cat.ListSessions(dirName, n)
		if n > len(sessions) {
			return fmt.Sprintf("No session #%d. /sessions lists %d.", n, len(sessions))
		}
		token = sessions[n-1].Token
	}
	if _, _, err := b.cat.Locate(token); err != nil {
		// Not a full token; try prefix match inside the bound project.
		binding, _ := b.reg.Get(conversationID)
		if binding.ProjectDir == "" {
			return "Session not found. Use a full token, or /cd into its project first for prefix matching."
		}
		full, ok := b.cat.ResolvePrefix(binding.ProjectDir, arg)
		if !ok {
			return fmt.Sprintf("No session matching %q in the current project.", arg)
		}
		token = full
	}

	binding, err := b.reg.BindResume(conversationID, token)
	if err != nil {
		return "Could not resume: " + err.Error()
	}
	return fmt.Sprintf("Resumed session %s in %s", shortToken(token), binding.WorkDir)
}

func (b *Bridge) status(conversationID string) string {
	st := b.manager.Status(conversationID)
	var sb strings.Builder

	if st.Binding.SessionToken != "" {
		fmt.Fprintf(&sb, "Session %s\n", shortToken(st.Binding.SessionToken))
	} else {
		sb.WriteString("No active session (next message starts one)\n")
	}
	if st.Binding.WorkDir != "" {
		fmt.Fprintf(&sb, "Directory: %s\n", st.Binding.WorkDir)
	}
	if st.Binding.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", st.Binding.Model)
	}
	fmt.Fprintf(&sb, "Usage: %s\n", usage.StatusLine(st.Totals, st.Binding.BudgetUSD))

	switch {
	case st.Awaiting != nil:
		fmt.Fprintf(&sb, "Awaiting approval: %s %s", st.Awaiting.Tool.Name, DescribeTool(st.Awaiting.Tool))
	case st.Busy:
		sb.WriteString("A turn is running")
	default:
		sb.WriteString("Idle")
	}
	return sb.String()
}

func (b *Bridge) projects() string {
	projects := b.cat.ListProjects()
	if len(projects) == 0 {
		return "No projects recorded yet."
	}
	var sb strings.Builder
	sb.WriteString("Projects:\n")
	for i, p := range projects {
		fmt.Fprintf(&sb, "%d. %s (%d sessions)\n", i+1, p.Path, p.SessionCount)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bridge) sessions(conversationID string, limit int) string {
	binding, _ := b.reg.Get(conversationID)
	dirName := projectDirName(binding)
	if dirName == "" {
		return "No project bound. Use /cd first."
	}

	sessions := b.cat.ListSessions(dirName, limit)
	if len(sessions) == 0 {
		return "No recorded sessions for this project."
	}
	var sb strings.Builder
	sb.WriteString("Recent sessions:\n")
	for i, s := range sessions {
		fmt.Fprintf(&sb, "%d. %s  %s  (%d messages)\n", i+1, shortToken(s.Token), clip(s.FirstMessage, 60), s.MessageCount)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func projectDirName(binding registry.Binding) string {
	if binding.ProjectDir != "" {
		return binding.ProjectDir
	}
	if binding.WorkDir != "" {
		return pathToDirName(binding.WorkDir)
	}
	return ""
}

// asIndex reports whether arg is a 1-based list position.
func asIndex(arg string) (int, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// DescribeTool renders the one-line summary shown on approval cards and
// tool activity lines: file tools show the path, shell shows the command,
// everything else shows its raw input.
func DescribeTool(tool stream.ToolRequest) string {
	var input map[string]json.RawMessage
	if err := json.Unmarshal(tool.Input, &input); err != nil {
		return clip(string(tool.Input), 200)
	}

	field := func(name string) (string, bool) {
		raw, ok := input[name]
		if !ok {
			return "", false
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}

	switch tool.Name {
	case "Write", "Edit", "MultiEdit", "Read", "NotebookEdit", "NotebookRead":
		if path, ok := field("file_path"); ok {
			return path
		}
	case "Bash":
		if cmd, ok := field("command"); ok {
			return clip(cmd, 200)
		}
	}
	return clip(string(tool.Input), 200)
}

func pathToDirName(path string) string {
	return strings.ReplaceAll(path, string(os.PathSeparator), "-")
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
