package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/agent-command/bridged/internal/launcher"
	"github.com/agent-command/bridged/internal/metrics"
	"github.com/agent-command/bridged/internal/registry"
	"github.com/agent-command/bridged/internal/stream"
	"github.com/agent-command/bridged/internal/usage"
)

// Options wires the manager's collaborators and per-turn defaults.
type Options struct {
	Launcher launcher.Launcher
	Registry *registry.Registry
	Tracker  *usage.Tracker
	Metrics  *metrics.Metrics
	Sink     Sink

	DefaultModel     string
	DefaultWorkDir   string
	PermissionMode   string
	AllowedTools     string
	DefaultBudgetUSD float64
	ApprovalTimeout  time.Duration // 0 = approvals never expire
}

type pendingApproval struct {
	approval    Approval
	input       string
	resumeToken string
	timer       *time.Timer
}

// convState is the per-conversation slot. busy stays true across the
// suspended AwaitingApproval window; epoch increments on Reset so a
// cancelled turn cannot finalize against the new state.
type convState struct {
	busy    bool
	epoch   int
	cancel  context.CancelFunc
	pending *pendingApproval
}

type Manager struct {
	opts Options

	mu    sync.Mutex
	convs map[string]*convState
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts,
		convs: make(map[string]*convState),
	}
}

// Submit runs one turn for a conversation and blocks until it completes,
// suspends for approval, or fails. Callers that must not block run it in
// their own goroutine; one conversation never has two turns in flight.
func (m *Manager) Submit(ctx context.Context, conversationID, input string) error {
	m.mu.Lock()
	cs := m.stateLocked(conversationID)
	if cs.busy {
		m.mu.Unlock()
		return ErrConcurrentTurn
	}
	cs.busy = true
	epoch := cs.epoch
	m.mu.Unlock()
	m.gaugeActive(1)

	binding := m.opts.Registry.Mutate(conversationID, func(b *registry.Binding) {
		if b.Model == "" {
			b.Model = m.opts.DefaultModel
		}
		if b.WorkDir == "" {
			b.WorkDir = m.opts.DefaultWorkDir
		}
		if b.PermissionMode == "" {
			b.PermissionMode = m.opts.PermissionMode
		}
		if b.BudgetUSD == 0 {
			b.BudgetUSD = m.opts.DefaultBudgetUSD
		}
	})

	if binding.BudgetUSD > 0 && binding.SpendUSD >= binding.BudgetUSD {
		m.release(conversationID, epoch)
		m.countTurn("budget_exceeded")
		return fmt.Errorf("%w: $%.4f spent of $%.2f cap", ErrBudgetExceeded, binding.SpendUSD, binding.BudgetUSD)
	}

	return m.runTurn(ctx, conversationID, epoch, input, binding, binding.PermissionMode, binding.SessionToken)
}

// Approve resumes a suspended turn: the pending tool's class elevates the
// permission mode and the original input replays against the prior session
// so the agent re-reaches the gated operation and executes it.
func (m *Manager) Approve(ctx context.Context, conversationID, approvalID string) error {
	m.mu.Lock()
	cs := m.convs[conversationID]
	if cs == nil || cs.pending == nil || (approvalID != "" && cs.pending.approval.ID != approvalID) {
		m.mu.Unlock()
		return ErrNoPendingApproval
	}
	p := cs.pending
	cs.pending = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	epoch := cs.epoch
	m.mu.Unlock()

	m.countApproval("approved")
	binding, ok := m.opts.Registry.Get(conversationID)
	if !ok {
		binding = registry.Binding{ConversationID: conversationID, Model: m.opts.DefaultModel, WorkDir: m.opts.DefaultWorkDir}
	}
	return m.runTurn(ctx, conversationID, epoch, p.input, binding, elevatedMode(p.approval.Tool.Name), p.resumeToken)
}

// Deny rejects the pending approval and ends the suspended turn without
// the gated tool ever executing.
func (m *Manager) Deny(conversationID, approvalID string) error {
	return m.resolveDeny(conversationID, approvalID, false)
}

// Pending returns the conversation's outstanding approval, if any.
func (m *Manager) Pending(conversationID string) (Approval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.convs[conversationID]
	if cs == nil || cs.pending == nil {
		return Approval{}, false
	}
	return cs.pending.approval, true
}

// Reset abandons any in-flight or suspended turn and clears the
// conversation's session binding and spend totals. A turn cancelled here
// never persists a session token or emits further updates.
func (m *Manager) Reset(conversationID string) {
	m.mu.Lock()
	cs := m.convs[conversationID]
	var wasBusy bool
	if cs != nil {
		cs.epoch++
		if cs.cancel != nil {
			cs.cancel()
			cs.cancel = nil
		}
		if cs.pending != nil {
			if cs.pending.timer != nil {
				cs.pending.timer.Stop()
			}
			cs.pending = nil
		}
		wasBusy = cs.busy
		cs.busy = false
	}
	m.mu.Unlock()

	if wasBusy {
		m.gaugeActive(-1)
	}
	m.opts.Registry.Reset(conversationID)
	m.opts.Tracker.Reset(conversationID)
}

// Status is the conversation view for chat status commands.
type Status struct {
	Binding  registry.Binding
	Totals   usage.Totals
	Busy     bool
	Awaiting *Approval
}

func (m *Manager) Status(conversationID string) Status {
	st := Status{Totals: m.opts.Tracker.Get(conversationID)}
	st.Binding, _ = m.opts.Registry.Get(conversationID)

	m.mu.Lock()
	if cs := m.convs[conversationID]; cs != nil {
		st.Busy = cs.busy
		if cs.pending != nil {
			ap := cs.pending.approval
			st.Awaiting = &ap
		}
	}
	m.mu.Unlock()
	return st
}

func (m *Manager) runTurn(ctx context.Context, conversationID string, epoch int, input string, binding registry.Binding, mode, resumeToken string) error {
	turnID := ulid.Make().String()

	var remaining float64
	if binding.BudgetUSD > 0 {
		remaining = binding.BudgetUSD - binding.SpendUSD
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !m.armCancel(conversationID, epoch, cancel) {
		return context.Canceled
	}

	handle, err := m.opts.Launcher.Start(turnCtx, launcher.Profile{
		WorkDir:        binding.WorkDir,
		Model:          binding.Model,
		AllowedTools:   m.opts.AllowedTools,
		PermissionMode: mode,
		ResumeToken:    resumeToken,
		BudgetUSD:      remaining,
		Prompt:         input,
	})
	if err != nil {
		m.release(conversationID, epoch)
		m.countTurn("failed")
		m.emit(Update{Kind: UpdateError, ConversationID: conversationID, TurnID: turnID, Err: err.Error()})
		return err
	}

	decoder := stream.NewDecoder(stream.NewApprovalPolicy(mode, m.opts.AllowedTools))

	var (
		lastUsage *stream.Usage
		token     string
		sawEnd    bool
	)

	for raw := range handle.Records() {
		for _, ev := range decoder.Decode(raw) {
			switch ev.Kind {
			case stream.KindText:
				m.emit(Update{Kind: UpdateText, ConversationID: conversationID, TurnID: turnID, Text: ev.Text})

			case stream.KindToolRequest:
				if ev.Tool.RequiresApproval {
					handle.Stop()
					go drain(handle)
					return m.suspend(conversationID, epoch, turnID, input, resumeToken, *ev.Tool)
				}
				m.emit(Update{Kind: UpdateToolUse, ConversationID: conversationID, TurnID: turnID, Tool: ev.Tool})

			case stream.KindToolResult:
				m.emit(Update{Kind: UpdateToolResult, ConversationID: conversationID, TurnID: turnID, ToolResult: ev.ToolResult})

			case stream.KindUsage:
				if ev.Usage.SessionToken != "" {
					token = ev.Usage.SessionToken
				}
				lastUsage = ev.Usage

			case stream.KindTurnEnd:
				sawEnd = true

			case stream.KindError:
				if m.opts.Metrics != nil {
					m.opts.Metrics.DecodeErrors.Inc()
				}
				m.emit(Update{Kind: UpdateError, ConversationID: conversationID, TurnID: turnID, Err: ev.Err.Message})

			case stream.KindUnknown:
				// Forward-compatible records carry nothing to display.
			}
		}
	}

	waitErr := handle.Wait()
	if waitErr != nil && !sawEnd {
		if !m.release(conversationID, epoch) {
			return context.Canceled
		}
		m.countTurn("failed")
		msg := waitErr.Error()
		if stderr := strings.TrimSpace(handle.Stderr()); stderr != "" {
			msg = stderr
		}
		m.emit(Update{Kind: UpdateError, ConversationID: conversationID, TurnID: turnID, Err: msg})
		return fmt.Errorf("agent process failed: %s", msg)
	}

	outcome := Outcome{TurnID: turnID}
	var turnUsage usage.TurnUsage
	if lastUsage != nil {
		outcome.Result = lastUsage.Result
		outcome.IsError = lastUsage.IsError
		outcome.CostUSD = lastUsage.CostUSD
		outcome.InputTokens = lastUsage.InputTokens
		outcome.OutputTokens = lastUsage.OutputTokens
		turnUsage = usage.TurnUsage{
			CostUSD:      lastUsage.CostUSD,
			InputTokens:  lastUsage.InputTokens,
			OutputTokens: lastUsage.OutputTokens,
		}
	}

	if !m.release(conversationID, epoch) {
		return context.Canceled
	}

	updated := m.opts.Registry.Mutate(conversationID, func(b *registry.Binding) {
		if token != "" && sawEnd {
			b.SessionToken = token
		}
		b.SpendUSD += outcome.CostUSD
	})
	m.opts.Tracker.Record(conversationID, turnUsage)

	outcome.SessionToken = updated.SessionToken
	outcome.SpendUSD = updated.SpendUSD

	m.countTurn("completed")
	if m.opts.Metrics != nil && outcome.CostUSD > 0 {
		m.opts.Metrics.SpendUSD.Add(outcome.CostUSD)
	}
	m.emit(Update{Kind: UpdateCompleted, ConversationID: conversationID, TurnID: turnID, Outcome: &outcome})
	return nil
}

func (m *Manager) suspend(conversationID string, epoch int, turnID, input, resumeToken string, tool stream.ToolRequest) error {
	ap := Approval{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		TurnID:         turnID,
		Tool:           tool,
		CreatedAt:      time.Now().UTC(),
	}
	if m.opts.ApprovalTimeout > 0 {
		ap.ExpiresAt = ap.CreatedAt.Add(m.opts.ApprovalTimeout)
	}

	m.mu.Lock()
	cs := m.convs[conversationID]
	if cs == nil || cs.epoch != epoch {
		m.mu.Unlock()
		return context.Canceled
	}
	p := &pendingApproval{approval: ap, input: input, resumeToken: resumeToken}
	if m.opts.ApprovalTimeout > 0 {
		p.timer = time.AfterFunc(m.opts.ApprovalTimeout, func() {
			if err := m.resolveDeny(conversationID, ap.ID, true); err == nil {
				log.Printf("approval %s for conversation %s timed out", ap.ID, conversationID)
			}
		})
	}
	cs.pending = p
	cs.cancel = nil
	m.mu.Unlock()

	m.emit(Update{Kind: UpdateApproval, ConversationID: conversationID, TurnID: turnID, Approval: &ap})
	return nil
}

func (m *Manager) resolveDeny(conversationID, approvalID string, timedOut bool) error {
	m.mu.Lock()
	cs := m.convs[conversationID]
	if cs == nil || cs.pending == nil || (approvalID != "" && cs.pending.approval.ID != approvalID) {
		m.mu.Unlock()
		return ErrNoPendingApproval
	}
	p := cs.pending
	cs.pending = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	wasBusy := cs.busy
	cs.busy = false
	m.mu.Unlock()

	if wasBusy {
		m.gaugeActive(-1)
	}
	if timedOut {
		m.countApproval("timed_out")
	} else {
		m.countApproval("denied")
	}
	m.countTurn("denied")

	ap := p.approval
	update := Update{Kind: UpdateDenied, ConversationID: conversationID, TurnID: ap.TurnID, Approval: &ap, TimedOut: timedOut}
	if timedOut {
		update.Err = ErrApprovalTimedOut.Error()
	}
	m.emit(update)
	return nil
}

// elevatedMode picks the permission mode for an approved replay. Shell
// commands need full bypass; file edits only need edit acceptance.
func elevatedMode(tool string) string {
	if tool == "Bash" {
		return stream.ModeBypassPermissions
	}
	return stream.ModeAcceptEdits
}

func (m *Manager) stateLocked(conversationID string) *convState {
	cs := m.convs[conversationID]
	if cs == nil {
		cs = &convState{}
		m.convs[conversationID] = cs
	}
	return cs
}

// armCancel registers the turn's cancel func so Reset can kill the
// subprocess. Returns false when the turn's epoch is stale.
func (m *Manager) armCancel(conversationID string, epoch int, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.convs[conversationID]
	if cs == nil || cs.epoch != epoch {
		return false
	}
	cs.cancel = cancel
	return true
}

// release frees the conversation slot. Returns false when Reset already
// invalidated the turn.
func (m *Manager) release(conversationID string, epoch int) bool {
	m.mu.Lock()
	cs := m.convs[conversationID]
	current := cs != nil && cs.epoch == epoch
	var wasBusy bool
	if current {
		wasBusy = cs.busy
		cs.busy = false
		cs.cancel = nil
	}
	m.mu.Unlock()

	if wasBusy {
		m.gaugeActive(-1)
	}
	return current
}

func drain(h launcher.Handle) {
	for range h.Records() {
	}
	_ = h.Wait()
}

func (m *Manager) emit(u Update) {
	if m.opts.Sink != nil {
		m.opts.Sink(u)
	}
}

func (m *Manager) countTurn(outcome string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) countApproval(decision string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.ApprovalsTotal.WithLabelValues(decision).Inc()
	}
}

func (m *Manager) gaugeActive(delta float64) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.ActiveTurns.Add(delta)
	}
}
