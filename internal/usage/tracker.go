// Package usage accumulates per-conversation spend and token totals from
// turn results.
package usage

import (
	"fmt"
	"sync"
	"time"
)

// TurnUsage is the cost report from one completed turn.
type TurnUsage struct {
	CostUSD      float64
	InputTokens  int
	OutputTokens int
}

// Totals is the running total for one conversation.
type Totals struct {
	SpendUSD     float64
	InputTokens  int
	OutputTokens int
	Turns        int
	LastTurnAt   time.Time
}

// Tracker keeps running spend and token totals keyed by conversation.
type Tracker struct {
	mu     sync.Mutex
	totals map[string]*Totals
}

func NewTracker() *Tracker {
	return &Tracker{totals: make(map[string]*Totals)}
}

// Record folds one turn's usage into the conversation total and returns the
// updated snapshot.
func (t *Tracker) Record(conversationID string, u TurnUsage) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	tot := t.totals[conversationID]
	if tot == nil {
		tot = &Totals{}
		t.totals[conversationID] = tot
	}
	tot.SpendUSD += u.CostUSD
	tot.InputTokens += u.InputTokens
	tot.OutputTokens += u.OutputTokens
	tot.Turns++
	tot.LastTurnAt = time.Now().UTC()
	return *tot
}

// Get returns the current totals for a conversation, zero when unseen.
func (t *Tracker) Get(conversationID string) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tot := t.totals[conversationID]; tot != nil {
		return *tot
	}
	return Totals{}
}

// Reset clears a conversation's totals, typically when its session is reset.
func (t *Tracker) Reset(conversationID string) {
	t.mu.Lock()
	delete(t.totals, conversationID)
	t.mu.Unlock()
}

// StatusLine renders totals for a chat status message. budgetUSD of zero
// means no cap is configured.
func StatusLine(tot Totals, budgetUSD float64) string {
	line := fmt.Sprintf("$%.4f spent, %d in / %d out tokens, %d turns",
		tot.SpendUSD, tot.InputTokens, tot.OutputTokens, tot.Turns)
	if budgetUSD > 0 {
		line += fmt.Sprintf(" (budget $%.2f)", budgetUSD)
	}
	return line
}
