// Package registry holds the in-memory index of conversation session
// bindings. It is the only cross-turn shared mutable state; all writes go
// through the session manager, serialized per conversation, so plain
// per-key atomicity is enough here.
package registry

import (
	"errors"
	"sync"
)

// ErrUnknownSession means a resume target does not exist in the session
// catalog; the conversation falls back to a fresh session.
var ErrUnknownSession = errors.New("unknown session")

// Binding is the per-conversation session state. At most one exists per
// conversation id.
type Binding struct {
	ConversationID string
	ProjectDir     string // catalog directory name, empty until a project is chosen
	WorkDir        string
	SessionToken   string // assigned by the agent runtime, empty until the first turn completes
	Model          string
	PermissionMode string
	SpendUSD       float64
	BudgetUSD      float64 // 0 = no cap
}

// Resolver validates a resume token against the durable session catalog.
type Resolver interface {
	Locate(token string) (projectDir, workDir string, err error)
}

type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	resolver Resolver
}

func New(resolver Resolver) *Registry {
	return &Registry{
		bindings: make(map[string]Binding),
		resolver: resolver,
	}
}

func (r *Registry) Get(conversationID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[conversationID]
	return b, ok
}

func (r *Registry) Put(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.ConversationID] = b
}

// Mutate applies fn to the conversation's binding under the lock, creating
// an empty binding first if none exists.
func (r *Registry) Mutate(conversationID string, fn func(*Binding)) Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[conversationID]
	if !ok {
		b = Binding{ConversationID: conversationID}
	}
	fn(&b)
	b.ConversationID = conversationID
	r.bindings[conversationID] = b
	return b
}

// Reset clears the session token and spend but keeps the conversation's
// project, model and budget choices ("new conversation").
func (r *Registry) Reset(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[conversationID]
	if !ok {
		return
	}
	b.SessionToken = ""
	b.SpendUSD = 0
	r.bindings[conversationID] = b
}

func (r *Registry) Clear(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, conversationID)
}

// BindResume validates token against the catalog and, if found, rebinds
// the conversation to it with spend reset. The prior binding is untouched
// on ErrUnknownSession.
func (r *Registry) BindResume(conversationID, token string) (Binding, error) {
	projectDir, workDir, err := r.resolver.Locate(token)
	if err != nil {
		return Binding{}, ErrUnknownSession
	}
	return r.Mutate(conversationID, func(b *Binding) {
		b.SessionToken = token
		b.SpendUSD = 0
		if projectDir != "" {
			b.ProjectDir = projectDir
		}
		if workDir != "" {
			b.WorkDir = workDir
		}
	}), nil
}
