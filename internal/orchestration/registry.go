package orchestration

import (
	"sync"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/conversation"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

// Conversation is the live, exclusively owned state of one conversation.
// Context and State may only be touched while holding the conversation lock.
type Conversation struct {
	ID string

	mu      sync.Mutex
	Context *models.ConversationContext
	State   State
	// history holds the events of the last persisted turn
	history []events.Envelope

	refs int

	stateMu   sync.RWMutex
	published *models.ClientState
}

// Lock enters the per-conversation exclusion region
func (c *Conversation) Lock() { c.mu.Lock() }

// TryLock enters the exclusion region only if no turn is running
func (c *Conversation) TryLock() bool { return c.mu.TryLock() }

// Unlock leaves the exclusion region
func (c *Conversation) Unlock() { c.mu.Unlock() }

// publish records the client projection of the current context for lock-free readers
func (c *Conversation) publish() {
	if c.Context == nil {
		return
	}
	state := conversation.ExtractClientState(c.Context)
	c.stateMu.Lock()
	c.published = &state
	c.stateMu.Unlock()
}

// ClientState returns the last published client projection
func (c *Conversation) ClientState() (models.ClientState, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.published == nil {
		return models.ClientState{}, false
	}
	return *c.published, true
}

// Registry tracks live conversations. Entries are reference counted by bound
// sessions and in-flight turns and dropped when the last reference goes away.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Conversation
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Conversation)}
}

// Acquire returns the live entry for id, creating it if needed, and takes a reference
func (r *Registry) Acquire(id string) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.entries[id]
	if !ok {
		conv = &Conversation{ID: id, State: StateIdle}
		r.entries[id] = conv
	}
	conv.refs++
	return conv
}

// Release drops a reference taken by Acquire
func (r *Registry) Release(conv *Conversation) {
	if conv == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conv.refs--
	if conv.refs <= 0 && r.entries[conv.ID] == conv {
		delete(r.entries, conv.ID)
	}
}

// Lookup returns the live entry for id without taking a reference
func (r *Registry) Lookup(id string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.entries[id]
	return conv, ok
}

// Len returns the number of live conversations
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
