package models

import (
	"time"
)

// CompletionState tracks which pipeline stages have finished for the current turn
type CompletionState struct {
	ExplorationComplete bool `json:"exploration_complete"`
	BuildSuccessful     bool `json:"build_successful"`
	DevServerStarted    bool `json:"dev_server_started"`
	RequirementsMet     bool `json:"requirements_met"`
	IsComplete          bool `json:"is_complete"`
}

// StagesDone reports whether every required sub-flag is set
func (c CompletionState) StagesDone() bool {
	return c.ExplorationComplete && c.BuildSuccessful && c.DevServerStarted && c.RequirementsMet
}

// Consistent reports whether IsComplete is backed by all required sub-flags
func (c CompletionState) Consistent() bool {
	return !c.IsComplete || c.StagesDone()
}

// LastError records the most recent failure within a turn
type LastError struct {
	Agent     string    `json:"agent"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ContainerInfo references the execution environment assigned to a conversation.
// Handle is a live resource and never leaves the process.
type ContainerInfo struct {
	ID     string `json:"id"`
	Port   int    `json:"port"`
	Status string `json:"status"`
	Handle any    `json:"-"`
}

// ConversationContext is the authoritative state of one conversation
type ConversationContext struct {
	ConversationID string            `json:"conversation_id"`
	IsFirstRequest bool              `json:"is_first_request"`
	Requirements   map[string]any    `json:"requirements,omitempty"`
	Wireframe      map[string]any    `json:"wireframe,omitempty"`
	GeneratedCode  map[string]string `json:"generated_code,omitempty"`
	ContainerInfo  *ContainerInfo    `json:"container_info,omitempty"`
	Completion     CompletionState   `json:"completion_state"`
	LastError      *LastError        `json:"last_error,omitempty"`
	RetryCount     int               `json:"retry_count"`
	Revision       int64             `json:"revision"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewConversationContext returns a fresh context for a brand new conversation
func NewConversationContext(conversationID string) *ConversationContext {
	return &ConversationContext{
		ConversationID: conversationID,
		IsFirstRequest: true,
		UpdatedAt:      time.Now().UTC(),
	}
}

// HasApplication reports whether generated code exists for this conversation
func (c *ConversationContext) HasApplication() bool {
	return len(c.GeneratedCode) > 0
}

// BeginTurn resets per-turn bookkeeping at a user turn boundary
func (c *ConversationContext) BeginTurn() {
	c.RetryCount = 0
	c.LastError = nil
	c.Completion = CompletionState{}
	c.Touch()
}

// RecordError sets LastError for the given agent
func (c *ConversationContext) RecordError(agent string, err error) {
	if err == nil {
		return
	}
	c.LastError = &LastError{
		Agent:     agent,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// Touch bumps the revision after a mutation
func (c *ConversationContext) Touch() {
	c.Revision++
	c.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand to another goroutine.
// The live container handle is carried over by reference.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Requirements = cloneMap(c.Requirements)
	out.Wireframe = cloneMap(c.Wireframe)
	if c.GeneratedCode != nil {
		out.GeneratedCode = make(map[string]string, len(c.GeneratedCode))
		for path, content := range c.GeneratedCode {
			out.GeneratedCode[path] = content
		}
	}
	if c.ContainerInfo != nil {
		info := *c.ContainerInfo
		out.ContainerInfo = &info
	}
	if c.LastError != nil {
		le := *c.LastError
		out.LastError = &le
	}
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = cloneValue(item)
		}
		return items
	default:
		return v
	}
}
