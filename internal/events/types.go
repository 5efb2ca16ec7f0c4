package events

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

// EventType is the closed set of outbound event types
type EventType string

const (
	TypeRunStarted         EventType = "RUN_STARTED"
	TypeRunFinished        EventType = "RUN_FINISHED"
	TypeRunError           EventType = "RUN_ERROR"
	TypeTextMessageStart   EventType = "TEXT_MESSAGE_START"
	TypeTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	TypeTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	TypeToolCallStart      EventType = "TOOL_CALL_START"
	TypeToolCallArgs       EventType = "TOOL_CALL_ARGS"
	TypeToolCallResult     EventType = "TOOL_CALL_RESULT"
	TypeToolCallEnd        EventType = "TOOL_CALL_END"
	TypeStateSnapshot      EventType = "STATE_SNAPSHOT"
	TypeStateDelta         EventType = "STATE_DELTA"
	TypeMessagesSnapshot   EventType = "MESSAGES_SNAPSHOT"
)

var (
	// ErrUnknownEventType is returned for event types outside the closed set
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInvalidPayload is returned when a payload does not match its event type
	ErrInvalidPayload = errors.New("invalid event payload")
)

// AllTypes lists every known event type
var AllTypes = []EventType{
	TypeRunStarted, TypeRunFinished, TypeRunError,
	TypeTextMessageStart, TypeTextMessageContent, TypeTextMessageEnd,
	TypeToolCallStart, TypeToolCallArgs, TypeToolCallResult, TypeToolCallEnd,
	TypeStateSnapshot, TypeStateDelta, TypeMessagesSnapshot,
}

// Known reports whether t belongs to the closed event type set
func Known(t EventType) bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Payload is implemented by exactly one struct per event type
type Payload interface {
	EventType() EventType
	Validate() error
}

// RunStarted opens a turn
type RunStarted struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
	Pipeline string `json:"pipeline,omitempty"`
}

// RunFinished closes a successful turn
type RunFinished struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
	Result   any    `json:"result,omitempty"`
}

// RunError closes a failed turn, or reports a rejected inbound message
type RunError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// TextMessageStart opens a streamed assistant message
type TextMessageStart struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
}

// TextMessageContent carries one chunk of a streamed message
type TextMessageContent struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// TextMessageEnd closes a streamed message
type TextMessageEnd struct {
	MessageID string `json:"messageId"`
}

// ToolCallStart opens a tool call
type ToolCallStart struct {
	ToolCallID      string `json:"toolCallId"`
	ToolCallName    string `json:"toolCallName"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// ToolCallArgs carries one chunk of tool call arguments
type ToolCallArgs struct {
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

// ToolCallResult carries the output of a tool call
type ToolCallResult struct {
	ToolCallID string `json:"toolCallId"`
	MessageID  string `json:"messageId,omitempty"`
	Content    string `json:"content"`
}

// ToolCallEnd closes a tool call
type ToolCallEnd struct {
	ToolCallID string `json:"toolCallId"`
}

// StateSnapshot carries the full resumable client state
type StateSnapshot struct {
	Snapshot models.ClientState `json:"snapshot"`
}

// PatchOperation is one JSON Patch (RFC 6902) operation
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// StateDelta carries incremental changes to the client state
type StateDelta struct {
	Delta []PatchOperation `json:"delta"`
}

// ChatMessage is one entry of a messages snapshot
type ChatMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesSnapshot carries the full message list of a conversation
type MessagesSnapshot struct {
	Messages []ChatMessage `json:"messages"`
}

func (RunStarted) EventType() EventType         { return TypeRunStarted }
func (RunFinished) EventType() EventType        { return TypeRunFinished }
func (RunError) EventType() EventType           { return TypeRunError }
func (TextMessageStart) EventType() EventType   { return TypeTextMessageStart }
func (TextMessageContent) EventType() EventType { return TypeTextMessageContent }
func (TextMessageEnd) EventType() EventType     { return TypeTextMessageEnd }
func (ToolCallStart) EventType() EventType      { return TypeToolCallStart }
func (ToolCallArgs) EventType() EventType       { return TypeToolCallArgs }
func (ToolCallResult) EventType() EventType     { return TypeToolCallResult }
func (ToolCallEnd) EventType() EventType        { return TypeToolCallEnd }
func (StateSnapshot) EventType() EventType      { return TypeStateSnapshot }
func (StateDelta) EventType() EventType         { return TypeStateDelta }
func (MessagesSnapshot) EventType() EventType   { return TypeMessagesSnapshot }

func (p RunStarted) Validate() error {
	return required(p, "threadId", p.ThreadID, "runId", p.RunID)
}

func (p RunFinished) Validate() error {
	return required(p, "threadId", p.ThreadID, "runId", p.RunID)
}

func (p RunError) Validate() error {
	return required(p, "message", p.Message)
}

func (p TextMessageStart) Validate() error {
	return required(p, "messageId", p.MessageID, "role", p.Role)
}

func (p TextMessageContent) Validate() error {
	return required(p, "messageId", p.MessageID, "delta", p.Delta)
}

func (p TextMessageEnd) Validate() error {
	return required(p, "messageId", p.MessageID)
}

func (p ToolCallStart) Validate() error {
	return required(p, "toolCallId", p.ToolCallID, "toolCallName", p.ToolCallName)
}

func (p ToolCallArgs) Validate() error {
	return required(p, "toolCallId", p.ToolCallID, "delta", p.Delta)
}

func (p ToolCallResult) Validate() error {
	return required(p, "toolCallId", p.ToolCallID)
}

func (p ToolCallEnd) Validate() error {
	return required(p, "toolCallId", p.ToolCallID)
}

func (p StateSnapshot) Validate() error {
	if p.Snapshot.RetryCount < 0 {
		return fmt.Errorf("%w: %s retryCount must not be negative", ErrInvalidPayload, p.EventType())
	}
	return nil
}

func (p StateDelta) Validate() error {
	if len(p.Delta) == 0 {
		return fmt.Errorf("%w: %s requires at least one operation", ErrInvalidPayload, p.EventType())
	}
	for i, op := range p.Delta {
		switch op.Op {
		case "add", "remove", "replace", "move", "copy", "test":
		default:
			return fmt.Errorf("%w: %s operation %d has unsupported op %q", ErrInvalidPayload, p.EventType(), i, op.Op)
		}
		if !strings.HasPrefix(op.Path, "/") {
			return fmt.Errorf("%w: %s operation %d path must be a JSON pointer", ErrInvalidPayload, p.EventType(), i)
		}
	}
	return nil
}

func (p MessagesSnapshot) Validate() error {
	for i, m := range p.Messages {
		if m.ID == "" || m.Role == "" {
			return fmt.Errorf("%w: %s message %d requires id and role", ErrInvalidPayload, p.EventType(), i)
		}
	}
	return nil
}

// required checks name/value pairs and reports the first empty field
func required(p Payload, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, p.EventType(), pairs[i])
		}
	}
	return nil
}
