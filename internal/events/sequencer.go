package events

import (
	"errors"
	"fmt"
)

// ErrOrderingViolation is returned when an event would break the per-turn ordering contract
var ErrOrderingViolation = errors.New("event ordering violation")

type streamState int

const (
	streamOpen streamState = iota + 1
	streamEnded
)

// Sequencer enforces the ordering contract for the events of one turn:
// RUN_STARTED comes first, message and tool call streams open before their
// deltas and close after them, and nothing follows RUN_FINISHED or RUN_ERROR.
type Sequencer struct {
	started   bool
	finished  bool
	messages  map[string]streamState
	toolCalls map[string]streamState
}

// NewSequencer returns a sequencer for a fresh turn
func NewSequencer() *Sequencer {
	return &Sequencer{
		messages:  make(map[string]streamState),
		toolCalls: make(map[string]streamState),
	}
}

// Started reports whether RUN_STARTED has been accepted
func (s *Sequencer) Started() bool { return s.started }

// Finished reports whether a terminal event has been accepted
func (s *Sequencer) Finished() bool { return s.finished }

// OpenStreams lists message and tool call ids that were started but not ended
func (s *Sequencer) OpenStreams() (messages []string, toolCalls []string) {
	for id, st := range s.messages {
		if st == streamOpen {
			messages = append(messages, id)
		}
	}
	for id, st := range s.toolCalls {
		if st == streamOpen {
			toolCalls = append(toolCalls, id)
		}
	}
	return messages, toolCalls
}

// Check validates p against the events accepted so far and records it on success
func (s *Sequencer) Check(p Payload) error {
	if s.finished {
		return violation("%s after the turn ended", p.EventType())
	}
	if !s.started {
		if _, ok := p.(RunStarted); !ok {
			return violation("%s before RUN_STARTED", p.EventType())
		}
	}

	switch v := p.(type) {
	case RunStarted:
		if s.started {
			return violation("RUN_STARTED emitted twice")
		}
		s.started = true
	case RunFinished:
		if msgs, calls := s.OpenStreams(); len(msgs) > 0 || len(calls) > 0 {
			return violation("RUN_FINISHED with open streams (messages %v, tool calls %v)", msgs, calls)
		}
		s.finished = true
	case RunError:
		s.finished = true
	case TextMessageStart:
		if _, seen := s.messages[v.MessageID]; seen {
			return violation("message %s started twice", v.MessageID)
		}
		s.messages[v.MessageID] = streamOpen
	case TextMessageContent:
		if s.messages[v.MessageID] != streamOpen {
			return violation("content for message %s outside its start/end", v.MessageID)
		}
	case TextMessageEnd:
		if s.messages[v.MessageID] != streamOpen {
			return violation("end for message %s that is not open", v.MessageID)
		}
		s.messages[v.MessageID] = streamEnded
	case ToolCallStart:
		if _, seen := s.toolCalls[v.ToolCallID]; seen {
			return violation("tool call %s started twice", v.ToolCallID)
		}
		s.toolCalls[v.ToolCallID] = streamOpen
	case ToolCallArgs:
		if s.toolCalls[v.ToolCallID] != streamOpen {
			return violation("args for tool call %s outside its start/end", v.ToolCallID)
		}
	case ToolCallEnd:
		if s.toolCalls[v.ToolCallID] != streamOpen {
			return violation("end for tool call %s that is not open", v.ToolCallID)
		}
		s.toolCalls[v.ToolCallID] = streamEnded
	case ToolCallResult:
		if _, seen := s.toolCalls[v.ToolCallID]; !seen {
			return violation("result for unknown tool call %s", v.ToolCallID)
		}
	case StateSnapshot, StateDelta, MessagesSnapshot:
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEventType, p)
	}
	return nil
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOrderingViolation, fmt.Sprintf(format, args...))
}
