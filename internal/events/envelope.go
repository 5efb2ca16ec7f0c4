package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the outbound wire structure wrapping one typed event
type Envelope struct {
	SessionID string    `json:"sessionId"`
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Payload   Payload   `json:"payload"`
}

// NewEnvelope wraps a payload for the given session, stamping id and timestamp
func NewEnvelope(sessionID string, payload Payload) Envelope {
	env := Envelope{SessionID: sessionID, Payload: payload}
	return env.stamp(time.Now)
}

// stamp fills in eventId, timestamp and type when they are missing
func (e Envelope) stamp(now func() time.Time) Envelope {
	if e.Payload != nil {
		e.Payload = deref(e.Payload)
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now().UTC()
	}
	if e.Type == "" && e.Payload != nil {
		e.Type = e.Payload.EventType()
	}
	return e
}

// Validate checks that the envelope carries a known type and a matching, well-formed payload
func (e Envelope) Validate() error {
	if !Known(e.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidPayload, e.Type)
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("%w: %s payload attached to %s envelope", ErrInvalidPayload, e.Payload.EventType(), e.Type)
	}
	if e.EventID == "" || e.Timestamp.IsZero() {
		return fmt.Errorf("%w: envelope is missing eventId or timestamp", ErrInvalidPayload)
	}
	return e.Payload.Validate()
}

// Encode validates and serializes the envelope in one step.
// Nothing is returned unless the whole envelope is valid.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses and validates a serialized envelope
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// UnmarshalJSON decodes the payload into the concrete struct selected by type
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		SessionID string          `json:"sessionId"`
		EventID   string          `json:"eventId"`
		Timestamp time.Time       `json:"timestamp"`
		Type      EventType       `json:"type"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}

	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}

	*e = Envelope{
		SessionID: raw.SessionID,
		EventID:   raw.EventID,
		Timestamp: raw.Timestamp,
		Type:      raw.Type,
		Payload:   payload,
	}
	return nil
}

// DecodePayload decodes a raw payload into the struct for its event type
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch t {
	case TypeRunStarted:
		payload = &RunStarted{}
	case TypeRunFinished:
		payload = &RunFinished{}
	case TypeRunError:
		payload = &RunError{}
	case TypeTextMessageStart:
		payload = &TextMessageStart{}
	case TypeTextMessageContent:
		payload = &TextMessageContent{}
	case TypeTextMessageEnd:
		payload = &TextMessageEnd{}
	case TypeToolCallStart:
		payload = &ToolCallStart{}
	case TypeToolCallArgs:
		payload = &ToolCallArgs{}
	case TypeToolCallResult:
		payload = &ToolCallResult{}
	case TypeToolCallEnd:
		payload = &ToolCallEnd{}
	case TypeStateSnapshot:
		payload = &StateSnapshot{}
	case TypeStateDelta:
		payload = &StateDelta{}
	case TypeMessagesSnapshot:
		payload = &MessagesSnapshot{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
		}
	}
	return deref(payload), nil
}

// deref returns payloads by value so emit and decode sides compare equal
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *RunStarted:
		return *v
	case *RunFinished:
		return *v
	case *RunError:
		return *v
	case *TextMessageStart:
		return *v
	case *TextMessageContent:
		return *v
	case *TextMessageEnd:
		return *v
	case *ToolCallStart:
		return *v
	case *ToolCallArgs:
		return *v
	case *ToolCallResult:
		return *v
	case *ToolCallEnd:
		return *v
	case *StateSnapshot:
		return *v
	case *StateDelta:
		return *v
	case *MessagesSnapshot:
		return *v
	}
	return p
}
