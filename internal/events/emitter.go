package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Frame is a validated envelope together with its serialized form
type Frame struct {
	Envelope Envelope
	Data     []byte
}

// Sink receives encoded frames, typically a websocket session
type Sink interface {
	Send(ctx context.Context, frame Frame) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, frame Frame) error

// Send calls f(ctx, frame)
func (f SinkFunc) Send(ctx context.Context, frame Frame) error { return f(ctx, frame) }

// Emitter stamps, validates, orders and records the events of one turn before
// handing them to a sink. Once the sink fails the emitter stops writing to it
// but keeps recording, so the turn history is still persisted.
type Emitter struct {
	sessionID string
	sink      Sink
	now       func() time.Time

	mu       sync.Mutex
	seq      *Sequencer
	history  []Envelope
	detached bool
	sinkErr  error
}

// NewEmitter creates an emitter for one turn of the given conversation.
// A nil sink records events without delivering them.
func NewEmitter(sessionID string, sink Sink) *Emitter {
	return &Emitter{
		sessionID: sessionID,
		sink:      sink,
		now:       time.Now,
		seq:       NewSequencer(),
		detached:  sink == nil,
	}
}

// Publish wraps payload in a new envelope and emits it
func (e *Emitter) Publish(ctx context.Context, payload Payload) (Envelope, error) {
	return e.Emit(ctx, Envelope{Payload: payload})
}

// Emit stamps missing fields, validates the envelope and its position in the
// turn, then delivers the whole frame or nothing.
func (e *Emitter) Emit(ctx context.Context, env Envelope) (Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	env.SessionID = e.sessionID
	env = env.stamp(e.now)

	data, err := Encode(env)
	if err != nil {
		return Envelope{}, err
	}
	if err := e.seq.Check(env.Payload); err != nil {
		return Envelope{}, err
	}

	e.history = append(e.history, env)

	if !e.detached {
		if err := e.sink.Send(ctx, Frame{Envelope: env, Data: data}); err != nil {
			e.detached = true
			e.sinkErr = err
		}
	}
	return env, nil
}

// CloseOpenStreams ends every tool call and message that is still open, in id order
func (e *Emitter) CloseOpenStreams(ctx context.Context) error {
	e.mu.Lock()
	msgs, calls := e.seq.OpenStreams()
	e.mu.Unlock()

	sort.Strings(msgs)
	sort.Strings(calls)
	for _, id := range calls {
		if _, err := e.Publish(ctx, ToolCallEnd{ToolCallID: id}); err != nil {
			return err
		}
	}
	for _, id := range msgs {
		if _, err := e.Publish(ctx, TextMessageEnd{MessageID: id}); err != nil {
			return err
		}
	}
	return nil
}

// History returns a copy of every event accepted during the turn
func (e *Emitter) History() []Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Envelope, len(e.history))
	copy(out, e.history)
	return out
}

// Started reports whether RUN_STARTED has been emitted
func (e *Emitter) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq.Started()
}

// Finished reports whether the turn has been closed by RUN_FINISHED or RUN_ERROR
func (e *Emitter) Finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq.Finished()
}

// SinkErr returns the error that detached the sink, if any
func (e *Emitter) SinkErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sinkErr
}

// SessionID returns the conversation id stamped on every envelope
func (e *Emitter) SessionID() string { return e.sessionID }
