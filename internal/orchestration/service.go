package orchestration

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/conversation"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/snapshot"
)

var (
	// ErrConversationNotFound is returned when neither a live entry nor a snapshot exists
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationBusy is returned when a turn holds the conversation
	ErrConversationBusy = errors.New("conversation has a turn in progress")
)

// Service ties the context store, the live registry and the router together
type Service struct {
	registry *Registry
	contexts *conversation.Store
	router   *Router
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewService creates a conversation service
func NewService(contexts *conversation.Store, router *Router, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		registry: NewRegistry(),
		contexts: contexts,
		router:   router,
		log:      log.Component("conversation_service"),
		tracer:   otel.Tracer("conversation-service"),
	}
}

// Registry exposes the live conversation registry
func (s *Service) Registry() *Registry { return s.registry }

// HandleMessage runs one turn for msg. The conversation id comes from the
// message, else from the session binding; a missing or invalid id starts a
// new conversation. The turn runs detached from ctx cancellation so a closed
// transport never interrupts a pipeline. The resolved conversation id is
// returned and the session binding reference is moved to it; the session
// releases it with Detach when it closes.
func (s *Service) HandleMessage(ctx context.Context, sessionConversationID string, msg models.InboundMessage, sink events.Sink) (string, *TurnOutcome) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "conversation_service.handle_message")
	defer span.End()

	id := msg.ConversationID
	if id == "" {
		id = sessionConversationID
	}

	var conv *Conversation
	if id != "" && conversation.ValidateConversationID(id) == nil {
		conv = s.registry.Acquire(id)
		conv.Lock()
		if conv.Context == nil {
			conv.Context = s.contexts.Load(ctx, id, msg.ClientState)
		}
	} else {
		cc := s.contexts.Load(ctx, id, msg.ClientState)
		conv = s.registry.Acquire(cc.ConversationID)
		conv.Lock()
		if conv.Context == nil {
			conv.Context = cc
		}
	}
	defer s.registry.Release(conv)
	defer conv.Unlock()

	if conv.ID != sessionConversationID {
		// the session now binds to conv; move its reference over
		s.registry.Acquire(conv.ID)
		if sessionConversationID != "" {
			s.Detach(sessionConversationID)
		}
	}

	span.SetAttributes(attribute.String("conversation_id", conv.ID))
	outcome := s.router.Run(ctx, conv, msg, sink)
	return conv.ID, outcome
}

// Attach keeps a conversation live while a session is bound to it.
// Sessions attach only to ids supplied in the handshake.
func (s *Service) Attach(conversationID string) {
	s.registry.Acquire(conversationID)
}

// Detach releases a reference taken by Attach
func (s *Service) Detach(conversationID string) {
	if conv, ok := s.registry.Lookup(conversationID); ok {
		s.registry.Release(conv)
	}
}

// ClientState returns the resumable state of a conversation, preferring the live entry
func (s *Service) ClientState(ctx context.Context, conversationID string) (models.ClientState, error) {
	if err := conversation.ValidateConversationID(conversationID); err != nil {
		return models.ClientState{}, err
	}
	if conv, ok := s.registry.Lookup(conversationID); ok {
		if state, ok := conv.ClientState(); ok {
			return state, nil
		}
	}
	snap, err := s.latestSnapshot(ctx, conversationID)
	if err != nil {
		return models.ClientState{}, err
	}
	return conversation.ExtractClientState(&snap.Context), nil
}

// ReleaseContainer cleans up the execution environment of a conversation
func (s *Service) ReleaseContainer(ctx context.Context, conversationID string) error {
	if err := conversation.ValidateConversationID(conversationID); err != nil {
		return err
	}

	conv := s.registry.Acquire(conversationID)
	defer s.registry.Release(conv)

	if !conv.TryLock() {
		return ErrConversationBusy
	}
	defer conv.Unlock()

	if conv.Context == nil {
		snap, err := s.latestSnapshot(ctx, conversationID)
		if err != nil {
			return err
		}
		conv.Context = snap.Context.Clone()
		conv.history = snap.Events
	}

	return s.router.ReleaseContainer(ctx, conv)
}

// latestSnapshot reads the newest pending or stored snapshot of a conversation
func (s *Service) latestSnapshot(ctx context.Context, conversationID string) (*snapshot.Snapshot, error) {
	snap, err := s.contexts.Latest(ctx, conversationID)
	if errors.Is(err, snapshot.ErrNotFound) || errors.Is(err, snapshot.ErrInvalidSnapshot) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}
