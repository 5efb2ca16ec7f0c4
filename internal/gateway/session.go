package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/orchestration"
)

var (
	// ErrMalformedMessage is returned for inbound frames that are not a valid client message
	ErrMalformedMessage = errors.New("malformed message")
	// ErrTransportClosed is returned by Send once the connection is gone
	ErrTransportClosed = errors.New("transport closed")
)

const agentSession = "session"

// ConversationHandler runs turns for a session
type ConversationHandler interface {
	HandleMessage(ctx context.Context, sessionConversationID string, msg models.InboundMessage, sink events.Sink) (string, *orchestration.TurnOutcome)
	Attach(conversationID string)
	Detach(conversationID string)
}

// SessionObserver receives session metrics
type SessionObserver interface {
	SessionOpened()
	SessionClosed()
	InboundMessage(outcome string)
	OutboundEvent(eventType string)
}

// Inbound outcomes reported to SessionObserver
const (
	inboundAccepted  = "accepted"
	inboundMalformed = "malformed"
)

type nopObserver struct{}

func (nopObserver) SessionOpened()        {}
func (nopObserver) SessionClosed()        {}
func (nopObserver) InboundMessage(string) {}
func (nopObserver) OutboundEvent(string)  {}

// SessionConfig bounds transport liveness
type SessionConfig struct {
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	InboundQueue   int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 << 20
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = 64
	}
	return c
}

func (c SessionConfig) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

type outboundFrame struct {
	data      []byte
	eventType events.EventType
	done      chan error
}

// Session owns one websocket connection. A reader goroutine queues inbound
// frames, a single processor handles them in arrival order, and a single
// writer serialises every outbound frame and ping.
type Session struct {
	ID string

	conn     *websocket.Conn
	handler  ConversationHandler
	observer SessionObserver
	cfg      SessionConfig
	log      *logger.Logger
	tracer   trace.Tracer

	inbound chan []byte
	writeCh chan outboundFrame

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	mu             sync.RWMutex
	conversationID string
}

// NewSession wraps an upgraded connection. conversationID may be empty when
// the handshake did not name a conversation.
func NewSession(conn *websocket.Conn, handler ConversationHandler, conversationID string, cfg SessionConfig, observer SessionObserver, log *logger.Logger) *Session {
	if observer == nil {
		observer = nopObserver{}
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		ID:             id,
		conn:           conn,
		handler:        handler,
		observer:       observer,
		cfg:            cfg,
		log:            log.Component("session").WithFields(map[string]any{"session_id": id}),
		tracer:         otel.Tracer("conversation-session"),
		inbound:        make(chan []byte, cfg.InboundQueue),
		writeCh:        make(chan outboundFrame),
		closed:         make(chan struct{}),
		done:           make(chan struct{}),
		conversationID: conversationID,
	}
}

// Run pumps the connection until it closes and every goroutine has exited
func (s *Session) Run() {
	s.observer.SessionOpened()
	if id := s.ConversationID(); id != "" {
		s.handler.Attach(id)
	}
	s.log.Info().Str("conversation_id", s.ConversationID()).Msg("session opened")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.readPump() }()
	go func() { defer wg.Done(); s.writePump() }()
	go func() { defer wg.Done(); s.processLoop() }()
	wg.Wait()

	s.observer.SessionClosed()
	s.log.Info().Str("conversation_id", s.ConversationID()).Msg("session closed")
	close(s.done)
}

// Done is closed when Run has returned
func (s *Session) Done() <-chan struct{} { return s.done }

// ConversationID returns the conversation the session is bound to
func (s *Session) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

func (s *Session) bind(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// Close marks the session closed; the writer sends a close frame and closes
// the connection. In-flight sends fail with ErrTransportClosed and a turn
// already running finishes server-side.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Send writes one encoded envelope. It implements events.Sink.
func (s *Session) Send(ctx context.Context, frame events.Frame) error {
	select {
	case <-s.closed:
		return ErrTransportClosed
	default:
	}

	out := outboundFrame{data: frame.Data, eventType: frame.Envelope.Type, done: make(chan error, 1)}
	select {
	case s.writeCh <- out:
	case <-s.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.done:
		return err
	case <-s.closed:
		return ErrTransportClosed
	}
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.log.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Msg("connection read error")
			}
			return
		}
		select {
		case s.inbound <- data:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.pingPeriod())
	defer ticker.Stop()
	defer s.conn.Close()
	defer s.Close()

	for {
		select {
		case out := <-s.writeCh:
			if err := s.write(websocket.TextMessage, out.data); err != nil {
				s.log.Warn().Err(err).Str("event_type", string(out.eventType)).Msg("connection write error")
				out.done <- fmt.Errorf("%w: %v", ErrTransportClosed, err)
				return
			}
			s.observer.OutboundEvent(string(out.eventType))
			out.done <- nil
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// processLoop handles inbound frames strictly one at a time and owns the
// session's reference on its bound conversation.
func (s *Session) processLoop() {
	defer func() {
		if id := s.ConversationID(); id != "" {
			s.handler.Detach(id)
		}
	}()

	for {
		select {
		case data := <-s.inbound:
			s.handle(data)
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handle(data []byte) {
	ctx, span := s.tracer.Start(context.Background(), "session.handle_message")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", s.ID))

	msg, err := ParseInboundMessage(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.observer.InboundMessage(inboundMalformed)
		s.log.Warn().Err(err).Msg("rejected inbound message")
		s.reject(ctx, err)
		return
	}
	s.observer.InboundMessage(inboundAccepted)
	span.SetAttributes(
		attribute.String("message_id", msg.MessageID),
		attribute.String("message_type", string(msg.Type)),
	)

	id, outcome := s.handler.HandleMessage(ctx, s.ConversationID(), msg, s)
	s.bind(id)
	span.SetAttributes(attribute.String("conversation_id", id))
	if outcome != nil && outcome.Err != nil {
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
}

// reject answers a malformed frame with a RUN_ERROR outside any turn. The
// conversation is not touched and the connection stays open.
func (s *Session) reject(ctx context.Context, cause error) {
	env := events.NewEnvelope(s.ConversationID(), events.RunError{
		Message: cause.Error(),
		Code:    models.ErrCodeMalformedMessage,
		Agent:   agentSession,
	})
	data, err := events.Encode(env)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode rejection")
		return
	}
	if err := s.Send(ctx, events.Frame{Envelope: env, Data: data}); err != nil {
		s.log.Debug().Err(err).Msg("failed to send rejection")
	}
}

// ParseInboundMessage decodes one client frame. The frame must be a JSON
// object with a known type; a missing messageId is minted.
func ParseInboundMessage(data []byte) (models.InboundMessage, error) {
	var msg models.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := binding.Validator.ValidateStruct(&msg); err != nil {
		return models.InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if bytes.Equal(bytes.TrimSpace(msg.ClientState), []byte("null")) {
		msg.ClientState = nil
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	return msg, nil
}
