package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/auth"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/conversation"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

// ConversationSocket upgrades HTTP requests to conversation sessions
type ConversationSocket struct {
	handler    ConversationHandler
	jwtManager *auth.JWTManager
	cfg        SessionConfig
	observer   SessionObserver
	log        *logger.Logger
	tracer     trace.Tracer
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewConversationSocket creates the websocket endpoint. A nil jwtManager
// disables authentication.
func NewConversationSocket(handler ConversationHandler, jwtManager *auth.JWTManager, cfg SessionConfig, observer SessionObserver, log *logger.Logger) *ConversationSocket {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("conversation_socket")
	return &ConversationSocket{
		handler:    handler,
		jwtManager: jwtManager,
		cfg:        cfg,
		observer:   observer,
		log:        log,
		tracer:     otel.Tracer("conversation-socket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the IDE frontend host is configurable
				log.Debug().Str("origin", r.Header.Get("Origin")).Msg("websocket connection")
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
		sessions: make(map[*Session]struct{}),
	}
}

// Serve handles GET /api/ws/conversations
// @Summary Open a conversation session
// @Description WebSocket endpoint carrying user messages in and AG-UI events out
// @Tags conversations
// @Param conversation_id query string false "Conversation to resume"
// @Param token query string false "JWT when authentication is enabled"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Router /ws/conversations [get]
func (s *ConversationSocket) Serve(c *gin.Context) {
	ctx, span := s.tracer.Start(c.Request.Context(), "conversation_socket.serve")

	if s.jwtManager != nil {
		claims, err := s.jwtManager.ValidateToken(ctx, auth.TokenFromRequest(c.Request))
		if err != nil {
			span.RecordError(err)
			span.End()
			s.log.Warn().Err(err).Msg("websocket authentication failed")
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized", Code: models.ErrCodeUnauthorized})
			return
		}
		span.SetAttributes(attribute.String("user.id", claims.UserID))
		c.Set(auth.UserIDKey, claims.UserID)
	}

	conversationID := c.Query("conversation_id")
	if conversationID != "" {
		if err := conversation.ValidateConversationID(conversationID); err != nil {
			s.log.Warn().Err(err).Msg("ignoring invalid handshake conversation id")
			conversationID = ""
		}
	}
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		s.log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}
	span.End()

	session := NewSession(conn, s.handler, conversationID, s.cfg, s.observer, s.log)
	s.track(session)
	defer s.untrack(session)
	session.Run()
}

func (s *ConversationSocket) track(session *Session) {
	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
}

func (s *ConversationSocket) untrack(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

// ActiveSessions returns the number of open sessions
func (s *ConversationSocket) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every session and waits for them to finish or ctx to end.
// Turns still running keep going and persist their results.
func (s *ConversationSocket) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		open = append(open, session)
	}
	s.mu.Unlock()

	for _, session := range open {
		session.Close()
	}
	for _, session := range open {
		select {
		case <-session.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
