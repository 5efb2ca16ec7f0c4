package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/auth"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/orchestration"
)

type fakeHandler struct {
	mu         sync.Mutex
	messages   []models.InboundMessage
	sessionIDs []string
	attached   []string
	detached   []string
	sendErrs   []error

	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	gate     chan struct{}
}

func (f *fakeHandler) HandleMessage(ctx context.Context, sessionConversationID string, msg models.InboundMessage, sink events.Sink) (string, *orchestration.TurnOutcome) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.sessionIDs = append(f.sessionIDs, sessionConversationID)
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	time.Sleep(f.delay)

	id := msg.ConversationID
	if id == "" {
		id = sessionConversationID
	}
	if id == "" {
		id = "conv-minted-1"
	}

	em := events.NewEmitter(id, sink)
	for _, p := range []events.Payload{
		events.RunStarted{ThreadID: id, RunID: "run-" + msg.MessageID},
		events.TextMessageStart{MessageID: msg.MessageID, Role: "assistant"},
		events.TextMessageContent{MessageID: msg.MessageID, Delta: "echo: " + msg.Text()},
		events.TextMessageEnd{MessageID: msg.MessageID},
		events.RunFinished{ThreadID: id, RunID: "run-" + msg.MessageID},
	} {
		_, _ = em.Publish(ctx, p)
	}

	f.mu.Lock()
	f.sendErrs = append(f.sendErrs, em.SinkErr())
	f.mu.Unlock()
	return id, &orchestration.TurnOutcome{ConversationID: id, State: orchestration.StateCompleted, Events: em.History()}
}

func (f *fakeHandler) Attach(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, id)
}

func (f *fakeHandler) Detach(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, id)
}

func (f *fakeHandler) snapshot() (messages int, detached []string, sendErrs []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), append([]string(nil), f.detached...), append([]error(nil), f.sendErrs...)
}

type countingObserver struct {
	mu       sync.Mutex
	opened   int
	closed   int
	inbound  map[string]int
	outbound map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{inbound: map[string]int{}, outbound: map[string]int{}}
}

func (o *countingObserver) SessionOpened() { o.mu.Lock(); o.opened++; o.mu.Unlock() }
func (o *countingObserver) SessionClosed() { o.mu.Lock(); o.closed++; o.mu.Unlock() }
func (o *countingObserver) InboundMessage(outcome string) {
	o.mu.Lock()
	o.inbound[outcome]++
	o.mu.Unlock()
}
func (o *countingObserver) OutboundEvent(eventType string) {
	o.mu.Lock()
	o.outbound[eventType]++
	o.mu.Unlock()
}

func newSocketServer(t *testing.T, handler ConversationHandler, jwtManager *auth.JWTManager, observer SessionObserver) (*httptest.Server, *ConversationSocket) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	socket := NewConversationSocket(handler, jwtManager, SessionConfig{PongWait: 5 * time.Second, WriteWait: time.Second}, observer, nil)
	router := gin.New()
	router.GET("/api/ws/conversations", socket.Serve)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, socket
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/conversations" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := events.Decode(data)
	require.NoError(t, err)
	return env
}

func readTurn(t *testing.T, conn *websocket.Conn) []events.Envelope {
	t.Helper()
	var envs []events.Envelope
	for {
		env := readEnvelope(t, conn)
		envs = append(envs, env)
		if env.Type == events.TypeRunFinished || env.Type == events.TypeRunError {
			return envs
		}
	}
}

func TestSession_StreamsTurnInOrder(t *testing.T) {
	handler := &fakeHandler{}
	observer := newCountingObserver()
	server, _ := newSocketServer(t, handler, nil, observer)
	conn := dial(t, server, "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "user_message",
		"messageId": "m1",
		"content":   "Create a todo app",
	}))

	envs := readTurn(t, conn)
	require.Len(t, envs, 5)

	seq := events.NewSequencer()
	for _, env := range envs {
		require.NoError(t, seq.Check(env.Payload))
		assert.Equal(t, "conv-minted-1", env.SessionID)
	}
	assert.Equal(t, events.TextMessageContent{MessageID: "m1", Delta: "echo: Create a todo app"}, envs[2].Payload)

	require.Eventually(t, func() bool {
		observer.mu.Lock()
		defer observer.mu.Unlock()
		return observer.outbound[string(events.TypeRunFinished)] == 1
	}, 2*time.Second, 10*time.Millisecond)
	observer.mu.Lock()
	assert.Equal(t, 1, observer.opened)
	assert.Equal(t, 1, observer.inbound[inboundAccepted])
	assert.Equal(t, 1, observer.outbound[string(events.TypeTextMessageContent)])
	observer.mu.Unlock()
}

func TestSession_MalformedMessageKeepsConnectionOpen(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "missing_type", frame: `{"messageId":"m1","content":"hi"}`},
		{name: "unknown_type", frame: `{"type":"shout","content":"hi"}`},
		{name: "not_json", frame: `hello there`},
		{name: "json_array", frame: `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &fakeHandler{}
			server, _ := newSocketServer(t, handler, nil, nil)
			conn := dial(t, server, "")

			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			env := readEnvelope(t, conn)
			require.Equal(t, events.TypeRunError, env.Type)
			runErr := env.Payload.(events.RunError)
			assert.Equal(t, models.ErrCodeMalformedMessage, runErr.Code)

			messages, _, _ := handler.snapshot()
			assert.Zero(t, messages, "malformed input never reaches the conversation")

			require.NoError(t, conn.WriteJSON(map[string]any{"type": "user_message", "content": "still there?"}))
			envs := readTurn(t, conn)
			assert.Equal(t, events.TypeRunFinished, envs[len(envs)-1].Type)
		})
	}
}

func TestSession_ProcessesMessagesSequentially(t *testing.T) {
	handler := &fakeHandler{delay: 20 * time.Millisecond}
	server, _ := newSocketServer(t, handler, nil, nil)
	conn := dial(t, server, "?conversation_id=conv-sequential")

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "user_message", "messageId": id, "content": id}))
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		envs := readTurn(t, conn)
		assert.Equal(t, "run-"+id, envs[0].Payload.(events.RunStarted).RunID)
	}
	assert.Equal(t, int32(1), handler.peak.Load())

	handler.mu.Lock()
	assert.Equal(t, []string{"conv-sequential", "conv-sequential", "conv-sequential"}, handler.sessionIDs)
	handler.mu.Unlock()
}

func TestSession_BindsAndReleasesConversation(t *testing.T) {
	handler := &fakeHandler{}
	server, _ := newSocketServer(t, handler, nil, nil)
	conn := dial(t, server, "?conversation_id=conv-handshake")

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.attached) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "user_message", "conversationId": "conv-switched", "content": "hi"}))
	readTurn(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "user_message", "content": "again"}))
	envs := readTurn(t, conn)
	assert.Equal(t, "conv-switched", envs[0].SessionID, "the session follows the conversation of its last turn")

	conn.Close()
	require.Eventually(t, func() bool {
		_, detached, _ := handler.snapshot()
		return len(detached) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, detached, _ := handler.snapshot()
	assert.Equal(t, []string{"conv-switched"}, detached)
}

func TestSession_InvalidHandshakeIDIsIgnored(t *testing.T) {
	handler := &fakeHandler{}
	server, _ := newSocketServer(t, handler, nil, nil)
	conn := dial(t, server, "?conversation_id=bad!")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "user_message", "content": "hi"}))
	envs := readTurn(t, conn)
	assert.Equal(t, "conv-minted-1", envs[0].SessionID)

	handler.mu.Lock()
	assert.Empty(t, handler.attached)
	handler.mu.Unlock()
}

func TestSession_TurnOutlivesClosedTransport(t *testing.T) {
	handler := &fakeHandler{gate: make(chan struct{})}
	server, socket := newSocketServer(t, handler, nil, nil)
	conn := dial(t, server, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "user_message", "content": "long build"}))
	require.Eventually(t, func() bool { return handler.inFlight.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	time.Sleep(50 * time.Millisecond)
	close(handler.gate)

	require.Eventually(t, func() bool {
		_, _, sendErrs := handler.snapshot()
		return len(sendErrs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, sendErrs := handler.snapshot()
	assert.ErrorIs(t, sendErrs[0], ErrTransportClosed)
	require.Eventually(t, func() bool { return socket.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConversationSocket_RequiresToken(t *testing.T) {
	manager, err := auth.NewJWTManagerWithSecret("socket-test-secret")
	require.NoError(t, err)
	server, _ := newSocketServer(t, &fakeHandler{}, manager, nil)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/conversations"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	token, err := manager.GenerateToken(context.Background(), "user-1", "dev", nil, time.Minute)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestConversationSocket_Shutdown(t *testing.T) {
	server, socket := newSocketServer(t, &fakeHandler{}, nil, nil)
	conn := dial(t, server, "")
	require.Eventually(t, func() bool { return socket.ActiveSessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, socket.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestParseInboundMessage(t *testing.T) {
	tests := []struct {
		name        string
		frame       string
		expectedErr bool
		check       func(t *testing.T, msg models.InboundMessage)
	}{
		{
			name:  "full_message",
			frame: `{"type":"user_response","messageId":"m9","conversationId":"conv-1234","clientState":{"retryCount":1},"content":{"answer":"yes"}}`,
			check: func(t *testing.T, msg models.InboundMessage) {
				assert.Equal(t, models.MessageTypeUserResponse, msg.Type)
				assert.Equal(t, "m9", msg.MessageID)
				assert.Equal(t, "conv-1234", msg.ConversationID)
				assert.JSONEq(t, `{"retryCount":1}`, string(msg.ClientState))
				assert.JSONEq(t, `{"answer":"yes"}`, msg.Text())
			},
		},
		{
			name:  "null_optionals",
			frame: `{"type":"user_message","conversationId":null,"clientState":null,"content":"hi"}`,
			check: func(t *testing.T, msg models.InboundMessage) {
				assert.Empty(t, msg.ConversationID)
				assert.Nil(t, msg.ClientState)
				assert.NotEmpty(t, msg.MessageID, "missing ids are minted")
			},
		},
		{name: "missing_type", frame: `{"content":"hi"}`, expectedErr: true},
		{name: "unknown_type", frame: `{"type":"user_shout","content":"hi"}`, expectedErr: true},
		{name: "json_array", frame: `[{"type":"user_message"}]`, expectedErr: true},
		{name: "json_null", frame: `null`, expectedErr: true},
		{name: "message_id_too_long", frame: `{"type":"user_message","messageId":"` + strings.Repeat("m", 129) + `"}`, expectedErr: true},
		{name: "wrong_field_type", frame: `{"type":"user_message","conversationId":42}`, expectedErr: true},
		{name: "empty", frame: ``, expectedErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseInboundMessage([]byte(tt.frame))
			if tt.expectedErr {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}
