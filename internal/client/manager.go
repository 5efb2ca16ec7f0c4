package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

var (
	// ErrMaxReconnectAttemptsReached is delivered on Errors once reconnection gives up
	ErrMaxReconnectAttemptsReached = errors.New("max reconnect attempts reached")
	// ErrNotConnected is returned by Send while no connection is open
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("client closed")
)

// ConnState is the connection lifecycle state
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Config configures a Manager
type Config struct {
	// URL of the conversation socket, e.g. ws://localhost:8080/api/ws/conversations
	URL            string
	Token          string
	ConversationID string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	PingInterval         time.Duration
	WriteWait            time.Duration
	DialTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// DialFunc opens a websocket connection
type DialFunc func(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error)

// Option configures a Manager
type Option func(*Manager)

// WithDialer replaces the websocket dialer
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithLogger sets the manager logger
func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) { m.log = log.Component("client") }
}

// Manager keeps one conversation connection alive. Unexpected closes are
// followed by delayed reconnect attempts until the configured ceiling, at
// which point ErrMaxReconnectAttemptsReached is delivered once on Errors.
// The last conversation id and STATE_SNAPSHOT are carried into every
// outbound message and every reconnect.
type Manager struct {
	cfg  Config
	dial DialFunc
	log  *logger.Logger

	events chan events.Envelope
	errs   chan error
	done   chan struct{}

	mu                  sync.Mutex
	state               ConnState
	conn                *websocket.Conn
	intentionallyClosed bool
	attempts            int
	exhausted           bool
	reconnectTimer      *time.Timer
	stopPing            chan struct{}
	conversationID      string
	clientState         json.RawMessage

	writeMu sync.Mutex
}

// NewManager creates a disconnected manager
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:            cfg.withDefaults(),
		dial:           defaultDial,
		log:            logger.Nop(),
		events:         make(chan events.Envelope, 256),
		errs:           make(chan error, 1),
		done:           make(chan struct{}),
		conversationID: cfg.ConversationID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events delivers every decoded server event
func (m *Manager) Events() <-chan events.Envelope { return m.events }

// Errors delivers terminal client failures
func (m *Manager) Errors() <-chan error { return m.errs }

// State returns the current connection state
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts since the last successful connect
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ConversationID returns the last conversation id seen from the server
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// ClientState returns the last client state received in a STATE_SNAPSHOT
func (m *Manager) ClientState() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientState
}

// Connect opens the connection. A failed first connect is returned to the
// caller and is not retried.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.intentionallyClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.exhausted = false
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	conn, err := m.open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateDisconnected
		return err
	}
	if m.intentionallyClosed {
		m.state = StateDisconnected
		conn.Close()
		return ErrClosed
	}
	m.connectedLocked(conn)
	return nil
}

// Close closes the connection and cancels any pending reconnect. A closed
// manager cannot be reconnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.intentionallyClosed {
		return nil
	}
	m.intentionallyClosed = true
	close(m.done)
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopPingLocked()
	m.state = StateDisconnected

	conn := m.conn
	m.conn = nil
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(m.cfg.WriteWait))
	return conn.Close()
}

// Send writes a message, filling in the conversation id, client state and
// message id when the caller left them empty
func (m *Manager) Send(ctx context.Context, msg models.InboundMessage) error {
	m.mu.Lock()
	conn := m.conn
	if msg.ConversationID == "" {
		msg.ConversationID = m.conversationID
	}
	if msg.ClientState == nil && m.clientState != nil {
		msg.ClientState = m.clientState
	}
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeUserMessage
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	deadline := time.Now().Add(m.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (m *Manager) open(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	target, err := m.target()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))

	return m.dial(ctx, target, header)
}

func (m *Manager) target() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	if id := m.ConversationID(); id != "" {
		q := u.Query()
		q.Set("conversation_id", id)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (m *Manager) connectedLocked(conn *websocket.Conn) {
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.stopPing = make(chan struct{})
	go m.pingLoop(conn, m.stopPing)
	go m.readLoop(conn)
	m.log.Info().Str("conversation_id", m.conversationID).Msg("connected")
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		env, err := events.Decode(data)
		if err != nil {
			m.log.Warn().Err(err).Msg("dropping undecodable event")
			continue
		}
		m.observe(env)

		select {
		case m.events <- env:
		case <-m.done:
			return
		}
	}
}

// observe records the conversation id and the latest client state
func (m *Manager) observe(env events.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env.SessionID != "" {
		m.conversationID = env.SessionID
	}
	if snap, ok := env.Payload.(events.StateSnapshot); ok {
		data, err := json.Marshal(snap.Snapshot)
		if err != nil {
			m.log.Warn().Err(err).Msg("failed to keep client state")
			return
		}
		m.clientState = data
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteWait)); err != nil {
				m.log.Debug().Err(err).Msg("ping failed")
				conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (m *Manager) stopPingLocked() {
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
}

func (m *Manager) handleClose(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != conn {
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.stopPingLocked()
	conn.Close()

	if m.intentionallyClosed {
		return
	}
	m.log.Warn().Err(cause).Msg("connection lost")
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		if !m.exhausted {
			m.exhausted = true
			m.log.Error().Int("attempts", m.attempts).Msg("giving up reconnecting")
			select {
			case m.errs <- fmt.Errorf("%w: %d attempts", ErrMaxReconnectAttemptsReached, m.attempts):
			default:
			}
		}
		return
	}
	m.attempts++
	m.log.Info().Int("attempt", m.attempts).Dur("delay", m.cfg.ReconnectDelay).Msg("scheduling reconnect")
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.intentionallyClosed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	conn, err := m.open(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.intentionallyClosed {
		m.state = StateDisconnected
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.state = StateDisconnected
		m.log.Warn().Err(err).Int("attempt", m.attempts).Msg("reconnect failed")
		m.scheduleReconnectLocked()
		return
	}
	m.connectedLocked(conn)
}

func defaultDial(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial WebSocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial WebSocket: %w", err)
	}
	return conn, nil
}
