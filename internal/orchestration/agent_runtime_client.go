package orchestration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/conversation"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

// AgentRuntimeClient invokes agent pipelines on the agent runtime service over HTTP.
// Progress arrives as a server-sent event stream that ends with a result line.
type AgentRuntimeClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
	log        *logger.Logger
}

// InvokeRequest is the body posted to the agent runtime
type InvokeRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Pipeline       PipelineKind           `json:"pipeline"`
	IsFirstRequest bool                   `json:"is_first_request"`
	Message        InvokeMessage          `json:"message"`
	State          models.ClientState     `json:"state"`
	Completion     models.CompletionState `json:"completion_state"`
	Container      *models.ContainerInfo  `json:"container,omitempty"`
}

// InvokeMessage is the user message forwarded to the agent runtime
type InvokeMessage struct {
	ID      string             `json:"id"`
	Type    models.MessageType `json:"type"`
	Content string             `json:"content"`
}

// StreamLine is one `data:` line of the runtime response stream
type StreamLine struct {
	Kind   string          `json:"kind"` // "event" or "result"
	Event  *StreamEvent    `json:"event,omitempty"`
	Result *PipelineResult `json:"result,omitempty"`
	Error  *StreamError    `json:"error,omitempty"`
}

// StreamEvent is a progress event produced by the runtime
type StreamEvent struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// StreamError is a pipeline failure reported by the runtime
type StreamError struct {
	Agent       string `json:"agent"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// NewAgentRuntimeClient creates a client for the agent runtime at baseURL
func NewAgentRuntimeClient(baseURL string, log *logger.Logger) *AgentRuntimeClient {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("agent_runtime_client")

	settings := gobreaker.Settings{
		Name:        "agent-runtime",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			var pe *PipelineError
			return err == nil || (errors.As(err, &pe) && !pe.Recoverable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &AgentRuntimeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// no client timeout: streams run as long as the router's pipeline timeout allows
		httpClient: &http.Client{},
		tracer:     otel.Tracer("agent-runtime-client"),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		log:        log,
	}
}

// Invoke runs the pipeline selected by req.Kind and forwards its progress events
func (c *AgentRuntimeClient) Invoke(ctx context.Context, req PipelineRequest) (*PipelineResult, error) {
	ctx, span := c.tracer.Start(ctx, "agent_runtime.invoke")
	defer span.End()

	span.SetAttributes(
		attribute.String("conversation_id", req.Context.ConversationID),
		attribute.String("pipeline", string(req.Kind)),
	)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invokeInternal(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, RecoverableError(pipelineAgent(req.Kind), fmt.Errorf("agent runtime unavailable: %w", err))
		}
		return nil, err
	}
	return result.(*PipelineResult), nil
}

func (c *AgentRuntimeClient) invokeInternal(ctx context.Context, req PipelineRequest) (*PipelineResult, error) {
	agent := pipelineAgent(req.Kind)

	body := InvokeRequest{
		ConversationID: req.Context.ConversationID,
		Pipeline:       req.Kind,
		IsFirstRequest: req.Context.IsFirstRequest,
		Message: InvokeMessage{
			ID:      req.Message.MessageID,
			Type:    req.Message.Type,
			Content: req.Message.Text(),
		},
		State:      conversation.ExtractClientState(req.Context),
		Completion: req.Context.Completion,
		Container:  req.Context.ContainerInfo,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, FatalError(agent, fmt.Errorf("failed to marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/pipelines/%s/invoke", c.baseURL, req.Kind)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, FatalError(agent, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, RecoverableError(agent, fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("agent runtime returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, RecoverableError(agent, statusErr)
		}
		return nil, FatalError(agent, statusErr)
	}

	return c.readStream(ctx, resp.Body, req, agent)
}

// readStream consumes `data:` lines until the result line arrives
func (c *AgentRuntimeClient) readStream(ctx context.Context, body io.Reader, req PipelineRequest, agent string) (*PipelineResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var sl StreamLine
		if err := json.Unmarshal([]byte(data), &sl); err != nil {
			c.log.Warn().Err(err).Str("conversation_id", req.Context.ConversationID).Msg("skipping undecodable stream line")
			continue
		}

		switch sl.Kind {
		case "event":
			c.forward(ctx, req, sl.Event)
		case "result":
			if sl.Error != nil {
				streamErr := errors.New(sl.Error.Message)
				errAgent := firstNonEmpty(sl.Error.Agent, agent)
				if sl.Error.Recoverable {
					return nil, RecoverableError(errAgent, streamErr)
				}
				return nil, FatalError(errAgent, streamErr)
			}
			if sl.Result == nil {
				return nil, RecoverableError(agent, ErrPipelineIncomplete)
			}
			return sl.Result, nil
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, RecoverableError(agent, fmt.Errorf("stream read failed: %w", err))
	}
	return nil, RecoverableError(agent, fmt.Errorf("stream ended without a result"))
}

// forward hands a runtime progress event to the turn; rejected events are dropped
func (c *AgentRuntimeClient) forward(ctx context.Context, req PipelineRequest, ev *StreamEvent) {
	if ev == nil || req.Events == nil {
		return
	}
	payload, err := events.DecodePayload(ev.Type, ev.Payload)
	if err == nil {
		_, err = req.Events.Emit(ctx, events.Envelope{Type: ev.Type, Payload: payload})
	}
	if err != nil {
		c.log.Debug().Err(err).Str("event_type", string(ev.Type)).Msg("dropped runtime event")
	}
}

// IsHealthy checks if the agent runtime is healthy
func (c *AgentRuntimeClient) IsHealthy(ctx context.Context) bool {
	return healthCheck(ctx, c.tracer, "agent_runtime.health_check", c.breaker, c.baseURL)
}

// healthCheck probes GET /health unless the breaker is already open
func healthCheck(ctx context.Context, tracer trace.Tracer, spanName string, breaker *gobreaker.CircuitBreaker, baseURL string) bool {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	if breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))
	return healthy
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
