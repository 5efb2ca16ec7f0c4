package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

// Container statuses reported by the sandbox service
const (
	ContainerStatusRunning = "running"
	ContainerStatusStopped = "stopped"
)

// SandboxClient talks to the sandbox service that owns execution containers
type SandboxClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

// NewSandboxClient creates a client for the sandbox service at baseURL
func NewSandboxClient(baseURL string, log *logger.Logger) *SandboxClient {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("sandbox_client")

	settings := gobreaker.Settings{
		Name:        "sandbox",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &SandboxClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		tracer:  otel.Tracer("sandbox-client"),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Initialize creates a container for a conversation
func (c *SandboxClient) Initialize(ctx context.Context, conversationID string) (*models.ContainerInfo, error) {
	ctx, span := c.tracer.Start(ctx, "sandbox.initialize")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))

	var info models.ContainerInfo
	err := c.do(ctx, http.MethodPost, "/containers", map[string]string{"conversation_id": conversationID}, &info, http.StatusOK, http.StatusCreated)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to initialize container: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("sandbox returned a container without id")
	}
	if info.Status == "" {
		info.Status = ContainerStatusRunning
	}
	span.SetAttributes(attribute.String("container_id", info.ID))
	return &info, nil
}

// ExecuteCommand runs a shell command inside a container
func (c *SandboxClient) ExecuteCommand(ctx context.Context, containerID, command string) (*CommandResult, error) {
	ctx, span := c.tracer.Start(ctx, "sandbox.execute_command")
	defer span.End()
	span.SetAttributes(attribute.String("container_id", containerID))

	var result CommandResult
	path := fmt.Sprintf("/containers/%s/exec", url.PathEscape(containerID))
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"command": command}, &result, http.StatusOK); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	return &result, nil
}

// Cleanup removes a container; a container that is already gone is not an error
func (c *SandboxClient) Cleanup(ctx context.Context, containerID string) error {
	ctx, span := c.tracer.Start(ctx, "sandbox.cleanup")
	defer span.End()
	span.SetAttributes(attribute.String("container_id", containerID))

	path := fmt.Sprintf("/containers/%s", url.PathEscape(containerID))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, http.StatusOK, http.StatusNoContent, http.StatusNotFound); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clean up container: %w", err)
	}
	return nil
}

// IsHealthy checks if the sandbox service is healthy
func (c *SandboxClient) IsHealthy(ctx context.Context) bool {
	return healthCheck(ctx, c.tracer, "sandbox.health_check", c.breaker, c.baseURL)
}

// do performs one JSON request through the circuit breaker
func (c *SandboxClient) do(ctx context.Context, method, path string, in, out any, accepted ...int) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if in != nil {
			jsonData, err := json.Marshal(in)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			body = bytes.NewBuffer(jsonData)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if in != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		if !statusIn(resp.StatusCode, accepted) {
			bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		}
		if out != nil && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

func statusIn(status int, accepted []int) bool {
	for _, s := range accepted {
		if status == s {
			return true
		}
	}
	return false
}
