package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/orchestration"
)

// Default test fixtures
var (
	DefaultGeneratedCode = map[string]string{
		"src/App.tsx":  "export default function App() { return <TodoList /> }",
		"package.json": `{"name":"todo-app"}`,
	}

	ModifiedGeneratedCode = map[string]string{
		"src/App.tsx":  "export default function App() { return <TodoList color=\"blue\" /> }",
		"package.json": `{"name":"todo-app"}`,
	}

	CompleteStages = models.CompletionState{
		ExplorationComplete: true,
		BuildSuccessful:     true,
		DevServerStarted:    true,
		RequirementsMet:     true,
		IsComplete:          true,
	}
)

// AgentRuntimeServer is a fake agent runtime that streams a short reply and
// a complete result for every pipeline invocation
type AgentRuntimeServer struct {
	*httptest.Server

	mu    sync.Mutex
	calls []orchestration.InvokeRequest
}

// NewAgentRuntimeServer starts a fake agent runtime for the test
func NewAgentRuntimeServer(t *testing.T) *AgentRuntimeServer {
	t.Helper()
	s := &AgentRuntimeServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /pipelines/{kind}/invoke", s.invoke)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Calls returns every invocation received so far
func (s *AgentRuntimeServer) Calls() []orchestration.InvokeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orchestration.InvokeRequest(nil), s.calls...)
}

func (s *AgentRuntimeServer) invoke(w http.ResponseWriter, r *http.Request) {
	var req orchestration.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	code := DefaultGeneratedCode
	if req.Pipeline == orchestration.PipelineModification {
		code = ModifiedGeneratedCode
	}
	messageID := "agent-" + req.Message.ID

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	lines := []orchestration.StreamLine{
		streamEvent(events.TextMessageStart{MessageID: messageID, Role: "assistant"}),
		streamEvent(events.TextMessageContent{MessageID: messageID, Delta: fmt.Sprintf("Working on: %s", req.Message.Content)}),
		streamEvent(events.TextMessageEnd{MessageID: messageID}),
		{Kind: "result", Result: &orchestration.PipelineResult{
			Requirements:  map[string]any{"summary": req.Message.Content},
			GeneratedCode: code,
			Completion:    CompleteStages,
			Message:       "done",
		}},
	}
	for _, line := range lines {
		data, _ := json.Marshal(line)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func streamEvent(p events.Payload) orchestration.StreamLine {
	payload, _ := json.Marshal(p)
	return orchestration.StreamLine{
		Kind:  "event",
		Event: &orchestration.StreamEvent{Type: p.EventType(), Payload: payload},
	}
}

// SandboxServer is a fake sandbox service handing out one container per conversation
type SandboxServer struct {
	*httptest.Server

	mu      sync.Mutex
	created []string
	deleted []string
}

// NewSandboxServer starts a fake sandbox service for the test
func NewSandboxServer(t *testing.T) *SandboxServer {
	t.Helper()
	s := &SandboxServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /containers", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		s.created = append(s.created, body["conversation_id"])
		id := fmt.Sprintf("ctr-%d", len(s.created))
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.ContainerInfo{ID: id, Port: 5173, Status: orchestration.ContainerStatusRunning})
	})
	mux.HandleFunc("POST /containers/{id}/exec", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orchestration.CommandResult{Stdout: "ok"})
	})
	mux.HandleFunc("DELETE /containers/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.deleted = append(s.deleted, r.PathValue("id"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Created returns the conversation ids containers were created for
func (s *SandboxServer) Created() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

// Deleted returns the ids of removed containers
func (s *SandboxServer) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// WebSocketURL turns an httptest server URL into a ws:// URL for path
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}
