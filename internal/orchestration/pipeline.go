package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

// PipelineKind selects the agent pipeline for a turn
type PipelineKind string

const (
	PipelineInitial      PipelineKind = "initial"
	PipelineModification PipelineKind = "modification"
)

var (
	// ErrPipelineTimeout is returned when an invocation exceeds the configured ceiling
	ErrPipelineTimeout = errors.New("pipeline invocation timed out")
	// ErrPipelineIncomplete is returned when a pipeline finishes without reaching completion
	ErrPipelineIncomplete = errors.New("pipeline finished without completing")
	// ErrAttemptAbandoned is returned to pipelines emitting after their attempt was given up
	ErrAttemptAbandoned = errors.New("pipeline attempt abandoned")
)

// ProgressEmitter receives progress events produced while a pipeline runs
type ProgressEmitter interface {
	Emit(ctx context.Context, env events.Envelope) (events.Envelope, error)
}

// PipelineRequest is the input handed to an agent pipeline. Context is a
// private copy; pipelines report changes through PipelineResult only.
type PipelineRequest struct {
	Kind    PipelineKind
	Context *models.ConversationContext
	Message models.InboundMessage
	Events  ProgressEmitter
}

// PipelineResult carries the updated context fields of a pipeline run.
// Nil artifacts are left unchanged; non-nil artifacts replace the stored ones whole.
type PipelineResult struct {
	Requirements  map[string]any         `json:"requirements,omitempty"`
	Wireframe     map[string]any         `json:"wireframe,omitempty"`
	GeneratedCode map[string]string      `json:"generated_code,omitempty"`
	Completion    models.CompletionState `json:"completion_state"`
	Message       string                 `json:"message,omitempty"`
}

// Pipeline is the agent-logic collaborator
type Pipeline interface {
	Invoke(ctx context.Context, req PipelineRequest) (*PipelineResult, error)
}

// PipelineFunc adapts a function to the Pipeline interface
type PipelineFunc func(ctx context.Context, req PipelineRequest) (*PipelineResult, error)

// Invoke calls f(ctx, req)
func (f PipelineFunc) Invoke(ctx context.Context, req PipelineRequest) (*PipelineResult, error) {
	return f(ctx, req)
}

// PipelineError classifies a pipeline failure for the router
type PipelineError struct {
	Agent       string
	Code        string
	Recoverable bool
	Err         error
}

func (e *PipelineError) Error() string {
	kind := "fatal"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("%s pipeline error from %s: %v", kind, e.Agent, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// RecoverableError marks err as retryable
func RecoverableError(agent string, err error) *PipelineError {
	return &PipelineError{Agent: agent, Code: models.ErrCodePipelineRecoverable, Recoverable: true, Err: err}
}

// FatalError marks err as requiring a new user turn
func FatalError(agent string, err error) *PipelineError {
	return &PipelineError{Agent: agent, Code: models.ErrCodePipelineFatal, Err: err}
}

// classify turns any error into a PipelineError; unclassified errors are fatal
func classify(agent string, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Agent == "" {
			pe.Agent = agent
		}
		if pe.Code == "" {
			pe.Code = models.ErrCodePipelineFatal
			if pe.Recoverable {
				pe.Code = models.ErrCodePipelineRecoverable
			}
		}
		return pe
	}
	return FatalError(agent, err)
}

// ExecutionEnvironment is the sandboxed container collaborator
type ExecutionEnvironment interface {
	Initialize(ctx context.Context, conversationID string) (*models.ContainerInfo, error)
	ExecuteCommand(ctx context.Context, containerID, command string) (*CommandResult, error)
	Cleanup(ctx context.Context, containerID string) error
}

// CommandResult is the outcome of a command run inside a container
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// attemptEmitter forwards progress for one pipeline attempt. Run lifecycle
// events belong to the router, and nothing is forwarded once the attempt is abandoned.
type attemptEmitter struct {
	target ProgressEmitter

	mu        sync.Mutex
	abandoned bool
}

func (a *attemptEmitter) Emit(ctx context.Context, env events.Envelope) (events.Envelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.abandoned {
		return events.Envelope{}, ErrAttemptAbandoned
	}
	typ := env.Type
	if typ == "" && env.Payload != nil {
		typ = env.Payload.EventType()
	}
	switch typ {
	case events.TypeRunStarted, events.TypeRunFinished, events.TypeRunError, events.TypeStateSnapshot:
		return events.Envelope{}, fmt.Errorf("%w: pipelines may not emit %s", events.ErrOrderingViolation, typ)
	}
	return a.target.Emit(ctx, env)
}

func (a *attemptEmitter) abandon() {
	a.mu.Lock()
	a.abandoned = true
	a.mu.Unlock()
}
