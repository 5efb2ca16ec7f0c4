package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/conversation"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

const (
	// AgentRouter is recorded on errors raised by the router itself
	AgentRouter = "router"
	// AgentSandbox is recorded on execution environment failures
	AgentSandbox = "sandbox"
)

// SnapshotWriter receives the context after every router transition
type SnapshotWriter interface {
	Persist(cc *models.ConversationContext, history []events.Envelope)
}

// TurnRecorder receives router turn metrics
type TurnRecorder interface {
	RecordTurnStarted(ctx context.Context, pipeline string)
	RecordTurnRetried(ctx context.Context, pipeline, agent string)
	RecordTurnFinished(ctx context.Context, pipeline, state string, duration time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordTurnStarted(context.Context, string)                         {}
func (noopRecorder) RecordTurnRetried(context.Context, string, string)                 {}
func (noopRecorder) RecordTurnFinished(context.Context, string, string, time.Duration) {}

// RouterConfig bounds pipeline execution
type RouterConfig struct {
	MaxRetries      int
	PipelineTimeout time.Duration
	DevServerProbe  string
}

// Router is the per-turn state machine that selects, runs, retries and
// terminates agent pipelines for a conversation.
type Router struct {
	initial      Pipeline
	modification Pipeline
	sandbox      ExecutionEnvironment
	snapshots    SnapshotWriter
	metrics      TurnRecorder
	cfg          RouterConfig
	log          *logger.Logger
	tracer       trace.Tracer
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithSandbox provisions containers through env before each attempt
func WithSandbox(env ExecutionEnvironment) RouterOption {
	return func(r *Router) { r.sandbox = env }
}

// WithSnapshots persists the context after every transition
func WithSnapshots(w SnapshotWriter) RouterOption {
	return func(r *Router) { r.snapshots = w }
}

// WithTurnMetrics records turn metrics
func WithTurnMetrics(m TurnRecorder) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithRouterLogger sets the router logger
func WithRouterLogger(l *logger.Logger) RouterOption {
	return func(r *Router) { r.log = l.Component("router") }
}

// NewRouter creates a router for the two pipelines
func NewRouter(initial, modification Pipeline, cfg RouterConfig, opts ...RouterOption) *Router {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 10 * time.Minute
	}
	r := &Router{
		initial:      initial,
		modification: modification,
		metrics:      noopRecorder{},
		cfg:          cfg,
		log:          logger.Nop(),
		tracer:       otel.Tracer("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SelectPipeline picks the pipeline for a context. A first request always
// runs the initial pipeline, even when code from an interrupted run exists.
func SelectPipeline(cc *models.ConversationContext) PipelineKind {
	if cc.IsFirstRequest || len(cc.GeneratedCode) == 0 {
		return PipelineInitial
	}
	return PipelineModification
}

// TurnOutcome summarises one router turn
type TurnOutcome struct {
	ConversationID string
	RunID          string
	Pipeline       PipelineKind
	State          State
	Visited        []State
	Attempts       int
	RetryCount     int
	Err            *PipelineError
	Events         []events.Envelope
}

// turn carries the mutable pieces of one Run call
type turn struct {
	r       *Router
	conv    *Conversation
	em      *events.Emitter
	outcome *TurnOutcome
	log     *logger.Logger
}

// Run executes one user turn. The caller must hold the conversation lock and
// conv.Context must be loaded. The turn always ends with exactly one
// RUN_FINISHED or RUN_ERROR event.
func (r *Router) Run(ctx context.Context, conv *Conversation, msg models.InboundMessage, sink events.Sink) *TurnOutcome {
	ctx, span := r.tracer.Start(ctx, "router.run_turn")
	defer span.End()

	start := time.Now()
	cc := conv.Context
	t := &turn{
		r:    r,
		conv: conv,
		em:   events.NewEmitter(cc.ConversationID, sink),
		outcome: &TurnOutcome{
			ConversationID: cc.ConversationID,
			RunID:          uuid.NewString(),
		},
		log: r.log.Conversation(cc.ConversationID),
	}
	span.SetAttributes(
		attribute.String("conversation_id", cc.ConversationID),
		attribute.String("run_id", t.outcome.RunID),
		attribute.String("message_id", msg.MessageID),
	)

	switch conv.State {
	case StateIdle:
	case StateCompleted, StateFailed:
		t.transition(StateIdle)
	default:
		t.log.Warn().Str("state", string(conv.State)).Msg("resetting conversation left mid-turn")
		conv.State = StateIdle
	}

	cc.BeginTurn()
	t.transition(StateRouting)

	kind := SelectPipeline(cc)
	t.outcome.Pipeline = kind
	r.metrics.RecordTurnStarted(ctx, string(kind))
	t.publish(ctx, events.RunStarted{ThreadID: cc.ConversationID, RunID: t.outcome.RunID, Pipeline: string(kind)})

	for {
		kind = SelectPipeline(cc)
		t.outcome.Pipeline = kind
		t.transition(runningState(kind))
		t.outcome.Attempts++

		before := conversation.ExtractClientState(cc)
		result, perr := r.attempt(ctx, cc, kind, msg, t.em)
		if perr == nil {
			if r.apply(ctx, cc, result, t.log) {
				t.complete(ctx, kind, result)
				break
			}
			perr = &PipelineError{
				Agent:       pipelineAgent(kind),
				Code:        models.ErrCodePipelineIncomplete,
				Recoverable: true,
				Err:         ErrPipelineIncomplete,
			}
		}

		cc.RecordError(perr.Agent, perr.Err)
		t.log.Warn().Err(perr.Err).Str("agent", perr.Agent).Bool("recoverable", perr.Recoverable).
			Int("retry_count", cc.RetryCount).Msg("pipeline attempt failed")

		if perr.Recoverable {
			cc.RetryCount++
			if cc.RetryCount < r.cfg.MaxRetries {
				r.metrics.RecordTurnRetried(ctx, string(kind), perr.Agent)
				t.transition(StateRouting)
				ops, err := events.DiffClientState(before, conversation.ExtractClientState(cc))
				if err != nil {
					t.log.Error().Err(err).Msg("failed to compute state delta")
				} else if len(ops) > 0 {
					t.publish(ctx, events.StateDelta{Delta: ops})
				}
				continue
			}
			perr = &PipelineError{
				Agent:       perr.Agent,
				Code:        models.ErrCodeMaxRetriesReached,
				Recoverable: false,
				Err:         fmt.Errorf("max retries reached (%d): %w", r.cfg.MaxRetries, perr.Err),
			}
		}
		t.fail(ctx, perr)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		break
	}

	out := t.outcome
	out.State = conv.State
	out.RetryCount = cc.RetryCount
	out.Events = t.em.History()

	duration := time.Since(start)
	r.metrics.RecordTurnFinished(ctx, string(out.Pipeline), string(out.State), duration)
	var turnErr error
	if out.Err != nil {
		turnErr = out.Err
	}
	t.log.LogTurn(out.ConversationID, string(out.Pipeline), string(out.State), out.RetryCount, duration, turnErr)
	span.SetAttributes(
		attribute.String("pipeline", string(out.Pipeline)),
		attribute.String("state", string(out.State)),
		attribute.Int("attempts", out.Attempts),
	)
	return out
}

// transition moves the conversation to the next state, bumps the context
// revision and schedules a snapshot.
func (t *turn) transition(to State) {
	from := t.conv.State
	if err := validateTransition(from, to); err != nil {
		t.log.Error().Err(err).Msg("rejected router transition")
		return
	}
	t.conv.State = to
	t.outcome.Visited = append(t.outcome.Visited, to)

	cc := t.conv.Context
	cc.Touch()
	t.conv.publish()
	t.conv.history = t.em.History()
	if t.r.snapshots != nil {
		t.r.snapshots.Persist(cc, t.conv.history)
	}
	t.log.Debug().Str("from", string(from)).Str("to", string(to)).Int64("revision", cc.Revision).Msg("router transition")
}

func (t *turn) publish(ctx context.Context, p events.Payload) {
	if _, err := t.em.Publish(ctx, p); err != nil {
		t.log.Error().Err(err).Str("event_type", string(p.EventType())).Msg("failed to emit event")
	}
}

// complete emits the closing events of a successful turn, then enters completed
func (t *turn) complete(ctx context.Context, kind PipelineKind, result *PipelineResult) {
	cc := t.conv.Context
	cc.IsFirstRequest = false
	cc.RetryCount = 0

	if err := t.em.CloseOpenStreams(ctx); err != nil {
		t.log.Error().Err(err).Msg("failed to close pipeline streams")
	}
	if result.Message != "" {
		messageID := uuid.NewString()
		t.publish(ctx, events.TextMessageStart{MessageID: messageID, Role: "assistant"})
		t.publish(ctx, events.TextMessageContent{MessageID: messageID, Delta: result.Message})
		t.publish(ctx, events.TextMessageEnd{MessageID: messageID})
	}
	t.publish(ctx, events.StateSnapshot{Snapshot: conversation.ExtractClientState(cc)})
	t.publish(ctx, events.RunFinished{
		ThreadID: cc.ConversationID,
		RunID:    t.outcome.RunID,
		Result: map[string]any{
			"pipeline": string(kind),
			"files":    len(cc.GeneratedCode),
		},
	})
	t.transition(StateCompleted)
}

// fail emits the single terminal error of the turn, then enters failed
func (t *turn) fail(ctx context.Context, perr *PipelineError) {
	t.outcome.Err = perr
	t.publish(ctx, events.RunError{
		Message: perr.Err.Error(),
		Code:    perr.Code,
		Agent:   perr.Agent,
	})
	t.transition(StateFailed)
}

// attempt runs one pipeline invocation bounded by the configured timeout.
// A pipeline that ignores cancellation is abandoned, not waited for.
func (r *Router) attempt(ctx context.Context, cc *models.ConversationContext, kind PipelineKind, msg models.InboundMessage, em *events.Emitter) (*PipelineResult, *PipelineError) {
	ctx, span := r.tracer.Start(ctx, "router.invoke_pipeline")
	defer span.End()
	span.SetAttributes(attribute.String("pipeline", string(kind)))

	agent := pipelineAgent(kind)

	if err := r.ensureContainer(ctx, cc); err != nil {
		span.RecordError(err)
		return nil, RecoverableError(AgentSandbox, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PipelineTimeout)
	defer cancel()

	progress := &attemptEmitter{target: em}
	defer progress.abandon()

	type invocation struct {
		result *PipelineResult
		err    error
	}
	done := make(chan invocation, 1)
	req := PipelineRequest{Kind: kind, Context: cc.Clone(), Message: msg, Events: progress}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- invocation{err: FatalError(agent, fmt.Errorf("pipeline panicked: %v", rec))}
			}
		}()
		result, err := r.pipelineFor(kind).Invoke(ctx, req)
		done <- invocation{result: result, err: err}
	}()

	select {
	case inv := <-done:
		switch {
		case inv.err != nil && ctx.Err() != nil && errors.Is(inv.err, context.DeadlineExceeded):
			return nil, r.timeoutError(agent)
		case inv.err != nil:
			span.RecordError(inv.err)
			return nil, classify(agent, inv.err)
		case inv.result == nil:
			return nil, &PipelineError{Agent: agent, Code: models.ErrCodePipelineIncomplete, Recoverable: true, Err: ErrPipelineIncomplete}
		}
		return inv.result, nil
	case <-ctx.Done():
		err := r.timeoutError(agent)
		span.RecordError(err)
		return nil, err
	}
}

func (r *Router) timeoutError(agent string) *PipelineError {
	return &PipelineError{
		Agent:       agent,
		Code:        models.ErrCodePipelineTimeout,
		Recoverable: true,
		Err:         fmt.Errorf("%w after %s", ErrPipelineTimeout, r.cfg.PipelineTimeout),
	}
}

func (r *Router) pipelineFor(kind PipelineKind) Pipeline {
	if kind == PipelineModification {
		return r.modification
	}
	return r.initial
}

// ensureContainer provisions an execution environment when none is assigned
func (r *Router) ensureContainer(ctx context.Context, cc *models.ConversationContext) error {
	if r.sandbox == nil {
		return nil
	}
	if cc.ContainerInfo != nil && cc.ContainerInfo.ID != "" && cc.ContainerInfo.Status != ContainerStatusStopped {
		return nil
	}
	info, err := r.sandbox.Initialize(ctx, cc.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	cc.ContainerInfo = info
	return nil
}

// apply replaces artifacts from a pipeline result and reports whether the
// turn is complete. isComplete is only kept when every stage flag is set.
func (r *Router) apply(ctx context.Context, cc *models.ConversationContext, result *PipelineResult, log *logger.Logger) bool {
	if result.Requirements != nil {
		cc.Requirements = result.Requirements
	}
	if result.Wireframe != nil {
		cc.Wireframe = result.Wireframe
	}
	if result.GeneratedCode != nil {
		cc.GeneratedCode = result.GeneratedCode
	}
	cc.Completion = result.Completion

	if r.cfg.DevServerProbe != "" && r.sandbox != nil && cc.Completion.DevServerStarted && cc.ContainerInfo != nil {
		res, err := r.sandbox.ExecuteCommand(ctx, cc.ContainerInfo.ID, r.cfg.DevServerProbe)
		if err != nil || res.ExitCode != 0 {
			log.Warn().Err(err).Msg("dev server probe failed")
			cc.Completion.DevServerStarted = false
		}
	}

	if cc.Completion.IsComplete && !cc.Completion.StagesDone() {
		cc.Completion.IsComplete = false
	}
	return cc.Completion.IsComplete
}

// ReleaseContainer cleans up the execution environment of a conversation.
// The caller must hold the conversation lock.
func (r *Router) ReleaseContainer(ctx context.Context, conv *Conversation) error {
	cc := conv.Context
	if cc == nil || cc.ContainerInfo == nil {
		return nil
	}
	if r.sandbox == nil {
		return fmt.Errorf("no execution environment configured")
	}
	if err := r.sandbox.Cleanup(ctx, cc.ContainerInfo.ID); err != nil {
		return fmt.Errorf("failed to clean up container %s: %w", cc.ContainerInfo.ID, err)
	}
	cc.ContainerInfo = nil
	cc.Touch()
	conv.publish()
	if r.snapshots != nil {
		// the release is not a turn; keep the events of the last one
		r.snapshots.Persist(cc, conv.history)
	}
	return nil
}

func pipelineAgent(kind PipelineKind) string {
	return string(kind) + "_pipeline"
}
