// Package conversation loads and reconstructs conversation contexts.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/snapshot"
)

// AgentContextStore is the agent name recorded on errors absorbed by Load
const AgentContextStore = "context_store"

// ErrInvalidConversationID is returned for ids that are neither a UUID nor a plain token
var ErrInvalidConversationID = errors.New("invalid conversation id")

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidateConversationID accepts a UUID or an 8-64 character alphanumeric, dash or underscore token
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err == nil && len(id) == 36 {
		return nil
	}
	if tokenPattern.MatchString(id) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidConversationID, id)
}

// NewConversationID mints a new conversation id
func NewConversationID() string {
	return uuid.NewString()
}

// PendingSnapshots reports snapshots accepted for writing that may not be stored yet
type PendingSnapshots interface {
	Latest(conversationID string) (snapshot.Snapshot, bool)
}

// Store resolves the authoritative context for a conversation id
type Store struct {
	snapshots snapshot.Store
	pending   PendingSnapshots
	log       *logger.Logger
	newID     func() string
	now       func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithPending consults p before the durable store so a snapshot still being
// written is never shadowed by an older stored one
func WithPending(p PendingSnapshots) StoreOption {
	return func(s *Store) { s.pending = p }
}

// NewStore creates a context store reading recovery snapshots from snapshots
func NewStore(snapshots snapshot.Store, log *logger.Logger, opts ...StoreOption) *Store {
	if log == nil {
		log = logger.Nop()
	}
	s := &Store{
		snapshots: snapshots,
		log:       log.Component("context_store"),
		newID:     NewConversationID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns a usable context and never fails. In order: a missing id mints
// a new conversation, an invalid id falls back to a new conversation, client
// state is trusted when present, then the newest pending or stored snapshot,
// and finally an empty context for a known id. Unexpected failures produce a
// fresh context carrying lastError. Contexts not restored from a snapshot
// start above any version already stored or queued for the id.
func (s *Store) Load(ctx context.Context, conversationID string, clientState json.RawMessage) (cc *models.ConversationContext) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("conversation_id", conversationID).Msg("recovered while loading context")
			cc = s.fallback(conversationID, fmt.Errorf("panic while loading context: %v", r))
		}
	}()

	if conversationID == "" {
		return models.NewConversationContext(s.newID())
	}

	if err := ValidateConversationID(conversationID); err != nil {
		s.log.Warn().Err(err).Msg("falling back to a new conversation")
		return s.fallback("", err)
	}

	if state, ok := ParseClientState(clientState); ok {
		return s.aboveKnownVersions(ctx, s.fromClientState(conversationID, state))
	}

	snap, err := s.Latest(ctx, conversationID)
	switch {
	case err == nil:
		return snap.Context.Clone()
	case errors.Is(err, snapshot.ErrNotFound):
		return s.degraded(conversationID)
	case errors.Is(err, snapshot.ErrInvalidSnapshot):
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("discarding invalid snapshot")
		return s.aboveKnownVersions(ctx, s.degraded(conversationID))
	default:
		s.log.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to load snapshot")
		return s.aboveKnownVersions(ctx, s.fallback(conversationID, fmt.Errorf("failed to load snapshot: %w", err)))
	}
}

// Latest returns the newest snapshot of a conversation, preferring one that is
// still queued for writing over an older stored one
func (s *Store) Latest(ctx context.Context, conversationID string) (*snapshot.Snapshot, error) {
	var queued *snapshot.Snapshot
	if s.pending != nil {
		if snap, ok := s.pending.Latest(conversationID); ok {
			queued = &snap
		}
	}
	if s.snapshots == nil {
		if queued != nil {
			return queued, nil
		}
		return nil, snapshot.ErrNotFound
	}

	stored, err := snapshot.LoadLatest(ctx, s.snapshots, conversationID)
	if queued != nil && (err != nil || stored.Version < queued.Version) {
		return queued, nil
	}
	return stored, err
}

// aboveKnownVersions raises the revision of a rebuilt context past every
// version stored or queued for it, so its snapshots are not rejected as stale
func (s *Store) aboveKnownVersions(ctx context.Context, cc *models.ConversationContext) *models.ConversationContext {
	var known int64 = -1
	if s.pending != nil {
		if snap, ok := s.pending.Latest(cc.ConversationID); ok {
			known = snap.Version
		}
	}
	if versioner, ok := s.snapshots.(snapshot.Versioner); ok {
		version, err := versioner.Version(ctx, cc.ConversationID)
		switch {
		case err == nil:
			known = max(known, version)
		case !errors.Is(err, snapshot.ErrNotFound):
			s.log.Warn().Err(err).Str("conversation_id", cc.ConversationID).Msg("failed to read stored snapshot version")
		}
	}
	if cc.Revision <= known {
		cc.Revision = known + 1
	}
	return cc
}

// fromClientState rebuilds a context from the client's resumable state.
// Client state carries no revision, so the clock seeds one that outranks older snapshots.
func (s *Store) fromClientState(conversationID string, state models.ClientState) *models.ConversationContext {
	cc := &models.ConversationContext{
		ConversationID: conversationID,
		IsFirstRequest: false,
		Requirements:   state.Requirements,
		Wireframe:      state.Wireframe,
		GeneratedCode:  state.GeneratedCode,
		LastError:      state.LastError,
		RetryCount:     max(state.RetryCount, 0),
		Revision:       s.now().UnixMicro(),
		UpdatedAt:      s.now().UTC(),
	}
	return cc.Clone()
}

// degraded is the explicit recovery result for a known id with nothing stored
func (s *Store) degraded(conversationID string) *models.ConversationContext {
	cc := models.NewConversationContext(conversationID)
	cc.IsFirstRequest = false
	return cc
}

// fallback returns a fresh context tagged with the failure; an empty id mints a new one
func (s *Store) fallback(conversationID string, err error) *models.ConversationContext {
	if conversationID == "" || ValidateConversationID(conversationID) != nil {
		conversationID = s.newID()
	}
	cc := models.NewConversationContext(conversationID)
	cc.RecordError(AgentContextStore, err)
	return cc
}

// ParseClientState decodes client-supplied state when it is a JSON object
func ParseClientState(raw json.RawMessage) (models.ClientState, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.ClientState{}, false
	}
	var state models.ClientState
	if err := json.Unmarshal(trimmed, &state); err != nil {
		return models.ClientState{}, false
	}
	return state, true
}

// ExtractClientState projects the minimal resumable state handed to the client.
// Live resource handles never leave the server.
func ExtractClientState(cc *models.ConversationContext) models.ClientState {
	if cc == nil {
		return models.ClientState{}
	}
	clone := cc.Clone()
	return models.ClientState{
		RetryCount:    clone.RetryCount,
		Requirements:  clone.Requirements,
		Wireframe:     clone.Wireframe,
		GeneratedCode: clone.GeneratedCode,
		LastError:     clone.LastError,
	}
}
