// Package snapshot persists versioned conversation snapshots for recovery.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

// SchemaVersion is the snapshot layout written by this build
const SchemaVersion = 1

var (
	// ErrNotFound is returned when no snapshot exists for a conversation
	ErrNotFound = errors.New("snapshot not found")
	// ErrInvalidSnapshot is returned when a stored snapshot fails structural validation
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	// ErrStaleVersion is returned when a write loses against a newer stored version
	ErrStaleVersion = errors.New("snapshot version is not newer than stored version")
	// ErrPersistenceFailure wraps backend write failures
	ErrPersistenceFailure = errors.New("snapshot persistence failure")
)

// Snapshot is the durable projection of a conversation used only for recovery
type Snapshot struct {
	SchemaVersion  int                        `json:"schema_version"`
	ConversationID string                     `json:"conversation_id"`
	Version        int64                      `json:"version"`
	CreatedAt      time.Time                  `json:"created_at"`
	Context        models.ConversationContext `json:"context"`
	Events         []events.Envelope          `json:"events"`
	Artifacts      Artifacts                  `json:"artifacts"`
}

// Artifacts summarises what the conversation has produced so far
type Artifacts struct {
	Files           []string `json:"files"`
	HasRequirements bool     `json:"has_requirements"`
	HasWireframe    bool     `json:"has_wireframe"`
	ContainerID     string   `json:"container_id,omitempty"`
}

// Build captures a context and the events of its latest turn.
// The snapshot version is the context revision.
func Build(cc *models.ConversationContext, history []events.Envelope) Snapshot {
	clone := cc.Clone()
	if clone.ContainerInfo != nil {
		clone.ContainerInfo.Handle = nil
	}

	files := make([]string, 0, len(clone.GeneratedCode))
	for path := range clone.GeneratedCode {
		files = append(files, path)
	}
	sort.Strings(files)

	artifacts := Artifacts{
		Files:           files,
		HasRequirements: len(clone.Requirements) > 0,
		HasWireframe:    len(clone.Wireframe) > 0,
	}
	if clone.ContainerInfo != nil {
		artifacts.ContainerID = clone.ContainerInfo.ID
	}

	evs := make([]events.Envelope, len(history))
	copy(evs, history)

	return Snapshot{
		SchemaVersion:  SchemaVersion,
		ConversationID: clone.ConversationID,
		Version:        clone.Revision,
		CreatedAt:      time.Now().UTC(),
		Context:        *clone,
		Events:         evs,
		Artifacts:      artifacts,
	}
}

// Copy returns a snapshot sharing no mutable state with s
func (s Snapshot) Copy() Snapshot {
	out := s
	out.Context = *s.Context.Clone()
	out.Events = append([]events.Envelope(nil), s.Events...)
	out.Artifacts.Files = append([]string(nil), s.Artifacts.Files...)
	return out
}

// Serialize encodes a snapshot. Live container handles are dropped; only the container id survives.
func Serialize(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// Deserialize validates and decodes a snapshot. Anything that fails validation is
// rejected as a whole; callers treat it as absent.
func Deserialize(data []byte) (*Snapshot, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.Context.ConversationID != s.ConversationID {
		return nil, fmt.Errorf("%w: context belongs to %q, snapshot to %q", ErrInvalidSnapshot, s.Context.ConversationID, s.ConversationID)
	}
	if !s.Context.Completion.Consistent() {
		return nil, fmt.Errorf("%w: is_complete set without all completion flags", ErrInvalidSnapshot)
	}
	return &s, nil
}
