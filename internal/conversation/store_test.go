package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/snapshot"
)

const knownID = "7d0c5a4e-3f2b-4e1a-9c8d-6b5a4f3e2d1c"

type stubStore struct {
	blob  []byte
	err   error
	panic bool
	gets  int
}

func (s *stubStore) PutSnapshot(context.Context, string, int64, []byte) error { return nil }

func (s *stubStore) GetLatestSnapshot(context.Context, string) ([]byte, error) {
	s.gets++
	if s.panic {
		panic("driver exploded")
	}
	return s.blob, s.err
}

func TestValidateConversationID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{id: knownID, valid: true},
		{id: "conv_1234", valid: true},
		{id: "abcdefgh", valid: true},
		{id: "a-b_c-d-e", valid: true},
		{id: "short", valid: false},
		{id: "has space here", valid: false},
		{id: "../../etc/passwd", valid: false},
		{id: string(make([]byte, 65)), valid: false},
		{id: "", valid: false},
	}

	for _, tt := range tests {
		err := ValidateConversationID(tt.id)
		if tt.valid {
			assert.NoError(t, err, tt.id)
		} else {
			assert.ErrorIs(t, err, ErrInvalidConversationID, tt.id)
		}
	}
}

func TestStore_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("missing id mints a new conversation", func(t *testing.T) {
		backend := &stubStore{}
		cc := NewStore(backend, logger.Nop()).Load(ctx, "", nil)

		_, err := uuid.Parse(cc.ConversationID)
		assert.NoError(t, err)
		assert.True(t, cc.IsFirstRequest)
		assert.Nil(t, cc.LastError)
		assert.Zero(t, backend.gets)
	})

	t.Run("invalid id falls back to a new conversation", func(t *testing.T) {
		cc := NewStore(&stubStore{}, logger.Nop()).Load(ctx, "bad id!", nil)

		assert.NotEqual(t, "bad id!", cc.ConversationID)
		assert.NoError(t, ValidateConversationID(cc.ConversationID))
		assert.True(t, cc.IsFirstRequest)
		require.NotNil(t, cc.LastError)
		assert.Equal(t, AgentContextStore, cc.LastError.Agent)
	})

	t.Run("client state is authoritative and skips storage", func(t *testing.T) {
		backend := &stubStore{}
		store := NewStore(backend, logger.Nop())
		store.now = func() time.Time { return time.UnixMicro(1_700_000_000_000_000) }

		state := json.RawMessage(`{"retryCount":1,"generatedCode":{"src/App.tsx":"x"},"requirements":{"app":"todo"}}`)
		cc := store.Load(ctx, knownID, state)

		assert.Equal(t, knownID, cc.ConversationID)
		assert.False(t, cc.IsFirstRequest)
		assert.Equal(t, map[string]string{"src/App.tsx": "x"}, cc.GeneratedCode)
		assert.Equal(t, "todo", cc.Requirements["app"])
		assert.Equal(t, 1, cc.RetryCount)
		assert.Equal(t, int64(1_700_000_000_000_000), cc.Revision)
		assert.Zero(t, backend.gets)
	})

	t.Run("non-object client state is ignored", func(t *testing.T) {
		for _, raw := range []string{`null`, `[]`, `"state"`, `{broken`} {
			backend := &stubStore{err: snapshot.ErrNotFound}
			cc := NewStore(backend, logger.Nop()).Load(ctx, knownID, json.RawMessage(raw))
			assert.Equal(t, 1, backend.gets, raw)
			assert.Equal(t, knownID, cc.ConversationID)
		}
	})

	t.Run("snapshot restores the context", func(t *testing.T) {
		stored := models.NewConversationContext(knownID)
		stored.IsFirstRequest = false
		stored.GeneratedCode = map[string]string{"src/App.tsx": "..."}
		stored.Touch()
		blob, err := snapshot.Serialize(snapshot.Build(stored, nil))
		require.NoError(t, err)

		cc := NewStore(&stubStore{blob: blob}, logger.Nop()).Load(ctx, knownID, nil)
		assert.Equal(t, stored, cc)
	})

	t.Run("no snapshot gives a degraded context", func(t *testing.T) {
		cc := NewStore(&stubStore{err: snapshot.ErrNotFound}, logger.Nop()).Load(ctx, knownID, nil)

		assert.Equal(t, knownID, cc.ConversationID)
		assert.False(t, cc.IsFirstRequest)
		assert.Empty(t, cc.GeneratedCode)
		assert.Nil(t, cc.LastError, "degraded recovery is not an error")
	})

	t.Run("invalid snapshot is treated as absent", func(t *testing.T) {
		cc := NewStore(&stubStore{blob: []byte(`{"schema_version":1}`)}, logger.Nop()).Load(ctx, knownID, nil)

		assert.Equal(t, knownID, cc.ConversationID)
		assert.False(t, cc.IsFirstRequest)
		assert.Empty(t, cc.GeneratedCode)
		assert.Nil(t, cc.LastError)
	})

	t.Run("storage failure is absorbed into lastError", func(t *testing.T) {
		cc := NewStore(&stubStore{err: errors.New("connection refused")}, logger.Nop()).Load(ctx, knownID, nil)

		assert.Equal(t, knownID, cc.ConversationID)
		assert.True(t, cc.IsFirstRequest)
		require.NotNil(t, cc.LastError)
		assert.Equal(t, AgentContextStore, cc.LastError.Agent)
		assert.Contains(t, cc.LastError.Error, "connection refused")
	})

	t.Run("panic is absorbed into lastError", func(t *testing.T) {
		var cc *models.ConversationContext
		assert.NotPanics(t, func() {
			cc = NewStore(&stubStore{panic: true}, logger.Nop()).Load(ctx, knownID, nil)
		})
		require.NotNil(t, cc)
		assert.Equal(t, knownID, cc.ConversationID)
		require.NotNil(t, cc.LastError)
		assert.Contains(t, cc.LastError.Error, "driver exploded")
	})

	t.Run("nil snapshot store degrades", func(t *testing.T) {
		cc := NewStore(nil, nil).Load(ctx, knownID, nil)
		assert.False(t, cc.IsFirstRequest)
	})
}

type pendingSnapshots map[string]snapshot.Snapshot

func (p pendingSnapshots) Latest(id string) (snapshot.Snapshot, bool) {
	snap, ok := p[id]
	return snap, ok
}

func contextAt(revision int64, code string) *models.ConversationContext {
	cc := models.NewConversationContext(knownID)
	cc.IsFirstRequest = false
	cc.GeneratedCode = map[string]string{"src/App.tsx": code}
	cc.Revision = revision
	return cc
}

func TestStore_PrefersNewestOfPendingAndStored(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		stored   *models.ConversationContext
		storeErr error
		pending  *models.ConversationContext
		wantCode string
		wantRev  int64
	}{
		{
			name:     "pending_only",
			pending:  contextAt(3, "queued"),
			storeErr: snapshot.ErrNotFound,
			wantCode: "queued",
			wantRev:  3,
		},
		{
			name:     "pending_newer_than_stored",
			stored:   contextAt(2, "stored"),
			pending:  contextAt(5, "queued"),
			wantCode: "queued",
			wantRev:  5,
		},
		{
			name:     "stored_newer_than_pending",
			stored:   contextAt(7, "stored"),
			pending:  contextAt(4, "queued"),
			wantCode: "stored",
			wantRev:  7,
		},
		{
			name:     "store_unreachable",
			storeErr: errors.New("connection refused"),
			pending:  contextAt(6, "queued"),
			wantCode: "queued",
			wantRev:  6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &stubStore{err: tt.storeErr}
			if tt.stored != nil {
				blob, err := snapshot.Serialize(snapshot.Build(tt.stored, nil))
				require.NoError(t, err)
				backend.blob = blob
			}
			pending := pendingSnapshots{}
			if tt.pending != nil {
				pending[knownID] = snapshot.Build(tt.pending, nil)
			}

			cc := NewStore(backend, logger.Nop(), WithPending(pending)).Load(ctx, knownID, nil)

			assert.Equal(t, tt.wantCode, cc.GeneratedCode["src/App.tsx"])
			assert.Equal(t, tt.wantRev, cc.Revision)
			assert.False(t, cc.IsFirstRequest)
			assert.Nil(t, cc.LastError)
		})
	}
}

func TestStore_RebuiltContextStartsAboveKnownVersions(t *testing.T) {
	ctx := context.Background()
	clientState := json.RawMessage(`{"generatedCode":{"src/App.tsx":"from client"}}`)

	tests := []struct {
		name        string
		stored      int64
		pending     int64
		clientState json.RawMessage
		wantRev     int64
	}{
		{name: "client_state_below_stored", stored: 40, pending: -1, clientState: clientState, wantRev: 41},
		{name: "client_state_below_pending", stored: 40, pending: 55, clientState: clientState, wantRev: 56},
		{name: "client_state_without_history", stored: -1, pending: -1, clientState: clientState, wantRev: 10},
		{name: "invalid_snapshot", stored: 40, pending: -1, wantRev: 41},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := snapshot.NewMemoryStore()
			if tt.stored >= 0 {
				require.NoError(t, backend.PutSnapshot(ctx, knownID, tt.stored, []byte(`{"schema_version":1}`)))
			}
			pending := pendingSnapshots{}
			if tt.pending >= 0 {
				pending[knownID] = snapshot.Build(contextAt(tt.pending, "queued"), nil)
			}

			store := NewStore(backend, logger.Nop(), WithPending(pending))
			store.now = func() time.Time { return time.UnixMicro(10) }

			cc := store.Load(ctx, knownID, tt.clientState)
			assert.Equal(t, tt.wantRev, cc.Revision)
			assert.Equal(t, knownID, cc.ConversationID)
		})
	}
}

func TestStore_RoundTripLaw(t *testing.T) {
	ctx := context.Background()
	backend := snapshot.NewMemoryStore()
	store := NewStore(backend, logger.Nop())
	persister := snapshot.NewPersister(backend, logger.Nop())

	ids := []string{knownID, "conversation_0001", "abcd-efgh-ijkl"}
	for _, id := range ids {
		cc := store.Load(ctx, id, json.RawMessage(`{"generatedCode":{"index.html":"<html></html>"},"wireframe":{"page":"home"}}`))
		cc.ContainerInfo = &models.ContainerInfo{ID: "ctr-" + id, Port: 3000, Status: "running", Handle: struct{}{}}
		cc.Touch()

		persister.Persist(cc, nil)
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		require.NoError(t, persister.Flush(flushCtx))
		cancel()

		reloaded := store.Load(ctx, id, nil)

		want := cc.Clone()
		want.ContainerInfo.Handle = nil
		assert.Equal(t, want, reloaded, id)
	}
}

func TestExtractClientState(t *testing.T) {
	cc := models.NewConversationContext(knownID)
	cc.RetryCount = 2
	cc.GeneratedCode = map[string]string{"a.ts": "1"}
	cc.Requirements = map[string]any{"nested": map[string]any{"k": "v"}}
	cc.ContainerInfo = &models.ContainerInfo{ID: "ctr", Handle: "live"}
	cc.LastError = &models.LastError{Agent: "builder", Error: "boom"}

	state := ExtractClientState(cc)
	assert.Equal(t, 2, state.RetryCount)
	assert.Equal(t, cc.GeneratedCode, state.GeneratedCode)
	assert.Equal(t, "boom", state.LastError.Error)

	data, err := json.Marshal(state)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ctr")
	assert.NotContains(t, string(data), "live")

	state.GeneratedCode["a.ts"] = "changed"
	state.Requirements["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "1", cc.GeneratedCode["a.ts"])
	assert.Equal(t, "v", cc.Requirements["nested"].(map[string]any)["k"])

	assert.Equal(t, models.ClientState{}, ExtractClientState(nil))
}
