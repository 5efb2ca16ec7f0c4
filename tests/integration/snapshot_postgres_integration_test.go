package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/conversation"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/snapshot"
	"github.com/bizmatters/agent-builder/app-orchestrator/tests/helpers"
)

func newPostgresStore(t *testing.T) (*snapshot.PostgresStore, *helpers.TestDatabase) {
	t.Helper()
	db := helpers.NewTestDatabase(t)
	store := snapshot.NewPostgresStore(db.Pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, store.EnsureSchema(ctx))
	return store, db
}

func TestPostgresStore_VersionedWrites(t *testing.T) {
	store, db := newPostgresStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	db.CleanupSnapshots(t, id)
	t.Cleanup(func() { db.CleanupSnapshots(t, id) })

	_, err := store.GetLatestSnapshot(ctx, id)
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	require.NoError(t, store.PutSnapshot(ctx, id, 1, []byte(`{"version":1}`)))
	require.NoError(t, store.PutSnapshot(ctx, id, 3, []byte(`{"version":3}`)))
	assert.ErrorIs(t, store.PutSnapshot(ctx, id, 2, []byte(`{"version":2}`)), snapshot.ErrStaleVersion)
	assert.ErrorIs(t, store.PutSnapshot(ctx, id, 3, []byte(`{"version":3}`)), snapshot.ErrStaleVersion)

	blob, err := store.GetLatestSnapshot(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":3}`, string(blob))

	version, err := store.Version(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.NoError(t, store.Ping(ctx))
}

func TestPostgresStore_LoadRoundTrip(t *testing.T) {
	store, db := newPostgresStore(t)
	ctx := context.Background()

	cc := models.NewConversationContext(uuid.NewString())
	cc.IsFirstRequest = false
	cc.GeneratedCode = helpers.DefaultGeneratedCode
	cc.Requirements = map[string]any{"summary": "todo app"}
	cc.Completion = helpers.CompleteStages
	cc.ContainerInfo = &models.ContainerInfo{ID: "ctr-9", Port: 5173, Status: "running", Handle: struct{}{}}
	cc.Revision = 7
	t.Cleanup(func() { db.CleanupSnapshots(t, cc.ConversationID) })

	persister := snapshot.NewPersister(store, nil)
	persister.Persist(cc, nil)
	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, persister.Close(flushCtx))

	loaded := conversation.NewStore(store, nil).Load(ctx, cc.ConversationID, nil)
	assert.Equal(t, cc.ConversationID, loaded.ConversationID)
	assert.False(t, loaded.IsFirstRequest)
	assert.Equal(t, cc.GeneratedCode, loaded.GeneratedCode)
	assert.Equal(t, cc.Requirements, loaded.Requirements)
	assert.Equal(t, cc.Revision, loaded.Revision)
	require.NotNil(t, loaded.ContainerInfo)
	assert.Equal(t, "ctr-9", loaded.ContainerInfo.ID)
	assert.Nil(t, loaded.ContainerInfo.Handle, "live handles never survive persistence")
	assert.Nil(t, loaded.LastError)
}
