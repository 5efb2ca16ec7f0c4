package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) ObserveSnapshotWrite(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *outcomeRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.outcomes {
		if o == outcome {
			n++
		}
	}
	return n
}

type blockingStore struct {
	*MemoryStore
	release chan struct{}
}

func (b *blockingStore) PutSnapshot(ctx context.Context, id string, version int64, blob []byte) error {
	<-b.release
	return b.MemoryStore.PutSnapshot(ctx, id, version, blob)
}

type failingStore struct{}

func (failingStore) PutSnapshot(context.Context, string, int64, []byte) error {
	return errors.New("disk full")
}

func (failingStore) GetLatestSnapshot(context.Context, string) ([]byte, error) {
	return nil, ErrNotFound
}

func flush(t *testing.T, p *Persister) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))
}

func TestPersister_RoundTripLaw(t *testing.T) {
	store := NewMemoryStore()
	p := NewPersister(store, logger.Nop())

	cc := sampleContext()
	p.Persist(cc, nil)
	flush(t, p)

	snap, err := LoadLatest(context.Background(), store, cc.ConversationID)
	require.NoError(t, err)

	want := *cc.Clone()
	want.ContainerInfo.Handle = nil
	assert.Equal(t, want, snap.Context)
}

func TestPersister_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	rec := &outcomeRecorder{}
	p := NewPersister(store, logger.Nop(), WithObserver(rec))

	cc := sampleContext()
	history := []events.Envelope{events.NewEnvelope(cc.ConversationID, events.RunStarted{ThreadID: "t", RunID: "r"})}

	p.Persist(cc, history)
	flush(t, p)
	first, err := store.GetLatestSnapshot(context.Background(), cc.ConversationID)
	require.NoError(t, err)

	p.Persist(cc, history)
	flush(t, p)
	second, err := store.GetLatestSnapshot(context.Background(), cc.ConversationID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, rec.count(OutcomeWritten))
	assert.Equal(t, 1, rec.count(OutcomeStale))
}

func TestPersister_NewestVersionWins(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	p := NewPersister(store, logger.Nop())

	cc := sampleContext()
	p.Persist(cc, nil) // blocks in the store

	for i := 0; i < 5; i++ {
		cc.Touch()
		p.Persist(cc, nil)
	}
	stale := cc.Clone()
	stale.Revision = 1
	p.Persist(stale, nil)

	close(store.release)
	flush(t, p)

	version, err := store.Version(context.Background(), cc.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, cc.Revision, version)
}

func TestPersister_DoesNotBlockCaller(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	p := NewPersister(store, logger.Nop())

	done := make(chan struct{})
	go func() {
		p.Persist(sampleContext(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Persist blocked on the store")
	}
	close(store.release)
	flush(t, p)
}

func TestPersister_FailuresAreSwallowed(t *testing.T) {
	rec := &outcomeRecorder{}
	p := NewPersister(failingStore{}, logger.Nop(), WithObserver(rec))

	assert.NotPanics(t, func() { p.Persist(sampleContext(), nil) })
	flush(t, p)
	assert.Equal(t, 1, rec.count(OutcomeFailed))
}

func TestPersister_CloseDropsLaterWrites(t *testing.T) {
	store := NewMemoryStore()
	rec := &outcomeRecorder{}
	p := NewPersister(store, logger.Nop(), WithObserver(rec))

	require.NoError(t, p.Close(context.Background()))
	p.Persist(sampleContext(), nil)

	assert.Equal(t, 1, rec.count(OutcomeDropped))
	_, err := store.GetLatestSnapshot(context.Background(), sampleContext().ConversationID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersister_IgnoresNilContext(t *testing.T) {
	p := NewPersister(NewMemoryStore(), nil)
	assert.NotPanics(t, func() { p.Persist((*models.ConversationContext)(nil), nil) })
	flush(t, p)
}

func TestPersister_LatestSeesUnwrittenSnapshots(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	p := NewPersister(store, logger.Nop())

	cc := sampleContext()
	_, ok := p.Latest(cc.ConversationID)
	assert.False(t, ok)

	p.Persist(cc, nil) // in flight, blocked in the store
	require.Eventually(t, func() bool {
		snap, ok := p.Latest(cc.ConversationID)
		return ok && snap.Version == cc.Revision
	}, time.Second, 5*time.Millisecond)

	cc.Touch()
	cc.GeneratedCode["src/App.tsx"] = "newer"
	p.Persist(cc, nil) // pending behind the blocked write

	snap, ok := p.Latest(cc.ConversationID)
	require.True(t, ok)
	assert.Equal(t, cc.Revision, snap.Version)
	assert.Equal(t, "newer", snap.Context.GeneratedCode["src/App.tsx"])

	snap.Context.GeneratedCode["src/App.tsx"] = "mutated by caller"
	again, _ := p.Latest(cc.ConversationID)
	assert.Equal(t, "newer", again.Context.GeneratedCode["src/App.tsx"])

	close(store.release)
	flush(t, p)

	_, ok = p.Latest(cc.ConversationID)
	assert.False(t, ok, "stored snapshots are no longer reported")
	version, err := store.Version(context.Background(), cc.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, cc.Revision, version)
}

func TestPersister_FlushTimesOutWhileBlocked(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	p := NewPersister(store, logger.Nop())
	p.Persist(sampleContext(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Flush(ctx), context.DeadlineExceeded)

	close(store.release)
	flush(t, p)
}

func TestPersister_FlushConcurrentWithPersist(t *testing.T) {
	p := NewPersister(NewMemoryStore(), logger.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			cc := models.NewConversationContext(fmt.Sprintf("conv-flush-%d", i))
			for j := 0; j < 20; j++ {
				cc.Touch()
				p.Persist(cc, nil)
			}
		}(i)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.NoError(t, p.Flush(ctx))
		}()
	}
	wg.Wait()
	flush(t, p)

	for i := 0; i < 8; i++ {
		_, ok := p.Latest(fmt.Sprintf("conv-flush-%d", i))
		assert.False(t, ok)
	}
}
