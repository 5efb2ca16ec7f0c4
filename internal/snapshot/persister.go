package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

const defaultWriteTimeout = 15 * time.Second

// Write outcomes reported to a WriteObserver
const (
	OutcomeWritten = "written"
	OutcomeStale   = "stale"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// WriteObserver is notified of every snapshot write outcome
type WriteObserver interface {
	ObserveSnapshotWrite(outcome string)
}

// Persister writes snapshots in the background. Calls to Persist never block
// on storage. Writes for the same conversation run one at a time and only the
// newest pending snapshot is written; failures are logged and swallowed.
type Persister struct {
	store        Store
	log          *logger.Logger
	observer     WriteObserver
	writeTimeout time.Duration

	mu       sync.Mutex
	pending  map[string]Snapshot
	inflight map[string]Snapshot
	running  map[string]bool
	// idle is closed while no conversation is draining
	idle   chan struct{}
	closed bool
}

// PersisterOption configures a Persister
type PersisterOption func(*Persister)

// WithObserver reports write outcomes to o
func WithObserver(o WriteObserver) PersisterOption {
	return func(p *Persister) { p.observer = o }
}

// WithWriteTimeout bounds each backend write
func WithWriteTimeout(d time.Duration) PersisterOption {
	return func(p *Persister) { p.writeTimeout = d }
}

// NewPersister creates a background persister on top of store
func NewPersister(store Store, log *logger.Logger, opts ...PersisterOption) *Persister {
	if log == nil {
		log = logger.Nop()
	}
	p := &Persister{
		store:        store,
		log:          log.Component("snapshot"),
		writeTimeout: defaultWriteTimeout,
		pending:      make(map[string]Snapshot),
		inflight:     make(map[string]Snapshot),
		running:      make(map[string]bool),
		idle:         make(chan struct{}),
	}
	close(p.idle)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Persist captures cc and the turn history and schedules a write
func (p *Persister) Persist(cc *models.ConversationContext, history []events.Envelope) {
	if cc == nil {
		return
	}
	snap := Build(cc, history)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.observe(OutcomeDropped)
		p.log.Warn().Str("conversation_id", snap.ConversationID).Int64("version", snap.Version).Msg("persister closed, snapshot dropped")
		return
	}
	if queued, ok := p.pending[snap.ConversationID]; ok && queued.Version > snap.Version {
		return
	}
	p.pending[snap.ConversationID] = snap

	if !p.running[snap.ConversationID] {
		if len(p.running) == 0 {
			p.idle = make(chan struct{})
		}
		p.running[snap.ConversationID] = true
		go p.drain(snap.ConversationID)
	}
}

// Latest returns the newest snapshot of a conversation that was accepted but
// is not yet known to be stored
func (p *Persister) Latest(conversationID string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, ok := p.pending[conversationID]
	if writing, isWriting := p.inflight[conversationID]; isWriting && (!ok || writing.Version > snap.Version) {
		snap, ok = writing, true
	}
	if !ok {
		return Snapshot{}, false
	}
	return snap.Copy(), true
}

// drain writes pending snapshots for one conversation until none are left
func (p *Persister) drain(conversationID string) {
	for {
		p.mu.Lock()
		snap, ok := p.pending[conversationID]
		if !ok {
			delete(p.running, conversationID)
			if len(p.running) == 0 {
				close(p.idle)
			}
			p.mu.Unlock()
			return
		}
		delete(p.pending, conversationID)
		p.inflight[conversationID] = snap
		p.mu.Unlock()

		p.write(snap)

		p.mu.Lock()
		delete(p.inflight, conversationID)
		p.mu.Unlock()
	}
}

func (p *Persister) write(snap Snapshot) {
	log := p.log.Conversation(snap.ConversationID)

	blob, err := Serialize(snap)
	if err != nil {
		p.observe(OutcomeFailed)
		log.Error().Err(err).Int64("version", snap.Version).Msg("failed to serialize snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	err = p.store.PutSnapshot(ctx, snap.ConversationID, snap.Version, blob)
	switch {
	case err == nil:
		p.observe(OutcomeWritten)
		log.Debug().Int64("version", snap.Version).Int("events", len(snap.Events)).Msg("snapshot written")
	case errors.Is(err, ErrStaleVersion):
		p.observe(OutcomeStale)
		log.Debug().Int64("version", snap.Version).Msg("skipped stale snapshot")
	default:
		p.observe(OutcomeFailed)
		log.Error().Err(err).Int64("version", snap.Version).Msg("failed to persist snapshot")
	}
}

func (p *Persister) observe(outcome string) {
	if p.observer != nil {
		p.observer.ObserveSnapshotWrite(outcome)
	}
}

// Flush waits until no write is scheduled or ctx is done. Snapshots
// accepted while waiting are waited for too.
func (p *Persister) Flush(ctx context.Context) error {
	for {
		p.mu.Lock()
		idle := p.idle
		p.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}

		p.mu.Lock()
		drained := len(p.running) == 0
		p.mu.Unlock()
		if drained {
			return nil
		}
	}
}

// Close stops accepting snapshots and waits for pending writes
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.Flush(ctx)
}

// LoadLatest fetches and validates the newest snapshot of a conversation.
// A snapshot that fails validation is reported as ErrInvalidSnapshot and must be treated as absent.
func LoadLatest(ctx context.Context, store Store, conversationID string) (*Snapshot, error) {
	blob, err := store.GetLatestSnapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return Deserialize(blob)
}
