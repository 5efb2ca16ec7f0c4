package snapshot

import (
	"context"
	"sync"
)

// Store is the durable storage contract for snapshot blobs.
// PutSnapshot must never let an older version replace a newer one.
type Store interface {
	PutSnapshot(ctx context.Context, conversationID string, version int64, blob []byte) error
	GetLatestSnapshot(ctx context.Context, conversationID string) ([]byte, error)
}

// Versioner is implemented by stores that can report the stored version of a
// conversation without reading its blob. Absent conversations return ErrNotFound.
type Versioner interface {
	Version(ctx context.Context, conversationID string) (int64, error)
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}

type storedBlob struct {
	version int64
	blob    []byte
}

// MemoryStore keeps snapshots in process memory, used when no backend is configured
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]storedBlob
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]storedBlob)}
}

// PutSnapshot stores blob unless an equal or newer version is already present
func (m *MemoryStore) PutSnapshot(ctx context.Context, conversationID string, version int64, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.blobs[conversationID]; ok && current.version >= version {
		return ErrStaleVersion
	}
	data := make([]byte, len(blob))
	copy(data, blob)
	m.blobs[conversationID] = storedBlob{version: version, blob: data}
	return nil
}

// GetLatestSnapshot returns the newest stored blob or ErrNotFound
func (m *MemoryStore) GetLatestSnapshot(ctx context.Context, conversationID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current, ok := m.blobs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	data := make([]byte, len(current.blob))
	copy(data, current.blob)
	return data, nil
}

// Version returns the stored version for a conversation
func (m *MemoryStore) Version(ctx context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current, ok := m.blobs[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	return current.version, nil
}
