package snapshot

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedBlob struct {
	version int64
	blob    []byte
}

// CachedStore keeps recently read or written snapshots in an LRU in front of
// another store. A cached blob is served only while the backend still reports
// the same version, so writes from other instances are never masked. Backends
// that cannot report versions are always read through.
type CachedStore struct {
	next      Store
	versioner Versioner
	cache     *lru.Cache[string, cachedBlob]
}

// NewCachedStore wraps next with an LRU cache of the given size
func NewCachedStore(next Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, cachedBlob](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	versioner, _ := next.(Versioner)
	return &CachedStore{next: next, versioner: versioner, cache: cache}, nil
}

// PutSnapshot writes through and caches the blob when the write wins
func (c *CachedStore) PutSnapshot(ctx context.Context, conversationID string, version int64, blob []byte) error {
	err := c.next.PutSnapshot(ctx, conversationID, version, blob)
	switch {
	case err == nil:
		c.cache.Add(conversationID, cachedBlob{version: version, blob: blob})
	case errors.Is(err, ErrStaleVersion):
		c.cache.Remove(conversationID)
	}
	return err
}

// GetLatestSnapshot serves from cache when the stored version is unchanged
func (c *CachedStore) GetLatestSnapshot(ctx context.Context, conversationID string) ([]byte, error) {
	if c.versioner == nil {
		return c.next.GetLatestSnapshot(ctx, conversationID)
	}

	version, err := c.versioner.Version(ctx, conversationID)
	if err != nil {
		c.cache.Remove(conversationID)
		return nil, err
	}
	if cached, ok := c.cache.Get(conversationID); ok && cached.version == version {
		return cached.blob, nil
	}

	blob, err := c.next.GetLatestSnapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	// a newer write can land between the two reads; the next lookup then misses
	c.cache.Add(conversationID, cachedBlob{version: version, blob: blob})
	return blob, nil
}

// Version delegates to the wrapped store
func (c *CachedStore) Version(ctx context.Context, conversationID string) (int64, error) {
	if c.versioner == nil {
		return 0, fmt.Errorf("snapshot backend does not report versions")
	}
	return c.versioner.Version(ctx, conversationID)
}

// Ping delegates to the wrapped store when it supports it
func (c *CachedStore) Ping(ctx context.Context) error {
	if p, ok := c.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
