package store

import (
	"context"
	"errors"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
	"go.uber.org/zap"
)

const memCacheMaxEntries = 10_000

// MemCache is a read-through in-memory layer in front of the durable cache
// table, for hot read paths that would otherwise hit sqlite on every render.
// Writes and invalidations go to sqlite first and then update the memory
// layer, so the memory layer never serves a value the durable layer has
// invalidated.
//
// Staleness is recomputed on every read: an entry cached in memory can cross
// its TTL while resident, and Get must report that.
type MemCache struct {
	cache   *otter.Cache[string, *CacheEntry]
	counter *stats.Counter
	db      *DB
}

func NewMemCache(db *DB, otterOptions *otter.Options[string, *CacheEntry]) (*MemCache, error) {
	if otterOptions == nil {
		otterOptions = &otter.Options[string, *CacheEntry]{
			MaximumSize:      memCacheMaxEntries,
			ExpiryCalculator: otter.ExpiryWriting[string, *CacheEntry](5 * time.Minute),
		}
	}
	counter, _ := otterOptions.StatsRecorder.(*stats.Counter)
	if counter == nil {
		counter = stats.NewCounter()
		otterOptions.StatsRecorder = counter
	}
	cache, err := otter.New(otterOptions)
	if err != nil {
		return nil, err
	}
	return &MemCache{cache: cache, counter: counter, db: db}, nil
}

func entryCacheKey(resourceType string, resourceID string) string {
	return resourceType + "/" + resourceID
}

func (m *MemCache) GetEntry(ctx context.Context, resourceType string, resourceID string) (*CacheEntry, error) {
	v, err := m.cache.Get(ctx, entryCacheKey(resourceType, resourceID), otter.LoaderFunc[string, *CacheEntry](func(ctx context.Context, _ string) (*CacheEntry, error) {
		e, err := m.db.GetEntry(ctx, resourceType, resourceID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, otter.ErrNotFound
			}
			return nil, err
		}
		return e, nil
	}))
	if errors.Is(err, otter.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.withStaleness(v), nil
}

func (m *MemCache) PutEntry(ctx context.Context, resourceType string, resourceID string, payload []byte, ttl time.Duration) error {
	if err := m.db.PutEntry(ctx, resourceType, resourceID, payload, ttl); err != nil {
		return err
	}
	m.cache.Set(entryCacheKey(resourceType, resourceID), &CacheEntry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
		FetchedAt:    m.db.now(),
		TTL:          ttl,
	})
	return nil
}

func (m *MemCache) Invalidate(ctx context.Context, resourceType string, resourceID string) error {
	if err := m.db.Invalidate(ctx, resourceType, resourceID); err != nil {
		return err
	}
	_, _ = m.cache.Invalidate(entryCacheKey(resourceType, resourceID))
	return nil
}

func (m *MemCache) InvalidateType(ctx context.Context, resourceType string) error {
	if err := m.db.InvalidateType(ctx, resourceType); err != nil {
		return err
	}
	prefix := resourceType + "/"
	var keys []string
	for key := range m.cache.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		_, _ = m.cache.Invalidate(key)
	}
	return nil
}

func (m *MemCache) LogStats(ctx context.Context) {
	s := m.counter.Snapshot()
	ctxzap.Extract(ctx).Debug("memory cache stats",
		zap.Uint64("hits", s.Hits),
		zap.Uint64("misses", s.Misses),
		zap.Int("estimatedEntries", m.cache.EstimatedSize()),
	)
}

func (m *MemCache) withStaleness(e *CacheEntry) *CacheEntry {
	c := *e
	if !c.Stale && c.TTL > 0 && m.db.now().Sub(c.FetchedAt) > c.TTL {
		c.Stale = true
	}
	return &c
}
