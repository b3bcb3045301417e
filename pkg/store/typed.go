package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Codec converts between a typed value and its stored bytes.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec is the default codec.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var value T
	err := json.Unmarshal(data, &value)
	return value, err
}

// EntryCache is the slice of cache behavior TypedCache needs. Both *DB and
// *MemCache satisfy it.
type EntryCache interface {
	GetEntry(ctx context.Context, resourceType string, resourceID string) (*CacheEntry, error)
	PutEntry(ctx context.Context, resourceType string, resourceID string, payload []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, resourceType string, resourceID string) error
}

// Cached pairs a decoded value with the staleness metadata a caller needs to
// decide whether to render it as authoritative.
type Cached[T any] struct {
	Value     T
	Stale     bool
	FetchedAt time.Time
}

// TypedCache wraps an EntryCache for one resource type with a typed payload.
type TypedCache[T any] struct {
	cache        EntryCache
	codec        Codec[T]
	resourceType string
	ttl          time.Duration
}

func NewTypedCache[T any](cache EntryCache, codec Codec[T], resourceType string, ttl time.Duration) *TypedCache[T] {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return &TypedCache[T]{
		cache:        cache,
		codec:        codec,
		resourceType: resourceType,
		ttl:          ttl,
	}
}

func (t *TypedCache[T]) Get(ctx context.Context, id string) (Cached[T], bool, error) {
	var zero Cached[T]
	e, err := t.cache.GetEntry(ctx, t.resourceType, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}

	value, err := t.codec.Decode(e.Payload)
	if err != nil {
		return zero, false, fmt.Errorf("store: decode %s/%s: %w", t.resourceType, id, err)
	}
	return Cached[T]{Value: value, Stale: e.Stale, FetchedAt: e.FetchedAt}, true, nil
}

func (t *TypedCache[T]) Set(ctx context.Context, id string, value T) error {
	data, err := t.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", t.resourceType, id, err)
	}
	return t.cache.PutEntry(ctx, t.resourceType, id, data, t.ttl)
}

func (t *TypedCache[T]) Invalidate(ctx context.Context, id string) error {
	return t.cache.Invalidate(ctx, t.resourceType, id)
}
