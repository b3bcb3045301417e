package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/gatehouse/offline-sdk/pkg/mutation"
	"github.com/gatehouse/offline-sdk/pkg/remote"
	"github.com/gatehouse/offline-sdk/pkg/store"
)

// ErrNotCached means the resource is neither cached nor reachable: the
// caller is offline with no local copy to fall back to.
var ErrNotCached = errors.New("adapter: not cached and not reachable")

// ResourceAdapter is the per-domain façade over the sync machinery. Domain
// features construct one per resource type instead of reimplementing
// queueing and cache fallback themselves.
type ResourceAdapter struct {
	sc           *SyncContext
	resourceType string
	ttl          time.Duration
}

func NewResourceAdapter(sc *SyncContext, resourceType string) *ResourceAdapter {
	return &ResourceAdapter{
		sc:           sc,
		resourceType: resourceType,
		ttl:          sc.entityTTL,
	}
}

// ReadResult carries the payload plus the staleness the caller needs to
// decide how authoritatively to render it.
type ReadResult struct {
	Payload   []byte
	Stale     bool
	FetchedAt time.Time
}

// Read returns the freshest locally known state for the resource. A fresh
// cache hit is served as-is. A miss or stale hit is refetched when online.
// When the fetch fails transiently or the client is offline, the stale copy
// is served best-effort with its staleness visible.
func (a *ResourceAdapter) Read(ctx context.Context, id string) (*ReadResult, error) {
	entry, err := a.sc.cache.GetEntry(ctx, a.resourceType, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if entry != nil && !entry.Stale {
		return readResult(entry), nil
	}

	if a.sc.monitor.Connected() {
		ent, ferr := a.sc.remote.Fetch(ctx, mutation.ResourceKey{Type: a.resourceType, ID: id})
		if ferr == nil {
			if perr := a.sc.cache.PutEntry(ctx, ent.Key.Type, ent.Key.ID, ent.Payload, a.ttl); perr != nil {
				ctxzap.Extract(ctx).Warn("failed to cache fetched entity", zap.Error(perr))
			}
			return &ReadResult{Payload: ent.Payload, FetchedAt: time.Now()}, nil
		}
		if remote.IsPermanent(ferr) {
			return nil, ferr
		}
		ctxzap.Extract(ctx).Debug("fetch failed transiently, serving stale", zap.Error(ferr))
	}

	if entry != nil {
		return readResult(entry), nil
	}
	return nil, ErrNotCached
}

// WriteResult is either an immediately applied entity or a queued ticket.
type WriteResult struct {
	Applied *remote.Entity
	Ticket  *mutation.QueuedMutation
}

func (r *WriteResult) Queued() bool {
	return r.Ticket != nil
}

// Write routes a domain write. Online, the mutation is applied directly and
// the cache reconciled; a permanent rejection surfaces synchronously, which
// matches normal request/response semantics. Offline, or when the direct
// attempt fails transiently, the mutation is queued with an optimistic
// placeholder and a ticket is returned immediately.
func (a *ResourceAdapter) Write(ctx context.Context, p mutation.Payload, target mutation.ResourceKey) (*WriteResult, error) {
	if target.Type == "" {
		target.Type = a.resourceType
	}
	l := ctxzap.Extract(ctx)

	if a.sc.monitor.Connected() {
		res, err := a.writeDirect(ctx, p, target)
		if err == nil {
			return res, nil
		}
		if remote.IsPermanent(err) {
			return nil, err
		}
		l.Debug("direct write failed transiently, queueing", zap.Error(err))
	}

	if err := a.putPlaceholder(ctx, p, target); err != nil {
		l.Warn("failed to write optimistic placeholder", zap.Error(err))
	}
	m, err := a.sc.EnqueueMutation(ctx, p, target)
	if err != nil {
		return nil, err
	}
	return &WriteResult{Ticket: m}, nil
}

// writeDirect performs one online attempt. The throwaway idempotency key is
// deliberately not reused if the attempt fails and the mutation is queued:
// the queued mutation mints its own key at append time, and the server
// deduplicates per key, so the failed direct attempt either never applied or
// will be superseded by the queued apply under a distinct key.
func (a *ResourceAdapter) writeDirect(ctx context.Context, p mutation.Payload, target mutation.ResourceKey) (*WriteResult, error) {
	data, err := mutation.Encode(p)
	if err != nil {
		return nil, err
	}
	ent, err := a.sc.remote.Apply(ctx, &mutation.QueuedMutation{
		IdempotencyKey: uuid.NewString(),
		Kind:           p.Kind(),
		Payload:        data,
		Target:         target,
	})
	if err != nil {
		return nil, err
	}

	l := ctxzap.Extract(ctx)
	if ent != nil && ent.Key.Type != "" {
		if perr := a.sc.cache.PutEntry(ctx, ent.Key.Type, ent.Key.ID, ent.Payload, a.ttl); perr != nil {
			l.Warn("failed to cache applied entity", zap.Error(perr))
		}
	} else if target.ID != "" {
		if ierr := a.sc.cache.Invalidate(ctx, target.Type, target.ID); ierr != nil {
			l.Warn("failed to invalidate after direct write", zap.Error(ierr))
		}
	}
	return &WriteResult{Applied: ent}, nil
}

// putPlaceholder stores the encoded mutation payload as the target's cache
// entry so the UI has something optimistic to render while the mutation
// waits in the queue. EnqueueMutation marks it stale immediately after.
func (a *ResourceAdapter) putPlaceholder(ctx context.Context, p mutation.Payload, target mutation.ResourceKey) error {
	if target.ID == "" {
		return nil
	}
	if _, ok := p.(mutation.DeletePayload); ok {
		return nil
	}
	data, err := mutation.Encode(p)
	if err != nil {
		return err
	}
	return a.sc.cache.PutEntry(ctx, target.Type, target.ID, data, a.ttl)
}

func readResult(e *store.CacheEntry) *ReadResult {
	return &ReadResult{
		Payload:   e.Payload,
		Stale:     e.Stale,
		FetchedAt: e.FetchedAt,
	}
}
