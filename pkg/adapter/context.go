// Package adapter is the surface domain code talks to: a SyncContext built
// once at startup, plus per-resource ResourceAdapters that route reads and
// writes through the cache store, mutation log, and sync engine.
package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/gatehouse/offline-sdk/pkg/connectivity"
	"github.com/gatehouse/offline-sdk/pkg/engine"
	"github.com/gatehouse/offline-sdk/pkg/mutation"
	"github.com/gatehouse/offline-sdk/pkg/remote"
	"github.com/gatehouse/offline-sdk/pkg/store"
)

type Config struct {
	// DBPath locates the sqlite file holding the cache store and mutation log.
	DBPath string
	// Endpoint is the base URL of the system of record. Ignored when Remote
	// is set.
	Endpoint string
	// Remote overrides the HTTP client, mainly for tests.
	Remote remote.Client
	// Monitor supplies connectivity state. A fail-safe disconnected monitor
	// is built when nil.
	Monitor *connectivity.Monitor
	// EntityTTL is how long fetched entities stay fresh. Defaults to 5m.
	EntityTTL time.Duration

	StoreOptions  []store.Option
	EngineOptions []engine.EngineOption
}

// SyncContext owns every moving part of the sync machinery. Construct one at
// startup and hand it to resource adapters; there is no package-level state,
// so tests can run isolated instances side by side.
type SyncContext struct {
	db      *store.DB
	cache   *store.MemCache
	monitor *connectivity.Monitor
	remote  remote.Client
	engine  *engine.Engine
	scope   *ScopeResolver

	entityTTL time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	connSub *connectivity.Subscription
}

func New(ctx context.Context, cfg Config) (*SyncContext, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("adapter: DBPath is required")
	}

	rc := cfg.Remote
	if rc == nil {
		if cfg.Endpoint == "" {
			return nil, errors.New("adapter: either Remote or Endpoint is required")
		}
		var err error
		rc, err = remote.NewHTTPClient(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
	}

	db, err := store.Open(ctx, cfg.DBPath, cfg.StoreOptions...)
	if err != nil {
		return nil, err
	}

	cache, err := store.NewMemCache(db, nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	monitor := cfg.Monitor
	if monitor == nil {
		monitor = connectivity.NewMonitor()
	}

	entityTTL := cfg.EntityTTL
	if entityTTL <= 0 {
		entityTTL = 5 * time.Minute
	}

	engineOpts := append([]engine.EngineOption{engine.WithEntityTTL(entityTTL)}, cfg.EngineOptions...)
	eng := engine.New(db, cache, monitor, rc, engineOpts...)

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sc := &SyncContext{
		db:        db,
		cache:     cache,
		monitor:   monitor,
		remote:    rc,
		engine:    eng,
		scope:     NewScopeResolver(rc),
		entityTTL: entityTTL,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}

	// Drain on the offline-to-online edge. The monitor only notifies on
	// change, but a transport swap (wifi to cellular) is also a change, so
	// track the previous connected bit to keep this a true edge.
	wasOnline := &atomic.Bool{}
	wasOnline.Store(monitor.Connected())
	sc.connSub = monitor.Subscribe(func(s connectivity.State) {
		if s.Connected && !wasOnline.Swap(true) {
			go eng.TriggerDrain(sc.baseCtx, engine.ReasonReconnect)
			return
		}
		if !s.Connected {
			wasOnline.Store(false)
		}
	})

	return sc, nil
}

// Close releases the connectivity subscription and the database. In-flight
// drains observe the cancelled base context and stop between attempts.
func (sc *SyncContext) Close() error {
	sc.connSub.Close()
	sc.cancel()
	return sc.db.Close()
}

func (sc *SyncContext) Engine() *engine.Engine {
	return sc.engine
}

func (sc *SyncContext) Monitor() *connectivity.Monitor {
	return sc.monitor
}

func (sc *SyncContext) Cache() *store.MemCache {
	return sc.cache
}

func (sc *SyncContext) Scope(ctx context.Context) (string, error) {
	return sc.scope.Scope(ctx)
}

// EnqueueMutation appends a mutation to the durable log and marks its target
// stale, so reads stop treating cached data for that key as authoritative
// the instant the mutation exists. If connectivity is available, a drain is
// kicked off in the background.
func (sc *SyncContext) EnqueueMutation(ctx context.Context, p mutation.Payload, target mutation.ResourceKey) (*mutation.QueuedMutation, error) {
	m, err := sc.db.Append(ctx, p, target)
	if err != nil {
		return nil, err
	}

	l := ctxzap.Extract(ctx)
	switch {
	case target.Type != "" && target.ID != "":
		if err := sc.cache.Invalidate(ctx, target.Type, target.ID); err != nil {
			l.Warn("failed to invalidate cache on enqueue", zap.Error(err))
		}
	case target.Type != "":
		if err := sc.cache.InvalidateType(ctx, target.Type); err != nil {
			l.Warn("failed to invalidate cache type on enqueue", zap.Error(err))
		}
	}

	sc.engine.PublishStatus(ctx)
	if sc.monitor.Connected() {
		go sc.engine.TriggerDrain(sc.baseCtx, engine.ReasonForeground)
	}
	return m, nil
}

// GetCached returns the cache entry for the key, or store.ErrNotFound.
func (sc *SyncContext) GetCached(ctx context.Context, resourceType string, resourceID string) (*store.CacheEntry, error) {
	return sc.cache.GetEntry(ctx, resourceType, resourceID)
}

// Invalidate marks the cache entry stale without dropping its payload.
func (sc *SyncContext) Invalidate(ctx context.Context, resourceType string, resourceID string) error {
	return sc.cache.Invalidate(ctx, resourceType, resourceID)
}

// OnSyncStatusChange registers a listener for pending/failed badge updates.
func (sc *SyncContext) OnSyncStatusChange(fn engine.StatusListener) *engine.StatusSubscription {
	return sc.engine.OnStatusChange(fn)
}

// RetryFailed requeues one terminally failed mutation and drains.
func (sc *SyncContext) RetryFailed(ctx context.Context, id string) error {
	return sc.engine.RetryFailed(ctx, id)
}

// RetryAllFailed requeues every terminally failed mutation and drains.
func (sc *SyncContext) RetryAllFailed(ctx context.Context) (int64, error) {
	return sc.engine.RetryAllFailed(ctx)
}

// DiscardFailed deletes a terminally failed mutation the user chose to drop.
func (sc *SyncContext) DiscardFailed(ctx context.Context, id string) error {
	if err := sc.db.Discard(ctx, id); err != nil {
		return err
	}
	sc.engine.PublishStatus(ctx)
	return nil
}

// NotifyForeground reports that the app returned to the foreground, which is
// a natural moment to flush the queue.
func (sc *SyncContext) NotifyForeground(ctx context.Context) {
	if sc.monitor.Connected() {
		go sc.engine.TriggerDrain(sc.baseCtx, engine.ReasonForeground)
	}
}
