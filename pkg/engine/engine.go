// Package engine drains the mutation log against the system of record when
// connectivity allows, applying backoff to transient failures and reconciling
// the cache store as mutations land.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/gatehouse/offline-sdk/pkg/mutation"
	"github.com/gatehouse/offline-sdk/pkg/remote"
)

var tracer = otel.Tracer("offline-sdk/pkg.engine")

// Reason records what prompted a drain.
type Reason string

const (
	ReasonReconnect   Reason = "reconnect"
	ReasonForeground  Reason = "foreground"
	ReasonManualRetry Reason = "manual_retry"
)

// Log is the slice of mutation-log behavior the engine drives. The engine is
// the only writer of mutation status transitions.
type Log interface {
	PeekNext(ctx context.Context, excludedKeys []string) (*mutation.QueuedMutation, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, cause string, notBefore time.Time) error
	MarkFailed(ctx context.Context, id string, cause string) error
	Requeue(ctx context.Context, id string) error
	RequeueAllFailed(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[mutation.Status]int64, error)
	NextRetryAt(ctx context.Context) (time.Time, bool, error)
}

// Cache is the slice of cache-store behavior used for reconciliation.
type Cache interface {
	PutEntry(ctx context.Context, resourceType string, resourceID string, payload []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, resourceType string, resourceID string) error
}

type Connectivity interface {
	Connected() bool
}

// CycleResult summarizes one TriggerDrain call. Ephemeral, for observability.
type CycleResult struct {
	Reason       Reason
	Succeeded    int64
	Failed       int64
	Retried      int64
	StillPending int64
}

type Engine struct {
	log    Log
	cache  Cache
	conn   Connectivity
	remote remote.Client

	backoff        Backoff
	requestTimeout time.Duration
	maxAttempts    int
	entityTTL      time.Duration
	limiter        ratelimit.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	draining atomic.Bool
	recheck  atomic.Bool

	notifier notifier
}

type EngineOption func(*Engine)

func WithBackoff(b Backoff) EngineOption {
	return func(e *Engine) {
		e.backoff = b
	}
}

func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.requestTimeout = d
	}
}

// WithMaxAttempts bounds total attempts per mutation; once exhausted a
// transient failure becomes permanent.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithEntityTTL sets the TTL applied to entities written back into the cache
// after a successful mutation.
func WithEntityTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.entityTTL = d
	}
}

// WithLimiter paces remote calls during a drain.
func WithLimiter(l ratelimit.Limiter) EngineOption {
	return func(e *Engine) {
		e.limiter = l
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func New(log Log, cache Cache, conn Connectivity, client remote.Client, opts ...EngineOption) *Engine {
	e := &Engine{
		log:            log,
		cache:          cache,
		conn:           conn,
		remote:         client,
		backoff:        DefaultBackoff(),
		requestTimeout: 30 * time.Second,
		maxAttempts:    5,
		entityTTL:      5 * time.Minute,
		limiter:        ratelimit.NewUnlimited(),
		now:            time.Now,
		sleep:          sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerDrain runs a drain to completion in the calling goroutine. If a
// drain is already running, the trigger is coalesced into a re-check of the
// running drain and TriggerDrain returns nil immediately: there is never a
// second concurrent drain.
func (e *Engine) TriggerDrain(ctx context.Context, reason Reason) *CycleResult {
	if !e.draining.CompareAndSwap(false, true) {
		e.recheck.Store(true)
		return nil
	}
	defer e.draining.Store(false)

	ctx, span := tracer.Start(ctx, "Engine.TriggerDrain")
	defer span.End()

	l := ctxzap.Extract(ctx)
	res := &CycleResult{Reason: reason}

	for {
		before := res.Succeeded + res.Failed + res.Retried
		e.drainPass(ctx, res)

		if e.recheck.CompareAndSwap(true, false) {
			continue
		}
		if ctx.Err() != nil || !e.conn.Connected() {
			break
		}

		// Eligible work is gone, but mutations parked behind a backoff
		// deadline still belong to this drain. Wait out the earliest one.
		at, ok, err := e.log.NextRetryAt(ctx)
		if err != nil {
			e.notifier.setLastError(err)
			break
		}
		if !ok {
			break
		}
		wait := at.Sub(e.now())
		if wait <= 0 && res.Succeeded+res.Failed+res.Retried == before {
			// The head is already eligible yet the pass made no progress,
			// so waiting cannot help. Leave it for the next trigger rather
			// than spin.
			break
		}
		if err := e.sleep(ctx, wait); err != nil {
			break
		}
	}

	if counts, err := e.log.CountByStatus(ctx); err == nil {
		res.StillPending = counts[mutation.StatusPending] + counts[mutation.StatusInFlight]
	}

	l.Info("drain complete",
		zap.String("reason", string(reason)),
		zap.Int64("succeeded", res.Succeeded),
		zap.Int64("failed", res.Failed),
		zap.Int64("retried", res.Retried),
		zap.Int64("still_pending", res.StillPending),
	)
	e.notifyStatus(ctx)
	return res
}

// drainPass attempts every eligible mutation once. A transient failure blocks
// the failing resource key for the remainder of the pass so unrelated keys
// keep moving while same-key mutations stay strictly ordered.
func (e *Engine) drainPass(ctx context.Context, res *CycleResult) {
	blocked := mapset.NewSet[string]()
	for {
		if ctx.Err() != nil || !e.conn.Connected() {
			return
		}
		m, err := e.log.PeekNext(ctx, blocked.ToSlice())
		if err != nil {
			e.notifier.setLastError(err)
			return
		}
		if m == nil {
			return
		}
		e.processOne(ctx, m, res, blocked)
	}
}

func (e *Engine) processOne(ctx context.Context, m *mutation.QueuedMutation, res *CycleResult, blocked mapset.Set[string]) {
	ctx, span := tracer.Start(ctx, "Engine.processOne")
	defer span.End()

	l := ctxzap.Extract(ctx).With(
		zap.String("mutation_id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.String("resource_key", m.Target.String()),
	)

	if err := e.log.MarkInFlight(ctx, m.ID); err != nil {
		e.notifier.setLastError(err)
		blocked.Add(m.Target.String())
		return
	}

	e.limiter.Take()

	// The call is allowed to resolve even if connectivity drops mid-flight;
	// aborting would leave "did it apply?" ambiguous. The deadline bounds it.
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	entity, err := e.remote.Apply(callCtx, m)
	cancel()

	switch {
	case err == nil:
		if err := e.log.MarkSucceeded(ctx, m.ID); err != nil {
			e.notifier.setLastError(err)
			return
		}
		e.reconcile(ctx, m, entity)
		res.Succeeded++
		l.Debug("mutation applied", zap.Int("retry_count", m.RetryCount))

	case remote.IsTransient(err):
		if e.maxAttempts > 0 && m.RetryCount+1 >= e.maxAttempts {
			cause := fmt.Sprintf("retries exhausted: %v", err)
			if err := e.log.MarkFailed(ctx, m.ID, cause); err != nil {
				e.notifier.setLastError(err)
				return
			}
			res.Failed++
			e.notifier.setLastError(err)
			l.Warn("mutation failed after exhausting retries", zap.Error(err))
		} else {
			notBefore := e.now().Add(e.backoff.Delay(m.RetryCount))
			if err := e.log.MarkRetry(ctx, m.ID, err.Error(), notBefore); err != nil {
				e.notifier.setLastError(err)
				return
			}
			blocked.Add(m.Target.String())
			res.Retried++
			e.notifier.setLastError(err)
			l.Debug("transient failure, will retry",
				zap.Error(err),
				zap.Int("retry_count", m.RetryCount+1),
				zap.Time("not_before", notBefore),
			)
		}

	default:
		if err := e.log.MarkFailed(ctx, m.ID, err.Error()); err != nil {
			e.notifier.setLastError(err)
			return
		}
		res.Failed++
		e.notifier.setLastError(err)
		l.Warn("mutation rejected permanently", zap.Error(err))
	}

	e.notifyStatus(ctx)
}

// reconcile folds a successful mutation back into the cache store: write the
// server-returned entity if there is one, otherwise keep the target marked
// stale so the next online read fetches fresh state while offline reads can
// still render the retained payload.
func (e *Engine) reconcile(ctx context.Context, m *mutation.QueuedMutation, entity *remote.Entity) {
	l := ctxzap.Extract(ctx)
	if entity != nil && entity.Key.Type != "" {
		if err := e.cache.PutEntry(ctx, entity.Key.Type, entity.Key.ID, entity.Payload, e.entityTTL); err != nil {
			l.Warn("failed to reconcile cache entry", zap.Error(err))
		}
		return
	}
	if m.Target.Type != "" && m.Target.ID != "" {
		if err := e.cache.Invalidate(ctx, m.Target.Type, m.Target.ID); err != nil {
			l.Warn("failed to invalidate after apply", zap.Error(err))
		}
	}
}

// RetryFailed requeues one failed mutation and drains.
func (e *Engine) RetryFailed(ctx context.Context, id string) error {
	if err := e.log.Requeue(ctx, id); err != nil {
		return err
	}
	e.TriggerDrain(ctx, ReasonManualRetry)
	return nil
}

// RetryAllFailed requeues every failed mutation and drains.
func (e *Engine) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := e.log.RequeueAllFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.TriggerDrain(ctx, ReasonManualRetry)
	}
	return n, nil
}
