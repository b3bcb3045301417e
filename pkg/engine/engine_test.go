package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse/offline-sdk/pkg/mutation"
	"github.com/gatehouse/offline-sdk/pkg/remote"
	"github.com/gatehouse/offline-sdk/pkg/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeConn struct {
	online atomic.Bool
}

func (c *fakeConn) Connected() bool {
	return c.online.Load()
}

// errEffectLanded scripts the awkward failure mode: the server applied the
// mutation but the client saw a timeout. The fake still records the effect,
// then reports a transient error.
var errEffectLanded = errors.New("effect landed before timeout")

type applyCall struct {
	MutationID     string
	IdempotencyKey string
	ResourceKey    string
}

// fakeRemote scripts Apply outcomes per resource key and deduplicates effects
// by idempotency key the way the real server is contracted to.
type fakeRemote struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   []applyCall
	effects map[string]int
	entity  func(m *mutation.QueuedMutation) *remote.Entity
	gate    chan struct{}
	onApply func(m *mutation.QueuedMutation)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		scripts: make(map[string][]error),
		effects: make(map[string]int),
	}
}

func (f *fakeRemote) script(key string, outcomes ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[key] = append(f.scripts[key], outcomes...)
}

func (f *fakeRemote) callLog() []applyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]applyCall(nil), f.calls...)
}

func (f *fakeRemote) effectCount(idempotencyKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.effects[idempotencyKey]
}

func (f *fakeRemote) Apply(ctx context.Context, m *mutation.QueuedMutation) (*remote.Entity, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, &remote.TransientError{Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, applyCall{m.ID, m.IdempotencyKey, m.Target.String()})
	var outcome error
	if q := f.scripts[m.Target.String()]; len(q) > 0 {
		outcome = q[0]
		f.scripts[m.Target.String()] = q[1:]
	}
	if outcome == nil || errors.Is(outcome, errEffectLanded) {
		if f.effects[m.IdempotencyKey] == 0 {
			f.effects[m.IdempotencyKey] = 1
		}
	}
	onApply := f.onApply
	f.mu.Unlock()

	if onApply != nil {
		onApply(m)
	}
	if errors.Is(outcome, errEffectLanded) {
		return nil, &remote.TransientError{Err: errors.New("client timeout")}
	}
	if outcome != nil {
		return nil, outcome
	}
	if f.entity != nil {
		return f.entity(m), nil
	}
	return &remote.Entity{Key: m.Target, Payload: []byte(`{"state":"synced"}`)}, nil
}

func (f *fakeRemote) Fetch(ctx context.Context, key mutation.ResourceKey) (*remote.Entity, error) {
	return nil, remote.ErrNotFound
}

func (f *fakeRemote) ResolveScope(ctx context.Context) (string, error) {
	return "unit-test", nil
}

type harness struct {
	db     *store.DB
	eng    *Engine
	remote *fakeRemote
	conn   *fakeConn
	clock  *fakeClock

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, opts ...EngineOption) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	db, err := store.Open(context.Background(),
		filepath.Join(t.TempDir(), "offline.db"),
		store.WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:     db,
		remote: newFakeRemote(),
		conn:   &fakeConn{},
		clock:  clock,
	}
	h.conn.online.Store(true)

	all := append([]EngineOption{
		WithBackoff(Backoff{Initial: time.Second, Max: time.Minute, Factor: 2}),
		WithClock(clock.Now),
	}, opts...)
	h.eng = New(db, db, h.conn, h.remote, all...)

	// Sleeping advances the shared clock instead of blocking, so backoff
	// waits resolve instantly and deterministically.
	h.eng.sleep = func(ctx context.Context, d time.Duration) error {
		if d > 0 {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			clock.Advance(d)
		}
		return ctx.Err()
	}
	return h
}

func (h *harness) sleepLog() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) enqueue(t *testing.T, target mutation.ResourceKey) *mutation.QueuedMutation {
	t.Helper()
	m, err := h.db.Append(context.Background(), mutation.CreatePayload{
		Fields:    map[string]interface{}{"plate": "ABC-123"},
		ClientRef: target.ID,
	}, target)
	require.NoError(t, err)
	return m
}

func TestDrainAppliesQueuedMutation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.enqueue(t, mutation.ResourceKey{Type: "sticker_request", ID: "tmp-1"})

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.NotNil(t, res)
	require.Equal(t, int64(1), res.Succeeded)
	require.Equal(t, int64(0), res.Failed)
	require.Equal(t, int64(0), res.StillPending)

	calls := h.remote.callLog()
	require.Len(t, calls, 1)
	require.Equal(t, m.IdempotencyKey, calls[0].IdempotencyKey)

	// Succeeded mutations leave the log entirely.
	counts, err := h.db.CountByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)

	// The server entity landed in the cache, marked fresh.
	entry, err := h.db.GetEntry(ctx, "sticker_request", "tmp-1")
	require.NoError(t, err)
	require.False(t, entry.Stale)
	require.JSONEq(t, `{"state":"synced"}`, string(entry.Payload))
}

func TestDrainReconcilesServerAssignedID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.entity = func(m *mutation.QueuedMutation) *remote.Entity {
		return &remote.Entity{
			Key:     mutation.ResourceKey{Type: m.Target.Type, ID: "srv-42"},
			Payload: []byte(`{"state":"received"}`),
		}
	}
	h.enqueue(t, mutation.ResourceKey{Type: "sticker_request", ID: "tmp-1"})

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(1), res.Succeeded)

	entry, err := h.db.GetEntry(ctx, "sticker_request", "srv-42")
	require.NoError(t, err)
	require.False(t, entry.Stale)
}

func TestDrainSuccessWithoutEntityKeepsTargetStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := mutation.ResourceKey{Type: "guest", ID: "g1"}
	require.NoError(t, h.db.PutEntry(ctx, key.Type, key.ID, []byte(`{"old":true}`), 0))
	h.remote.entity = func(*mutation.QueuedMutation) *remote.Entity { return nil }
	h.enqueue(t, key)

	res := h.eng.TriggerDrain(ctx, ReasonForeground)
	require.Equal(t, int64(1), res.Succeeded)

	// No authoritative entity came back, so the cached copy stays stale until
	// the next online read refetches it.
	entry, err := h.db.GetEntry(ctx, key.Type, key.ID)
	require.NoError(t, err)
	require.True(t, entry.Stale)
	require.JSONEq(t, `{"old":true}`, string(entry.Payload))
}

func TestTransientFailureBacksOffThenSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := mutation.ResourceKey{Type: "sticker_request", ID: "tmp-1"}
	h.remote.script(key.String(),
		&remote.TransientError{StatusCode: 503},
		&remote.TransientError{StatusCode: 503},
		&remote.TransientError{StatusCode: 503},
	)
	m := h.enqueue(t, key)

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(1), res.Succeeded)
	require.Equal(t, int64(3), res.Retried)
	require.Equal(t, int64(0), res.StillPending)

	// Delay doubles per retry: 1s, 2s, 4s.
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleepLog())

	calls := h.remote.callLog()
	require.Len(t, calls, 4)
	for _, c := range calls {
		require.Equal(t, m.IdempotencyKey, c.IdempotencyKey)
	}
}

func TestRetriesExhaustedBecomesFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithMaxAttempts(3))
	key := mutation.ResourceKey{Type: "sticker_request", ID: "tmp-1"}
	h.remote.script(key.String(),
		&remote.TransientError{StatusCode: 503},
		&remote.TransientError{StatusCode: 503},
		&remote.TransientError{StatusCode: 503},
		&remote.TransientError{StatusCode: 503},
	)
	m := h.enqueue(t, key)

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(0), res.Succeeded)
	require.Equal(t, int64(1), res.Failed)
	require.Len(t, h.remote.callLog(), 3)

	failed, err := h.db.ListByStatus(ctx, mutation.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, m.ID, failed[0].ID)
	require.Contains(t, failed[0].LastError, "retries exhausted")
}

func TestPermanentFailureParksMutationUntilManualRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := mutation.ResourceKey{Type: "sticker_request", ID: "tmp-1"}
	h.remote.script(key.String(),
		&remote.PermanentError{StatusCode: 422, Message: "plate already registered"},
	)
	m := h.enqueue(t, key)

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(1), res.Failed)
	require.Len(t, h.remote.callLog(), 1)

	failed, err := h.db.ListByStatus(ctx, mutation.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 0, failed[0].RetryCount)
	require.Contains(t, failed[0].LastError, "plate already registered")

	// Another drain must not touch it.
	res = h.eng.TriggerDrain(ctx, ReasonForeground)
	require.Equal(t, int64(0), res.Failed)
	require.Len(t, h.remote.callLog(), 1)

	// A manual retry requeues and applies it with the original key.
	require.NoError(t, h.eng.RetryFailed(ctx, m.ID))
	calls := h.remote.callLog()
	require.Len(t, calls, 2)
	require.Equal(t, m.IdempotencyKey, calls[1].IdempotencyKey)

	counts, err := h.db.CountByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestSameKeyMutationsStayOrdered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := mutation.ResourceKey{Type: "guest", ID: "g1"}
	h.remote.script(key.String(), &remote.TransientError{StatusCode: 503})
	m1 := h.enqueue(t, key)
	m2 := h.enqueue(t, key)

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(2), res.Succeeded)

	// The second mutation never jumps ahead of the first, even while the
	// first is waiting out its backoff.
	calls := h.remote.callLog()
	require.Len(t, calls, 3)
	require.Equal(t, m1.ID, calls[0].MutationID)
	require.Equal(t, m1.ID, calls[1].MutationID)
	require.Equal(t, m2.ID, calls[2].MutationID)
}

func TestUnrelatedKeysKeepMovingPastBlockedKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	blockedKey := mutation.ResourceKey{Type: "guest", ID: "g1"}
	otherKey := mutation.ResourceKey{Type: "sticker_request", ID: "s1"}
	h.remote.script(blockedKey.String(), &remote.TransientError{StatusCode: 503})
	m1 := h.enqueue(t, blockedKey)
	m2 := h.enqueue(t, otherKey)

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(2), res.Succeeded)

	// m2 applies during the same pass as m1's transient failure, before the
	// backoff sleep, then m1 retries.
	calls := h.remote.callLog()
	require.Len(t, calls, 3)
	require.Equal(t, m1.ID, calls[0].MutationID)
	require.Equal(t, m2.ID, calls[1].MutationID)
	require.Equal(t, m1.ID, calls[2].MutationID)
}

func TestNoDuplicateEffectAfterFalseTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := mutation.ResourceKey{Type: "sticker_request", ID: "tmp-1"}
	h.remote.script(key.String(), errEffectLanded)
	m := h.enqueue(t, key)

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(1), res.Succeeded)

	// Two wire calls, one server-side effect: the retry carried the same
	// idempotency key and the server deduplicated it.
	require.Len(t, h.remote.callLog(), 2)
	require.Equal(t, 1, h.remote.effectCount(m.IdempotencyKey))
}

func TestConcurrentTriggerCoalesces(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.gate = make(chan struct{})
	h.enqueue(t, mutation.ResourceKey{Type: "guest", ID: "g1"})

	started := make(chan struct{})
	done := make(chan *CycleResult, 1)
	go func() {
		close(started)
		done <- h.eng.TriggerDrain(ctx, ReasonReconnect)
	}()
	<-started

	// Wait until the drain is visibly holding the slot.
	require.Eventually(t, func() bool {
		return h.eng.draining.Load()
	}, time.Second, time.Millisecond)

	// A second trigger while one is running returns immediately with nil.
	require.Nil(t, h.eng.TriggerDrain(ctx, ReasonForeground))

	close(h.remote.gate)
	res := <-done
	require.NotNil(t, res)
	require.Equal(t, int64(1), res.Succeeded)
}

func TestCoalescedTriggerForcesRecheck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.gate = make(chan struct{})
	h.enqueue(t, mutation.ResourceKey{Type: "guest", ID: "g1"})

	release := h.remote.gate
	var once sync.Once
	var enqueueErr error
	var coalesced atomic.Bool
	h.remote.onApply = func(*mutation.QueuedMutation) {
		// While the first apply is in flight, more work arrives together
		// with a coalesced trigger.
		once.Do(func() {
			_, enqueueErr = h.db.Append(ctx, mutation.CreatePayload{
				Fields: map[string]interface{}{"plate": "XYZ-999"},
			}, mutation.ResourceKey{Type: "guest", ID: "g2"})
			coalesced.Store(h.eng.TriggerDrain(ctx, ReasonForeground) == nil)
		})
	}

	done := make(chan *CycleResult, 1)
	go func() {
		done <- h.eng.TriggerDrain(ctx, ReasonReconnect)
	}()
	require.Eventually(t, func() bool {
		return h.eng.draining.Load()
	}, time.Second, time.Millisecond)
	close(release)

	res := <-done
	require.NotNil(t, res)
	require.NoError(t, enqueueErr)
	require.True(t, coalesced.Load(), "trigger during a drain must coalesce")
	require.Equal(t, int64(2), res.Succeeded)
	require.Equal(t, int64(0), res.StillPending)
}

func TestConnectivityLossStopsDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key1 := mutation.ResourceKey{Type: "guest", ID: "g1"}
	key2 := mutation.ResourceKey{Type: "guest", ID: "g2"}
	h.enqueue(t, key1)
	h.enqueue(t, key2)

	// Connectivity drops while the first call is in flight. That call still
	// resolves, but no further mutation is attempted.
	h.remote.onApply = func(*mutation.QueuedMutation) {
		h.conn.online.Store(false)
	}

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(1), res.Succeeded)
	require.Equal(t, int64(1), res.StillPending)
	require.Len(t, h.remote.callLog(), 1)
}

func TestDrainWhileOfflineDoesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.conn.online.Store(false)
	h.enqueue(t, mutation.ResourceKey{Type: "guest", ID: "g1"})

	res := h.eng.TriggerDrain(ctx, ReasonForeground)
	require.Empty(t, h.remote.callLog())
	require.Equal(t, int64(1), res.StillPending)
}

func TestRetryAllFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	k1 := mutation.ResourceKey{Type: "guest", ID: "g1"}
	k2 := mutation.ResourceKey{Type: "guest", ID: "g2"}
	h.remote.script(k1.String(), &remote.PermanentError{StatusCode: 409, Message: "conflict"})
	h.remote.script(k2.String(), &remote.PermanentError{StatusCode: 409, Message: "conflict"})
	h.enqueue(t, k1)
	h.enqueue(t, k2)

	res := h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Equal(t, int64(2), res.Failed)

	n, err := h.eng.RetryAllFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	counts, err := h.db.CountByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestStatusReportsQueueHealth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	key := mutation.ResourceKey{Type: "guest", ID: "g1"}
	h.remote.script(key.String(), &remote.PermanentError{StatusCode: 422, Message: "bad plate"})
	h.enqueue(t, key)
	h.enqueue(t, mutation.ResourceKey{Type: "guest", ID: "g2"})

	s, err := h.eng.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), s.PendingCount)
	require.Equal(t, int64(0), s.FailedCount)

	h.eng.TriggerDrain(ctx, ReasonReconnect)

	s, err = h.eng.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), s.PendingCount)
	require.Equal(t, int64(1), s.FailedCount)
	require.Contains(t, s.LastError, "bad plate")
}

func TestStatusListenersObserveDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.enqueue(t, mutation.ResourceKey{Type: "guest", ID: "g1"})

	var mu sync.Mutex
	var seen []Status
	sub := h.eng.OnStatusChange(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer sub.Close()

	h.eng.TriggerDrain(ctx, ReasonReconnect)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	require.Equal(t, int64(0), seen[len(seen)-1].PendingCount)
}

func TestClosedStatusSubscriptionStopsDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var calls atomic.Int64
	sub := h.eng.OnStatusChange(func(Status) { calls.Add(1) })
	sub.Close()
	sub.Close() // idempotent

	h.enqueue(t, mutation.ResourceKey{Type: "guest", ID: "g1"})
	h.eng.TriggerDrain(ctx, ReasonReconnect)
	require.Zero(t, calls.Load())
}

func TestIdenticalStatusNotRedelivered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var calls atomic.Int64
	sub := h.eng.OnStatusChange(func(Status) { calls.Add(1) })
	defer sub.Close()

	h.eng.PublishStatus(ctx)
	first := calls.Load()
	h.eng.PublishStatus(ctx)
	require.Equal(t, first, calls.Load())
}
