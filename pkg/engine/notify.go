package engine

import (
	"context"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/gatehouse/offline-sdk/pkg/mutation"
)

// Status is the queue health surfaced to UI badges: how much is waiting, how
// much needs user attention, and the most recent failure.
type Status struct {
	PendingCount int64
	FailedCount  int64
	LastError    string
}

type StatusListener func(Status)

type notifier struct {
	mu        sync.Mutex
	listeners map[int]StatusListener
	nextID    int
	lastError string
	last      *Status
}

func (n *notifier) setLastError(err error) {
	if err == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastError = err.Error()
}

// OnStatusChange registers a listener invoked whenever the queue status
// changes. Closing the returned subscription unregisters it.
func (e *Engine) OnStatusChange(fn StatusListener) *StatusSubscription {
	n := &e.notifier
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]StatusListener)
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	return &StatusSubscription{notifier: n, id: id}
}

// Status reports current queue health on demand.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	counts, err := e.log.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	e.notifier.mu.Lock()
	lastError := e.notifier.lastError
	e.notifier.mu.Unlock()
	return Status{
		PendingCount: counts[mutation.StatusPending] + counts[mutation.StatusInFlight],
		FailedCount:  counts[mutation.StatusFailed],
		LastError:    lastError,
	}, nil
}

// PublishStatus recomputes queue health and notifies listeners. Callers that
// change the log outside the drain loop (enqueue, discard) use this to keep
// UI badges current.
func (e *Engine) PublishStatus(ctx context.Context) {
	e.notifyStatus(ctx)
}

// notifyStatus delivers the current status to listeners, suppressing
// deliveries that would repeat the previous one.
func (e *Engine) notifyStatus(ctx context.Context) {
	s, err := e.Status(ctx)
	if err != nil {
		ctxzap.Extract(ctx).Warn("failed to compute sync status", zap.Error(err))
		return
	}

	n := &e.notifier
	n.mu.Lock()
	if n.last != nil && *n.last == s {
		n.mu.Unlock()
		return
	}
	n.last = &s
	listeners := make([]StatusListener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

type StatusSubscription struct {
	notifier *notifier
	id       int
	once     sync.Once
}

func (s *StatusSubscription) Close() {
	s.once.Do(func() {
		s.notifier.mu.Lock()
		defer s.notifier.mu.Unlock()
		delete(s.notifier.listeners, s.id)
	})
}
