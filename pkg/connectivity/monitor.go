// Package connectivity tracks whether the device can reach the network and
// notifies subscribers on state transitions. It performs no I/O against the
// system of record; the platform pushes state in, or an optional Prober is
// consulted on demand.
package connectivity

import (
	"context"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

type Transport string

const (
	TransportNone     Transport = "none"
	TransportCellular Transport = "cellular"
	TransportWifi     Transport = "wifi"
	TransportUnknown  Transport = "unknown"
)

type State struct {
	Connected bool
	Transport Transport
}

// Disconnected is the fail-safe state: when in doubt, queue instead of
// attempting a doomed network call.
var Disconnected = State{Connected: false, Transport: TransportNone}

// Prober answers a point-in-time connectivity question, typically by asking
// the platform. It must not retry or block on the remote system.
type Prober interface {
	Probe(ctx context.Context) (State, error)
}

type ProberFunc func(ctx context.Context) (State, error)

func (f ProberFunc) Probe(ctx context.Context) (State, error) {
	return f(ctx)
}

type Callback func(State)

// Monitor holds the current connectivity state and delivers edge-triggered
// notifications: subscribers hear about changes, never about polls that
// confirm the existing state.
type Monitor struct {
	mu     sync.Mutex
	state  State
	subs   map[int]Callback
	nextID int
	prober Prober
}

type MonitorOption func(*Monitor)

func WithInitialState(s State) MonitorOption {
	return func(m *Monitor) {
		m.state = s
	}
}

func WithProber(p Prober) MonitorOption {
	return func(m *Monitor) {
		m.prober = p
	}
}

func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		state: Disconnected,
		subs:  make(map[int]Callback),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState records a new state reported by the platform. Subscribers are
// invoked synchronously, outside the lock, only if the state changed.
func (m *Monitor) SetState(ctx context.Context, s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	callbacks := make([]Callback, 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	ctxzap.Extract(ctx).Info("connectivity changed",
		zap.Bool("connected", s.Connected),
		zap.String("transport", string(s.Transport)),
		zap.Bool("was_connected", prev.Connected),
	)
	for _, cb := range callbacks {
		cb(s)
	}
}

// Refresh consults the prober and folds the answer into the monitor. A probe
// error is treated as disconnected.
func (m *Monitor) Refresh(ctx context.Context) State {
	if m.prober == nil {
		return m.State()
	}
	s, err := m.prober.Probe(ctx)
	if err != nil {
		ctxzap.Extract(ctx).Warn("connectivity probe failed, assuming offline", zap.Error(err))
		s = Disconnected
	}
	m.SetState(ctx, s)
	return s
}

// Subscribe registers a callback for state changes. Closing the returned
// Subscription unregisters it; Close is safe to call more than once.
func (m *Monitor) Subscribe(cb Callback) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	return &Subscription{monitor: m, id: id}
}

type Subscription struct {
	monitor *Monitor
	id      int
	once    sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.monitor.mu.Lock()
		defer s.monitor.mu.Unlock()
		delete(s.monitor.subs, s.id)
	})
}
