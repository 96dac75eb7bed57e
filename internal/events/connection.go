package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
)

// ConnectionObserver is told about every connected/disconnected transition.
type ConnectionObserver func(connected bool)

type observer struct {
	fn      ConnectionObserver
	removed atomic.Bool
}

// ConnectionMonitor tracks the broker connection flag and fans transitions
// out to observers. Observers run synchronously, in registration order,
// before Set returns. Repeated identical states are not re-announced.
type ConnectionMonitor struct {
	notifyMu sync.Mutex // serializes transitions; observers must not call Set

	mu        sync.Mutex
	connected bool
	cause     error
	observers []*observer
	log       *zap.Logger
}

// NewConnectionMonitor returns a monitor in the disconnected state.
func NewConnectionMonitor(log *zap.Logger) *ConnectionMonitor {
	return &ConnectionMonitor{log: logging.OrNop(log)}
}

// Subscribe registers fn and returns a function that removes exactly that
// registration. Calling the returned function more than once is safe.
func (m *ConnectionMonitor) Subscribe(fn ConnectionObserver) (unsubscribe func()) {
	o := &observer{fn: fn}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
	return func() {
		if o.removed.Swap(true) {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, cur := range m.observers {
			if cur == o {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Set records the connection state. cause explains a disconnect and is
// ignored when connected is true. It reports whether a transition happened.
func (m *ConnectionMonitor) Set(connected bool, cause error) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if connected {
		cause = nil
	}
	if m.connected == connected {
		if !connected && cause != nil {
			m.cause = cause
		}
		m.mu.Unlock()
		return false
	}
	m.connected = connected
	m.cause = cause
	obs := make([]*observer, len(m.observers))
	copy(obs, m.observers)
	m.mu.Unlock()

	m.log.Info("broker connection changed", zap.Bool("connected", connected), zap.NamedError("cause", cause))
	for _, o := range obs {
		if o.removed.Load() {
			continue
		}
		m.invoke(o, connected)
	}
	return true
}

func (m *ConnectionMonitor) invoke(o *observer, connected bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("connection observer panicked", zap.Error(fmt.Errorf("%v", r)))
		}
	}()
	o.fn(connected)
}

// Connected is the current flag.
func (m *ConnectionMonitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Cause is the error behind the most recent disconnect, nil while connected.
func (m *ConnectionMonitor) Cause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Observers is the number of registered observers.
func (m *ConnectionMonitor) Observers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

// Close drops every observer. Outstanding unsubscribe functions stay safe to call.
func (m *ConnectionMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.observers {
		o.removed.Store(true)
	}
	m.observers = nil
}
