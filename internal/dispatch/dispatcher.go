// Package dispatch routes inbound broker messages to per-topic handler lists
// and keeps exactly one broker subscription per topic that has handlers.
package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
	"github.com/stepherg/gatedash/internal/metrics"
	"github.com/stepherg/gatedash/internal/transport"
)

// DefaultLaneBuffer is the per-topic queue depth used when none is configured.
const DefaultLaneBuffer = 256

// ErrEmptyTopic is returned when registering on "".
var ErrEmptyTopic = errors.New("dispatch: empty topic")

// Broker is the subscription side of the transport.
type Broker interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Handler consumes raw payloads for one topic.
type Handler interface {
	HandleMessage(topic string, payload []byte) error
}

// HandlerFunc adapts a function to Handler. Function values have no
// identity in Go, so registering the same HandlerFunc twice adds it twice;
// use NewHandler when deduplication matters.
type HandlerFunc func(topic string, payload []byte) error

func (f HandlerFunc) HandleMessage(topic string, payload []byte) error { return f(topic, payload) }

type funcHandler struct {
	fn func(topic string, payload []byte) error
}

func (h *funcHandler) HandleMessage(topic string, payload []byte) error { return h.fn(topic, payload) }

// NewHandler wraps fn in a handler with pointer identity.
func NewHandler(fn func(topic string, payload []byte) error) Handler {
	return &funcHandler{fn: fn}
}

// HandlerError reports a handler that returned an error or panicked.
type HandlerError struct {
	Topic string
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dispatch: handler for %q panicked: %v", e.Topic, e.Panic)
	}
	return fmt.Sprintf("dispatch: handler for %q: %v", e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type registration struct {
	h        Handler
	failures atomic.Int64
	removed  atomic.Bool
}

type topicState struct {
	handlers []*registration
	lane     chan []byte // nil in inline mode
}

// Dispatcher owns the subscription registry. Messages for one topic are
// handled in arrival order by a single consumer; topics never block each
// other unless the dispatcher runs inline.
type Dispatcher struct {
	broker Broker

	mu     sync.Mutex
	topics map[string]*topicState

	inline       bool
	laneBuffer   int
	failureLimit int64
	log          *zap.Logger
	metrics      *metrics.Metrics
	wg           sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInline runs handlers on the caller of Dispatch.
func WithInline() Option { return func(d *Dispatcher) { d.inline = true } }

// WithLaneBuffer sets the per-topic queue depth. When a topic's queue is
// full, Dispatch drops the message (logged and counted in
// messages_dropped_total) for every handler of that topic.
func WithLaneBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.laneBuffer = n
		}
	}
}

// WithFailureLimit deregisters a handler after n consecutive failures.
// Zero keeps failing handlers registered.
func WithFailureLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.failureLimit = int64(n)
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = logging.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// New returns a dispatcher that subscribes through broker.
func New(broker Broker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		broker:     broker,
		topics:     make(map[string]*topicState),
		laneBuffer: DefaultLaneBuffer,
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register adds h to topic. The first handler on a topic subscribes at the
// broker; registering a handler that is already present is a no-op. With no
// transport client the call is skipped with a warning.
func (d *Dispatcher) Register(topic string, h Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for %q", topic)
	}
	if _, bare := h.(HandlerFunc); bare {
		d.log.Warn("HandlerFunc cannot be deduplicated, wrap it with NewHandler", zap.String("topic", topic))
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.topics[topic]; ok {
		for _, r := range ts.handlers {
			if sameHandler(r.h, h) {
				return nil
			}
		}
		ts.handlers = append(ts.handlers, &registration{h: h})
		return nil
	}

	if err := d.broker.Subscribe(topic); err != nil {
		if errors.Is(err, transport.ErrNoClient) {
			d.log.Warn("cannot subscribe without a client", zap.String("topic", topic))
			return nil
		}
		return fmt.Errorf("dispatch: subscribe %q: %w", topic, err)
	}
	ts := &topicState{handlers: []*registration{{h: h}}}
	if !d.inline {
		ts.lane = make(chan []byte, d.laneBuffer)
		d.wg.Add(1)
		go d.runLane(topic, ts, ts.lane)
	}
	d.topics[topic] = ts
	d.log.Debug("subscribed", zap.String("topic", topic))
	return nil
}

// Deregister removes h from topic and unsubscribes when the list empties.
// It reports whether h was registered.
func (d *Dispatcher) Deregister(topic string, h Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.topics[topic]
	if !ok {
		return false
	}
	for i, r := range ts.handlers {
		if sameHandler(r.h, h) {
			d.removeLocked(topic, ts, i)
			return true
		}
	}
	return false
}

// DeregisterAll removes every handler on topic.
func (d *Dispatcher) DeregisterAll(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.topics[topic]
	if !ok {
		return
	}
	for _, r := range ts.handlers {
		r.removed.Store(true)
	}
	ts.handlers = nil
	d.dropTopicLocked(topic, ts, true)
}

func (d *Dispatcher) removeLocked(topic string, ts *topicState, i int) {
	ts.handlers[i].removed.Store(true)
	ts.handlers = append(ts.handlers[:i:i], ts.handlers[i+1:]...)
	if len(ts.handlers) == 0 {
		d.dropTopicLocked(topic, ts, true)
	}
}

func (d *Dispatcher) dropTopicLocked(topic string, ts *topicState, unsubscribe bool) {
	delete(d.topics, topic)
	if ts.lane != nil {
		close(ts.lane)
		ts.lane = nil
	}
	if !unsubscribe {
		return
	}
	if err := d.broker.Unsubscribe(topic); err != nil {
		d.log.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	d.log.Debug("unsubscribed", zap.String("topic", topic))
}

// Dispatch routes one inbound message. It never returns an error and never
// panics because of a handler; failures go to the log and metrics.
func (d *Dispatcher) Dispatch(topic string, payload []byte) {
	d.mu.Lock()
	ts, ok := d.topics[topic]
	if !ok {
		d.mu.Unlock()
		d.log.Debug("no handlers for topic", zap.String("topic", topic))
		return
	}
	d.metrics.Received(topic)
	if ts.lane == nil {
		d.mu.Unlock()
		d.deliver(topic, ts, payload)
		return
	}
	select {
	case ts.lane <- payload:
	default:
		d.metrics.Dropped(topic)
		d.log.Warn("topic lane full, dropping message", zap.String("topic", topic), zap.Int("buffer", cap(ts.lane)))
	}
	d.mu.Unlock()
}

func (d *Dispatcher) runLane(topic string, ts *topicState, lane <-chan []byte) {
	defer d.wg.Done()
	for payload := range lane {
		d.deliver(topic, ts, payload)
	}
}

func (d *Dispatcher) deliver(topic string, ts *topicState, payload []byte) {
	d.mu.Lock()
	regs := make([]*registration, len(ts.handlers))
	copy(regs, ts.handlers)
	d.mu.Unlock()

	var errs error
	for _, r := range regs {
		if r.removed.Load() {
			continue
		}
		err := invoke(topic, r.h, payload)
		if err == nil {
			r.failures.Store(0)
			continue
		}
		errs = multierr.Append(errs, err)
		d.metrics.HandlerFailed(topic)
		if d.failureLimit > 0 && r.failures.Add(1) >= d.failureLimit {
			d.evict(topic, ts, r)
		}
	}
	if errs != nil {
		d.log.Error("handler failures",
			zap.String("topic", topic),
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Error(errs))
	}
}

func invoke(topic string, h Handler, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Topic: topic, Panic: p}
		}
	}()
	if herr := h.HandleMessage(topic, payload); herr != nil {
		return &HandlerError{Topic: topic, Err: herr}
	}
	return nil
}

func (d *Dispatcher) evict(topic string, ts *topicState, r *registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.topics[topic] != ts {
		return
	}
	for i, cur := range ts.handlers {
		if cur == r {
			d.log.Warn("deregistering persistently failing handler",
				zap.String("topic", topic), zap.Int64("failures", r.failures.Load()))
			d.removeLocked(topic, ts, i)
			return
		}
	}
}

// Clear forgets every registration without touching the broker. Used after
// the transport is gone.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for topic, ts := range d.topics {
		for _, r := range ts.handlers {
			r.removed.Store(true)
		}
		d.dropTopicLocked(topic, ts, false)
	}
}

// Wait blocks until every topic lane has exited. Lanes exit once their topic
// is deregistered or cleared and queued messages are drained.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Topics lists topics with at least one handler, sorted.
func (d *Dispatcher) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.topics))
	for t := range d.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handlers is the number of handlers registered on topic.
func (d *Dispatcher) Handlers(topic string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.topics[topic]; ok {
		return len(ts.handlers)
	}
	return 0
}

// sameHandler compares handlers by identity. Non-comparable dynamic types
// (function values, structs holding slices) are never equal.
func sameHandler(a, b Handler) (same bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
