// Package dashboard ties the pipeline together for one operator session:
// broker connection, selected gate, its two topics and both entry logs.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/classify"
	"github.com/stepherg/gatedash/internal/config"
	"github.com/stepherg/gatedash/internal/dispatch"
	"github.com/stepherg/gatedash/internal/eventlog"
	"github.com/stepherg/gatedash/internal/events"
	"github.com/stepherg/gatedash/internal/logging"
	"github.com/stepherg/gatedash/internal/metrics"
	"github.com/stepherg/gatedash/internal/models"
	"github.com/stepherg/gatedash/internal/transport"
)

// ErrEmptyDevice is returned when selecting a blank device id.
var ErrEmptyDevice = errors.New("dashboard: empty device id")

// Topics are the two topics derived from the selected device.
type Topics struct {
	Status string `json:"status" msgpack:"status"`
	Events string `json:"events" msgpack:"events"`
}

// Snapshot is everything a presentation client needs to render the page.
type Snapshot struct {
	Device      string                               `json:"device" msgpack:"device"`
	Label       string                               `json:"label,omitempty" msgpack:"label,omitempty"`
	Topics      Topics                               `json:"topics" msgpack:"topics"`
	Connected   bool                                 `json:"connected" msgpack:"connected"`
	Connecting  bool                                 `json:"connecting" msgpack:"connecting"`
	Status      *models.DeviceStatus                 `json:"status" msgpack:"status"`
	LastError   string                               `json:"lastError,omitempty" msgpack:"lastError,omitempty"`
	Events      []eventlog.Entry[models.EventEntry]  `json:"events" msgpack:"events"`
	Statuses    []eventlog.Entry[models.StatusEntry] `json:"statuses" msgpack:"statuses"`
	EventCount  int                                  `json:"eventCount" msgpack:"eventCount"`
	StatusCount int                                  `json:"statusCount" msgpack:"statusCount"`
}

// Session owns one transport and everything fed by it. Device switches keep
// both logs; only the current DeviceStatus is cleared.
type Session struct {
	cfg        config.Config
	transport  transport.Client
	dispatcher *dispatch.Dispatcher
	monitor    *events.ConnectionMonitor
	classifier *classify.Classifier
	bus        *events.Bus
	events     *eventlog.Buffer[models.EventEntry]
	statuses   *eventlog.Buffer[models.StatusEntry]
	log        *zap.Logger
	metrics    *metrics.Metrics

	statusHandler dispatch.Handler
	eventsHandler dispatch.Handler

	switchMu sync.Mutex // serializes Start, Stop and SelectDevice

	mu         sync.RWMutex
	device     string
	status     *models.DeviceStatus
	lastError  error
	connecting bool
	started    bool
	unobserve  func()
}

// Option configures a Session.
type Option func(*sessionOptions)

type sessionOptions struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	bus      *events.Bus
	dispatch []dispatch.Option
}

func WithLogger(l *zap.Logger) Option { return func(o *sessionOptions) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *sessionOptions) { o.metrics = m } }

func WithBus(b *events.Bus) Option { return func(o *sessionOptions) { o.bus = b } }

// WithDispatch appends dispatcher options after the config-derived ones.
func WithDispatch(opts ...dispatch.Option) Option {
	return func(o *sessionOptions) { o.dispatch = append(o.dispatch, opts...) }
}

// New wires a session around tr. Nothing touches the network until Start.
func New(cfg config.Config, tr transport.Client, opts ...Option) *Session {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.OrNop(o.log)
	bus := o.bus
	if bus == nil {
		bus = events.NewBus()
	}
	dopts := append([]dispatch.Option{
		dispatch.WithLaneBuffer(cfg.Dispatch.LaneBuffer),
		dispatch.WithFailureLimit(cfg.Dispatch.FailureLimit),
		dispatch.WithLogger(log.Named("dispatch")),
		dispatch.WithMetrics(o.metrics),
	}, o.dispatch...)

	s := &Session{
		cfg:        cfg,
		transport:  tr,
		dispatcher: dispatch.New(tr, dopts...),
		monitor:    events.NewConnectionMonitor(log.Named("connection")),
		classifier: &classify.Classifier{Logger: log.Named("classify"), Metrics: o.metrics},
		bus:        bus,
		events:     eventlog.New[models.EventEntry](cfg.Logs.EventCapacity),
		statuses:   eventlog.New[models.StatusEntry](cfg.Logs.StatusCapacity),
		log:        log,
		metrics:    o.metrics,
		device:     cfg.InitialDevice(),
	}
	s.statusHandler = dispatch.NewHandler(func(topic string, payload []byte) error {
		return s.handle(topic, payload, classify.KindStatus)
	})
	s.eventsHandler = dispatch.NewHandler(func(topic string, payload []byte) error {
		return s.handle(topic, payload, classify.KindUnknown)
	})
	tr.OnMessage(s.dispatcher.Dispatch)
	tr.OnConnectionChange(func(connected bool, err error) { s.monitor.Set(connected, err) })
	return s
}

// Dispatcher exposes the topic registry, e.g. for webhook ingestion.
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Bus is the live notification bus.
func (s *Session) Bus() *events.Bus { return s.bus }

// Monitor is the connection lifecycle monitor.
func (s *Session) Monitor() *events.ConnectionMonitor { return s.monitor }

// Start connects and subscribes the selected device's topics. A connect
// failure is returned and recorded as the last error; the topics are still
// registered so data flows once the transport's background retry succeeds.
func (s *Session) Start(ctx context.Context) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.connecting = true
	s.lastError = nil
	s.status = nil
	device := s.device
	s.unobserve = s.monitor.Subscribe(s.onConnection)
	s.mu.Unlock()

	connErr := s.transport.Connect(ctx)

	s.mu.Lock()
	s.connecting = false
	if connErr != nil {
		s.lastError = connErr
	}
	s.mu.Unlock()

	if connErr != nil {
		s.log.Error("broker connect failed", zap.Error(connErr))
		s.appendEvent(models.EventEntry{Level: models.LevelError, Message: "connection error", Details: connErr.Error()})
	}
	return multierr.Append(connErr, s.subscribe(device))
}

// SelectDevice switches to id: the old topics are deregistered, the new ones
// registered and the current status cleared. Logs are kept.
func (s *Session) SelectDevice(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyDevice
	}
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	old := s.device
	if id == old {
		s.mu.Unlock()
		return nil
	}
	s.device = id
	s.status = nil
	started := s.started
	s.mu.Unlock()

	s.log.Info("switching device", zap.String("from", old), zap.String("to", id))
	var err error
	if started {
		s.unsubscribe(old)
		err = s.subscribe(id)
	}
	s.bus.Publish(events.Event{Kind: events.KindDevice, Device: id, Data: s.topicsFor(id)})
	return err
}

// Stop releases the transport and forgets every registration.
func (s *Session) Stop() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.status = nil
	device := s.device
	unobserve := s.unobserve
	s.unobserve = nil
	s.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	s.unsubscribe(device)
	s.transport.Disconnect()
	s.dispatcher.Clear()
	s.monitor.Close()
	s.metrics.Connected(false)
	s.log.Info("session stopped")
}

func (s *Session) topicsFor(device string) Topics {
	status, ev := config.Topics(s.cfg.Topics.Namespace, device)
	return Topics{Status: status, Events: ev}
}

func (s *Session) subscribe(device string) error {
	t := s.topicsFor(device)
	return multierr.Combine(
		s.dispatcher.Register(t.Status, s.statusHandler),
		s.dispatcher.Register(t.Events, s.eventsHandler),
	)
}

func (s *Session) unsubscribe(device string) {
	t := s.topicsFor(device)
	s.dispatcher.Deregister(t.Status, s.statusHandler)
	s.dispatcher.Deregister(t.Events, s.eventsHandler)
}

func (s *Session) isCurrent(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.topicsFor(s.device)
	return topic == t.Status || topic == t.Events
}

func (s *Session) handle(topic string, payload []byte, fallback classify.Kind) error {
	if !s.isCurrent(topic) {
		s.log.Debug("dropping message for previous device", zap.String("topic", topic))
		return nil
	}
	msg, ok := s.classifier.Classify(topic, payload, fallback)
	if !ok {
		return nil
	}
	switch m := msg.(type) {
	case classify.StatusMessage:
		s.applyStatus(m.Status)
	case classify.AccessMessage:
		s.appendAccess(m.Event)
	case classify.UnknownMessage:
		s.appendUnknown(m)
	default:
		return fmt.Errorf("dashboard: unhandled message kind %q", msg.Kind())
	}
	return nil
}

func (s *Session) applyStatus(st models.DeviceStatus) {
	s.mu.Lock()
	if st.DeviceID == "" {
		st.DeviceID = s.device
	}
	cur := st
	s.status = &cur
	s.mu.Unlock()

	level := models.LevelInfo
	if st.CPUPercent > s.cfg.Logs.HighCPUPercent {
		level = models.LevelError
	}
	e := s.statuses.Append(models.StatusEntry{Status: st, Level: level})
	s.metrics.LogSize("status", s.statuses.Size())
	s.bus.Publish(events.Event{Kind: events.KindStatus, Device: st.DeviceID, At: e.ReceivedAt, Data: e})
}

func (s *Session) appendAccess(ev models.AccessEvent) {
	granted, _ := ev.Decision()
	entry := models.EventEntry{
		Level:   models.LevelWarning,
		Message: strings.ToUpper(string(ev.Kind)) + " access denied",
		Device:  ev.Device,
		Access:  &ev,
	}
	if granted {
		entry.Level = models.LevelSuccess
		entry.Message = strings.ToUpper(string(ev.Kind)) + " access granted"
	}
	if ev.Code != "" {
		entry.Details = "code " + ev.Code
	}
	if h := ev.ShortHash(); h != "" {
		entry.Details = strings.TrimSpace(entry.Details + " hash " + h)
	}
	e := s.appendEvent(entry)
	s.bus.Publish(events.Event{Kind: events.KindAccess, Device: ev.Device, At: e.ReceivedAt, Data: e})
}

func (s *Session) appendUnknown(m classify.UnknownMessage) {
	ev := m.AsAccessEvent()
	msg := "message without type"
	if m.Type != "" {
		msg = fmt.Sprintf("unrecognized message type %q", m.Type)
	}
	e := s.appendEvent(models.EventEntry{Level: models.LevelInfo, Message: msg, Device: m.Device, Access: &ev})
	s.bus.Publish(events.Event{Kind: events.KindUnknown, Device: m.Device, At: e.ReceivedAt, Data: e})
}

func (s *Session) appendEvent(entry models.EventEntry) eventlog.Entry[models.EventEntry] {
	entry.ID = uuid.NewString()
	e := s.events.Append(entry)
	s.metrics.LogSize("events", s.events.Size())
	return e
}

func (s *Session) onConnection(connected bool) {
	s.metrics.Connected(connected)
	cause := s.monitor.Cause()

	s.mu.Lock()
	device := s.device
	if connected {
		s.lastError = nil
	} else if cause != nil {
		s.lastError = cause
	}
	s.mu.Unlock()

	entry := models.EventEntry{Level: models.LevelInfo, Message: "connected to broker", Device: device}
	if !connected {
		entry.Message = "disconnected from broker"
		if cause != nil {
			entry.Level = models.LevelError
			entry.Message = "connection lost"
			entry.Details = cause.Error()
		}
	}
	e := s.appendEvent(entry)
	s.bus.Publish(events.Event{Kind: events.KindConnection, Device: device, At: e.ReceivedAt, Data: e})
}

// Snapshot returns the current state with up to nEvents and nStatuses log
// entries, newest first. Non-positive counts return whole logs.
func (s *Session) Snapshot(nEvents, nStatuses int) Snapshot {
	if nEvents <= 0 {
		nEvents = s.events.Cap()
	}
	if nStatuses <= 0 {
		nStatuses = s.statuses.Cap()
	}
	s.mu.RLock()
	snap := Snapshot{
		Device:     s.device,
		Topics:     s.topicsFor(s.device),
		Connecting: s.connecting,
	}
	if s.status != nil {
		st := *s.status
		snap.Status = &st
	}
	if s.lastError != nil {
		snap.LastError = s.lastError.Error()
	}
	s.mu.RUnlock()

	if d, ok := config.Find(s.cfg.Devices, snap.Device); ok {
		snap.Label = d.Label
	}
	snap.Connected = s.monitor.Connected()
	snap.Events = s.events.Latest(nEvents)
	snap.Statuses = s.statuses.Latest(nStatuses)
	snap.EventCount = s.events.Size()
	snap.StatusCount = s.statuses.Size()
	return snap
}

// Events returns up to n operational entries, newest first; n <= 0 means all.
func (s *Session) Events(n int) []eventlog.Entry[models.EventEntry] {
	if n <= 0 {
		n = s.events.Cap()
	}
	return s.events.Latest(n)
}

// Statuses returns up to n status entries, newest first; n <= 0 means all.
func (s *Session) Statuses(n int) []eventlog.Entry[models.StatusEntry] {
	if n <= 0 {
		n = s.statuses.Cap()
	}
	return s.statuses.Latest(n)
}

// Devices is the gate catalog.
func (s *Session) Devices() []config.Device {
	out := make([]config.Device, len(s.cfg.Devices))
	copy(out, s.cfg.Devices)
	return out
}

// Device is the selected device id.
func (s *Session) Device() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}
