package dispatch

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stepherg/gatedash/internal/classify"
	"github.com/stepherg/gatedash/internal/metrics"
	"github.com/stepherg/gatedash/internal/transport"
)

type countingBroker struct {
	mu     sync.Mutex
	subs   map[string]int
	unsubs map[string]int
	err    error
}

func newCountingBroker() *countingBroker {
	return &countingBroker{subs: map[string]int{}, unsubs: map[string]int{}}
}

func (b *countingBroker) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.subs[topic]++
	return nil
}

func (b *countingBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs[topic]++
	return nil
}

func (b *countingBroker) counts(topic string) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[topic], b.unsubs[topic]
}

func TestSubscriptionCountsFollowTransitions(t *testing.T) {
	topics := []string{"ns/a/status", "ns/a/events", "ns/b/status"}
	handlers := make([]Handler, 4)
	for i := range handlers {
		handlers[i] = NewHandler(func(string, []byte) error { return nil })
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		broker := newCountingBroker()
		d := New(broker, WithInline())
		up := map[string]int{}
		down := map[string]int{}

		for step := 0; step < 200; step++ {
			topic := topics[rng.Intn(len(topics))]
			before := d.Handlers(topic)
			switch rng.Intn(3) {
			case 0, 1:
				require.NoError(t, d.Register(topic, handlers[rng.Intn(len(handlers))]))
			case 2:
				if rng.Intn(4) == 0 {
					d.DeregisterAll(topic)
				} else {
					d.Deregister(topic, handlers[rng.Intn(len(handlers))])
				}
			}
			after := d.Handlers(topic)
			if before == 0 && after > 0 {
				up[topic]++
			}
			if before > 0 && after == 0 {
				down[topic]++
			}
		}
		for _, topic := range topics {
			subs, unsubs := broker.counts(topic)
			assert.Equal(t, up[topic], subs, "round %d subscribe %s", round, topic)
			assert.Equal(t, down[topic], unsubs, "round %d unsubscribe %s", round, topic)
		}
	}
}

func TestRegisterDeduplicatesByIdentity(t *testing.T) {
	broker := newCountingBroker()
	d := New(broker, WithInline())
	calls := 0
	h := NewHandler(func(string, []byte) error { calls++; return nil })

	require.NoError(t, d.Register("T", h))
	require.NoError(t, d.Register("T", h))
	assert.Equal(t, 1, d.Handlers("T"))

	d.Dispatch("T", []byte("x"))
	assert.Equal(t, 1, calls)

	subs, _ := broker.counts("T")
	assert.Equal(t, 1, subs)
}

func TestBareHandlerFuncWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := New(newCountingBroker(), WithInline(), WithLogger(zap.New(core)))

	// Function values are not comparable, so each registration is distinct.
	f := HandlerFunc(func(string, []byte) error { return nil })
	require.NoError(t, d.Register("T", f))
	require.NoError(t, d.Register("T", f))
	assert.Equal(t, 2, d.Handlers("T"))
	assert.False(t, d.Deregister("T", f))

	warned := logs.FilterMessageSnippet("NewHandler").AllUntimed()
	require.Len(t, warned, 2)
	assert.Equal(t, "T", warned[0].ContextMap()["topic"])

	require.NoError(t, d.Register("U", NewHandler(func(string, []byte) error { return nil })))
	assert.Len(t, logs.FilterMessageSnippet("NewHandler").AllUntimed(), 2)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	d := New(newCountingBroker(), WithInline())
	var order []string
	require.NoError(t, d.Register("T", NewHandler(func(string, []byte) error { order = append(order, "first"); return nil })))
	require.NoError(t, d.Register("T", NewHandler(func(string, []byte) error { order = append(order, "second"); return nil })))

	d.Dispatch("T", []byte("{}"))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestFailingHandlerIsIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := New(newCountingBroker(), WithInline(), WithMetrics(m))

	require.NoError(t, d.Register("T", NewHandler(func(string, []byte) error { return errors.New("always") })))
	require.NoError(t, d.Register("T", NewHandler(func(string, []byte) error { panic("boom") })))
	got := 0
	require.NoError(t, d.Register("T", NewHandler(func(string, []byte) error { got++; return nil })))

	for i := 0; i < 10; i++ {
		assert.NotPanics(t, func() { d.Dispatch("T", []byte("m")) })
	}
	assert.Equal(t, 10, got)
	assert.Equal(t, 20.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("T")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("T")))
	assert.Equal(t, 3, d.Handlers("T"), "failing handlers stay registered by default")
}

func TestHandlerErrorWrapsCause(t *testing.T) {
	cause := errors.New("bad row")
	err := invoke("T", NewHandler(func(string, []byte) error { return cause }), nil)
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "T", he.Topic)
	assert.ErrorIs(t, err, cause)

	err = invoke("T", NewHandler(func(string, []byte) error { panic("boom") }), nil)
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "boom", he.Panic)
	assert.Contains(t, err.Error(), "panicked")
}

func TestFailureLimitDeregisters(t *testing.T) {
	broker := newCountingBroker()
	d := New(broker, WithInline(), WithFailureLimit(2))
	bad := NewHandler(func(string, []byte) error { return errors.New("nope") })
	require.NoError(t, d.Register("T", bad))

	d.Dispatch("T", nil)
	assert.Equal(t, 1, d.Handlers("T"))
	d.Dispatch("T", nil)
	assert.Equal(t, 0, d.Handlers("T"))

	_, unsubs := broker.counts("T")
	assert.Equal(t, 1, unsubs)
}

func TestNoClientSkipsRegistration(t *testing.T) {
	broker := newCountingBroker()
	broker.err = transport.ErrNoClient
	d := New(broker, WithInline())

	require.NoError(t, d.Register("T", NewHandler(func(string, []byte) error { return nil })))
	assert.Equal(t, 0, d.Handlers("T"))
	assert.Empty(t, d.Topics())

	broker.err = errors.New("not authorized")
	err := d.Register("T", NewHandler(func(string, []byte) error { return nil }))
	assert.Error(t, err)
	assert.Equal(t, 0, d.Handlers("T"))
	assert.ErrorIs(t, d.Register("", nil), ErrEmptyTopic)
}

func TestDispatchArbitraryBytesNeverPanics(t *testing.T) {
	d := New(newCountingBroker(), WithInline())
	c := &classify.Classifier{}
	seen := 0
	require.NoError(t, d.Register("ns/d/events", NewHandler(func(topic string, payload []byte) error {
		seen++
		if _, ok := c.Classify(topic, payload, classify.KindUnknown); !ok {
			return classify.ErrMalformedPayload
		}
		return nil
	})))

	inputs := [][]byte{nil, {}, []byte(`{"type":`), []byte(`{"device":"x"}`), {0xc3, 0x28}, []byte(`[]`)}
	for _, in := range inputs {
		assert.NotPanics(t, func() { d.Dispatch("ns/d/events", in) })
	}
	assert.Equal(t, len(inputs), seen)
	assert.NotPanics(t, func() { d.Dispatch("unregistered", []byte("x")) })
}

func TestLanePreservesPerTopicOrder(t *testing.T) {
	d := New(newCountingBroker())
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, d.Register("T", NewHandler(func(_ string, p []byte) error {
		mu.Lock()
		got = append(got, string(p))
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
		return nil
	})))

	want := make([]string, 100)
	for i := range want {
		want[i] = fmt.Sprint(i)
		d.Dispatch("T", []byte(want[i]))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lane did not drain")
	}
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()

	d.DeregisterAll("T")
	d.Wait()
}

func TestHungHandlerStallsOnlyItsTopic(t *testing.T) {
	d := New(newCountingBroker())
	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, d.Register("slow", NewHandler(func(string, []byte) error {
		close(entered)
		<-release
		return nil
	})))
	fast := make(chan string, 1)
	require.NoError(t, d.Register("fast", NewHandler(func(_ string, p []byte) error {
		fast <- string(p)
		return nil
	})))

	d.Dispatch("slow", []byte("1"))
	<-entered
	d.Dispatch("fast", []byte("ok"))

	select {
	case got := <-fast:
		assert.Equal(t, "ok", got)
	case <-time.After(2 * time.Second):
		t.Fatal("fast topic blocked behind slow topic")
	}
	close(release)
	d.Clear()
	d.Wait()
}

func TestFullLaneDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := New(newCountingBroker(), WithLaneBuffer(1), WithMetrics(m))
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	require.NoError(t, d.Register("T", NewHandler(func(string, []byte) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})))

	d.Dispatch("T", []byte("1"))
	<-entered
	d.Dispatch("T", []byte("2")) // queued
	d.Dispatch("T", []byte("3")) // dropped
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("T")))

	close(release)
	d.DeregisterAll("T")
	d.Wait()
}

func TestDeregisteredHandlerStopsReceiving(t *testing.T) {
	broker := newCountingBroker()
	d := New(broker, WithInline())
	a, b := 0, 0
	ha := NewHandler(func(string, []byte) error { a++; return nil })
	hb := NewHandler(func(string, []byte) error { b++; return nil })
	require.NoError(t, d.Register("T", ha))
	require.NoError(t, d.Register("T", hb))

	d.Dispatch("T", nil)
	assert.True(t, d.Deregister("T", ha))
	assert.False(t, d.Deregister("T", ha))
	d.Dispatch("T", nil)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	_, unsubs := broker.counts("T")
	assert.Equal(t, 0, unsubs)

	d.Clear()
	assert.Empty(t, d.Topics())
	_, unsubs = broker.counts("T")
	assert.Equal(t, 0, unsubs, "Clear does not touch the broker")
}
