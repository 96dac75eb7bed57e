// Package events carries connection-state transitions and live dashboard
// notifications between the pipeline and its presentation clients.
package events

import (
	"sync"
	"time"
)

// Kind names the notification carried by an Event.
type Kind string

const (
	KindStatus     Kind = "Status"
	KindAccess     Kind = "Access"
	KindUnknown    Kind = "Unknown"
	KindConnection Kind = "Connection"
	KindDevice     Kind = "Device"
)

// Event is a live update pushed to presentation clients.
type Event struct {
	Kind   Kind
	Device string
	At     time.Time
	Data   any
}

// Bus is a simple in-memory pub/sub.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus { return &Bus{subs: make(map[int]chan Event)} }

func (b *Bus) Subscribe(buffer int) (id int, ch <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = b.next
	b.next++
	c := make(chan Event, buffer)
	b.subs[id] = c
	cancel = func() {
		b.mu.Lock()
		if sc, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sc)
		}
		b.mu.Unlock()
	}
	return id, c, cancel
}

// Publish delivers e to every subscriber. A nil bus drops the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default: /* drop if full */
		}
	}
}

// Len is the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
