// Package eventbus is the in-process fan-out that decouples the registration loops
// from their observers (notifier, recorder, metrics, monitor stream).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeAttempt       = "elective.attempt"
	TypeElected       = "elective.elected"
	TypeCycle         = "elective.cycle"
	TypeStopped       = "elective.stopped"
	TypeLoginFailed   = "session.login_failed"
	TypeSessionReady  = "session.ready"
	TypeConfigApplied = "config.applied"
	TypeConfigWarning = "config.warning"
)

// Event is one signal. Data should stay small and JSON-serializable; the monitor
// streams it unchanged.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus never blocks publishers. A subscriber whose buffer is full misses the event and
// the miss is counted in Dropped.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	// Publish holds the read lock while sending, so unsubscribe can close a channel
	// once it holds the write lock.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 8))}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !s.closed {
			s.closed = true
			delete(b.subs, s)
			close(s.ch)
		}
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
