// Package eventbus is an in-process, non-blocking fanout of panel events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the registry.
const (
	TokenRefreshed   = "token.refreshed"
	TokenInvalidated = "token.invalidated"
	TasksUpdated     = "tasks.updated"
	TaskRun          = "task.run"
)

// Event is one signal. Publish never blocks; a subscriber whose buffer is
// full misses the event.
type Event struct {
	Type    string
	PanelID string
	Time    time.Time
	Data    any
}

// TokenData accompanies TokenRefreshed.
type TokenData struct {
	Expiry int64
}

// TasksData accompanies TasksUpdated.
type TasksData struct {
	Total    int
	Enabled  int
	Disabled int
}

// RunData accompanies TaskRun.
type RunData struct {
	RunID  string
	TaskID string
	Task   string
	Source string
	OK     bool
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It starts no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// offer delivers e unless the buffer is full or the subscriber has left.
func (s *subscriber) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.offer(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
}
