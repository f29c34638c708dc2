// Package eventbus fans state changes of the notification core out to
// local consumers (the event stream, the systemd status line).
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeIdentityChanged = "identity.changed"
	TypeLiveState       = "live.state"
	TypeLiveMessage     = "live.message"
	TypeLiveUnread      = "live.unread"
)

// Event is one published change. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Stats counts live subscriptions and events missed by slow subscribers.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type matches one of topics. A topic
	// ending in "." matches a prefix ("live."); no topics matches all.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Stats() Stats  { return Stats{} }
func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type subscription struct {
	ch     chan Event
	topics []string
}

func (s *subscription) wants(typ string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, t := range s.topics {
		if t == typ || (strings.HasSuffix(t, ".") && strings.HasPrefix(typ, t)) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscription
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer), topics: append([]string(nil), topics...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}
