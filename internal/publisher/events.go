package publisher

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"transit-cache/internal/metrics"
	"transit-cache/internal/router"
)

// ChangeEvent announces that the data behind Address changed and readers
// should query it again.
type ChangeEvent struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChangeEvent(addr router.Address) ChangeEvent {
	return ChangeEvent{
		ID:        uuid.NewString(),
		Address:   addr.String(),
		Kind:      addr.Kind.String(),
		Timestamp: time.Now().UTC(),
	}
}

// ChangeSink receives change events.
type ChangeSink interface {
	PublishChange(ev ChangeEvent) error
}

// Hub delivers change events to in-process subscribers. Slow subscribers
// lose events rather than block writers.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan ChangeEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe returns a channel of events and a func that ends the subscription
// and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) PublishChange(ev ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("dropping change event %s for slow subscriber", ev.Address)
		}
	}
	return nil
}

// Fanout turns address notifications into change events and hands each one
// to every sink.
type Fanout struct {
	sinks   []ChangeSink
	metrics *metrics.Collector
}

// NewFanout ignores nil sinks; m may be nil.
func NewFanout(m *metrics.Collector, sinks ...ChangeSink) *Fanout {
	f := &Fanout{metrics: m}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Notify(addr router.Address) {
	ev := NewChangeEvent(addr)
	if f.metrics != nil {
		f.metrics.Notifications.WithLabelValues(ev.Kind).Inc()
	}
	for _, s := range f.sinks {
		if err := s.PublishChange(ev); err != nil {
			log.Printf("publish change %s: %v", ev.Address, err)
		}
	}
}
