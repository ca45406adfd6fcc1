// Package bus provides the in-process event fabric connecting the core
// services: bounded per-subscriber queues, non-blocking publish with
// drop-oldest overflow, and a drained shutdown.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
	"github.com/efuentes-sec/ztcore/internal/telemetry"
)

const (
	// DefaultQueueSize bounds each subscriber's buffered channel.
	DefaultQueueSize = 1024

	drainTimeout = 10 * time.Second
)

type subscriber struct {
	id    uint64
	topic string
	ch    chan domain.Event
}

// Bus is a topic-keyed in-memory publish/subscribe hub.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]*subscriber
	nextID    uint64
	queueSize int
	dropped   atomic.Uint64
	closed    bool
}

var _ ports.EventBus = (*Bus)(nil)

// New creates a bus. queueSize <= 0 falls back to DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[string][]*subscriber),
		queueSize: queueSize,
	}
}

// Publish delivers the event to every subscriber of its topic. A full
// subscriber queue sheds its oldest event rather than blocking the
// publisher.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	telemetry.EventsPublished.WithLabelValues(ev.Topic).Inc()

	for _, sub := range b.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: evict the oldest entry and retry once. If the
		// consumer raced us and made room, the second send wins anyway.
		select {
		case <-sub.ch:
			b.dropped.Add(1)
			telemetry.EventsDropped.WithLabelValues(ev.Topic).Inc()
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			telemetry.EventsDropped.WithLabelValues(ev.Topic).Inc()
		}
	}
}

// Subscribe registers a new consumer for the topic. The returned cancel
// function releases the subscription and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:    b.nextID,
		topic: topic,
		ch:    make(chan domain.Event, b.queueSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Dropped returns the number of events discarded due to full queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery and closes all subscriber channels once their
// queues drain or the drain deadline passes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	deadline := time.Now().Add(drainTimeout)
	for _, sub := range all {
		for len(sub.ch) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		close(sub.ch)
	}
	if d := b.dropped.Load(); d > 0 {
		slog.Warn("Event bus closed with dropped events", "dropped", d)
	}
}
