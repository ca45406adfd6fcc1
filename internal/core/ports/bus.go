package ports

import "github.com/efuentes-sec/ztcore/internal/core/domain"

// EventBus decouples producers from consumers inside the process.
// Publishing never blocks: when a subscriber's queue is full the oldest
// event is dropped and counted.
type EventBus interface {
	// Publish delivers the event to every subscriber of its topic.
	Publish(ev domain.Event)
	// Subscribe returns a receive-only channel for the topic and a
	// cancel function that releases the subscription.
	Subscribe(topic string) (<-chan domain.Event, func())
	// Dropped returns the number of events discarded due to full queues.
	Dropped() uint64
	// Close stops delivery after draining pending events, bounded by an
	// internal deadline.
	Close()
}
