// Package kernel implements the kernel Event Bus: fan-out of typed kernel
// events to subscribers.
package kernel

import (
	"sync"

	"go.uber.org/zap"

	"github.com/octoreflex/agentkernel/internal/observability"
)

// EventType is the closed event taxonomy from spec.md §6.
type EventType int

const (
	EventMemory EventType = iota
	EventVirtualMemory
	EventFileSystem
	EventNetwork
	EventSecurity
	EventSystem
)

func (t EventType) String() string {
	switch t {
	case EventMemory:
		return "memory"
	case EventVirtualMemory:
		return "virtual_memory"
	case EventFileSystem:
		return "filesystem"
	case EventNetwork:
		return "network"
	case EventSecurity:
		return "security"
	case EventSystem:
		return "system"
	default:
		return "unknown"
	}
}

// KV is a single key/value pair attached to an Event's data payload.
type KV struct {
	Key   string
	Value string
}

// Event carries a typed kernel event plus an optional owning agent id and
// a sequence of string key/value pairs.
type Event struct {
	Type      EventType
	Timestamp uint64
	AgentID   *uint64
	Data      []KV
}

// subscriber is a single fan-out destination: a buffered channel plus the
// queue-full drop counter it contributes to.
type subscriber struct {
	ch   chan Event
	name string
}

// Bus fans out published events to every current subscriber. Publication
// is ordered per-type (O3 in spec.md §5): within one EventType, events
// observed by a given subscriber are in publication order; there is no
// ordering guarantee across distinct types.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	metrics     *observability.Metrics
	log         *zap.Logger
}

// New creates an empty Bus.
func New(metrics *observability.Metrics, log *zap.Logger) *Bus {
	return &Bus{metrics: metrics, log: log}
}

// Subscribe registers a new fan-out destination with the given buffered
// channel capacity, returning a receive-only channel of events. The
// channel is never closed by the bus; callers rely on context
// cancellation in their own consumer loop.
func (b *Bus) Subscribe(name string, capacity int) <-chan Event {
	sub := &subscriber{ch: make(chan Event, capacity), name: name}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	return sub.ch
}

// Publish delivers event to every subscriber, never blocking: a
// subscriber whose channel is full has the event dropped for it and a
// drop metric incremented.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventsPublishedTotal.WithLabelValues(event.Type.String()).Inc()
	}

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			if b.metrics != nil {
				b.metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
			}
			if b.log != nil {
				b.log.Debug("event bus subscriber queue full, dropping event",
					zap.String("subscriber", sub.name),
					zap.String("type", event.Type.String()))
			}
		}
	}
}

// PublishSecurity is a convenience wrapper for the frequent
// {action: "..."} security-event shape used by quota, capability, and
// fault-handling code throughout the kernel.
func (b *Bus) PublishSecurity(now uint64, agentID *uint64, action string, extra ...KV) {
	data := append([]KV{{Key: "action", Value: action}}, extra...)
	b.Publish(Event{Type: EventSecurity, Timestamp: now, AgentID: agentID, Data: data})
}
