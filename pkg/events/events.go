// Package events is the in-memory fan-out behind ConnectWorker: a
// worker's executing component writes log lines and status transitions
// here, and any number of watching callers receive them on their own
// buffered channel until they unsubscribe. Grounded
// on the teacher's cluster-wide events.Broker (pkg/events/events.go),
// narrowed from broadcast-to-everyone to per-WorkerId fan-out, since a
// ConnectWorker caller only ever wants one worker's stream.
package events

import (
	"sync"
	"time"

	"github.com/golem-project/worker-executor/pkg/types"
)

// EventType distinguishes the record kinds ConnectWorker streams.
type EventType string

const (
	EventStdout          EventType = "stdout"
	EventStderr          EventType = "stderr"
	EventStatusChanged   EventType = "status-changed"
	EventInvocationStart EventType = "invocation-started"
	EventInvocationDone  EventType = "invocation-completed"
)

// Event is one record appended to a worker's live stream.
type Event struct {
	WorkerId  types.WorkerId
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel a ConnectWorker caller drains until it
// unsubscribes.
type Subscriber chan *Event

// Broker fans out events to subscribers of a given worker. Publish never
// blocks: a subscriber whose buffer is full simply misses events, the
// same trade-off ConnectWorker's log/event stream accepts in spec.md §6.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[types.WorkerId]map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a broker; call Start to begin distribution.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[types.WorkerId]map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution; already-queued events are dropped.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe returns a channel that receives every event published for
// worker until Unsubscribe is called.
func (b *Broker) Subscribe(worker types.WorkerId) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	if b.subscribers[worker] == nil {
		b.subscribers[worker] = make(map[Subscriber]bool)
	}
	b.subscribers[worker][sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(worker types.WorkerId, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[worker]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, worker)
		}
	}
	close(sub)
}

// Publish enqueues event for distribution to worker's subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[event.WorkerId] {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount reports how many callers are currently watching worker.
func (b *Broker) SubscriberCount(worker types.WorkerId) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[worker])
}
