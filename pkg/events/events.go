package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names one kind of cluster event a feed subscriber can
// observe.
type EventType string

const (
	EventTaskReleased   EventType = "task.released"
	EventTaskWaiting    EventType = "task.waiting"
	EventTaskProcessing EventType = "task.processing"
	EventTaskMemory     EventType = "task.memory"
	EventTaskErred      EventType = "task.erred"
	EventTaskForgotten  EventType = "task.forgotten"
	EventWorkerJoined   EventType = "worker.joined"
	EventWorkerLeft     EventType = "worker.left"
	EventWorkerDown     EventType = "worker.down"
	EventClientConnect  EventType = "client.connected"
	EventClientDisconn  EventType = "client.disconnected"
)

// Event is one cluster event. The entity fields are typed rather than
// packed into a free-form message string: a task event names its key
// (and the worker involved, when there is one), a worker event its
// address, a client event its id. Metadata carries anything extra,
// e.g. an eviction reason.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time

	Key    string // task key, for task.* events
	Worker string // worker address, for worker.* events and placements
	Client string // client id, for client.* events

	Metadata map[string]string
}

// TaskEvent builds a task.* event. worker may be empty when no single
// worker is involved (e.g. a task forgotten).
func TaskEvent(t EventType, key, worker string) *Event {
	return &Event{Type: t, Key: key, Worker: worker}
}

// WorkerEvent builds a worker.* event.
func WorkerEvent(t EventType, address string) *Event {
	return &Event{Type: t, Worker: address}
}

// ClientEvent builds a client.* event.
func ClientEvent(t EventType, id string) *Event {
	return &Event{Type: t, Client: id}
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans events out to subscribers: buffered channels end to end,
// publish blocking only while the broker's own buffer is full, drop on
// a full subscriber rather than stalling the broadcast loop.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish stamps the event's id and timestamp if unset and enqueues it
// for distribution. Never blocks past the broker's buffer.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
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

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
