package events

import (
	"sync"
	"time"

	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType represents the type of event
type EventType string

const (
	EventGroupStopped    EventType = "group.stopped"
	EventGroupStarting   EventType = "group.starting"
	EventGroupStarted    EventType = "group.started"
	EventGroupStopping   EventType = "group.stopping"
	EventGroupFailed     EventType = "group.failed"
	EventGroupRecovering EventType = "group.recovering"

	EventMembershipChanged EventType = "membership.changed"
	EventQuorumLost        EventType = "quorum.lost"
	EventQuorumRegained    EventType = "quorum.regained"

	EventOrphanTerminated   EventType = "orphan.terminated"
	EventConfigInconsistent EventType = "config.inconsistent"
	EventIntentChanged      EventType = "intent.changed"
)

const (
	eventBuffer      = 256
	subscriberBuffer = 64
)

// Event represents a cluster event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Group     string
	Node      types.NodeID
	Message   string
	Metadata  map[string]string
}

// New creates an event with a fresh id and the current time
func New(t EventType, group, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		Group:     group,
		Message:   message,
		Metadata:  make(map[string]string),
	}
}

// ForState returns the group event type announcing entry into state
func ForState(state types.GroupState) EventType {
	return EventType("group." + string(state))
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers. Publish never blocks; a full
// broker or subscriber buffer drops the event.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	logger      zerolog.Logger
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, eventBuffer),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("events"),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		b.logger.Warn().Str("type", string(event.Type)).Msg("Event queue full, dropping event")
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
			// Slow subscriber
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
