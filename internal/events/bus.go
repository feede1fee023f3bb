package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPatternsDetected EventType = "patterns_detected"
	EventTargetCreated    EventType = "target_created"
	EventPositionOpened   EventType = "position_opened"
	EventPositionClosed   EventType = "position_closed"
	EventPositionUpdate   EventType = "position_update"
	EventAlert            EventType = "alert"
	EventEngineStarted    EventType = "engine_started"
	EventEngineStopped    EventType = "engine_stopped"
	EventError            EventType = "error"
)

// SchemaVersion is bumped whenever an event payload changes shape
const SchemaVersion = 1

// Event represents a system event. Data carries a typed payload owned by the
// publishing package; subscribers type-assert it.
type Event struct {
	Type          EventType   `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	SchemaVersion int         `json:"schema_version"`
	Data          interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// SubscriptionID identifies a registration for Unsubscribe
type SubscriptionID uint64

type subscription struct {
	id SubscriptionID
	fn Subscriber
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscription
	allSubs     []subscription // Subscribers to all events
	nextID      atomic.Uint64
	inflight    sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]subscription),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) SubscriptionID {
	id := SubscriptionID(eb.nextID.Add(1))

	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscription{id: id, fn: subscriber})
	return id
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) SubscriptionID {
	id := SubscriptionID(eb.nextID.Add(1))

	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscription{id: id, fn: subscriber})
	return id
}

// Unsubscribe removes a registration. Unknown ids are ignored.
func (eb *EventBus) Unsubscribe(id SubscriptionID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for t, subs := range eb.subscribers {
		eb.subscribers[t] = removeSub(subs, id)
	}
	eb.allSubs = removeSub(eb.allSubs, id)
}

func removeSub(subs []subscription, id SubscriptionID) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (eb *EventBus) targets(eventType EventType) []Subscriber {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	subs := make([]Subscriber, 0, len(eb.subscribers[eventType])+len(eb.allSubs))
	for _, s := range eb.subscribers[eventType] {
		subs = append(subs, s.fn)
	}
	for _, s := range eb.allSubs {
		subs = append(subs, s.fn)
	}
	return subs
}

func stamp(event Event) Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.SchemaVersion == 0 {
		event.SchemaVersion = SchemaVersion
	}
	return event
}

// Publish sends an event to all subscribers, each in its own goroutine
func (eb *EventBus) Publish(event Event) {
	event = stamp(event)
	for _, sub := range eb.targets(event.Type) {
		eb.inflight.Add(1)
		go func(fn Subscriber) {
			defer eb.inflight.Done()
			fn(event)
		}(sub)
	}
}

// PublishSync delivers the event on the caller's goroutine, in registration order
func (eb *EventBus) PublishSync(event Event) {
	event = stamp(event)
	for _, sub := range eb.targets(event.Type) {
		sub(event)
	}
}

// Wait blocks until every asynchronously dispatched event has been handled
func (eb *EventBus) Wait() {
	eb.inflight.Wait()
}

// PositionEvent is the payload of position_opened / position_closed / position_update
type PositionEvent struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	Price      float64 `json:"price"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnl_percent"`
	Reason     string  `json:"reason,omitempty"`
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(p PositionEvent) {
	eb.Publish(Event{Type: EventPositionOpened, Data: p})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(p PositionEvent) {
	eb.Publish(Event{Type: EventPositionClosed, Data: p})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
