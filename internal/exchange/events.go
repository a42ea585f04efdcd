package exchange

import (
	"sync"
	"sync/atomic"
	"time"

	"basis_arb/internal/core"
)

// EventType classifies bus traffic.
type EventType string

const (
	EventBookTicker EventType = "book_ticker"
	EventOrder      EventType = "order"
	EventTrade      EventType = "trade"
	EventBalance    EventType = "balance"
	EventPosition   EventType = "position"
)

// Event is one upstream venue event, tagged with the leg it came from.
// Exactly one payload pointer is set, matching Type.
type Event struct {
	Type  EventType
	Role  core.Role
	Venue string
	At    time.Time

	Ticker   *core.BookTicker
	Order    *core.Order
	Trade    *core.Trade
	Balance  *core.AssetBalance
	Position *core.Position
}

// defaultSubscriberBuffer sizes subscription channels. Order events matter
// most and are reconciled via REST if a burst overflows, so publishing never
// blocks the venue callback path.
const defaultSubscriberBuffer = 256

type subscriber struct {
	ch chan Event
}

// EventBus fans venue events out to subscribers. Publish is non-blocking: a
// full subscriber drops the event and the drop is counted.
type EventBus struct {
	logger core.ILogger

	mu     sync.RWMutex
	subs   map[EventType]map[int]*subscriber
	nextID int
	closed bool

	dropped atomic.Int64
}

// NewEventBus creates an empty bus.
func NewEventBus(logger core.ILogger) *EventBus {
	return &EventBus{
		logger: logger.WithField("component", "event_bus"),
		subs:   make(map[EventType]map[int]*subscriber),
	}
}

// Subscribe registers interest in one event type. The returned cancel
// releases the subscription and closes the channel.
func (b *EventBus) Subscribe(eventType EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, defaultSubscriberBuffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[int]*subscriber)
	}
	b.subs[eventType][id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[eventType]; ok {
				if s, ok := subs[id]; ok {
					delete(subs, id)
					close(s.ch)
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of its type without
// blocking. Full subscribers miss the event; convergence is guaranteed by
// REST reconciliation, not redelivery.
func (b *EventBus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[event.Type] {
		select {
		case sub.ch <- event:
		default:
			if n := b.dropped.Add(1); n%1024 == 1 {
				b.logger.Warn("event bus subscriber overflow",
					"type", string(event.Type), "dropped_total", n)
			}
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, sub := range subs {
			delete(subs, id)
			close(sub.ch)
		}
	}
}
