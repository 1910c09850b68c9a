package beatsync

import (
	"sync"
	"time"
)

// Event is a typed occurrence flowing through the session's event bus.
// Inbound events (status changes, retailer additions, order upserts,
// invalidation, foregrounding) mutate or refresh session state; outbound
// events (sync completion, state updates) notify consumers.
type Event interface {
	eventName() string
}

// StatusChangedEvent reports a visit outcome recorded in the field. When
// VisitID is empty or unknown, a temporary visit is created so the outcome
// is never lost waiting for the server to assign an id.
type StatusChangedEvent struct {
	RetailerID    string
	VisitID       string
	Status        VisitStatus
	NoOrderReason string
}

func (StatusChangedEvent) eventName() string { return "status_changed" }

// RetailerAddedEvent reports a retailer created on the device, typically
// while disconnected.
type RetailerAddedEvent struct {
	Retailer Retailer
}

func (RetailerAddedEvent) eventName() string { return "retailer_added" }

// OrderUpsertedEvent reports an order recorded or amended on the device.
type OrderUpsertedEvent struct {
	Order Order
}

func (OrderUpsertedEvent) eventName() string { return "order_upserted" }

// DataInvalidatedEvent requests that cached state for the selected date be
// discarded and rebuilt from authoritative sources.
type DataInvalidatedEvent struct{}

func (DataInvalidatedEvent) eventName() string { return "data_invalidated" }

// AppForegroundEvent reports the host application returning to the
// foreground. Triggers a freshness check for today's date.
type AppForegroundEvent struct{}

func (AppForegroundEvent) eventName() string { return "app_foreground" }

// RemoteChangeEvent reports a server-side change pushed over the live
// feed. An empty Date means the change's date is unknown; the selected
// date is refreshed either way when affected.
type RemoteChangeEvent struct {
	Date string
}

func (RemoteChangeEvent) eventName() string { return "remote_change" }

// SyncCompletedEvent is published after a sync round finishes.
type SyncCompletedEvent struct {
	UserID     string
	Date       string
	Changed    bool
	Duration   time.Duration
	FinishedAt time.Time
}

func (SyncCompletedEvent) eventName() string { return "sync_completed" }

// StateUpdatedEvent is published whenever the session's working set
// changes, from any source.
type StateUpdatedEvent struct {
	UserID string
	Date   string
	Stats  ProgressStats
}

func (StateUpdatedEvent) eventName() string { return "state_updated" }

// EventBus routes events between the session and its consumers. Handlers
// run synchronously in Publish order, so an optimistic write is visible in
// session state by the time Publish returns. Subscriber channels are
// best-effort: a slow consumer loses events rather than stalling the bus.
type EventBus struct {
	mu       sync.RWMutex
	handlers []func(Event)
	subs     map[int]chan Event
	nextSub  int
	closed   bool
}

// NewEventBus creates an event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// registerHandler adds a synchronous handler. Internal to the session.
func (b *EventBus) registerHandler(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// Subscribe returns a channel of published events and a cancel function.
// The channel is buffered; events overflowing the buffer are dropped.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish routes an event to all handlers, then to all subscribers.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := b.handlers
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close stops the bus and closes subscriber channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.handlers = nil
}
