package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types
const (
	EventReading          = "reading"
	EventSensorStatus     = "sensor_status"
	EventConnectionStatus = "connection_status"
	EventHistoryChanged   = "history_changed"
	EventMalformed        = "malformed"
	EventStorageError     = "storage_error"
	EventAlertConfig      = "alert_config"
)

// Event is one state change. Seq is assigned by the bus and increases by
// one per emitted event, so subscribers that see events out of band (a WS
// client reconnecting, a metrics scrape) can order or dedupe them.
type Event struct {
	Seq  uint64      `json:"seq"`
	At   time.Time   `json:"at"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	handler EventHandler
	types   map[string]bool // nil matches every type
}

func (s *subscription) matches(eventType string) bool {
	return s.types == nil || s.types[eventType]
}

// EventBus fans core events out to subscribers. Delivery is synchronous on
// the emitting goroutine.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	seq    atomic.Uint64
	now    func() time.Time
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]*subscription),
		now:    time.Now,
		logger: logger,
	}
}

// Subscribe registers handler for the given event types, or for every
// event when none are given. It returns the unsubscribe function.
func (eb *EventBus) Subscribe(handler EventHandler, types ...string) func() {
	sub := &subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = sub
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, id)
			eb.mu.Unlock()
		})
	}
}

// LastSeq returns the sequence number of the most recent event, 0 if none.
func (eb *EventBus) LastSeq() uint64 {
	return eb.seq.Load()
}

// Emit stamps event and hands it to every matching subscriber. A panicking
// handler is logged and skipped. It returns the stamped event.
func (eb *EventBus) Emit(event Event) Event {
	event.Seq = eb.seq.Add(1)
	event.At = eb.now()

	eb.mu.RLock()
	targets := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.matches(event.Type) {
			targets = append(targets, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range targets {
		eb.deliver(h, event)
	}
	return event
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "seq", event.Seq, "panic", r)
		}
	}()
	h(event)
}
