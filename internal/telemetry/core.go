package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"envmon/internal/store"
)

// Connection status strings reported for the transport.
const (
	ConnDisconnected = "disconnected"
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
)

// Config configures the ingestion core.
type Config struct {
	DataTopic       string
	StatusTopic     string
	HistoryCapacity int
	QueueSize       int
}

// Snapshot is the read-only view handed to presentation layers.
type Snapshot struct {
	ConnectionStatus string          `json:"connection_status"`
	CurrentReading   *store.Reading  `json:"current_reading"`
	History          []store.Reading `json:"history"`
	NetworkStats     NetworkStats    `json:"network_stats"`
	IsSensorOnline   bool            `json:"is_sensor_online"`
	Liveness         LivenessState   `json:"liveness"`
	HistoryCapacity  int             `json:"history_capacity"`
}

// Core owns the telemetry state. Transport callbacks enqueue messages with
// Deliver; Run consumes them one at a time in arrival order. All state is
// guarded by mu so UI actions and snapshot reads serialize with ingestion.
//
// Every mutation holds emitMu from the state change until its events are
// delivered, so subscribers see events in the order the state changed.
// Handlers may read the core but must not mutate it.
type Core struct {
	cfg    Config
	events *EventBus
	logger *slog.Logger
	queue  chan Message

	emitMu     sync.Mutex // taken before mu
	mu         sync.Mutex
	history    *History
	stats      *Aggregator
	liveness   *Liveness
	connStatus string
	current    *store.Reading
}

// New creates a core and hydrates its history from st. An unreadable
// persisted history is logged and replaced by an empty buffer; the next
// mutation overwrites it. Any other load failure is returned.
func New(st HistoryStore, events *EventBus, cfg Config, logger *slog.Logger) (*Core, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger = logger.With("component", "telemetry")
	hist, err := NewHistory(st, cfg.HistoryCapacity)
	if errors.Is(err, store.ErrCorrupt) {
		logger.Error("persisted history unreadable, starting empty", "err", err)
		hist, err = emptyHistory(st, cfg.HistoryCapacity), nil
	}
	if err != nil {
		return nil, err
	}
	c := &Core{
		cfg:        cfg,
		events:     events,
		logger:     logger,
		queue:      make(chan Message, cfg.QueueSize),
		history:    hist,
		stats:      NewAggregator(),
		liveness:   NewLiveness(),
		connStatus: ConnDisconnected,
	}
	c.logger.Info("history hydrated", "readings", hist.Len(), "capacity", hist.Capacity())
	return c, nil
}

// Events returns the core's event bus.
func (c *Core) Events() *EventBus { return c.events }

// DataTopic returns the topic routed to the packet ingestor.
func (c *Core) DataTopic() string { return c.cfg.DataTopic }

// StatusTopic returns the topic routed to the liveness tracker.
func (c *Core) StatusTopic() string { return c.cfg.StatusTopic }

// Deliver enqueues a message without blocking. It reports false when the
// queue is full and the message was dropped.
func (c *Core) Deliver(msg Message) bool {
	select {
	case c.queue <- msg:
		return true
	default:
		c.logger.Warn("ingest queue full, dropping message", "topic", msg.Topic)
		return false
	}
}

// Run consumes queued messages until ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.queue:
			// Errors are already logged and emitted; the loop keeps going.
			_ = c.HandleMessage(msg)
		}
	}
}

// HandleMessage routes one message by topic and applies it.
func (c *Core) HandleMessage(msg Message) error {
	switch msg.Topic {
	case c.cfg.StatusTopic:
		c.handleStatus(msg)
		return nil
	case c.cfg.DataTopic:
		return c.handleData(msg)
	default:
		c.logger.Debug("message on unrouted topic", "topic", msg.Topic)
		return nil
	}
}

func (c *Core) handleStatus(msg Message) {
	payload := string(msg.Payload)

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	applied := c.liveness.OnStatusMessage(payload, msg.ArrivedAt)
	state := c.liveness.State()
	c.mu.Unlock()

	if !applied {
		c.logger.Debug("ignoring unknown status payload", "payload", payload)
		return
	}
	c.logger.Info("sensor status", "online", state.Online)
	c.events.Emit(Event{Type: EventSensorStatus, Data: state})
}

func (c *Core) handleData(msg Message) error {
	reading, size, err := ParseReading(msg.Payload, msg.ArrivedAt)

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if err != nil {
		c.mu.Lock()
		c.stats.RecordMalformed()
		c.mu.Unlock()
		c.logger.Warn("dropping data message", "err", err, "bytes", size)
		c.events.Emit(Event{Type: EventMalformed, Data: map[string]interface{}{
			"error": err.Error(),
			"bytes": size,
		}})
		return err
	}

	c.mu.Lock()
	c.liveness.MarkDataSeen(msg.ArrivedAt)
	c.stats.Record(reading, size)
	current := reading
	c.current = &current
	persistErr := c.history.Append(reading)
	stats := c.stats.Stats()
	live := c.liveness.State()
	length := c.history.Len()
	c.mu.Unlock()

	c.events.Emit(Event{Type: EventReading, Data: map[string]interface{}{
		"reading":        reading,
		"packet_size":    size,
		"stats":          stats,
		"liveness":       live,
		"history_length": length,
	}})
	if persistErr != nil {
		c.reportStorageError("append", persistErr)
		return persistErr
	}
	return nil
}

// Connected is called on every transport connect acknowledgment.
func (c *Core) Connected(at time.Time) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	c.stats.ConnectionEstablished(at)
	c.connStatus = ConnConnected
	c.mu.Unlock()
	c.emitConnection(ConnConnected)
}

// ConnectionLost records a transport failure. Reconnecting is the
// transport's job; the core only reflects the status.
func (c *Core) ConnectionLost(err error) {
	status := ConnDisconnected
	if err != nil {
		status = "connection lost: " + err.Error()
	}
	c.SetConnectionStatus(status)
}

// SetConnectionStatus sets the transport health string.
func (c *Core) SetConnectionStatus(status string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	c.connStatus = status
	c.mu.Unlock()
	c.emitConnection(status)
}

func (c *Core) emitConnection(status string) {
	c.events.Emit(Event{Type: EventConnectionStatus, Data: map[string]interface{}{
		"status": status,
	}})
}

// ClearHistory empties the history and resets the packet counter. Total
// bytes are left untouched.
func (c *Core) ClearHistory() error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	err := c.history.Clear()
	c.stats.ResetCounters()
	stats := c.stats.Stats()
	c.mu.Unlock()

	c.logger.Info("history cleared")
	c.events.Emit(Event{Type: EventHistoryChanged, Data: map[string]interface{}{
		"action": "clear",
		"length": 0,
		"stats":  stats,
	}})
	if err != nil {
		c.reportStorageError("clear", err)
	}
	return err
}

// DeleteHistoryRow removes one reading. With newestFirst the index is taken
// from a reverse-chronological view and translated to arrival order.
// Out-of-range indexes are a no-op and report false.
func (c *Core) DeleteHistoryRow(index int, newestFirst bool) (bool, error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	arrival := index
	if newestFirst {
		arrival = c.history.DisplayToArrival(index)
	}
	deleted, err := c.history.DeleteAt(arrival)
	length := c.history.Len()
	c.mu.Unlock()

	if !deleted {
		return false, nil
	}
	c.events.Emit(Event{Type: EventHistoryChanged, Data: map[string]interface{}{
		"action": "delete",
		"index":  arrival,
		"length": length,
	}})
	if err != nil {
		c.reportStorageError("delete", err)
	}
	return true, err
}

// Snapshot returns a consistent copy of the current state.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current *store.Reading
	if c.current != nil {
		r := *c.current
		current = &r
	}
	live := c.liveness.State()
	return Snapshot{
		ConnectionStatus: c.connStatus,
		CurrentReading:   current,
		History:          c.history.Readings(),
		NetworkStats:     c.stats.Stats(),
		IsSensorOnline:   live.Online,
		Liveness:         live,
		HistoryCapacity:  c.history.Capacity(),
	}
}

// History returns a copy of the buffered readings, oldest first.
func (c *Core) History() []store.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Readings()
}

// Stats returns the current network statistics.
func (c *Core) Stats() NetworkStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Stats()
}

// Derived recomputes the derived metrics over the current history.
func (c *Core) Derived(window int) Derived {
	return Summarize(c.History(), window)
}

func (c *Core) reportStorageError(op string, err error) {
	c.logger.Error("persist history", "op", op, "err", err)
	c.events.Emit(Event{Type: EventStorageError, Data: map[string]interface{}{
		"op":    op,
		"error": err.Error(),
	}})
}

// IsStorageError reports whether err is a durable persistence failure.
func IsStorageError(err error) bool {
	return errors.Is(err, store.ErrStorage)
}
