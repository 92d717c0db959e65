package telemetry

import (
	"errors"
	"fmt"

	"envmon/internal/store"
)

// DefaultHistoryCapacity is the number of readings kept in the buffer.
const DefaultHistoryCapacity = 50

// HistoryStore persists full history snapshots.
type HistoryStore interface {
	SaveHistory(readings []store.Reading) error
	LoadHistory() ([]store.Reading, error)
}

// History is a capacity-bounded, insertion-ordered buffer of readings that
// writes a full snapshot to its store after every mutation. It is not safe
// for concurrent use; Core serializes access.
type History struct {
	capacity int
	items    []store.Reading
	store    HistoryStore
}

// NewHistory hydrates a buffer from st. A persisted sequence longer than
// capacity keeps only its most recent entries.
func NewHistory(st HistoryStore, capacity int) (*History, error) {
	h := emptyHistory(st, capacity)

	items, err := st.LoadHistory()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(items) > h.capacity {
		items = items[len(items)-h.capacity:]
	}
	h.items = append(h.items, items...)
	return h, nil
}

func emptyHistory(st HistoryStore, capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		items:    make([]store.Reading, 0, capacity+1),
		store:    st,
	}
}

// Append adds r at the end, evicting the oldest entry when the buffer would
// exceed capacity. The in-memory buffer is updated even if persisting fails.
func (h *History) Append(r store.Reading) error {
	h.items = append(h.items, r)
	if len(h.items) > h.capacity {
		// Shift in place so the backing array does not grow unbounded.
		copy(h.items, h.items[1:])
		h.items = h.items[:h.capacity]
	}
	return h.persist()
}

// Clear empties the buffer.
func (h *History) Clear() error {
	h.items = h.items[:0]
	return h.persist()
}

// DeleteAt removes the entry at arrivalIndex (0 = oldest). An out-of-range
// index is a no-op and reports false.
func (h *History) DeleteAt(arrivalIndex int) (bool, error) {
	if arrivalIndex < 0 || arrivalIndex >= len(h.items) {
		return false, nil
	}
	h.items = append(h.items[:arrivalIndex], h.items[arrivalIndex+1:]...)
	return true, h.persist()
}

// DisplayToArrival converts an index in a newest-first view into an arrival
// index.
func (h *History) DisplayToArrival(displayIndex int) int {
	return len(h.items) - 1 - displayIndex
}

// Len returns the number of buffered readings.
func (h *History) Len() int { return len(h.items) }

// Capacity returns the maximum number of buffered readings.
func (h *History) Capacity() int { return h.capacity }

// Latest returns the most recent reading.
func (h *History) Latest() (store.Reading, bool) {
	if len(h.items) == 0 {
		return store.Reading{}, false
	}
	return h.items[len(h.items)-1], true
}

// Readings returns a copy of the buffer, oldest first.
func (h *History) Readings() []store.Reading {
	out := make([]store.Reading, len(h.items))
	copy(out, h.items)
	return out
}

func (h *History) persist() error {
	if err := h.store.SaveHistory(h.Readings()); err != nil {
		if errors.Is(err, store.ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: save history: %v", store.ErrStorage, err)
	}
	return nil
}
