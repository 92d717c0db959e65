package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrStorage wraps any failure to durably persist data.
	ErrStorage = errors.New("storage error")

	// ErrCorrupt is returned when a stored record cannot be decoded. It
	// also matches ErrStorage.
	ErrCorrupt = fmt.Errorf("%w: corrupt record", ErrStorage)
)

// Store defines the persistence interface.
type Store interface {
	// History snapshot, most-recent last. Every write replaces the whole sequence.
	SaveHistory(readings []Reading) error
	LoadHistory() ([]Reading, error)

	// Alert configuration saved by the dashboard.
	SaveAlertConfig(cfg *AlertConfig) error
	GetAlertConfig() (*AlertConfig, error)
	DeleteAlertConfig() error

	// Close the store
	Close() error
}

// GatewayStore is the persistence used by the alert gateway.
type GatewayStore interface {
	SaveGatewayConfig(cfg *AlertConfig) error
	GetGatewayConfig() (*AlertConfig, error)

	// AppendLog appends a reading to the gateway log, keeping at most limit entries.
	AppendLog(r Reading, limit int) error
	ListLog() ([]Reading, error)
}
