package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTelemetry = []byte("telemetry")
	bucketGateway   = []byte("gateway")
	keyHistory      = []byte("history")
	keyAlertConfig  = []byte("alert_config")
	keyLog          = []byte("log")
)

// BoltStore implements Store and GatewayStore using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTelemetry, bucketGateway} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveHistory(readings []Reading) error {
	if readings == nil {
		readings = []Reading{}
	}
	return s.put(bucketTelemetry, keyHistory, readings)
}

func (s *BoltStore) LoadHistory() ([]Reading, error) {
	var readings []Reading
	err := s.get(bucketTelemetry, keyHistory, &readings)
	if err != nil {
		if isNotFound(err) {
			return []Reading{}, nil
		}
		return nil, err
	}
	return readings, nil
}

func (s *BoltStore) SaveAlertConfig(cfg *AlertConfig) error {
	return s.put(bucketTelemetry, keyAlertConfig, cfg)
}

func (s *BoltStore) GetAlertConfig() (*AlertConfig, error) {
	var cfg AlertConfig
	if err := s.get(bucketTelemetry, keyAlertConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) DeleteAlertConfig() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTelemetry)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTelemetry)
		}
		return b.Delete(keyAlertConfig)
	})
	if err != nil {
		return fmt.Errorf("%w: delete alert config: %v", ErrStorage, err)
	}
	return nil
}

func (s *BoltStore) SaveGatewayConfig(cfg *AlertConfig) error {
	return s.put(bucketGateway, keyAlertConfig, cfg)
}

func (s *BoltStore) GetGatewayConfig() (*AlertConfig, error) {
	var cfg AlertConfig
	if err := s.get(bucketGateway, keyAlertConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AppendLog reads, extends, and rewrites the log in one transaction so
// concurrent appends cannot lose entries.
func (s *BoltStore) AppendLog(r Reading, limit int) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		var log []Reading
		if data := b.Get(keyLog); data != nil {
			// A corrupt log starts over rather than blocking new entries.
			if err := json.Unmarshal(data, &log); err != nil {
				log = nil
			}
		}
		log = append(log, r)
		if limit > 0 && len(log) > limit {
			log = log[len(log)-limit:]
		}
		data, err := json.Marshal(log)
		if err != nil {
			return err
		}
		return b.Put(keyLog, data)
	})
	if err != nil {
		return fmt.Errorf("%w: append log: %v", ErrStorage, err)
	}
	return nil
}

func (s *BoltStore) ListLog() ([]Reading, error) {
	var log []Reading
	if err := s.get(bucketGateway, keyLog, &log); err != nil {
		if isNotFound(err) {
			return []Reading{}, nil
		}
		return nil, err
	}
	return log, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put writes v as a full JSON snapshot under key.
func (s *BoltStore) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStorage, key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorage, key, err)
	}
	return nil
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrCorrupt, key, err)
		}
		return nil
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
