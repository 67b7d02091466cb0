// Package kv wraps a BadgerDB-backed store used for the reliable
// queue's dedupe/processing sets and the budget manager's day-scoped
// counters.
package kv

import (
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
)

// DB wraps badgerhold for typed records, while exposing the raw
// badger.DB for counters that need native TTL semantics.
type DB struct {
	store  *badgerhold.Store
	logger *common.Logger
}

// Open opens (or creates) a BadgerDB instance at the given path.
func Open(logger *common.Logger, path string) (*DB, error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	logger.Debug().Str("path", path).Msg("kv store opened")
	return &DB{store: store, logger: logger}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db.store != nil {
		return db.store.Close()
	}
	return nil
}

// Store returns the underlying badgerhold store for typed record access.
func (db *DB) Store() *badgerhold.Store {
	return db.store
}

// Raw returns the underlying badger.DB for counter/TTL operations that
// badgerhold does not expose directly.
func (db *DB) Raw() *badger.DB {
	return db.store.Badger()
}

// MarkSeen atomically adds key to a set, returning true iff it was not
// already present. Used by the poller's dedup-seen set so a feed entry
// observed across multiple poll cycles publishes a download task only
// once.
func (db *DB) MarkSeen(key []byte) (bool, error) {
	var isNew bool
	err := db.Raw().Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			isNew = false
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		isNew = true
		return txn.Set(key, []byte{1})
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark key seen: %w", err)
	}
	return isNew, nil
}

// IncrCounter atomically increments a counter key by delta, creating
// it with a TTL if it does not yet exist, and returns the new value.
// Used for day-scoped budget counters that should expire at midnight
// without an explicit cleanup job.
func (db *DB) IncrCounter(key []byte, delta int64, ttl time.Duration) (int64, error) {
	var result int64
	err := db.Raw().Update(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if cerr := item.Value(func(val []byte) error {
				current = bytesToInt64(val)
				return nil
			}); cerr != nil {
				return cerr
			}
		case err == badger.ErrKeyNotFound:
			current = 0
		default:
			return err
		}

		result = current + delta
		entry := badger.NewEntry(key, int64ToBytes(result))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return result, nil
}

// ReadCounter reads a counter's current value, returning 0 if absent
// or expired.
func (db *DB) ReadCounter(key []byte) (int64, error) {
	var result int64
	err := db.Raw().View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			result = bytesToInt64(val)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return result, nil
}

// DecrCounter decrements a counter by delta without resetting its TTL,
// used to refund a released reservation.
func (db *DB) DecrCounter(key []byte, delta int64) error {
	return db.Raw().Update(func(txn *badger.Txn) error {
		var current int64
		var ttl time.Duration
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if cerr := item.Value(func(val []byte) error {
				current = bytesToInt64(val)
				return nil
			}); cerr != nil {
				return cerr
			}
			if exp := item.ExpiresAt(); exp > 0 {
				ttl = time.Until(time.Unix(int64(exp), 0))
			}
		case err == badger.ErrKeyNotFound:
			return nil
		default:
			return err
		}

		entry := badger.NewEntry(key, int64ToBytes(current-delta))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func bytesToInt64(b []byte) int64 {
	var v int64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}
