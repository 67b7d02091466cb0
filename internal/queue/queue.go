// Package queue implements a BadgerDB-backed reliable work queue with
// dedupe-on-push and visibility-timeout-gated pop/ack, modeled on the
// claim-then-confirm pattern used for job dequeue elsewhere in this
// stack, adapted here to a single embedded KV engine instead of a
// row-locking relational store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/kv"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const reclaimBatchDefault = 100

type jobRecord struct {
	DedupeKey string `json:"dedupe_key"`
	Payload   []byte `json:"payload"`
	Attempt   int    `json:"attempt"`
}

type processingRecord struct {
	jobRecord
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // unix nano
}

// ReliableQueue is a named, Badger-backed work queue.
type ReliableQueue struct {
	db                *kv.DB
	logger            *common.Logger
	name              string
	visibilityTimeout time.Duration
	reclaimBatch      int
	seq               *badger.Sequence
	closed            bool
}

// New creates a ReliableQueue sharing the given KV engine, namespaced by name.
func New(db *kv.DB, logger *common.Logger, name string, visibilityTimeout time.Duration, reclaimBatch int) (*ReliableQueue, error) {
	if reclaimBatch <= 0 {
		reclaimBatch = reclaimBatchDefault
	}
	seq, err := db.Raw().GetSequence([]byte(name+"/seq"), 1000)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sequence for queue %s: %w", name, err)
	}
	return &ReliableQueue{
		db:                db,
		logger:            logger,
		name:              name,
		visibilityTimeout: visibilityTimeout,
		reclaimBatch:      reclaimBatch,
		seq:               seq,
	}, nil
}

func (q *ReliableQueue) dedupeKeyBytes(dedupeKey string) []byte {
	return []byte(q.name + "/dedupe/" + dedupeKey)
}

func (q *ReliableQueue) pendingKeyBytes(seq uint64, jobID string) []byte {
	return []byte(fmt.Sprintf("%s/pending/%020d/%s", q.name, seq, jobID))
}

func (q *ReliableQueue) processingKeyBytes(jobID string) []byte {
	return []byte(q.name + "/processing/" + jobID)
}

// Push enqueues payload under dedupeKey, no-op if dedupeKey is already
// tracked by a pending or in-flight job.
func (q *ReliableQueue) Push(ctx context.Context, dedupeKey string, payload []byte) error {
	return q.db.Raw().Update(func(txn *badger.Txn) error {
		dk := q.dedupeKeyBytes(dedupeKey)
		if _, err := txn.Get(dk); err == nil {
			return nil // already queued
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		jobID := uuid.NewString()
		seq, err := q.seq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		rec := jobRecord{DedupeKey: dedupeKey, Payload: payload, Attempt: 0}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		if err := txn.Set(q.pendingKeyBytes(seq, jobID), data); err != nil {
			return err
		}
		return txn.Set(dk, []byte(jobID))
	})
}

// reclaim moves expired in-flight messages back onto the pending list,
// incrementing their attempt count, before a Pop is attempted.
func (q *ReliableQueue) reclaim() error {
	return q.db.Raw().Update(func(txn *badger.Txn) error {
		prefix := []byte(q.name + "/processing/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		now := time.Now().UnixNano()
		reclaimed := 0
		var toDelete [][]byte
		var toRequeue []processingRecord
		var jobIDs []string

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if reclaimed >= q.reclaimBatch {
				break
			}
			item := it.Item()
			var rec processingRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if rec.ExpiresAt > now {
				continue
			}
			key := append([]byte(nil), item.Key()...)
			jobID := string(key[len(prefix):])
			toDelete = append(toDelete, key)
			toRequeue = append(toRequeue, rec)
			jobIDs = append(jobIDs, jobID)
			reclaimed++
		}

		for i, rec := range toRequeue {
			seq, err := q.seq.Next()
			if err != nil {
				return err
			}
			rec.Attempt++
			data, err := json.Marshal(rec.jobRecord)
			if err != nil {
				return err
			}
			if err := txn.Set(q.pendingKeyBytes(seq, jobIDs[i]), data); err != nil {
				return err
			}
			if err := txn.Delete(toDelete[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pop reclaims expired in-flight messages, then returns the next
// available message, polling up to timeout.
func (q *ReliableQueue) Pop(ctx context.Context, timeout time.Duration) (*models.Message, error) {
	if q.closed {
		return nil, errs.ErrQueueClosed
	}

	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond

	for {
		if err := q.reclaim(); err != nil {
			q.logger.Warn().Str("queue", q.name).Err(err).Msg("queue reclaim failed")
		}

		msg, err := q.popOnce()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *ReliableQueue) popOnce() (*models.Message, error) {
	var msg *models.Message
	err := q.db.Raw().Update(func(txn *badger.Txn) error {
		prefix := []byte(q.name + "/pending/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
		key := append([]byte(nil), item.Key()...)

		var rec jobRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		// pending key is "<name>/pending/<seq>/<jobID>"
		jobID := string(key[len(prefix)+21:])
		token := uuid.NewString()
		expiresAt := time.Now().Add(q.visibilityTimeout).UnixNano()

		prec := processingRecord{jobRecord: rec, Token: token, ExpiresAt: expiresAt}
		data, err := json.Marshal(prec)
		if err != nil {
			return err
		}
		if err := txn.Set(q.processingKeyBytes(jobID), data); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}

		msg = &models.Message{JobID: jobID, Token: token, Attempt: rec.Attempt, Payload: rec.Payload}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue %s: %w", q.name, err)
	}
	return msg, nil
}

// Ack permanently removes a message, validating token against the
// current owner recorded at Pop time. A mismatch means the message
// was already reclaimed and handed to another worker.
func (q *ReliableQueue) Ack(ctx context.Context, jobID, token string) error {
	return q.db.Raw().Update(func(txn *badger.Txn) error {
		pk := q.processingKeyBytes(jobID)
		item, err := txn.Get(pk)
		if err == badger.ErrKeyNotFound {
			return errs.ErrStaleAck
		}
		if err != nil {
			return err
		}

		var rec processingRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		if rec.Token != token {
			return errs.ErrStaleAck
		}

		if err := txn.Delete(pk); err != nil {
			return err
		}
		return txn.Delete(q.dedupeKeyBytes(rec.DedupeKey))
	})
}

// Length reports the number of messages not yet acked.
func (q *ReliableQueue) Length(ctx context.Context) (int, error) {
	count := 0
	err := q.db.Raw().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		for _, prefix := range []string{q.name + "/pending/", q.name + "/processing/"} {
			it := txn.NewIterator(opts)
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				count++
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue %s: %w", q.name, err)
	}
	return count, nil
}

// Close releases the queue's sequence allocator. The underlying KV
// engine is owned by the caller and closed separately.
func (q *ReliableQueue) Close() error {
	q.closed = true
	return q.seq.Release()
}
