package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/kv"
)

func newTestQueue(t *testing.T, visibilityTimeout time.Duration) *ReliableQueue {
	t.Helper()
	db, err := kv.Open(common.NewSilentLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := New(db, common.NewSilentLogger(), "test", visibilityTimeout, 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestPush_DedupesByKeyUntilAcked(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "dedupe-1", []byte("first")))
	require.NoError(t, q.Push(ctx, "dedupe-1", []byte("second")))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a second push under the same dedupe key before ack must be a no-op")

	msg, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("first"), msg.Payload)

	require.NoError(t, q.Ack(ctx, msg.JobID, msg.Token))

	// Once acked, the dedupe key is released and a repeat push succeeds.
	require.NoError(t, q.Push(ctx, "dedupe-1", []byte("third")))
	n, err = q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPop_ReclaimsExpiredInFlightMessage(t *testing.T) {
	q := newTestQueue(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "job-1", []byte("payload")))

	first, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 0, first.Attempt)

	// Never acked; wait past the visibility timeout so reclaim fires on
	// the next Pop.
	time.Sleep(40 * time.Millisecond)

	second, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second, "expired in-flight message must be reclaimed back to pending")
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, second.Attempt, "reclaim increments the attempt counter")
	assert.NotEqual(t, first.Token, second.Token, "reclaim must issue a fresh ownership token")
}

func TestAck_StaleTokenAfterReclaimIsRejected(t *testing.T) {
	q := newTestQueue(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "job-1", []byte("payload")))

	first, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(40 * time.Millisecond)

	second, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)

	// The original worker, unaware its claim was reclaimed, tries to ack
	// with its now-stale token.
	err = q.Ack(ctx, first.JobID, first.Token)
	assert.True(t, errors.Is(err, errs.ErrStaleAck), "ack with a token from before reclaim must be rejected")

	// The new owner's token is still valid.
	require.NoError(t, q.Ack(ctx, second.JobID, second.Token))
}

func TestPop_ReturnsNilOnEmptyQueueTimeout(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	msg, err := q.Pop(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestPop_AfterCloseReturnsQueueClosed(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	require.NoError(t, q.Close())

	_, err := q.Pop(context.Background(), time.Second)
	assert.True(t, errors.Is(err, errs.ErrQueueClosed))
}
