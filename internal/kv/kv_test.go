package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(common.NewSilentLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMarkSeen_OnlyFirstCallIsNew(t *testing.T) {
	db := openTestDB(t)
	key := []byte("seen/entry-1")

	isNew, err := db.MarkSeen(key)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = db.MarkSeen(key)
	require.NoError(t, err)
	assert.False(t, isNew, "a key already marked seen must report false on a repeat call")
}

func TestIncrCounter_AccumulatesAcrossCalls(t *testing.T) {
	db := openTestDB(t)
	key := []byte("counter/a")

	total, err := db.IncrCounter(key, 5, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	total, err = db.IncrCounter(key, 3, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)

	read, err := db.ReadCounter(key)
	require.NoError(t, err)
	assert.Equal(t, int64(8), read)
}

func TestDecrCounter_SubtractsWithoutResettingTTL(t *testing.T) {
	db := openTestDB(t)
	key := []byte("counter/b")

	_, err := db.IncrCounter(key, 10, time.Hour)
	require.NoError(t, err)

	require.NoError(t, db.DecrCounter(key, 4))

	read, err := db.ReadCounter(key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), read)
}

func TestReadCounter_AbsentKeyReadsZero(t *testing.T) {
	db := openTestDB(t)
	read, err := db.ReadCounter([]byte("counter/never-set"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), read)
}
