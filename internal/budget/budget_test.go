package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/kv"
)

func newTestManager(t *testing.T, limits map[string]int64) *Manager {
	t.Helper()
	db, err := kv.Open(common.NewSilentLogger(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, common.NewSilentLogger(), limits)
}

func TestReserve_DeniesOverLimitAndRollsBack(t *testing.T) {
	m := newTestManager(t, map[string]int64{"summary:gpt": 1000})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "summary:gpt", 700)
	require.NoError(t, err)

	_, err = m.Reserve(ctx, "summary:gpt", 500)
	require.True(t, errors.Is(err, errs.ErrBudgetExceeded))

	remaining, err := m.Remaining(ctx, "summary:gpt")
	require.NoError(t, err)
	assert.Equal(t, int64(300), remaining, "a denied reservation must roll back its debit")
}

func TestCommit_AdjustsCounterToActualUsage(t *testing.T) {
	m := newTestManager(t, map[string]int64{"entity:gpt": 1000})
	ctx := context.Background()

	reservation, err := m.Reserve(ctx, "entity:gpt", 400)
	require.NoError(t, err)

	require.NoError(t, m.Commit(ctx, reservation, 150))

	remaining, err := m.Remaining(ctx, "entity:gpt")
	require.NoError(t, err)
	assert.Equal(t, int64(850), remaining, "commit must refund the gap between the estimate and actual usage")
}

func TestRelease_RefundsFullReservation(t *testing.T) {
	m := newTestManager(t, map[string]int64{"diff:gpt": 1000})
	ctx := context.Background()

	reservation, err := m.Reserve(ctx, "diff:gpt", 600)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, reservation))

	remaining, err := m.Remaining(ctx, "diff:gpt")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), remaining)
}

func TestRemaining_UnboundedScopeHasNoLimit(t *testing.T) {
	m := newTestManager(t, map[string]int64{})
	ctx := context.Background()

	_, err := m.Reserve(ctx, "unscoped:model", 1_000_000)
	require.NoError(t, err)

	remaining, err := m.Remaining(ctx, "unscoped:model")
	require.NoError(t, err)
	assert.Greater(t, remaining, int64(0))
}
