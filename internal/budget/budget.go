// Package budget enforces a daily token ceiling per (service, model)
// scope, backed by the same embedded KV engine as the reliable queue.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/kv"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

// Manager enforces per-scope daily token limits using a counter that
// expires at midnight via Badger's native TTL, so no cleanup job is needed.
type Manager struct {
	db     *kv.DB
	logger *common.Logger
	limits map[string]int64
}

// New creates a Manager with the configured daily limits, keyed "service:model".
func New(db *kv.DB, logger *common.Logger, limits map[string]int64) *Manager {
	return &Manager{db: db, logger: logger, limits: limits}
}

func counterKey(scope string) []byte {
	return []byte("budget/" + scope + "/" + time.Now().UTC().Format("2006-01-02"))
}

func ttlToMidnight() time.Duration {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return midnight.Sub(now)
}

// Reserve provisionally debits amount from scope's remaining budget.
// If the debit would exceed the configured limit, the debit is rolled
// back and errs.ErrBudgetExceeded is returned.
func (m *Manager) Reserve(ctx context.Context, scope string, amount int64) (*models.Reservation, error) {
	limit, ok := m.limits[scope]
	if !ok {
		limit = int64(^uint64(0) >> 1) // unbounded scope
	}

	key := counterKey(scope)
	newTotal, err := m.db.IncrCounter(key, amount, ttlToMidnight())
	if err != nil {
		return nil, fmt.Errorf("failed to reserve budget: %w", err)
	}

	if newTotal > limit {
		if derr := m.db.DecrCounter(key, amount); derr != nil {
			m.logger.Warn().Str("scope", scope).Err(derr).Msg("failed to roll back over-limit reservation")
		}
		return nil, errs.ErrBudgetExceeded
	}

	return &models.Reservation{
		ID:        uuid.NewString(),
		Scope:     scope,
		Amount:    amount,
		CreatedAt: time.Now(),
	}, nil
}

// Commit finalizes a reservation, adjusting the debit to the actual
// amount consumed (an LLM call's real token usage rarely matches the
// estimate used at Reserve time).
func (m *Manager) Commit(ctx context.Context, reservation *models.Reservation, actualAmount int64) error {
	delta := actualAmount - reservation.Amount
	if delta == 0 {
		return nil
	}
	key := counterKey(reservation.Scope)
	if delta > 0 {
		_, err := m.db.IncrCounter(key, delta, ttlToMidnight())
		return err
	}
	return m.db.DecrCounter(key, -delta)
}

// Release cancels a reservation, refunding its full amount.
func (m *Manager) Release(ctx context.Context, reservation *models.Reservation) error {
	return m.db.DecrCounter(counterKey(reservation.Scope), reservation.Amount)
}

// Remaining reports the unspent budget for scope today.
func (m *Manager) Remaining(ctx context.Context, scope string) (int64, error) {
	limit, ok := m.limits[scope]
	if !ok {
		return int64(^uint64(0) >> 1), nil
	}
	spent, err := m.db.ReadCounter(counterKey(scope))
	if err != nil {
		return 0, err
	}
	remaining := limit - spent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
