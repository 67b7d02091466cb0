package entityworker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

type stubFilingRepo struct{ interfaces.FilingRepo }

func (s stubFilingRepo) GetByID(ctx context.Context, id string) (*models.Filing, error) {
	return &models.Filing{ID: id, Accession: "0000000000-26-000001"}, nil
}

type stubSectionRepo struct {
	interfaces.SectionRepo
	section *models.Section
}

func (s stubSectionRepo) GetByID(ctx context.Context, id string) (*models.Section, error) {
	if s.section == nil || s.section.ID != id {
		return nil, errs.ErrNotFound
	}
	return s.section, nil
}

type stubDatastore struct {
	interfaces.Datastore
	filings  stubFilingRepo
	sections stubSectionRepo
}

func (d stubDatastore) Filings() interfaces.FilingRepo   { return d.filings }
func (d stubDatastore) Sections() interfaces.SectionRepo { return d.sections }

// stubBudget always denies the reservation, so handle() takes the
// deferred-retry branch deterministically once it gets past intake
// validation, without needing a real budget manager.
type stubBudget struct{}

func (stubBudget) Reserve(ctx context.Context, scope string, amount int64) (*models.Reservation, error) {
	return nil, errs.ErrBudgetExceeded
}
func (stubBudget) Commit(ctx context.Context, reservation *models.Reservation, actualAmount int64) error {
	return nil
}
func (stubBudget) Release(ctx context.Context, reservation *models.Reservation) error { return nil }
func (stubBudget) Remaining(ctx context.Context, scope string) (int64, error)         { return 0, nil }

func TestHandle_DropsTaskWhenSectionMissing(t *testing.T) {
	ds := stubDatastore{sections: stubSectionRepo{section: nil}}
	w := New(nil, nil, nil, ds, "gpt-test", 512, 0)

	task := models.EntityTask{JobID: "job-1", FilingID: "filing-1", SectionID: "missing-section"}
	payload, err := json.Marshal(task)
	require.NoError(t, err)

	ack, err := w.handle(context.Background(), &models.Message{JobID: "job-1", Payload: payload})
	assert.True(t, ack, "a missing section must be acked and dropped, not retried")
	require.Error(t, err)
}

func TestHandle_ProceedsPastIntakeWhenSectionExists(t *testing.T) {
	ds := stubDatastore{sections: stubSectionRepo{section: &models.Section{ID: "section-1", FilingID: "filing-1"}}}
	w := New(nil, stubBudget{}, nil, ds, "gpt-test", 512, 0)

	task := models.EntityTask{JobID: "job-1", FilingID: "filing-1", SectionID: "section-1", Content: "body"}
	payload, err := json.Marshal(task)
	require.NoError(t, err)

	ack, err := w.handle(context.Background(), &models.Message{JobID: "job-1", Payload: payload})
	assert.False(t, ack, "a denied reservation defers the task rather than dropping it")
	assert.NoError(t, err, "the budget-denied branch returns a nil error, not a failure")
}
