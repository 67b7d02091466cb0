package diffworker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

// fakeDiffRepo reproduces surreal.DiffRepo.UpdateProgress's optimistic-lock
// CAS (WHERE processed_sections = expected) over an in-memory row, guarded
// by its own mutex the way SurrealDB guards the row internally. It exists
// purely to exercise bumpProgress's retry loop under real goroutine
// contention without a live database.
type fakeDiffRepo struct {
	mu   sync.Mutex
	diff models.Diff
}

func (f *fakeDiffRepo) Create(ctx context.Context, diff *models.Diff) error { return nil }

func (f *fakeDiffRepo) GetByID(ctx context.Context, id string) (*models.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.diff
	return &d, nil
}

func (f *fakeDiffRepo) GetByCurrentFilingID(ctx context.Context, currentFilingID string) (*models.Diff, error) {
	return nil, nil
}

func (f *fakeDiffRepo) UpdateProgress(ctx context.Context, id string, expectedProcessed, processedSections int, status models.DiffStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.diff.ProcessedSections != expectedProcessed {
		return errs.ErrConflict
	}
	f.diff.ProcessedSections = processedSections
	f.diff.Status = status
	f.diff.LastError = lastError
	return nil
}

func (f *fakeDiffRepo) CreateSectionDiffs(ctx context.Context, diffs []*models.SectionDiff) error {
	return nil
}
func (f *fakeDiffRepo) ClearSectionDiffs(ctx context.Context, diffID string) error { return nil }
func (f *fakeDiffRepo) ClearSectionDiffsForOrdinal(ctx context.Context, diffID string, ordinal int) error {
	return nil
}

// fakeDatastore implements interfaces.Datastore; bumpProgress only ever
// touches Diffs(), so every other accessor is unreachable in this test.
type fakeDatastore struct {
	diffs *fakeDiffRepo
}

func (f *fakeDatastore) Issuers() interfaces.IssuerRepo    { return nil }
func (f *fakeDatastore) Filings() interfaces.FilingRepo    { return nil }
func (f *fakeDatastore) Blobs() interfaces.BlobRepo        { return nil }
func (f *fakeDatastore) Sections() interfaces.SectionRepo  { return nil }
func (f *fakeDatastore) Analyses() interfaces.AnalysisRepo { return nil }
func (f *fakeDatastore) Entities() interfaces.EntityRepo   { return nil }
func (f *fakeDatastore) Diffs() interfaces.DiffRepo        { return f.diffs }

func (f *fakeDatastore) PersistDownloadedFiling(ctx context.Context, issuer *models.Issuer, filing *models.Filing, filingIsNew bool, blobs []*models.Blob) error {
	return nil
}
func (f *fakeDatastore) ReplaceSections(ctx context.Context, filing *models.Filing, sections []*models.Section) error {
	return nil
}
func (f *fakeDatastore) ReplaceSectionEntities(ctx context.Context, analysis *models.Analysis, sectionID string, entities []*models.Entity) error {
	return nil
}

func (f *fakeDatastore) Migrate(ctx context.Context) error  { return nil }
func (f *fakeDatastore) Truncate(ctx context.Context) error { return nil }
func (f *fakeDatastore) Close() error                       { return nil }

func TestBumpProgress_ConcurrentHandleDoesNotLoseUpdates(t *testing.T) {
	const goroutines = 20

	repo := &fakeDiffRepo{diff: models.Diff{
		ID:                "diff-1",
		CurrentFilingID:   "filing-1",
		Status:            models.DiffStatusPending,
		ExpectedSections:  goroutines,
		ProcessedSections: 0,
	}}
	ds := &fakeDatastore{diffs: repo}
	w := &Worker{ds: ds, logger: common.NewSilentLogger()}

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			diff, err := ds.Diffs().GetByID(context.Background(), "diff-1")
			require.NoError(t, err)
			assert.NoError(t, w.bumpProgress(context.Background(), diff))
		}()
	}
	wg.Wait()

	final, err := ds.Diffs().GetByID(context.Background(), "diff-1")
	require.NoError(t, err)
	assert.Equal(t, goroutines, final.ProcessedSections, "every concurrent increment must be reflected, none lost to a clobbered write")
	assert.Equal(t, models.DiffStatusCompleted, final.Status)
}
