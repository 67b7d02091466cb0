package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

type memStore struct{}

func (memStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "mem://" + key, nil
}
func (memStore) Get(ctx context.Context, location string) ([]byte, error) { return nil, nil }
func (memStore) Close() error                                             { return nil }

type fakeIssuerRepo struct{ interfaces.IssuerRepo }

func (fakeIssuerRepo) Resolve(ctx context.Context, issuer *models.Issuer) error {
	issuer.ID = "issuer-1"
	return nil
}

type fakeFilingRepo struct{ interfaces.FilingRepo }

func (fakeFilingRepo) GetByAccession(ctx context.Context, accession string) (*models.Filing, error) {
	return nil, errs.ErrNotFound
}

type recordingDatastore struct {
	interfaces.Datastore
	issuers  fakeIssuerRepo
	filings  fakeFilingRepo
	gotBlobs []*models.Blob
	gotNew   bool
}

func (d *recordingDatastore) Issuers() interfaces.IssuerRepo { return d.issuers }
func (d *recordingDatastore) Filings() interfaces.FilingRepo { return d.filings }
func (d *recordingDatastore) PersistDownloadedFiling(ctx context.Context, issuer *models.Issuer, filing *models.Filing, filingIsNew bool, blobs []*models.Blob) error {
	d.gotBlobs = blobs
	d.gotNew = filingIsNew
	return nil
}

func TestFetchAndPersist_CommitsAllFetchedBlobsInOneCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>filing</html>"))
	}))
	defer srv.Close()

	ds := &recordingDatastore{}
	worker := New(nil, nil, nil, memStore{}, ds, common.DownloadConfig{}, WithLogger(common.NewSilentLogger()))

	task := models.DownloadTask{
		Accession:  "0000320193-26-000001",
		IssuerCIK:  "320193",
		IssuerName: "Example Corp",
		FormType:   "10-K",
		FilingHref: srv.URL + "/320193/000032019326000001-index.html",
	}

	filing, err := worker.fetchAndPersist(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.FilingStatusDownloaded, filing.Status)
	assert.True(t, ds.gotNew, "a never-seen accession must be treated as a new filing row")
	assert.Len(t, ds.gotBlobs, 2, "both the index artifact and its derived raw .txt artifact must be fetched and committed together")
}
