package poller

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/kv"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

type fakeQueue struct {
	pushed []struct {
		dedupeKey string
		payload   []byte
	}
}

func (q *fakeQueue) Push(_ context.Context, dedupeKey string, payload []byte) error {
	q.pushed = append(q.pushed, struct {
		dedupeKey string
		payload   []byte
	}{dedupeKey, payload})
	return nil
}

func (q *fakeQueue) Pop(context.Context, time.Duration) (*models.Message, error) { return nil, nil }
func (q *fakeQueue) Ack(context.Context, string, string) error                  { return nil }
func (q *fakeQueue) Length(context.Context) (int, error)                        { return len(q.pushed), nil }
func (q *fakeQueue) Close() error                                               { return nil }

func newTestSeenDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(common.NewSilentLogger(), filepath.Join(t.TempDir(), "seen"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPoller_PublishesNewEntriesOnce(t *testing.T) {
	seen := newTestSeenDB(t)
	queue := &fakeQueue{}

	entries := []models.FeedEntry{
		{Accession: "0000320193-24-000001", IssuerCIK: "320193", IssuerName: "Example Corp", FormType: "10-K", SourceURLs: []string{"https://example.test/index.htm"}},
		{Accession: "0000320193-24-000001", IssuerCIK: "320193", IssuerName: "Example Corp", FormType: "10-K", SourceURLs: []string{"https://example.test/index.htm"}},
		{Accession: "", IssuerCIK: "320193"},
	}

	p := New("global", func(context.Context) ([]models.FeedEntry, error) { return entries, nil }, time.Second, seen, queue, nil)

	err := p.cycle(context.Background())
	require.NoError(t, err)

	require.Len(t, queue.pushed, 1)
	assert.Equal(t, "0000320193-24-000001:download", queue.pushed[0].dedupeKey)

	var task models.DownloadTask
	require.NoError(t, json.Unmarshal(queue.pushed[0].payload, &task))
	assert.Equal(t, "0000320193-24-000001", task.Accession)
	assert.Equal(t, "https://example.test/index.htm", task.FilingHref)
}

func TestPoller_SkipsAlreadySeenAcrossCycles(t *testing.T) {
	seen := newTestSeenDB(t)
	queue := &fakeQueue{}

	entry := models.FeedEntry{Accession: "0000320193-24-000002", SourceURLs: []string{"https://example.test/index.htm"}}
	p := New("global", func(context.Context) ([]models.FeedEntry, error) { return []models.FeedEntry{entry}, nil }, time.Second, seen, queue, nil)

	require.NoError(t, p.cycle(context.Background()))
	require.NoError(t, p.cycle(context.Background()))

	assert.Len(t, queue.pushed, 1)
}

func TestPoller_FetchErrorPropagates(t *testing.T) {
	seen := newTestSeenDB(t)
	queue := &fakeQueue{}

	boom := assert.AnError
	p := New("global", func(context.Context) ([]models.FeedEntry, error) { return nil, boom }, time.Second, seen, queue, nil)

	err := p.cycle(context.Background())
	assert.Error(t, err)
}
