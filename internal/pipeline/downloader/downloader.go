// Package downloader implements the pipeline's download-queue worker:
// it fetches a filing's artifacts, stores them in the object store,
// and writes the issuer/filing/blob rows that make the filing visible
// to the rest of the pipeline.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/metrics"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

// artifact is one document to fetch for a filing; Kind controls both
// the blob row's kind and its preference order for the parser.
type artifact struct {
	url  string
	kind models.BlobKind
}

// Worker pops download tasks, fetches their artifacts, and hands the
// filing off to the parse queue.
type Worker struct {
	downloadQueue interfaces.Queue
	parseQueue    interfaces.Queue
	parseGate     interfaces.BackpressureGate
	store         interfaces.ObjectStore
	ds            interfaces.Datastore
	httpClient    *http.Client
	maxRetries    int
	backoffBase   time.Duration
	popTimeout    time.Duration
	userAgent     string
	logger        *common.Logger
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(logger *common.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithUserAgent(ua string) Option {
	return func(w *Worker) { w.userAgent = ua }
}

func WithPopTimeout(d time.Duration) Option {
	return func(w *Worker) { w.popTimeout = d }
}

// New builds a download-queue worker.
func New(downloadQueue, parseQueue interfaces.Queue, parseGate interfaces.BackpressureGate, store interfaces.ObjectStore, ds interfaces.Datastore, cfg common.DownloadConfig, opts ...Option) *Worker {
	w := &Worker{
		downloadQueue: downloadQueue,
		parseQueue:    parseQueue,
		parseGate:     parseGate,
		store:         store,
		ds:            ds,
		httpClient:    &http.Client{Timeout: cfg.GetTimeout()},
		maxRetries:    cfg.MaxRetries,
		backoffBase:   cfg.GetBackoff(),
		popTimeout:    5 * time.Second,
		logger:        common.NewSilentLogger(),
	}
	if w.maxRetries <= 0 {
		w.maxRetries = 3
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run pops download tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := w.downloadQueue.Pop(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Msg("download queue pop failed")
			continue
		}
		if msg == nil {
			continue
		}

		if err := w.handle(ctx, msg); err != nil {
			w.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("download task failed")
		}
		if err := w.downloadQueue.Ack(ctx, msg.JobID, msg.Token); err != nil {
			w.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to ack download task")
		}
	}
}

// handle processes one download task. It never returns an error that
// should cause a requeue: per 4.4, failures mark the filing FAILED and
// the task is always acked — the poller's dedupe set plus manual
// reprocessing is the recovery path, not queue redelivery.
func (w *Worker) handle(ctx context.Context, msg *models.Message) error {
	var task models.DownloadTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return fmt.Errorf("failed to decode download task: %w", err)
	}

	filing, err := w.fetchAndPersist(ctx, task)
	if err != nil {
		w.markFailed(ctx, task, err)
		metrics.RecordFilingFailed("downloader")
		metrics.RecordError(string(errs.Classify(err)), "downloader")
		return err
	}
	metrics.FilingsDownloadedTotal.Inc()

	parseTask := models.ParseTask{FilingID: filing.ID, Accession: filing.Accession}
	payload, err := json.Marshal(parseTask)
	if err != nil {
		return fmt.Errorf("failed to encode parse task: %w", err)
	}
	if w.parseGate != nil {
		if err := w.parseGate.WaitIfNeeded(ctx); err != nil {
			return fmt.Errorf("backpressure wait for parse queue: %w", err)
		}
	}
	if err := w.parseQueue.Push(ctx, filing.Accession+":parse", payload); err != nil {
		return fmt.Errorf("failed to enqueue parse task for %s: %w", filing.Accession, err)
	}
	return nil
}

// fetchAndPersist fetches every artifact for task, stores the bytes in
// the object store, then commits the issuer upsert, the filing row,
// every fetched blob row, and the filing's DOWNLOADED transition in a
// single transaction (Datastore.PersistDownloadedFiling) — HTTP
// fetch/object-store writes happen first since they can't participate
// in a SurrealDB transaction and are naturally re-driveable on retry,
// but the rows that make the filing visible to the parser land
// together or not at all.
func (w *Worker) fetchAndPersist(ctx context.Context, task models.DownloadTask) (*models.Filing, error) {
	artifacts := planArtifacts(task.FilingHref)
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("no derivable artifacts for %s", task.Accession)
	}

	issuer := &models.Issuer{CIK: task.IssuerCIK, Name: task.IssuerName, Ticker: task.Ticker}
	if err := w.ds.Issuers().Resolve(ctx, issuer); err != nil {
		return nil, fmt.Errorf("failed to resolve issuer %s: %w", task.IssuerCIK, err)
	}

	filingIsNew := false
	filing, err := w.ds.Filings().GetByAccession(ctx, task.Accession)
	if err != nil {
		filingIsNew = true
		filing = &models.Filing{
			ID:        uuid.NewString(),
			Accession: task.Accession,
			IssuerID:  issuer.ID,
			FormType:  task.FormType,
			FiledAt:   task.FiledAt,
			Status:    models.FilingStatusPending,
		}
	}

	var blobs []*models.Blob
	for _, a := range artifacts {
		blob, err := w.fetchOneArtifact(ctx, task, filing, a)
		if err != nil {
			w.logger.Warn().Err(err).Str("accession", task.Accession).Str("url", a.url).Msg("artifact fetch failed")
			if a.kind == models.BlobKindIndex {
				return nil, err
			}
			continue
		}
		blobs = append(blobs, blob)
	}

	if err := w.ds.PersistDownloadedFiling(ctx, issuer, filing, filingIsNew, blobs); err != nil {
		return nil, fmt.Errorf("failed to persist downloaded filing %s: %w", task.Accession, err)
	}
	filing.Status = models.FilingStatusDownloaded
	return filing, nil
}

// fetchOneArtifact fetches and stores one artifact's bytes, returning
// its Blob row unpersisted — fetchAndPersist commits it together with
// the filing's other writes.
func (w *Worker) fetchOneArtifact(ctx context.Context, task models.DownloadTask, filing *models.Filing, a artifact) (*models.Blob, error) {
	body, contentType, err := w.fetchWithRetry(ctx, a.url)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	key := objectKey(task.IssuerCIK, task.Accession, a.url)
	location, err := w.store.Put(ctx, key, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store artifact %s: %w", key, err)
	}

	return &models.Blob{
		FilingID:    filing.ID,
		Kind:        a.kind,
		Location:    location,
		ContentType: contentType,
		Checksum:    checksum,
	}, nil
}

// fetchWithRetry fetches url with exponential backoff doubling per
// attempt, up to maxRetries.
func (w *Worker) fetchWithRetry(ctx context.Context, url string) ([]byte, string, error) {
	var body []byte
	var contentType string

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		if w.userAgent != "" {
			req.Header.Set("User-Agent", w.userAgent)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			httpErr := &errs.HTTPError{StatusCode: resp.StatusCode, URL: url, Body: string(data)}
			if errs.Classify(httpErr) == errs.KindPermanent {
				return backoff.Permanent(httpErr)
			}
			return httpErr
		}

		contentType = resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = guessContentType(url)
		}
		body = data
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(w.backoffBase), backoff.WithMultiplier(2)), uint64(w.maxRetries))
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

// markFailed records a filing as FAILED in its own transaction-sized
// call; it tolerates the filing not existing yet by creating a minimal
// failed record so the accession isn't silently lost.
func (w *Worker) markFailed(ctx context.Context, task models.DownloadTask, cause error) {
	filing, err := w.ds.Filings().GetByAccession(ctx, task.Accession)
	if err != nil {
		filing = &models.Filing{
			ID:        uuid.NewString(),
			Accession: task.Accession,
			FormType:  task.FormType,
			FiledAt:   task.FiledAt,
			Status:    models.FilingStatusFailed,
		}
		if createErr := w.ds.Filings().Create(ctx, filing); createErr != nil {
			w.logger.Error().Err(createErr).Str("accession", task.Accession).Msg("failed to record failed filing")
			return
		}
		return
	}
	if err := w.ds.Filings().UpdateStatus(ctx, filing.ID, models.FilingStatusFailed); err != nil {
		w.logger.Error().Err(err).Str("accession", task.Accession).Msg("failed to mark filing failed")
	}
	_ = cause
}

// planArtifacts derives the ordered artifact list from an INDEX href:
// the INDEX page itself, plus a RAW artifact at the same path with
// "-index.htm"/"-index.html" replaced by ".txt", when derivable.
func planArtifacts(indexHref string) []artifact {
	if indexHref == "" {
		return nil
	}
	artifacts := []artifact{{url: indexHref, kind: models.BlobKindIndex}}

	switch {
	case strings.HasSuffix(indexHref, "-index.html"):
		raw := strings.TrimSuffix(indexHref, "-index.html") + ".txt"
		artifacts = append(artifacts, artifact{url: raw, kind: models.BlobKindRaw})
	case strings.HasSuffix(indexHref, "-index.htm"):
		raw := strings.TrimSuffix(indexHref, "-index.htm") + ".txt"
		artifacts = append(artifacts, artifact{url: raw, kind: models.BlobKindRaw})
	}
	return artifacts
}

func objectKey(cik, accession, url string) string {
	kind := "index.html"
	if strings.HasSuffix(url, ".txt") {
		kind = "submission.txt"
	}
	return cik + "/" + accession + "/" + kind
}

func guessContentType(url string) string {
	switch {
	case strings.HasSuffix(url, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(url, ".txt"):
		return "text/plain"
	case strings.HasSuffix(url, ".htm"), strings.HasSuffix(url, ".html"):
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
