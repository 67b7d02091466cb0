// Package interfaces defines the service contracts shared across the
// filing ingestion pipeline's stages.
package interfaces

import (
	"context"
	"time"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

// Queue is a dedupe-on-push, visibility-timeout-gated work queue.
// Implementations must guard Ack against stale tokens presented after
// a reclaim has re-issued the same job to another worker.
type Queue interface {
	// Push enqueues payload under dedupeKey. A second Push with the
	// same dedupeKey before the first is Acked is a no-op.
	Push(ctx context.Context, dedupeKey string, payload []byte) error

	// Pop reclaims any expired in-flight messages first, then returns
	// the next available message, blocking up to timeout.
	Pop(ctx context.Context, timeout time.Duration) (*models.Message, error)

	// Ack removes a message permanently. Returns errs.ErrStaleAck if
	// token does not match the current owner (i.e. the message was
	// already reclaimed).
	Ack(ctx context.Context, jobID, token string) error

	// Length reports the number of messages not yet Acked (pending + in-flight).
	Length(ctx context.Context) (int, error)

	Close() error
}

// BudgetManager enforces a daily token ceiling per (service, model) scope.
type BudgetManager interface {
	// Reserve provisionally debits amount from scope's remaining daily
	// budget. Returns errs.ErrBudgetExceeded if amount would exceed the
	// configured daily limit.
	Reserve(ctx context.Context, scope string, amount int64) (*models.Reservation, error)

	// Commit finalizes a reservation, adjusting the debit to actualAmount.
	Commit(ctx context.Context, reservation *models.Reservation, actualAmount int64) error

	// Release cancels a reservation, refunding its full amount.
	Release(ctx context.Context, reservation *models.Reservation) error

	// Remaining reports the unspent budget for scope today.
	Remaining(ctx context.Context, scope string) (int64, error)
}

// BackpressureGate cooperatively pauses producers when downstream
// queue depth crosses a high-water mark, resuming below a low-water mark.
type BackpressureGate interface {
	// WaitIfNeeded blocks until the gate is open or ctx is done.
	WaitIfNeeded(ctx context.Context) error

	// IsOpen reports the gate's current state without blocking.
	IsOpen() bool
}

// ObjectStore persists filing document artifacts (raw PDFs/HTML,
// extracted text, section JSON) addressed by opaque key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (location string, err error)
	Get(ctx context.Context, location string) ([]byte, error)
	Close() error
}

// FeedClient fetches and parses regulator filing feeds.
type FeedClient interface {
	FetchGlobalFeed(ctx context.Context) ([]models.FeedEntry, error)
	FetchIssuerFeed(ctx context.Context, cik string) ([]models.FeedEntry, error)

	// LookupTicker resolves an issuer's trading ticker by CIK, for the
	// ticker backfill operator CLI. Returns "" if none is on file.
	LookupTicker(ctx context.Context, cik string) (string, error)
}

// ChatMessage is one turn in an LLM chat-completions request.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatResult is a parsed chat-completions response.
type ChatResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMClient performs OpenAI-compatible chat-completions calls.
type LLMClient interface {
	Complete(ctx context.Context, model string, messages []ChatMessage, maxOutputTokens int) (*ChatResult, error)
}

// IssuerRepo persists Issuer records.
type IssuerRepo interface {
	GetByCIK(ctx context.Context, cik string) (*models.Issuer, error)
	Upsert(ctx context.Context, issuer *models.Issuer) error

	// Resolve fills issuer.ID/Name/CreatedAt from any existing row keyed
	// by CIK without writing — the read half of Upsert, exposed so a
	// caller can fold the write into a larger atomic transaction.
	Resolve(ctx context.Context, issuer *models.Issuer) error

	// ListMissingTicker returns issuers with no ticker recorded, for the
	// ticker-backfill operator CLI.
	ListMissingTicker(ctx context.Context) ([]*models.Issuer, error)
}

// FilingRepo persists Filing records and their lifecycle transitions.
type FilingRepo interface {
	GetByAccession(ctx context.Context, accession string) (*models.Filing, error)
	GetByID(ctx context.Context, id string) (*models.Filing, error)
	Create(ctx context.Context, filing *models.Filing) error
	UpdateStatus(ctx context.Context, id string, status models.FilingStatus) error
	PreviousForIssuer(ctx context.Context, issuerID, formType string, before time.Time) (*models.Filing, error)

	// ListByFilter returns filings matching the given status and/or form
	// type (either may be empty to mean "any"), for the reprocessing
	// operator CLI.
	ListByFilter(ctx context.Context, status models.FilingStatus, formType string) ([]*models.Filing, error)
}

// BlobRepo persists Blob metadata rows (the bytes live in ObjectStore).
type BlobRepo interface {
	Create(ctx context.Context, blob *models.Blob) error
	GetByFilingAndKind(ctx context.Context, filingID string, kind models.BlobKind) (*models.Blob, error)
}

// SectionRepo persists parsed Section records.
type SectionRepo interface {
	CreateBatch(ctx context.Context, sections []*models.Section) error
	GetByID(ctx context.Context, id string) (*models.Section, error)
	DeleteByFiling(ctx context.Context, filingID string) error
	ListByFiling(ctx context.Context, filingID string) ([]*models.Section, error)
}

// AnalysisRepo persists LLM job results, deduped by JobID.
type AnalysisRepo interface {
	Create(ctx context.Context, analysis *models.Analysis) error
	GetByJobID(ctx context.Context, jobID string) (*models.Analysis, error)
	DeleteByJobID(ctx context.Context, jobID string) error
}

// EntityRepo persists extracted structured entities.
type EntityRepo interface {
	CreateBatch(ctx context.Context, entities []*models.Entity) error
	DeleteBySection(ctx context.Context, sectionID string) error
	ListByFiling(ctx context.Context, filingID string) ([]*models.Entity, error)
}

// DiffRepo persists Diff and SectionDiff records.
type DiffRepo interface {
	Create(ctx context.Context, diff *models.Diff) error
	GetByID(ctx context.Context, id string) (*models.Diff, error)
	GetByCurrentFilingID(ctx context.Context, currentFilingID string) (*models.Diff, error)
	// UpdateProgress is an optimistic-lock CAS: it only applies when the
	// row's processed_sections still equals expectedProcessed, returning
	// errs.ErrConflict otherwise so the caller can reload and retry.
	UpdateProgress(ctx context.Context, id string, expectedProcessed, processedSections int, status models.DiffStatus, lastError string) error
	CreateSectionDiffs(ctx context.Context, diffs []*models.SectionDiff) error
	ClearSectionDiffs(ctx context.Context, diffID string) error
	ClearSectionDiffsForOrdinal(ctx context.Context, diffID string, ordinal int) error
}

// Datastore aggregates all repos plus lifecycle and migration control.
type Datastore interface {
	Issuers() IssuerRepo
	Filings() FilingRepo
	Blobs() BlobRepo
	Sections() SectionRepo
	Analyses() AnalysisRepo
	Entities() EntityRepo
	Diffs() DiffRepo

	// PersistDownloadedFiling atomically commits the issuer upsert, the
	// filing row (only when filingIsNew), every blob row in blobs, and
	// the filing's DOWNLOADED transition, so a crash mid-sequence can
	// never leave a DOWNLOADED filing with missing blobs.
	PersistDownloadedFiling(ctx context.Context, issuer *models.Issuer, filing *models.Filing, filingIsNew bool, blobs []*models.Blob) error

	// ReplaceSections atomically clears filing's prior sections,
	// inserts sections, and marks the filing PARSED.
	ReplaceSections(ctx context.Context, filing *models.Filing, sections []*models.Section) error

	// ReplaceSectionEntities atomically persists analysis and replaces
	// sectionID's entity rows with entities.
	ReplaceSectionEntities(ctx context.Context, analysis *models.Analysis, sectionID string, entities []*models.Entity) error

	Migrate(ctx context.Context) error
	// Truncate removes every row from every domain table. Used only by
	// the data-reset operator CLI in dev/test environments.
	Truncate(ctx context.Context) error
	Close() error
}
