// Package surreal implements the pipeline's relational-ish datastore
// on SurrealDB, standing in for a row-locking SQL store: single-record
// conditional UPDATE ... WHERE statements emulate SELECT ... FOR UPDATE
// claims, the same trick the job queue store uses for dequeue.
package surreal

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

// Datastore implements interfaces.Datastore on top of a SurrealDB connection.
type Datastore struct {
	db     *surrealdb.DB
	logger *common.Logger

	issuers  *IssuerRepo
	filings  *FilingRepo
	blobs    *BlobRepo
	sections *SectionRepo
	analyses *AnalysisRepo
	entities *EntityRepo
	diffs    *DiffRepo
}

// Open connects to SurrealDB, signs in and selects the configured
// namespace/database.
func Open(ctx context.Context, logger *common.Logger, cfg common.StorageConfig) (*Datastore, error) {
	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, map[string]interface{}{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	ds := &Datastore{db: db, logger: logger}
	ds.issuers = &IssuerRepo{db: db, logger: logger}
	ds.filings = &FilingRepo{db: db, logger: logger}
	ds.blobs = &BlobRepo{db: db, logger: logger}
	ds.sections = &SectionRepo{db: db, logger: logger}
	ds.analyses = &AnalysisRepo{db: db, logger: logger}
	ds.entities = &EntityRepo{db: db, logger: logger}
	ds.diffs = &DiffRepo{db: db, logger: logger}

	logger.Info().
		Str("address", cfg.Address).
		Str("namespace", cfg.Namespace).
		Str("database", cfg.Database).
		Msg("SurrealDB datastore initialized")

	return ds, nil
}

func (d *Datastore) Issuers() interfaces.IssuerRepo    { return d.issuers }
func (d *Datastore) Filings() interfaces.FilingRepo    { return d.filings }
func (d *Datastore) Blobs() interfaces.BlobRepo        { return d.blobs }
func (d *Datastore) Sections() interfaces.SectionRepo  { return d.sections }
func (d *Datastore) Analyses() interfaces.AnalysisRepo { return d.analyses }
func (d *Datastore) Entities() interfaces.EntityRepo   { return d.entities }
func (d *Datastore) Diffs() interfaces.DiffRepo        { return d.diffs }

// PersistDownloadedFiling commits the issuer upsert, the filing row
// (created only when filingIsNew), every fetched artifact's blob row,
// and the filing's DOWNLOADED transition as one transaction. A crash
// partway through the downloader's fetch/persist step therefore can
// never leave a DOWNLOADED filing with missing blobs, or blobs
// attached to a filing row that never committed.
func (d *Datastore) PersistDownloadedFiling(ctx context.Context, issuer *models.Issuer, filing *models.Filing, filingIsNew bool, blobs []*models.Blob) error {
	stmts := make([]stmt, 0, len(blobs)+3)
	stmts = append(stmts, d.issuers.upsertStmt(issuer))
	if filingIsNew {
		stmts = append(stmts, d.filings.createStmt(filing))
	}
	for _, b := range blobs {
		stmts = append(stmts, d.blobs.createStmt(b))
	}
	stmts = append(stmts, d.filings.updateStatusStmt(filing.ID, models.FilingStatusDownloaded))
	return runTx(ctx, d.db, stmts)
}

// ReplaceSections commits the parser's full clear-and-replace of a
// filing's sections together with its PARSED transition as one
// transaction, so a crash between the delete and the inserts can never
// leave a filing PARSED with a partial or empty section set.
func (d *Datastore) ReplaceSections(ctx context.Context, filing *models.Filing, sections []*models.Section) error {
	stmts := make([]stmt, 0, len(sections)+2)
	stmts = append(stmts, d.sections.deleteByFilingStmt(filing.ID))
	for _, s := range sections {
		stmts = append(stmts, d.sections.createStmt(s))
	}
	stmts = append(stmts, d.filings.updateStatusStmt(filing.ID, models.FilingStatusParsed))
	return runTx(ctx, d.db, stmts)
}

// ReplaceSectionEntities commits the entity worker's Analysis row
// together with its section's full entity replacement as one
// transaction, so a crash between DeleteBySection and CreateBatch can
// never leave a section's entities wiped with no replacement, or an
// Analysis row recorded with entities that never landed.
func (d *Datastore) ReplaceSectionEntities(ctx context.Context, analysis *models.Analysis, sectionID string, entities []*models.Entity) error {
	stmts := make([]stmt, 0, len(entities)+2)
	stmts = append(stmts, d.analyses.createStmt(analysis))
	stmts = append(stmts, d.entities.deleteBySectionStmt(sectionID))
	for _, e := range entities {
		stmts = append(stmts, d.entities.createStmt(e))
	}
	return runTx(ctx, d.db, stmts)
}

func (d *Datastore) Close() error {
	d.db.Close(context.Background())
	return nil
}

var _ interfaces.Datastore = (*Datastore)(nil)
