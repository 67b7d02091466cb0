package surreal

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// migration is one versioned schema change, tracked in schema_migrations.
type migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "issuers_and_filings",
		Up: `
			DEFINE TABLE IF NOT EXISTS issuer SCHEMALESS;
			DEFINE INDEX IF NOT EXISTS issuer_cik ON issuer FIELDS cik UNIQUE;
			DEFINE TABLE IF NOT EXISTS filing SCHEMALESS;
			DEFINE INDEX IF NOT EXISTS filing_accession ON filing FIELDS accession UNIQUE;
		`,
		Down: `REMOVE TABLE IF EXISTS filing; REMOVE TABLE IF EXISTS issuer;`,
	},
	{
		Version: 2,
		Name:    "blobs_and_sections",
		Up: `
			DEFINE TABLE IF NOT EXISTS blob SCHEMALESS;
			DEFINE INDEX IF NOT EXISTS blob_filing_kind ON blob FIELDS filing_id, kind UNIQUE;
			DEFINE TABLE IF NOT EXISTS section SCHEMALESS;
			DEFINE INDEX IF NOT EXISTS section_filing_ordinal ON section FIELDS filing_id, ordinal UNIQUE;
		`,
		Down: `REMOVE TABLE IF EXISTS section; REMOVE TABLE IF EXISTS blob;`,
	},
	{
		Version: 3,
		Name:    "analyses_and_entities",
		Up: `
			DEFINE TABLE IF NOT EXISTS analysis SCHEMALESS;
			DEFINE INDEX IF NOT EXISTS analysis_job_id ON analysis FIELDS job_id UNIQUE;
			DEFINE TABLE IF NOT EXISTS entity SCHEMALESS;
		`,
		Down: `REMOVE TABLE IF EXISTS entity; REMOVE TABLE IF EXISTS analysis;`,
	},
	{
		Version: 4,
		Name:    "diffs_and_section_diffs",
		Up: `
			DEFINE TABLE IF NOT EXISTS diff SCHEMALESS;
			DEFINE INDEX IF NOT EXISTS diff_current_filing ON diff FIELDS current_filing_id UNIQUE;
			DEFINE TABLE IF NOT EXISTS section_diff SCHEMALESS;
		`,
		Down: `REMOVE TABLE IF EXISTS section_diff; REMOVE TABLE IF EXISTS diff;`,
	},
	{
		Version: 5,
		Name:    "filing_status_index",
		Up: `
			DEFINE INDEX IF NOT EXISTS filing_status ON filing FIELDS status;
			DEFINE INDEX IF NOT EXISTS diff_status ON diff FIELDS status;
		`,
		Down: `REMOVE INDEX IF EXISTS diff_status ON diff; REMOVE INDEX IF EXISTS filing_status ON filing;`,
	},
}

// Migrate applies any schema migrations not yet recorded in
// schema_migrations, in version order.
func (d *Datastore) Migrate(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, d.db, "DEFINE TABLE IF NOT EXISTS schema_migrations SCHEMALESS", nil); err != nil {
		return fmt.Errorf("failed to define schema_migrations table: %w", err)
	}

	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if _, err := surrealdb.Query[any](ctx, d.db, m.Up, nil); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		recordSQL := "CREATE schema_migrations SET version = $version, name = $name, applied_at = $applied_at"
		vars := map[string]any{"version": m.Version, "name": m.Name, "applied_at": time.Now()}
		if _, err := surrealdb.Query[any](ctx, d.db, recordSQL, vars); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		d.logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("schema migration applied")
	}
	return nil
}

// truncateOrder lists every domain table, children before parents, so
// that DELETE doesn't leave orphaned foreign references mid-pass (not
// enforced by SurrealDB, but kept tidy for anyone reading the dump).
var truncateOrder = []string{
	"section_diff", "diff", "entity", "analysis", "section", "blob", "filing", "issuer",
}

// Truncate deletes every row from every domain table, for dev/test reset.
func (d *Datastore) Truncate(ctx context.Context) error {
	for _, table := range truncateOrder {
		if _, err := surrealdb.Query[any](ctx, d.db, "DELETE "+table, nil); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}
	return nil
}

func (d *Datastore) appliedVersions(ctx context.Context) (map[int]bool, error) {
	type row struct {
		Version int `json:"version"`
	}
	results, err := surrealdb.Query[[]row](ctx, d.db, "SELECT version FROM schema_migrations", nil)
	if err != nil {
		return nil, err
	}
	applied := make(map[int]bool)
	if results != nil && len(*results) > 0 {
		for _, r := range (*results)[0].Result {
			applied[r.Version] = true
		}
	}
	return applied, nil
}
