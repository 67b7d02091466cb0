package surreal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const issuerSelectFields = "issuer_id as id, cik, name, ticker, created_at"

// IssuerRepo persists Issuer records, keyed uniquely by CIK.
type IssuerRepo struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func (r *IssuerRepo) GetByCIK(ctx context.Context, cik string) (*models.Issuer, error) {
	sql := "SELECT " + issuerSelectFields + " FROM issuer WHERE cik = $cik LIMIT 1"
	results, err := surrealdb.Query[[]models.Issuer](ctx, r.db, sql, map[string]any{"cik": cik})
	if err != nil {
		return nil, fmt.Errorf("failed to get issuer by cik %s: %w", cik, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, errs.ErrNotFound
	}
	issuer := (*results)[0].Result[0]
	return &issuer, nil
}

// Upsert resolves concurrent downloaders racing to create the same
// issuer by keying the SurrealDB record id on CIK itself, so the write
// coalesces instead of producing duplicate rows; a pre-existing issuer
// keeps its name but has its ticker refreshed.
func (r *IssuerRepo) Upsert(ctx context.Context, issuer *models.Issuer) error {
	if err := r.Resolve(ctx, issuer); err != nil {
		return err
	}
	return execStmt(ctx, r.db, r.upsertStmt(issuer))
}

// Resolve fills issuer.ID/Name/CreatedAt from any existing row keyed
// by CIK without writing — the read half of Upsert, split out so a
// caller can fold the write into a larger atomic transaction alongside
// the filing and blob rows it belongs with.
func (r *IssuerRepo) Resolve(ctx context.Context, issuer *models.Issuer) error {
	existing, err := r.GetByCIK(ctx, issuer.CIK)
	switch {
	case err == nil:
		issuer.ID = existing.ID
		if existing.Name != "" {
			issuer.Name = existing.Name
		}
		issuer.CreatedAt = existing.CreatedAt
	case errors.Is(err, errs.ErrNotFound):
		if issuer.ID == "" {
			issuer.ID = uuid.NewString()
		}
		if issuer.CreatedAt.IsZero() {
			issuer.CreatedAt = time.Now()
		}
	default:
		return err
	}
	return nil
}

func (r *IssuerRepo) upsertStmt(issuer *models.Issuer) stmt {
	return stmt{
		sql: `UPSERT $rid SET issuer_id = $issuer_id, cik = $cik, name = $name, ticker = $ticker, created_at = $created_at`,
		vars: map[string]any{
			"rid":        surrealmodels.NewRecordID("issuer", issuer.CIK),
			"issuer_id":  issuer.ID,
			"cik":        issuer.CIK,
			"name":       issuer.Name,
			"ticker":     issuer.Ticker,
			"created_at": issuer.CreatedAt,
		},
	}
}

// ListMissingTicker returns every issuer with an empty ticker field.
func (r *IssuerRepo) ListMissingTicker(ctx context.Context) ([]*models.Issuer, error) {
	sql := "SELECT " + issuerSelectFields + " FROM issuer WHERE ticker = NONE OR ticker = ''"
	results, err := surrealdb.Query[[]models.Issuer](ctx, r.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list issuers missing ticker: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	issuers := make([]*models.Issuer, 0, len((*results)[0].Result))
	for i := range (*results)[0].Result {
		issuers = append(issuers, &(*results)[0].Result[i])
	}
	return issuers, nil
}
