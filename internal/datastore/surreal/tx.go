package surreal

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// stmt is one SurrealQL statement plus its bound variables, built by a
// repo without executing it, so several repos' writes can be merged
// into a single atomic transaction.
type stmt struct {
	sql  string
	vars map[string]any
}

var sqlVarPattern = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)

// runTx executes every stmt inside one BEGIN TRANSACTION ... COMMIT
// TRANSACTION block. SurrealDB rolls back the whole block if any
// statement errors, so a crash or failure partway through never leaves
// a subset of the writes committed — the multi-row atomicity the
// downloader, parser and entity worker each need for their
// upsert/delete/create sequences.
//
// Each statement's variables are renamed to a statement-scoped prefix
// before merging, since two statements built independently (e.g. two
// UPSERTs both binding $created_at) would otherwise collide once
// joined into one query.
func runTx(ctx context.Context, db *surrealdb.DB, stmts []stmt) error {
	if len(stmts) == 0 {
		return nil
	}
	if len(stmts) == 1 {
		return execStmt(ctx, db, stmts[0])
	}

	sql, vars := buildTxBody(stmts)
	if _, err := surrealdb.Query[any](ctx, db, sql, vars); err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	return nil
}

// buildTxBody merges stmts into one BEGIN/COMMIT TRANSACTION block,
// rewriting each statement's $variable references to a statement-scoped
// "$txN_" prefix so independently-built statements binding the same
// variable name never collide once joined.
func buildTxBody(stmts []stmt) (string, map[string]any) {
	var body strings.Builder
	body.WriteString("BEGIN TRANSACTION;\n")
	merged := make(map[string]any, len(stmts)*4)
	for i, s := range stmts {
		prefix := fmt.Sprintf("tx%d_", i)
		rewritten := sqlVarPattern.ReplaceAllStringFunc(s.sql, func(m string) string {
			return "$" + prefix + m[1:]
		})
		for name, val := range s.vars {
			merged[prefix+name] = val
		}
		body.WriteString(rewritten)
		if !strings.HasSuffix(strings.TrimSpace(rewritten), ";") {
			body.WriteString(";")
		}
		body.WriteString("\n")
	}
	body.WriteString("COMMIT TRANSACTION;")
	return body.String(), merged
}

// execStmt runs a single statement outside of any transaction wrapper.
func execStmt(ctx context.Context, db *surrealdb.DB, s stmt) error {
	if _, err := surrealdb.Query[any](ctx, db, s.sql, s.vars); err != nil {
		return fmt.Errorf("statement failed: %w", err)
	}
	return nil
}
