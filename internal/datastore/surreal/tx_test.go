package surreal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildTxBody_WrapsStatementsInBeginCommit(t *testing.T) {
	sql, _ := buildTxBody([]stmt{
		{sql: "UPDATE $id SET status = $status", vars: map[string]any{"id": "filing:1", "status": "parsed"}},
	})

	assert.Contains(t, sql, "BEGIN TRANSACTION;")
	assert.Contains(t, sql, "COMMIT TRANSACTION;")
	assert.Contains(t, sql, "UPDATE $tx0_id SET status = $tx0_status")
}

func TestBuildTxBody_PrefixesVarsPerStatementToAvoidCollisions(t *testing.T) {
	_, vars := buildTxBody([]stmt{
		{sql: "UPDATE filing:1 SET status = $status", vars: map[string]any{"status": "downloaded"}},
		{sql: "UPDATE filing:2 SET status = $status", vars: map[string]any{"status": "failed"}},
	})

	assert.Equal(t, "downloaded", vars["tx0_status"])
	assert.Equal(t, "failed", vars["tx1_status"])
	assert.Len(t, vars, 2, "two statements each binding $status must not collide once merged")
}

func TestBuildTxBody_DoesNotRewriteSubstringMatchesOfShorterVarNames(t *testing.T) {
	sql, vars := buildTxBody([]stmt{
		{sql: "UPDATE $id SET status = $status, status_code = $status_code", vars: map[string]any{
			"id": "filing:1", "status": "parsed", "status_code": 200,
		}},
	})

	assert.Contains(t, sql, "$tx0_status_code")
	assert.NotContains(t, sql, "$tx0_statustx0__code", "a whole-token rewrite must not mangle $status_code into a $status-prefixed substring match")
	assert.Equal(t, 200, vars["tx0_status_code"])
	assert.Equal(t, "parsed", vars["tx0_status"])
}

func TestBuildTxBody_EachStatementEndsWithSemicolon(t *testing.T) {
	sql, _ := buildTxBody([]stmt{
		{sql: "DELETE section WHERE filing_id = $filing_id", vars: map[string]any{"filing_id": "filing:1"}},
		{sql: "CREATE section CONTENT $data;", vars: map[string]any{"data": map[string]any{"ordinal": 1}}},
	})

	lines := 0
	for _, r := range sql {
		if r == ';' {
			lines++
		}
	}
	assert.Equal(t, 4, lines, "BEGIN, two merged statements, and COMMIT must each terminate with a semicolon")
}
