package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	testcommon "github.com/stevenmcsorley/sec-filing-intelligence/tests/common"
)

// TestNewApp_InitializesAllServices boots every component against a real
// SurrealDB container. Skipped unless FILING_TEST_DOCKER=true, since it
// needs a Docker daemon.
func TestNewApp_InitializesAllServices(t *testing.T) {
	if os.Getenv("FILING_TEST_DOCKER") != "true" {
		t.Skip("Docker tests disabled (set FILING_TEST_DOCKER=true to enable)")
	}

	surreal := testcommon.StartSurrealDB(t)
	t.Cleanup(surreal.Cleanup)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "filing-ingestor.toml")
	configBody := fmt.Sprintf(`
environment = "test"

[server]
host = "127.0.0.1"
port = 18080
metrics_port = 19090

[storage]
address = %q
username = "root"
password = "root"
namespace = "test"
database = "test"
object_store_path = %q
kv_path = %q

[queue]
download_queue_name = "download"
parse_queue_name = "parse"
chunk_queue_name = "chunk"
entity_queue_name = "entity"
diff_queue_name = "diff"
pause_high = 1000
resume_low = 100

[poller]
global_feed_url = "https://example.invalid/feed.atom"
issuer_feed_template = "https://example.invalid/issuer/%%s.json"
user_agent = "filing-ingestor-test"

[llm]
base_url = "https://example.invalid/v1"
api_key = "test-key"
summary_model = "test-summary"
entity_model = "test-entity"
diff_model = "test-diff"

[logging]
level = "error"
`, surreal.Address(), filepath.Join(dir, "objects"), filepath.Join(dir, "kv"))

	require.NoError(t, os.WriteFile(configPath, []byte(configBody), 0o644))

	a, err := NewApp(configPath)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NotNil(t, a.KV)
	assert.NotNil(t, a.Datastore)
	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Budget)
	assert.NotNil(t, a.LLM)
	assert.NotNil(t, a.Feed)
	assert.NotNil(t, a.DownloadQueue)
	assert.NotNil(t, a.ParseQueue)
	assert.NotNil(t, a.ChunkQueue)
	assert.NotNil(t, a.EntityQueue)
	assert.NotNil(t, a.DiffQueue)
	assert.NotNil(t, a.DownloadGate)
	assert.NotNil(t, a.ParseGate)
	assert.NotNil(t, a.ChunkGate)
	assert.NotNil(t, a.EntityGate)
	assert.NotNil(t, a.DiffGate)
	assert.NotNil(t, a.MetricsServer)
	assert.NotNil(t, a.APIServer)
	assert.Len(t, a.Pollers, 1) // no issuer_ciks configured, only the global poller

	// The datastore should have migrated cleanly and accept a query.
	_, err = a.Datastore.Issuers().GetByCIK(context.Background(), "0000000000")
	assert.Error(t, err) // not found, but no connection error
}

// TestSafeGo_RecoversPanic verifies a panicking goroutine doesn't crash
// the process and the waitgroup still completes.
func TestSafeGo_RecoversPanic(t *testing.T) {
	a := &App{Logger: common.NewLogger("error")}

	a.safeGo("panicker", func() {
		panic("boom")
	})

	a.wg.Wait() // would hang forever if the panic wasn't recovered
}
