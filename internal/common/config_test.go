package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
environment = "test"

[storage]
address = "ws://localhost:8000"
namespace = "filings"
database = "filings"

[queue]
visibility_timeout = "90s"
pause_high = 500
resume_low = 100

[budget]
cooldown = "10s"
[budget.daily_limits]
"groq:llama" = 100000

[poller]
interval = "30s"

[llm]
base_url = "http://localhost:4000"
timeout = "45s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, "filings", cfg.Storage.Namespace)
	assert.Equal(t, 90*time.Second, cfg.Queue.GetVisibilityTimeout())
	assert.Equal(t, 500, cfg.Queue.PauseHigh)
	assert.Equal(t, int64(100000), cfg.Budget.DailyLimits["groq:llama"])
	assert.Equal(t, 10*time.Second, cfg.Budget.GetCooldown())
	assert.Equal(t, 30*time.Second, cfg.Poller.GetInterval())
	assert.Equal(t, 45*time.Second, cfg.LLM.GetTimeout())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.toml")
	assert.Error(t, err)
}

func TestDurationFallbacks(t *testing.T) {
	var q QueueConfig
	assert.Equal(t, 2*time.Minute, q.GetVisibilityTimeout())
	assert.Equal(t, 5*time.Second, q.GetPopTimeout())

	q.VisibilityTimeout = "not-a-duration"
	assert.Equal(t, 2*time.Minute, q.GetVisibilityTimeout())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FILING_LLM_API_KEY", "sk-test-123")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("environment = \"test\"\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
}
