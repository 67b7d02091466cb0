// Package common provides shared configuration and logging utilities.
package common

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the filing intelligence service.
type Config struct {
	Environment string         `toml:"environment"`
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Queue       QueueConfig    `toml:"queue"`
	Budget      BudgetConfig   `toml:"budget"`
	Poller      PollerConfig   `toml:"poller"`
	Downloader  DownloadConfig `toml:"downloader"`
	Parser      ParserConfig   `toml:"parser"`
	Workers     WorkersConfig  `toml:"workers"`
	LLM         LLMConfig      `toml:"llm"`
	Logging     LoggingConfig  `toml:"logging"`
}

// ServerConfig holds the read-only REST facade's HTTP configuration.
type ServerConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	MetricsPort int    `toml:"metrics_port"`
}

// StorageConfig holds datastore, object store and KV configuration.
type StorageConfig struct {
	// SurrealDB relational store
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`

	// Object store (S3-compatible; "file" scheme for local/test use)
	ObjectStoreBucket   string `toml:"object_store_bucket"`
	ObjectStoreRegion   string `toml:"object_store_region"`
	ObjectStoreEndpoint string `toml:"object_store_endpoint"` // custom endpoint for MinIO/R2, empty for real AWS
	ObjectStorePath     string `toml:"object_store_path"`     // base dir when using the file:// backend

	// Badger-backed KV engine (queue dedupe/processing sets, budget counters)
	KVPath string `toml:"kv_path"`
}

// QueueConfig holds per-queue visibility timeout and pop-timeout settings.
type QueueConfig struct {
	VisibilityTimeout string `toml:"visibility_timeout"`
	PopTimeout        string `toml:"pop_timeout"`
	ReclaimBatchSize  int    `toml:"reclaim_batch_size"`
	DownloadQueueName string `toml:"download_queue_name"`
	ParseQueueName    string `toml:"parse_queue_name"`
	ChunkQueueName    string `toml:"chunk_queue_name"`
	EntityQueueName   string `toml:"entity_queue_name"`
	DiffQueueName     string `toml:"diff_queue_name"`
	PauseHigh         int    `toml:"pause_high"`
	ResumeLow         int    `toml:"resume_low"`
	CheckInterval     string `toml:"check_interval"`
}

// GetVisibilityTimeout parses the configured visibility timeout.
func (c *QueueConfig) GetVisibilityTimeout() time.Duration {
	return parseDurationOr(c.VisibilityTimeout, 2*time.Minute)
}

// GetPopTimeout parses the configured pop timeout.
func (c *QueueConfig) GetPopTimeout() time.Duration {
	return parseDurationOr(c.PopTimeout, 5*time.Second)
}

// GetCheckInterval parses the backpressure gate's resample interval.
func (c *QueueConfig) GetCheckInterval() time.Duration {
	return parseDurationOr(c.CheckInterval, 2*time.Second)
}

// BudgetConfig holds daily token limits per (service, model) scope.
type BudgetConfig struct {
	DailyLimits map[string]int64 `toml:"daily_limits"` // key "service:model" -> limit
	Cooldown    string           `toml:"cooldown"`
}

// GetCooldown parses the budget-exhaustion cooldown sleep.
func (c *BudgetConfig) GetCooldown() time.Duration {
	return parseDurationOr(c.Cooldown, 30*time.Second)
}

// PollerConfig holds feed polling configuration.
type PollerConfig struct {
	GlobalFeedURL      string   `toml:"global_feed_url"`
	IssuerFeedTemplate string   `toml:"issuer_feed_template"` // single "%s" placeholder for CIK
	IssuerCIKs         []string `toml:"issuer_ciks"`
	Interval           string   `toml:"interval"`
	UserAgent          string   `toml:"user_agent"`
}

// GetInterval parses the poller's cycle interval.
func (c *PollerConfig) GetInterval() time.Duration {
	return parseDurationOr(c.Interval, 60*time.Second)
}

// DownloadConfig holds downloader retry/backoff configuration.
type DownloadConfig struct {
	Backoff    string `toml:"backoff"`
	MaxRetries int    `toml:"max_retries"`
	Timeout    string `toml:"timeout"`
}

// GetBackoff parses the downloader's initial backoff duration.
func (c *DownloadConfig) GetBackoff() time.Duration {
	return parseDurationOr(c.Backoff, 500*time.Millisecond)
}

// GetTimeout parses the downloader's per-request timeout.
func (c *DownloadConfig) GetTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 30*time.Second)
}

// ParserConfig holds chunk-planning parameters.
type ParserConfig struct {
	MaxTokensPerChunk int `toml:"max_tokens_per_chunk"`
	MinTokensPerChunk int `toml:"min_tokens_per_chunk"`
	ParagraphOverlap  int `toml:"paragraph_overlap"`
	MaxDiffChars      int `toml:"max_diff_chars"`
}

// WorkersConfig holds per-pool concurrency.
type WorkersConfig struct {
	Downloader int `toml:"downloader"`
	Parser     int `toml:"parser"`
	Summary    int `toml:"summary"`
	Entity     int `toml:"entity"`
	Diff       int `toml:"diff"`
}

// LLMConfig holds the OpenAI-compatible chat-completions endpoint configuration.
type LLMConfig struct {
	BaseURL         string `toml:"base_url"`
	APIKey          string `toml:"api_key"`
	SummaryModel    string `toml:"summary_model"`
	EntityModel     string `toml:"entity_model"`
	DiffModel       string `toml:"diff_model"`
	Timeout         string `toml:"timeout"`
	MaxRetries      int    `toml:"max_retries"`
	Backoff         string `toml:"backoff"`
	MaxOutputTokens int    `toml:"max_output_tokens"`
}

// GetTimeout parses the LLM client's per-request timeout.
func (c *LLMConfig) GetTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 60*time.Second)
}

// GetBackoff parses the LLM client's retry backoff base.
func (c *LLMConfig) GetBackoff() time.Duration {
	return parseDurationOr(c.Backoff, 1*time.Second)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `toml:"level"`
	FilePath string `toml:"file_path"`
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// LoadConfig reads and parses a TOML configuration file, applying
// environment-variable overrides for secrets that should not live on disk.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets secrets be supplied out-of-band in production.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FILING_STORAGE_PASSWORD"); v != "" {
		cfg.Storage.Password = v
	}
	if v := os.Getenv("FILING_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
}
