// Package config loads and validates the worker configuration from
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config is the complete runtime configuration of the ingestion worker.
type Config struct {
	// Object store buckets by role.
	RawBucket        string
	HLSBucket        string
	TranscriptBucket string

	// External service settings.
	GCPProject           string
	GCPRegion            string
	TranscoderTemplateID string
	ReplicateAPIToken    string
	ModelName            string
	NotifierWebhookURL   string

	// Database.
	DatabaseURL string
	DBPoolSize  int

	// Pipeline tuning.
	MaxConcurrency    int
	CacheTTL          time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	SignedURLTTL      time.Duration
	ProcessingTimeout time.Duration
	LLMTimeout        time.Duration
	PollInterval      time.Duration

	// HTTP surface.
	HTTPPort string
}

// Load reads configuration from the environment and validates it.
// A non-numeric value for any integer key is fatal.
func Load() (*Config, error) {
	var env envReader
	cfg := &Config{
		RawBucket:            os.Getenv("RAW_BUCKET"),
		HLSBucket:            os.Getenv("HLS_BUCKET"),
		TranscriptBucket:     os.Getenv("TRANSCRIPT_BUCKET"),
		GCPProject:           os.Getenv("GCP_PROJECT"),
		GCPRegion:            os.Getenv("GCP_REGION"),
		TranscoderTemplateID: os.Getenv("TRANSCODER_TEMPLATE_ID"),
		ReplicateAPIToken:    os.Getenv("REPLICATE_API_TOKEN"),
		ModelName:            os.Getenv("MODEL_NAME"),
		NotifierWebhookURL:   os.Getenv("NOTIFIER_WEBHOOK_URL"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DBPoolSize:           env.intOr("DB_POOL_SIZE", 10),
		MaxConcurrency:       env.intOr("MAX_CONCURRENCY", 20),
		CacheTTL:             env.secondsOr("CACHE_TTL_SECONDS", 3600),
		MaxRetries:           env.intOr("MAX_RETRIES", 3),
		RetryBackoff:         env.secondsOr("RETRY_BACKOFF_SECONDS", 1),
		SignedURLTTL:         env.secondsOr("SIGNED_URL_TTL_SECONDS", 7200),
		ProcessingTimeout:    env.secondsOr("PROCESSING_TIMEOUT_SECONDS", 3600),
		LLMTimeout:           env.secondsOr("LLM_TIMEOUT_SECONDS", 180),
		PollInterval:         env.secondsOr("POLL_INTERVAL_SECONDS", 5),
		HTTPPort:             getEnvOrDefault("HTTP_PORT", "8080"),
	}
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys and value shapes. It reports the first
// problem found; startup aborts on any of them.
func (c *Config) Validate() error {
	required := []struct {
		key, value string
	}{
		{"DATABASE_URL", c.DatabaseURL},
		{"NOTIFIER_WEBHOOK_URL", c.NotifierWebhookURL},
		{"RAW_BUCKET", c.RawBucket},
		{"HLS_BUCKET", c.HLSBucket},
		{"TRANSCRIPT_BUCKET", c.TranscriptBucket},
		{"GCP_PROJECT", c.GCPProject},
		{"GCP_REGION", c.GCPRegion},
		{"TRANSCODER_TEMPLATE_ID", c.TranscoderTemplateID},
		{"REPLICATE_API_TOKEN", c.ReplicateAPIToken},
		{"MODEL_NAME", c.ModelName},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("missing required environment variable %s", r.key)
		}
	}

	dbURL, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	if dbURL.Scheme != "postgres" && dbURL.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL must use a postgres scheme, got %q", dbURL.Scheme)
	}

	hookURL, err := url.Parse(c.NotifierWebhookURL)
	if err != nil {
		return fmt.Errorf("NOTIFIER_WEBHOOK_URL is not a valid URL: %w", err)
	}
	if hookURL.Scheme != "http" && hookURL.Scheme != "https" {
		return fmt.Errorf("NOTIFIER_WEBHOOK_URL must be http(s), got %q", hookURL.Scheme)
	}

	positive := []struct {
		key   string
		value int
	}{
		{"DB_POOL_SIZE", c.DBPoolSize},
		{"MAX_CONCURRENCY", c.MaxConcurrency},
		{"MAX_RETRIES", c.MaxRetries},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.key, p.value)
		}
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"CACHE_TTL_SECONDS", c.CacheTTL},
		{"RETRY_BACKOFF_SECONDS", c.RetryBackoff},
		{"SIGNED_URL_TTL_SECONDS", c.SignedURLTTL},
		{"PROCESSING_TIMEOUT_SECONDS", c.ProcessingTimeout},
		{"LLM_TIMEOUT_SECONDS", c.LLMTimeout},
		{"POLL_INTERVAL_SECONDS", c.PollInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.value)
		}
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader reads typed environment values, remembering the first parse
// failure so Load can abort startup instead of silently defaulting.
type envReader struct {
	err error
}

func (r *envReader) intOr(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s must be an integer, got %q", key, value)
		}
		return defaultValue
	}
	return n
}

func (r *envReader) secondsOr(key string, defaultSeconds int) time.Duration {
	return time.Duration(r.intOr(key, defaultSeconds)) * time.Second
}
