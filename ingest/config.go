package ingest

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config configures one ingestion run. Construct with Default(), layer
// FromEnv() and CLI flags on top, then Validate().
type Config struct {
	// DBPath is the manifest database written by bootstrap.
	DBPath string
	// CheckpointFile holds the resumable cursor.
	CheckpointFile string

	// IngestorHost and IngestorPort locate the document service.
	IngestorHost string
	IngestorPort int
	// CollectionName is the target collection.
	CollectionName string
	// EmbeddingDimension used when creating the collection.
	EmbeddingDimension int

	// BatchSize is files per upload batch (1–1000).
	BatchSize int
	// CheckpointInterval saves the checkpoint every N batches.
	CheckpointInterval int
	// BatchDelay pauses between batches. Zero disables.
	BatchDelay time.Duration

	// MaxRetries per upload (1–10); backoff is RetryDelay × 2^attempt.
	MaxRetries int
	RetryDelay time.Duration

	// PollTimeout caps one task's total wait (60s–24h).
	PollTimeout time.Duration
	// RequestTimeout bounds the upload HTTP request (30s–30m).
	RequestTimeout time.Duration

	// SplitChunkSize / SplitChunkOverlap are server-side chunking options.
	SplitChunkSize    int
	SplitChunkOverlap int
	// GenerateSummary asks the server for per-document summaries.
	GenerateSummary bool
	// Blocking asks the server to process synchronously.
	Blocking bool

	// SkipExisting pre-filters against the server's document list.
	SkipExisting bool
	// CreateCollection creates the collection before uploading.
	CreateCollection bool
	// DeleteCollection removes the collection after the run (testing).
	DeleteCollection bool
	// Resume starts from the stored checkpoint.
	Resume bool
	// ContinueOnError keeps going after a failed batch.
	ContinueOnError bool

	// ProxyURL routes requests through an HTTP proxy when set.
	ProxyURL string
	// FilesFieldName selects the multipart dialect ("documents" default).
	FilesFieldName string
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DBPath:             "./manifest.db",
		CheckpointFile:     "./ingestion_checkpoint.json",
		IngestorHost:       "localhost",
		IngestorPort:       8082,
		CollectionName:     "documents",
		EmbeddingDimension: 2048,
		BatchSize:          100,
		CheckpointInterval: 10,
		MaxRetries:         3,
		RetryDelay:         time.Second,
		PollTimeout:        time.Hour,
		RequestTimeout:     5 * time.Minute,
		SplitChunkSize:     512,
		SplitChunkOverlap:  150,
		GenerateSummary:    true,
		SkipExisting:       true,
		CreateCollection:   true,
		ContinueOnError:    true,
		FilesFieldName:     "documents",
	}
}

// BaseURL returns the document service endpoint.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.IngestorHost, c.IngestorPort)
}

// FromEnv overlays INGESTION_* environment variables. CLI flags applied
// afterwards take precedence.
func (c *Config) FromEnv() {
	envString("INGESTION_DB_PATH", &c.DBPath)
	envString("INGESTION_CHECKPOINT_FILE", &c.CheckpointFile)
	envString("INGESTION_INGESTOR_HOST", &c.IngestorHost)
	envInt("INGESTION_INGESTOR_PORT", &c.IngestorPort)
	envString("INGESTION_COLLECTION_NAME", &c.CollectionName)
	envInt("INGESTION_EMBEDDING_DIMENSION", &c.EmbeddingDimension)
	envInt("INGESTION_BATCH_SIZE", &c.BatchSize)
	envInt("INGESTION_CHECKPOINT_INTERVAL", &c.CheckpointInterval)
	envInt("INGESTION_SPLIT_CHUNK_SIZE", &c.SplitChunkSize)
	envInt("INGESTION_SPLIT_CHUNK_OVERLAP", &c.SplitChunkOverlap)
	envInt("INGESTION_MAX_RETRIES", &c.MaxRetries)
	envString("INGESTION_PROXY_URL", &c.ProxyURL)
	envBool("INGESTION_SKIP_EXISTING", &c.SkipExisting)
	envBool("INGESTION_CONTINUE_ON_ERROR", &c.ContinueOnError)
	envBool("INGESTION_GENERATE_SUMMARY", &c.GenerateSummary)
	envSeconds("INGESTION_POLL_TIMEOUT", &c.PollTimeout)
	envSeconds("INGESTION_REQUEST_TIMEOUT", &c.RequestTimeout)
	envSeconds("INGESTION_RETRY_DELAY", &c.RetryDelay)
	envSeconds("INGESTION_BATCH_DELAY", &c.BatchDelay)
}

// Validate rejects out-of-range knobs before any work starts.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.CollectionName == "" {
		return fmt.Errorf("collection name is required")
	}
	if c.IngestorHost == "" {
		return fmt.Errorf("ingestor host is required")
	}
	if c.IngestorPort < 1 || c.IngestorPort > 65535 {
		return fmt.Errorf("ingestor port must be 1–65535, got %d", c.IngestorPort)
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		return fmt.Errorf("batch size must be 1–1000, got %d", c.BatchSize)
	}
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("checkpoint interval must be positive, got %d", c.CheckpointInterval)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("max retries must be 1–10, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 100*time.Millisecond {
		return fmt.Errorf("retry delay must be at least 100ms, got %s", c.RetryDelay)
	}
	if c.PollTimeout < time.Minute || c.PollTimeout > 24*time.Hour {
		return fmt.Errorf("poll timeout must be 1m–24h, got %s", c.PollTimeout)
	}
	if c.RequestTimeout < 30*time.Second || c.RequestTimeout > 30*time.Minute {
		return fmt.Errorf("request timeout must be 30s–30m, got %s", c.RequestTimeout)
	}
	return nil
}

func envString(key string, dest *string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func envInt(key string, dest *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dest = n
		}
	}
}

func envBool(key string, dest *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dest = b
		}
	}
}

func envSeconds(key string, dest *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dest = time.Duration(n) * time.Second
		}
	}
}
