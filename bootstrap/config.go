package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/arnweb/dfsrag/bootstrap/internal/acl"
)

// Config configures one discovery run. Construct with Default(), layer
// FromEnv() and CLI flags on top, then Validate().
type Config struct {
	// Root is the tree to scan. Required.
	Root string
	// DBPath is the manifest database file.
	DBPath string
	// Workers bounds concurrent per-file stat/ACL tasks (1–32).
	Workers int
	// BatchSize is records per bulk upsert (100–5000).
	BatchSize int
	// FileTimeout bounds each per-file operation (1–30 minutes).
	FileTimeout time.Duration
	// MaxRetries for transient directory read errors (1–10).
	MaxRetries int
	// ProgressInterval emits a progress event every N records.
	ProgressInterval int
	// SQLiteCacheMB is the page cache size (16–512).
	SQLiteCacheMB int
	// ACLExtractor selects the capture strategy: getfacl, stat, or noop.
	ACLExtractor string
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DBPath:           "./manifest.db",
		Workers:          8,
		BatchSize:        500,
		FileTimeout:      5 * time.Minute,
		MaxRetries:       3,
		ProgressInterval: 10_000,
		SQLiteCacheMB:    64,
		ACLExtractor:     acl.KindGetfacl,
	}
}

// FromEnv overlays BOOTSTRAP_* environment variables. CLI flags applied
// afterwards take precedence.
func (c *Config) FromEnv() {
	envString("BOOTSTRAP_ROOT", &c.Root)
	envString("BOOTSTRAP_DB_PATH", &c.DBPath)
	envInt("BOOTSTRAP_WORKERS", &c.Workers)
	envInt("BOOTSTRAP_BATCH_SIZE", &c.BatchSize)
	envInt("BOOTSTRAP_MAX_RETRIES", &c.MaxRetries)
	envInt("BOOTSTRAP_PROGRESS_INTERVAL", &c.ProgressInterval)
	envInt("BOOTSTRAP_SQLITE_CACHE_MB", &c.SQLiteCacheMB)
	envString("BOOTSTRAP_ACL_EXTRACTOR", &c.ACLExtractor)
	if v := os.Getenv("BOOTSTRAP_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FileTimeout = time.Duration(n) * time.Minute
		}
	}
}

// Validate rejects out-of-range knobs before any work starts.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root path is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Workers < 1 || c.Workers > 32 {
		return fmt.Errorf("workers must be 1–32, got %d", c.Workers)
	}
	if c.BatchSize < 100 || c.BatchSize > 5000 {
		return fmt.Errorf("batch size must be 100–5000, got %d", c.BatchSize)
	}
	if c.FileTimeout < time.Minute || c.FileTimeout > 30*time.Minute {
		return fmt.Errorf("file timeout must be 1–30 minutes, got %s", c.FileTimeout)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("max retries must be 1–10, got %d", c.MaxRetries)
	}
	if c.ProgressInterval < 1 {
		return fmt.Errorf("progress interval must be positive, got %d", c.ProgressInterval)
	}
	if c.SQLiteCacheMB < 16 || c.SQLiteCacheMB > 512 {
		return fmt.Errorf("sqlite cache must be 16–512 MB, got %d", c.SQLiteCacheMB)
	}
	if _, err := acl.New(c.ACLExtractor); err != nil {
		return err
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
