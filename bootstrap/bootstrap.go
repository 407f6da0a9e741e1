// Package bootstrap is the discovery engine: it walks a filesystem tree
// and records every reachable regular file into the manifest with size,
// modification time and a captured permission blob.
//
// A run holds an exclusive lock on the manifest for its duration; the
// ingestion engine takes the same lock, so the two can never write the
// manifest at once.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"github.com/arnweb/dfsrag/bootstrap/internal/acl"
	"github.com/arnweb/dfsrag/bootstrap/internal/batch"
	"github.com/arnweb/dfsrag/bootstrap/internal/walker"
	"github.com/arnweb/dfsrag/dbopen"
	"github.com/arnweb/dfsrag/manifest"
)

// Stats aggregates one discovery run; see the batch processor for the
// counter semantics.
type Stats = batch.Stats

// Runner orchestrates one discovery run.
type Runner struct {
	config   Config
	logger   *slog.Logger
	onRecord func(n int64)
}

// NewRunner validates the configuration and creates a Runner.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{config: cfg, logger: logger}, nil
}

// OnRecord registers a progress callback (record count so far) for
// terminal UIs. Must be called before Run.
func (r *Runner) OnRecord(fn func(n int64)) { r.onRecord = fn }

// Run executes the walk-and-persist pipeline and returns its stats.
func (r *Runner) Run(ctx context.Context) (*Stats, error) {
	lock := flock.New(r.config.DBPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("manifest lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("manifest %s is locked by another engine", r.config.DBPath)
	}
	defer lock.Unlock()

	db, err := dbopen.Open(r.config.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithCacheMB(r.config.SQLiteCacheMB),
		dbopen.WithMmap(256<<20))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer db.Close()

	store := manifest.NewStore(db)
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("init manifest schema: %w", err)
	}

	extractor, err := acl.New(r.config.ACLExtractor)
	if err != nil {
		return nil, err
	}

	r.logger.Info("bootstrap_started",
		"root", r.config.Root,
		"db_path", r.config.DBPath,
		"workers", r.config.Workers,
		"batch_size", r.config.BatchSize,
		"acl_extractor", extractor.Name())

	w := walker.New(extractor, walker.Config{
		FileTimeout: r.config.FileTimeout,
		MaxRetries:  r.config.MaxRetries,
		Workers:     r.config.Workers,
	}, r.logger)

	processor := batch.New(store, batch.Config{
		BatchSize:        r.config.BatchSize,
		ProgressInterval: r.config.ProgressInterval,
	}, r.logger)
	if r.onRecord != nil {
		processor.OnRecord(r.onRecord)
	}

	stream, err := w.Walk(ctx, r.config.Root)
	if err != nil {
		return nil, err
	}

	stats, err := processor.Run(ctx, stream)
	if err != nil {
		return stats, fmt.Errorf("bootstrap failed: %w", err)
	}

	r.logger.Info("bootstrap_completed",
		"total_discovered", stats.TotalDiscovered,
		"total_added", stats.TotalAdded,
		"acl_captured", stats.ACLCaptured,
		"permission_errors", stats.PermissionErrors,
		"duration", stats.Duration().String())
	return stats, nil
}
