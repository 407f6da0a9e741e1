package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofrs/flock"

	"github.com/arnweb/dfsrag/dbopen"
	"github.com/arnweb/dfsrag/ingest/internal/checkpoint"
	"github.com/arnweb/dfsrag/ingest/internal/client"
)

// ClearCheckpoint removes the checkpoint file at path. Checkpoints are
// never deleted automatically, even after a clean run; this is the
// explicit operator action.
func ClearCheckpoint(path string, logger *slog.Logger) error {
	return checkpoint.NewStore(path, logger).Delete()
}

// Runner wires the repository, upload client, checkpoint store and
// processor for one ingestion run.
type Runner struct {
	config  Config
	logger  *slog.Logger
	onBatch func(batchNum, processed int)
}

// NewRunner validates the configuration and creates a Runner.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingestion config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{config: cfg, logger: logger}, nil
}

// OnBatch registers a progress callback for terminal UIs. Must be called
// before Run.
func (r *Runner) OnBatch(fn func(batchNum, processed int)) { r.onBatch = fn }

// Run executes one ingestion pass and returns its stats.
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

	db, err := dbopen.Open(r.config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer db.Close()
	repo := NewRepository(db)

	cl, err := client.New(client.Config{
		BaseURL:        r.config.BaseURL(),
		ProxyURL:       r.config.ProxyURL,
		RequestTimeout: r.config.RequestTimeout,
		PollTimeout:    r.config.PollTimeout,
		FilesFieldName: r.config.FilesFieldName,
	}, r.logger)
	if err != nil {
		return nil, err
	}

	ckpt := checkpoint.NewStore(r.config.CheckpointFile, r.logger)
	offset, batchNum := 0, 0
	if r.config.Resume {
		cp, err := ckpt.Load()
		if err != nil {
			return nil, err
		}
		if cp != nil {
			offset, batchNum = cp.Offset, cp.BatchNum
		}
	}

	if r.config.CreateCollection {
		if err := r.createCollection(ctx, cl); err != nil {
			return nil, err
		}
	}

	processor := NewProcessor(repo, cl, ckpt, r.config, r.logger)
	if r.onBatch != nil {
		processor.OnBatch(r.onBatch)
	}

	if r.config.SkipExisting {
		existing, err := cl.ListDocuments(ctx, r.config.CollectionName)
		if err != nil {
			return nil, fmt.Errorf("list existing documents: %w", err)
		}
		r.logger.Info("existing_documents_listed", "count", len(existing))
		processor.SetExistingDocs(existing)
	}

	stats, err := processor.Run(ctx, offset, batchNum)
	if err != nil {
		return stats, err
	}

	if r.config.DeleteCollection {
		if err := cl.DeleteCollections(ctx, []string{r.config.CollectionName}); err != nil {
			r.logger.Warn("delete_collection_failed", "error", err)
		}
	}
	return stats, nil
}

// createCollection treats "already exists" as a warning: idempotency is
// the server's concern, a duplicate create must not kill a resume.
func (r *Runner) createCollection(ctx context.Context, cl *client.Client) error {
	err := cl.CreateCollection(ctx, r.config.CollectionName, r.config.EmbeddingDimension, nil)
	if err == nil {
		return nil
	}
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) && strings.Contains(strings.ToLower(statusErr.Body), "exist") {
		r.logger.Warn("collection_already_exists", "collection", r.config.CollectionName)
		return nil
	}
	return fmt.Errorf("create collection: %w", err)
}
