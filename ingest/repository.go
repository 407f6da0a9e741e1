package ingest

import (
	"context"
	"database/sql"
	"os"

	"github.com/arnweb/dfsrag/manifest"
)

// Repository is the uploader's narrow view over the manifest: the pending
// query, ingestion status transitions, stats, and a local-disk existence
// check. It never touches discovery fields.
type Repository struct {
	store *manifest.Store
}

// NewRepository wraps an open manifest database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{store: manifest.NewStore(db)}
}

// FetchPending returns the next batch of ingestion-eligible rows ordered
// by path, so (batchSize, offset) is a stable cursor.
func (r *Repository) FetchPending(ctx context.Context, batchSize, offset int) ([]manifest.Record, error) {
	return r.store.FetchPending(ctx, batchSize, offset)
}

// UpdateIngestion records one row's transition.
func (r *Repository) UpdateIngestion(ctx context.Context, path, status string, errMsg *string) error {
	return r.store.UpdateIngestion(ctx, path, status, errMsg)
}

// ResetStaleIngesting returns crash-orphaned "ingesting" rows to pending.
func (r *Repository) ResetStaleIngesting(ctx context.Context) (int64, error) {
	return r.store.ResetStaleIngesting(ctx)
}

// Stats returns the ingestion counters.
func (r *Repository) Stats(ctx context.Context) (*manifest.IngestionStats, error) {
	return r.store.IngestionStats(ctx)
}

// FileExists checks the local filesystem, not the manifest: rows whose
// files vanished between discovery and upload are failed, not uploaded.
func (r *Repository) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
