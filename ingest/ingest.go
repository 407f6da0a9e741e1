// Package ingest is the upload engine: it drains manifest rows whose
// discovery succeeded, sends their files to the document service in
// batches, polls task completion, and writes per-row outcomes back.
//
// The run is resumable: the (offset, batch) cursor is checkpointed to
// disk, uploads are at-least-once, and dedup is enforced by the server's
// document list plus the completed status in the manifest.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arnweb/dfsrag/ingest/internal/checkpoint"
	"github.com/arnweb/dfsrag/ingest/internal/client"
	"github.com/arnweb/dfsrag/manifest"
)

// Stats aggregates one ingestion run.
type Stats struct {
	TotalProcessed int       `json:"total_processed"`
	TotalCompleted int       `json:"total_completed"`
	TotalFailed    int       `json:"total_failed"`
	TotalSkipped   int       `json:"total_skipped"`
	BatchCount     int       `json:"batch_count"`
	StartTime      time.Time `json:"start_time"`
}

// Duration returns elapsed wall time.
func (s *Stats) Duration() time.Duration { return time.Since(s.StartTime) }

// SuccessRate returns completed / (completed + failed) as a percentage.
func (s *Stats) SuccessRate() float64 {
	total := s.TotalCompleted + s.TotalFailed
	if total == 0 {
		return 0
	}
	return float64(s.TotalCompleted) / float64(total) * 100
}

// Uploader is the client surface the processor needs; *client.Client
// satisfies it, tests substitute fakes.
type Uploader interface {
	UploadDocuments(ctx context.Context, files []string, payload client.UploadPayload) (*client.UploadResponse, error)
	PollTask(ctx context.Context, taskID string) (map[string]any, error)
}

// Processor drives the batched upload state machine.
type Processor struct {
	repo         *Repository
	uploader     Uploader
	checkpoints  *checkpoint.Store
	config       Config
	logger       *slog.Logger
	existingDocs map[string]struct{}
	stats        Stats
	onBatch      func(batchNum, processed int)
}

// NewProcessor creates a Processor. The server-side dedup set starts
// empty (no pre-filter); install it with SetExistingDocs.
func NewProcessor(repo *Repository, uploader Uploader, ckpt *checkpoint.Store, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:         repo,
		uploader:     uploader,
		checkpoints:  ckpt,
		config:       cfg,
		logger:       logger,
		existingDocs: map[string]struct{}{},
	}
}

// SetExistingDocs installs the server-side document name set used to skip
// already-ingested files.
func (p *Processor) SetExistingDocs(docs map[string]struct{}) {
	if docs == nil {
		docs = map[string]struct{}{}
	}
	p.existingDocs = docs
}

// OnBatch registers a progress callback for terminal UIs.
func (p *Processor) OnBatch(fn func(batchNum, processed int)) { p.onBatch = fn }

// Run executes the outer loop from (offset, batchNum) until the pending
// query drains. A final checkpoint is written on every exit from the batch
// loop so --resume after success is a no-op; on cancellation the
// checkpoint reflects the last finished batch.
func (p *Processor) Run(ctx context.Context, offset, batchNum int) (*Stats, error) {
	p.stats = Stats{StartTime: time.Now()}

	if reset, err := p.repo.ResetStaleIngesting(ctx); err != nil {
		return &p.stats, err
	} else if reset > 0 {
		p.logger.Warn("stale_ingesting_reset", "rows", reset)
	}

	p.logger.Info("ingestion_started",
		"offset", offset,
		"batch_num", batchNum,
		"batch_size", p.config.BatchSize,
		"checkpoint_interval", p.config.CheckpointInterval,
		"existing_docs", len(p.existingDocs))

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		files, err := p.repo.FetchPending(ctx, p.config.BatchSize, offset)
		if err != nil {
			runErr = err
			break
		}
		if len(files) == 0 {
			p.logger.Info("ingestion_drained", "total_processed", p.stats.TotalProcessed)
			break
		}

		batchNum++
		p.stats.BatchCount++

		completed, failed := p.processBatch(ctx, files, batchNum)
		p.stats.TotalCompleted += completed
		p.stats.TotalFailed += failed
		p.stats.TotalProcessed += len(files)
		offset += len(files)

		if p.onBatch != nil {
			p.onBatch(batchNum, p.stats.TotalProcessed)
		}

		if batchNum%p.config.CheckpointInterval == 0 {
			if err := p.saveCheckpoint(offset, batchNum); err != nil {
				runErr = err
				break
			}
			p.logger.Info("checkpoint_saved",
				"offset", offset,
				"batch_num", batchNum,
				"processed", p.stats.TotalProcessed,
				"failed", p.stats.TotalFailed,
				"skipped", p.stats.TotalSkipped,
				"success_rate", fmt.Sprintf("%.1f%%", p.stats.SuccessRate()))
		}

		if p.config.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				runErr = ctx.Err()
			case <-time.After(p.config.BatchDelay):
			}
			if runErr != nil {
				break
			}
		}

		if failed > 0 && !p.config.ContinueOnError {
			p.logger.Error("ingestion_stopped_on_error", "batch_num", batchNum)
			runErr = fmt.Errorf("batch %d failed and continue-on-error is disabled", batchNum)
			break
		}
	}

	if err := p.saveCheckpoint(offset, batchNum); err != nil && runErr == nil {
		runErr = err
	}
	return &p.stats, runErr
}

// processBatch pushes one batch through skip → existence check → upload →
// poll → write-back. Returns (completed, failed) row counts.
func (p *Processor) processBatch(ctx context.Context, files []manifest.Record, batchNum int) (completed, failed int) {
	log := p.logger.With("batch_num", batchNum)
	log.Info("processing_batch", "files", len(files))

	var survivors []manifest.Record
	for _, rec := range files {
		if _, exists := p.existingDocs[rec.FileName]; exists {
			log.Debug("skipping_already_ingested", "file", rec.FileName)
			p.markRow(ctx, rec.FilePath, manifest.IngestCompleted, nil)
			p.stats.TotalSkipped++
			completed++
			continue
		}
		survivors = append(survivors, rec)
	}
	if len(survivors) == 0 {
		log.Info("batch_all_skipped")
		return completed, failed
	}

	for _, rec := range survivors {
		p.markRow(ctx, rec.FilePath, manifest.IngestIngesting, nil)
	}

	var present []manifest.Record
	for _, rec := range survivors {
		if !p.repo.FileExists(rec.FilePath) {
			log.Warn("file_not_found", "path", rec.FilePath)
			msg := "File not found on disk"
			p.markRow(ctx, rec.FilePath, manifest.IngestFailed, &msg)
			failed++
			continue
		}
		present = append(present, rec)
	}
	if len(present) == 0 {
		log.Warn("batch_no_existing_files")
		return completed, failed
	}

	payload := p.buildPayload(present)
	paths := make([]string, len(present))
	for i, rec := range present {
		paths[i] = rec.FilePath
	}

	err := p.uploadAndWait(ctx, paths, payload, log)
	if err != nil {
		log.Error("batch_failed", "error", err)
		msg := err.Error()
		for _, rec := range present {
			p.markRow(ctx, rec.FilePath, manifest.IngestFailed, &msg)
		}
		return completed, failed + len(present)
	}

	for _, rec := range present {
		p.markRow(ctx, rec.FilePath, manifest.IngestCompleted, nil)
	}
	log.Info("batch_completed", "uploaded", len(present))
	return completed + len(present), failed
}

// uploadAndWait runs the retry loop around one upload and, when the
// response carries a task id, polls it to a terminal state.
func (p *Processor) uploadAndWait(ctx context.Context, paths []string, payload client.UploadPayload, log *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		resp, err := p.uploader.UploadDocuments(ctx, paths, payload)
		if err == nil {
			if resp.TaskID == "" {
				return nil
			}
			if _, err := p.uploader.PollTask(ctx, resp.TaskID); err != nil {
				// A FAILED/UNKNOWN task or a poll timeout is not fixed by
				// re-uploading the same batch; surface it to the caller.
				return err
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		log.Warn("upload_attempt_failed",
			"attempt", attempt+1,
			"max_retries", p.config.MaxRetries,
			"error", err)
		if attempt < p.config.MaxRetries-1 {
			backoff := p.config.RetryDelay * time.Duration(1<<uint(attempt))
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("upload failed after %d attempts: %w", p.config.MaxRetries, lastErr)
}

// buildPayload assembles per-file custom metadata from the captured ACL
// blobs, positionally aligned with the file parts. A blob that parses as a
// JSON object is forwarded as-is; any other blob is wrapped as {"acl": ...};
// no blob means empty metadata.
func (p *Processor) buildPayload(files []manifest.Record) client.UploadPayload {
	metadata := make([]map[string]any, len(files))
	for i, rec := range files {
		metadata[i] = aclMetadata(rec.RawACL)
	}
	return client.UploadPayload{
		CollectionName: p.config.CollectionName,
		Blocking:       p.config.Blocking,
		SplitOptions: client.SplitOptions{
			ChunkSize:    p.config.SplitChunkSize,
			ChunkOverlap: p.config.SplitChunkOverlap,
		},
		CustomMetadata:  metadata,
		GenerateSummary: p.config.GenerateSummary,
	}
}

func aclMetadata(rawACL *string) map[string]any {
	if rawACL == nil || *rawACL == "" {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal([]byte(*rawACL), &decoded); err != nil {
		return map[string]any{"acl": *rawACL}
	}
	if obj, ok := decoded.(map[string]any); ok {
		return obj
	}
	return map[string]any{"acl": *rawACL}
}

// markRow writes one status transition. It runs on a detached context so
// a cancelled run still drains its in-flight rows to a terminal status.
func (p *Processor) markRow(ctx context.Context, path, status string, errMsg *string) {
	ctx = context.WithoutCancel(ctx)
	if err := p.repo.UpdateIngestion(ctx, path, status, errMsg); err != nil {
		p.logger.Error("ingestion_status_update_failed",
			"path", path, "status", status, "error", err)
	}
}

func (p *Processor) saveCheckpoint(offset, batchNum int) error {
	return p.checkpoints.Save(checkpoint.Checkpoint{
		Offset:         offset,
		BatchNum:       batchNum,
		TotalProcessed: p.stats.TotalProcessed,
		TotalFailed:    p.stats.TotalFailed,
	})
}
