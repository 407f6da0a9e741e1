// Package batch drains the walker's record stream into the manifest in
// bounded batches. Flushing happens on its own goroutine so the walker is
// never blocked on disk I/O; a flush failure is fatal to the run because
// silently dropping records would corrupt ingestion semantics.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/arnweb/dfsrag/manifest"
)

// Config tunes batching and progress reporting.
type Config struct {
	// BatchSize is the number of records per bulk upsert. Default: 500.
	BatchSize int
	// ProgressInterval emits a progress event every N records. Default: 10000.
	ProgressInterval int
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 10_000
	}
}

// Stats aggregates one bootstrap run.
type Stats struct {
	TotalDiscovered  int64     `json:"total_discovered"`
	TotalAdded       int64     `json:"total_added"`
	TotalSkipped     int64     `json:"total_skipped"`
	ACLCaptured      int64     `json:"acl_captured"`
	ACLFailed        int64     `json:"acl_failed"`
	PermissionErrors int64     `json:"permission_errors"`
	OtherErrors      int64     `json:"other_errors"`
	SkippedEntries   int64     `json:"skipped_entries"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
}

// Duration returns elapsed wall time of the run.
func (s *Stats) Duration() time.Duration {
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartTime)
}

// RecordsPerSecond returns the overall processing rate.
func (s *Stats) RecordsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.TotalDiscovered) / d
}

// Processor buffers records and flushes them to the store.
type Processor struct {
	store    *manifest.Store
	config   Config
	logger   *slog.Logger
	onRecord func(n int64) // optional progress hook for terminal UIs
}

// New creates a Processor.
func New(store *manifest.Store, cfg Config, logger *slog.Logger) *Processor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, config: cfg, logger: logger}
}

// OnRecord registers a callback invoked with the running record count.
// Used by the CLI to drive a progress bar; nil disables it.
func (p *Processor) OnRecord(fn func(n int64)) { p.onRecord = fn }

// Run consumes the stream until it closes, flushing full batches as it
// goes and a final partial batch at the end. Returns the run stats, or an
// error if any flush failed.
func (p *Processor) Run(ctx context.Context, stream <-chan manifest.Record) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	p.logger.Info("batch_processing_started",
		"batch_size", p.config.BatchSize,
		"progress_interval", p.config.ProgressInterval)

	// One flusher goroutine keeps upserts off the consuming loop. The
	// channel is unbuffered past one batch: if the disk cannot keep up,
	// backpressure reaches the walker through us. Flushes run on a
	// detached context so an interrupt still lands the buffered records
	// before the run exits.
	dbCtx := context.WithoutCancel(ctx)
	flushCh := make(chan []manifest.Record, 1)
	flushErr := make(chan error, 1)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for b := range flushCh {
			if err := p.flush(dbCtx, b, stats); err != nil {
				flushErr <- err
				return
			}
		}
	}()

	buf := make([]manifest.Record, 0, p.config.BatchSize)
	var runErr error

loop:
	for {
		select {
		case rec, open := <-stream:
			if !open {
				break loop
			}
			p.classify(rec, stats)
			buf = append(buf, rec)
			if len(buf) >= p.config.BatchSize {
				select {
				case flushCh <- buf:
					buf = make([]manifest.Record, 0, p.config.BatchSize)
				case err := <-flushErr:
					runErr = err
					break loop
				case <-ctx.Done():
					runErr = ctx.Err()
					break loop
				}
			}
			if stats.TotalDiscovered%int64(p.config.ProgressInterval) == 0 {
				p.reportProgress(stats)
			}
		case err := <-flushErr:
			runErr = err
			break loop
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		}
	}

	// Flush the partial buffer even on interrupt; only a flush failure
	// makes the records unrecoverable.
	if (runErr == nil || errors.Is(runErr, context.Canceled)) && len(buf) > 0 {
		select {
		case flushCh <- buf:
		case err := <-flushErr:
			runErr = err
		}
	}
	close(flushCh)
	<-flushDone
	if runErr == nil {
		// The flusher may have failed on the final batch.
		select {
		case runErr = <-flushErr:
		default:
		}
	}

	if runErr != nil {
		p.logger.Error("batch_processing_error",
			"error", runErr,
			"records_processed", stats.TotalDiscovered)
		return stats, runErr
	}
	return stats, nil
}

func (p *Processor) classify(rec manifest.Record, stats *Stats) {
	stats.TotalDiscovered++
	switch {
	case rec.Status == manifest.StatusPermissionDenied:
		stats.PermissionErrors++
	case rec.Status == manifest.StatusError:
		stats.OtherErrors++
	case rec.Status == manifest.StatusSkipped:
		stats.SkippedEntries++
	case rec.ACLCaptured:
		stats.ACLCaptured++
	default:
		stats.ACLFailed++
	}
	if p.onRecord != nil {
		p.onRecord(stats.TotalDiscovered)
	}
}

// flush writes one batch. Permission-denied records go through the
// dedicated upsert so re-observations bump retry_count; everything else is
// bulk-upserted in one transaction.
func (p *Processor) flush(ctx context.Context, records []manifest.Record, stats *Stats) error {
	var bulk []manifest.Record
	for _, rec := range records {
		if rec.Status == manifest.StatusPermissionDenied {
			errMsg := ""
			if rec.Error != nil {
				errMsg = *rec.Error
			}
			if err := p.store.RecordPermissionError(ctx, rec.FilePath, rec.FileName, rec.ParentDir,
				rec.IsDirectory, rec.Status, errMsg); err != nil {
				return p.flushFailure(len(records), err)
			}
			continue
		}
		bulk = append(bulk, rec)
	}

	inserted, skipped, err := p.store.BulkUpsert(ctx, bulk)
	if err != nil {
		return p.flushFailure(len(records), err)
	}
	stats.TotalAdded += int64(inserted)
	stats.TotalSkipped += int64(skipped)

	p.logger.Debug("batch_flushed",
		"batch_size", len(records),
		"inserted", inserted,
		"skipped", skipped)
	return nil
}

func (p *Processor) flushFailure(size int, err error) error {
	p.logger.Error("batch_flush_error",
		"batch_size", size,
		"error", err,
		"likely_cause", "database write failure, disk full or locked",
		"developer_action", "check disk space, DB permissions and file locks")
	return fmt.Errorf("batch flush: %w", err)
}

func (p *Processor) reportProgress(stats *Stats) {
	p.logger.Info("progress_report",
		"total_discovered", stats.TotalDiscovered,
		"total_added", stats.TotalAdded,
		"total_skipped", stats.TotalSkipped,
		"permission_errors", stats.PermissionErrors,
		"acl_captured", stats.ACLCaptured,
		"acl_failed", stats.ACLFailed,
		"elapsed", stats.Duration().Round(time.Second).String(),
		"rate", fmt.Sprintf("%s records/s", humanize.CommafWithDigits(stats.RecordsPerSecond(), 1)))
}
