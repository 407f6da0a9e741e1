// Package walker streams file records out of a directory tree.
//
// The traversal itself is depth-first and single-threaded; per-file stat
// and ACL work runs on a bounded worker pool so one hung network call
// cannot stall the tree. Records are delivered on a bounded channel, so
// backpressure from the batch processor propagates naturally.
//
// Failure policy: no single file aborts the walk. Directory reads are
// retried with exponential backoff and skipped on exhaustion; directory
// failures are never attributed to individual files.
package walker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arnweb/dfsrag/bootstrap/internal/acl"
	"github.com/arnweb/dfsrag/manifest"
)

// Config tunes the walk.
type Config struct {
	// FileTimeout bounds each per-file stat and ACL extraction. Default: 5m.
	FileTimeout time.Duration
	// MaxRetries is the number of attempts for a failing directory read.
	// Default: 3.
	MaxRetries int
	// Workers bounds in-flight per-file tasks. Default: 8.
	Workers int
	// Buffer is the record channel capacity. Default: 2 × Workers.
	Buffer int
}

func (c *Config) defaults() {
	if c.FileTimeout <= 0 {
		c.FileTimeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Buffer <= 0 {
		c.Buffer = 2 * c.Workers
	}
}

// Walker produces manifest records from a filesystem tree.
type Walker struct {
	extractor acl.Extractor
	config    Config
	logger    *slog.Logger
}

// New creates a Walker.
func New(extractor acl.Extractor, cfg Config, logger *slog.Logger) *Walker {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{extractor: extractor, config: cfg, logger: logger}
}

// Walk resolves root and returns a channel of records. The channel closes
// when the tree is exhausted or ctx is cancelled. A root that does not
// exist or cannot be read returns an error up front and no channel — the
// caller treats that as fatal before any work starts.
func (w *Walker) Walk(ctx context.Context, root string) (<-chan manifest.Record, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Error("root_path_not_found", "path", abs)
			return nil, fmt.Errorf("root path does not exist: %s", abs)
		}
		return nil, fmt.Errorf("resolve root %s: %w", abs, err)
	}

	if _, err := os.ReadDir(canonical); err != nil {
		w.logger.Error("root_permission_denied",
			"path", canonical,
			"error", err,
			"likely_cause", "service account lacks read permissions on root",
			"developer_action", "check share ACLs and mount options for the service account")
		return nil, fmt.Errorf("root directory not readable: %w", err)
	}

	out := make(chan manifest.Record, w.config.Buffer)
	sem := make(chan struct{}, w.config.Workers)
	var wg sync.WaitGroup

	go func() {
		defer close(out)
		w.walkDir(ctx, canonical, out, sem, &wg)
		wg.Wait()
	}()
	return out, nil
}

// walkDir enumerates one directory and recurses depth-first. File work is
// handed to the pool; directory recursion stays on this goroutine so
// parents are always visited before their children.
func (w *Walker) walkDir(ctx context.Context, dir string, out chan<- manifest.Record, sem chan struct{}, wg *sync.WaitGroup) {
	if ctx.Err() != nil {
		return
	}

	entries, ok := w.scanDir(ctx, dir)
	if !ok {
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(dir, entry.Name())

		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			w.logger.Info("symlink_skipped", "path", path, "reason", "prevent cycles")
			w.emit(ctx, out, skippedRecord(path, entry.Name(), dir, "symlink skipped to prevent cycles"))

		case entry.IsDir():
			w.walkDir(ctx, path, out, sem, wg)

		case entry.Type().IsRegular():
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(path, name, parent string) {
				defer wg.Done()
				defer func() { <-sem }()
				w.emit(ctx, out, w.processFile(ctx, path, name, parent))
			}(path, entry.Name(), dir)

		default:
			w.logger.Debug("unknown_entry_type", "path", path, "type", entry.Type().String())
			w.emit(ctx, out, skippedRecord(path, entry.Name(), dir, "unknown entry type"))
		}
	}
}

// scanDir reads a directory with retry and exponential backoff. On final
// failure it logs and reports !ok; the subtree is skipped without emitting
// any record.
func (w *Walker) scanDir(ctx context.Context, dir string) ([]os.DirEntry, bool) {
	for attempt := 0; attempt < w.config.MaxRetries; attempt++ {
		entries, err := os.ReadDir(dir)
		if err == nil {
			return entries, true
		}

		event := "directory_access_error"
		cause := "share mount may be unstable"
		action := "check network connectivity and mount status"
		if errors.Is(err, os.ErrPermission) {
			event = "directory_permission_denied"
			cause = "service account lacks read permissions"
			action = "check share ACLs and mount options for the service account"
		}
		w.logger.Warn(event,
			"path", dir,
			"attempt", attempt+1,
			"max_retries", w.config.MaxRetries,
			"error", err,
			"likely_cause", cause,
			"developer_action", action)

		if attempt == w.config.MaxRetries-1 {
			w.logger.Error("directory_scan_failed",
				"path", dir,
				"retries", w.config.MaxRetries,
				"error", err)
			return nil, false
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
	}
	return nil, false
}

// processFile stats one regular file and captures its ACL, both bounded by
// the per-file timeout. Every outcome is a record; the mapping is:
// stat timeout → error, stat permission/OS failure → permission_denied,
// ACL captured → discovered, ACL not captured → acl_failed.
func (w *Walker) processFile(ctx context.Context, path, name, parent string) manifest.Record {
	rec := manifest.Record{
		FilePath:  path,
		FileName:  name,
		ParentDir: parent,
	}

	fi, err := lstatWithTimeout(ctx, path, w.config.FileTimeout)
	if err != nil {
		if errors.Is(err, errStatTimeout) {
			w.logger.Warn("stat_timeout",
				"path", path,
				"timeout", w.config.FileTimeout.String(),
				"likely_cause", "file operation hung",
				"developer_action", "check share health and network stability")
			rec.Status = manifest.StatusError
			msg := fmt.Sprintf("stat timeout after %s", w.config.FileTimeout)
			rec.Error = &msg
			return rec
		}
		w.logger.Warn("entry_permission_denied",
			"path", path,
			"error", err,
			"likely_cause", "file locked or ACL prevents read",
			"developer_action", "check file permissions and ensure the file is not locked")
		rec.Status = manifest.StatusPermissionDenied
		msg := err.Error()
		rec.Error = &msg
		return rec
	}

	size := fi.Size()
	mtime := fi.ModTime().Unix()
	rec.Size = &size
	rec.Mtime = &mtime

	aclResult := w.extractor.Extract(ctx, path, w.config.FileTimeout)
	rec.ACLCaptured = aclResult.Captured
	rec.RawACL = aclResult.RawACL
	if aclResult.Captured {
		rec.Status = manifest.StatusDiscovered
	} else {
		rec.Status = manifest.StatusACLFailed
		if aclResult.Error != "" {
			msg := aclResult.Error
			rec.Error = &msg
		}
	}
	return rec
}

func (w *Walker) emit(ctx context.Context, out chan<- manifest.Record, rec manifest.Record) {
	select {
	case out <- rec:
	case <-ctx.Done():
	}
}

func skippedRecord(path, name, parent, reason string) manifest.Record {
	return manifest.Record{
		FilePath:  path,
		FileName:  name,
		ParentDir: parent,
		Status:    manifest.StatusSkipped,
		Error:     &reason,
	}
}

var errStatTimeout = errors.New("stat timeout")

// lstatWithTimeout runs os.Lstat on a helper goroutine so hung network
// stats cannot stall the worker past the deadline.
func lstatWithTimeout(ctx context.Context, path string, timeout time.Duration) (os.FileInfo, error) {
	type statResult struct {
		fi  os.FileInfo
		err error
	}
	done := make(chan statResult, 1)
	go func() {
		fi, err := os.Lstat(path)
		done <- statResult{fi, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.fi, r.err
	case <-timer.C:
		return nil, errStatTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
