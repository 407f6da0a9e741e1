// Command ingest drains the manifest into the document service: it
// uploads discovered files in batches, polls task completion, and records
// per-file outcomes. The run is resumable via --resume.
//
// Exit codes: 0 success, 1 fatal error, 130 user interrupt.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/arnweb/dfsrag/ingest"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := ingest.Default()
	cfg.FromEnv()

	flags := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	flags.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "manifest database file")
	flags.StringVar(&cfg.CheckpointFile, "checkpoint-file", cfg.CheckpointFile, "checkpoint file path")
	flags.StringVar(&cfg.CollectionName, "collection-name", cfg.CollectionName, "target collection")
	flags.StringVar(&cfg.IngestorHost, "ingestor-host", cfg.IngestorHost, "document service host")
	flags.IntVar(&cfg.IngestorPort, "ingestor-port", cfg.IngestorPort, "document service port")
	flags.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "files per upload batch (1-1000)")
	flags.IntVar(&cfg.CheckpointInterval, "checkpoint-interval", cfg.CheckpointInterval, "save checkpoint every N batches")
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "upload retries per batch (1-10)")
	flags.BoolVar(&cfg.CreateCollection, "create-collection", cfg.CreateCollection, "create the collection before uploading")
	flags.BoolVar(&cfg.DeleteCollection, "delete-collection", cfg.DeleteCollection, "delete the collection after the run")
	flags.BoolVar(&cfg.Resume, "resume", cfg.Resume, "resume from the stored checkpoint")
	flags.BoolVar(&cfg.ContinueOnError, "continue-on-error", cfg.ContinueOnError, "keep going after a failed batch")
	flags.BoolVar(&cfg.SkipExisting, "skip-existing", cfg.SkipExisting, "skip files the server already holds")
	flags.StringVar(&cfg.ProxyURL, "proxy", cfg.ProxyURL, "HTTP proxy URL")
	flags.StringVar(&cfg.FilesFieldName, "files-field", cfg.FilesFieldName, "multipart field name: documents or files")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "", "log format: console or json (default: console on tty)")
	clearCheckpoint := flags.Bool("clear-checkpoint", false, "delete the checkpoint file and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	logger := newLogger(*logLevel, *logFormat)
	slog.SetDefault(logger)

	if *clearCheckpoint {
		if err := ingest.ClearCheckpoint(cfg.CheckpointFile, logger); err != nil {
			logger.Error("clear_checkpoint_failed", "error", err)
			return 1
		}
		logger.Info("checkpoint_cleared", "path", cfg.CheckpointFile)
		return 0
	}

	runner, err := ingest.NewRunner(cfg, logger)
	if err != nil {
		logger.Error("configuration_invalid", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("ingesting"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionShowCount())
		runner.OnBatch(func(batchNum, processed int) {
			bar.Describe(fmt.Sprintf("ingesting (batch %d)", batchNum))
			bar.Set(processed)
		})
	}

	stats, err := runner.Run(ctx)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		if ctx.Err() != nil {
			// The processor flushed its checkpoint on the way out.
			logger.Warn("interrupted", "resume_hint", "re-run with --resume")
			return 130
		}
		logger.Error("ingestion_failed", "error", err)
		return 1
	}

	printSummary(stats)
	return 0
}

func printSummary(stats *ingest.Stats) {
	heading := color.New(color.Bold, color.FgGreen)
	heading.Println("ingestion complete")
	fmt.Printf("  processed: %d\n", stats.TotalProcessed)
	fmt.Printf("  completed: %d\n", stats.TotalCompleted)
	fmt.Printf("  skipped:   %d (already on server)\n", stats.TotalSkipped)
	fmt.Printf("  failed:    %d\n", stats.TotalFailed)
	fmt.Printf("  batches:   %d\n", stats.BatchCount)
	fmt.Printf("  duration:  %s (%.1f%% success)\n",
		stats.Duration().Round(time.Second), stats.SuccessRate())
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	useJSON := format == "json" || (format == "" && !isatty.IsTerminal(os.Stderr.Fd()))
	opts := &slog.HandlerOptions{Level: lvl}
	if useJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
