// Command bootstrap populates the file manifest: it walks a directory
// tree and records every reachable regular file with size, mtime and a
// captured ACL blob.
//
// Exit codes: 0 success, 1 fatal error, 130 user interrupt.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/arnweb/dfsrag/bootstrap"
	"github.com/arnweb/dfsrag/dbopen"
	"github.com/arnweb/dfsrag/manifest"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := bootstrap.Default()
	cfg.FromEnv()

	flags := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	flags.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "manifest database file")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent file workers (1-32)")
	flags.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "records per batch insert (100-5000)")
	timeoutMinutes := flags.Int("timeout", int(cfg.FileTimeout.Minutes()), "per-file timeout in minutes (1-30)")
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retries for transient directory errors (1-10)")
	flags.IntVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "log progress every N records")
	flags.IntVar(&cfg.SQLiteCacheMB, "sqlite-cache-mb", cfg.SQLiteCacheMB, "SQLite page cache in MB (16-512)")
	flags.StringVar(&cfg.ACLExtractor, "acl-extractor", cfg.ACLExtractor, "ACL strategy: getfacl, stat, or noop")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "", "log format: console or json (default: console on tty)")
	validate := flags.Bool("validate", false, "print a manifest validation report and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bootstrap [flags] <root>\n\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	if flags.Changed("timeout") {
		cfg.FileTimeout = time.Duration(*timeoutMinutes) * time.Minute
	}

	logger := newLogger(*logLevel, *logFormat)
	slog.SetDefault(logger)

	if *validate {
		return runValidate(cfg.DBPath)
	}

	if flags.NArg() > 0 {
		cfg.Root = flags.Arg(0)
	}

	runner, err := bootstrap.NewRunner(cfg, logger)
	if err != nil {
		logger.Error("configuration_invalid", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("discovering"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("files"))
		runner.OnRecord(func(n int64) { bar.Add(1) })
	}

	stats, err := runner.Run(ctx)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("interrupted")
			return 130
		}
		logger.Error("bootstrap_failed", "error", err)
		return 1
	}

	printSummary(stats)
	return 0
}

func printSummary(stats *bootstrap.Stats) {
	heading := color.New(color.Bold, color.FgGreen)
	heading.Println("bootstrap complete")
	fmt.Printf("  discovered:        %s\n", humanize.Comma(stats.TotalDiscovered))
	fmt.Printf("  added:             %s\n", humanize.Comma(stats.TotalAdded))
	fmt.Printf("  refreshed:         %s\n", humanize.Comma(stats.TotalSkipped))
	fmt.Printf("  acl captured:      %s\n", humanize.Comma(stats.ACLCaptured))
	fmt.Printf("  acl failed:        %s\n", humanize.Comma(stats.ACLFailed))
	fmt.Printf("  permission errors: %s\n", humanize.Comma(stats.PermissionErrors))
	fmt.Printf("  other errors:      %s\n", humanize.Comma(stats.OtherErrors))
	fmt.Printf("  skipped entries:   %s\n", humanize.Comma(stats.SkippedEntries))
	fmt.Printf("  duration:          %s (%.1f files/s)\n",
		stats.Duration().Round(time.Second), stats.RecordsPerSecond())
}

func runValidate(dbPath string) int {
	db, err := dbopen.Open(dbPath, dbopen.WithReadOnly())
	if err != nil {
		slog.Error("open_manifest_failed", "db_path", dbPath, "error", err)
		return 1
	}
	defer db.Close()

	report, err := manifest.NewStore(db).Validate(context.Background())
	if err != nil {
		slog.Error("validate_failed", "error", err)
		return 1
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if !report.Clean() {
		return 1
	}
	return 0
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
