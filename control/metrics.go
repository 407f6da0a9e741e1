package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ManifestCollector exposes manifest counters as Prometheus gauges. It
// reads the database on scrape through a read-only connection, so no
// background sampling loop is needed.
type ManifestCollector struct {
	dbPath string
	logger *slog.Logger

	rows      *prometheus.Desc
	discovery *prometheus.Desc
	ingestion *prometheus.Desc
	captured  *prometheus.Desc
}

// NewManifestCollector creates a collector over the given manifest file.
func NewManifestCollector(dbPath string, logger *slog.Logger) *ManifestCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManifestCollector{
		dbPath: dbPath,
		logger: logger,
		rows: prometheus.NewDesc("manifest_rows_total",
			"Total rows in the manifest.", nil, nil),
		discovery: prometheus.NewDesc("manifest_discovery_total",
			"Manifest rows by discovery status.", []string{"status"}, nil),
		ingestion: prometheus.NewDesc("manifest_ingestion_total",
			"Ingestion-eligible rows by ingestion status.", []string{"status"}, nil),
		captured: prometheus.NewDesc("manifest_acl_captured_total",
			"Rows with a captured ACL blob.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *ManifestCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rows
	ch <- c.discovery
	ch <- c.ingestion
	ch <- c.captured
}

// Collect implements prometheus.Collector. A missing or unreadable
// manifest produces no samples rather than a scrape failure.
func (c *ManifestCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := BootstrapStats(ctx, c.dbPath)
	if err != nil {
		c.logger.Debug("metrics_manifest_unavailable", "error", err)
		return
	}

	gauge := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(c.rows, stats.Total)
	gauge(c.captured, stats.ACLCaptured)
	gauge(c.discovery, stats.Discovered, "discovered")
	gauge(c.discovery, stats.PermissionDenied, "permission_denied")
	gauge(c.discovery, stats.ACLFailed, "acl_failed")
	gauge(c.discovery, stats.Errors, "error")
	gauge(c.discovery, stats.Skipped, "skipped")

	ingest, err := IngestionStats(ctx, c.dbPath)
	if err != nil {
		return
	}
	gauge(c.ingestion, ingest.Pending, "pending")
	gauge(c.ingestion, ingest.Ingesting, "ingesting")
	gauge(c.ingestion, ingest.Completed, "completed")
	gauge(c.ingestion, ingest.Failed, "failed")
}
