package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arnweb/dfsrag/bootstrap"
	"github.com/arnweb/dfsrag/ingest"
)

// serverConfig is the YAML file manifestd loads at startup. Engine
// sections hold the defaults applied to start requests; request bodies
// override per-field.
type serverConfig struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`

	Bootstrap struct {
		Workers          int    `yaml:"workers"`
		BatchSize        int    `yaml:"batch_size"`
		TimeoutMinutes   int    `yaml:"timeout_minutes"`
		MaxRetries       int    `yaml:"max_retries"`
		ProgressInterval int    `yaml:"progress_interval"`
		SQLiteCacheMB    int    `yaml:"sqlite_cache_mb"`
		ACLExtractor     string `yaml:"acl_extractor"`
	} `yaml:"bootstrap"`

	Ingestion struct {
		CollectionName     string `yaml:"collection_name"`
		IngestorHost       string `yaml:"ingestor_host"`
		IngestorPort       int    `yaml:"ingestor_port"`
		BatchSize          int    `yaml:"batch_size"`
		CheckpointInterval int    `yaml:"checkpoint_interval"`
		CheckpointFile     string `yaml:"checkpoint_file"`
		ProxyURL           string `yaml:"proxy_url"`
	} `yaml:"ingestion"`
}

func defaultServerConfig() serverConfig {
	var cfg serverConfig
	cfg.Listen = ":8085"
	cfg.DBPath = "./manifest.db"
	return cfg
}

// loadServerConfig reads the YAML file when present; a missing path means
// defaults only.
func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8085"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./manifest.db"
	}
	return cfg, nil
}

// bootstrapDefaults folds the file's bootstrap section over the engine
// defaults.
func (c *serverConfig) bootstrapDefaults() bootstrap.Config {
	cfg := bootstrap.Default()
	cfg.DBPath = c.DBPath
	if v := c.Bootstrap.Workers; v > 0 {
		cfg.Workers = v
	}
	if v := c.Bootstrap.BatchSize; v > 0 {
		cfg.BatchSize = v
	}
	if v := c.Bootstrap.TimeoutMinutes; v > 0 {
		cfg.FileTimeout = time.Duration(v) * time.Minute
	}
	if v := c.Bootstrap.MaxRetries; v > 0 {
		cfg.MaxRetries = v
	}
	if v := c.Bootstrap.ProgressInterval; v > 0 {
		cfg.ProgressInterval = v
	}
	if v := c.Bootstrap.SQLiteCacheMB; v > 0 {
		cfg.SQLiteCacheMB = v
	}
	if v := c.Bootstrap.ACLExtractor; v != "" {
		cfg.ACLExtractor = v
	}
	return cfg
}

// ingestionDefaults folds the file's ingestion section over the engine
// defaults.
func (c *serverConfig) ingestionDefaults() ingest.Config {
	cfg := ingest.Default()
	cfg.DBPath = c.DBPath
	if v := c.Ingestion.CollectionName; v != "" {
		cfg.CollectionName = v
	}
	if v := c.Ingestion.IngestorHost; v != "" {
		cfg.IngestorHost = v
	}
	if v := c.Ingestion.IngestorPort; v > 0 {
		cfg.IngestorPort = v
	}
	if v := c.Ingestion.BatchSize; v > 0 {
		cfg.BatchSize = v
	}
	if v := c.Ingestion.CheckpointInterval; v > 0 {
		cfg.CheckpointInterval = v
	}
	if v := c.Ingestion.CheckpointFile; v != "" {
		cfg.CheckpointFile = v
	}
	if v := c.Ingestion.ProxyURL; v != "" {
		cfg.ProxyURL = v
	}
	return cfg
}
