// Package server orchestrates the map-building pipeline: it accepts
// submap-ready notifications, queues them, runs the configured command
// pipelines through the mapping engine, and owns the node lifecycle.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Defaults applied by Validate for fields omitted from the config file.
const (
	DefaultMergedMapFolder = "merged_map"
	DefaultBackupIntervalS = 300
	DefaultGlobalMapEveryN = 5
	DefaultQueueCapacity   = 128
)

// Config is the server configuration, loaded once at startup and
// read-only afterwards.
type Config struct {
	// SubmapCommands is the ordered pipeline run for every incoming
	// submap before it is merged.
	SubmapCommands []string `yaml:"submap_commands"`

	// GlobalMapCommands is the ordered pipeline run over the whole map
	// after every GlobalMapEveryN merges.
	GlobalMapCommands []string `yaml:"global_map_commands"`

	// GlobalMapEveryN is the merge count between global map pipeline
	// runs. Zero selects the default.
	GlobalMapEveryN int `yaml:"global_map_every_n"`

	// MergedMapFolder is where map saves and backups land.
	MergedMapFolder string `yaml:"merged_map_folder"`

	// BackupIntervalS is the periodic backup interval in seconds.
	BackupIntervalS int `yaml:"backup_interval_s"`

	// QueueCapacity bounds the ingestion queue. Notifications beyond
	// capacity are rejected, not dropped silently.
	QueueCapacity int `yaml:"queue_capacity"`

	// SubmapRoot, when set, confines notified map paths to this
	// directory. Empty accepts any readable path.
	SubmapRoot string `yaml:"submap_root"`

	// ArchiveDB is the sqlite file recording merge and backup events.
	// Empty disables archiving.
	ArchiveDB string `yaml:"archive_db"`

	// SaveMapOnShutdown writes a final map save during Shutdown.
	SaveMapOnShutdown bool `yaml:"save_map_on_shutdown"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	cfg := Config{
		SubmapCommands:    []string{"align", "optimize", "filter_landmarks"},
		GlobalMapCommands: []string{"relax", "loop_close", "optimize_global"},
		SaveMapOnShutdown: true,
	}
	// Validate cannot fail on the built-in pipelines.
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration in '%s': %w", path, err)
	}
	return cfg, nil
}

// Validate fills defaults and rejects configs that could not drive the
// pipeline, so misconfiguration is caught at startup rather than on the
// first merge.
func (c *Config) Validate() error {
	if len(c.SubmapCommands) == 0 {
		return fmt.Errorf("submap_commands must name at least one command")
	}
	if len(c.GlobalMapCommands) == 0 {
		return fmt.Errorf("global_map_commands must name at least one command")
	}
	for _, name := range c.SubmapCommands {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("submap_commands contains an empty command name")
		}
	}
	for _, name := range c.GlobalMapCommands {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("global_map_commands contains an empty command name")
		}
	}
	if c.GlobalMapEveryN < 0 {
		return fmt.Errorf("global_map_every_n must not be negative, got %d", c.GlobalMapEveryN)
	}
	if c.BackupIntervalS < 0 {
		return fmt.Errorf("backup_interval_s must not be negative, got %d", c.BackupIntervalS)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity must not be negative, got %d", c.QueueCapacity)
	}

	if c.GlobalMapEveryN == 0 {
		c.GlobalMapEveryN = DefaultGlobalMapEveryN
	}
	if c.MergedMapFolder == "" {
		c.MergedMapFolder = DefaultMergedMapFolder
	}
	if c.BackupIntervalS == 0 {
		c.BackupIntervalS = DefaultBackupIntervalS
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	return nil
}
