// Package config loads the YAML configuration of the onlinemigrate CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/onlinemigrate/batch"
	"github.com/GoCodeAlone/onlinemigrate/catalog"
	"github.com/GoCodeAlone/onlinemigrate/observability/tracing"
)

// EnvDatabaseURL overrides database.url when set.
const EnvDatabaseURL = "ONLINEMIGRATE_DATABASE_URL"

var ErrInvalid = errors.New("invalid configuration")

// DatabaseConfig selects the target database.
type DatabaseConfig struct {
	URL string `yaml:"url"`
	// TargetVersion pins server_version_num instead of asking the server,
	// e.g. 110000 to plan for PostgreSQL 11.
	TargetVersion int `yaml:"target_version,omitempty"`
	// LockKey names the advisory lock held for the duration of a command.
	// Empty disables locking.
	LockKey string `yaml:"lock_key,omitempty"`
}

// BackfillConfig holds the batch defaults.
type BackfillConfig struct {
	BatchSize int `yaml:"batch_size"`
	PauseMS   int `yaml:"pause_ms"`
	// RowsPerSecond throttles every backfill. Zero disables it.
	RowsPerSecond float64 `yaml:"rows_per_second,omitempty"`
	Progress      bool    `yaml:"progress"`
}

// ColumnRename is one renamed column in the registry section.
type ColumnRename struct {
	Table string `yaml:"table"`
	Old   string `yaml:"old"`
	New   string `yaml:"new"`
}

// RenamesConfig lists renames between initialize and finalize. A table
// maps its old name to the new physical one. A column keeps its old
// physical name until finalize, so the registry resolves the new name back
// to it.
type RenamesConfig struct {
	Tables  map[string]string `yaml:"tables,omitempty"`
	Columns []ColumnRename    `yaml:"columns,omitempty"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the prometheus collector.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	// Textfile is written after every command for the node exporter
	// textfile collector. Empty disables it.
	Textfile string `yaml:"textfile,omitempty"`
	// Listen serves /metrics on this address while a command runs, so a
	// long backfill can be scraped. Empty disables it.
	Listen string `yaml:"listen,omitempty"`
}

// JournalConfig selects where backfill runs are recorded.
type JournalConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

// Config is the root of the configuration file.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Backfill BackfillConfig `yaml:"backfill"`
	Renames  RenamesConfig  `yaml:"renames"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  tracing.Config `yaml:"tracing"`
	Journal  JournalConfig  `yaml:"journal"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backfill: BackfillConfig{
			BatchSize: batch.DefaultBatchSize,
			PauseMS:   int(batch.DefaultPause / time.Millisecond),
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Namespace: "onlinemigrate"},
		Tracing: tracing.DefaultConfig(),
		Journal: JournalConfig{Driver: "memory"},
	}
}

// Load reads path over the defaults and applies the environment override.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if url := os.Getenv(EnvDatabaseURL); url != "" {
		cfg.Database.URL = url
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Backfill.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("backfill.batch_size must be positive, got %d", c.Backfill.BatchSize))
	}
	if c.Backfill.RowsPerSecond < 0 {
		errs = append(errs, errors.New("backfill.rows_per_second must not be negative"))
	}
	if c.Database.TargetVersion < 0 {
		errs = append(errs, errors.New("database.target_version must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	switch c.Journal.Driver {
	case "memory":
	case "sqlite":
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.driver %q is not one of memory, sqlite", c.Journal.Driver))
	}
	for i, col := range c.Renames.Columns {
		if col.Table == "" || col.Old == "" || col.New == "" {
			errs = append(errs, fmt.Errorf("renames.columns[%d] needs table, old and new", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Pause returns the configured pause between batches.
func (c *Config) Pause() time.Duration {
	if c.Backfill.PauseMS < 0 {
		return -1
	}
	return time.Duration(c.Backfill.PauseMS) * time.Millisecond
}

// Registry builds the rename registry from the renames section.
func (c *Config) Registry() *catalog.Registry {
	r := catalog.NewRegistry()
	for old, newName := range c.Renames.Tables {
		r.RenameTable(old, newName)
	}
	for _, col := range c.Renames.Columns {
		r.RenameColumn(col.Table, col.Old, col.New)
	}
	return r
}
