// Package config loads the YAML configuration file shared by KeldaDB
// binaries. Every field has a working default, so a missing file or an
// empty one yields a usable standalone configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keldadb/keldadb/core/engine"
	"github.com/keldadb/keldadb/pkg/logger"
	"github.com/keldadb/keldadb/pkg/telemetry"
)

// Config is the full process configuration.
type Config struct {
	// DataDir is where the page file and write-ahead log live.
	DataDir   string
	Engine    engine.Config
	Logger    logger.Config
	Telemetry telemetry.Config
}

// Duration parses YAML scalars like "30s" or "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// fileConfig is the on-disk schema. Pointer fields distinguish "absent"
// from "zero" so the file only overrides what it names.
type fileConfig struct {
	DataDir *string `yaml:"data_dir"`
	Engine  struct {
		PageSize           *int      `yaml:"page_size"`
		BufferPoolPages    *int      `yaml:"buffer_pool_pages"`
		WALBufferSize      *int      `yaml:"wal_buffer_size"`
		CheckpointInterval *Duration `yaml:"checkpoint_interval"`
		GCInterval         *Duration `yaml:"gc_interval"`
		GCMaxPassesPerSec  *float64  `yaml:"gc_max_passes_per_sec"`
		LockTimeout        *Duration `yaml:"lock_timeout"`
		DeadlockInterval   *Duration `yaml:"deadlock_interval"`
	} `yaml:"engine"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{
		DataDir: "./kelda-data",
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName:    "keldadb",
			PrometheusPort: 9090,
		},
	}
	// Engine defaults come from its own Validate.
	_ = cfg.Engine.Validate()
	return cfg
}

// Load reads path and merges it over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var file fileConfig
	file.Logger = cfg.Logger
	file.Telemetry = cfg.Telemetry
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if file.DataDir != nil {
		cfg.DataDir = *file.DataDir
	}
	cfg.Logger = file.Logger
	cfg.Telemetry = file.Telemetry
	fe := file.Engine
	if fe.PageSize != nil {
		cfg.Engine.PageSize = *fe.PageSize
	}
	if fe.BufferPoolPages != nil {
		cfg.Engine.BufferPoolPages = *fe.BufferPoolPages
	}
	if fe.WALBufferSize != nil {
		cfg.Engine.WALBufferSize = *fe.WALBufferSize
	}
	if fe.CheckpointInterval != nil {
		cfg.Engine.CheckpointInterval = time.Duration(*fe.CheckpointInterval)
	}
	if fe.GCInterval != nil {
		cfg.Engine.GCInterval = time.Duration(*fe.GCInterval)
	}
	if fe.GCMaxPassesPerSec != nil {
		cfg.Engine.GCMaxPassesPerSec = *fe.GCMaxPassesPerSec
	}
	if fe.LockTimeout != nil {
		cfg.Engine.LockTimeout = time.Duration(*fe.LockTimeout)
	}
	if fe.DeadlockInterval != nil {
		cfg.Engine.DeadlockInterval = time.Duration(*fe.DeadlockInterval)
	}

	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config %s: data_dir must not be empty", path)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
