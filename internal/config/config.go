// Package config loads and validates ledger runtime configuration.
//
// Config files are CUE or YAML. Either way the values are unified with
// the embedded CUE schema, which supplies defaults and rejects
// out-of-range settings before anything touches the database.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource []byte

// Config is the ledger's runtime configuration.
type Config struct {
	DatabasePath string

	PartitionWindowAhead    int
	PartitionExtendInterval time.Duration
	HotWindowDays           int

	CacheTTL     time.Duration
	CacheMaxCost int64

	ProjectionRefreshInterval time.Duration
	MaxProjectionStaleness    time.Duration
}

// fileConfig is the schema-shaped form: durations as strings.
type fileConfig struct {
	DatabasePath string `json:"database_path"`

	PartitionWindowAhead    int    `json:"partition_window_ahead"`
	PartitionExtendInterval string `json:"partition_extend_interval"`
	HotWindowDays           int    `json:"hot_window_days"`

	CacheTTL     string `json:"cache_ttl"`
	CacheMaxCost int64  `json:"cache_max_cost"`

	ProjectionRefreshInterval string `json:"projection_refresh_interval"`
	MaxProjectionStaleness    string `json:"max_projection_staleness"`
}

// Default returns the configuration used when no file is given, minus
// the database path, which has no sensible default.
func Default() Config {
	return Config{
		PartitionWindowAhead:      3,
		PartitionExtendInterval:   time.Hour,
		HotWindowDays:             90,
		CacheTTL:                  30 * time.Second,
		CacheMaxCost:              64 << 20,
		ProjectionRefreshInterval: 30 * time.Second,
		MaxProjectionStaleness:    time.Minute,
	}
}

// Validate checks the same bounds the schema enforces for file-loaded
// configs, so programmatically built configs go through the same gate.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("invalid config: database_path is required")
	}
	if c.PartitionWindowAhead < 1 || c.PartitionWindowAhead > 12 {
		return fmt.Errorf("invalid config: partition_window_ahead must be in [1, 12], got %d", c.PartitionWindowAhead)
	}
	if c.HotWindowDays < 0 {
		return fmt.Errorf("invalid config: hot_window_days must not be negative, got %d", c.HotWindowDays)
	}
	if c.CacheMaxCost <= 0 {
		return fmt.Errorf("invalid config: cache_max_cost must be positive, got %d", c.CacheMaxCost)
	}
	for field, d := range map[string]time.Duration{
		"partition_extend_interval":   c.PartitionExtendInterval,
		"cache_ttl":                   c.CacheTTL,
		"projection_refresh_interval": c.ProjectionRefreshInterval,
		"max_projection_staleness":    c.MaxProjectionStaleness,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %s", field, d)
		}
	}
	return nil
}

// Load reads a config file, validates it against the schema, and
// returns the resolved configuration. The format follows the file
// extension: .cue, .yaml, or .yml.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".cue":
		return loadCUE(data)
	case ".yaml", ".yml":
		return loadYAML(data)
	default:
		return Config{}, fmt.Errorf("unsupported config format %q (want .cue, .yaml, or .yml)", ext)
	}
}

func loadCUE(data []byte) (Config, error) {
	ctx := cuecontext.New()
	user := ctx.CompileBytes(data)
	if err := user.Err(); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return unifyWithSchema(ctx, user)
}

func loadYAML(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	ctx := cuecontext.New()
	user := ctx.Encode(raw)
	if err := user.Err(); err != nil {
		return Config{}, fmt.Errorf("encode config: %w", err)
	}
	return unifyWithSchema(ctx, user)
}

// unifyWithSchema merges user values into the schema, which applies
// defaults and bounds, then decodes the result.
func unifyWithSchema(ctx *cue.Context, user cue.Value) (Config, error) {
	schema := ctx.CompileBytes(schemaSource)
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}

	merged := schema.Unify(user)
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	var fc fileConfig
	if err := merged.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return fc.resolve()
}

func (fc fileConfig) resolve() (Config, error) {
	cfg := Config{
		DatabasePath:         fc.DatabasePath,
		PartitionWindowAhead: fc.PartitionWindowAhead,
		HotWindowDays:        fc.HotWindowDays,
		CacheMaxCost:         fc.CacheMaxCost,
	}

	var err error
	if cfg.PartitionExtendInterval, err = parseDuration("partition_extend_interval", fc.PartitionExtendInterval); err != nil {
		return Config{}, err
	}
	if cfg.CacheTTL, err = parseDuration("cache_ttl", fc.CacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.ProjectionRefreshInterval, err = parseDuration("projection_refresh_interval", fc.ProjectionRefreshInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxProjectionStaleness, err = parseDuration("max_projection_staleness", fc.MaxProjectionStaleness); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid config: %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid config: %s must be positive, got %s", field, d)
	}
	return d, nil
}
