package kvtable

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendBolt   = "bolt"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Config is the file-based form of Options, for applications that keep
// their storage settings in YAML:
//
//	backend: bolt
//	path: data/app.db
//	backfill_batch_size: 500
type Config struct {
	Backend           string `yaml:"backend"`
	Path              string `yaml:"path"`
	Verbose           bool   `yaml:"verbose"`
	NoSync            bool   `yaml:"no_sync"`
	MmapSize          int    `yaml:"mmap_size"`
	CacheSize         int    `yaml:"cache_size"`
	BackfillBatchSize int    `yaml:"backfill_batch_size"`
	ScanPageSize      int    `yaml:"scan_page_size"`
	MaxRetries        int    `yaml:"max_retries"`
	ReapDangling      bool   `yaml:"reap_dangling"`
}

func DefaultConfig() Config {
	return Config{
		Backend:           BackendBolt,
		BackfillBatchSize: defaultBackfillBatchSize,
		ScanPageSize:      defaultScanPageSize,
		MaxRetries:        defaultMaxRetries,
	}
}

// ParseConfig parses YAML on top of DefaultConfig. Unknown keys are
// rejected so that typos do not silently fall back to defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

func (cfg Config) Validate() error {
	switch cfg.Backend {
	case BackendBolt, BackendPebble:
		if cfg.Path == "" {
			return fmt.Errorf("invalid config: backend %s requires a path", cfg.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid config: unknown backend %q", cfg.Backend)
	}
	if cfg.BackfillBatchSize < 0 || cfg.ScanPageSize < 0 || cfg.MaxRetries < 0 {
		return fmt.Errorf("invalid config: sizes must not be negative")
	}
	return nil
}

// Options overlays the config onto base, which supplies the settings that
// cannot come from a file (logger, clock, metrics registry, callbacks).
func (cfg Config) Options(base Options) Options {
	opt := base
	opt.Verbose = opt.Verbose || cfg.Verbose
	opt.NoSync = opt.NoSync || cfg.NoSync
	if cfg.MmapSize != 0 {
		opt.MmapSize = cfg.MmapSize
	}
	if cfg.CacheSize != 0 {
		opt.CacheSize = cfg.CacheSize
	}
	if cfg.BackfillBatchSize != 0 {
		opt.BackfillBatchSize = cfg.BackfillBatchSize
	}
	if cfg.ScanPageSize != 0 {
		opt.ScanPageSize = cfg.ScanPageSize
	}
	if cfg.MaxRetries != 0 {
		opt.MaxRetries = cfg.MaxRetries
	}
	opt.ReapDangling = opt.ReapDangling || cfg.ReapDangling
	return opt
}

// OpenConfig opens the database described by cfg.
func OpenConfig(cfg Config, schema *Schema, base Options) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opt := cfg.Options(base)
	switch cfg.Backend {
	case BackendBolt:
		return Open(cfg.Path, schema, opt)
	case BackendPebble:
		return OpenPebble(cfg.Path, schema, opt)
	default:
		return OpenMemory(schema, opt)
	}
}
