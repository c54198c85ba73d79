// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Corpus, Index, Search, Watcher, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Corpus  CorpusConfig  `yaml:"corpus"`
	Index   IndexConfig   `yaml:"index"`
	Search  SearchConfig  `yaml:"search"`
	Watcher WatcherConfig `yaml:"watcher"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// CorpusConfig identifies the corpus root and its two side directories.
// OriginalDir and TranslatedDir are resolved relative to Root unless absolute.
type CorpusConfig struct {
	Root          string `yaml:"root"`
	OriginalDir   string `yaml:"originalDir"`
	TranslatedDir string `yaml:"translatedDir"`
}

// IndexConfig controls the on-disk index store and the incremental builder.
type IndexConfig struct {
	BlockCacheBytes  int64 `yaml:"blockCacheBytes"`
	ProgressInterval int   `yaml:"progressInterval"`
	PublishRetries   int   `yaml:"publishRetries"`
}

// SearchConfig controls the two search phases. Selector and verifier
// parallelism are tuned independently: bloom tests are cheap reads against
// the shared blob, verification re-reads and re-normalizes source files.
type SearchConfig struct {
	SelectParallelism int `yaml:"selectParallelism"`
	VerifyParallelism int `yaml:"verifyParallelism"`
	ContextWidth      int `yaml:"contextWidth"`
}

// WatcherConfig controls the fsnotify corpus watcher.
type WatcherConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MergeEventsDelay time.Duration `yaml:"mergeEventsDelay"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with defaults good for a mid-size corpus on
// local storage.
func defaultConfig() *Config {
	return &Config{
		Corpus: CorpusConfig{
			OriginalDir:   "original",
			TranslatedDir: "translated",
		},
		Index: IndexConfig{
			BlockCacheBytes:  32 << 20,
			ProgressInterval: 25,
			PublishRetries:   5,
		},
		Search: SearchConfig{
			SelectParallelism: 8,
			VerifyParallelism: 4,
			ContextWidth:      40,
		},
		Watcher: WatcherConfig{
			Enabled:          false,
			MergeEventsDelay: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads BTS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BTS_CORPUS_ROOT"); v != "" {
		cfg.Corpus.Root = v
	}
	if v := os.Getenv("BTS_CORPUS_ORIGINAL_DIR"); v != "" {
		cfg.Corpus.OriginalDir = v
	}
	if v := os.Getenv("BTS_CORPUS_TRANSLATED_DIR"); v != "" {
		cfg.Corpus.TranslatedDir = v
	}
	if v := os.Getenv("BTS_INDEX_BLOCK_CACHE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Index.BlockCacheBytes = n
		}
	}
	if v := os.Getenv("BTS_SEARCH_SELECT_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.SelectParallelism = n
		}
	}
	if v := os.Getenv("BTS_SEARCH_VERIFY_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.VerifyParallelism = n
		}
	}
	if v := os.Getenv("BTS_SEARCH_CONTEXT_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.ContextWidth = n
		}
	}
	if v := os.Getenv("BTS_WATCHER_MERGE_EVENTS_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watcher.MergeEventsDelay = d
		}
	}
	if v := os.Getenv("BTS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BTS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BTS_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = n
		}
	}
}
