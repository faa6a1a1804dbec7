// Package config loads service configuration from the environment, optional
// .env files and a YAML file of per-metric retention overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mathopoulos/hkextract"
)

// Config is read from HKX_* environment variables.
type Config struct {
	Addr       string        `env:"HKX_ADDR,default=:8080"`
	LogLevel   string        `env:"HKX_LOG_LEVEL,default=info"`
	User       string        `env:"HKX_USER,default=default"`
	DataDir    string        `env:"HKX_DATA_DIR,default=./data"`
	ChunkSize  int           `env:"HKX_CHUNK_SIZE,default=65536"`
	RunTimeout time.Duration `env:"HKX_RUN_TIMEOUT,default=10m"`

	DatabaseURL string        `env:"HKX_DATABASE_URL"`
	RedisAddr   string        `env:"HKX_REDIS_ADDR"`
	RedisTTL    time.Duration `env:"HKX_REDIS_TTL,default=0s"`
	S3Region    string        `env:"HKX_S3_REGION"`

	JWTSecret string  `env:"HKX_JWT_SECRET"`
	RateLimit float64 `env:"HKX_RATE_LIMIT,default=1"`
	RateBurst int     `env:"HKX_RATE_BURST,default=5"`

	RetentionFile string `env:"HKX_RETENTION_FILE"`

	// Retention overrides the retention of catalog metrics by name.
	Retention map[string]hkextract.Retention
}

// Load reads the given .env files, then the environment. Missing .env files
// are ignored and variables already set in the environment win over them. A
// value that does not parse as its field's type is an error.
// When RetentionFile is set, its overrides are loaded as well.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.RetentionFile != "" {
		r, err := LoadRetention(cfg.RetentionFile)
		if err != nil {
			return nil, err
		}
		cfg.Retention = r
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.ChunkSize < 0 {
		return fmt.Errorf("HKX_CHUNK_SIZE must not be negative, got %d", c.ChunkSize)
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("HKX_RUN_TIMEOUT must not be negative, got %s", c.RunTimeout)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("HKX_RATE_LIMIT and HKX_RATE_BURST must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("HKX_LOG_LEVEL: %w", err)
	}
	return nil
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Metric returns the catalog metric name with any retention override applied.
func (c *Config) Metric(name string) (hkextract.Metric, error) {
	m, err := hkextract.Lookup(name)
	if err != nil {
		return hkextract.Metric{}, err
	}
	if r, ok := c.Retention[name]; ok {
		m = m.WithRetention(r)
	}
	return m, nil
}

// Metrics resolves names with Metric. No names selects the whole catalog.
func (c *Config) Metrics(names ...string) ([]hkextract.Metric, error) {
	if len(names) == 0 {
		for _, m := range hkextract.Catalog() {
			names = append(names, m.Name)
		}
	}
	metrics := make([]hkextract.Metric, 0, len(names))
	for _, name := range names {
		m, err := c.Metric(name)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

type retentionFile struct {
	Retention map[string]string `yaml:"retention"`
}

// LoadRetention reads overrides of the form
//
//	retention:
//	  heart_rate: 90d
//	  weight: 2y
//
// Every name must be a catalog metric.
func LoadRetention(path string) (map[string]hkextract.Retention, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retention file: %w", err)
	}
	var f retentionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	names := make([]string, 0, len(f.Retention))
	for name := range f.Retention {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]hkextract.Retention, len(names))
	for _, name := range names {
		if _, err := hkextract.Lookup(name); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		r, err := hkextract.ParseRetention(f.Retention[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, name, err)
		}
		out[name] = r
	}
	return out, nil
}
