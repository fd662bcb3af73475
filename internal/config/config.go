// Package config loads server configuration from YAML or TOML files with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Model    ModelConfig    `yaml:"model" toml:"model"`
	Executor ExecutorConfig `yaml:"executor" toml:"executor"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Mongo    MongoConfig    `yaml:"mongo" toml:"mongo"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Port         int      `yaml:"port" toml:"port"`
	Base         string   `yaml:"base" toml:"base"`                   // base URL prefix
	Rate         string   `yaml:"rate" toml:"rate"`                   // ulule/limiter formatted rate, e.g. 100-S
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`   // http.Server ReadTimeout
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"` // http.Server WriteTimeout
	ServerCrt    string   `yaml:"server_cert" toml:"server_cert"`
	ServerKey    string   `yaml:"server_key" toml:"server_key"`
	DomainNames  []string `yaml:"domain_names" toml:"domain_names"` // LetsEncrypt domain names
}

type ModelConfig struct {
	Path           string `yaml:"path" toml:"path"`                   // .onnx file, models dir or s3://bucket/key
	MetadataPath   string `yaml:"metadata_path" toml:"metadata_path"` // defaults to model_metadata.json next to the model
	SamplePath     string `yaml:"sample_path" toml:"sample_path"`     // defaults to sample_data.json next to the model
	SharedLibrary  string `yaml:"shared_library" toml:"shared_library"`
	IntraOpThreads int    `yaml:"intra_op_threads" toml:"intra_op_threads"`
	InterOpThreads int    `yaml:"inter_op_threads" toml:"inter_op_threads"`
	S3Region       string `yaml:"s3_region" toml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint" toml:"s3_endpoint"`
}

type ExecutorConfig struct {
	Workers   int `yaml:"workers" toml:"workers"`
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

type CacheConfig struct {
	Backend       string   `yaml:"backend" toml:"backend"` // memory, sqlite, redis or none
	RedisURL      string   `yaml:"redis_url" toml:"redis_url"`
	SQLitePath    string   `yaml:"sqlite_path" toml:"sqlite_path"`
	MemoryEntries int      `yaml:"memory_entries" toml:"memory_entries"`
	DefaultTTL    int      `yaml:"default_ttl" toml:"default_ttl"` // seconds
	Writers       int      `yaml:"writers" toml:"writers"`
	QueueSize     int      `yaml:"queue_size" toml:"queue_size"`
	OpTimeout     Duration `yaml:"op_timeout" toml:"op_timeout"`
}

type MetricsConfig struct {
	Reservoir int `yaml:"reservoir" toml:"reservoir"` // latency samples kept for percentiles
}

type MongoConfig struct {
	URI        string `yaml:"uri" toml:"uri"`
	DB         string `yaml:"db" toml:"db"`
	Collection string `yaml:"collection" toml:"collection"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"` // rotated daily when set
}

// Duration accepts "5s" style strings in both YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	MinCacheTTL = 1
	MaxCacheTTL = 86400
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Rate:         "100-S",
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{60 * time.Second},
		},
		Model: ModelConfig{
			Path:           filepath.Join("models", "random_forest_classifier.onnx"),
			IntraOpThreads: min(4, runtime.NumCPU()),
			InterOpThreads: min(2, runtime.NumCPU()),
			S3Region:       "us-east-1",
		},
		Executor: ExecutorConfig{
			Workers:   runtime.NumCPU(),
			QueueSize: 256,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			SQLitePath:    "prediction_cache.db",
			MemoryEntries: 10000,
			DefaultTTL:    3600,
			Writers:       2,
			QueueSize:     1024,
			OpTimeout:     Duration{2 * time.Second},
		},
		Metrics: MetricsConfig{
			Reservoir: 10000,
		},
		Mongo: MongoConfig{
			DB:         "ml",
			Collection: "metadata",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads the configuration from the given path.
// An empty path or a missing file yields defaults; environment overrides
// are applied in both cases.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(filepath.Clean(configPath))
		switch {
		case err == nil:
			if err := decode(configPath, data, cfg); err != nil {
				return nil, fmt.Errorf("unable to parse %s: %w", configPath, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("unable to read %s: %w", configPath, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); v != "" {
		cfg.Model.SharedLibrary = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Model.Path) == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Executor.Workers <= 0 {
		errs = append(errs, fmt.Errorf("executor.workers must be > 0, got %d", c.Executor.Workers))
	}
	if c.Executor.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("executor.queue_size must be > 0, got %d", c.Executor.QueueSize))
	}
	switch c.Cache.Backend {
	case "memory", "sqlite", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	if c.Cache.DefaultTTL < MinCacheTTL || c.Cache.DefaultTTL > MaxCacheTTL {
		errs = append(errs, fmt.Errorf("cache.default_ttl %d outside [%d, %d]", c.Cache.DefaultTTL, MinCacheTTL, MaxCacheTTL))
	}
	if c.Metrics.Reservoir <= 0 {
		errs = append(errs, fmt.Errorf("metrics.reservoir must be > 0, got %d", c.Metrics.Reservoir))
	}
	return errors.Join(errs...)
}
