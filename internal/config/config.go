package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

const (
	// EnvPrefix prefixes every environment override, e.g. MF_TRAIN__EPOCHS.
	EnvPrefix = "MF_"

	// ConfigPathEnvVar names a config file when no path is passed explicitly.
	ConfigPathEnvVar = "MF_CONFIG"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds everything the training driver needs
type Config struct {
	Model   ModelConfig   `koanf:"model"`
	Train   TrainConfig   `koanf:"train"`
	Store   StoreConfig   `koanf:"store"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type ModelConfig struct {
	Rank      int     `koanf:"rank"`       // latent factors per row (K)
	Lambda    float64 `koanf:"lambda"`     // L2 regularization strength
	InitScale float64 `koanf:"init_scale"` // factors start uniform in [0, InitScale)
	Seed      int64   `koanf:"seed"`
}

type TrainConfig struct {
	DataPath     string  `koanf:"data_path"`
	LearningRate float64 `koanf:"learning_rate"`
	Epochs       int     `koanf:"epochs"`
	EvalEvery    int     `koanf:"eval_every"` // evaluate every N epochs
}

type StoreConfig struct {
	Backend      string      `koanf:"backend"`
	UserTable    string      `koanf:"user_table"`
	ProductTable string      `koanf:"product_table"`
	Redis        RedisConfig `koanf:"redis"`
	Cache        CacheConfig `koanf:"cache"`
}

type RedisConfig struct {
	Host      string        `koanf:"host"`
	Port      string        `koanf:"port"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	KeyPrefix string        `koanf:"key_prefix"`
	PoolSize  int           `koanf:"pool_size"`
	Timeout   time.Duration `koanf:"timeout"`
}

type CacheConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Size      int           `koanf:"size"`
	Staleness time.Duration `koanf:"staleness"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "console" or "json"
}

type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables the /metrics listener
}

// DefaultConfig returns the built-in defaults. Config files and environment
// variables are layered on top of these.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Rank:      10,
			Lambda:    0.05,
			InitScale: 0.5,
			Seed:      1,
		},
		Train: TrainConfig{
			DataPath:     "ratings.txt",
			LearningRate: 0.01,
			Epochs:       20,
			EvalEvery:    1,
		},
		Store: StoreConfig{
			Backend:      BackendMemory,
			UserTable:    "L",
			ProductTable: "R",
			Redis: RedisConfig{
				Host:      "localhost",
				Port:      "6379",
				KeyPrefix: "mf",
				PoolSize:  10,
				Timeout:   2 * time.Second,
			},
			Cache: CacheConfig{
				Enabled:   false,
				Size:      100000,
				Staleness: 500 * time.Millisecond,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load layers defaults, the YAML file at path (or $MF_CONFIG when path is
// empty) and MF_* environment variables, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps MF_STORE__REDIS__HOST to store.redis.host. The config
// path variable itself is not a setting and is dropped.
func envTransform(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// Validate checks the configuration for values the trainer cannot run with
func (c *Config) Validate() error {
	if c.Model.Rank < 1 {
		return fmt.Errorf("model.rank must be at least 1, got %d", c.Model.Rank)
	}
	if c.Model.Lambda < 0 {
		return fmt.Errorf("model.lambda cannot be negative, got %v", c.Model.Lambda)
	}
	if c.Model.InitScale < 0 {
		return fmt.Errorf("model.init_scale cannot be negative, got %v", c.Model.InitScale)
	}
	if c.Train.LearningRate <= 0 {
		return fmt.Errorf("train.learning_rate must be positive, got %v", c.Train.LearningRate)
	}
	if c.Train.Epochs < 1 {
		return fmt.Errorf("train.epochs must be at least 1, got %d", c.Train.Epochs)
	}
	if c.Train.EvalEvery < 1 {
		return fmt.Errorf("train.eval_every must be at least 1, got %d", c.Train.EvalEvery)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Host == "" || c.Store.Redis.Port == "" {
			return fmt.Errorf("store.redis.host and store.redis.port are required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Store.Backend)
	}
	if c.Store.UserTable == "" || c.Store.ProductTable == "" {
		return fmt.Errorf("store table names cannot be empty")
	}
	if c.Store.UserTable == c.Store.ProductTable {
		return fmt.Errorf("store.user_table and store.product_table must differ")
	}
	if c.Store.Cache.Enabled {
		if c.Store.Cache.Size <= 0 {
			return fmt.Errorf("store.cache.size must be positive, got %d", c.Store.Cache.Size)
		}
		if c.Store.Cache.Staleness < 0 {
			return fmt.Errorf("store.cache.staleness cannot be negative")
		}
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
