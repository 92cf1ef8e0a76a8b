package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"gopkg.in/yaml.v3"

	"github.com/relayq/relayq/internal/alert"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/store/redisstore"
	"github.com/relayq/relayq/internal/wal"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore: RELAYQ_STORE__BACKEND=redis sets store.backend.
const EnvPrefix = "RELAYQ_"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig                   `yaml:"server"`
	Store       StoreConfig                    `yaml:"store"`
	Logging     LoggingConfig                  `yaml:"logging"`
	Manager     ManagerConfig                  `yaml:"manager"`
	Defaults    queue.QueueConfig              `yaml:"defaults"`
	Queues      map[string]queue.QueueOverride `yaml:"queues"`
	Alerts      AlertsConfig                   `yaml:"alerts"`
	Idempotency IdempotencyConfig              `yaml:"idempotency"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// StoreConfig selects and configures the queue store
type StoreConfig struct {
	Backend string      `yaml:"backend"` // memory or redis
	DataDir string      `yaml:"data_dir"`
	WAL     WALConfig   `yaml:"wal"`
	Redis   RedisConfig `yaml:"redis"`
}

// WALConfig holds journal settings of the memory store
type WALConfig struct {
	Enabled         bool  `yaml:"enabled"`
	SegmentSize     int64 `yaml:"segment_size"`
	Fsync           bool  `yaml:"fsync"`
	CompactSegments int   `yaml:"compact_segments"`
}

// RedisConfig holds redis store settings
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// ManagerConfig holds queue manager settings
type ManagerConfig struct {
	Workers         bool          `yaml:"workers"`
	StrictQueues    bool          `yaml:"strict_queues"`
	RecoverOnStart  bool          `yaml:"recover_on_start"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	StatsWindow     time.Duration `yaml:"stats_window"`
	DeadlockWindow  time.Duration `yaml:"deadlock_window"`
	StoreFailAfter  time.Duration `yaml:"store_fail_after"`
	MemoryWarnBytes uint64        `yaml:"memory_warn_bytes"`
	MemoryFailBytes uint64        `yaml:"memory_fail_bytes"`
}

// AlertsConfig holds alert manager settings
type AlertsConfig struct {
	ResolveAfter int          `yaml:"resolve_after"`
	HistorySize  int          `yaml:"history_size"`
	Rules        []alert.Rule `yaml:"rules"`
}

// IdempotencyConfig holds the pebble store used for idempotency keys and
// the handler response cache
type IdempotencyConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Dir             string        `yaml:"dir"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// Default returns default configuration
func Default() *Config {
	opts := queue.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Store: StoreConfig{
			Backend: "memory",
			DataDir: "./data",
			WAL: WALConfig{
				Enabled:         true,
				SegmentSize:     16 * 1024 * 1024, // 16MB
				Fsync:           true,
				CompactSegments: 8,
			},
			Redis: RedisConfig{
				Addrs:  []string{"127.0.0.1:6379"},
				Prefix: "relayq",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Manager: ManagerConfig{
			Workers:         true,
			RecoverOnStart:  true,
			PollInterval:    opts.PollInterval,
			ShutdownGrace:   opts.ShutdownGrace,
			MonitorInterval: opts.MonitorInterval,
			SweepInterval:   opts.SweepInterval,
			StatsWindow:     opts.StatsWindow,
			DeadlockWindow:  opts.DeadlockWindow,
			StoreFailAfter:  opts.StoreFailAfter,
			MemoryWarnBytes: 512 << 20,
			MemoryFailBytes: 1 << 30,
		},
		Defaults: queue.DefaultQueueConfig(),
		Queues:   map[string]queue.QueueOverride{},
		Alerts: AlertsConfig{
			ResolveAfter: 3,
			HistorySize:  100,
			Rules:        alert.DefaultRules(),
		},
		Idempotency: IdempotencyConfig{
			Enabled:         true,
			Dir:             "./data/kv",
			JanitorInterval: time.Minute,
		},
	}
}

// Load loads configuration from file and applies environment overrides
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(data), yamlParser{}); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Use defaults if file doesn't exist
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return load(k)
}

// FromEnv builds the configuration from defaults and environment overrides
func FromEnv() (*Config, error) {
	return load(koanf.New("."))
}

func load(k *koanf.Koanf) (*Config, error) {
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg := Default()
	// lists replace their defaults instead of merging element-wise
	if k.Exists("alerts.rules") {
		cfg.Alerts.Rules = nil
	}
	if k.Exists("store.redis.addrs") {
		cfg.Store.Redis.Addrs = nil
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// LoadOrDefault loads config from file or returns default
func LoadOrDefault(path string) *Config {
	if path == "" {
		cfg, err := FromEnv()
		if err != nil {
			fmt.Printf("Warning: failed to load config: %v, using defaults\n", err)
			return Default()
		}
		return cfg
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: failed to load config: %v, using defaults\n", err)
		return Default()
	}

	return cfg
}

// Validate checks settings that would otherwise fail at runtime
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && len(c.Store.Redis.Addrs) == 0 {
		return errors.New("store.redis.addrs is required for the redis backend")
	}

	check := func(name string, q queue.QueueConfig) error {
		if q.Concurrency < 1 {
			return fmt.Errorf("queue %s: concurrency must be at least 1", name)
		}
		if q.MaxAttempts < 1 {
			return fmt.Errorf("queue %s: max_attempts must be at least 1", name)
		}
		if q.BackoffMultiplier < 1 {
			return fmt.Errorf("queue %s: backoff_multiplier must be at least 1", name)
		}
		return nil
	}
	if err := check("defaults", c.Defaults); err != nil {
		return err
	}
	for name, q := range c.Queues {
		if err := check(name, c.Defaults.Merge(q)); err != nil {
			return err
		}
	}
	return nil
}

// ManagerOptions maps the configuration onto queue manager options
func (c *Config) ManagerOptions() queue.Options {
	opts := queue.DefaultOptions()
	opts.Defaults = c.Defaults
	opts.Queues = c.Queues
	opts.PollInterval = c.Manager.PollInterval
	opts.ShutdownGrace = c.Manager.ShutdownGrace
	opts.MonitorInterval = c.Manager.MonitorInterval
	opts.SweepInterval = c.Manager.SweepInterval
	opts.StatsWindow = c.Manager.StatsWindow
	opts.DeadlockWindow = c.Manager.DeadlockWindow
	opts.StoreFailAfter = c.Manager.StoreFailAfter
	opts.MemoryWarnBytes = c.Manager.MemoryWarnBytes
	opts.MemoryFailBytes = c.Manager.MemoryFailBytes
	opts.StrictQueues = c.Manager.StrictQueues
	opts.RecoverOnStart = c.Manager.RecoverOnStart
	opts.DisableWorkers = !c.Manager.Workers
	opts.Alerts = alert.Options{
		Rules:        c.Alerts.Rules,
		ResolveAfter: c.Alerts.ResolveAfter,
		HistorySize:  c.Alerts.HistorySize,
	}
	return opts
}

// RedisOptions maps the configuration onto redis store options
func (c *Config) RedisOptions() redisstore.Options {
	return redisstore.Options{
		Addrs:    c.Store.Redis.Addrs,
		Password: c.Store.Redis.Password,
		DB:       c.Store.Redis.DB,
		Prefix:   c.Store.Redis.Prefix,
	}
}

// WALOptions maps the configuration onto the memory store journal
func (c *Config) WALOptions() wal.Config {
	return wal.Config{
		Dir:         filepath.Join(c.Store.DataDir, "wal"),
		SegmentSize: c.Store.WAL.SegmentSize,
		Fsync:       c.Store.WAL.Fsync,
	}
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
