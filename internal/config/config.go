// Package config loads conductor configuration from YAML with environment
// overrides (CONDUCTOR_ prefix).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendConfig describes one backend class.
type BackendConfig struct {
	Class             string        `mapstructure:"class"`
	Addr              string        `mapstructure:"addr"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	WakeTimeout       time.Duration `mapstructure:"wake_timeout"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	SleepGrace        time.Duration `mapstructure:"sleep_grace"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
}

// ExecutorConfig holds per-task execution budgets and retry policy.
type ExecutorConfig struct {
	MaxSteps            int           `mapstructure:"max_steps"`
	MaxToolCallsPerStep int           `mapstructure:"max_tool_calls_per_step"`
	StepTimeout         time.Duration `mapstructure:"step_timeout"`
	StepRetries         int           `mapstructure:"step_retries"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout"`
}

// SchedulerConfig holds admission and history settings.
type SchedulerConfig struct {
	HistorySize   int    `mapstructure:"history_size"`
	FallbackClass string `mapstructure:"fallback_class"`
}

// LifecycleConfig holds the idle sweep settings.
type LifecycleConfig struct {
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	HealthProbeInterval time.Duration `mapstructure:"health_probe_interval"`
}

// DatabaseConfig holds the task store connection settings. An empty host
// disables the Postgres store and falls back to the in-memory adapter.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds the event sink settings. An empty addr disables the
// Redis sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	Stream   string `mapstructure:"stream"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backends  []BackendConfig `mapstructure:"backends"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// RateLimitsPath points at an optional limits YAML overriding the
	// per-backend quotas. Empty means backends use their inline settings.
	RateLimitsPath string `mapstructure:"rate_limits_path"`
}

// Load reads configuration from path (or CONDUCTOR_CONFIG_PATH, or
// ./config/conductor.yaml) and applies env overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONDUCTOR_CONFIG_PATH")
	}
	if path == "" {
		path = "./config/conductor.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env cover embedded use.
		if _, ok := err.(*os.PathError); !ok && !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyBackendDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8085")
	v.SetDefault("server.metrics_addr", ":2112")
	v.SetDefault("scheduler.history_size", 256)
	v.SetDefault("scheduler.fallback_class", "fallback")
	v.SetDefault("executor.max_steps", 50)
	v.SetDefault("executor.max_tool_calls_per_step", 10)
	v.SetDefault("executor.step_timeout", "120s")
	v.SetDefault("executor.step_retries", 3)
	v.SetDefault("executor.retry_base_delay", "1s")
	v.SetDefault("executor.retry_max_delay", "30s")
	v.SetDefault("executor.task_timeout", "30m")
	v.SetDefault("lifecycle.sweep_interval", "30s")
	v.SetDefault("lifecycle.health_probe_interval", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("redis.stream", "conductor:events")
}

func applyBackendDefaults(cfg *Config) {
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.MaxConcurrent <= 0 {
			b.MaxConcurrent = 4
		}
		if b.WakeTimeout <= 0 {
			b.WakeTimeout = 10 * time.Minute
		}
		if b.ReadyPollInterval <= 0 {
			b.ReadyPollInterval = 5 * time.Second
		}
		if b.IdleTimeout <= 0 {
			b.IdleTimeout = 15 * time.Minute
		}
		if b.SleepGrace <= 0 {
			b.SleepGrace = 60 * time.Second
		}
		if b.RequestsPerMinute <= 0 {
			b.RequestsPerMinute = 30
		}
		if b.Burst <= 0 {
			b.Burst = 5
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, b := range c.Backends {
		if b.Class == "" {
			return fmt.Errorf("backend with empty class")
		}
		if seen[b.Class] {
			return fmt.Errorf("duplicate backend class %q", b.Class)
		}
		seen[b.Class] = true
	}
	if c.Scheduler.HistorySize <= 0 {
		return fmt.Errorf("scheduler.history_size must be positive")
	}
	if c.Executor.MaxSteps <= 0 {
		return fmt.Errorf("executor.max_steps must be positive")
	}
	return nil
}
