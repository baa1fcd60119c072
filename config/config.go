// Package config loads service settings from an optional .env file and the
// environment. A key such as worker.count is read from WORKER_COUNT.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Backends for the metadata store and work queue.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Task    TaskConfig    `mapstructure:"task"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Input   InputConfig   `mapstructure:"input"`
	Journal JournalConfig `mapstructure:"journal"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type StoreConfig struct {
	// Backend selects redis or memory for both the store and the queue. The
	// memory backend only works with a single process.
	Backend string `mapstructure:"backend" validate:"required,oneof=redis memory"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"required_if=Backend redis"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`

	// Backend mirrors Store.Backend for validation.
	Backend string `mapstructure:"-"`
}

type QueueConfig struct {
	Size            int           `mapstructure:"size" validate:"gt=0"`
	BlockFor        time.Duration `mapstructure:"block_for" validate:"gt=0"`
	RecoverInflight bool          `mapstructure:"recover_inflight"`

	// VisibilityTimeout is how long a dequeued task may stay unacknowledged
	// before it is queued again. Zero disables the re-queue.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gte=0"`
}

type TaskConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type WorkerConfig struct {
	Count           int  `mapstructure:"count" validate:"gte=1"`
	NotifyOnFailure bool `mapstructure:"notify_on_failure"`
}

type NotifyConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries    uint64        `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	MaxElapsed    time.Duration `mapstructure:"max_elapsed" validate:"gt=0"`
}

type InputConfig struct {
	Dir           string        `mapstructure:"dir" validate:"required"`
	MaxBytes      int64         `mapstructure:"max_bytes" validate:"gt=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	PruneInterval time.Duration `mapstructure:"prune_interval" validate:"gt=0"`
}

type JournalConfig struct {
	// DatabaseURL enables the Postgres outcome journal when set.
	DatabaseURL string        `mapstructure:"database_url" validate:"omitempty,url"`
	Retention   time.Duration `mapstructure:"retention" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("store.backend", BackendRedis)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "analysisqueue:")

	v.SetDefault("queue.size", 1000)
	v.SetDefault("queue.block_for", 2*time.Second)
	v.SetDefault("queue.recover_inflight", false)
	v.SetDefault("queue.visibility_timeout", 15*time.Minute)

	v.SetDefault("task.ttl", time.Hour)

	v.SetDefault("worker.count", 5)
	v.SetDefault("worker.notify_on_failure", false)

	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.max_retries", 0)
	v.SetDefault("notify.retry_interval", 500*time.Millisecond)
	v.SetDefault("notify.max_elapsed", 30*time.Second)

	v.SetDefault("input.dir", "data/inputs")
	v.SetDefault("input.max_bytes", 20<<20)
	v.SetDefault("input.timeout", 10*time.Second)
	v.SetDefault("input.prune_interval", 10*time.Minute)

	v.SetDefault("journal.database_url", "")
	v.SetDefault("journal.retention", 30*24*time.Hour)
}

// Load reads .env (if present) and the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Redis.Backend = cfg.Store.Backend

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
