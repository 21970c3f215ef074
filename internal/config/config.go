// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/jobqueue/internal/events"
	"github.com/JakeFAU/jobqueue/internal/logging"
	"github.com/JakeFAU/jobqueue/internal/scheduler"
	"github.com/JakeFAU/jobqueue/internal/settings"
	"github.com/JakeFAU/jobqueue/internal/storage/postgres"
)

// Backend names accepted by the store, changefeed, and archive sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Store         StoreConfig         `mapstructure:"store"`
	DB            DBConfig            `mapstructure:"db"`
	ChangeFeed    ChangeFeedConfig    `mapstructure:"changefeed"`
	Redis         RedisConfig         `mapstructure:"redis"`
	PubSub        PubSubConfig        `mapstructure:"pubsub"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Events        events.Config       `mapstructure:"events"`
	Scheduler     scheduler.Config    `mapstructure:"scheduler"`
	QueueDefaults QueueDefaultsConfig `mapstructure:"queue_defaults"`
	Logging       logging.Config      `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// LiveBuffer is the per-subscriber buffer of the live item stream.
	LiveBuffer int `mapstructure:"live_buffer"`
	// SubmitRPS throttles POST /v1/submissions per client. Zero disables it.
	SubmitRPS   float64 `mapstructure:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects the queue, result, and configuration document store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// Postgres converts the section into pool options.
func (c DBConfig) Postgres() postgres.Config {
	return postgres.Config{
		DSN:             c.DSN,
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		MaxConnLifetime: c.MaxConnLifetime,
	}
}

// ChangeFeedConfig selects how committed changes reach live views.
type ChangeFeedConfig struct {
	Backend string `mapstructure:"backend"`
	Buffer  int    `mapstructure:"buffer"`
}

// RedisConfig configures the Redis change feed.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// PubSubConfig configures dispatch notifications. An empty topic keeps
// notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether notifications go to Pub/Sub.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.TopicName != ""
}

// ArchiveConfig selects where deleted items are archived.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// QueueDefaultsConfig seeds the queue settings until an administrator saves
// them through the API.
type QueueDefaultsConfig struct {
	MaxRetries               int `mapstructure:"max_retries"`
	RetryDelaySeconds        int `mapstructure:"retry_delay_seconds"`
	ProcessingTimeoutSeconds int `mapstructure:"processing_timeout_seconds"`
}

// Settings converts the section into settings.QueueSettings.
func (c QueueDefaultsConfig) Settings() settings.QueueSettings {
	return settings.QueueSettings{
		MaxRetries:               c.MaxRetries,
		RetryDelaySeconds:        c.RetryDelaySeconds,
		ProcessingTimeoutSeconds: c.ProcessingTimeoutSeconds,
	}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.live_buffer", 64)
	v.SetDefault("server.submit_rps", 0)
	v.SetDefault("server.submit_burst", 20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("changefeed.backend", BackendMemory)
	v.SetDefault("changefeed.buffer", 256)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "jobqueue:changes")
	v.SetDefault("archive.backend", BackendMemory)
	v.SetDefault("archive.prefix", "archive")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("events.sink_timeout", "5s")
	v.SetDefault("scheduler.reap_schedule", "@every 1m")
	v.SetDefault("scheduler.auto_retry", false)
	v.SetDefault("scheduler.retry_schedule", "@every 1m")
	v.SetDefault("scheduler.run_timeout", "30s")
	defaults := settings.DefaultQueueSettings()
	v.SetDefault("queue_defaults.max_retries", defaults.MaxRetries)
	v.SetDefault("queue_defaults.retry_delay_seconds", defaults.RetryDelaySeconds)
	v.SetDefault("queue_defaults.processing_timeout_seconds", defaults.ProcessingTimeoutSeconds)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when store.backend is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Store.Backend)
	}
	switch c.ChangeFeed.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" || c.Redis.Channel == "" {
			return fmt.Errorf("redis.addr and redis.channel must be set when changefeed.backend is %q", BackendRedis)
		}
	default:
		return fmt.Errorf("changefeed.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.ChangeFeed.Backend)
	}
	if c.ChangeFeed.Buffer <= 0 {
		return fmt.Errorf("changefeed.buffer must be > 0")
	}
	switch c.Archive.Backend {
	case BackendMemory:
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.backend is %q", BackendGCS)
		}
	case BackendLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.backend is %q", BackendLocal)
		}
	default:
		return fmt.Errorf("archive.backend must be %q, %q, or %q, got %q",
			BackendMemory, BackendGCS, BackendLocal, c.Archive.Backend)
	}
	if c.Server.SubmitRPS < 0 {
		return fmt.Errorf("server.submit_rps must be >= 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if err := c.QueueDefaults.Settings().Validate(); err != nil {
		return fmt.Errorf("queue_defaults: %w", err)
	}
	return nil
}
