// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	API       APIConfig       `mapstructure:"api"`
	DB        DBConfig        `mapstructure:"db"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Retention RetentionConfig `mapstructure:"retention"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Sites     []SiteConfig    `mapstructure:"sites"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// APIConfig throttles the pass trigger endpoints and bounds list sizes.
type APIConfig struct {
	TriggerRPS   float64 `mapstructure:"trigger_rps"`
	TriggerBurst int     `mapstructure:"trigger_burst"`
	DefaultLimit int     `mapstructure:"default_limit"`
	MaxLimit     int     `mapstructure:"max_limit"`
}

// DBConfig selects and tunes the store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MatcherConfig tunes matching passes.
type MatcherConfig struct {
	BatchSize   int `mapstructure:"batch_size"`
	Parallelism int `mapstructure:"parallelism"`
}

// SnapshotConfig tunes snapshot passes.
type SnapshotConfig struct {
	ChunkSize int     `mapstructure:"chunk_size"`
	Tolerance float64 `mapstructure:"tolerance"`
	Topic     string  `mapstructure:"topic"`
}

// RetentionConfig bounds stored history per (site, key).
type RetentionConfig struct {
	MaxAge     time.Duration `mapstructure:"max_age"`
	KeepLatest int           `mapstructure:"keep_latest"`
}

// HTTPConfig configures the fetch client and its transport.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
	JitterMin      time.Duration `mapstructure:"jitter_min"`
	JitterMax      time.Duration `mapstructure:"jitter_max"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// SiteConfig declares one competitor site. Zero limits fall back to the
// adapter's built-in defaults.
type SiteConfig struct {
	Code        string  `mapstructure:"code"`
	Name        string  `mapstructure:"name"`
	BaseURL     string  `mapstructure:"base_url"`
	Rate        float64 `mapstructure:"rate"`
	Burst       int     `mapstructure:"burst"`
	Concurrency int     `mapstructure:"concurrency"`
	Disabled    bool    `mapstructure:"disabled"`
}

// SchedulerConfig drives the periodic all-sites run of `serve`.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
	MatchLimit    int           `mapstructure:"match_limit"`
	SnapshotLimit int           `mapstructure:"snapshot_limit"`
}

// ArchiveConfig selects where parse-miss pages are archived.
type ArchiveConfig struct {
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig enables price-change publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// RedisConfig enables distributed pass locks.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Load builds a Config from .env, an optional config file and PRICEWATCH_*
// environment variables.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
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
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("api.trigger_rps", 0.2)
	v.SetDefault("api.trigger_burst", 2)
	v.SetDefault("api.default_limit", 200)
	v.SetDefault("api.max_limit", 5000)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("matcher.batch_size", 500)
	v.SetDefault("matcher.parallelism", 12)
	v.SetDefault("snapshot.chunk_size", 50)
	v.SetDefault("snapshot.tolerance", 0.005)
	v.SetDefault("snapshot.topic", "")
	v.SetDefault("retention.max_age", "4320h")
	v.SetDefault("retention.keep_latest", 10)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (compatible; pricewatch/1.0)")
	v.SetDefault("http.accept_language", "bg-BG,bg;q=0.9,en;q=0.8")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.connect_timeout", "8s")
	v.SetDefault("http.timeout", "14s")
	v.SetDefault("http.jitter_min", "30ms")
	v.SetDefault("http.jitter_max", "120ms")
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_base", "800ms")
	v.SetDefault("http.backoff_max", "2200ms")
	v.SetDefault("sites", []map[string]any{
		{"code": "praktiker", "name": "Praktiker", "base_url": "https://praktiker.bg"},
		{"code": "mrbricolage", "name": "Mr. Bricolage", "base_url": "https://mr-bricolage.bg"},
		{"code": "mashinibg", "name": "OnlineMashini", "base_url": "https://www.onlinemashini.bg"},
	})
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.match_limit", 0)
	v.SetDefault("scheduler.snapshot_limit", 0)
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.dir", "data/parse-miss")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "parse-miss")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "2h")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.API.TriggerRPS >= 0, "api.trigger_rps must be >= 0")
	check(c.API.DefaultLimit > 0, "api.default_limit must be > 0")
	check(c.API.MaxLimit >= c.API.DefaultLimit, "api.max_limit must be >= api.default_limit")
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		check(c.DB.DSN != "", "db.dsn is required for the postgres driver")
	default:
		errs = append(errs, fmt.Errorf("db.driver %q is not supported", c.DB.Driver))
	}
	check(c.Matcher.BatchSize > 0, "matcher.batch_size must be > 0")
	check(c.Matcher.Parallelism > 0, "matcher.parallelism must be > 0")
	check(c.Snapshot.ChunkSize > 0, "snapshot.chunk_size must be > 0")
	check(c.Snapshot.Tolerance >= 0, "snapshot.tolerance must be >= 0")
	check(c.Retention.MaxAge > 0, "retention.max_age must be > 0")
	check(c.Retention.KeepLatest > 0, "retention.keep_latest must be > 0")
	check(c.HTTP.Timeout > 0, "http.timeout must be > 0")
	check(c.HTTP.MaxAttempts > 0, "http.max_attempts must be > 0")
	check(c.HTTP.JitterMin <= c.HTTP.JitterMax, "http.jitter_min must be <= http.jitter_max")
	check(len(c.EnabledSites()) > 0, "at least one site must be enabled")
	seen := make(map[string]bool, len(c.Sites))
	for _, site := range c.Sites {
		check(site.Code != "", "sites[].code is required")
		check(!seen[site.Code], fmt.Sprintf("site %q is declared twice", site.Code))
		check(site.Rate >= 0 && site.Burst >= 0 && site.Concurrency >= 0, fmt.Sprintf("site %q limits must be >= 0", site.Code))
		seen[site.Code] = true
	}
	check(!c.Scheduler.Enabled || c.Scheduler.Interval > 0, "scheduler.interval must be > 0 when the scheduler is enabled")
	switch c.Archive.Driver {
	case "", "none", "memory":
	case "local":
		check(c.Archive.Dir != "", "archive.dir is required for the local driver")
	case "gcs":
		check(c.Archive.Bucket != "", "archive.bucket is required for the gcs driver")
	default:
		errs = append(errs, fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver))
	}
	check(!c.PubSub.Enabled || c.PubSub.ProjectID != "", "pubsub.project_id is required when pubsub is enabled")
	check(!c.PubSub.Enabled || c.Snapshot.Topic != "", "snapshot.topic is required when pubsub is enabled")
	check(c.Redis.Addr == "" || c.Redis.LockTTL > 0, "redis.lock_ttl must be > 0")

	return errors.Join(errs...)
}

// EnabledSites returns the sites that are not disabled, in declaration order.
func (c Config) EnabledSites() []SiteConfig {
	out := make([]SiteConfig, 0, len(c.Sites))
	for _, site := range c.Sites {
		if !site.Disabled {
			out = append(out, site)
		}
	}
	return out
}
