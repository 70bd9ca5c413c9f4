// Package config loads and validates mirror configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// AppName names the default cache and state directories.
const AppName = "substack-mirror"

// EnvPrefix prefixes every environment override, e.g. MIRROR_AUTH_TOKEN.
const EnvPrefix = "MIRROR"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxTotal       int           `mapstructure:"max_total"`
	MaxPerHost     int           `mapstructure:"max_per_host"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

// ProxyConfig holds residential proxy credentials.
type ProxyConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Gateway     string `mapstructure:"gateway"`
	Sticky      bool   `mapstructure:"sticky"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	CountryCode string `mapstructure:"country_code"`
	City        string `mapstructure:"city"`
	State       string `mapstructure:"state"`
	SessionID   string `mapstructure:"session_id"`
	SessionTime int    `mapstructure:"session_time"`
}

// ThrottleConfig bounds the adaptive delay.
type ThrottleConfig struct {
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	DecayFactor   float64       `mapstructure:"decay_factor"`
	DecayAfter    int           `mapstructure:"decay_after"`
	Jitter        float64       `mapstructure:"jitter"`
}

// CacheConfig locates the TTL cache and overrides per-type lifetimes.
type CacheConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Path    string    `mapstructure:"path"`
	TTL     TTLConfig `mapstructure:"ttl"`
}

// TTLConfig overrides content cache lifetimes. Zero keeps the built-in value.
type TTLConfig struct {
	Default    time.Duration `mapstructure:"default"`
	Post       time.Duration `mapstructure:"post"`
	PostsList  time.Duration `mapstructure:"posts_list"`
	Comments   time.Duration `mapstructure:"comments"`
	Newsletter time.Duration `mapstructure:"newsletter"`
	Author     time.Duration `mapstructure:"author"`
	Page       time.Duration `mapstructure:"page"`
}

// SyncConfig locates per-author sync documents.
type SyncConfig struct {
	Dir string `mapstructure:"dir"`
}

// Executor names.
const (
	ExecutorCooperative = "cooperative"
	ExecutorIsolated    = "isolated"
)

// CrawlerConfig governs discovery, fetching and the per-post pipeline.
type CrawlerConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	UserAgent        string        `mapstructure:"user_agent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Concurrency      int           `mapstructure:"concurrency"`
	Executor         string        `mapstructure:"executor"`
	Strategy         string        `mapstructure:"strategy"`
	PageSize         int           `mapstructure:"page_size"`
	MaxPages         int           `mapstructure:"max_pages"`
	Comments         bool          `mapstructure:"comments"`
	Images           bool          `mapstructure:"images"`
	ImageRPS         float64       `mapstructure:"image_rps"`
	ImageBurst       int           `mapstructure:"image_burst"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerOpenDelay time.Duration `mapstructure:"breaker_open_timeout"`
}

// AuthConfig carries the session token. Empty means anonymous access.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// StorageConfig selects where mirrored documents and images are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	OutputDir string `mapstructure:"output_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres post index.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for mirrored-post notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// ProgressTopic receives run start and finish events when set.
	ProgressTopic string `mapstructure:"progress_topic"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load builds a Config from an optional file plus MIRROR_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	base := filepath.Join(xdg.CacheHome, AppName)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pool.max_total", 100)
	v.SetDefault("pool.max_per_host", 10)
	v.SetDefault("pool.connect_timeout", "10s")
	v.SetDefault("pool.read_timeout", "30s")
	v.SetDefault("pool.keep_alive", "30s")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.gateway", "pr.oxylabs.io:7777")
	v.SetDefault("proxy.sticky", false)
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("proxy.country_code", "")
	v.SetDefault("proxy.city", "")
	v.SetDefault("proxy.state", "")
	v.SetDefault("proxy.session_id", "")
	v.SetDefault("proxy.session_time", 0)
	v.SetDefault("throttle.min_delay", "500ms")
	v.SetDefault("throttle.max_delay", "5s")
	v.SetDefault("throttle.backoff_factor", 2.0)
	v.SetDefault("throttle.decay_factor", 0.5)
	v.SetDefault("throttle.decay_after", 5)
	v.SetDefault("throttle.jitter", 0.5)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.path", filepath.Join(base, "cache.db"))
	v.SetDefault("cache.ttl.default", "1h")
	v.SetDefault("cache.ttl.post", "168h")
	v.SetDefault("cache.ttl.posts_list", "1h")
	v.SetDefault("cache.ttl.comments", "6h")
	v.SetDefault("cache.ttl.newsletter", "24h")
	v.SetDefault("cache.ttl.author", "72h")
	v.SetDefault("cache.ttl.page", "1h")
	v.SetDefault("sync.dir", filepath.Join(base, "sync"))
	v.SetDefault("crawler.base_url", "")
	v.SetDefault("crawler.user_agent", "substack-mirror/1.0")
	v.SetDefault("crawler.timeout", "30s")
	v.SetDefault("crawler.max_body_bytes", 0)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.executor", ExecutorCooperative)
	v.SetDefault("crawler.strategy", "api")
	v.SetDefault("crawler.page_size", 50)
	v.SetDefault("crawler.max_pages", 200)
	v.SetDefault("crawler.comments", true)
	v.SetDefault("crawler.images", true)
	v.SetDefault("crawler.image_rps", 5.0)
	v.SetDefault("crawler.image_burst", 2)
	v.SetDefault("crawler.breaker_failures", 5)
	v.SetDefault("crawler.breaker_open_timeout", "60s")
	v.SetDefault("auth.token", "")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.output_dir", "mirror")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "mirrored_posts")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.progress_topic", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "60s")
}

var strategies = []string{"api", "sitemap", "feed", "archive"}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Crawler.Concurrency <= 0 {
		errs = append(errs, errors.New("crawler.concurrency must be > 0"))
	}
	if c.Crawler.MaxRetries < 0 {
		errs = append(errs, errors.New("crawler.max_retries must be >= 0"))
	}
	if c.Crawler.Executor != ExecutorCooperative && c.Crawler.Executor != ExecutorIsolated {
		errs = append(errs, fmt.Errorf("crawler.executor must be %q or %q", ExecutorCooperative, ExecutorIsolated))
	}
	if !slices.Contains(strategies, c.Crawler.Strategy) {
		errs = append(errs, fmt.Errorf("crawler.strategy must be one of %s", strings.Join(strategies, ", ")))
	}
	if c.Throttle.MaxDelay > 0 && c.Throttle.MinDelay > c.Throttle.MaxDelay {
		errs = append(errs, errors.New("throttle.min_delay must not exceed throttle.max_delay"))
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.OutputDir == "" {
			errs = append(errs, errors.New("storage.output_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required when the cache is enabled"))
	}
	if (c.PubSub.TopicName != "" || c.PubSub.ProgressTopic != "") && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when a pubsub topic is set"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	return errors.Join(errs...)
}
