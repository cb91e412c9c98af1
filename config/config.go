package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"beacon-registry/internal/catalog"
	"beacon-registry/internal/parse"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Registry   RegistryConfig   `yaml:"registry"`
	Games      []catalog.Game   `yaml:"games"`
	Push       PushConfig       `yaml:"push"`
	Events     EventsConfig     `yaml:"events"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Compactor  CompactorConfig  `yaml:"compactor"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are present.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres, sqlite or memory
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// RegistryConfig holds the wait-time bounds, matching and locking policy.
type RegistryConfig struct {
	MinWaitHours       float64       `yaml:"min_wait_hours"`
	MaxWaitHours       float64       `yaml:"max_wait_hours"`
	MinWait            time.Duration `yaml:"-"`
	MaxWait            time.Duration `yaml:"-"`
	DurationPolicy     string        `yaml:"duration_policy"`
	MatchRule          string        `yaml:"match_rule"`
	LockMode           string        `yaml:"lock_mode"`
	StoreTimeoutMillis int           `yaml:"store_timeout_ms"`
	StoreTimeout       time.Duration `yaml:"-"`
	IDRetries          int           `yaml:"id_retries"`
	ConflictRetries    int           `yaml:"conflict_retries"`
	ReadRetries        int           `yaml:"read_retries"`
}

// EventsConfig selects the broker match events are published to.
type EventsConfig struct {
	Backend     string `yaml:"backend"` // amqp, mqtt or none
	URL         string `yaml:"url"`
	Exchange    string `yaml:"exchange"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// CompactorConfig controls the background removal of long-expired beacons.
type CompactorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
	GraceSeconds    int           `yaml:"grace_seconds"`
	Grace           time.Duration `yaml:"-"`
}

// envOverrides are read from BEACON_* environment variables and win over the file.
type envOverrides struct {
	DatabaseDriver  string `envconfig:"DATABASE_DRIVER"`
	DatabaseDSN     string `envconfig:"DATABASE_DSN"`
	Port            int    `envconfig:"PORT"`
	EventsBackend   string `envconfig:"EVENTS_BACKEND"`
	EventsURL       string `envconfig:"EVENTS_URL"`
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("read environment overrides: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (cfg *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("beacon", &env); err != nil {
		return err
	}
	if env.DatabaseDriver != "" {
		cfg.Database.Driver = env.DatabaseDriver
	}
	if env.DatabaseDSN != "" {
		cfg.Database.DSN = env.DatabaseDSN
	}
	if env.Port > 0 {
		cfg.Server.Port = env.Port
	}
	if env.EventsBackend != "" {
		cfg.Events.Backend = env.EventsBackend
	}
	if env.EventsURL != "" {
		cfg.Events.URL = env.EventsURL
	}
	if env.VAPIDPublicKey != "" {
		cfg.Push.PublicKey = env.VAPIDPublicKey
	}
	if env.VAPIDPrivateKey != "" {
		cfg.Push.PrivateKey = env.VAPIDPrivateKey
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 5
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 60
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Registry.MinWaitHours <= 0 {
		cfg.Registry.MinWaitHours = 0.25
	}
	if cfg.Registry.MaxWaitHours <= 0 {
		cfg.Registry.MaxWaitHours = 24
	}
	cfg.Registry.MinWait = parse.Hours(cfg.Registry.MinWaitHours)
	cfg.Registry.MaxWait = parse.Hours(cfg.Registry.MaxWaitHours)
	if cfg.Registry.DurationPolicy == "" {
		cfg.Registry.DurationPolicy = "clamp"
	}
	if cfg.Registry.MatchRule == "" {
		cfg.Registry.MatchRule = "same"
	}
	if cfg.Registry.LockMode == "" {
		cfg.Registry.LockMode = "memory"
	}
	if cfg.Registry.StoreTimeoutMillis <= 0 {
		cfg.Registry.StoreTimeoutMillis = 3000
	}
	cfg.Registry.StoreTimeout = time.Duration(cfg.Registry.StoreTimeoutMillis) * time.Millisecond
	if cfg.Registry.IDRetries <= 0 {
		cfg.Registry.IDRetries = 3
	}
	if cfg.Registry.ConflictRetries <= 0 {
		cfg.Registry.ConflictRetries = 5
	}
	if cfg.Registry.ReadRetries <= 0 {
		cfg.Registry.ReadRetries = 3
	}

	if len(cfg.Games) == 0 {
		log.Printf("no games configured; using the built-in catalog")
		cfg.Games = catalog.DefaultGames
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.Events.Backend == "" {
		cfg.Events.Backend = "none"
	}
	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "beacons"
	}
	if cfg.Events.TopicPrefix == "" {
		cfg.Events.TopicPrefix = "beacons"
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Compactor.IntervalSeconds <= 0 {
		cfg.Compactor.IntervalSeconds = 3600
	}
	cfg.Compactor.Interval = time.Duration(cfg.Compactor.IntervalSeconds) * time.Second
	if cfg.Compactor.GraceSeconds <= 0 {
		cfg.Compactor.GraceSeconds = 86400
	}
	cfg.Compactor.Grace = time.Duration(cfg.Compactor.GraceSeconds) * time.Second
}
