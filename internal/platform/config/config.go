package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g.
// DIMONA_ENGINE_MAX_POLL_ATTEMPTS.
const EnvPrefix = "DIMONA"

// Config is the full process configuration.
type Config struct {
	Server   Server      `mapstructure:"server"`
	Database Database    `mapstructure:"database"`
	Redis    RedisConfig `mapstructure:"redis"`
	Kafka    Kafka       `mapstructure:"kafka"`
	Registry Registry    `mapstructure:"registry"`
	Engine   Engine      `mapstructure:"engine"`
	Log      Log         `mapstructure:"log"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// Database configures the PostgreSQL pool. An empty URL selects in-memory stores.
type Database struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig configures the shared Redis client. An empty URL disables Redis.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Kafka configures the declaration event stream. No brokers means events are
// only logged.
type Kafka struct {
	Brokers           []string `mapstructure:"brokers"`
	Topic             string   `mapstructure:"topic"`
	CreateTopic       bool     `mapstructure:"create_topic"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
}

// Registry configures the government registry API and its named clients.
type Registry struct {
	BaseURL          string           `mapstructure:"base_url"`
	TokenURL         string           `mapstructure:"token_url"`
	Audience         string           `mapstructure:"audience"`
	Timeout          time.Duration    `mapstructure:"timeout"`
	TokenExpirySkew  time.Duration    `mapstructure:"token_expiry_skew"`
	DefaultClient    string           `mapstructure:"default_client"`
	Clients          []RegistryClient `mapstructure:"clients"`
	BreakerFailures  int              `mapstructure:"breaker_failures"`
	BreakerCooldown  time.Duration    `mapstructure:"breaker_cooldown"`
	SharedTokenCache bool             `mapstructure:"shared_token_cache"`
}

// RegistryClient is one credential set. The signing key is given inline or as
// a path to a PEM file.
type RegistryClient struct {
	Name           string `mapstructure:"name"`
	ClientID       string `mapstructure:"client_id"`
	PrivateKeyPEM  string `mapstructure:"private_key_pem"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

// Engine bounds the declaration workers.
type Engine struct {
	Workers             int           `mapstructure:"workers"`
	QueueBackend        string        `mapstructure:"queue_backend"`
	QueueKey            string        `mapstructure:"queue_key"`
	MaxSubmitAttempts   int           `mapstructure:"max_submit_attempts"`
	MaxPollAttempts     int           `mapstructure:"max_poll_attempts"`
	MaxDeclareDeferrals int           `mapstructure:"max_declare_deferrals"`
	InitialPollDelay    time.Duration `mapstructure:"initial_poll_delay"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	MaxTaskRetries      int           `mapstructure:"max_task_retries"`
	RecoveryInterval    time.Duration `mapstructure:"recovery_interval"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	AnomalyCodesPath    string        `mapstructure:"anomaly_codes_path"`
	ResultCodesPath     string        `mapstructure:"result_codes_path"`
}

// Log selects handler format and level.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "dimona.declarations")
	v.SetDefault("kafka.create_topic", false)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("registry.base_url", "")
	v.SetDefault("registry.token_url", "")
	v.SetDefault("registry.audience", "")
	v.SetDefault("registry.timeout", 10*time.Second)
	v.SetDefault("registry.token_expiry_skew", 30*time.Second)
	v.SetDefault("registry.default_client", "default")
	v.SetDefault("registry.breaker_failures", 5)
	v.SetDefault("registry.breaker_cooldown", 30*time.Second)
	v.SetDefault("registry.shared_token_cache", false)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_backend", QueueBackendMemory)
	v.SetDefault("engine.queue_key", "dimona:tasks")
	v.SetDefault("engine.max_submit_attempts", 5)
	v.SetDefault("engine.max_poll_attempts", 20)
	v.SetDefault("engine.max_declare_deferrals", 10)
	v.SetDefault("engine.initial_poll_delay", 5*time.Second)
	v.SetDefault("engine.backoff_base", 2*time.Second)
	v.SetDefault("engine.backoff_max", 5*time.Minute)
	v.SetDefault("engine.max_task_retries", 8)
	v.SetDefault("engine.recovery_interval", time.Minute)
	v.SetDefault("engine.stale_after", 15*time.Minute)
	v.SetDefault("engine.anomaly_codes_path", "")
	v.SetDefault("engine.result_codes_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads defaults, then the optional YAML file at path, then DIMONA_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if err := c.Registry.validate(); err != nil {
		return err
	}
	e := c.Engine
	if e.Workers <= 0 {
		return fmt.Errorf("config.engine.workers must be positive")
	}
	if e.MaxSubmitAttempts <= 0 || e.MaxPollAttempts <= 0 || e.MaxDeclareDeferrals <= 0 {
		return fmt.Errorf("config.engine attempt bounds must be positive")
	}
	if e.BackoffBase <= 0 || e.BackoffMax < e.BackoffBase {
		return fmt.Errorf("config.engine.backoff_max must be >= backoff_base > 0")
	}
	if e.MaxTaskRetries < 0 {
		return fmt.Errorf("config.engine.max_task_retries must not be negative")
	}
	if e.RecoveryInterval <= 0 || e.StaleAfter <= e.BackoffMax {
		return fmt.Errorf("config.engine.stale_after must exceed backoff_max and recovery_interval must be positive")
	}
	switch e.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("config.redis.url is required for the redis queue backend")
		}
	default:
		return fmt.Errorf("config.engine.queue_backend must be %q or %q", QueueBackendMemory, QueueBackendRedis)
	}
	if c.Registry.SharedTokenCache && c.Redis.URL == "" {
		return fmt.Errorf("config.redis.url is required for the shared token cache")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config.kafka.topic is required when brokers are set")
	}
	return nil
}

func (r Registry) validate() error {
	if len(r.Clients) == 0 {
		return nil
	}
	if r.BaseURL == "" || r.TokenURL == "" {
		return fmt.Errorf("config.registry.base_url and token_url are required when clients are configured")
	}
	seen := make(map[string]struct{}, len(r.Clients))
	for _, c := range r.Clients {
		if c.Name == "" || c.ClientID == "" {
			return fmt.Errorf("config.registry.clients entries need name and client_id")
		}
		if c.PrivateKeyPEM == "" && c.PrivateKeyPath == "" {
			return fmt.Errorf("registry client %s has no signing key", c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("registry client %s is configured twice", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	if _, ok := seen[r.DefaultClient]; !ok {
		return fmt.Errorf("config.registry.default_client %q is not a configured client", r.DefaultClient)
	}
	return nil
}
