package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	WhatsApp   WhatsAppConfig   `mapstructure:"whatsapp"`
	SMS        SMSConfig        `mapstructure:"sms"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	OptOut     OptOutConfig     `mapstructure:"opt_out"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	RequestTopic      string        `mapstructure:"request_topic"`
	OutcomeTopic      string        `mapstructure:"outcome_topic"`
	ConsumerGroupID   string        `mapstructure:"consumer_group_id"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WhatsAppConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Session      string        `mapstructure:"session"`
	APIKey       string        `mapstructure:"api_key"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// Mock replaces the gateway with a local simulation.
	Mock bool `mapstructure:"mock"`
}

type SMSConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AccountSID  string        `mapstructure:"account_sid"`
	AuthToken   string        `mapstructure:"auth_token"`
	From        string        `mapstructure:"from"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	Mock        bool          `mapstructure:"mock"`
}

// Rate limit backends and modes.
const (
	RateBackendMemory = "memory"
	RateBackendRedis  = "redis"

	RateModeReject = "reject"
	RateModeQueue  = "queue"
)

type RateLimitConfig struct {
	Backend  string        `mapstructure:"backend"`
	Mode     string        `mapstructure:"mode"`
	Ceiling  int           `mapstructure:"ceiling"`
	Window   time.Duration `mapstructure:"window"`
	RedisKey string        `mapstructure:"redis_key"`
}

type TemplatesConfig struct {
	Path     string `mapstructure:"path"`
	Language string `mapstructure:"language"`
}

// Opt-out store backends.
const (
	OptOutBackendPostgres = "postgres"
	OptOutBackendSQLite   = "sqlite"
)

type OptOutConfig struct {
	Backend string `mapstructure:"backend"`
}

type NormalizerConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type OutboxConfig struct {
	MaxRateLimitRetries int           `mapstructure:"max_rate_limit_retries"`
	MaxRetryDelay       time.Duration `mapstructure:"max_retry_delay"`
}

// Load reads configuration from file and environment variables. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DELIVERY")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "lead-delivery")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "60s")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "leads")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("sqlite.path", "leads.db")

	v.SetDefault("scylla.hosts", []string{"localhost"})
	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.keyspace", "lead_delivery")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", "5s")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "lead-delivery")
	v.SetDefault("kafka.request_topic", "delivery.requests")
	v.SetDefault("kafka.outcome_topic", "delivery.outcomes")
	v.SetDefault("kafka.consumer_group_id", "lead-delivery")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "1s")
	v.SetDefault("redis.write_timeout", "1s")

	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "lead-delivery")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.shutdown_timeout", "5s")

	v.SetDefault("whatsapp.base_url", "http://localhost:3000")
	v.SetDefault("whatsapp.session", "default")
	v.SetDefault("whatsapp.send_timeout", "10s")
	v.SetDefault("whatsapp.probe_timeout", "5s")
	v.SetDefault("whatsapp.api_key", "")
	v.SetDefault("whatsapp.mock", false)
	v.SetDefault("sms.base_url", "https://api.twilio.com")
	v.SetDefault("sms.account_sid", "")
	v.SetDefault("sms.auth_token", "")
	v.SetDefault("sms.from", "")
	v.SetDefault("sms.send_timeout", "10s")
	v.SetDefault("sms.mock", false)

	v.SetDefault("rate_limit.backend", RateBackendMemory)
	v.SetDefault("rate_limit.mode", RateModeReject)
	v.SetDefault("rate_limit.ceiling", 5)
	v.SetDefault("rate_limit.window", "1h")
	v.SetDefault("rate_limit.redis_key", "delivery:ratelimit:outbound")

	v.SetDefault("templates.path", "")
	v.SetDefault("templates.language", "de")
	v.SetDefault("opt_out.backend", OptOutBackendPostgres)
	v.SetDefault("normalizer.cache_ttl", "24h")
	v.SetDefault("outbox.max_rate_limit_retries", 10)
	v.SetDefault("outbox.max_retry_delay", "1h")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.Ceiling <= 0 {
		errs = append(errs, errors.New("rate_limit.ceiling must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	switch c.RateLimit.Backend {
	case RateBackendMemory, RateBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend %q is not supported", c.RateLimit.Backend))
	}
	switch c.RateLimit.Mode {
	case RateModeReject, RateModeQueue:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.mode %q is not supported", c.RateLimit.Mode))
	}
	switch c.OptOut.Backend {
	case OptOutBackendPostgres, OptOutBackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("opt_out.backend %q is not supported", c.OptOut.Backend))
	}
	if strings.TrimSpace(c.WhatsApp.BaseURL) == "" {
		errs = append(errs, errors.New("whatsapp.base_url is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
