package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Session  SessionConfig  `yaml:"session"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Identity IdentityConfig `yaml:"identity"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SinkBuffer        int           `yaml:"sink_buffer"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr        string `yaml:"addr"`
	IngestToken string `yaml:"ingest_token"`
}

type SessionConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Backend string        `yaml:"backend"` // redis, postgres, memory
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type PostgresConfig struct {
	URL           string        `yaml:"url"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type IdentityConfig struct {
	Mode       string        `yaml:"mode"` // whoami, jwt
	WhoAmIURL  string        `yaml:"whoami_url"`
	JWTSecret  string        `yaml:"jwt_secret"`
	CookieName string        `yaml:"cookie_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
	QueueSize int    `yaml:"queue_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	IdentityWhoAmI = "whoami"
	IdentityJWT    = "jwt"
)

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:              ":8080",
			AllowedOrigins:    []string{"http://localhost:3000"},
			KeepaliveInterval: 15 * time.Second,
			IdleTimeout:       30 * time.Minute,
			SinkBuffer:        256,
			ShutdownTimeout:   10 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr: ":9090",
		},
		Session: SessionConfig{
			TTL:     time.Hour,
			Backend: BackendRedis,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "relay:session:",
		},
		Postgres: PostgresConfig{
			PurgeInterval: 5 * time.Minute,
		},
		Identity: IdentityConfig{
			Mode:       IdentityWhoAmI,
			CookieName: "access",
			Timeout:    5 * time.Second,
		},
		AMQP: AMQPConfig{
			Queue:    "relay.events",
			Prefetch: 10,
		},
		MinIO: MinIOConfig{
			Bucket:    "relay-drops",
			QueueSize: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("RELAY_HTTP_ADDR", &c.HTTP.Addr)
	str("RELAY_GRPC_ADDR", &c.GRPC.Addr)
	str("RELAY_INGEST_TOKEN", &c.GRPC.IngestToken)
	str("RELAY_STORE", &c.Session.Backend)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("DATABASE_URL", &c.Postgres.URL)
	str("RELAY_IDENTITY_MODE", &c.Identity.Mode)
	str("RELAY_WHOAMI_URL", &c.Identity.WhoAmIURL)
	str("RELAY_JWT_SECRET", &c.Identity.JWTSecret)
	str("RABBITMQ_URL", &c.AMQP.URL)
	str("RELAY_EVENT_QUEUE", &c.AMQP.Queue)
	str("MINIO_ENDPOINT", &c.MinIO.Endpoint)
	str("MINIO_ACCESS_KEY", &c.MinIO.AccessKey)
	str("MINIO_SECRET_KEY", &c.MinIO.SecretKey)
	str("MINIO_BUCKET", &c.MinIO.Bucket)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("RELAY_ALLOWED_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.HTTP.AllowedOrigins = origins
	}
	if v, ok := lookup("RELAY_SESSION_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_SESSION_TTL: %w", err)
		}
		c.Session.TTL = d
	}
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Session.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("postgres.url (DATABASE_URL) is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.Session.Backend))
	}

	switch c.Identity.Mode {
	case IdentityWhoAmI:
		if c.Identity.WhoAmIURL == "" {
			errs = append(errs, errors.New("identity.whoami_url is required for whoami mode"))
		}
	case IdentityJWT:
		if c.Identity.JWTSecret == "" {
			errs = append(errs, errors.New("identity.jwt_secret is required for jwt mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity mode %q", c.Identity.Mode))
	}

	if c.Identity.CookieName == "" {
		errs = append(errs, errors.New("identity.cookie_name must not be empty"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.HTTP.SinkBuffer <= 0 {
		errs = append(errs, errors.New("http.sink_buffer must be positive"))
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		errs = append(errs, errors.New("minio.bucket is required when minio.endpoint is set"))
	}

	return errors.Join(errs...)
}
