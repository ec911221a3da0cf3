package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	LogLevel      string        `mapstructure:"log_level"`
	Secret        string        `mapstructure:"secret"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	PongWait      time.Duration `mapstructure:"pong_wait"`
	WriteWait     time.Duration `mapstructure:"write_wait"`
	OutboundQueue int           `mapstructure:"outbound_queue"`
	RoomShards    int           `mapstructure:"room_shards"`
	AdminToken    string        `mapstructure:"admin_token"`

	OverflowPolicy    string `mapstructure:"overflow_policy"`
	OverflowKickAfter uint64 `mapstructure:"overflow_kick_after"`

	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	Events   int           `mapstructure:"events"`
	Interval time.Duration `mapstructure:"interval"`
}

type AuthConfig struct {
	Provider  string        `mapstructure:"provider"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	RemoteURL string        `mapstructure:"remote_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	DSN         string        `mapstructure:"dsn"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxInflight int64         `mapstructure:"max_inflight"`
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig enables the activity stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	QueueSize int      `mapstructure:"queue_size"`
	Workers   int      `mapstructure:"workers"`
	MaxRetry  int      `mapstructure:"max_retry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("outbound_queue", 64)
	v.SetDefault("room_shards", 32)
	v.SetDefault("admin_token", "")
	v.SetDefault("overflow_policy", "drop_oldest")
	v.SetDefault("overflow_kick_after", 256)

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://localhost:3001"})

	v.SetDefault("rate_limit.events", 120)
	v.SetDefault("rate_limit.interval", "1s")

	v.SetDefault("auth.provider", "jwt")
	v.SetDefault("auth.jwt_secret", "dev-secret")
	v.SetDefault("auth.remote_url", "")
	v.SetDefault("auth.timeout", "1200ms")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.max_inflight", 64)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab.activity")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("auth", cfg.Auth.Provider).
		Str("store", cfg.Store.Driver).
		Msg("config ready")
	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.OutboundQueue <= 0 {
		return fmt.Errorf("outbound_queue must be positive, got %d", c.OutboundQueue)
	}
	if c.PongWait <= c.PingPeriod {
		return fmt.Errorf("pong_wait (%s) must exceed ping_period (%s)", c.PongWait, c.PingPeriod)
	}
	switch c.OverflowPolicy {
	case "", "drop_oldest", "kick":
	default:
		return fmt.Errorf("unknown overflow_policy %q", c.OverflowPolicy)
	}
	switch c.Auth.Provider {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required for the jwt provider")
		}
	case "remote":
		if c.Auth.RemoteURL == "" {
			return fmt.Errorf("auth.remote_url is required for the remote provider")
		}
	default:
		return fmt.Errorf("unknown auth.provider %q", c.Auth.Provider)
	}
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}
