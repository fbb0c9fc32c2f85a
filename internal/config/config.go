package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Availability AvailabilityConfig `mapstructure:"availability"`
	Signaling    SignalingConfig    `mapstructure:"signaling"`
	Firebase     FirebaseConfig     `mapstructure:"firebase"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Mode           string `mapstructure:"mode"`
}

func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	Migrate  bool   `mapstructure:"migrate"`
	// NotesKey is a base64 AES key for appointment notes at rest. Empty
	// stores notes in plain text.
	NotesKey string `mapstructure:"notes_key"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret               string        `mapstructure:"secret"`
	Issuer               string        `mapstructure:"issuer"`
	ChannelGrantTTL      time.Duration `mapstructure:"channel_grant_ttl"`
	ChannelGrantAudience string        `mapstructure:"channel_grant_audience"`
}

type AvailabilityConfig struct {
	RespectBlockedSlots bool          `mapstructure:"respect_blocked_slots"`
	CollisionPolicy     string        `mapstructure:"collision_policy"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

type SignalingConfig struct {
	Store        string        `mapstructure:"store"`
	RingTimeout  time.Duration `mapstructure:"ring_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CallTTL      time.Duration `mapstructure:"call_ttl"`
}

type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Retention     time.Duration `mapstructure:"retention"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "teletherapy")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.notes_key", "")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "teletherapy-api")
	v.SetDefault("jwt.channel_grant_ttl", 2*time.Hour)
	v.SetDefault("jwt.channel_grant_audience", "video")

	v.SetDefault("availability.respect_blocked_slots", true)
	v.SetDefault("availability.collision_policy", "start")
	v.SetDefault("availability.cache_ttl", time.Minute)

	v.SetDefault("signaling.store", StoreRedis)
	v.SetDefault("signaling.ring_timeout", 60*time.Second)
	v.SetDefault("signaling.write_timeout", 10*time.Second)
	v.SetDefault("signaling.call_ttl", 24*time.Hour)

	v.SetDefault("firebase.project_id", "")
	v.SetDefault("firebase.credentials_file", "")

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 5*time.Second)
	v.SetDefault("outbox.retry_attempts", 3)
	v.SetDefault("outbox.retry_delay", time.Second)
	v.SetDefault("outbox.retention", 7*24*time.Hour)

	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("cors.allow_origins", []string{"*"})
}

// LoadConfig reads config.yml from the working directory or ./config, then
// applies environment overrides (server.port -> SERVER_PORT). A .env file is
// loaded first when present.
func LoadConfig(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Signaling.Store {
	case StoreMemory, StoreRedis, StoreFirestore:
	default:
		return fmt.Errorf("invalid signaling.store %q", c.Signaling.Store)
	}
	switch c.Availability.CollisionPolicy {
	case "start", "overlap":
	default:
		return fmt.Errorf("invalid availability.collision_policy %q", c.Availability.CollisionPolicy)
	}
	if c.Signaling.Store == StoreFirestore && c.Firebase.ProjectID == "" {
		return fmt.Errorf("firebase.project_id is required for the firestore call store")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}
