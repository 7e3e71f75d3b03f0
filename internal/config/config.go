package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const defaultConfigPath = "configs/config.yaml"

type Config struct {
	Env        string     `yaml:"env" env:"APP_ENV" env-default:"local"`
	HTTP       HTTP       `yaml:"http"`
	Database   Database   `yaml:"database"`
	Auth       Auth       `yaml:"auth"`
	Approval   Approval   `yaml:"approval"`
	Lockout    Lockout    `yaml:"lockout"`
	VerifyRate VerifyRate `yaml:"verify_rate"`
	Sweeper    Sweeper    `yaml:"sweeper"`
	Rules      Rules      `yaml:"rules"`
	WebSocket  WebSocket  `yaml:"websocket"`
	Events     Events     `yaml:"events"`
	Kafka      Kafka      `yaml:"kafka"`
	Log        Log        `yaml:"log"`
}

type HTTP struct {
	Port        string   `yaml:"port" env:"PORT" env-default:"8080"`
	GinMode     string   `yaml:"gin_mode" env:"GIN_MODE" env-default:"debug"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`
}

type Database struct {
	DSN            string        `yaml:"dsn" env:"DATABASE_URL" env-default:"host=localhost user=postgres password=postgres dbname=posapproval port=5432 sslmode=disable TimeZone=UTC"`
	MigrationsPath string        `yaml:"migrations_path" env:"MIGRATIONS_PATH"`
	AutoMigrate    bool          `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE" env-default:"true"`
	MaxOpenConns   int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns   int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLife    time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" env-default:"30m"`
}

type Auth struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"JWT_TTL" env-default:"12h"`
	Issuer    string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"posapproval"`
}

type Approval struct {
	TokenTTL         time.Duration `yaml:"token_ttl" env:"APPROVAL_TOKEN_TTL" env-default:"5m"`
	RequestMaxAge    time.Duration `yaml:"request_max_age" env:"APPROVAL_REQUEST_MAX_AGE" env-default:"24h"`
	MaxCounterOffers int           `yaml:"max_counter_offers" env:"APPROVAL_MAX_COUNTER_OFFERS" env-default:"5"`
	MaxBatchSize     int           `yaml:"max_batch_size" env:"APPROVAL_MAX_BATCH_SIZE" env-default:"50"`
}

type Lockout struct {
	MaxAttempts int           `yaml:"max_attempts" env:"LOCKOUT_MAX_ATTEMPTS" env-default:"3"`
	Duration    time.Duration `yaml:"duration" env:"LOCKOUT_DURATION" env-default:"15m"`
}

// VerifyRate bounds PIN/TOTP attempts per user on the verification routes
type VerifyRate struct {
	PerMinute int `yaml:"per_minute" env:"VERIFY_RATE_PER_MINUTE" env-default:"20"`
	Burst     int `yaml:"burst" env:"VERIFY_RATE_BURST" env-default:"5"`
}

type Sweeper struct {
	Enabled  bool          `yaml:"enabled" env:"SWEEPER_ENABLED" env-default:"true"`
	Interval time.Duration `yaml:"interval" env:"SWEEPER_INTERVAL" env-default:"30s"`
}

type Rules struct {
	CacheTTL time.Duration `yaml:"cache_ttl" env:"RULES_CACHE_TTL" env-default:"60s"`
	SeedPath string        `yaml:"seed_path" env:"RULES_SEED_PATH"`
}

type WebSocket struct {
	PingInterval time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL" env-default:"30s"`
	SendBuffer   int           `yaml:"send_buffer" env:"WS_SEND_BUFFER" env-default:"64"`
}

type Events struct {
	QueueSize int `yaml:"queue_size" env:"EVENTS_QUEUE_SIZE" env-default:"1024"`
}

type Kafka struct {
	Enabled bool     `yaml:"enabled" env:"KAFKA_ENABLED" env-default:"false"`
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"approval-events"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Load reads the yaml file at path, applying env overrides and defaults.
// A .env next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load("configs/.env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad reads the path from APPROVAL_CONFIG_PATH and exits on failure
func MustLoad() *Config {
	path := os.Getenv("APPROVAL_CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.HTTP.GinMode == "release" && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required in release mode")
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "dev-only-secret"
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Approval.TokenTTL <= 0 {
		return errors.New("approval.token_ttl must be positive")
	}
	if c.Approval.RequestMaxAge <= 0 {
		return errors.New("approval.request_max_age must be positive")
	}
	if c.Approval.MaxCounterOffers < 1 {
		return errors.New("approval.max_counter_offers must be at least 1")
	}
	if c.Approval.MaxBatchSize < 1 {
		return errors.New("approval.max_batch_size must be at least 1")
	}
	if c.Lockout.MaxAttempts < 1 {
		return errors.New("lockout.max_attempts must be at least 1")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("lockout.duration must be positive")
	}
	if c.VerifyRate.PerMinute < 1 || c.VerifyRate.Burst < 1 {
		return errors.New("verify_rate.per_minute and verify_rate.burst must be at least 1")
	}
	if c.Sweeper.Interval <= 0 {
		return errors.New("sweeper.interval must be positive")
	}
	if c.Rules.CacheTTL <= 0 {
		return errors.New("rules.cache_ttl must be positive")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("websocket.ping_interval must be positive")
	}
	if c.WebSocket.SendBuffer < 1 || c.Events.QueueSize < 1 {
		return errors.New("websocket.send_buffer and events.queue_size must be at least 1")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	return nil
}
