// Package config loads application configuration from environment
// variables.  An optional .env file in the working directory is read first
// so local development does not need exported variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage drivers accepted by STORE_DRIVER.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds all runtime configuration values.  Each field corresponds
// to an environment variable; nested structs group related settings.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"dev"`
	Port     string `env:"APP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// JWTSecret verifies access tokens issued by the identity service.
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	// EventsSeedFile optionally points at a TOML file of events loaded
	// into the event store at startup.
	EventsSeedFile string `env:"EVENTS_SEED_FILE"`

	Store     StoreConfig
	QR        QRConfig
	Notify    NotifyConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
}

// StoreConfig selects and configures the participation store.
type StoreConfig struct {
	Driver        string        `env:"STORE_DRIVER" envDefault:"mysql"`
	DBUser        string        `env:"DB_USER"`
	DBPass        string        `env:"DB_PASS"`
	DBHost        string        `env:"DB_HOST" envDefault:"127.0.0.1"`
	DBPort        string        `env:"DB_PORT" envDefault:"3306"`
	DBName        string        `env:"DB_NAME"`
	SQLitePath    string        `env:"SQLITE_PATH" envDefault:"data/rsvp.db"`
	Migrate       bool          `env:"DB_MIGRATE" envDefault:"true"`
	RetryAttempts int           `env:"STORE_RETRY_ATTEMPTS" envDefault:"5"`
	RetryBackoff  time.Duration `env:"STORE_RETRY_BACKOFF" envDefault:"15ms"`
}

// QRConfig controls token minting and rendering.
type QRConfig struct {
	GraceWindow      time.Duration `env:"QR_GRACE_WINDOW" envDefault:"2h"`
	ExtendByDuration bool          `env:"QR_EXTEND_BY_DURATION" envDefault:"false"`
	TokenBytes       int           `env:"QR_TOKEN_BYTES" envDefault:"32"`
	ImageSize        int           `env:"QR_IMAGE_SIZE" envDefault:"256"`
}

// NotifyConfig configures the RabbitMQ notification pipeline.  When
// Enabled is false notifications are dropped and no consumer runs.
type NotifyConfig struct {
	Enabled       bool   `env:"NOTIFY_ENABLED" envDefault:"false"`
	AMQPURL       string `env:"RABBITMQ_URL"`
	Queue         string `env:"NOTIFY_QUEUE" envDefault:"participation.notifications"`
	CapacityQueue string `env:"CAPACITY_QUEUE" envDefault:"event.capacity_changed"`
	LogDir        string `env:"NOTIFY_LOG_DIR" envDefault:"logs"`
	Locale        string `env:"NOTIFY_LOCALE" envDefault:"en"`

	// Buffer bounds queued notifications; further ones are dropped.
	Buffer         int           `env:"NOTIFY_BUFFER" envDefault:"256"`
	DialTimeout    time.Duration `env:"NOTIFY_DIAL_TIMEOUT" envDefault:"3s"`
	PublishTimeout time.Duration `env:"NOTIFY_PUBLISH_TIMEOUT" envDefault:"2s"`
}

// TelemetryConfig toggles the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads .env (if present) and the process environment into a Config.
// Missing required values and invalid combinations are returned as errors.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment into a Config without touching .env.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	// AMQP_URL is the older name some deployments still export.
	if cfg.Notify.AMQPURL == "" {
		cfg.Notify.AMQPURL = os.Getenv("AMQP_URL")
	}
	cfg.RateLimit.normalize()
	cfg.Cache.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case DriverMySQL:
		if c.Store.DBUser == "" || c.Store.DBName == "" {
			return errors.New("config: DB_USER and DB_NAME are required for the mysql store")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH is required for the sqlite store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Store.RetryAttempts < 1 {
		return errors.New("config: STORE_RETRY_ATTEMPTS must be at least 1")
	}
	if c.QR.GraceWindow <= 0 {
		return errors.New("config: QR_GRACE_WINDOW must be positive")
	}
	if c.Notify.Enabled && c.Notify.AMQPURL == "" {
		return errors.New("config: RABBITMQ_URL is required when NOTIFY_ENABLED is set")
	}
	return nil
}

// Driver returns the normalized store driver name.
func (c Config) Driver() string { return strings.ToLower(c.Store.Driver) }
