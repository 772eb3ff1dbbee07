package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api" validate:"required"`
	Port                          int      `env:"PORT" env-default:"3000" validate:"min=1,max=65535"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,PATCH,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5" validate:"min=1"`
	// Public base URL used to build webhook and onboarding URLs handed to users
	PublicBaseURL string `env:"PUBLIC_BASE_URL" env-default:"http://localhost:3000" validate:"url"`
	// Largest webhook body accepted, e.g. "2M"
	WebhookBodyLimit string `env:"WEBHOOK_BODY_LIMIT" env-default:"2M"`

	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migrations are read from this folder when it exists, otherwise from the embedded set
	DatabaseMigrationFolderPath   string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"migrations"`
	DatabaseMigrationVersion      int    `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int    `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool   `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	AuthEnabled   bool   `env:"AUTH_ENABLED" env-default:"false"`
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:"" validate:"required_if=AuthEnabled true"`
	AuthClientID  string `env:"AUTH_CLIENT_ID" env-default:"" validate:"required_if=AuthEnabled true"`

	// 32 byte key, hex encoded, sealing integration credentials at rest
	SecretsKey string `env:"SECRETS_KEY" env-default:"" validate:"omitempty,hexadecimal,len=64"`

	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" env-default:"0" validate:"min=0"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Topic receiving one message per changed replicated row; empty disables publishing
	KafkaRowChangeTopic string `env:"KAFKA_ROW_CHANGE_TOPIC" env-default:"fern.row-changes"`

	RedisStreamsJobQueue      string `env:"REDIS_STREAMS_JOB_QUEUE" env-default:"fern:jobs"`
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"fern-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	WorkerConcurrency        int    `env:"WORKER_CONCURRENCY" env-default:"4" validate:"min=1"`

	BackfillMaxRetries   int           `env:"BACKFILL_MAX_RETRIES" env-default:"3" validate:"min=0"`
	BackfillInitialDelay time.Duration `env:"BACKFILL_INITIAL_DELAY" env-default:"1s"`
	BackfillMaxDelay     time.Duration `env:"BACKFILL_MAX_DELAY" env-default:"60s"`
	BackfillLockTTL      time.Duration `env:"BACKFILL_LOCK_TTL" env-default:"30m"`
	// Minimum spacing between enrichment calls against one source API
	EnrichmentInterval time.Duration `env:"ENRICHMENT_INTERVAL" env-default:"250ms"`
	// redis spaces calls across every worker; local only within this process
	EnrichmentGate    string        `env:"ENRICHMENT_GATE" env-default:"redis" validate:"oneof=redis local"`
	HTTPClientTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" env-default:"30s"`

	// Optional YAML catalog replacing the embedded one
	CatalogPath string `env:"CATALOG_PATH" env-default:""`

	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc" validate:"oneof=grpc http"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) Database() database.Config {
	return database.Config{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migrations(embedded fs.FS) *database.MigrationConfig {
	return &database.MigrationConfig{
		FolderPath:   c.DatabaseMigrationFolderPath,
		Embedded:     embedded,
		Version:      uint(c.DatabaseMigrationVersion),
		Force:        c.DatabaseMigrationForce,
		AutoRollback: c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) Tracing() exporters.Config {
	return exporters.Config{
		Enabled:  c.OTLPEnabled,
		Endpoint: c.OTLPEndpoint,
		Protocol: c.OTLPProtocol,
		Insecure: c.OTLPInsecure,
	}
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ConsumerName is the configured stream consumer name, or the hostname.
func (c *Config) ConsumerName() string {
	if c.RedisStreamsConsumerName != "" {
		return c.RedisStreamsConsumerName
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "fern-worker"
	}
	return host
}
