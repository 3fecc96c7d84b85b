package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// maxUploadCeiling is the largest MAX_UPLOAD_BYTES the object store accepts.
const maxUploadCeiling = 10 * 1024 * 1024

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxUploadBytes    int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	BlobBackend       string        `mapstructure:"BLOB_BACKEND"`
	S3Bucket          string        `mapstructure:"S3_BUCKET"`
	S3Endpoint        string        `mapstructure:"S3_ENDPOINT"`
	S3Region          string        `mapstructure:"S3_REGION"`
	EventsBackend     string        `mapstructure:"EVENTS_BACKEND"`
	KafkaBrokers      []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic        string        `mapstructure:"KAFKA_TOPIC"`
	SQSQueueName      string        `mapstructure:"SQS_QUEUE_NAME"`
	OrphanGracePeriod time.Duration `mapstructure:"ORPHAN_GRACE_PERIOD"`
	MigrationsDir     string        `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "AUTH_SIGNING_KEY", "AUTH_ISSUER",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "MAX_UPLOAD_BYTES",
	"BLOB_BACKEND", "S3_BUCKET", "S3_ENDPOINT", "S3_REGION",
	"EVENTS_BACKEND", "KAFKA_BROKERS", "KAFKA_TOPIC", "SQS_QUEUE_NAME",
	"ORPHAN_GRACE_PERIOD", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MAX_UPLOAD_BYTES", maxUploadCeiling)
	v.SetDefault("BLOB_BACKEND", "postgres")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("EVENTS_BACKEND", "log")
	v.SetDefault("KAFKA_TOPIC", "clinic.lifecycle")
	v.SetDefault("ORPHAN_GRACE_PERIOD", "24h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists arrive from the environment as a single string.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development. Requests without a bearer token are treated as admin.")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks cross-field rules. Outside development a signing key is
// mandatory so that role gates are backed by real tokens.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.MaxUploadBytes <= 0 || c.MaxUploadBytes > maxUploadCeiling {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be between 1 and %d, got %d", maxUploadCeiling, c.MaxUploadBytes)
	}

	switch c.BlobBackend {
	case "postgres":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"postgres\" or \"s3\", got %q", c.BlobBackend)
	}

	switch c.EventsBackend {
	case "log":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when EVENTS_BACKEND is \"kafka\"")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required when EVENTS_BACKEND is \"kafka\"")
		}
	case "sqs":
		if c.SQSQueueName == "" {
			return fmt.Errorf("SQS_QUEUE_NAME is required when EVENTS_BACKEND is \"sqs\"")
		}
	default:
		return fmt.Errorf("EVENTS_BACKEND must be \"log\", \"kafka\", or \"sqs\", got %q", c.EventsBackend)
	}

	if c.OrphanGracePeriod < time.Minute {
		return fmt.Errorf("ORPHAN_GRACE_PERIOD must be at least 1m, got %s", c.OrphanGracePeriod)
	}

	return nil
}
