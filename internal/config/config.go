package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Missed-run policies for recurring invoices.
const (
	MissedRunCatchUp = "catch_up"
	MissedRunSkip    = "skip"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWT
	JwtSecret string

	// Server
	ApiPort        string
	ServiceApiPort string

	// Recurring invoices
	DefaultCurrency         string
	DefaultPaymentTermsDays int
	EndDateInclusive        bool
	MissedRunPolicy         string
	RecurringSweepCron      string
	RunLockTTL              time.Duration

	// Email
	SmtpHost        string
	SmtpPort        int
	SmtpUsername    string
	SmtpPassword    string
	SmtpFromAddress string
	DefaultLocale   string

	// AWS S3
	AwsAccessKeyID     string
	AwsSecretAccessKey string
	AwsRegion          string
	AwsS3Bucket        string

	// App Defaults
	AppName string

	// Logging
	LogLevel  string
	LogFormat string

	// Rate Limiting Defaults
	RateLimitBucketSize int
	RateLimitRefillRate int // tokens per second
}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		RunMode: runMode,
	}

	var err error

	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
	if err != nil {
		return nil, err
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "leadflow")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.JwtSecret, err = getRequiredEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.ApiPort = getEnv("API_PORT", "8080")
	cfg.ServiceApiPort = getEnv("SERVICE_API_PORT", "12345")
	cfg.SmtpHost = getEnv("SMTP_HOST", "")
	cfg.SmtpUsername = getEnv("SMTP_USERNAME", "")
	cfg.SmtpPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SmtpFromAddress = getEnv("SMTP_FROM_ADDRESS", "billing@leadflow.example.com")
	cfg.DefaultLocale = getEnv("DEFAULT_LOCALE", "en-US")
	cfg.AwsAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	cfg.AwsSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	cfg.AwsRegion = getEnv("AWS_REGION", "")
	cfg.AwsS3Bucket = getEnv("AWS_S3_BUCKET", "")
	cfg.AppName = getEnv("APP_NAME", "LeadFlow")
	cfg.DefaultCurrency = strings.ToUpper(getEnv("DEFAULT_CURRENCY", "EUR"))
	cfg.RecurringSweepCron = getEnv("RECURRING_SWEEP_CRON", "@every 15m")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg.SmtpPort, err = strconv.Atoi(getEnv("SMTP_PORT", "587"))
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}

	cfg.DefaultPaymentTermsDays, err = strconv.Atoi(getEnv("DEFAULT_PAYMENT_TERMS_DAYS", "14"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_PAYMENT_TERMS_DAYS: %w", err)
	}

	cfg.EndDateInclusive, err = strconv.ParseBool(getEnv("RECURRING_END_DATE_INCLUSIVE", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECURRING_END_DATE_INCLUSIVE: %w", err)
	}

	cfg.MissedRunPolicy = strings.ToLower(getEnv("RECURRING_MISSED_RUN_POLICY", MissedRunCatchUp))
	if cfg.MissedRunPolicy != MissedRunCatchUp && cfg.MissedRunPolicy != MissedRunSkip {
		return nil, fmt.Errorf("invalid RECURRING_MISSED_RUN_POLICY: %q (want %s or %s)", cfg.MissedRunPolicy, MissedRunCatchUp, MissedRunSkip)
	}

	runLockSeconds, err := strconv.ParseInt(getEnv("RECURRING_RUN_LOCK_TTL_SECONDS", "60"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RECURRING_RUN_LOCK_TTL_SECONDS: %w", err)
	}
	cfg.RunLockTTL = time.Duration(runLockSeconds) * time.Second

	cfg.RateLimitBucketSize, err = strconv.Atoi(getEnv("RATE_LIMIT_BUCKET_SIZE", "20"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BUCKET_SIZE: %w", err)
	}
	cfg.RateLimitRefillRate, err = strconv.Atoi(getEnv("RATE_LIMIT_REFILL_RATE", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_REFILL_RATE: %w", err)
	}

	return cfg, nil
}
