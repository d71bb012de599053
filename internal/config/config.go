// Package config loads command configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	LogLevel        slog.Level
	LogFormat       string
	Backend         string
	RedisAddr       string
	RedisPrefix     string
	PostgresDSN     string
	PostgresTable   string
	SQLitePath      string
	DynamoDBTable   string
	FunctionName    string
	IdempotencyTTL  time.Duration
	ConfigFile      string
	WaitForInFlight bool
}

func Load() Config {
	return Config{
		HTTPAddr:        envOrDefault("IDEMPOTENCY_HTTP_ADDR", ":8080"),
		ReadTimeout:     durationOrDefault("IDEMPOTENCY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    durationOrDefault("IDEMPOTENCY_WRITE_TIMEOUT", 15*time.Second),
		LogLevel:        levelOrDefault("IDEMPOTENCY_LOG_LEVEL", slog.LevelInfo),
		LogFormat:       envOrDefault("IDEMPOTENCY_LOG_FORMAT", "json"),
		Backend:         strings.ToLower(envOrDefault("IDEMPOTENCY_STORE", BackendMemory)),
		RedisAddr:       envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:     envOrDefault("IDEMPOTENCY_REDIS_PREFIX", "idempotency"),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		PostgresTable:   envOrDefault("IDEMPOTENCY_POSTGRES_TABLE", "idempotency_records"),
		SQLitePath:      envOrDefault("IDEMPOTENCY_SQLITE_PATH", "idempotency.db"),
		DynamoDBTable:   envOrDefault("IDEMPOTENCY_DYNAMODB_TABLE", "idempotency_records"),
		FunctionName:    os.Getenv("IDEMPOTENCY_FUNCTION_NAME"),
		IdempotencyTTL:  durationOrDefault("IDEMPOTENCY_TTL", 0),
		ConfigFile:      os.Getenv("IDEMPOTENCY_CONFIG_FILE"),
		WaitForInFlight: boolOrDefault("IDEMPOTENCY_WAIT", false),
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func levelOrDefault(key string, fallback slog.Level) slog.Level {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fallback
	}
	return level
}

// NewLogger builds the command logger from LogLevel and LogFormat
func (c Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
