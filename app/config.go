package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	ServerPort       string
	JWTSecret        string
	JWTExpirationSec int64

	StoreDriver string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	SQLitePath  string

	ReaperIntervalSec     int
	ClaimGraceSec         int
	RetentionDays         int
	PendingFallbackPollMs int
	SSEKeepAliveSec       int

	LogLevel    string
	LogFormat   string
	CORSOrigins []string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:            getEnv("SERVER_PORT", "8080"),
		JWTSecret:             getEnv("JWT_SIGNING_SECRET", ""),
		JWTExpirationSec:      int64(getEnvInt("JWT_EXPIRATION_SEC", 86400)),
		StoreDriver:           getEnv("STORE_DRIVER", "postgres"),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "5432"),
		DBUser:                getEnv("DB_USER", "postgres"),
		DBPassword:            getEnv("DB_PASSWORD", "postgres"),
		DBName:                getEnv("DB_NAME", "relaydb"),
		DBSSLMode:             getEnv("DB_SSL_MODE", "disable"),
		SQLitePath:            getEnv("SQLITE_PATH", "data/relay-svc.db"),
		ReaperIntervalSec:     getEnvInt("REAPER_INTERVAL_SEC", 30),
		ClaimGraceSec:         getEnvInt("CLAIM_GRACE_SEC", 60),
		RetentionDays:         getEnvInt("RETENTION_DAYS", 0),
		PendingFallbackPollMs: getEnvInt("PENDING_FALLBACK_POLL_MS", 250),
		SSEKeepAliveSec:       getEnvInt("SSE_KEEPALIVE_SEC", 15),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		CORSOrigins:           splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SIGNING_SECRET must be set")
	}
	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "sqlite" {
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or sqlite, got %q", cfg.StoreDriver)
	}
	if cfg.ReaperIntervalSec <= 0 {
		return nil, fmt.Errorf("REAPER_INTERVAL_SEC must be positive")
	}

	return cfg, nil
}

// StoreTarget returns the connection string or file path for the store
func (c *Config) StoreTarget() string {
	if c.StoreDriver == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSec) * time.Second
}

func (c *Config) ClaimGrace() time.Duration {
	return time.Duration(c.ClaimGraceSec) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
