// Package config loads runtime settings from the environment and builds
// the process logger.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/stock-engine/ledger"
)

// Config holds every runtime setting of the server.
type Config struct {
	Port        int
	DBDriver    string // "sqlite" or "postgres"
	DatabaseURL string

	// DBMaxOpenConns caps the pool for postgres. SQLite always uses one connection.
	DBMaxOpenConns int

	IdempotencyHeader      string
	IdempotencyRetryFailed bool

	AllowNegativeStock    bool
	ExchangeLiveDirection ledger.Direction

	RedisAddr       string
	RedisPassword   string
	CatalogCacheTTL time.Duration

	LogLevel   string
	LogDir     string
	AppVersion string

	CORSOrigins []string
}

// Load reads .env (if present) and then the process environment.
func Load() Config {
	// Load env from .env
	_ = godotenv.Load()

	cfg := Config{
		Port:                   intFromEnv("PORT", 8080),
		DBDriver:               strings.ToLower(stringFromEnv("DB_DRIVER", "sqlite")),
		DatabaseURL:            stringFromEnv("DATABASE_URL", "stock.db"),
		DBMaxOpenConns:         intFromEnv("DB_MAX_OPEN_CONNS", 25),
		IdempotencyHeader:      stringFromEnv("IDEMPOTENCY_HEADER", "X-Idempotency-Key"),
		IdempotencyRetryFailed: boolFromEnv("IDEMPOTENCY_RETRY_FAILED", true),
		AllowNegativeStock:     boolFromEnv("ALLOW_NEGATIVE_STOCK", false),
		ExchangeLiveDirection:  ledger.In,
		RedisAddr:              stringFromEnv("REDIS_ADDR", ""),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		CatalogCacheTTL:        time.Duration(intFromEnv("CATALOG_CACHE_TTL_SECONDS", 300)) * time.Second,
		LogLevel:               stringFromEnv("LOG_LEVEL", "info"),
		LogDir:                 os.Getenv("LOG_DIR"),
		AppVersion:             stringFromEnv("APP_VERSION", "dev"),
		CORSOrigins:            listFromEnv("CORS_ORIGINS", []string{"*"}),
	}
	if dir, ok := ledger.ParseDirection(strings.ToLower(stringFromEnv("EXCHANGE_LIVE_DIRECTION", "in"))); ok {
		cfg.ExchangeLiveDirection = dir
	}
	return cfg
}

func stringFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

func listFromEnv(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
