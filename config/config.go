package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/AlfredDev/pipelinekit/semaphore"
)

// Config holds all demo-binary configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Semaphore
	MaxConcurrency   int
	MaxOutstanding   int
	MaxQueueMemory   int64
	OverflowStrategy semaphore.Strategy
	WaiterTimeout    time.Duration
	CleanupInterval  time.Duration

	// Pipeline
	AcquireTimeout time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("PIPELINEKIT_GRACEFUL_TIMEOUT_SEC", 15)
	waiterTimeoutSec := getEnvInt("PIPELINEKIT_WAITER_TIMEOUT_SEC", 300)
	cleanupIntervalSec := getEnvInt("PIPELINEKIT_CLEANUP_INTERVAL_SEC", 1)
	acquireTimeoutSec := getEnvInt("PIPELINEKIT_ACQUIRE_TIMEOUT_SEC", 0)

	return &Config{
		Addr:             getEnv("PIPELINEKIT_ADDR", ":8080"),
		Env:              getEnv("ENV", "development"),
		GracefulTimeout:  time.Duration(gracefulSec) * time.Second,
		MaxConcurrency:   getEnvInt("PIPELINEKIT_MAX_CONCURRENCY", 64),
		MaxOutstanding:   getEnvInt("PIPELINEKIT_MAX_OUTSTANDING", 1024),
		MaxQueueMemory:   int64(getEnvInt("PIPELINEKIT_MAX_QUEUE_MEMORY_BYTES", 64*1024*1024)),
		OverflowStrategy: parseStrategy(getEnv("PIPELINEKIT_OVERFLOW_STRATEGY", "suspend")),
		WaiterTimeout:    time.Duration(waiterTimeoutSec) * time.Second,
		CleanupInterval:  time.Duration(cleanupIntervalSec) * time.Second,
		AcquireTimeout:   time.Duration(acquireTimeoutSec) * time.Second,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func parseStrategy(v string) semaphore.Strategy {
	switch v {
	case "drop_oldest":
		return semaphore.DropOldest
	case "drop_newest":
		return semaphore.DropNewest
	case "error":
		return semaphore.ErrorStrategy
	default:
		return semaphore.Suspend
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
