// Package config provides configuration for the research backend.
package config

import (
	"os"
	"strconv"
	"time"
)

// WorkerMode selects how jobs reach the worker.
type WorkerMode string

const (
	// WorkerModeQueue publishes jobs to the job queue topic; a worker
	// process subscribed to the queue picks them up.
	WorkerModeQueue WorkerMode = "queue"
	// WorkerModeDirect consumes the worker's SSE stream directly and
	// republishes its events onto the conversation topic.
	WorkerModeDirect WorkerMode = "direct"
)

// Config holds the backend configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Redis (pub/sub bus + checkpoint storage)
	RedisURL  string
	Namespace string

	// Database (threads/messages)
	DatabaseURL string

	// Worker settings
	WorkerURL  string
	WorkerMode WorkerMode

	// Timeouts
	RunTimeout        time.Duration
	HeartbeatInterval time.Duration

	// Worker bridge retry settings
	BridgeMaxAttempts int
	BridgeBackoffBase time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:          getEnvInt("HTTP_PORT", 8080),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Namespace:         getEnv("CHECKPOINT_NS", "financeResearch"),
		DatabaseURL:       getEnv("DATABASE_URL", "file:research.db?cache=shared&mode=rwc"),
		WorkerURL:         getEnv("WORKER_URL", "http://localhost:8000"),
		WorkerMode:        WorkerMode(getEnv("WORKER_MODE", string(WorkerModeQueue))),
		RunTimeout:        time.Duration(getEnvInt("RUN_TIMEOUT_MS", 3600000)) * time.Millisecond,
		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL_MS", 15000)) * time.Millisecond,
		BridgeMaxAttempts: getEnvInt("BRIDGE_MAX_ATTEMPTS", 3),
		BridgeBackoffBase: time.Duration(getEnvInt("BRIDGE_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
