package batchq

import (
	"os"
	"strconv"
	"time"
)

// Config represents queue configuration.
type Config struct {
	// BatchSize is the maximum number of items advanced per tick (default: 5).
	BatchSize int

	// TickInterval is how often the Trigger invokes a tick (default: 1 minute).
	TickInterval time.Duration

	// Retention for finished jobs (default: 30 days).
	// Finished jobs older than Retention are deleted by cleanup.
	Retention time.Duration

	// CleanupInterval is how often the cleanup process runs (default: 1 day).
	CleanupInterval time.Duration
}

// LoadConfig loads queue configuration from environment variables.
// It reads the following environment variables:
//   - BATCHQ_BATCH_SIZE: items per tick (default: 5)
//   - BATCHQ_TICK_INTERVAL: tick interval (default: 1 minute)
//   - BATCHQ_RETENTION: retention for finished jobs (default: 30 days)
//   - BATCHQ_CLEANUP_INTERVAL: cleanup interval (default: 1 day)
//
// Duration values can be specified as:
//   - Integer number of days (e.g., "30" = 30 days)
//   - Duration string (e.g., "24h", "1h30m")
//
// Returns a Config struct with default values if environment variables are not set.
func LoadConfig() *Config {
	return &Config{
		BatchSize:       getEnvInt("BATCHQ_BATCH_SIZE", 5),
		TickInterval:    getEnvDuration("BATCHQ_TICK_INTERVAL", time.Minute),
		Retention:       getEnvDuration("BATCHQ_RETENTION", 30*24*time.Hour), // 30 days
		CleanupInterval: getEnvDuration("BATCHQ_CLEANUP_INTERVAL", 24*time.Hour),
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if days, err := strconv.Atoi(value); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		// Try parsing as duration string (e.g., "24h", "90m")
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
