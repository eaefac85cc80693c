// Package config loads server configuration from the environment, the same
// way the agent and stats-service do it: plain env vars, no config file
// framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// HTTP/WS listen address
	ListenAddr string

	// Persistence
	DBPath       string
	VaultKeyPath string

	// Coordinator (agent-facing WebSocket)
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DegradedAfter     time.Duration
	OfflineAfter      time.Duration

	// Batch execution
	BatchPerHostConcurrency int

	// Scheduler
	UpdateCheckInterval time.Duration
	MinSleepInterval    time.Duration
	UpdateCheckTime     string // HH:MM wall-clock target in the configured timezone
	AlertRetentionDays  int
	EventRetentionDays  int

	// Stats sidecar (directly connected hosts only)
	StatsServiceURL   string
	StatsServiceToken string
	StatsPollInterval time.Duration

	// Agent release registry (self-update checksum + version endpoints)
	AgentReleaseURL    string
	ReleaseChecksumURL string

	// Logging
	LogLevel string
	LogJSON  bool
}

// LoadFromEnv loads configuration from environment variables, applying the
// same defaults-first-then-override pattern used across the rest of the
// codebase.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8443"),

		DBPath:       getEnv("DB_PATH", "/data/dockmon.db"),
		VaultKeyPath: getEnv("VAULT_KEY_PATH", "/data/vault.key"),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 10*time.Second),
		DegradedAfter:     getEnvDuration("DEGRADED_AFTER", 90*time.Second),
		OfflineAfter:      getEnvDuration("OFFLINE_AFTER", 300*time.Second),

		BatchPerHostConcurrency: getEnvInt("BATCH_PER_HOST_CONCURRENCY", 5),

		UpdateCheckInterval: getEnvDuration("UPDATE_CHECK_INTERVAL", 1*time.Hour),
		MinSleepInterval:    getEnvDuration("MIN_SLEEP_INTERVAL", 60*time.Second),
		UpdateCheckTime:     getEnv("UPDATE_CHECK_TIME", "03:00"),
		AlertRetentionDays:  getEnvInt("ALERT_RETENTION_DAYS", 30),
		EventRetentionDays:  getEnvInt("EVENT_RETENTION_DAYS", 30),

		StatsServiceURL:   getEnv("STATS_SERVICE_URL", "http://127.0.0.1:8081"),
		StatsServiceToken: getEnv("STATS_SERVICE_TOKEN", ""),
		StatsPollInterval: getEnvDuration("STATS_POLL_INTERVAL", 30*time.Second),

		AgentReleaseURL:    getEnv("AGENT_RELEASE_URL", ""),
		ReleaseChecksumURL: getEnv("RELEASE_CHECKSUM_URL", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", true),
	}

	if cfg.BatchPerHostConcurrency < 1 {
		return nil, fmt.Errorf("BATCH_PER_HOST_CONCURRENCY must be >= 1")
	}
	if _, err := time.Parse("15:04", cfg.UpdateCheckTime); err != nil {
		return nil, fmt.Errorf("UPDATE_CHECK_TIME must be HH:MM: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
