// Package config loads cdktr configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every tunable the principal and agent read at startup.
// All values come from CDKTR_* environment variables with the documented
// defaults; nothing is read from files.
type Config struct {
	PrincipalHost string
	PrincipalPort int

	// HTTP endpoints carried by the log pipeline.
	LogsListeningPort  int
	LogsPublishingPort int

	// UI/CLI-facing HTTP gateway.
	HTTPPort int

	AgentMaxConcurrency int
	RetryAttempts       int
	RequestTimeout      time.Duration

	WorkflowDir            string
	WorkflowRefreshEvery   time.Duration
	SchedulerPollFrequency time.Duration
	QueuePersistInterval   time.Duration
	AgentHeartbeatTimeout  time.Duration

	// Bounded-queue capacity for runnable workflow instances.
	QueueCapacity int

	AppDataDirectory string
	DBPath           string
	// Optional DSN. A postgres:// URL switches the store to the postgres
	// driver; empty means the sqlite file at DBPath under AppDataDirectory.
	DBURL string
}

// Load reads the environment and returns a fully-populated Config.
func Load() (*Config, error) {
	appData := getEnv("CDKTR_APP_DATA_DIRECTORY", "")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		appData = filepath.Join(home, ".cdktr")
	}

	cfg := &Config{
		PrincipalHost:          getEnv("CDKTR_PRINCIPAL_HOST", "0.0.0.0"),
		PrincipalPort:          getEnvInt("CDKTR_PRINCIPAL_PORT", 5561),
		LogsListeningPort:      getEnvInt("CDKTR_LOGS_LISTENING_PORT", 5562),
		LogsPublishingPort:     getEnvInt("CDKTR_LOGS_PUBLISHING_PORT", 5563),
		HTTPPort:               getEnvInt("CDKTR_HTTP_PORT", 8080),
		AgentMaxConcurrency:    getEnvInt("CDKTR_AGENT_MAX_CONCURRENCY", 5),
		RetryAttempts:          getEnvInt("CDKTR_RETRY_ATTEMPTS", 20),
		RequestTimeout:         getEnvMillis("CDKTR_DEFAULT_ZMQ_TIMEOUT_MS", 3000),
		WorkflowDir:            getEnv("CDKTR_WORKFLOW_DIR", "workflows"),
		WorkflowRefreshEvery:   getEnvSeconds("CDKTR_WORKFLOW_DIR_REFRESH_FREQUENCY_S", 60),
		SchedulerPollFrequency: getEnvMillis("CDKTR_SCHEDULER_START_POLL_FREQUENCY_MS", 500),
		QueuePersistInterval:   getEnvMillis("CDKTR_Q_PERSISTENCE_INTERVAL_MS", 1000),
		AgentHeartbeatTimeout:  getEnvMillis("CDKTR_AGENT_HEARTBEAT_TIMEOUT_MS", 30000),
		QueueCapacity:          getEnvInt("CDKTR_QUEUE_CAPACITY", 1024),
		AppDataDirectory:       appData,
		DBPath:                 getEnv("CDKTR_DB_PATH", "app.db"),
		DBURL:                  getEnv("CDKTR_DB_URL", ""),
	}

	if cfg.AgentMaxConcurrency < 1 {
		return nil, fmt.Errorf("CDKTR_AGENT_MAX_CONCURRENCY must be at least 1, got %d", cfg.AgentMaxConcurrency)
	}
	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("CDKTR_QUEUE_CAPACITY must be at least 1, got %d", cfg.QueueCapacity)
	}
	return cfg, nil
}

// PrincipalURL returns the NATS URL agents and subscribers dial.
func (c *Config) PrincipalURL() string {
	host := c.PrincipalHost
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("nats://%s:%d", host, c.PrincipalPort)
}

// DatabasePath returns the on-disk sqlite path under the app-data directory.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.AppDataDirectory, c.DBPath)
}

// SnapshotPath returns the workflow queue snapshot file location.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.AppDataDirectory, "queue.snapshot")
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

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
