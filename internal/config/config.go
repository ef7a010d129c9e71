package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the mediaqueue server.
type Config struct {
	Server    ServerConfig
	Scheduler SchedulerConfig
	Cache     CacheConfig
	Snapshot  SnapshotConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Executor  ExecutorConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type SchedulerConfig struct {
	Workers             int
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	DefaultMaxRetries   int
	RetryDelayCap       time.Duration
}

type CacheConfig struct {
	CapacityBytes int64
	TTL           time.Duration
}

type SnapshotConfig struct {
	// Dir is where queue and cache snapshots are written. Empty disables
	// crash recovery.
	Dir string
}

type DatabaseConfig struct {
	// URL enables the Postgres job history when set. Empty keeps the
	// in-memory ring.
	URL            string
	MigrationsPath string
	HistoryLimit   int
}

type RedisConfig struct {
	// URL enables the status mirror and rate limiting when set.
	URL            string
	MirrorTTL      time.Duration
	RequestsPerMin int
}

type ExecutorConfig struct {
	Backend string
}

type AuthConfig struct {
	// APIKeyHashes are bcrypt hashes of accepted API keys, comma separated.
	// Empty disables authentication.
	APIKeyHashes []string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any value is invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MEDIAQUEUE_PORT", 8080),
			Env:  envString("MEDIAQUEUE_ENV", "development"),
		},
		Scheduler: SchedulerConfig{
			Workers:             envInt("MEDIAQUEUE_WORKERS", 3),
			PollInterval:        envDuration("MEDIAQUEUE_POLL_INTERVAL", 50*time.Millisecond),
			MaintenanceInterval: envDuration("MEDIAQUEUE_MAINTENANCE_INTERVAL", time.Minute),
			DefaultMaxRetries:   envInt("MEDIAQUEUE_DEFAULT_MAX_RETRIES", 3),
			RetryDelayCap:       envDurationSecs("MEDIAQUEUE_RETRY_DELAY_CAP_SECS", 60*time.Second),
		},
		Cache: CacheConfig{
			CapacityBytes: envInt64("MEDIAQUEUE_CACHE_CAPACITY_BYTES", 10<<30),
			TTL:           envDuration("MEDIAQUEUE_CACHE_TTL", 24*time.Hour),
		},
		Snapshot: SnapshotConfig{
			Dir: os.Getenv("MEDIAQUEUE_SNAPSHOT_DIR"),
		},
		Database: DatabaseConfig{
			URL:            os.Getenv("DATABASE_URL"),
			MigrationsPath: envString("MEDIAQUEUE_MIGRATIONS_PATH", "migrations"),
			HistoryLimit:   envInt("MEDIAQUEUE_HISTORY_LIMIT", 1000),
		},
		Redis: RedisConfig{
			URL:            os.Getenv("REDIS_URL"),
			MirrorTTL:      envDuration("MEDIAQUEUE_MIRROR_TTL", 30*time.Minute),
			RequestsPerMin: envInt("MEDIAQUEUE_RATE_LIMIT_PER_MIN", 120),
		},
		Executor: ExecutorConfig{
			Backend: envString("MEDIAQUEUE_EXECUTOR", "simulated"),
		},
		Auth: AuthConfig{
			APIKeyHashes: envList("MEDIAQUEUE_API_KEY_HASHES"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("MEDIAQUEUE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("MEDIAQUEUE_WORKERS must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("MEDIAQUEUE_DEFAULT_MAX_RETRIES must not be negative, got %d", c.Scheduler.DefaultMaxRetries)
	}

	if c.Cache.CapacityBytes < 1 {
		return fmt.Errorf("MEDIAQUEUE_CACHE_CAPACITY_BYTES must be positive, got %d", c.Cache.CapacityBytes)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("MEDIAQUEUE_CACHE_TTL must be positive, got %s", c.Cache.TTL)
	}

	if c.Database.HistoryLimit < 1 {
		return fmt.Errorf("MEDIAQUEUE_HISTORY_LIMIT must be at least 1, got %d", c.Database.HistoryLimit)
	}

	for _, hash := range c.Auth.APIKeyHashes {
		if !strings.HasPrefix(hash, "$2a$") && !strings.HasPrefix(hash, "$2b$") && !strings.HasPrefix(hash, "$2y$") {
			return fmt.Errorf("MEDIAQUEUE_API_KEY_HASHES entries must be bcrypt hashes, got %q", hash)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
