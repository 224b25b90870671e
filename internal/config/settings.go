package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings holds process-level configuration read from environment variables.
// The declarative graph (Graph) comes from the JSON config file; Settings
// covers everything operational around it.
type Settings struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	DBPath    string
	BackupDir string

	// Scheduler settings.
	IngestInterval    time.Duration
	BackupInterval    time.Duration
	RetentionInterval time.Duration
	RetentionDays     int
	BackupKeep        int

	// Fetcher settings.
	MaxConcurrentFetch int

	// Inbound rate limits.
	RateLimitPerMinute int
	RateLimitPerHour   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// LoadSettings reads settings from environment variables with defaults.
func LoadSettings() (Settings, error) {
	s := Settings{
		Port:               envInt("PAM_PORT", 8080),
		ReadTimeout:        envDuration("PAM_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:       envDuration("PAM_WRITE_TIMEOUT", 30*time.Second),
		DBPath:             envStr("PAM_DB_PATH", "pam_data.db"),
		BackupDir:          envStr("PAM_BACKUP_DIR", "backups"),
		IngestInterval:     envDuration("PAM_INGEST_INTERVAL", 5*time.Minute),
		BackupInterval:     envDuration("PAM_BACKUP_INTERVAL", 24*time.Hour),
		RetentionInterval:  envDuration("PAM_RETENTION_INTERVAL", 24*time.Hour),
		RetentionDays:      envInt("PAM_RETENTION_DAYS", 90),
		BackupKeep:         envInt("PAM_BACKUP_KEEP", 7),
		MaxConcurrentFetch: envInt("PAM_MAX_CONCURRENT_FETCH", 10),
		RateLimitPerMinute: envInt("PAM_RATE_LIMIT_PER_MINUTE", 60),
		RateLimitPerHour:   envInt("PAM_RATE_LIMIT_PER_HOUR", 1000),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:       envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "worldpam"),
		LogLevel:           envStr("PAM_LOG_LEVEL", "info"),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that settings are usable.
func (s Settings) Validate() error {
	if s.DBPath == "" {
		return fmt.Errorf("config: PAM_DB_PATH is required")
	}
	if s.MaxConcurrentFetch <= 0 {
		return fmt.Errorf("config: PAM_MAX_CONCURRENT_FETCH must be positive")
	}
	if s.RateLimitPerMinute <= 0 || s.RateLimitPerHour <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
