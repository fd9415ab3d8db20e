// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	StoreBackend string // "memory", "sqlite" or "postgres"
	DatabaseURL  string // Postgres DSN when StoreBackend is "postgres"
	SQLitePath   string // database file when StoreBackend is "sqlite"

	// Export settings.
	ExportProvider string // "none", "otlp" or "dataset"
	FlushDelay     time.Duration
	ExportRetryMax int

	// OTLP profile.
	OTLPEndpoint string
	OTLPHeaders  map[string]string // parsed from "k1=v1,k2=v2"

	// Dataset profile.
	DatasetAPIKey string
	DatasetName   string
	DatasetRegion string

	// OTEL self-observability settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("OIKAKE_PORT", 8080),
		ReadTimeout:         envDuration("OIKAKE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("OIKAKE_WRITE_TIMEOUT", 30*time.Second),
		StoreBackend:        envStr("OIKAKE_STORE", "memory"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("OIKAKE_SQLITE_PATH", "oikake.db"),
		ExportProvider:      envStr("OIKAKE_EXPORT_PROVIDER", "none"),
		FlushDelay:          envDuration("OIKAKE_FLUSH_DELAY", 5*time.Second),
		ExportRetryMax:      envInt("OIKAKE_EXPORT_RETRY_MAX", 0),
		OTLPEndpoint:        envStr("OIKAKE_OTLP_ENDPOINT", ""),
		OTLPHeaders:         envHeaders("OIKAKE_OTLP_HEADERS"),
		DatasetAPIKey:       envStr("OIKAKE_DATASET_API_KEY", ""),
		DatasetName:         envStr("OIKAKE_DATASET_NAME", ""),
		DatasetRegion:       envStr("OIKAKE_DATASET_REGION", "us"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "oikake"),
		LogLevel:            envStr("OIKAKE_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("OIKAKE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when OIKAKE_STORE is postgres")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}

	switch c.ExportProvider {
	case "none":
	case "otlp":
		if c.OTLPEndpoint == "" {
			return fmt.Errorf("config: OIKAKE_OTLP_ENDPOINT is required when provider is otlp")
		}
	case "dataset":
		if c.DatasetAPIKey == "" || c.DatasetName == "" {
			return fmt.Errorf("config: OIKAKE_DATASET_API_KEY and OIKAKE_DATASET_NAME are required when provider is dataset")
		}
	default:
		return fmt.Errorf("config: unknown export provider %q", c.ExportProvider)
	}

	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: OIKAKE_MAX_REQUEST_BODY_BYTES must be positive")
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
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

// envHeaders parses a comma-separated "key=value" list into a map.
func envHeaders(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = val
	}
	return out
}
