// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Upstream voice-analysis provider
	UpstreamWSURL       string // wss:// endpoint the bridge dials per call
	UpstreamAPIKey      string
	UpstreamDialTimeout time.Duration

	// Session lifecycle
	SessionTTL    time.Duration // Max idle age before the sweep evicts a session
	SweepInterval time.Duration

	// Provider registrations
	ProvidersFile string // YAML file with scoring provider registrations

	// Security
	DeviceAPIKeys []string // Keys accepted from mobile clients (empty = open mode)
	AdminAPIKey   string   // Key for the admin surface (empty = admin disabled)
	RateLimitRPM  int

	// Collaborators
	NotifyEndpoint string // Warning intake of the notification service (optional)
	NotifySecret   string // HMAC secret for signing notify payloads

	// CORS
	AllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultProvidersFile = "providers.yaml"
	DefaultRateLimit     = 120

	DefaultSessionTTL          = time.Hour
	DefaultSweepInterval       = time.Hour
	DefaultUpstreamDialTimeout = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		UpstreamWSURL:       os.Getenv("UPSTREAM_WS_URL"),
		UpstreamAPIKey:      os.Getenv("UPSTREAM_API_KEY"),
		UpstreamDialTimeout: getEnvDuration("UPSTREAM_DIAL_TIMEOUT", DefaultUpstreamDialTimeout),
		SessionTTL:          getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ProvidersFile:       getEnv("PROVIDERS_FILE", DefaultProvidersFile),
		DeviceAPIKeys:       splitList(os.Getenv("DEVICE_API_KEYS")),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		NotifyEndpoint:      os.Getenv("NOTIFY_ENDPOINT"),
		NotifySecret:        os.Getenv("NOTIFY_SECRET"),
		AllowedOrigins:      splitList(os.Getenv("ALLOWED_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.UpstreamWSURL == "" {
		return fmt.Errorf("UPSTREAM_WS_URL is required")
	}
	if !strings.HasPrefix(c.UpstreamWSURL, "ws://") && !strings.HasPrefix(c.UpstreamWSURL, "wss://") {
		return fmt.Errorf("UPSTREAM_WS_URL must be a ws:// or wss:// URL")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	if c.IsProduction() && c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
