// Package config provides configuration loading for the graph engine service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the graph engine service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration, shared by every Redis-backed component
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Item store configuration
	ItemStore    string // "memory", "sqlite", "redis" or "s3"
	ItemStoreTTL time.Duration
	SQLitePath   string

	// S3 item store configuration
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UseSSL          bool
	S3Prefix          string

	// Queue and processor configuration
	Queue            string // "memory" or "redis"
	ProcessorWorkers int

	// Events
	EventSinks   []string // any of "bus", "redis", "log"
	EventHistory string   // "bus" or "redis"
	EventMaxLen  int64
	EventTTL     time.Duration

	// Tracing
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64

	// OIDC configuration
	OIDCIssuer   string
	OIDCClientID string
	OIDCEnabled  bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 0), // SSE streams stay open
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "graph-engine"),

		// Item store
		ItemStore:    getEnv("ITEMSTORE", "memory"),
		ItemStoreTTL: getDuration("ITEMSTORE_TTL", 7*24*time.Hour), // 7 days
		SQLitePath:   getEnv("SQLITE_PATH", "graph-engine.db"),

		// S3
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Bucket:          getEnv("S3_BUCKET", "graph-engine"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UseSSL:          getBool("S3_USE_SSL", false),
		S3Prefix:          getEnv("S3_PREFIX", "graph-engine"),

		// Queue and processor
		Queue:            getEnv("QUEUE", "memory"),
		ProcessorWorkers: getInt("PROCESSOR_WORKERS", 1),

		// Events
		EventSinks:   getStringSlice("EVENT_SINKS", []string{"bus"}),
		EventHistory: getEnv("EVENT_HISTORY", "bus"),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),
		EventTTL:     getDuration("EVENT_TTL", 24*time.Hour),

		// Tracing
		OTelEnabled:    getBool("OTEL_ENABLED", false),
		OTelEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampleRate: getFloat("OTEL_SAMPLE_RATE", 1.0),

		// OIDC
		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
		OIDCEnabled:  getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.ItemStore {
	case "memory", "sqlite", "redis", "s3":
	default:
		return fmt.Errorf("ITEMSTORE: unknown backend %q", c.ItemStore)
	}
	switch c.Queue {
	case "memory", "redis":
	default:
		return fmt.Errorf("QUEUE: unknown backend %q", c.Queue)
	}
	for _, s := range c.EventSinks {
		switch s {
		case "bus", "redis", "log":
		default:
			return fmt.Errorf("EVENT_SINKS: unknown sink %q", s)
		}
	}
	switch c.EventHistory {
	case "bus", "redis":
	default:
		return fmt.Errorf("EVENT_HISTORY: unknown source %q", c.EventHistory)
	}
	if !c.HasSink(c.EventHistory) {
		return fmt.Errorf("EVENT_HISTORY %q is not listed in EVENT_SINKS", c.EventHistory)
	}
	if c.ProcessorWorkers < 1 {
		return fmt.Errorf("PROCESSOR_WORKERS must be at least 1")
	}
	if c.OIDCEnabled && c.OIDCIssuer == "" {
		return fmt.Errorf("OIDC_ENABLED requires OIDC_ISSUER")
	}
	return nil
}

// HasSink reports whether the named event sink is configured.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.EventSinks {
		if s == name {
			return true
		}
	}
	return false
}

// NeedsRedis reports whether any component is backed by Redis.
func (c *Config) NeedsRedis() bool {
	return c.ItemStore == "redis" || c.Queue == "redis" || c.HasSink("redis")
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
