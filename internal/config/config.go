// Package config handles application configuration from environment variables
package config

import (
	"errors"
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

	// Data and model
	DataPath      string   // CSV transaction log
	ModelPath     string   // checkpoint JSON, fitted from DataPath when missing
	ThresholdPath string   // optional {"threshold": x} override file
	Threshold     *float64 // THRESHOLD env, wins over everything

	// Streaming
	MetricsInterval time.Duration
	EventsInterval  time.Duration
	WindowMinutes   int
	TopN            int
	BatchSize       int
	AlertPolicy     string // "top" or "recent"
	MaxStreams      int

	// HTTP hardening
	CORSOrigins  string // comma separated; "*" allows any
	RateLimitRPM int    // per client IP, 0 disables

	// Optional backends
	DatabaseURL      string // PostgreSQL for report history (in-memory if not set)
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept; 0 keeps all
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultDataPath        = "data/creditcard.csv"
	DefaultModelPath       = "data/model.json"
	DefaultThresholdPath   = "data/threshold.json"
	DefaultMetricsInterval = 50 * time.Millisecond
	DefaultEventsInterval  = 100 * time.Millisecond
	DefaultWindowMinutes   = 60
	DefaultTopN            = 10
	DefaultBatchSize       = 100
	DefaultAlertPolicy     = "top"
	DefaultMaxStreams      = 64
	DefaultCORSOrigins     = "http://localhost:5173,http://127.0.0.1:5173"
	DefaultRateLimitRPM    = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DataPath:        getEnv("DATA_PATH", DefaultDataPath),
		ModelPath:       getEnv("MODEL_PATH", DefaultModelPath),
		ThresholdPath:   getEnv("THRESHOLD_PATH", DefaultThresholdPath),
		MetricsInterval: getEnvMillis("INTERVAL_MS", DefaultMetricsInterval, &errs),
		EventsInterval:  getEnvMillis("EVENT_INTERVAL_MS", DefaultEventsInterval, &errs),
		WindowMinutes:   getEnvInt("WINDOW_MINUTES", DefaultWindowMinutes, &errs),
		TopN:            getEnvInt("TOP_N", DefaultTopN, &errs),
		BatchSize:       getEnvInt("BATCH_SIZE", DefaultBatchSize, &errs),
		AlertPolicy:     strings.ToLower(getEnv("ALERT_POLICY", DefaultAlertPolicy)),
		MaxStreams:      getEnvInt("MAX_STREAMS", DefaultMaxStreams, &errs),
		CORSOrigins:     getEnv("CORS_ORIGINS", DefaultCORSOrigins),
		RateLimitRPM:    getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM, &errs),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if raw := os.Getenv("THRESHOLD"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("THRESHOLD must be a number, got %q", raw))
		} else {
			cfg.Threshold = &t
		}
	}
	if raw := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); raw != "" {
		r, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be a number, got %q", raw))
		} else {
			cfg.TraceSampleRatio = r
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and in range
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("DATA_PATH is required")
	}
	if c.MetricsInterval < 0 || c.EventsInterval < 0 {
		return fmt.Errorf("INTERVAL_MS and EVENT_INTERVAL_MS must not be negative")
	}
	if c.WindowMinutes <= 0 {
		return fmt.Errorf("WINDOW_MINUTES must be positive, got %d", c.WindowMinutes)
	}
	if c.TopN <= 0 {
		return fmt.Errorf("TOP_N must be positive, got %d", c.TopN)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxStreams <= 0 {
		return fmt.Errorf("MAX_STREAMS must be positive, got %d", c.MaxStreams)
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative, got %d", c.RateLimitRPM)
	}
	if c.AlertPolicy != "top" && c.AlertPolicy != "recent" {
		return fmt.Errorf("ALERT_POLICY must be \"top\" or \"recent\", got %q", c.AlertPolicy)
	}
	if c.Threshold != nil && (*c.Threshold < 0 || *c.Threshold > 1) {
		return fmt.Errorf("THRESHOLD must be within [0, 1], got %v", *c.Threshold)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0, 1], got %v", c.TraceSampleRatio)
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

// getEnvInt records a parse failure instead of silently using the default.
func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return i
}

func getEnvMillis(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	ms := getEnvInt(key, int(defaultValue/time.Millisecond), errs)
	return time.Duration(ms) * time.Millisecond
}
