package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATA_PATH", "MODEL_PATH",
		"THRESHOLD_PATH", "THRESHOLD", "INTERVAL_MS", "EVENT_INTERVAL_MS",
		"WINDOW_MINUTES", "TOP_N", "BATCH_SIZE", "ALERT_POLICY", "MAX_STREAMS",
		"CORS_ORIGINS", "RATE_LIMIT_RPM", "DATABASE_URL", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_TRACES_SAMPLER_ARG",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDataPath, cfg.DataPath)
	assert.Equal(t, 50*time.Millisecond, cfg.MetricsInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.EventsInterval)
	assert.Equal(t, 60, cfg.WindowMinutes)
	assert.Equal(t, 10, cfg.TopN)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, "top", cfg.AlertPolicy)
	assert.Equal(t, 64, cfg.MaxStreams)
	assert.Equal(t, "http://localhost:5173,http://127.0.0.1:5173", cfg.CORSOrigins)
	assert.Equal(t, 120, cfg.RateLimitRPM)
	assert.Nil(t, cfg.Threshold)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATA_PATH", "/data/log.csv")
	t.Setenv("INTERVAL_MS", "0")
	t.Setenv("EVENT_INTERVAL_MS", "250")
	t.Setenv("BATCH_SIZE", "500")
	t.Setenv("ALERT_POLICY", "Recent")
	t.Setenv("THRESHOLD", "0.3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/data/log.csv", cfg.DataPath)
	assert.Equal(t, time.Duration(0), cfg.MetricsInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.EventsInterval)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, "recent", cfg.AlertPolicy)
	require.NotNil(t, cfg.Threshold)
	assert.Equal(t, 0.3, *cfg.Threshold)
}

func TestLoad_ReportsEveryParseError(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOP_N", "ten")
	t.Setenv("THRESHOLD", "high")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOP_N must be an integer")
	assert.Contains(t, err.Error(), "THRESHOLD must be a number")
}

func TestLoad_RejectsOutOfRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("WINDOW_MINUTES", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WINDOW_MINUTES must be positive")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			DataPath:      "log.csv",
			WindowMinutes: 60,
			TopN:          10,
			BatchSize:     100,
			AlertPolicy:   "top",
			MaxStreams:    4,
		}
	}
	half, over := 0.5, 1.5

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"valid threshold", func(c *Config) { c.Threshold = &half }, ""},
		{"missing data path", func(c *Config) { c.DataPath = "" }, "DATA_PATH is required"},
		{"negative interval", func(c *Config) { c.EventsInterval = -time.Millisecond }, "must not be negative"},
		{"zero top n", func(c *Config) { c.TopN = 0 }, "TOP_N must be positive"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "BATCH_SIZE must be positive"},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT_RPM"},
		{"zero streams", func(c *Config) { c.MaxStreams = 0 }, "MAX_STREAMS must be positive"},
		{"unknown policy", func(c *Config) { c.AlertPolicy = "newest" }, "ALERT_POLICY"},
		{"threshold above one", func(c *Config) { c.Threshold = &over }, "THRESHOLD must be within"},
		{"sample ratio", func(c *Config) { c.TraceSampleRatio = 0.1 }, ""},
		{"sample ratio above one", func(c *Config) { c.TraceSampleRatio = 2 }, "OTEL_TRACES_SAMPLER_ARG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID", "not_a_number")

	var errs []error
	assert.Equal(t, 42, getEnvInt("TEST_INT", 0, &errs))
	assert.Equal(t, 99, getEnvInt("FRAUDWATCH_NONEXISTENT_VAR", 99, &errs))
	assert.Empty(t, errs)

	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99, &errs))
	assert.Len(t, errs, 1)
}
