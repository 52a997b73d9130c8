package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/sdmx-databuilder/pkg/logging"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "databuilder.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, recipe.DefaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, 20, cfg.Rate.QueriesPerMinute)
	assert.Equal(t, 20, cfg.Rate.DownloadsPerHour)
	assert.Equal(t, 5*time.Second, cfg.Rate.RequestInterval.Std())
	assert.Equal(t, 5, cfg.Fetch.MaxAttempts)
	assert.Equal(t, recipe.DefaultTransactionPosition, cfg.Recipe.TransactionPosition)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Overlay(t *testing.T) {
	path := writeConfig(t, `
[api]
format = "xml"
timeout = "30s"

[rate]
request_interval = "3s"

[fetch]
chunk_size = 8
allow_multi_hour = true
initial_backoff = "2s"
max_backoff = "1m"

[redis]
enabled = true
addr = "redis:6379"
db = 2

[output]
path = "qna.xlsx"
format = "xlsx"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "xml", cfg.API.Format)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout.Std())
	assert.Equal(t, 3*time.Second, cfg.Governor().RequestInterval)
	assert.Equal(t, 8, cfg.Fetch.ChunkSize)
	assert.True(t, cfg.Fetch.AllowMultiHour)
	assert.Equal(t, 2*time.Second, cfg.Retry().InitialBackoff)
	assert.Equal(t, time.Minute, cfg.Retry().MaxBackoff)
	assert.Equal(t, 2, cfg.Redis.DB)
	// Untouched sections keep their defaults.
	assert.Equal(t, recipe.DefaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, "recipes.json", cfg.Recipe.Path)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "syntax", body: "[api\nformat = 1", want: "parse"},
		{name: "bad duration", body: "[api]\ntimeout = \"soon\"", want: "parse"},
		{name: "unknown key", body: "[fetch]\nchunksize = 4", want: "chunksize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"format", func(c *Config) { c.API.Format = "json" }, "api.format"},
		{"timeout", func(c *Config) { c.API.Timeout = 0 }, "api.timeout"},
		{"chunk size", func(c *Config) { c.Fetch.ChunkSize = 0 }, "chunk_size"},
		{"attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }, "max_attempts"},
		{"backoff", func(c *Config) { c.Fetch.MaxBackoff = Duration(time.Millisecond) }, "backoff"},
		{"interval", func(c *Config) { c.Rate.RequestInterval = Duration(-time.Second) }, "request_interval"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"output", func(c *Config) { c.Output.Format = "parquet" }, "output.format"},
		{"recipe path", func(c *Config) { c.Recipe.Path = "" }, "recipe.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Fetch.ChunkSize = 0
	cfg.API.BaseURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, 2, len(strings.Split(err.Error(), "\n")))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SDMX_BASE_URL", "https://example.org/data/DF,1.0/")
	t.Setenv("REDIS_URL", "cache:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RECIPE_PATH", "/etc/recipes.json")
	t.Setenv("SDMX_ALLOW_MULTI_HOUR", "true")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "https://example.org/data/DF,1.0/", cfg.API.BaseURL)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "/etc/recipes.json", cfg.Recipe.Path)
	assert.True(t, cfg.Fetch.AllowMultiHour)
	assert.Equal(t, logging.LevelDebug, cfg.Logging().Level)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
	assert.Error(t, d.UnmarshalText([]byte("90")))
}
