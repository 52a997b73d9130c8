// Package config loads the data builder configuration from a TOML file with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/Sternrassler/sdmx-databuilder/pkg/export"
	"github.com/Sternrassler/sdmx-databuilder/pkg/logging"
	"github.com/Sternrassler/sdmx-databuilder/pkg/probe"
	"github.com/Sternrassler/sdmx-databuilder/pkg/ratelimit"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
)

// Duration is a time.Duration written as a string ("5s", "1m30s") in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole configuration.
type Config struct {
	API     APIConfig     `toml:"api"`
	Rate    RateConfig    `toml:"rate"`
	Fetch   FetchConfig   `toml:"fetch"`
	Recipe  RecipeConfig  `toml:"recipe"`
	Redis   RedisConfig   `toml:"redis"`
	Log     LogConfig     `toml:"log"`
	Output  OutputConfig  `toml:"output"`
	Metrics MetricsConfig `toml:"metrics"`
}

// APIConfig describes the SDMX endpoint.
type APIConfig struct {
	BaseURL   string   `toml:"base_url"`
	ProbeURL  string   `toml:"probe_url"`
	Format    string   `toml:"format"`
	Timeout   Duration `toml:"timeout"`
	UserAgent string   `toml:"user_agent"`
}

// RateConfig configures the governor. Values above the documented API
// ceilings are clamped by the governor.
type RateConfig struct {
	QueriesPerMinute int      `toml:"queries_per_minute"`
	DownloadsPerHour int      `toml:"downloads_per_hour"`
	RequestInterval  Duration `toml:"request_interval"`
}

// FetchConfig configures chunking and retries.
type FetchConfig struct {
	ChunkSize      int      `toml:"chunk_size"`
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	AllowMultiHour bool     `toml:"allow_multi_hour"`
}

// RecipeConfig locates the recipe file.
type RecipeConfig struct {
	Path                string `toml:"path"`
	TransactionPosition int    `toml:"transaction_position"`
}

// RedisConfig enables the persistent governor state and the chunk cache.
// KeyPrefix namespaces both when several deployments share one Redis.
type RedisConfig struct {
	Enabled   bool     `toml:"enabled"`
	Addr      string   `toml:"addr"`
	DB        int      `toml:"db"`
	KeyPrefix string   `toml:"key_prefix"`
	CacheTTL  Duration `toml:"cache_ttl"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// OutputConfig selects where the table is written.
type OutputConfig struct {
	Path   string `toml:"path"`
	Format string `toml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns a complete configuration for the OECD quarterly national
// accounts dataflow.
func Default() *Config {
	gov := ratelimit.DefaultConfig()
	retry := client.DefaultRetryConfig()
	return &Config{
		API: APIConfig{
			BaseURL:   recipe.DefaultBaseURL,
			ProbeURL:  probe.DefaultProbeURL,
			Format:    string(client.FormatCSV),
			Timeout:   Duration(10 * time.Second),
			UserAgent: "sdmx-databuilder/0.1.0",
		},
		Rate: RateConfig{
			QueriesPerMinute: gov.QueriesPerMinute,
			DownloadsPerHour: gov.DownloadsPerHour,
			RequestInterval:  Duration(gov.RequestInterval),
		},
		Fetch: FetchConfig{
			ChunkSize:      20,
			MaxAttempts:    retry.MaxAttempts,
			InitialBackoff: Duration(retry.InitialBackoff),
			MaxBackoff:     Duration(retry.MaxBackoff),
		},
		Recipe: RecipeConfig{
			Path:                "recipes.json",
			TransactionPosition: recipe.DefaultTransactionPosition,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			CacheTTL: Duration(24 * time.Hour),
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
		Output: OutputConfig{
			Path:   "dataset.csv",
			Format: export.FormatCSV,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults;
// unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("parse %s at %d:%d: %w", path, row, col, err)
		}
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			return nil, fmt.Errorf("parse %s: %s", path, serr.String())
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables.
func (c *Config) ApplyEnv() {
	c.API.BaseURL = getEnv("SDMX_BASE_URL", c.API.BaseURL)
	c.Recipe.Path = getEnv("RECIPE_PATH", c.Recipe.Path)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("SDMX_ALLOW_MULTI_HOUR"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Fetch.AllowMultiHour = b
		}
	}
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if _, err := client.ParseFormat(c.API.Format); err != nil {
		errs = append(errs, fmt.Errorf("api.format: %w", err))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be > 0"))
	}
	if c.Rate.QueriesPerMinute < 0 || c.Rate.DownloadsPerHour < 0 {
		errs = append(errs, errors.New("rate limits must be >= 0"))
	}
	if c.Rate.RequestInterval < 0 {
		errs = append(errs, errors.New("rate.request_interval must be >= 0"))
	}
	if c.Fetch.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("fetch.chunk_size must be > 0 (got %d)", c.Fetch.ChunkSize))
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_attempts must be >= 1 (got %d)", c.Fetch.MaxAttempts))
	}
	if c.Fetch.InitialBackoff < 0 || c.Fetch.MaxBackoff < c.Fetch.InitialBackoff {
		errs = append(errs, errors.New("fetch backoff must satisfy 0 <= initial_backoff <= max_backoff"))
	}
	if c.Recipe.Path == "" {
		errs = append(errs, errors.New("recipe.path is required"))
	}
	if c.Recipe.TransactionPosition < 0 {
		errs = append(errs, errors.New("recipe.transaction_position must be >= 0"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Output.Format != "" {
		if _, err := export.ForFormat(c.Output.Format); err != nil {
			errs = append(errs, fmt.Errorf("output.format: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Governor returns the rate governor configuration.
func (c *Config) Governor() ratelimit.Config {
	return ratelimit.Config{
		QueriesPerMinute: c.Rate.QueriesPerMinute,
		DownloadsPerHour: c.Rate.DownloadsPerHour,
		RequestInterval:  c.Rate.RequestInterval.Std(),
	}
}

// Retry returns the client retry configuration.
func (c *Config) Retry() client.RetryConfig {
	r := client.DefaultRetryConfig()
	r.MaxAttempts = c.Fetch.MaxAttempts
	r.InitialBackoff = c.Fetch.InitialBackoff.Std()
	r.MaxBackoff = c.Fetch.MaxBackoff.Std()
	return r
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		cfg.Level = level
	}
	cfg.Pretty = c.Log.Pretty
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
