// Package config loads the application configuration from a TOML file with
// environment overrides for secrets.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

var (
	// ErrMissingCredentials is returned when a required secret is absent.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidConfig is returned when a value is out of range.
	ErrInvalidConfig = errors.New("invalid config")
)

// Duration is a time.Duration that decodes from strings like "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Spotify  SpotifyConfig  `toml:"spotify"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Server   ServerConfig   `toml:"server"`
	Sync     SyncConfig     `toml:"sync"`
	Analysis AnalysisConfig `toml:"analysis"`
	Lyrics   LyricsConfig   `toml:"lyrics"`
	Scorer   ScorerConfig   `toml:"scorer"`
	Log      LogConfig      `toml:"log"`
}

// SpotifyConfig contains Spotify API credentials.
type SpotifyConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int32  `toml:"max_conns"`
}

// RedisConfig configures the optional shared lyrics cache tier.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SyncConfig controls catalog synchronization.
type SyncConfig struct {
	Cooldown    Duration `toml:"cooldown"`
	Interval    Duration `toml:"interval"`
	Concurrency int      `toml:"concurrency"`
	AutoAnalyze bool     `toml:"auto_analyze"`
}

// AnalysisConfig controls the analysis scheduler.
type AnalysisConfig struct {
	BatchSize       int      `toml:"batch_size"`
	Workers         int      `toml:"workers"`
	MaxInFlight     int      `toml:"max_in_flight"`
	FreshnessWindow Duration `toml:"freshness_window"`
	MaxRetries      int      `toml:"max_retries"`
	StalePending    Duration `toml:"stale_pending"`
}

// LyricsConfig controls the lyrics cache and providers.
type LyricsConfig struct {
	NegativeTTL       Duration `toml:"negative_ttl"`
	Providers         []string `toml:"providers"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Timeout           Duration `toml:"timeout"`
}

// ScorerConfig points at the OpenAI-compatible scoring endpoint.
type ScorerConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	Model             string   `toml:"model"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Load reads path on top of the embedded defaults and applies environment
// overrides. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	config.ApplyEnv(os.Getenv)
	return config, nil
}

// Default returns a Config loaded from the embedded example config.
func Default() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Spotify.ClientID, "SPOTIFY_ID")
	set(&c.Spotify.ClientSecret, "SPOTIFY_SECRET")
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Scorer.APIKey, "SCORER_API_KEY")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.Log.Level, "LOG_LEVEL")
}

// Validate checks the values every command needs.
func (c *Config) Validate() error {
	if c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "" {
		return fmt.Errorf("%w: set SPOTIFY_ID and SPOTIFY_SECRET", ErrMissingCredentials)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("%w: database url is empty", ErrInvalidConfig)
	}
	if c.Analysis.BatchSize <= 0 {
		return fmt.Errorf("%w: analysis.batch_size must be positive", ErrInvalidConfig)
	}
	if c.Analysis.Workers <= 0 || c.Analysis.MaxInFlight <= 0 {
		return fmt.Errorf("%w: analysis.workers and analysis.max_in_flight must be positive", ErrInvalidConfig)
	}
	if c.Analysis.MaxRetries < 0 {
		return fmt.Errorf("%w: analysis.max_retries cannot be negative", ErrInvalidConfig)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("%w: sync.concurrency must be positive", ErrInvalidConfig)
	}
	if c.Lyrics.NegativeTTL.Duration <= 0 {
		return fmt.Errorf("%w: lyrics.negative_ttl must be positive", ErrInvalidConfig)
	}
	return nil
}

// ValidateScorer checks the scorer settings needed by analysis commands.
func (c *Config) ValidateScorer() error {
	if c.Scorer.APIKey == "" {
		return fmt.Errorf("%w: set SCORER_API_KEY", ErrMissingCredentials)
	}
	if c.Scorer.BaseURL == "" || c.Scorer.Model == "" {
		return fmt.Errorf("%w: scorer.base_url and scorer.model are required", ErrInvalidConfig)
	}
	return nil
}

// CreateConfigFile writes the embedded example config to path.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, exampleConf, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
