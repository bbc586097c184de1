package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	config := Default()

	if config.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", config.Server.Port)
	}
	if config.Lyrics.NegativeTTL.Duration != 7*24*time.Hour {
		t.Errorf("expected negative ttl 168h, got %v", config.Lyrics.NegativeTTL)
	}
	if config.Analysis.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", config.Analysis.MaxRetries)
	}
	if config.Analysis.StalePending.Duration != 30*time.Minute {
		t.Errorf("expected stale pending 30m, got %v", config.Analysis.StalePending)
	}
	if len(config.Lyrics.Providers) != 2 || config.Lyrics.Providers[0] != "lrclib" {
		t.Errorf("unexpected providers %v", config.Lyrics.Providers)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("SPOTIFY_ID", "")
	t.Setenv("SPOTIFY_SECRET", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SCORER_API_KEY", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
port = 9090

[analysis]
batch_size = 10
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", config.Server.Port)
	}
	if config.Analysis.BatchSize != 10 {
		t.Errorf("batch size = %d, want 10", config.Analysis.BatchSize)
	}
	if config.Analysis.Workers != 4 {
		t.Errorf("workers = %d, want default 4", config.Analysis.Workers)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\ncooldown = \"soon\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error for bad duration")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SPOTIFY_ID":     "id",
		"SPOTIFY_SECRET": "secret",
		"DATABASE_URL":   "postgres://db",
		"REDIS_ADDR":     "localhost:6379",
	}
	config := Default()
	config.ApplyEnv(func(k string) string { return env[k] })

	if config.Spotify.ClientID != "id" || config.Spotify.ClientSecret != "secret" {
		t.Errorf("spotify credentials not applied: %+v", config.Spotify)
	}
	if config.Database.URL != "postgres://db" {
		t.Errorf("database url = %q", config.Database.URL)
	}
	if config.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q", config.Redis.Addr)
	}
	if config.Log.Level != "info" {
		t.Errorf("log level should keep default, got %q", config.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Spotify.ClientID = "id"
		c.Spotify.ClientSecret = "secret"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"missing id", func(c *Config) { c.Spotify.ClientID = "" }, ErrMissingCredentials},
		{"empty database", func(c *Config) { c.Database.URL = "" }, ErrInvalidConfig},
		{"zero batch", func(c *Config) { c.Analysis.BatchSize = 0 }, ErrInvalidConfig},
		{"zero workers", func(c *Config) { c.Analysis.Workers = 0 }, ErrInvalidConfig},
		{"negative retries", func(c *Config) { c.Analysis.MaxRetries = -1 }, ErrInvalidConfig},
		{"zero negative ttl", func(c *Config) { c.Lyrics.NegativeTTL.Duration = 0 }, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := CreateConfigFile(path); err != nil {
		t.Fatalf("CreateConfigFile() error = %v", err)
	}
	if err := CreateConfigFile(path); err == nil {
		t.Error("creating config file again should fail")
	}
}

func TestServerAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8080}
	if got := s.Addr(); got != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q", got)
	}
}
