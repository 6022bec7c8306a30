package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
	Chat     ChatConfig     `yaml:"chat"`
	Reaper   ReaperConfig   `yaml:"reaper"`
}

// ServerConfig holds http settings.
type ServerConfig struct {
	Address      string    `yaml:"address"`
	Port         int       `yaml:"port"`
	DBPath       string    `yaml:"db_path"`
	MaxBodyBytes SizeBytes `yaml:"max_body_bytes"`
}

// SecurityConfig holds auth, CORS and rate limiting settings.
type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	SigningKeys []string `yaml:"signing_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ChatConfig holds provider credentials and checkpoint tunables.
type ChatConfig struct {
	Providers  []ProviderConfig `yaml:"providers"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// ProviderConfig describes one upstream completion backend.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// APIKeyEnv names an environment variable to read the key from when
	// api_key is not set inline.
	APIKeyEnv string `yaml:"api_key_env"`
}

// CheckpointConfig controls the throttled checkpoint writer.
type CheckpointConfig struct {
	// Quantum is the minimum interval between persisted partial writes for
	// one streaming message.
	Quantum Duration `yaml:"quantum"`
}

// ReaperConfig holds configuration for the stuck-stream sweep. The sweep
// runs by default; set disabled to opt out explicitly.
type ReaperConfig struct {
	Disabled   bool     `yaml:"disabled"`
	Cron       string   `yaml:"cron"`
	StaleAfter Duration `yaml:"stale_after"`
}

// Addr returns the listen address combining Address and Port, falling back
// to ":8080" when neither is set.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if c.Server.Port != 0 {
		return fmt.Sprintf("%s:%d", addr, c.Server.Port)
	}
	if addr == "" {
		return ":8080"
	}
	return addr
}

// Duration is a yaml-friendly wrapper over time.Duration accepting either
// Go duration strings ("500ms") or bare integers interpreted as milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SizeBytes is a yaml-friendly byte size accepting human-readable values
// like "1MB" or bare integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(value *yaml.Node) error {
	v := strings.TrimSpace(value.Value)
	if v == "" {
		*s = 0
		return nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*s = SizeBytes(n)
		return nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	*s = SizeBytes(n)
	return nil
}
