package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// ParseFlags parses command-line flags and returns them as a Flags struct.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadEffective loads the config file (missing file is not fatal), applies
// environment overrides, fills defaults and registers runtime key sets.
func LoadEffective(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			cfg = loaded
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	SetSigningKeys(cfg.Security.SigningKeys)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATRELAY_ADDR"); v != "" {
		cfg.Server.Address = v
		cfg.Server.Port = 0
	}
	if v := os.Getenv("CHATRELAY_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHATRELAY_SIGNING_KEYS"); v != "" {
		cfg.Security.SigningKeys = splitList(v)
	}
	// Provider keys may arrive via env without any config file entry.
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		ensureProviderKey(cfg, "openrouter", v)
		ensureProviderKey(cfg, "hosted", v)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		ensureProviderKey(cfg, "openai", v)
	}
}

func ensureProviderKey(cfg *Config, name, key string) {
	for i := range cfg.Chat.Providers {
		if cfg.Chat.Providers[i].Name == name {
			if cfg.Chat.Providers[i].APIKey == "" {
				cfg.Chat.Providers[i].APIKey = key
			}
			return
		}
	}
	cfg.Chat.Providers = append(cfg.Chat.Providers, ProviderConfig{Name: name, APIKey: key})
}

func applyDefaults(cfg *Config) {
	if cfg.Chat.Checkpoint.Quantum == 0 {
		cfg.Chat.Checkpoint.Quantum = Duration(500 * time.Millisecond)
	}
	if cfg.Reaper.Cron == "" {
		cfg.Reaper.Cron = "0 * * * *"
	}
	if cfg.Reaper.StaleAfter == 0 {
		cfg.Reaper.StaleAfter = Duration(15 * time.Minute)
	}
	if cfg.Security.RateLimit.RPS == 0 {
		cfg.Security.RateLimit.RPS = 5
	}
	if cfg.Security.RateLimit.Burst == 0 {
		cfg.Security.RateLimit.Burst = 10
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	// Resolve api_key_env indirection once at load time.
	for i := range cfg.Chat.Providers {
		p := &cfg.Chat.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}
}

func splitList(v string) []string {
	var parts []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

var signingKeys map[string]struct{}

// SetSigningKeys registers the runtime signing key set used to verify
// signed user identity headers.
func SetSigningKeys(keys []string) {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = struct{}{}
		}
	}
	signingKeys = m
}

// GetSigningKeys returns the registered signing key set.
func GetSigningKeys() map[string]struct{} {
	return signingKeys
}
