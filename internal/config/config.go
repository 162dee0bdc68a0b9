package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18890
	DefaultBufSize          = 100
	DefaultCommentLimit     = 20
	DefaultDelegationLimit  = 10
	DefaultTransitionLimit  = 25
	DefaultCacheTTL         = "24h"
	DefaultPruneSchedule    = "0 0 * * * *"
	DefaultStaleDelegation  = "48h"
	DefaultTelemetryService = "baton"
)

type Config struct {
	Storage   StorageConfig   `json:"storage"`
	Gateway   GatewayConfig   `json:"gateway"`
	Snapshot  SnapshotConfig  `json:"snapshot"`
	Cache     CacheConfig     `json:"cache"`
	Sweeper   SweeperConfig   `json:"sweeper"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Shorthand ShorthandConfig `json:"shorthand"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type SnapshotConfig struct {
	CommentLimit    int `json:"commentLimit,omitempty"`
	DelegationLimit int `json:"delegationLimit,omitempty"`
	TransitionLimit int `json:"transitionLimit,omitempty"`
}

type CacheConfig struct {
	TTL string `json:"ttl,omitempty"`
}

type SweeperConfig struct {
	Enabled       bool   `json:"enabled"`
	PruneSchedule string `json:"pruneSchedule,omitempty"`
	StaleAge      string `json:"staleAge,omitempty"`
}

type TelemetryConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlpEndpoint,omitempty"`
	ServiceName  string `json:"serviceName,omitempty"`
}

type ShorthandConfig struct {
	OverridesPath string `json:"overridesPath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: filepath.Join(ConfigDir(), "data", "baton.db"),
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Snapshot: SnapshotConfig{
			CommentLimit:    DefaultCommentLimit,
			DelegationLimit: DefaultDelegationLimit,
			TransitionLimit: DefaultTransitionLimit,
		},
		Cache: CacheConfig{
			TTL: DefaultCacheTTL,
		},
		Sweeper: SweeperConfig{
			Enabled:       true,
			PruneSchedule: DefaultPruneSchedule,
			StaleAge:      DefaultStaleDelegation,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: DefaultTelemetryService,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".baton")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads config.json, then applies .env and environment overrides.
// A missing config file yields defaults, never an error.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env values become process env without clobbering existing variables.
	_ = godotenv.Load()

	if dbPath := os.Getenv("BATON_DB_PATH"); dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if host := os.Getenv("BATON_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("BATON_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if ttl := os.Getenv("BATON_CACHE_TTL"); ttl != "" {
		cfg.Cache.TTL = ttl
	}
	if enabled := os.Getenv("BATON_SWEEPER_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Sweeper.Enabled = parsed
		}
	}
	if endpoint := os.Getenv("BATON_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.OTLPEndpoint = endpoint
		cfg.Telemetry.Enabled = true
	}
	if path := os.Getenv("BATON_SHORTHAND_OVERRIDES"); path != "" {
		cfg.Shorthand.OverridesPath = path
	}

	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = DefaultConfig().Storage.DBPath
	}
	if cfg.Snapshot.CommentLimit <= 0 {
		cfg.Snapshot.CommentLimit = DefaultCommentLimit
	}
	if cfg.Snapshot.DelegationLimit <= 0 {
		cfg.Snapshot.DelegationLimit = DefaultDelegationLimit
	}
	if cfg.Snapshot.TransitionLimit <= 0 {
		cfg.Snapshot.TransitionLimit = DefaultTransitionLimit
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultTelemetryService
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
