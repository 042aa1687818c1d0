// Package config loads engine host configuration from TOML with environment
// overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Cache    CacheConfig    `toml:"cache"`
	EventBus EventBusConfig `toml:"event_bus"`
	DLQ      DLQConfig      `toml:"dlq"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
}

type EngineConfig struct {
	// SaveEveryNNodes is the checkpoint cadence; 0 disables.
	SaveEveryNNodes int `toml:"save_every_n_nodes"`
	// SaveOnError persists a checkpoint when a run fails.
	SaveOnError bool `toml:"save_on_error"`
	// AllowCycles bypasses the DAG check at graph build.
	AllowCycles bool `toml:"allow_cycles"`
	// MaxSubgraphDepth bounds subgraph nesting.
	MaxSubgraphDepth int `toml:"max_subgraph_depth"`
	// MaxActivations bounds node activations per run.
	MaxActivations int `toml:"max_activations"`
	// CheckpointTTL bounds checkpoint lifetime, e.g. "72h". Empty = no expiry.
	CheckpointTTL duration `toml:"checkpoint_ttl"`
	// SweepInterval is the expired-state sweep cadence.
	SweepInterval duration `toml:"sweep_interval"`
}

type CacheConfig struct {
	ToolCallTTL duration `toml:"tool_call_ttl"`
	StepTTL     duration `toml:"step_ttl"`
	IntentTTL   duration `toml:"intent_ttl"`
	// Size bounds the in-memory cache backend.
	Size int `toml:"size"`
}

type EventBusConfig struct {
	// Backend is one of "in-memory", "log-partitioned", "redis-stream".
	Backend string `toml:"backend"`
	Retries int    `toml:"retries"`
	Buffer  int    `toml:"buffer"`
	// DSN is the Redis URL for the redis-stream backend.
	DSN string `toml:"dsn"`
}

type DLQConfig struct {
	MaxSize           int `toml:"max_size"`
	MaxSizePerChannel int `toml:"max_size_per_channel"`
}

type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres", "redis".
	Backend string `toml:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `toml:"path"`
	// DSN is the connection string for postgres and redis backends.
	DSN string `toml:"dsn"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration parses TOML strings like "30s" or "72h".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Duration converts to time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxSubgraphDepth: 10,
			MaxActivations:   1000,
			SweepInterval:    duration(time.Minute),
		},
		Cache: CacheConfig{
			ToolCallTTL: duration(time.Hour),
			StepTTL:     duration(6 * time.Hour),
			IntentTTL:   duration(24 * time.Hour),
			Size:        4096,
		},
		EventBus: EventBusConfig{Backend: "in-memory", Retries: 3, Buffer: 64},
		DLQ:      DLQConfig{MaxSize: 1024, MaxSizePerChannel: 128},
		Store:    StoreConfig{Backend: "memory", Path: "spice.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "spice.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SPICE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("SPICE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SPICE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SPICE_EVENT_BUS_BACKEND"); v != "" {
		cfg.EventBus.Backend = v
	}
	if v := os.Getenv("SPICE_OBSERVER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observer.Enabled = b
		}
	}
	return cfg
}
