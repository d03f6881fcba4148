// Package config loads scorelog settings from defaults, an optional config
// file, SCORELOG_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/scorelog/internal/snapshot"
	"github.com/roach88/scorelog/internal/store"
)

// EnvPrefix prefixes every environment variable: transport.hub_url is read
// from SCORELOG_TRANSPORT_HUB_URL.
const EnvPrefix = "SCORELOG"

// Transport modes.
const (
	TransportBus     = "bus"
	TransportWS      = "ws"
	TransportKeyFile = "keyfile"
	TransportNone    = "none"
)

// Config is the resolved configuration.
type Config struct {
	DataDir          string          `mapstructure:"data_dir"`
	DB               string          `mapstructure:"db"`
	Transport        TransportConfig `mapstructure:"transport"`
	Snapshot         SnapshotConfig  `mapstructure:"snapshot"`
	HydrationTimeout time.Duration   `mapstructure:"hydration_timeout"`
	Log              LogConfig       `mapstructure:"log"`
	Metrics          MetricsConfig   `mapstructure:"metrics"`
}

// TransportConfig selects how Instances on one machine reach each other.
//
// ws is the primary transport; with DisablePrimary, or when the hub cannot
// be reached, the key-file fallback in SignalDir is used.
type TransportConfig struct {
	Mode           string `mapstructure:"mode"`
	HubURL         string `mapstructure:"hub_url"`
	SignalDir      string `mapstructure:"signal_dir"`
	DisablePrimary bool   `mapstructure:"disable_primary"`
}

// SnapshotConfig holds the checkpoint tier table in the compact
// "max:interval,..." form.
type SnapshotConfig struct {
	Tiers string `mapstructure:"tiers"`
}

// LogConfig controls the slog handler and optional rotating file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// MetricsConfig sets where the hub serves /metrics.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for AutomaticEnv to reach them through Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".scorelog")
	v.SetDefault("db", "default")
	v.SetDefault("transport.mode", TransportWS)
	v.SetDefault("transport.hub_url", "ws://127.0.0.1:7420/ws")
	v.SetDefault("transport.signal_dir", "")
	v.SetDefault("transport.disable_primary", false)
	v.SetDefault("snapshot.tiers", "")
	v.SetDefault("hydration_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("metrics.addr", "127.0.0.1:7420")
}

// Load reads file (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later and further from
// their cause.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if !store.ValidDBName(c.DB) {
		errs = append(errs, fmt.Errorf("db %q is not a valid session name", c.DB))
	}
	switch c.Transport.Mode {
	case TransportBus, TransportWS, TransportKeyFile, TransportNone:
	default:
		errs = append(errs, fmt.Errorf("transport.mode %q: must be one of bus, ws, keyfile, none", c.Transport.Mode))
	}
	if c.HydrationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("hydration_timeout must be positive, got %s", c.HydrationTimeout))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy builds the snapshot policy from snapshot.tiers.
func (c Config) Policy() (snapshot.Policy, error) {
	if c.Snapshot.Tiers == "" {
		return snapshot.Default(), nil
	}
	tiers, err := snapshot.ParseTiers(c.Snapshot.Tiers)
	if err != nil {
		return snapshot.Policy{}, fmt.Errorf("snapshot.tiers: %w", err)
	}
	p, err := snapshot.NewPolicy(tiers)
	if err != nil {
		return snapshot.Policy{}, fmt.Errorf("snapshot.tiers: %w", err)
	}
	return p, nil
}

// SignalDir returns the key-file directory, defaulting to <data_dir>/signals.
func (c Config) SignalDir() string {
	if c.Transport.SignalDir != "" {
		return c.Transport.SignalDir
	}
	return filepath.Join(c.DataDir, "signals")
}
