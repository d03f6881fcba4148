package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ".scorelog", cfg.DataDir)
	assert.Equal(t, "default", cfg.DB)
	assert.Equal(t, TransportWS, cfg.Transport.Mode)
	assert.Equal(t, 5*time.Second, cfg.HydrationTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(".scorelog", "signals"), cfg.SignalDir())

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.Interval(10))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scorelog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/scorelog
db: table-7
transport:
  mode: keyfile
  signal_dir: /tmp/signals
snapshot:
  tiers: "100:5,1000:25"
hydration_timeout: 2s
log:
  level: debug
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/scorelog", cfg.DataDir)
	assert.Equal(t, "table-7", cfg.DB)
	assert.Equal(t, TransportKeyFile, cfg.Transport.Mode)
	assert.Equal(t, "/tmp/signals", cfg.SignalDir())
	assert.Equal(t, 2*time.Second, cfg.HydrationTimeout)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Interval(50))
	assert.Equal(t, int64(25), p.Interval(5000))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scorelog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db: from-file\n"), 0o644))

	t.Setenv("SCORELOG_DB", "from-env")
	t.Setenv("SCORELOG_TRANSPORT_DISABLE_PRIMARY", "true")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DB)
	assert.True(t, cfg.Transport.DisablePrimary)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad db", func(c *Config) { c.DB = "../x" }, "valid session name"},
		{"bad mode", func(c *Config) { c.Transport.Mode = "carrier-pigeon" }, "transport.mode"},
		{"bad timeout", func(c *Config) { c.HydrationTimeout = 0 }, "hydration_timeout"},
		{"bad tiers", func(c *Config) { c.Snapshot.Tiers = "100:0" }, "snapshot.tiers"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New(), "")
			require.NoError(t, err)
			tt.mutate(&cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLevel("trace")
	assert.Error(t, err)
}

func TestNewLogger_VerboseAndFile(t *testing.T) {
	var stderr bytes.Buffer
	file := filepath.Join(t.TempDir(), "scorelog.log")

	logger, closer, err := NewLogger(LogConfig{Level: "info", File: file, MaxSizeMB: 1}, &stderr, true)
	require.NoError(t, err)
	logger.Debug("probe", "k", "v")
	require.NoError(t, closer.Close())

	assert.Contains(t, stderr.String(), "probe")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "k=v")
}

func TestNewLogger_JSONLevelFilter(t *testing.T) {
	var stderr bytes.Buffer
	logger, closer, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &stderr, false)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), `"msg":"shown"`)
}
