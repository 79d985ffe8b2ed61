package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Claims.Admin = "0x00000000000000000000000000000000000000aa"
	return cfg
}

func TestDefaultsValidateWithAdmin(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "turbo"
	cfg.Ledger.Tranches[0].AllocationPercent = 50 // sum now 110
	cfg.Shards.Count = 0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown mode")
	require.Contains(t, err.Error(), "sum to 100")
	require.Contains(t, err.Error(), "shards: count")
	require.Contains(t, err.Error(), "redis: addr")
}

func TestValidateRejectsBadCurveAndDuplicateTranche(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Tranches = []TrancheConfig{
		{ID: 1, APYMinBps: 100, APYMaxBps: 500, Curve: "linear", AllocationPercent: 50},
		{ID: 1, APYMinBps: 900, APYMaxBps: 400, Curve: "wiggly", AllocationPercent: 50},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate tranche id 1")
	require.Contains(t, err.Error(), `unknown curve "wiggly"`)
	require.Contains(t, err.Error(), "invalid apy band")
}

func TestValidateRejectsOverweightSlices(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Slices = []SliceConfig{
		{Name: "treasury", Percent: 60},
		{Name: "reserve", Percent: 45},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "slices consume 105%")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "keeper"
log_level = "debug"

[claims]
admin = "0x00000000000000000000000000000000000000aa"

[ledger]
stake_lock = "48h"

[keeper]
interval = "30s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "keeper", cfg.Mode)
	require.Equal(t, 48*time.Hour, cfg.Ledger.StakeLock.Duration)
	require.Equal(t, 30*time.Second, cfg.Keeper.Interval.Duration)
	// Untouched sections keep defaults.
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Len(t, cfg.Ledger.Tranches, 2)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[redis]
addr = "file:6379"
`), 0o600))

	t.Setenv("COVERD_REDIS_ADDR", "env:6379")
	t.Setenv("COVERD_SHARDS_COUNT", "64")
	t.Setenv("COVERD_KEEPER_INTERVAL", "5m")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env:6379", cfg.Redis.Addr)
	require.Equal(t, 64, cfg.Shards.Count)
	require.Equal(t, 5*time.Minute, cfg.Keeper.Interval.Duration)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "hunter2"
	cfg.S3.SecretKey = "hunter2"
	cfg.Server.APIKey = "hunter2"
	cfg.Keys.PrivateKey = "deadbeef"

	red := RedactedConfig(&cfg)
	require.Equal(t, "***", red.Postgres.Password)
	require.Equal(t, "***", red.Redis.Password)
	require.Equal(t, "***", red.S3.SecretKey)
	require.Equal(t, "***", red.Server.APIKey)
	require.Equal(t, "***", red.Keys.PrivateKey)

	// Original untouched.
	require.Equal(t, "hunter2", cfg.Postgres.Password)

	// Mutating the redacted copy's slices does not leak back.
	red.Ledger.Tranches[0].ID = 99
	require.Equal(t, 1, cfg.Ledger.Tranches[0].ID)
}
