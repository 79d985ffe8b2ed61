// Package config defines the top-level configuration for the coverd
// settlement daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COVERD_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Claims   ClaimsConfig   `toml:"claims"`
	Escrow   EscrowConfig   `toml:"escrow"`
	Shards   ShardConfig    `toml:"shards"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Keys     KeyConfig      `toml:"keys"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// TrancheConfig declares one tranche of the capital pool. ID 1 is the most
// senior.
type TrancheConfig struct {
	ID                int    `toml:"id"`
	APYMinBps         int    `toml:"apy_min_bps"`
	APYMaxBps         int    `toml:"apy_max_bps"`
	Curve             string `toml:"curve"`
	AllocationPercent int    `toml:"allocation_percent"`
}

// SliceConfig declares one fixed-percentage external premium recipient.
type SliceConfig struct {
	Name      string `toml:"name"`
	Recipient string `toml:"recipient"`
	Percent   int    `toml:"percent"`
}

// LedgerConfig holds the tranche ledger parameters.
type LedgerConfig struct {
	Tranches         []TrancheConfig `toml:"tranches"`
	Slices           []SliceConfig   `toml:"slices"`
	BreakerWindow    duration        `toml:"breaker_window"`
	BreakerThreshold int64           `toml:"breaker_threshold"`
	StakeLock        duration        `toml:"stake_lock"`
	OpTTL            duration        `toml:"op_ttl"`
}

// ClaimsConfig holds the claims engine parameters.
type ClaimsConfig struct {
	// Admin is the hex address allowed to resolve claims manually and attest
	// verified events.
	Admin string `toml:"admin"`
}

// EscrowConfig holds the escrow defaults.
type EscrowConfig struct {
	// DefaultTimeout applies when an escrow is created without an explicit
	// timeout.
	DefaultTimeout duration `toml:"default_timeout"`
}

// ShardConfig holds policy shard parameters. Count is fixed once policies
// exist; changing it re-homes every policy id.
type ShardConfig struct {
	Count int `toml:"count"`
}

// KeeperConfig holds the background sweep parameters.
type KeeperConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per minute per client for mutating endpoints.
	RateLimit int `toml:"rate_limit"`
}

// KeyConfig holds the settlement signing key sources.
type KeyConfig struct {
	// PrivateKey is the hex-encoded settlement key. Prefer EncryptedKeyPath in
	// production.
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Tranches: []TrancheConfig{
				{ID: 1, APYMinBps: 200, APYMaxBps: 800, Curve: "linear", AllocationPercent: 40},
				{ID: 2, APYMinBps: 500, APYMaxBps: 2500, Curve: "sigmoidal", AllocationPercent: 60},
			},
			BreakerWindow:    duration{time.Hour},
			BreakerThreshold: 1_000_000_000,
			StakeLock:        duration{7 * 24 * time.Hour},
			OpTTL:            duration{24 * time.Hour},
		},
		Escrow: EscrowConfig{
			DefaultTimeout: duration{72 * time.Hour},
		},
		Shards: ShardConfig{
			Count: 16,
		},
		Keeper: KeeperConfig{
			Enabled:   true,
			Interval:  duration{time.Minute},
			BatchSize: 256,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "coverd",
			User:          "coverd",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "coverd-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCurves = map[string]bool{
	"flat":        true,
	"linear":      true,
	"logarithmic": true,
	"sigmoidal":   true,
	"quadratic":   true,
	"exponential": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger — weights must sum to 100 over unique ids.
	if len(c.Ledger.Tranches) == 0 {
		errs = append(errs, "ledger: at least one tranche must be configured")
	}
	seen := make(map[int]bool)
	weightSum := 0
	for _, t := range c.Ledger.Tranches {
		if t.ID <= 0 {
			errs = append(errs, fmt.Sprintf("ledger: tranche id must be positive, got %d", t.ID))
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("ledger: duplicate tranche id %d", t.ID))
		}
		seen[t.ID] = true
		if !validCurves[t.Curve] {
			errs = append(errs, fmt.Sprintf("ledger: tranche %d: unknown curve %q", t.ID, t.Curve))
		}
		if t.APYMinBps < 0 || t.APYMaxBps < t.APYMinBps {
			errs = append(errs, fmt.Sprintf("ledger: tranche %d: invalid apy band [%d, %d]", t.ID, t.APYMinBps, t.APYMaxBps))
		}
		weightSum += t.AllocationPercent
	}
	if len(c.Ledger.Tranches) > 0 && weightSum != 100 {
		errs = append(errs, fmt.Sprintf("ledger: tranche allocation percentages must sum to 100, got %d", weightSum))
	}
	slicePct := 0
	for _, s := range c.Ledger.Slices {
		if s.Name == "" {
			errs = append(errs, "ledger: slice name must not be empty")
		}
		if s.Percent < 0 || s.Percent > 100 {
			errs = append(errs, fmt.Sprintf("ledger: slice %q: percent must be 0-100, got %d", s.Name, s.Percent))
		}
		slicePct += s.Percent
	}
	if slicePct >= 100 {
		errs = append(errs, fmt.Sprintf("ledger: slices consume %d%%, leaving nothing for tranches", slicePct))
	}
	if c.Ledger.BreakerThreshold < 0 {
		errs = append(errs, "ledger: breaker_threshold must be >= 0")
	}

	// Claims
	if c.Claims.Admin == "" {
		errs = append(errs, "claims: admin address must be set")
	}

	// Shards
	if c.Shards.Count < 1 {
		errs = append(errs, fmt.Sprintf("shards: count must be >= 1, got %d", c.Shards.Count))
	}

	// Keeper
	if c.Keeper.Enabled {
		if c.Keeper.Interval.Duration <= 0 {
			errs = append(errs, "keeper: interval must be > 0 when enabled")
		}
		if c.Keeper.BatchSize < 1 {
			errs = append(errs, "keeper: batch_size must be >= 1")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 1 {
			errs = append(errs, "server: rate_limit must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
