package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COVERD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COVERD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setDuration(&cfg.Ledger.BreakerWindow, "COVERD_LEDGER_BREAKER_WINDOW")
	setInt64(&cfg.Ledger.BreakerThreshold, "COVERD_LEDGER_BREAKER_THRESHOLD")
	setDuration(&cfg.Ledger.StakeLock, "COVERD_LEDGER_STAKE_LOCK")
	setDuration(&cfg.Ledger.OpTTL, "COVERD_LEDGER_OP_TTL")

	// ── Claims ──
	setStr(&cfg.Claims.Admin, "COVERD_CLAIMS_ADMIN")

	// ── Escrow ──
	setDuration(&cfg.Escrow.DefaultTimeout, "COVERD_ESCROW_DEFAULT_TIMEOUT")

	// ── Shards ──
	setInt(&cfg.Shards.Count, "COVERD_SHARDS_COUNT")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "COVERD_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "COVERD_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.BatchSize, "COVERD_KEEPER_BATCH_SIZE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "COVERD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COVERD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COVERD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COVERD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COVERD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COVERD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COVERD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COVERD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COVERD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COVERD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "COVERD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COVERD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COVERD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COVERD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COVERD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COVERD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COVERD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COVERD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COVERD_S3_REGION")
	setStr(&cfg.S3.Bucket, "COVERD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COVERD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COVERD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COVERD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COVERD_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COVERD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COVERD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COVERD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "COVERD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "COVERD_SERVER_RATE_LIMIT")

	// ── Keys ──
	setStr(&cfg.Keys.PrivateKey, "COVERD_KEYS_PRIVATE_KEY")
	setStr(&cfg.Keys.EncryptedKeyPath, "COVERD_KEYS_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Keys.KeyPassword, "COVERD_KEYS_KEY_PASSWORD")

	// ── Top-level ──
	setStr(&cfg.Mode, "COVERD_MODE")
	setStr(&cfg.LogLevel, "COVERD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
