package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/coverpool/coverd/internal/blob/s3"
	rediscache "github.com/coverpool/coverd/internal/cache/redis"
	"github.com/coverpool/coverd/internal/config"
	"github.com/coverpool/coverd/internal/domain"
	"github.com/coverpool/coverd/internal/store/postgres"
)

// Dependencies holds all external-resource clients and the store and cache
// implementations built on top of them. The mode entry points pick what they
// need from here.
type Dependencies struct {
	Cfg    *config.Config
	Logger *slog.Logger

	PG    *postgres.Client
	Redis *rediscache.Client

	// Postgres-backed stores.
	Claims     domain.ClaimStore
	Events     domain.VerifiedEventStore
	Escrows    domain.EscrowStore
	Policies   domain.PolicyStore
	Depositors domain.DepositorStore
	Audit      domain.AuditStore

	// Redis-backed coordination primitives.
	OpSet   domain.OpSet
	Locks   domain.LockManager
	NAV     domain.NAVCache
	Limiter domain.RateLimiter
	Bus     domain.SignalBus

	// Optional: only populated when S3 archival is enabled.
	Archiver domain.Archiver
}

// Wire constructs all shared dependencies from the configuration. It returns
// the dependencies, a cleanup function that closes every opened resource in
// reverse order, and an error if any resource fails to initialize. On error,
// resources opened so far are closed before returning.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// Postgres: every mode reads and writes durable state.
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pg.Close)

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: run migrations: %w", err)
		}
	}

	// Redis: idempotency sets, keeper locks, NAV cache, rate limits, and the
	// signal bus all live here.
	rdb, err := rediscache.New(ctx, rediscache.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = rdb.Close() })

	deps := &Dependencies{
		Cfg:    cfg,
		Logger: logger,

		PG:    pg,
		Redis: rdb,

		Claims:     postgres.NewClaimStore(pg.Pool()),
		Events:     postgres.NewVerifiedEventStore(pg.Pool()),
		Escrows:    postgres.NewEscrowStore(pg.Pool()),
		Policies:   postgres.NewPolicyStore(pg.Pool()),
		Depositors: postgres.NewDepositorStore(pg.Pool()),
		Audit:      postgres.NewAuditStore(pg.Pool()),

		OpSet:   rediscache.NewOpSet(rdb),
		Locks:   rediscache.NewLockManager(rdb),
		NAV:     rediscache.NewNAVCache(rdb),
		Limiter: rediscache.NewRateLimiter(rdb),
		Bus:     rediscache.NewSignalBus(rdb),
	}

	// S3-compatible object storage is optional; only the archiver uses it.
	if cfg.S3.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3c.Close() })
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3c), deps.Claims, deps.Audit)
	}

	return deps, cleanup, nil
}
