package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/coverpool/coverd/internal/bank"
	"github.com/coverpool/coverd/internal/claims"
	"github.com/coverpool/coverd/internal/domain"
	"github.com/coverpool/coverd/internal/escrow"
	"github.com/coverpool/coverd/internal/keys"
	"github.com/coverpool/coverd/internal/ledger"
	"github.com/coverpool/coverd/internal/server"
	"github.com/coverpool/coverd/internal/server/handler"
	"github.com/coverpool/coverd/internal/server/ws"
	"github.com/coverpool/coverd/internal/settlement"
	"github.com/coverpool/coverd/internal/shard"
)

// archiveInterval is how often the archiver sweeps resolved claims and audit
// records to object storage.
const archiveInterval = 24 * time.Hour

// core bundles the settlement services shared by every mode.
type core struct {
	forwarder *bank.Forwarder
	ledger    *ledger.Ledger
	router    *shard.Router
	settler   *settlement.Settler
	engine    *claims.Engine
	escrows   *escrow.Service
	admin     common.Address
}

// buildCore constructs the ledger and the service layer on top of the wired
// dependencies, then restores in-memory ledger state from the depositor store.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	cfg := a.cfg
	clock := clockwork.NewRealClock()
	admin := common.HexToAddress(cfg.Claims.Admin)

	// The processor address signs outbound premium forwards. It is derived from
	// the settlement key when one is configured, otherwise the admin address is
	// used.
	processor := admin
	if cfg.Keys.PrivateKey != "" || cfg.Keys.EncryptedKeyPath != "" {
		pk, err := keys.Load(keys.Source{
			RawPrivateKey:    cfg.Keys.PrivateKey,
			EncryptedKeyPath: cfg.Keys.EncryptedKeyPath,
			Password:         cfg.Keys.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: load settlement key: %w", err)
		}
		processor, err = keys.Address(pk)
		if err != nil {
			return nil, fmt.Errorf("app: derive processor address: %w", err)
		}
	}

	forwarder := bank.NewForwarder(deps.Bus, deps.Audit, clock, a.logger, bank.Options{})

	tranches := make([]ledger.TrancheSpec, 0, len(cfg.Ledger.Tranches))
	for _, t := range cfg.Ledger.Tranches {
		tranches = append(tranches, ledger.TrancheSpec{
			ID:                t.ID,
			APYMinBps:         t.APYMinBps,
			APYMaxBps:         t.APYMaxBps,
			Curve:             domain.CurveShape(t.Curve),
			AllocationPercent: t.AllocationPercent,
		})
	}
	slices := make([]domain.PremiumSlice, 0, len(cfg.Ledger.Slices))
	for _, s := range cfg.Ledger.Slices {
		slices = append(slices, domain.PremiumSlice{
			Name:      s.Name,
			Recipient: common.HexToAddress(s.Recipient),
			Percent:   s.Percent,
		})
	}

	l, err := ledger.New(ledger.Config{
		Tranches:         tranches,
		Slices:           slices,
		BreakerWindow:    cfg.Ledger.BreakerWindow.Duration,
		BreakerThreshold: cfg.Ledger.BreakerThreshold,
		StakeLock:        cfg.Ledger.StakeLock.Duration,
		OpTTL:            cfg.Ledger.OpTTL.Duration,
	}, admin, forwarder, deps.OpSet, clock, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: build ledger: %w", err)
	}

	router := shard.NewRouter()
	shards := make([]*shard.PolicyShard, 0, cfg.Shards.Count)
	for i := 0; i < cfg.Shards.Count; i++ {
		shards = append(shards, shard.NewPolicyShard(i, cfg.Shards.Count, deps.Policies, clock, admin, a.logger))
	}
	if err := router.RegisterShards(0, shards); err != nil {
		return nil, fmt.Errorf("app: register shards: %w", err)
	}

	settler := settlement.NewSettler(l, router, deps.Depositors, deps.NAV, deps.Bus, deps.Audit, processor, a.logger)
	if err := settler.Restore(ctx); err != nil {
		return nil, fmt.Errorf("app: restore ledger state: %w", err)
	}

	registry := claims.NewRegistry(deps.Events)
	engine := claims.NewEngine(deps.Claims, registry, settler, deps.Bus, deps.Audit, admin, clock, a.logger)

	escrows := escrow.NewService(deps.Escrows, forwarder, deps.Bus, deps.Audit, clock, a.logger)

	return &core{
		forwarder: forwarder,
		ledger:    l,
		router:    router,
		settler:   settler,
		engine:    engine,
		escrows:   escrows,
		admin:     admin,
	}, nil
}

// ServerMode runs the HTTP API and the WebSocket hub without the background
// keeper. Deploy alongside a keeper-mode node for a split topology.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.forwarder.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, c)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// KeeperMode runs only the background escrow sweep. No HTTP surface is
// exposed; mutations arrive through a server-mode node sharing the same
// Postgres and Redis.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	if !a.cfg.Keeper.Enabled {
		return fmt.Errorf("app: keeper mode requires keeper.enabled = true")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.forwarder.Run(ctx) })
	a.startKeeper(ctx, g, deps, c)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the HTTP API, the WebSocket hub, and the keeper in a single
// process. This is the default single-node deployment.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.forwarder.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, c)
	if a.cfg.Keeper.Enabled {
		a.startKeeper(ctx, g, deps, c)
	}
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// startHTTPServer builds the handlers, the WebSocket hub, and the HTTP server,
// and launches them on the error group along with a shutdown watcher.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": deps.PG.Pool(),
			"redis":    deps.Redis,
		}, a.logger),
		Ledger:   handler.NewLedgerHandler(c.settler, c.ledger, c.ledger, a.logger),
		Claims:   handler.NewClaimHandler(c.engine, a.logger),
		Escrows:  handler.NewEscrowHandler(c.escrows, a.cfg.Escrow.DefaultTimeout.Duration, a.logger),
		Policies: handler.NewPolicyHandler(c.settler, c.router, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startKeeper launches the escrow sweep loop on the error group.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	keeper := settlement.NewKeeper(
		c.escrows,
		c.router,
		c.settler,
		deps.Locks,
		clockwork.NewRealClock(),
		a.logger,
		a.cfg.Keeper.Interval.Duration,
		a.cfg.Keeper.BatchSize,
	)
	g.Go(func() error { return keeper.Run(ctx) })
}

// startArchiver launches the daily archive sweep when object storage is
// configured. Archive failures are logged and retried on the next tick.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}

	g.Go(func() error {
		ticker := time.NewTicker(archiveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				until := time.Now().UTC()
				if n, err := deps.Archiver.ArchiveResolvedClaims(ctx, until); err != nil {
					a.logger.ErrorContext(ctx, "archive claims failed", slog.String("error", err.Error()))
				} else if n > 0 {
					a.logger.InfoContext(ctx, "archived resolved claims", slog.Int("count", n))
				}
				if n, err := deps.Archiver.ArchiveAudit(ctx, until); err != nil {
					a.logger.ErrorContext(ctx, "archive audit failed", slog.String("error", err.Error()))
				} else if n > 0 {
					a.logger.InfoContext(ctx, "archived audit records", slog.Int("count", n))
				}
			}
		}
	})
}
