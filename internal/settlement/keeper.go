package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/coverpool/coverd/internal/domain"
	"github.com/coverpool/coverd/internal/escrow"
	"github.com/coverpool/coverd/internal/shard"
)

const (
	keeperLockKey   = "keeper:sweep"
	defaultInterval = time.Minute
	defaultBatch    = 256
)

// Keeper runs the periodic settlement sweeps: escrow timeout resolution,
// policy expiry, depositor position snapshots. Sweeps run under a distributed
// lease so exactly one instance drives them at a time; losing the lease race
// is the normal idle case, not an error.
type Keeper struct {
	escrows *escrow.Service
	router  *shard.Router
	settler *Settler
	locks   domain.LockManager
	clock   clockwork.Clock
	logger  *slog.Logger

	interval time.Duration
	batch    int
}

// NewKeeper creates a Keeper sweeping every interval. Zero interval and batch
// take defaults.
func NewKeeper(
	escrows *escrow.Service,
	router *shard.Router,
	settler *Settler,
	locks domain.LockManager,
	clock clockwork.Clock,
	logger *slog.Logger,
	interval time.Duration,
	batch int,
) *Keeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Keeper{
		escrows:  escrows,
		router:   router,
		settler:  settler,
		locks:    locks,
		clock:    clock,
		logger:   logger.With(slog.String("component", "keeper")),
		interval: interval,
		batch:    batch,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	k.logger.InfoContext(ctx, "keeper started", slog.Duration("interval", k.interval))
	for {
		select {
		case <-ticker.Chan():
			k.Sweep(ctx)
		case <-ctx.Done():
			k.logger.InfoContext(ctx, "keeper stopped")
			return ctx.Err()
		}
	}
}

// Sweep runs one full sweep pass if the lease is available.
func (k *Keeper) Sweep(ctx context.Context) {
	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, keeperLockKey, 2*k.interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return
			}
			k.logger.WarnContext(ctx, "keeper lease failed", slog.String("error", err.Error()))
			return
		}
		defer unlock()
	}

	started := k.clock.Now()

	escrowsResolved := 0
	if k.escrows != nil {
		n, err := k.escrows.SweepExpired(ctx, k.batch)
		if err != nil {
			k.logger.WarnContext(ctx, "escrow sweep failed", slog.String("error", err.Error()))
		}
		escrowsResolved = n
	}

	policiesRetired := 0
	if k.router != nil {
		for _, s := range k.router.Shards() {
			n, err := s.SweepExpired(ctx, k.batch)
			if err != nil {
				k.logger.WarnContext(ctx, "policy expiry sweep failed",
					slog.Int("shard_id", s.ID()),
					slog.String("error", err.Error()),
				)
				continue
			}
			policiesRetired += n
		}
	}

	positionsWritten := 0
	if k.settler != nil {
		n, err := k.settler.SnapshotPositions(ctx)
		if err != nil {
			k.logger.WarnContext(ctx, "position snapshot failed", slog.String("error", err.Error()))
		}
		positionsWritten = n
	}

	if escrowsResolved > 0 || policiesRetired > 0 {
		k.logger.InfoContext(ctx, "sweep complete",
			slog.Int("escrows_resolved", escrowsResolved),
			slog.Int("policies_retired", policiesRetired),
			slog.Int("positions_written", positionsWritten),
			slog.Duration("elapsed", k.clock.Now().Sub(started)),
		)
	}
}
