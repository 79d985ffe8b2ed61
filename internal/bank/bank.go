// Package bank forwards settlement proceeds to external accounts. The ledger
// and escrow state machines enqueue transfers synchronously under their own
// locks; a background worker drains the queue and appends each transfer to
// the durable outbound stream with at-least-once delivery. Receivers dedup by
// operation id.
package bank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/coverpool/coverd/internal/domain"
)

// OutboundStream is the stream transfers are appended to.
const OutboundStream = "transfers:outbound"

const (
	defaultQueueSize  = 1024
	defaultMaxRetries = 5
	defaultRetryBase  = 250 * time.Millisecond
)

// Transfer is one outbound payment instruction.
type Transfer struct {
	OpID   string         `json:"op_id"`
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
	Memo   string         `json:"memo"`
	At     time.Time      `json:"at"`
}

// Forwarder is the in-process transfer queue. Transfer never blocks on the
// network: it validates, enqueues, and returns. ErrRateLimited is returned
// when the queue is full so callers fail their operation atomically instead
// of dropping a payment.
type Forwarder struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	clock  clockwork.Clock
	logger *slog.Logger

	queue      chan Transfer
	maxRetries int
	retryBase  time.Duration

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	started bool
}

// Options tune the Forwarder. Zero values take defaults.
type Options struct {
	QueueSize  int
	MaxRetries int
	RetryBase  time.Duration
}

// NewForwarder creates a Forwarder appending to bus. Run must be called
// before enqueued transfers are delivered.
func NewForwarder(bus domain.SignalBus, audit domain.AuditStore, clock clockwork.Clock, logger *slog.Logger, opts Options) *Forwarder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	return &Forwarder{
		bus:        bus,
		audit:      audit,
		clock:      clock,
		logger:     logger.With(slog.String("component", "bank")),
		queue:      make(chan Transfer, opts.QueueSize),
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		done:       make(chan struct{}),
	}
}

// Transfer enqueues an outbound payment keyed by opID.
func (f *Forwarder) Transfer(_ context.Context, opID string, to common.Address, amount int64, memo string) error {
	if opID == "" {
		return fmt.Errorf("bank: transfer: %w", domain.ErrMissingOpID)
	}
	if amount <= 0 {
		return fmt.Errorf("bank: transfer %s: amount %d: %w", opID, amount, domain.ErrInvalidAmount)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("bank: transfer %s: forwarder closed: %w", opID, domain.ErrRateLimited)
	}
	f.mu.Unlock()

	tr := Transfer{OpID: opID, To: to, Amount: amount, Memo: memo, At: f.clock.Now().UTC()}
	select {
	case f.queue <- tr:
		return nil
	default:
		return fmt.Errorf("bank: transfer %s: queue full: %w", opID, domain.ErrRateLimited)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is already
// enqueued and returns.
func (f *Forwarder) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("bank: forwarder already running")
	}
	f.started = true
	f.mu.Unlock()

	defer close(f.done)

	for {
		select {
		case tr := <-f.queue:
			f.deliver(ctx, tr)
		case <-ctx.Done():
			f.mu.Lock()
			f.closed = true
			f.mu.Unlock()
			f.flush()
			return ctx.Err()
		}
	}
}

// flush delivers everything already enqueued, without retry backoff waits.
func (f *Forwarder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case tr := <-f.queue:
			f.deliver(ctx, tr)
		default:
			return
		}
	}
}

// deliver appends one transfer to the outbound stream, retrying with
// exponential backoff. A transfer that exhausts its retries is recorded in
// the audit log for manual replay; it is not silently dropped.
func (f *Forwarder) deliver(ctx context.Context, tr Transfer) {
	payload, err := json.Marshal(tr)
	if err != nil {
		f.logger.ErrorContext(ctx, "transfer marshal failed",
			slog.String("op_id", tr.OpID),
			slog.String("error", err.Error()),
		)
		return
	}

	backoff := f.retryBase
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if err = f.bus.StreamAppend(ctx, OutboundStream, payload); err == nil {
			f.logger.InfoContext(ctx, "transfer forwarded",
				slog.String("op_id", tr.OpID),
				slog.String("to", tr.To.Hex()),
				slog.Int64("amount", tr.Amount),
			)
			return
		}
		f.logger.WarnContext(ctx, "transfer append failed",
			slog.String("op_id", tr.OpID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		select {
		case <-f.clock.After(backoff):
			backoff *= 2
		case <-ctx.Done():
		}
		if ctx.Err() != nil && attempt > 0 {
			break
		}
	}

	if f.audit != nil {
		if auditErr := f.audit.Log(ctx, "transfer_delivery_failed", map[string]any{
			"op_id":  tr.OpID,
			"to":     tr.To.Hex(),
			"amount": tr.Amount,
			"error":  err.Error(),
		}); auditErr != nil {
			f.logger.ErrorContext(ctx, "failed transfer not audited",
				slog.String("op_id", tr.OpID),
				slog.String("error", auditErr.Error()),
			)
		}
	}
}

// Pending returns how many transfers are enqueued but not yet delivered.
func (f *Forwarder) Pending() int {
	return len(f.queue)
}

// Done is closed once Run has returned.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}
