package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/reuni/disputes/internal/metrics"
	"github.com/reuni/disputes/internal/syncutil"
)

// Payouts moves a held amount to the seller and returns the transfer id.
type Payouts interface {
	ReleaseToSeller(ctx context.Context, e *Escrow) (transferID string, err error)
}

const sweepLockKey = "escrow-auto-release"

// Timer periodically releases escrows whose hold period has passed.
type Timer struct {
	service   *Service
	payouts   Payouts
	locker    syncutil.Locker
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a new escrow auto-release timer.
func NewTimer(service *Service, payouts Payouts, locker syncutil.Locker, logger *slog.Logger) *Timer {
	return &Timer{
		service:   service,
		payouts:   payouts,
		locker:    locker,
		interval:  time.Hour,
		batchSize: 100,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// WithInterval sets the sweep period.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one auto-release pass and returns how many escrows were
// released. Each escrow is claimed with a conditional write before the
// transfer, so a hold disputed mid-sweep is never paid out. Claimed
// releases whose transfer failed are paid on later sweeps with the same
// idempotency key. It does nothing when another replica holds the lock.
func (t *Timer) Sweep(ctx context.Context) int {
	unlock, acquired, err := t.locker.TryLock(ctx, sweepLockKey, t.interval)
	if err != nil {
		t.logger.Warn("failed to acquire escrow sweep lock", "error", err)
		return 0
	}
	if !acquired {
		t.logger.Debug("escrow sweep already running elsewhere")
		return 0
	}
	defer unlock()

	t.payUnpaid(ctx)

	due, err := t.service.ListReleasable(ctx, t.service.now(), t.batchSize)
	if err != nil {
		t.logger.Warn("failed to list releasable escrows", "error", err)
		return 0
	}

	released := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		claimed, err := t.service.ClaimAutoRelease(ctx, e.ID)
		if errors.Is(err, ErrNotEligible) || errors.Is(err, ErrConcurrentUpdate) {
			t.logger.Info("escrow changed before auto-release, skipping", "escrowId", e.ID, "error", err)
			continue
		}
		if err != nil {
			metrics.EscrowAutoReleaseFailuresTotal.Inc()
			t.logger.Warn("failed to claim escrow for auto-release", "escrowId", e.ID, "error", err)
			continue
		}
		released++
		t.pay(ctx, claimed)
	}
	return released
}

func (t *Timer) payUnpaid(ctx context.Context) {
	unpaid, err := t.service.ListUnpaidReleases(ctx, t.batchSize)
	if err != nil {
		t.logger.Warn("failed to list unpaid releases", "error", err)
		return
	}
	for _, e := range unpaid {
		if ctx.Err() != nil {
			return
		}
		t.pay(ctx, e)
	}
}

func (t *Timer) pay(ctx context.Context, e *Escrow) {
	transferID, err := t.payouts.ReleaseToSeller(ctx, e)
	if err != nil {
		metrics.EscrowAutoReleaseFailuresTotal.Inc()
		t.logger.Warn("failed to pay out released escrow, will retry",
			"escrowId", e.ID, "sellerId", e.SellerID, "error", err)
		return
	}
	if _, err := t.service.RecordPayout(ctx, e.ID, transferID); err != nil {
		metrics.EscrowAutoReleaseFailuresTotal.Inc()
		t.logger.Error("failed to record transfer for released escrow",
			"escrowId", e.ID, "transferId", transferID, "error", err)
		return
	}
	t.logger.Info("auto-released escrow",
		"escrowId", e.ID,
		"sellerId", e.SellerID,
		"amount", e.SellerPayout.StringFixed(2),
		"transferId", transferID,
	)
}
