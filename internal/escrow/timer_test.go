package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reuni/disputes/internal/syncutil"
)

type fakePayouts struct {
	calls []string
	fail  map[string]bool
}

func (f *fakePayouts) ReleaseToSeller(_ context.Context, e *Escrow) (string, error) {
	f.calls = append(f.calls, e.ID)
	if f.fail[e.TransactionID] {
		return "", errors.New("stripe unavailable")
	}
	return "tr_" + e.TransactionID, nil
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTimer_SweepReleasesDueEscrows(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()

	var due, disputed, fresh *Escrow
	for _, tx := range []string{"tx-due", "tx-disputed", "tx-fresh"} {
		req := validCreate()
		req.TransactionID = tx
		if tx == "tx-fresh" {
			req.HoldDays = 30
		}
		e, err := svc.Create(ctx, req)
		require.NoError(t, err)
		switch tx {
		case "tx-due":
			due = e
		case "tx-disputed":
			disputed = e
		default:
			fresh = e
		}
	}
	_, err := svc.MarkDisputed(ctx, "tx-disputed")
	require.NoError(t, err)

	*now = testNow.AddDate(0, 0, 8)
	payouts := &fakePayouts{}
	timer := NewTimer(svc, payouts, syncutil.NewLocalLocker(), discardLogger())

	assert.Equal(t, 1, timer.Sweep(ctx))
	assert.Equal(t, []string{due.ID}, payouts.calls)

	got, _ := svc.Get(ctx, due.ID)
	assert.Equal(t, StatusReleasedToSeller, got.Status)
	assert.Equal(t, "tr_tx-due", got.StripeTransferID)

	got, _ = svc.Get(ctx, disputed.ID)
	assert.Equal(t, StatusDisputed, got.Status)
	got, _ = svc.Get(ctx, fresh.ID)
	assert.Equal(t, StatusHolding, got.Status)

	assert.Equal(t, 0, timer.Sweep(ctx), "nothing left to release")
}

func TestTimer_PayoutFailureRetriedNextSweep(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()
	e, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)

	*now = e.HoldUntil
	payouts := &fakePayouts{fail: map[string]bool{"tx-0001": true}}
	timer := NewTimer(svc, payouts, syncutil.NewLocalLocker(), discardLogger())

	assert.Equal(t, 1, timer.Sweep(ctx))
	got, _ := svc.Get(ctx, e.ID)
	assert.Equal(t, StatusReleasedToSeller, got.Status, "claimed before the transfer")
	assert.Empty(t, got.StripeTransferID)

	_, err = svc.Refund(ctx, e.ID, dec("55.00"), "fraud", "admin-1")
	assert.ErrorIs(t, err, ErrInvalidStatus, "a claimed hold cannot also be refunded")

	payouts.fail = nil
	assert.Equal(t, 0, timer.Sweep(ctx), "nothing new to claim")
	assert.Equal(t, []string{e.ID, e.ID}, payouts.calls)
	got, _ = svc.Get(ctx, e.ID)
	assert.Equal(t, "tr_tx-0001", got.StripeTransferID)

	timer.Sweep(ctx)
	assert.Len(t, payouts.calls, 2, "paid releases are not paid again")
}

func TestTimer_DisputeBeforeClaimIsNeverPaid(t *testing.T) {
	mem := NewMemoryStore()
	store := &racingStore{MemoryStore: mem}
	now := testNow
	svc := NewService(store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	e, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)
	now = e.HoldUntil

	// The buyer's report lands after the sweep listed the escrow.
	store.race = func() {
		_, err := svc.MarkDisputed(ctx, e.TransactionID)
		require.NoError(t, err)
	}

	payouts := &fakePayouts{}
	timer := NewTimer(svc, payouts, syncutil.NewLocalLocker(), discardLogger())
	assert.Equal(t, 0, timer.Sweep(ctx))
	assert.Empty(t, payouts.calls, "no transfer for a disputed hold")

	refunded, err := svc.Refund(ctx, e.ID, dec("55.00"), "fake ticket", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefundedToBuyer, refunded.Status)
	assert.Empty(t, refunded.StripeTransferID)
}

// disputingPayouts simulates a report arriving while the transfer is in
// flight.
type disputingPayouts struct {
	svc        *Service
	calls      int
	disputeErr error
}

func (d *disputingPayouts) ReleaseToSeller(ctx context.Context, e *Escrow) (string, error) {
	d.calls++
	_, d.disputeErr = d.svc.MarkDisputed(ctx, e.TransactionID)
	return "tr_" + e.TransactionID, nil
}

func TestTimer_DisputeDuringTransferCannotRefund(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()
	e, err := svc.Create(ctx, validCreate())
	require.NoError(t, err)
	*now = e.HoldUntil

	payouts := &disputingPayouts{svc: svc}
	timer := NewTimer(svc, payouts, syncutil.NewLocalLocker(), discardLogger())
	assert.Equal(t, 1, timer.Sweep(ctx))
	assert.Equal(t, 1, payouts.calls)
	assert.ErrorIs(t, payouts.disputeErr, ErrInvalidStatus)

	got, _ := svc.Get(ctx, e.ID)
	assert.Equal(t, StatusReleasedToSeller, got.Status)
	assert.Equal(t, "tr_tx-0001", got.StripeTransferID)

	_, err = svc.Refund(ctx, e.ID, dec("55.00"), "fake ticket", "admin-1")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTimer_SkipsWhenLockHeld(t *testing.T) {
	svc, _, now := newTestService()
	ctx := context.Background()
	e, _ := svc.Create(ctx, validCreate())
	*now = e.HoldUntil

	payouts := &fakePayouts{}
	timer := NewTimer(svc, payouts, heldLocker{}, discardLogger())
	assert.Equal(t, 0, timer.Sweep(ctx))
	assert.Empty(t, payouts.calls)
}

func TestTimer_StartStop(t *testing.T) {
	svc, _, _ := newTestService()
	timer := NewTimer(svc, &fakePayouts{}, syncutil.NewLocalLocker(), discardLogger()).
		WithInterval(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	// Stop is a non-blocking send; repeat until the loop picks it up.
	require.Eventually(t, func() bool {
		timer.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.False(t, timer.Running())
}
