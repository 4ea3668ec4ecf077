package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reuni/disputes/internal/syncutil"
)

const runLockKey = "reconciliation"

// Timer runs reconciliation on an interval. With a shared locker only one
// replica runs per tick.
type Timer struct {
	runner   *Runner
	locker   syncutil.Locker
	interval time.Duration
	logger   *slog.Logger
	last     atomic.Pointer[Result]
	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTimer creates a reconciliation timer. A nil locker runs every tick.
func NewTimer(runner *Runner, locker syncutil.Locker, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		locker:   locker,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent scheduled result, or nil before the first run.
func (t *Timer) Last() *Result {
	return t.last.Load()
}

// Start loops until ctx is done or Stop is called. Call in a goroutine.
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
			t.tick(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if t.locker != nil {
		unlock, acquired, err := t.locker.TryLock(ctx, runLockKey, t.interval)
		if err != nil {
			t.logger.Warn("reconciliation lock unavailable", "error", err)
			return
		}
		if !acquired {
			return
		}
		defer unlock()
	}

	res, err := t.runner.RunAll(ctx)
	if res != nil {
		t.last.Store(res)
	}
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	t.logger.Debug("reconciliation run complete", "findings", len(res.Findings), "duration", res.Duration)
}
