package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/contrata/internal/metrics"
)

const (
	sweepBatchSize   = 100
	sweepConcurrency = 4
)

// Timer periodically releases held escrows whose hold window has lapsed.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new escrow auto-release timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    service.Store(),
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets how often the timer sweeps.
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

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.Sweep(ctx); err != nil {
		t.logger.Warn("auto-release sweep failed", "error", err)
	}
}

// Sweep releases every due escrow and returns how many were released. The
// due list is walked page by page, so escrows that keep failing (a payee
// not yet onboarded) do not hide the ones behind them. A failure on one
// escrow does not stop the others; it is retried on the next sweep.
func (t *Timer) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SchedulerSweepDuration.Observe(time.Since(start).Seconds()) }()

	now := t.service.now()
	var (
		after    *DueKey
		released int
	)
	for {
		due, err := t.store.ListDueForRelease(ctx, now, after, sweepBatchSize)
		if err != nil {
			return released, fmt.Errorf("failed to list due escrows: %w", err)
		}
		released += t.releaseBatch(ctx, due)
		if len(due) < sweepBatchSize {
			return released, nil
		}
		if err := ctx.Err(); err != nil {
			return released, err
		}
		last := due[len(due)-1]
		after = &DueKey{At: *last.AutoReleaseAt, ID: last.ID}
	}
}

func (t *Timer) releaseBatch(ctx context.Context, due []*Payment) int {
	var released atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, p := range due {
		g.Go(func() error {
			out, err := t.service.AutoRelease(gctx, p.ID)
			switch {
			case err == nil && out.Status == StatusReleased:
				released.Add(1)
				metrics.SchedulerReleasedTotal.Inc()
				t.logger.Info("auto-released escrow",
					"escrowId", p.ID,
					"payee", p.PayeeID,
					"amount", p.Amount,
					"currency", p.Currency,
				)
			case err == nil:
				t.logger.Debug("escrow release already in flight", "escrowId", p.ID)
			case errors.Is(err, ErrIllegalTransition):
				// disputed or released since the listing
				t.logger.Debug("skipping escrow", "escrowId", p.ID, "reason", err)
			default:
				t.logger.Warn("failed to auto-release escrow", "escrowId", p.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(released.Load())
}
