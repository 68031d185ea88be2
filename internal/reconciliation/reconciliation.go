// Package reconciliation finds escrows the normal flow left behind: stale
// transition claims, held escrows past their release deadline, abandoned
// checkouts and webhook events that never finished processing.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/contrata/internal/escrow"
)

const (
	DefaultClaimAge     = 10 * time.Minute
	DefaultPendingAge   = 24 * time.Hour
	DefaultOverdueGrace = 15 * time.Minute
	DefaultEventAge     = 5 * time.Minute

	recoverBatchSize = 50
)

// ClaimRecoverer re-drives an interrupted fund-moving transition.
type ClaimRecoverer interface {
	RecoverClaim(ctx context.Context, escrowID string) (*escrow.Payment, error)
}

// EventBacklog counts processor events received but not yet processed.
type EventBacklog interface {
	CountUnprocessed(ctx context.Context, receivedBefore time.Time) (int, error)
}

// Report is the outcome of one reconciliation run.
type Report struct {
	StaleClaims       int           `json:"staleClaims"`
	Recovered         int           `json:"recovered"`
	RecoveryFailures  int           `json:"recoveryFailures"`
	ClaimsInReview    int           `json:"claimsInReview"`
	OverdueHeld       int           `json:"overdueHeld"`
	StalePending      int           `json:"stalePending"`
	UnprocessedEvents int           `json:"unprocessedEvents"`
	Duration          time.Duration `json:"duration"`
}

// Runner performs reconciliation passes.
type Runner struct {
	store        escrow.Store
	recoverer    ClaimRecoverer
	events       EventBacklog
	logger       *slog.Logger
	now          func() time.Time
	claimAge     time.Duration
	pendingAge   time.Duration
	overdueGrace time.Duration
}

// NewRunner creates a runner over the escrow store.
func NewRunner(store escrow.Store, recoverer ClaimRecoverer, logger *slog.Logger) *Runner {
	return &Runner{
		store:        store,
		recoverer:    recoverer,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		claimAge:     DefaultClaimAge,
		pendingAge:   DefaultPendingAge,
		overdueGrace: DefaultOverdueGrace,
	}
}

// WithEvents enables the webhook backlog check.
func (r *Runner) WithEvents(events EventBacklog) *Runner {
	r.events = events
	return r
}

// WithClaimAge sets how old a claim must be before it is considered stale.
func (r *Runner) WithClaimAge(d time.Duration) *Runner {
	if d > 0 {
		r.claimAge = d
	}
	return r
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll recovers stale claims and refreshes the backlog gauges. Individual
// recovery failures are counted, not returned; the error reports checks
// that could not run at all.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := r.now()
	report := &Report{}
	var errs []error

	stale, err := r.store.ListStaleClaims(ctx, now.Add(-r.claimAge), recoverBatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list stale claims: %w", err))
	}
	report.StaleClaims = len(stale)
	for _, p := range stale {
		if ctx.Err() != nil {
			break
		}
		got, err := r.recoverer.RecoverClaim(ctx, p.ID)
		if errors.Is(err, escrow.ErrClaimNeedsReview) {
			// parked; counted below and skipped by later passes
			continue
		}
		if err != nil {
			report.RecoveryFailures++
			r.logger.Error("CRITICAL: stale claim recovery failed",
				"escrow_id", p.ID, "edge", p.PendingEdge, "claimed_at", p.ClaimedAt, "error", err)
			continue
		}
		report.Recovered++
		r.logger.Info("stale claim recovered", "escrow_id", p.ID, "status", got.Status)
	}

	if report.ClaimsInReview, err = r.store.CountClaimsInReview(ctx); err != nil {
		errs = append(errs, fmt.Errorf("count claims in review: %w", err))
	}
	if report.OverdueHeld, err = r.store.CountOverdueHeld(ctx, now.Add(-r.overdueGrace)); err != nil {
		errs = append(errs, fmt.Errorf("count overdue held: %w", err))
	}
	if report.StalePending, err = r.store.CountStalePending(ctx, now.Add(-r.pendingAge)); err != nil {
		errs = append(errs, fmt.Errorf("count stale pending: %w", err))
	}
	if r.events != nil {
		if report.UnprocessedEvents, err = r.events.CountUnprocessed(ctx, now.Add(-DefaultEventAge)); err != nil {
			errs = append(errs, fmt.Errorf("count unprocessed events: %w", err))
		}
	}

	report.Duration = time.Since(start)
	reconcileStaleClaims.Set(float64(report.StaleClaims))
	reconcileOverdueHeld.Set(float64(report.OverdueHeld))
	reconcileStalePending.Set(float64(report.StalePending))
	reconcileUnprocessedEvents.Set(float64(report.UnprocessedEvents))
	reconcileClaimsInReview.Set(float64(report.ClaimsInReview))
	reconcileRecovered.Add(float64(report.Recovered))
	reconcileDuration.Observe(report.Duration.Seconds())
	if len(errs) > 0 || report.RecoveryFailures > 0 {
		reconcileErrors.Add(float64(len(errs) + report.RecoveryFailures))
	}

	if report.OverdueHeld > 0 || report.UnprocessedEvents > 0 || report.ClaimsInReview > 0 {
		r.logger.Warn("reconciliation found backlog",
			"overdue_held", report.OverdueHeld,
			"unprocessed_events", report.UnprocessedEvents,
			"claims_in_review", report.ClaimsInReview)
	}
	return report, errors.Join(errs...)
}
