package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/contrata/internal/escrow"
	"github.com/mbd888/contrata/internal/payments"
)

type payees map[string]string

func (p payees) ConnectedAccount(_ context.Context, id string) (string, error) { return p[id], nil }

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type env struct {
	store   *escrow.MemoryStore
	sandbox *payments.Sandbox
	svc     *escrow.Service
}

func newEnv() *env {
	store := escrow.NewMemoryStore()
	sb := payments.NewSandbox("whsec", "")
	sb.SetPayeeReady("acct_p", true)
	svc := escrow.NewService(store, sb, payees{"u_payee": "acct_p"}).
		WithClock(func() time.Time { return base })
	return &env{store: store, sandbox: sb, svc: svc}
}

func (e *env) held(t *testing.T, orderID string) *escrow.Payment {
	t.Helper()
	ctx := context.Background()
	payer := escrow.Actor{ID: "u_payer"}
	p, err := e.svc.CreateOrderEscrow(ctx, payer, escrow.OrderRequest{OrderID: orderID, PayeeID: "u_payee", Amount: 10000})
	require.NoError(t, err)
	_, err = e.svc.PayNow(ctx, payer, p.ID, "")
	require.NoError(t, err)
	held, err := e.svc.MarkAuthorized(ctx, p.ID, "pi_"+orderID)
	require.NoError(t, err)
	return held
}

func (e *env) claim(t *testing.T, p *escrow.Payment, at time.Time) {
	t.Helper()
	_, err := e.store.Claim(context.Background(), escrow.Claim{
		EscrowID: p.ID, From: escrow.StatusHeld, Edge: escrow.EdgeConfirm,
		ClaimID: "clm_dead", By: "u_payer", At: at,
	})
	require.NoError(t, err)
}

func TestRunAll_RecoversStaleClaims(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	stale := e.held(t, "ord_stale")
	fresh := e.held(t, "ord_fresh")
	e.claim(t, stale, base)
	e.claim(t, fresh, base.Add(25*time.Minute))

	runner := NewRunner(e.store, e.svc, slog.Default()).
		WithClock(func() time.Time { return base.Add(30 * time.Minute) })
	report, err := runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleClaims)
	assert.Equal(t, 1, report.Recovered)
	assert.Zero(t, report.RecoveryFailures)

	got, err := e.svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assert.Len(t, e.sandbox.Transfers(), 1)

	got, err = e.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.InFlight(), "a recent claim belongs to a live caller")
}

func TestRunAll_RecoveryRetriedOnNextRun(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.held(t, "ord_1")
	e.claim(t, p, base)

	runner := NewRunner(e.store, e.svc, slog.Default()).
		WithClock(func() time.Time { return base.Add(time.Hour) })

	e.sandbox.FailNext(payments.OpCapture, payments.ErrProcessorUnavailable)
	report, err := runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecoveryFailures)

	report, err = runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	got, _ := e.svc.Get(ctx, p.ID)
	assert.Equal(t, escrow.StatusReleased, got.Status)
}

func TestRunAll_RejectedRecoveryParkedForReview(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	p := e.held(t, "ord_rejected")
	e.claim(t, p, base)

	runner := NewRunner(e.store, e.svc, slog.Default()).
		WithClock(func() time.Time { return base.Add(time.Hour) })

	e.sandbox.FailNext(payments.OpCapture, payments.ErrInvalidRequest)
	report, err := runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleClaims)
	assert.Zero(t, report.RecoveryFailures)
	assert.Equal(t, 1, report.ClaimsInReview)

	got, _ := e.svc.Get(ctx, p.ID)
	assert.True(t, got.InFlight())
	assert.NotEmpty(t, got.ClaimReview)

	// Later passes leave it to the operator.
	captures := e.sandbox.Calls(payments.OpCapture)
	report, err = runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.StaleClaims)
	assert.Zero(t, report.RecoveryFailures)
	assert.Equal(t, 1, report.ClaimsInReview)
	assert.Equal(t, captures, e.sandbox.Calls(payments.OpCapture))

	// An explicit recovery still drives it and clears the flag.
	released, err := e.svc.RecoverClaim(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, released.Status)
	assert.Empty(t, released.ClaimReview)

	report, err = runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ClaimsInReview)
}

type backlog int

func (b backlog) CountUnprocessed(context.Context, time.Time) (int, error) { return int(b), nil }

func TestRunAll_CountsBacklog(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.held(t, "ord_overdue")
	_, err := e.svc.CreateOrderEscrow(ctx, escrow.Actor{ID: "u_payer"}, escrow.OrderRequest{
		OrderID: "ord_abandoned", PayeeID: "u_payee", Amount: 500,
	})
	require.NoError(t, err)

	runner := NewRunner(e.store, e.svc, slog.Default()).
		WithEvents(backlog(3)).
		WithClock(func() time.Time { return base.Add(30 * 24 * time.Hour) })
	report, err := runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OverdueHeld)
	assert.Equal(t, 1, report.StalePending)
	assert.Equal(t, 3, report.UnprocessedEvents)
}

type brokenStore struct {
	escrow.Store
}

func (brokenStore) ListStaleClaims(context.Context, time.Time, int) ([]*escrow.Payment, error) {
	return nil, errors.New("db down")
}

func (brokenStore) CountOverdueHeld(context.Context, time.Time) (int, error) { return 0, nil }

func (brokenStore) CountClaimsInReview(context.Context) (int, error) { return 0, nil }

func (brokenStore) CountStalePending(context.Context, time.Time) (int, error) { return 0, nil }

func TestRunAll_ReportsFailedChecks(t *testing.T) {
	runner := NewRunner(brokenStore{}, nil, slog.Default())
	report, err := runner.RunAll(context.Background())
	assert.ErrorContains(t, err, "list stale claims")
	require.NotNil(t, report)
	assert.Zero(t, report.StaleClaims)
}

func TestTimer_StartStop(t *testing.T) {
	e := newEnv()
	timer := NewTimer(NewRunner(e.store, e.svc, slog.Default()), slog.Default()).
		WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)
	assert.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	timer.Stop()
	assert.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func TestTimer_FirstPassRunsOnStart(t *testing.T) {
	e := newEnv()
	stale := e.held(t, "ord_crashed")
	e.claim(t, stale, base)

	runner := NewRunner(e.store, e.svc, slog.Default()).
		WithClock(func() time.Time { return base.Add(time.Hour) })
	timer := NewTimer(runner, slog.Default()).WithInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	assert.Eventually(t, func() bool {
		got, err := e.svc.Get(context.Background(), stale.ID)
		return err == nil && got.Status == escrow.StatusReleased
	}, time.Second, 5*time.Millisecond)

	timer.Stop()
	timer.Stop()
}
