package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/contrata/internal/circuitbreaker"
	"github.com/mbd888/contrata/internal/metrics"
	"github.com/mbd888/contrata/internal/retry"
	"github.com/mbd888/contrata/internal/traces"
)

// Guarded wraps a Gateway with a per-call timeout, retries for transient
// failures and a circuit breaker. Every error it returns belongs to the
// package taxonomy.
type Guarded struct {
	next    Gateway
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ Gateway = (*Guarded)(nil)

// NewGuarded wraps next. timeout bounds each individual attempt.
func NewGuarded(next Gateway, timeout time.Duration, logger *slog.Logger) *Guarded {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Guarded{
		next:    next,
		timeout: timeout,
		policy:  retry.DefaultPolicy,
		breaker: circuitbreaker.New("processor", 5, 30*time.Second),
		logger:  logger,
	}
}

// WithPolicy overrides the retry policy.
func (g *Guarded) WithPolicy(p retry.Policy) *Guarded {
	g.policy = p
	return g
}

// WithBreaker overrides the circuit breaker.
func (g *Guarded) WithBreaker(b *circuitbreaker.Breaker) *Guarded {
	g.breaker = b
	return g
}

func (g *Guarded) call(ctx context.Context, op, escrowID string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "processor."+op, traces.Operation(op), traces.EscrowID(escrowID))
	timer := prometheus.NewTimer(metrics.ProcessorCallDuration.WithLabelValues(op))

	err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		err := g.breaker.Do(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return normalize(fn(attemptCtx))
		}, transient)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: circuit open", ErrProcessorUnavailable))
		}
		if err != nil && !transient(err) {
			return retry.Permanent(err)
		}
		return err
	})

	timer.ObserveDuration()
	metrics.ProcessorCallsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	if err != nil {
		g.logger.Warn("processor call failed", "op", op, "escrow_id", escrowID, "error", err)
	}
	traces.End(span, err)
	return err
}

// normalize maps anything outside the taxonomy to ErrProcessorUnavailable.
func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrPayeeAccountNotReady),
		errors.Is(err, ErrProcessorUnavailable), errors.Is(err, ErrInvalidSignature):
		return err
	default: // timeouts, transport errors, unexpected processor responses
		return fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
}

func transient(err error) bool {
	return errors.Is(err, ErrProcessorUnavailable)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPayeeAccountNotReady):
		return "payee_not_ready"
	default:
		return "unavailable"
	}
}

func (g *Guarded) CreateHeldCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	var out *Checkout
	err := g.call(ctx, OpCheckout, req.EscrowID, func(ctx context.Context) error {
		var err error
		out, err = g.next.CreateHeldCheckout(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Guarded) CaptureAndTransfer(ctx context.Context, req TransferRequest) (string, error) {
	var id string
	err := g.call(ctx, OpCapture, req.EscrowID, func(ctx context.Context) error {
		var err error
		id, err = g.next.CaptureAndTransfer(ctx, req)
		return err
	})
	return id, err
}

func (g *Guarded) Refund(ctx context.Context, req RefundRequest) error {
	return g.call(ctx, OpRefund, req.EscrowID, func(ctx context.Context) error {
		return g.next.Refund(ctx, req)
	})
}

func (g *Guarded) PayeeReady(ctx context.Context, accountID string) (bool, error) {
	var ready bool
	err := g.call(ctx, OpPayeeReady, "", func(ctx context.Context) error {
		var err error
		ready, err = g.next.PayeeReady(ctx, accountID)
		return err
	})
	return ready, err
}

func (g *Guarded) CreateConnectedAccount(ctx context.Context, email string) (string, error) {
	var id string
	err := g.call(ctx, OpAccount, "", func(ctx context.Context) error {
		var err error
		id, err = g.next.CreateConnectedAccount(ctx, email)
		return err
	})
	return id, err
}

func (g *Guarded) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	var link string
	err := g.call(ctx, OpLink, "", func(ctx context.Context) error {
		var err error
		link, err = g.next.OnboardingLink(ctx, accountID)
		return err
	})
	return link, err
}

// SignatureHeader and ParseEvent are local computations and pass straight through.
func (g *Guarded) SignatureHeader() string { return g.next.SignatureHeader() }

func (g *Guarded) ParseEvent(payload []byte, signature string) (*Event, error) {
	return g.next.ParseEvent(payload, signature)
}
