// Package webhooks ingests payment processor events.
//
// Flow for one delivery:
//  1. Verify the signature over the raw body (nothing is touched before this)
//  2. Record the event id; a delivery that already completed is acknowledged
//  3. Dispatch: authorized → MarkAuthorized, failed → MarkFailed,
//     account updated → connected-account refresh, anything else acknowledged
//  4. Mark the event processed, or leave it open so the processor redelivers
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/contrata/internal/escrow"
	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/metrics"
	"github.com/mbd888/contrata/internal/payments"
)

// Outcome is what a delivery did.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeUnknownEscrow Outcome = "unknown_escrow"
	OutcomeRejected      Outcome = "rejected"
	OutcomeFailed        Outcome = "failed"
)

// Record is a stored processor event.
type Record struct {
	EventID     string     `json:"eventId"`
	Type        string     `json:"type"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// EventLog de-duplicates deliveries by processor event id.
type EventLog interface {
	// Record stores a received event once. It reports whether an earlier
	// delivery of the same event already finished processing.
	Record(ctx context.Context, eventID, eventType string, payload []byte, at time.Time) (processed bool, err error)
	// Finish stores the outcome. A non-nil procErr leaves the event
	// unprocessed so a redelivery runs it again.
	Finish(ctx context.Context, eventID string, outcome Outcome, procErr error, at time.Time) error
	CountUnprocessed(ctx context.Context, receivedBefore time.Time) (int, error)
}

// Coordinator is the part of the escrow service the ingestor drives.
type Coordinator interface {
	MarkAuthorized(ctx context.Context, escrowID, paymentRef string) (*escrow.Payment, error)
	MarkFailed(ctx context.Context, escrowID, reason string) (*escrow.Payment, error)
}

// AccountUpdater refreshes a payee's connected-account readiness.
type AccountUpdater interface {
	MarkAccountReady(ctx context.Context, accountID string, ready bool) error
}

// Ingestor verifies and applies processor events.
type Ingestor struct {
	parser   payments.EventParser
	coord    Coordinator
	accounts AccountUpdater
	log      EventLog
	now      func() time.Time
}

// NewIngestor creates an ingestor.
func NewIngestor(parser payments.EventParser, coord Coordinator, log EventLog) *Ingestor {
	return &Ingestor{
		parser: parser,
		coord:  coord,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithAccounts sets the connected-account updater.
func (i *Ingestor) WithAccounts(a AccountUpdater) *Ingestor {
	i.accounts = a
	return i
}

// WithClock overrides the time source.
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// SignatureHeader names the header the processor signs deliveries in.
func (i *Ingestor) SignatureHeader() string {
	return i.parser.SignatureHeader()
}

// Ingest verifies one delivery and applies it. ErrInvalidSignature means
// the delivery was rejected; any other error means it should be retried.
// A signed delivery whose body cannot be decoded is acknowledged as
// ignored, since redelivering the same bytes cannot succeed.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	evt, err := i.parser.ParseEvent(payload, signature)
	if errors.Is(err, payments.ErrInvalidRequest) {
		logging.L(ctx).Warn("ignoring malformed processor event", "error", err, "bytes", len(payload))
		metrics.WebhookEventsTotal.WithLabelValues("unknown", string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", string(OutcomeRejected)).Inc()
		return OutcomeRejected, err
	}
	log := logging.L(ctx).With("event_id", evt.ID, "event_type", evt.Type, "escrow_id", evt.EscrowID)

	processed, err := i.log.Record(ctx, evt.ID, evt.Type, payload, i.now())
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to record event: %w", err)
	}
	if processed {
		log.Debug("processor event already processed")
		metrics.WebhookEventsTotal.WithLabelValues(string(evt.Kind), string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}

	outcome, procErr := i.dispatch(ctx, evt)
	if procErr != nil {
		outcome = OutcomeFailed
		log.Error("processor event failed, awaiting redelivery", "error", procErr)
	}
	if err := i.log.Finish(ctx, evt.ID, outcome, procErr, i.now()); err != nil {
		log.Warn("failed to store event outcome", "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(evt.Kind), string(outcome)).Inc()
	return outcome, procErr
}

func (i *Ingestor) dispatch(ctx context.Context, evt *payments.Event) (Outcome, error) {
	log := logging.L(ctx).With("event_id", evt.ID, "escrow_id", evt.EscrowID)

	switch evt.Kind {
	case payments.EventAuthorized:
		if evt.EscrowID == "" {
			log.Warn("authorization event without escrow id")
			return OutcomeIgnored, nil
		}
		_, err := i.coord.MarkAuthorized(ctx, evt.EscrowID, evt.PaymentRef)
		return escrowOutcome(ctx, err)

	case payments.EventFailed:
		if evt.EscrowID == "" {
			log.Warn("failure event without escrow id")
			return OutcomeIgnored, nil
		}
		_, err := i.coord.MarkFailed(ctx, evt.EscrowID, evt.FailureReason)
		return escrowOutcome(ctx, err)

	case payments.EventAccountUpdated:
		if i.accounts == nil || evt.AccountID == "" {
			return OutcomeIgnored, nil
		}
		if err := i.accounts.MarkAccountReady(ctx, evt.AccountID, evt.AccountReady); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}
	return OutcomeIgnored, nil
}

// escrowOutcome folds coordinator results into delivery outcomes. Only
// errors worth a redelivery are returned.
func escrowOutcome(ctx context.Context, err error) (Outcome, error) {
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, escrow.ErrDuplicateEvent):
		logging.L(ctx).Debug("processor event already applied")
		return OutcomeDuplicate, nil
	case errors.Is(err, escrow.ErrNotFound):
		logging.L(ctx).Warn("processor event for unknown escrow")
		return OutcomeUnknownEscrow, nil
	case errors.Is(err, escrow.ErrIllegalTransition), errors.Is(err, escrow.ErrInvalidRequest):
		logging.L(ctx).Warn("processor event not applicable", "error", err)
		return OutcomeIgnored, nil
	}
	return OutcomeFailed, err
}
