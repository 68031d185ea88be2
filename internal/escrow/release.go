package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/metrics"
	"github.com/mbd888/contrata/internal/payments"
	"github.com/mbd888/contrata/internal/traces"
)

// ConfirmCompletion is the payer confirming the service was delivered.
// Funds are captured and transferred to the payee.
func (s *Service) ConfirmCompletion(ctx context.Context, actor Actor, escrowID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(EdgeConfirm), traces.EscrowID(escrowID))
	p, err := s.confirm(ctx, actor, escrowID)
	traces.End(span, err)
	return p, err
}

func (s *Service) confirm(ctx context.Context, actor Actor, escrowID string) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actor.ID != p.PayerID {
		return nil, ErrForbidden
	}
	return s.release(ctx, p, EdgeConfirm, actor.ID, "confirmed by payer")
}

// AutoRelease releases a held escrow whose deadline has passed. It is
// called by the scheduler; an escrow not yet due is left alone.
func (s *Service) AutoRelease(ctx context.Context, escrowID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(EdgeAutoRelease), traces.EscrowID(escrowID))
	p, err := s.autoRelease(ctx, escrowID)
	traces.End(span, err)
	return p, err
}

func (s *Service) autoRelease(ctx context.Context, escrowID string) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusHeld && (p.AutoReleaseAt == nil || p.AutoReleaseAt.After(s.now())) {
		return nil, fmt.Errorf("%w: escrow %s is not due for release", ErrIllegalTransition, p.ID)
	}
	return s.release(ctx, p, EdgeAutoRelease, ActorScheduler, "auto-released after hold window")
}

// release drives a release edge. A repeat on a released escrow returns it
// unchanged; a concurrent in-flight release returns the current record.
func (s *Service) release(ctx context.Context, p *Payment, edge Edge, by, note string) (*Payment, error) {
	if p.Status == StatusReleased {
		s.record(edge, "noop")
		return p, nil
	}
	if !CanTransition(p.Status, edge) {
		s.record(edge, "illegal")
		return nil, illegal(p, "release")
	}
	if p.InFlight() {
		s.record(edge, "in_flight")
		return p, nil
	}

	account, err := s.payeeAccount(ctx, p)
	if err != nil {
		s.record(edge, "payee_not_ready")
		return nil, err
	}

	claimed, err := s.store.Claim(ctx, Claim{
		EscrowID: p.ID,
		From:     p.Status,
		Edge:     edge,
		ClaimID:  newClaimID(),
		By:       by,
		At:       s.now(),
	})
	if errors.Is(err, errStale) {
		fresh, gerr := s.store.GetPayment(ctx, p.ID)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Status == StatusReleased || fresh.InFlight() {
			s.record(edge, "noop")
			return fresh, nil
		}
		s.record(edge, "illegal")
		return nil, illegal(fresh, "release")
	}
	if err != nil {
		return nil, err
	}
	return s.finishClaim(ctx, claimed, account, note, false)
}

// payeeAccount resolves the payee's connected account and checks it can
// receive transfers before anything is claimed.
func (s *Service) payeeAccount(ctx context.Context, p *Payment) (string, error) {
	account, err := s.payees.ConnectedAccount(ctx, p.PayeeID)
	if err != nil {
		return "", err
	}
	if account == "" {
		return "", fmt.Errorf("%w: payee %s has no connected account", ErrPayeeAccountNotReady, p.PayeeID)
	}
	ready, err := s.processor.PayeeReady(ctx, account)
	if err != nil {
		return "", err
	}
	if !ready {
		return "", fmt.Errorf("%w: account %s cannot receive transfers yet", ErrPayeeAccountNotReady, account)
	}
	return account, nil
}

// finishClaim runs the processor call for a claimed record and finalizes it.
// On processor failure the status is unchanged. A fresh claim is released;
// a recovered claim is kept so the next attempt reuses its idempotency key,
// and is parked for review when the processor rejects the request.
func (s *Service) finishClaim(ctx context.Context, p *Payment, account, note string, recovering bool) (*Payment, error) {
	edge := p.PendingEdge
	target := edge.Target()
	key := p.ID + ":" + p.ClaimID
	log := logging.L(ctx).With("escrow_id", p.ID, "edge", edge, "claim_id", p.ClaimID)

	var (
		transferID string
		err        error
	)
	if target == StatusReleased {
		transferID, err = s.processor.CaptureAndTransfer(ctx, payments.TransferRequest{
			EscrowID:       p.ID,
			PaymentRef:     p.PaymentRef,
			PayeeAccount:   account,
			Amount:         p.Amount,
			NetAmount:      p.NetAmount(),
			Currency:       p.Currency,
			IdempotencyKey: key,
		})
	} else {
		err = s.processor.Refund(ctx, payments.RefundRequest{
			EscrowID:       p.ID,
			PaymentRef:     p.PaymentRef,
			IdempotencyKey: key,
		})
	}
	if err != nil {
		s.record(edge, "processor_error")
		if recovering {
			if !errors.Is(err, payments.ErrInvalidRequest) {
				log.Warn("processor call failed during recovery, claim kept", "error", err)
				return nil, err
			}
			// The processor refuses the call outright; retrying will not help.
			if ferr := s.store.FlagClaim(ctx, p.ID, p.ClaimID, err.Error(), s.now()); ferr != nil {
				log.Error("failed to flag claim for review", "error", ferr)
			}
			log.Error("CRITICAL: processor rejected recovery, claim parked for review", "error", err)
			return nil, fmt.Errorf("%w: %w", ErrClaimNeedsReview, err)
		}
		if rerr := s.store.ReleaseClaim(ctx, p.ID, p.ClaimID, s.now()); rerr != nil {
			log.Error("failed to release claim after processor error", "error", rerr)
		}
		log.Warn("processor call failed, claim released", "error", err)
		return nil, err
	}

	now := s.now()
	t := &Transition{
		EscrowID:           p.ID,
		Edge:               edge,
		From:               []Status{p.Status},
		To:                 target,
		At:                 now,
		ClaimID:            p.ClaimID,
		TransferID:         transferID,
		ConversationStatus: edge.ConversationStatus(),
		Ledger: &LedgerEntry{
			ID:          newLedgerID(),
			EscrowID:    p.ID,
			Type:        ledgerTypeFor(target),
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: note,
			CreatedAt:   now,
		},
	}
	if target == StatusReleased {
		t.Capture = &LedgerEntry{
			ID:          newLedgerID(),
			EscrowID:    p.ID,
			Type:        LedgerCapture,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: "captured from payer",
			CreatedAt:   now,
		}
	}
	if p.Status == StatusDisputed {
		outcome := OutcomeRelease
		if target == StatusRefunded {
			outcome = OutcomeRefund
		}
		t.CloseDispute = &DisputeResolution{Outcome: outcome, Note: note, ResolvedBy: p.ClaimedBy}
	}

	updated, err := s.store.Apply(ctx, t)
	if err != nil {
		if errors.Is(err, errStale) {
			fresh, gerr := s.store.GetPayment(ctx, p.ID)
			if gerr == nil && fresh.Status == target {
				return fresh, nil
			}
		}
		// Money moved but the record did not: the reconciler finishes it.
		log.Error("CRITICAL: processor succeeded but finalize failed", "transfer_id", transferID, "error", err)
		s.record(edge, "finalize_error")
		return nil, err
	}

	s.record(edge, "applied")
	if updated.AuthorizedAt != nil {
		metrics.EscrowHeldDuration.Observe(now.Sub(*updated.AuthorizedAt).Seconds())
	}
	log.Info("escrow settled", "status", updated.Status, "transfer_id", transferID)
	s.notifySettled(ctx, updated)
	return updated, nil
}

func (s *Service) notifySettled(ctx context.Context, p *Payment) {
	data := map[string]any{"escrowId": p.ID, "amount": p.Amount, "currency": p.Currency}
	switch p.Status {
	case StatusReleased:
		s.notifier.Success(ctx, p.PayeeID, "Pagamento liberado", "O valor foi transferido para sua conta.", data)
		s.notifier.Success(ctx, p.PayerID, "Serviço concluído", "O pagamento foi liberado ao prestador.", data)
	case StatusRefunded:
		s.notifier.Success(ctx, p.PayerID, "Reembolso realizado", "O valor foi devolvido ao seu cartão.", data)
		s.notifier.Success(ctx, p.PayeeID, "Disputa encerrada", "A disputa foi resolvida com reembolso ao cliente.", data)
	}
}

// RecoverClaim completes a fund-moving edge whose caller died between the
// claim and the finalize. The processor call is repeated with the same
// idempotency key, so funds move at most once.
func (s *Service) RecoverClaim(ctx context.Context, escrowID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.recover_claim", traces.EscrowID(escrowID))
	p, err := s.recoverClaim(ctx, escrowID)
	traces.End(span, err)
	return p, err
}

func (s *Service) recoverClaim(ctx context.Context, escrowID string) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !p.InFlight() {
		return p, nil
	}

	var account string
	if p.PendingEdge.Target() == StatusReleased {
		account, err = s.payees.ConnectedAccount(ctx, p.PayeeID)
		if err != nil {
			return nil, err
		}
	}
	logging.L(ctx).Warn("recovering stale claim", "escrow_id", p.ID, "edge", p.PendingEdge, "claimed_by", p.ClaimedBy, "claimed_at", p.ClaimedAt)
	return s.finishClaim(ctx, p, account, "recovered "+string(p.PendingEdge), true)
}
