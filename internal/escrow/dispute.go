package escrow

import (
	"context"
	"errors"
	"strings"

	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/traces"
)

const maxReasonLength = 2000

// OpenDispute freezes a held escrow. Either party may dispute before the
// hold window ends; the auto-release deadline is cleared.
func (s *Service) OpenDispute(ctx context.Context, actor Actor, escrowID, reason string) (*Payment, *Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(EdgeDispute), traces.EscrowID(escrowID))
	p, d, err := s.openDispute(ctx, actor, escrowID, reason)
	traces.End(span, err)
	return p, d, err
}

func (s *Service) openDispute(ctx context.Context, actor Actor, escrowID, reason string) (*Payment, *Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, invalid("reason is required")
	}
	if len(reason) > maxReasonLength {
		return nil, nil, invalid("reason must be at most %d characters", maxReasonLength)
	}

	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	if !p.IsParty(actor.ID) {
		return nil, nil, ErrForbidden
	}
	if p.Status == StatusDisputed {
		d, err := s.store.GetOpenDispute(ctx, p.ID)
		if err != nil {
			return nil, nil, err
		}
		return p, d, nil
	}
	if !CanTransition(p.Status, EdgeDispute) || p.InFlight() {
		s.record(EdgeDispute, "illegal")
		return nil, nil, illegal(p, "dispute")
	}

	now := s.now()
	d := &Dispute{
		ID:        newDisputeID(),
		EscrowID:  p.ID,
		RaisedBy:  actor.ID,
		Reason:    reason,
		CreatedAt: now,
	}
	updated, err := s.store.Apply(ctx, &Transition{
		EscrowID:           p.ID,
		Edge:               EdgeDispute,
		From:               EdgeDispute.From(),
		To:                 StatusDisputed,
		At:                 now,
		ConversationStatus: EdgeDispute.ConversationStatus(),
		OpenDispute:        d,
		Ledger: &LedgerEntry{
			ID:          newLedgerID(),
			EscrowID:    p.ID,
			Type:        LedgerDispute,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: "dispute opened by " + actor.ID,
			CreatedAt:   now,
		},
	})
	if errors.Is(err, errStale) {
		fresh, gerr := s.store.GetPayment(ctx, p.ID)
		if gerr != nil {
			return nil, nil, gerr
		}
		if fresh.Status == StatusDisputed {
			open, derr := s.store.GetOpenDispute(ctx, p.ID)
			if derr != nil {
				return nil, nil, derr
			}
			return fresh, open, nil
		}
		s.record(EdgeDispute, "illegal")
		return nil, nil, illegal(fresh, "dispute")
	}
	if err != nil {
		return nil, nil, err
	}

	s.record(EdgeDispute, "applied")
	logging.L(ctx).Info("dispute opened", "escrow_id", p.ID, "dispute_id", d.ID, "raised_by", actor.ID)
	data := map[string]any{"escrowId": p.ID, "disputeId": d.ID}
	other := p.PayeeID
	if actor.ID == p.PayeeID {
		other = p.PayerID
	}
	s.notifier.Error(ctx, other, "Disputa aberta", "O pagamento foi congelado até a decisão do suporte.", data)
	s.notifier.Success(ctx, actor.ID, "Disputa registrada", "Nossa equipe vai analisar o caso.", data)
	return updated, d, nil
}

// ResolveDispute applies an admin decision to a disputed escrow.
func (s *Service) ResolveDispute(ctx context.Context, actor Actor, escrowID string, outcome Outcome, note string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.resolve_dispute", traces.EscrowID(escrowID))
	p, err := s.resolveDispute(ctx, actor, escrowID, outcome, note)
	traces.End(span, err)
	return p, err
}

func (s *Service) resolveDispute(ctx context.Context, actor Actor, escrowID string, outcome Outcome, note string) (*Payment, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	var edge Edge
	switch outcome {
	case OutcomeRelease:
		edge = EdgeResolveRelease
	case OutcomeRefund:
		edge = EdgeResolveRefund
	default:
		return nil, invalid("outcome must be %q or %q", OutcomeRelease, OutcomeRefund)
	}
	note = strings.TrimSpace(note)
	if note == "" {
		note = "resolved by admin: " + string(outcome)
	}

	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if p.Status == edge.Target() {
		s.record(edge, "noop")
		return p, nil
	}
	if p.Status != StatusDisputed {
		s.record(edge, "illegal")
		return nil, illegal(p, "resolve")
	}
	if p.InFlight() {
		s.record(edge, "in_flight")
		return p, nil
	}

	if edge == EdgeResolveRelease {
		return s.release(ctx, p, edge, actor.ID, note)
	}

	claimed, err := s.store.Claim(ctx, Claim{
		EscrowID: p.ID,
		From:     StatusDisputed,
		Edge:     edge,
		ClaimID:  newClaimID(),
		By:       actor.ID,
		At:       s.now(),
	})
	if errors.Is(err, errStale) {
		fresh, gerr := s.store.GetPayment(ctx, p.ID)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Status == StatusRefunded || fresh.InFlight() {
			return fresh, nil
		}
		return nil, illegal(fresh, "resolve")
	}
	if err != nil {
		return nil, err
	}
	return s.finishClaim(ctx, claimed, "", note, false)
}

// ListOpenDisputes returns unresolved disputes, oldest first. Admin only.
func (s *Service) ListOpenDisputes(ctx context.Context, actor Actor, limit int) ([]*Dispute, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.ListOpenDisputes(ctx, limit)
}

// ListDisputes returns every dispute of an escrow visible to actor.
func (s *Service) ListDisputes(ctx context.Context, actor Actor, escrowID string) ([]*Dispute, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !p.IsParty(actor.ID) {
		return nil, ErrForbidden
	}
	return s.store.ListDisputes(ctx, escrowID)
}
