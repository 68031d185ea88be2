package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/metrics"
	"github.com/mbd888/contrata/internal/pagination"
	"github.com/mbd888/contrata/internal/payments"
	"github.com/mbd888/contrata/internal/traces"
	"github.com/mbd888/contrata/internal/validation"
)

// OrderRequest contains the parameters for an order-based escrow.
type OrderRequest struct {
	OrderID  string `json:"orderId"`
	PayeeID  string `json:"payeeId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// StatusView is the read model behind the status endpoint.
type StatusView struct {
	Payment      *Payment      `json:"escrow"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Dispute      *Dispute      `json:"dispute,omitempty"`
}

// checkAmount bounds amounts for every caller, not just the HTTP handlers.
func checkAmount(amount int64) error {
	if amount <= 0 {
		return invalid("amount must be a positive number of minor units")
	}
	if amount > validation.MaxAmount {
		return invalid("amount must not exceed %d minor units", validation.MaxAmount)
	}
	return nil
}

func illegal(p *Payment, what string) error {
	return fmt.Errorf("%w: cannot %s escrow %s in status %s", ErrIllegalTransition, what, p.ID, p.Status)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *Service) record(edge Edge, result string) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(edge), result).Inc()
}

func (s *Service) currency(c string) (string, error) {
	if c == "" {
		return s.defaultCurrency, nil
	}
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return "", invalid("currency must be a 3-letter ISO code")
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", invalid("currency must be a 3-letter ISO code")
		}
	}
	return c, nil
}

func (s *Service) newPayment(payerID, payeeID string, amount int64, currency string) *Payment {
	// Postgres keeps microseconds; cursors compare at that precision.
	now := s.now().Truncate(time.Microsecond)
	return &Payment{
		ID:          newEscrowID(),
		PayerID:     payerID,
		PayeeID:     payeeID,
		Amount:      amount,
		Currency:    currency,
		PlatformFee: payments.PlatformFee(amount, s.feeBPS),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CreateConversation opens a negotiation between the calling client and a provider.
func (s *Service) CreateConversation(ctx context.Context, actor Actor, providerID string) (*Conversation, error) {
	providerID = strings.TrimSpace(providerID)
	if actor.ID == "" || providerID == "" {
		return nil, invalid("client and provider are required")
	}
	if actor.ID == providerID {
		return nil, invalid("client and provider must be different users")
	}

	now := s.now()
	c := &Conversation{
		ID:         newConvID(),
		ClientID:   actor.ID,
		ProviderID: providerID,
		Status:     ConversationAwaitingPrice,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation visible to actor.
func (s *Service) GetConversation(ctx context.Context, actor Actor, id string) (*Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !c.IsParty(actor.ID) {
		return nil, ErrForbidden
	}
	return c, nil
}

// ProposePrice records the client's price. A new proposal is allowed while
// waiting for acceptance, or after acceptance once the payment attempt failed.
func (s *Service) ProposePrice(ctx context.Context, actor Actor, conversationID string, amount int64, currency string) (*Conversation, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	cur, err := s.currency(currency)
	if err != nil {
		return nil, err
	}

	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if actor.ID != c.ClientID {
		return nil, ErrForbidden
	}

	switch c.Status {
	case ConversationAwaitingPrice:
	case ConversationAccepted:
		if c.EscrowID != "" {
			p, err := s.store.GetPayment(ctx, c.EscrowID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			if p != nil && p.Status != StatusFailed {
				return nil, fmt.Errorf("%w: price is locked once payment started", ErrIllegalTransition)
			}
		}
	default:
		return nil, fmt.Errorf("%w: conversation is %s", ErrIllegalTransition, c.Status)
	}

	updated := *c
	updated.Status = ConversationAwaitingPrice
	updated.ProposedPrice = amount
	updated.AgreedPrice = 0
	updated.Currency = cur
	updated.EscrowID = ""
	updated.UpdatedAt = s.now()
	if err := s.store.UpdateConversation(ctx, &updated, c.Status); err != nil {
		if errors.Is(err, errStale) {
			return nil, fmt.Errorf("%w: conversation changed, reload and retry", ErrIllegalTransition)
		}
		return nil, err
	}

	s.notifier.Success(ctx, c.ProviderID, "Nova proposta de preço", "O cliente enviou uma proposta.",
		map[string]any{"conversationId": c.ID, "amount": amount, "currency": cur})
	return &updated, nil
}

// AcceptPrice is the provider accepting the proposed price. It creates the
// pending escrow in the same transaction.
func (s *Service) AcceptPrice(ctx context.Context, actor Actor, conversationID string) (*Conversation, *Payment, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if actor.ID != c.ProviderID {
		return nil, nil, ErrForbidden
	}
	if c.Status != ConversationAwaitingPrice {
		return nil, nil, fmt.Errorf("%w: conversation is %s", ErrIllegalTransition, c.Status)
	}
	if c.ProposedPrice <= 0 {
		return nil, nil, invalid("no price has been proposed")
	}
	cur, err := s.currency(c.Currency)
	if err != nil {
		return nil, nil, err
	}

	p := s.newPayment(c.ClientID, c.ProviderID, c.ProposedPrice, cur)
	p.ConversationID = c.ID

	updated := *c
	updated.Status = ConversationAccepted
	updated.AgreedPrice = c.ProposedPrice
	updated.Currency = cur
	updated.EscrowID = p.ID
	updated.UpdatedAt = p.CreatedAt

	if err := s.store.AcceptConversation(ctx, &updated, ConversationAwaitingPrice, p); err != nil {
		if errors.Is(err, errStale) {
			return nil, nil, fmt.Errorf("%w: conversation changed, reload and retry", ErrIllegalTransition)
		}
		return nil, nil, fmt.Errorf("failed to accept price: %w", err)
	}

	metrics.EscrowCreatedTotal.WithLabelValues("conversation").Inc()
	logging.L(ctx).Info("price accepted", "conversation_id", c.ID, "escrow_id", p.ID, "amount", p.Amount)
	s.notifier.Success(ctx, c.ClientID, "Proposta aceita", "O prestador aceitou o preço. Você já pode pagar.",
		map[string]any{"conversationId": c.ID, "escrowId": p.ID})
	return &updated, p, nil
}

// CreateOrderEscrow creates a pending escrow for an order purchase. Orders
// have no conversation to mirror.
func (s *Service) CreateOrderEscrow(ctx context.Context, actor Actor, req OrderRequest) (*Payment, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.PayeeID = strings.TrimSpace(req.PayeeID)
	if req.OrderID == "" || req.PayeeID == "" {
		return nil, invalid("orderId and payeeId are required")
	}
	if req.PayeeID == actor.ID {
		return nil, invalid("payer and payee must be different users")
	}
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	cur, err := s.currency(req.Currency)
	if err != nil {
		return nil, err
	}

	p := s.newPayment(actor.ID, req.PayeeID, req.Amount, cur)
	p.OrderID = req.OrderID
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}
	metrics.EscrowCreatedTotal.WithLabelValues("order").Inc()
	return p, nil
}

// PayNow returns the hosted checkout for a pending escrow, creating it on
// the first call. The external reference is written once.
func (s *Service) PayNow(ctx context.Context, actor Actor, escrowID, payerEmail string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.pay_now", traces.EscrowID(escrowID))
	p, err := s.payNow(ctx, actor, escrowID, payerEmail)
	traces.End(span, err)
	return p, err
}

func (s *Service) payNow(ctx context.Context, actor Actor, escrowID, payerEmail string) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actor.ID != p.PayerID {
		return nil, ErrForbidden
	}
	if p.Status != StatusPending {
		return nil, illegal(p, "pay")
	}
	if p.CheckoutURL != "" {
		return p, nil
	}

	metadata := map[string]string{"payer_id": p.PayerID, "payee_id": p.PayeeID}
	description := "Pagamento em garantia"
	if p.ConversationID != "" {
		metadata["conversation_id"] = p.ConversationID
	}
	if p.OrderID != "" {
		metadata["order_id"] = p.OrderID
		description = "Pedido " + p.OrderID
	}

	co, err := s.processor.CreateHeldCheckout(ctx, payments.CheckoutRequest{
		EscrowID:       p.ID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		PayerEmail:     payerEmail,
		Description:    description,
		Metadata:       metadata,
		IdempotencyKey: "checkout:" + p.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.SetCheckout(ctx, p.ID, co.ExternalRef, co.URL, s.now()); err != nil {
		if !errors.Is(err, errStale) {
			return nil, err
		}
		fresh, gerr := s.store.GetPayment(ctx, p.ID)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.CheckoutURL != "" && fresh.Status == StatusPending {
			return fresh, nil
		}
		return nil, illegal(fresh, "pay")
	}
	return s.store.GetPayment(ctx, p.ID)
}

// MarkAuthorized applies the processor's authorization: pending → held in
// one conditional update, deadline set, conversation paid in escrow.
// Re-delivery returns ErrDuplicateEvent with the current record.
func (s *Service) MarkAuthorized(ctx context.Context, escrowID, paymentRef string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(EdgeAuthorized), traces.EscrowID(escrowID))
	p, err := s.markAuthorized(ctx, escrowID, paymentRef)
	traces.End(span, err)
	return p, err
}

func (s *Service) markAuthorized(ctx context.Context, escrowID, paymentRef string) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusHeld, StatusReleased, StatusDisputed, StatusRefunded:
		s.record(EdgeAuthorized, "duplicate")
		return p, ErrDuplicateEvent
	case StatusFailed:
		s.voidLateAuthorization(ctx, p, paymentRef)
		s.record(EdgeAuthorized, "illegal")
		return p, illegal(p, "authorize")
	}

	now := s.now()
	deadline := now.Add(s.autoReleaseWindow)
	updated, err := s.store.Apply(ctx, &Transition{
		EscrowID:           p.ID,
		Edge:               EdgeAuthorized,
		From:               EdgeAuthorized.From(),
		To:                 StatusHeld,
		At:                 now,
		PaymentRef:         paymentRef,
		AutoReleaseAt:      &deadline,
		ConversationStatus: EdgeAuthorized.ConversationStatus(),
	})
	if errors.Is(err, errStale) {
		fresh, gerr := s.store.GetPayment(ctx, escrowID)
		if gerr != nil {
			return nil, gerr
		}
		s.record(EdgeAuthorized, "duplicate")
		return fresh, ErrDuplicateEvent
	}
	if err != nil {
		s.record(EdgeAuthorized, "error")
		return nil, err
	}

	s.record(EdgeAuthorized, "applied")
	logging.L(ctx).Info("escrow funds held", "escrow_id", p.ID, "auto_release_at", deadline)
	data := map[string]any{"escrowId": p.ID, "autoReleaseAt": deadline}
	s.notifier.Success(ctx, p.PayerID, "Pagamento confirmado", "Seu pagamento está guardado em garantia.", data)
	s.notifier.Success(ctx, p.PayeeID, "Pagamento em garantia", "O cliente pagou. Você já pode iniciar o serviço.", data)
	return updated, nil
}

// An authorization that lands after the escrow failed would leave the
// payer's card on hold; void it.
func (s *Service) voidLateAuthorization(ctx context.Context, p *Payment, paymentRef string) {
	if paymentRef == "" {
		return
	}
	err := s.processor.Refund(ctx, payments.RefundRequest{
		EscrowID:       p.ID,
		PaymentRef:     paymentRef,
		IdempotencyKey: "void:" + p.ID + ":" + paymentRef,
	})
	if err != nil {
		logging.L(ctx).Error("failed to void late authorization", "escrow_id", p.ID, "payment_ref", paymentRef, "error", err)
		return
	}
	logging.L(ctx).Warn("voided authorization for failed escrow", "escrow_id", p.ID, "payment_ref", paymentRef)
}

// MarkFailed applies a processor failure to an escrow that has not been
// authorized yet. Failures reported after funds are held are ignored.
func (s *Service) MarkFailed(ctx context.Context, escrowID, reason string) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(p.Status, EdgeFailed) {
		if p.Status != StatusFailed {
			logging.L(ctx).Info("ignoring failure event for escrow past authorization", "escrow_id", p.ID, "status", p.Status)
		}
		s.record(EdgeFailed, "duplicate")
		return p, ErrDuplicateEvent
	}
	if reason == "" {
		reason = "payment failed"
	}

	updated, err := s.store.Apply(ctx, &Transition{
		EscrowID:      p.ID,
		Edge:          EdgeFailed,
		From:          EdgeFailed.From(),
		To:            StatusFailed,
		At:            s.now(),
		FailureReason: reason,
	})
	if errors.Is(err, errStale) {
		fresh, gerr := s.store.GetPayment(ctx, escrowID)
		if gerr != nil {
			return nil, gerr
		}
		s.record(EdgeFailed, "duplicate")
		return fresh, ErrDuplicateEvent
	}
	if err != nil {
		s.record(EdgeFailed, "error")
		return nil, err
	}

	s.record(EdgeFailed, "applied")
	s.notifier.Error(ctx, p.PayerID, "Pagamento não aprovado", reason, map[string]any{"escrowId": p.ID})
	return updated, nil
}

// Status returns the escrow with its conversation and latest dispute.
func (s *Service) Status(ctx context.Context, actor Actor, escrowID string) (*StatusView, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !p.IsParty(actor.ID) {
		return nil, ErrForbidden
	}

	view := &StatusView{Payment: p}
	if p.ConversationID != "" {
		c, err := s.store.GetConversation(ctx, p.ConversationID)
		if err != nil && !errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		view.Conversation = c
	}
	disputes, err := s.store.ListDisputes(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(disputes) > 0 {
		view.Dispute = disputes[len(disputes)-1]
	}
	return view, nil
}

// Get returns an escrow by ID without authorization checks. Used by
// background jobs and the operator CLI.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// ListByParty returns a page of escrows where actor is payer or payee.
func (s *Service) ListByParty(ctx context.Context, actor Actor, cursor string, limit int) ([]*Payment, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", invalid("%v", err)
	}
	items, err := s.store.ListByParty(ctx, actor.ID, cur, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return page, next, nil
}

// ListLedger returns the ledger entries of an escrow visible to actor.
func (s *Service) ListLedger(ctx context.Context, actor Actor, escrowID string) ([]*LedgerEntry, error) {
	p, err := s.store.GetPayment(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !p.IsParty(actor.ID) {
		return nil, ErrForbidden
	}
	return s.store.ListLedger(ctx, escrowID)
}
