package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mbd888/contrata/internal/idgen"
)

// Operation names used for call counting and failure injection.
const (
	OpCheckout   = "checkout"
	OpCapture    = "capture_transfer"
	OpRefund     = "refund"
	OpPayeeReady = "payee_ready"
	OpAccount    = "create_account"
	OpLink       = "onboarding_link"
)

// SandboxSignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SandboxSignatureHeader = "X-Sandbox-Signature"

// SandboxTransfer records a completed capture+transfer.
type SandboxTransfer struct {
	ID        string
	EscrowID  string
	Account   string
	Amount    int64
	NetAmount int64
	Currency  string
}

// SandboxEvent is the JSON body of a sandbox webhook delivery.
type SandboxEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	EscrowID      string `json:"escrow_id,omitempty"`
	PaymentRef    string `json:"payment_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	AccountID     string `json:"account_id,omitempty"`
	AccountReady  bool   `json:"account_ready,omitempty"`
}

// Sandbox event types.
const (
	SandboxPaymentAuthorized = "payment.authorized"
	SandboxPaymentFailed     = "payment.failed"
	SandboxAccountUpdated    = "account.updated"
)

// Sandbox is an in-process processor for development and tests. It keeps
// every operation idempotent the way the real processor does and lets
// callers inject failures.
type Sandbox struct {
	secret  string
	baseURL string

	mu        sync.Mutex
	checkouts map[string]*Checkout // idempotency key -> checkout
	sessions  map[string]string    // checkout ref -> escrow id
	transfers map[string]SandboxTransfer
	byEscrow  map[string]string // escrow id -> transfer id
	refunded  map[string]bool   // payment ref -> refunded
	ready     map[string]bool
	readiness ReadinessSource
	calls     map[string]int
	failNext  map[string]error
}

// ReadinessSource answers whether an account the sandbox has no record of
// can receive transfers, e.g. one onboarded by an earlier process.
type ReadinessSource func(ctx context.Context, accountID string) (bool, error)

var _ Gateway = (*Sandbox)(nil)

// NewSandbox creates a sandbox processor signing webhooks with secret.
func NewSandbox(secret, baseURL string) *Sandbox {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Sandbox{
		secret:    secret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		checkouts: make(map[string]*Checkout),
		sessions:  make(map[string]string),
		transfers: make(map[string]SandboxTransfer),
		byEscrow:  make(map[string]string),
		refunded:  make(map[string]bool),
		ready:     make(map[string]bool),
		calls:     make(map[string]int),
		failNext:  make(map[string]error),
	}
}

// CheckoutEscrow returns the escrow a sandbox checkout session was opened for.
func (s *Sandbox) CheckoutEscrow(ref string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[ref]
	return id, ok
}

// WithReadiness sets where readiness of unknown accounts is looked up.
func (s *Sandbox) WithReadiness(src ReadinessSource) *Sandbox {
	s.mu.Lock()
	s.readiness = src
	s.mu.Unlock()
	return s
}

// accountReady prefers what this sandbox was told and falls back to the
// readiness source. It must be called without s.mu held.
func (s *Sandbox) accountReady(ctx context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	ready, known := s.ready[accountID]
	src := s.readiness
	s.mu.Unlock()
	if known || src == nil || accountID == "" {
		return ready, nil
	}
	return src(ctx, accountID)
}

// SetPayeeReady marks a connected account as transfer-capable or not.
func (s *Sandbox) SetPayeeReady(accountID string, ready bool) {
	s.mu.Lock()
	s.ready[accountID] = ready
	s.mu.Unlock()
}

// FailNext makes the next call to op return err.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	s.failNext[op] = err
	s.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Transfers returns all transfers made so far.
func (s *Sandbox) Transfers() []SandboxTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SandboxTransfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, t)
	}
	return out
}

// Refunded reports whether paymentRef was refunded.
func (s *Sandbox) Refunded(paymentRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunded[paymentRef]
}

// caller holds s.mu
func (s *Sandbox) enter(op string) error {
	s.calls[op]++
	if err, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return err
	}
	return nil
}

func (s *Sandbox) CreateHeldCheckout(_ context.Context, req CheckoutRequest) (*Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCheckout); err != nil {
		return nil, err
	}
	if req.Amount <= 0 || req.EscrowID == "" {
		return nil, fmt.Errorf("%w: amount and escrow id are required", ErrInvalidRequest)
	}
	key := req.IdempotencyKey
	if key == "" {
		key = req.EscrowID
	}
	if co, ok := s.checkouts[key]; ok {
		cp := *co
		return &cp, nil
	}
	ref := idgen.WithPrefix("cs_sandbox_")
	co := &Checkout{
		URL:         s.baseURL + "/sandbox/checkout/" + ref,
		ExternalRef: ref,
	}
	s.checkouts[key] = co
	s.sessions[ref] = req.EscrowID
	cp := *co
	return &cp, nil
}

func (s *Sandbox) CaptureAndTransfer(ctx context.Context, req TransferRequest) (string, error) {
	ready, err := s.accountReady(ctx, req.PayeeAccount)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCapture); err != nil {
		return "", err
	}
	if req.PaymentRef == "" || req.PayeeAccount == "" {
		return "", fmt.Errorf("%w: payment ref and payee account are required", ErrInvalidRequest)
	}
	if id, ok := s.byEscrow[req.EscrowID]; ok {
		return id, nil
	}
	if !ready {
		return "", ErrPayeeAccountNotReady
	}
	if s.refunded[req.PaymentRef] {
		return "", fmt.Errorf("%w: payment %s was refunded", ErrInvalidRequest, req.PaymentRef)
	}
	t := SandboxTransfer{
		ID:        idgen.WithPrefix("tr_sandbox_"),
		EscrowID:  req.EscrowID,
		Account:   req.PayeeAccount,
		Amount:    req.Amount,
		NetAmount: req.NetAmount,
		Currency:  req.Currency,
	}
	s.transfers[t.ID] = t
	s.byEscrow[req.EscrowID] = t.ID
	return t.ID, nil
}

func (s *Sandbox) Refund(_ context.Context, req RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRefund); err != nil {
		return err
	}
	if req.PaymentRef == "" {
		return fmt.Errorf("%w: payment ref is required", ErrInvalidRequest)
	}
	if _, ok := s.byEscrow[req.EscrowID]; ok {
		return fmt.Errorf("%w: escrow %s already transferred", ErrInvalidRequest, req.EscrowID)
	}
	s.refunded[req.PaymentRef] = true
	return nil
}

func (s *Sandbox) PayeeReady(ctx context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	err := s.enter(OpPayeeReady)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.accountReady(ctx, accountID)
}

func (s *Sandbox) CreateConnectedAccount(_ context.Context, email string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAccount); err != nil {
		return "", err
	}
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}
	id := idgen.WithPrefix("acct_sandbox_")
	s.ready[id] = false
	return id, nil
}

func (s *Sandbox) OnboardingLink(_ context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLink); err != nil {
		return "", err
	}
	return s.baseURL + "/sandbox/onboarding/" + accountID, nil
}

// SignatureHeader implements EventParser.
func (s *Sandbox) SignatureHeader() string { return SandboxSignatureHeader }

// Sign returns the signature the sandbox expects for payload.
func (s *Sandbox) Sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(s.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SignedEvent encodes evt and signs it, ready to be fed to an ingestor.
func (s *Sandbox) SignedEvent(evt SandboxEvent) ([]byte, string) {
	if evt.ID == "" {
		evt.ID = idgen.WithPrefix("evt_sandbox_")
	}
	payload, _ := json.Marshal(evt)
	return payload, s.Sign(payload)
}

// ParseEvent implements EventParser.
func (s *Sandbox) ParseEvent(payload []byte, signature string) (*Event, error) {
	want := s.Sign(payload)
	if signature == "" || !hmac.Equal([]byte(want), []byte(strings.ToLower(signature))) {
		return nil, ErrInvalidSignature
	}
	var raw SandboxEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: event id missing", ErrInvalidRequest)
	}

	evt := &Event{
		ID:            raw.ID,
		Type:          raw.Type,
		EscrowID:      raw.EscrowID,
		PaymentRef:    raw.PaymentRef,
		FailureReason: raw.FailureReason,
		AccountID:     raw.AccountID,
		AccountReady:  raw.AccountReady,
	}
	switch raw.Type {
	case SandboxPaymentAuthorized:
		evt.Kind = EventAuthorized
	case SandboxPaymentFailed:
		evt.Kind = EventFailed
	case SandboxAccountUpdated:
		evt.Kind = EventAccountUpdated
		// keep PayeeReady consistent with what the event announced
		s.SetPayeeReady(raw.AccountID, raw.AccountReady)
	default:
		evt.Kind = EventIgnored
	}
	return evt, nil
}
