// Package escrow coordinates held card payments between a client (payer)
// and a service provider (payee) and mirrors the payment lifecycle onto
// the conversation both parties see.
//
// Flow:
//  1. Provider accepts the client's price → escrow created (pending)
//  2. Client pays through a hosted checkout → processor authorizes → held
//  3. Client confirms, or the hold window lapses → capture + transfer → released
//  4. Either party disputes while held → disputed → admin resolves (release or refund)
//
// Every transition is a conditional update on the stored status. Edges
// that move money claim the record first, call the processor with no
// lock held, then finalize in one transaction.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/contrata/internal/idgen"
	"github.com/mbd888/contrata/internal/pagination"
	"github.com/mbd888/contrata/internal/payments"
)

var (
	ErrNotFound             = errors.New("escrow not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDisputeNotFound      = errors.New("dispute not found")
	ErrForbidden            = errors.New("caller is not allowed to perform this operation")
	ErrIllegalTransition    = errors.New("operation not allowed in the current state")
	ErrDuplicateEvent       = errors.New("event already applied")
	ErrClaimNeedsReview     = errors.New("claim needs manual review")

	// Re-exported from payments so callers match one taxonomy.
	ErrInvalidRequest       = payments.ErrInvalidRequest
	ErrProcessorUnavailable = payments.ErrProcessorUnavailable
	ErrPayeeAccountNotReady = payments.ErrPayeeAccountNotReady
)

// errStale is returned by stores when a conditional update matched no row.
var errStale = errors.New("escrow: record changed concurrently")

// Status is the lifecycle state of an escrow payment.
type Status string

const (
	StatusPending    Status = "pending"    // created, no funds yet
	StatusAuthorized Status = "authorized" // processor authorized; collapsed into held on write
	StatusHeld       Status = "held"       // funds authorized and held on the platform
	StatusReleased   Status = "released"   // captured and transferred to the payee
	StatusFailed     Status = "failed"     // authorization failed or checkout expired
	StatusDisputed   Status = "disputed"   // held funds frozen pending admin decision
	StatusRefunded   Status = "refunded"   // funds returned to the payer
)

// DefaultAutoReleaseWindow is how long funds stay held before auto-release.
const DefaultAutoReleaseWindow = 7 * 24 * time.Hour

// Payment is an escrow record. Amounts are integer minor units.
type Payment struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId,omitempty"`
	OrderID        string     `json:"orderId,omitempty"`
	PayerID        string     `json:"payerId"`
	PayeeID        string     `json:"payeeId"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	PlatformFee    int64      `json:"platformFee"`
	Status         Status     `json:"status"`
	ExternalRef    string     `json:"externalRef,omitempty"`
	PaymentRef     string     `json:"paymentRef,omitempty"`
	CheckoutURL    string     `json:"checkoutUrl,omitempty"`
	TransferID     string     `json:"transferId,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	AutoReleaseAt  *time.Time `json:"autoReleaseAt,omitempty"`
	PendingEdge    Edge       `json:"pendingEdge,omitempty"`
	ClaimID        string     `json:"-"`
	ClaimedBy      string     `json:"-"`
	ClaimedAt      *time.Time `json:"claimedAt,omitempty"`
	ClaimReview    string     `json:"claimReview,omitempty"` // set while a claim waits for an operator
	AuthorizedAt   *time.Time `json:"authorizedAt,omitempty"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
	RefundedAt     *time.Time `json:"refundedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// NetAmount is what the payee receives after the platform fee.
func (p *Payment) NetAmount() int64 {
	return p.Amount - p.PlatformFee
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case StatusReleased, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// InFlight reports whether a fund-moving edge is claimed.
func (p *Payment) InFlight() bool {
	return p.PendingEdge != ""
}

// IsParty reports whether userID is the payer or the payee.
func (p *Payment) IsParty(userID string) bool {
	return userID != "" && (userID == p.PayerID || userID == p.PayeeID)
}

// ConversationStatus is the status shown on the client/provider conversation.
type ConversationStatus string

const (
	ConversationAwaitingPrice ConversationStatus = "aguardando_preco"
	ConversationAccepted      ConversationStatus = "aceito"
	ConversationPaidInEscrow  ConversationStatus = "pago_em_escrow"
	ConversationCompleted     ConversationStatus = "concluido"
	ConversationDisputed      ConversationStatus = "disputado"
)

// Conversation is a negotiation thread between a client and a provider.
type Conversation struct {
	ID            string             `json:"id"`
	ClientID      string             `json:"clientId"`
	ProviderID    string             `json:"providerId"`
	Status        ConversationStatus `json:"status"`
	ProposedPrice int64              `json:"proposedPrice,omitempty"`
	AgreedPrice   int64              `json:"agreedPrice,omitempty"`
	Currency      string             `json:"currency,omitempty"`
	EscrowID      string             `json:"escrowId,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// IsParty reports whether userID is the client or the provider.
func (c *Conversation) IsParty(userID string) bool {
	return userID != "" && (userID == c.ClientID || userID == c.ProviderID)
}

// LedgerType classifies ledger entries.
type LedgerType string

const (
	LedgerCapture LedgerType = "capture"
	LedgerRelease LedgerType = "release"
	LedgerRefund  LedgerType = "refund"
	LedgerDispute LedgerType = "dispute"
)

// LedgerEntry is an append-only record of a money-relevant event.
type LedgerEntry struct {
	ID          string     `json:"id"`
	EscrowID    string     `json:"escrowId"`
	Type        LedgerType `json:"type"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Outcome is an admin's decision on a dispute.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Dispute records a party's complaint about a held payment.
type Dispute struct {
	ID             string     `json:"id"`
	EscrowID       string     `json:"escrowId"`
	RaisedBy       string     `json:"raisedBy"`
	Reason         string     `json:"reason"`
	Resolution     Outcome    `json:"resolution,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// IsOpen reports whether the dispute awaits a decision.
func (d *Dispute) IsOpen() bool {
	return d.ResolvedAt == nil
}

// Actor is the authenticated caller of a coordinator operation.
type Actor struct {
	ID    string
	Admin bool
}

// System actors recorded as claimant for background edges.
const (
	ActorScheduler  = "system:auto-release"
	ActorReconciler = "system:reconciler"
)

// Claim reserves a fund-moving edge for one caller.
type Claim struct {
	EscrowID string
	From     Status
	Edge     Edge
	ClaimID  string
	By       string
	At       time.Time
}

// Transition is one conditional status change plus everything that must
// commit with it.
type Transition struct {
	EscrowID string
	Edge     Edge
	From     []Status
	To       Status
	At       time.Time

	// ClaimID, when set, requires the record to hold this claim and clears it.
	ClaimID string

	PaymentRef    string     // set once
	AutoReleaseAt *time.Time // stored only when To is held
	TransferID    string
	FailureReason string

	ConversationStatus ConversationStatus // empty leaves the conversation alone
	Ledger             *LedgerEntry
	Capture            *LedgerEntry // written before Ledger on a release
	OpenDispute        *Dispute
	CloseDispute       *DisputeResolution
}

// DisputeResolution closes the open dispute of an escrow.
type DisputeResolution struct {
	Outcome    Outcome
	Note       string
	ResolvedBy string
}

// DueKey is the (auto_release_at, id) position of the last escrow on a
// page of the due list.
type DueKey struct {
	At time.Time
	ID string
}

// Store persists escrow payments, conversations, disputes and ledger entries.
// Conditional writes return errStale when their guard matched nothing.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, c *Conversation, expect ConversationStatus) error
	// AcceptConversation moves the conversation from expect to accepted and
	// inserts the escrow in one transaction.
	AcceptConversation(ctx context.Context, c *Conversation, expect ConversationStatus, p *Payment) error

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Payment, error)
	// ListDueForRelease pages through releasable escrows in (auto_release_at, id)
	// order, starting strictly after the given key when it is non-nil.
	ListDueForRelease(ctx context.Context, now time.Time, after *DueKey, limit int) ([]*Payment, error)
	// ListStaleClaims skips claims parked for review.
	ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*Payment, error)
	CountClaimsInReview(ctx context.Context) (int, error)
	CountOverdueHeld(ctx context.Context, dueBefore time.Time) (int, error)
	CountStalePending(ctx context.Context, createdBefore time.Time) (int, error)

	// SetCheckout stores the checkout reference once, while pending.
	SetCheckout(ctx context.Context, id, externalRef, checkoutURL string, at time.Time) error
	Claim(ctx context.Context, c Claim) (*Payment, error)
	ReleaseClaim(ctx context.Context, id, claimID string, at time.Time) error
	// FlagClaim keeps the claim but parks it for an operator.
	FlagClaim(ctx context.Context, id, claimID, reason string, at time.Time) error
	Apply(ctx context.Context, t *Transition) (*Payment, error)

	GetOpenDispute(ctx context.Context, escrowID string) (*Dispute, error)
	ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error)
	ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error)
	ListLedger(ctx context.Context, escrowID string) ([]*LedgerEntry, error)
}

// PayeeDirectory resolves a payee to its connected processor account.
type PayeeDirectory interface {
	ConnectedAccount(ctx context.Context, payeeID string) (string, error)
}

// Notifier shows outcomes to users. Delivery is best-effort.
type Notifier interface {
	Success(ctx context.Context, userID, title, body string, data map[string]any)
	Error(ctx context.Context, userID, title, body string, data map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) Success(context.Context, string, string, string, map[string]any) {}
func (nopNotifier) Error(context.Context, string, string, string, map[string]any)   {}

// Service implements the escrow lifecycle.
type Service struct {
	store             Store
	processor         payments.Processor
	payees            PayeeDirectory
	notifier          Notifier
	logger            *slog.Logger
	now               func() time.Time
	autoReleaseWindow time.Duration
	feeBPS            int64
	defaultCurrency   string
}

// NewService creates a new escrow service.
func NewService(store Store, processor payments.Processor, payees PayeeDirectory) *Service {
	return &Service{
		store:             store,
		processor:         processor,
		payees:            payees,
		notifier:          nopNotifier{},
		logger:            slog.Default(),
		now:               func() time.Time { return time.Now().UTC() },
		autoReleaseWindow: DefaultAutoReleaseWindow,
		feeBPS:            1000,
		defaultCurrency:   "BRL",
	}
}

// WithNotifier sets the user notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithAutoReleaseWindow sets how long funds stay held before auto-release.
func (s *Service) WithAutoReleaseWindow(d time.Duration) *Service {
	if d > 0 {
		s.autoReleaseWindow = d
	}
	return s
}

// WithPlatformFee sets the platform fee in basis points.
func (s *Service) WithPlatformFee(bps int64) *Service {
	s.feeBPS = bps
	return s
}

// WithDefaultCurrency sets the currency used when a request omits one.
func (s *Service) WithDefaultCurrency(c string) *Service {
	if c != "" {
		s.defaultCurrency = c
	}
	return s
}

// Store exposes the underlying store for background jobs.
func (s *Service) Store() Store {
	return s.store
}

func newEscrowID() string { return idgen.WithPrefix("esc_") }
func newConvID() string { return idgen.WithPrefix("conv_") }
func newDisputeID() string { return idgen.WithPrefix("dsp_") }
func newLedgerID() string { return idgen.WithPrefix("led_") }
func newClaimID() string { return idgen.WithPrefix("clm_") }
