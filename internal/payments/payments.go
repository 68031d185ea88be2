// Package payments is the boundary to the card processor. Everything that
// moves money goes through a Processor; callers never see processor SDK
// types or error shapes, only the sentinel errors below.
package payments

import (
	"context"
	"errors"
)

// Error taxonomy shared by every Processor implementation.
var (
	ErrInvalidRequest       = errors.New("payments: invalid request")
	ErrProcessorUnavailable = errors.New("payments: processor unavailable")
	ErrPayeeAccountNotReady = errors.New("payments: payee account not ready for transfers")
	ErrInvalidSignature     = errors.New("payments: invalid webhook signature")
)

// CheckoutRequest describes a hosted checkout whose authorization is held
// (not captured) until release.
type CheckoutRequest struct {
	EscrowID       string
	Amount         int64 // minor units
	Currency       string
	PayerEmail     string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Checkout is the processor's answer to CreateHeldCheckout.
type Checkout struct {
	URL         string
	ExternalRef string // processor checkout reference
}

// TransferRequest captures the held authorization and pays the payee.
type TransferRequest struct {
	EscrowID       string
	PaymentRef     string // authorized payment (PaymentIntent) reference
	PayeeAccount   string // connected account id
	Amount         int64  // gross captured amount
	NetAmount      int64  // amount transferred to the payee after platform fee
	Currency       string
	IdempotencyKey string
}

// RefundRequest returns held or captured funds to the payer.
type RefundRequest struct {
	EscrowID       string
	PaymentRef     string
	IdempotencyKey string
}

// EventKind classifies inbound processor events.
type EventKind string

const (
	EventAuthorized     EventKind = "authorized"
	EventFailed         EventKind = "failed"
	EventAccountUpdated EventKind = "account_updated"
	EventIgnored        EventKind = "ignored"
)

// Event is a verified, normalized processor webhook event.
type Event struct {
	ID            string // processor event id, unique per delivery subject
	Type          string // raw processor event type
	Kind          EventKind
	EscrowID      string
	PaymentRef    string
	FailureReason string
	AccountID     string
	AccountReady  bool
}

// Processor moves money for escrows.
type Processor interface {
	// CreateHeldCheckout creates a hosted checkout with manual capture.
	CreateHeldCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	// CaptureAndTransfer captures the authorization and transfers the net
	// amount to the payee. It returns the transfer id.
	CaptureAndTransfer(ctx context.Context, req TransferRequest) (string, error)
	// Refund voids an uncaptured authorization or refunds a captured one.
	// Refunding an already-refunded payment is a success.
	Refund(ctx context.Context, req RefundRequest) error
	// PayeeReady reports whether a connected account can receive transfers.
	PayeeReady(ctx context.Context, accountID string) (bool, error)
}

// Onboarder creates connected accounts for payees.
type Onboarder interface {
	CreateConnectedAccount(ctx context.Context, email string) (string, error)
	OnboardingLink(ctx context.Context, accountID string) (string, error)
}

// EventParser verifies and decodes webhook payloads.
type EventParser interface {
	// SignatureHeader names the HTTP header carrying the signature.
	SignatureHeader() string
	ParseEvent(payload []byte, signature string) (*Event, error)
}

// Gateway is everything a full processor integration provides.
type Gateway interface {
	Processor
	Onboarder
	EventParser
}

// Retryable reports whether err is worth retrying later by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrProcessorUnavailable) || errors.Is(err, ErrPayeeAccountNotReady)
}

// PlatformFee returns the platform's share of amount for feeBPS basis
// points, rounded down.
func PlatformFee(amount, feeBPS int64) int64 {
	if feeBPS <= 0 || amount <= 0 {
		return 0
	}
	return amount * feeBPS / 10000
}
