// Package stripe implements payments.Gateway on Stripe Checkout and Connect.
//
// Funds are authorized at checkout with capture_method=manual and held on
// the platform. Release captures the PaymentIntent and transfers the net
// amount to the payee's connected account, linked to the charge through
// source_transaction and grouped by escrow id. Refund voids the
// authorization when still uncaptured, otherwise refunds the charge.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/contrata/internal/payments"
)

// Stripe error codes the adapter reacts to.
const (
	codeChargeAlreadyRefunded = "charge_already_refunded"
	codeUnexpectedState       = "payment_intent_unexpected_state"
	codeInsufficientCaps      = "insufficient_capabilities_for_transfer"
	codeAccountInvalid        = "account_invalid"
)

// SignatureHeader is the header Stripe signs webhook deliveries with.
const SignatureHeader = "Stripe-Signature"

// Config holds the Stripe credentials and redirect URLs.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	RefreshURL    string // Connect onboarding: link expired or reused
	ReturnURL     string // Connect onboarding: flow finished
	Country       string // connected account country, default BR
	HTTPTimeout   time.Duration
}

// Gateway talks to Stripe.
type Gateway struct {
	api *client.API
	cfg Config
}

var _ payments.Gateway = (*Gateway)(nil)

// New creates a Stripe gateway with its own HTTP client.
func New(cfg Config) *Gateway {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	return NewWithBackends(cfg, stripego.NewBackends(httpClient))
}

// NewWithBackends creates a gateway on explicit backends (tests point them
// at a local server).
func NewWithBackends(cfg Config, backends *stripego.Backends) *Gateway {
	if cfg.Country == "" {
		cfg.Country = "BR"
	}
	return &Gateway{api: client.New(cfg.SecretKey, backends), cfg: cfg}
}

func (g *Gateway) CreateHeldCheckout(ctx context.Context, req payments.CheckoutRequest) (*payments.Checkout, error) {
	if req.Amount <= 0 || req.EscrowID == "" {
		return nil, fmt.Errorf("%w: amount and escrow id are required", payments.ErrInvalidRequest)
	}

	metadata := map[string]string{"escrow_id": req.EscrowID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	name := req.Description
	if name == "" {
		name = "Servico contratado"
	}

	params := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(stripego.CheckoutSessionModePayment)),
		SuccessURL:        stripego.String(g.cfg.SuccessURL),
		CancelURL:         stripego.String(g.cfg.CancelURL),
		ClientReferenceID: stripego.String(req.EscrowID),
		LineItems: []*stripego.CheckoutSessionLineItemParams{{
			PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripego.String(strings.ToLower(req.Currency)),
				UnitAmount: stripego.Int64(req.Amount),
				ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripego.String(name),
				},
			},
			Quantity: stripego.Int64(1),
		}},
		PaymentIntentData: &stripego.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripego.String("manual"),
			TransferGroup: stripego.String(req.EscrowID),
			Metadata:      metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if req.PayerEmail != "" {
		params.CustomerEmail = stripego.String(req.PayerEmail)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, translate(err)
	}
	return &payments.Checkout{URL: sess.URL, ExternalRef: sess.ID}, nil
}

func (g *Gateway) CaptureAndTransfer(ctx context.Context, req payments.TransferRequest) (string, error) {
	if req.PaymentRef == "" || req.PayeeAccount == "" || req.NetAmount <= 0 {
		return "", fmt.Errorf("%w: payment ref, payee account and net amount are required", payments.ErrInvalidRequest)
	}

	// A transfer already made for this escrow under an earlier claim wins.
	if id, err := g.existingTransfer(ctx, req.EscrowID); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	pi, err := g.getPaymentIntent(ctx, req.PaymentRef)
	if err != nil {
		return "", err
	}
	switch pi.Status {
	case stripego.PaymentIntentStatusRequiresCapture:
		params := &stripego.PaymentIntentCaptureParams{}
		params.Context = ctx
		params.SetIdempotencyKey("capture:" + req.IdempotencyKey)
		pi, err = g.api.PaymentIntents.Capture(req.PaymentRef, params)
		if err != nil {
			return "", translate(err)
		}
	case stripego.PaymentIntentStatusSucceeded:
		// captured by an earlier attempt
	default:
		return "", fmt.Errorf("%w: payment %s is %s, cannot capture", payments.ErrInvalidRequest, pi.ID, pi.Status)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.ID == "" {
		return "", fmt.Errorf("%w: payment %s has no charge", payments.ErrProcessorUnavailable, pi.ID)
	}

	tparams := &stripego.TransferParams{
		Amount:            stripego.Int64(req.NetAmount),
		Currency:          stripego.String(strings.ToLower(req.Currency)),
		Destination:       stripego.String(req.PayeeAccount),
		SourceTransaction: stripego.String(pi.LatestCharge.ID),
		TransferGroup:     stripego.String(req.EscrowID),
	}
	tparams.Context = ctx
	tparams.SetIdempotencyKey("transfer:" + req.IdempotencyKey)
	tparams.AddMetadata("escrow_id", req.EscrowID)

	tr, err := g.api.Transfers.New(tparams)
	if err != nil {
		return "", translate(err)
	}
	return tr.ID, nil
}

func (g *Gateway) existingTransfer(ctx context.Context, escrowID string) (string, error) {
	params := &stripego.TransferListParams{TransferGroup: stripego.String(escrowID)}
	params.Context = ctx
	params.Limit = stripego.Int64(1)
	it := g.api.Transfers.List(params)
	for it.Next() {
		if t := it.Transfer(); t != nil && !t.Reversed {
			return t.ID, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", translate(err)
	}
	return "", nil
}

func (g *Gateway) Refund(ctx context.Context, req payments.RefundRequest) error {
	if req.PaymentRef == "" {
		return fmt.Errorf("%w: payment ref is required", payments.ErrInvalidRequest)
	}
	pi, err := g.getPaymentIntent(ctx, req.PaymentRef)
	if err != nil {
		return err
	}

	switch pi.Status {
	case stripego.PaymentIntentStatusCanceled:
		return nil
	case stripego.PaymentIntentStatusSucceeded:
		params := &stripego.RefundParams{PaymentIntent: stripego.String(pi.ID)}
		params.Context = ctx
		params.SetIdempotencyKey("refund:" + req.IdempotencyKey)
		params.AddMetadata("escrow_id", req.EscrowID)
		if _, err := g.api.Refunds.New(params); err != nil {
			if hasCode(err, codeChargeAlreadyRefunded) {
				return nil
			}
			return translate(err)
		}
		return nil
	default:
		// not captured: void the authorization
		params := &stripego.PaymentIntentCancelParams{
			CancellationReason: stripego.String("requested_by_customer"),
		}
		params.Context = ctx
		params.SetIdempotencyKey("cancel:" + req.IdempotencyKey)
		if _, err := g.api.PaymentIntents.Cancel(pi.ID, params); err != nil {
			if hasCode(err, codeUnexpectedState) {
				// raced with a capture or a cancel; let the caller retry
				return fmt.Errorf("%w: %v", payments.ErrProcessorUnavailable, err)
			}
			return translate(err)
		}
		return nil
	}
}

func (g *Gateway) PayeeReady(ctx context.Context, accountID string) (bool, error) {
	if accountID == "" {
		return false, nil
	}
	params := &stripego.AccountParams{}
	params.Context = ctx
	acct, err := g.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return false, translate(err)
	}
	return transfersActive(acct), nil
}

func (g *Gateway) CreateConnectedAccount(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("%w: email is required", payments.ErrInvalidRequest)
	}
	params := &stripego.AccountParams{
		Type:    stripego.String(string(stripego.AccountTypeExpress)),
		Country: stripego.String(g.cfg.Country),
		Email:   stripego.String(email),
		Capabilities: &stripego.AccountCapabilitiesParams{
			Transfers: &stripego.AccountCapabilitiesTransfersParams{Requested: stripego.Bool(true)},
		},
	}
	params.Context = ctx
	acct, err := g.api.Accounts.New(params)
	if err != nil {
		return "", translate(err)
	}
	return acct.ID, nil
}

func (g *Gateway) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	params := &stripego.AccountLinkParams{
		Account:    stripego.String(accountID),
		RefreshURL: stripego.String(g.cfg.RefreshURL),
		ReturnURL:  stripego.String(g.cfg.ReturnURL),
		Type:       stripego.String("account_onboarding"),
	}
	params.Context = ctx
	link, err := g.api.AccountLinks.New(params)
	if err != nil {
		return "", translate(err)
	}
	return link.URL, nil
}

func (g *Gateway) getPaymentIntent(ctx context.Context, id string) (*stripego.PaymentIntent, error) {
	params := &stripego.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, translate(err)
	}
	return pi, nil
}

func transfersActive(acct *stripego.Account) bool {
	return acct != nil && acct.Capabilities != nil &&
		acct.Capabilities.Transfers == stripego.AccountCapabilityStatusActive
}

func hasCode(err error, code string) bool {
	var se *stripego.Error
	return errors.As(err, &se) && string(se.Code) == code
}

// translate maps Stripe errors onto the payments taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *stripego.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", payments.ErrProcessorUnavailable, err)
	}

	code := string(se.Code)
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 || se.Type == stripego.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", payments.ErrProcessorUnavailable, se.Msg)
	case code == codeInsufficientCaps || code == codeAccountInvalid:
		return fmt.Errorf("%w: %s", payments.ErrPayeeAccountNotReady, se.Msg)
	default:
		return fmt.Errorf("%w: %s", payments.ErrInvalidRequest, se.Msg)
	}
}
