package stripe

import (
	"encoding/json"
	"fmt"

	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/contrata/internal/payments"
)

// Event types consumed by the ingestor.
const (
	eventCheckoutCompleted  = "checkout.session.completed"
	eventCheckoutExpired    = "checkout.session.expired"
	eventAmountCapturable   = "payment_intent.amount_capturable_updated"
	eventPaymentFailed      = "payment_intent.payment_failed"
	eventAccountUpdated     = "account.updated"
	checkoutExpiredReason   = "checkout session expired"
	defaultFailureReasonMsg = "payment failed"
)

func (g *Gateway) SignatureHeader() string { return SignatureHeader }

// ParseEvent verifies the Stripe-Signature header and normalizes the event.
// A signed body that does not decode is ErrInvalidRequest. API version
// mismatches are tolerated; only the fields below are read.
func (g *Gateway) ParseEvent(payload []byte, signature string) (*payments.Event, error) {
	if err := webhook.ValidatePayload(payload, signature, g.cfg.WebhookSecret); err != nil {
		return nil, fmt.Errorf("%w: %v", payments.ErrInvalidSignature, err)
	}
	var evt stripego.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", payments.ErrInvalidRequest, err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: event id missing", payments.ErrInvalidRequest)
	}
	return normalizeEvent(evt)
}

func normalizeEvent(evt stripego.Event) (*payments.Event, error) {
	out := &payments.Event{ID: evt.ID, Type: string(evt.Type), Kind: payments.EventIgnored}
	if evt.Data == nil {
		return out, nil
	}

	switch string(evt.Type) {
	case eventCheckoutCompleted, eventCheckoutExpired:
		var sess stripego.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", payments.ErrInvalidRequest, err)
		}
		out.EscrowID = sess.Metadata["escrow_id"]
		if out.EscrowID == "" {
			out.EscrowID = sess.ClientReferenceID
		}
		if string(evt.Type) == eventCheckoutExpired {
			out.Kind = payments.EventFailed
			out.FailureReason = checkoutExpiredReason
			return out, nil
		}
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			out.Kind = payments.EventAuthorized
			out.PaymentRef = sess.PaymentIntent.ID
		}

	case eventAmountCapturable, eventPaymentFailed:
		var pi stripego.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: decode payment intent: %v", payments.ErrInvalidRequest, err)
		}
		out.EscrowID = pi.Metadata["escrow_id"]
		out.PaymentRef = pi.ID
		if string(evt.Type) == eventAmountCapturable {
			if pi.Status == stripego.PaymentIntentStatusRequiresCapture {
				out.Kind = payments.EventAuthorized
			}
			return out, nil
		}
		out.Kind = payments.EventFailed
		out.FailureReason = defaultFailureReasonMsg
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			out.FailureReason = pi.LastPaymentError.Msg
		}

	case eventAccountUpdated:
		var acct stripego.Account
		if err := json.Unmarshal(evt.Data.Raw, &acct); err != nil {
			return nil, fmt.Errorf("%w: decode account: %v", payments.ErrInvalidRequest, err)
		}
		out.Kind = payments.EventAccountUpdated
		out.AccountID = acct.ID
		out.AccountReady = transfersActive(&acct)
	}
	return out, nil
}
