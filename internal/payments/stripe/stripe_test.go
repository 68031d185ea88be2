package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/contrata/internal/payments"
)

const testWebhookSecret = "whsec_test_secret"

// fakeStripe serves canned JSON per "METHOD path" and records form bodies.
type fakeStripe struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	forms     map[string]map[string]string
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeStripe(t *testing.T) (*fakeStripe, *Gateway) {
	t.Helper()
	f := &fakeStripe{responses: map[string]fakeResponse{}, forms: map[string]map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	backend := stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
		URL:               stripego.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelNull},
	})
	gw := NewWithBackends(Config{SecretKey: "sk_test_123", WebhookSecret: testWebhookSecret},
		&stripego.Backends{API: backend, Connect: backend, Uploads: backend})
	return f, gw
}

func (f *fakeStripe) on(method, path string, status int, body string) {
	f.mu.Lock()
	f.responses[method+" "+path] = fakeResponse{status: status, body: body}
	f.mu.Unlock()
}

func (f *fakeStripe) form(method, path string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[method+" "+path]
}

func (f *fakeStripe) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	vals := map[string]string{}
	for k := range r.PostForm {
		vals[k] = r.PostForm.Get(k)
	}
	f.forms[key] = vals
	resp, ok := f.responses[key]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"no such route"}}`))
		return
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func TestPayeeReady(t *testing.T) {
	f, gw := newFakeStripe(t)
	f.on("GET", "/v1/accounts/acct_ready", 200, `{"id":"acct_ready","object":"account","capabilities":{"transfers":"active"}}`)
	f.on("GET", "/v1/accounts/acct_pending", 200, `{"id":"acct_pending","object":"account","capabilities":{"transfers":"pending"}}`)

	ready, err := gw.PayeeReady(context.Background(), "acct_ready")
	require.NoError(t, err)
	assert.True(t, ready)

	ready, err = gw.PayeeReady(context.Background(), "acct_pending")
	require.NoError(t, err)
	assert.False(t, ready)

	ready, err = gw.PayeeReady(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	f, gw := newFakeStripe(t)
	f.on("GET", "/v1/accounts/acct_1", 503, `{"error":{"type":"api_error","message":"try later"}}`)

	_, err := gw.PayeeReady(context.Background(), "acct_1")
	assert.ErrorIs(t, err, payments.ErrProcessorUnavailable)
}

func TestCaptureAndTransfer(t *testing.T) {
	f, gw := newFakeStripe(t)
	f.on("GET", "/v1/transfers", 200, `{"object":"list","data":[],"has_more":false,"url":"/v1/transfers"}`)
	f.on("GET", "/v1/payment_intents/pi_1", 200, `{"id":"pi_1","object":"payment_intent","status":"requires_capture"}`)
	f.on("POST", "/v1/payment_intents/pi_1/capture", 200, `{"id":"pi_1","object":"payment_intent","status":"succeeded","latest_charge":"ch_1"}`)
	f.on("POST", "/v1/transfers", 200, `{"id":"tr_1","object":"transfer","amount":9000}`)

	id, err := gw.CaptureAndTransfer(context.Background(), payments.TransferRequest{
		EscrowID:       "esc_1",
		PaymentRef:     "pi_1",
		PayeeAccount:   "acct_1",
		Amount:         10000,
		NetAmount:      9000,
		Currency:       "BRL",
		IdempotencyKey: "esc_1:claim_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", id)

	form := f.form("POST", "/v1/transfers")
	assert.Equal(t, "9000", form["amount"])
	assert.Equal(t, "brl", form["currency"])
	assert.Equal(t, "acct_1", form["destination"])
	assert.Equal(t, "ch_1", form["source_transaction"])
	assert.Equal(t, "esc_1", form["transfer_group"])
}

func TestCaptureAndTransfer_ExistingTransferShortCircuits(t *testing.T) {
	f, gw := newFakeStripe(t)
	f.on("GET", "/v1/transfers", 200, `{"object":"list","data":[{"id":"tr_old","object":"transfer","reversed":false}],"has_more":false,"url":"/v1/transfers"}`)

	id, err := gw.CaptureAndTransfer(context.Background(), payments.TransferRequest{
		EscrowID: "esc_1", PaymentRef: "pi_1", PayeeAccount: "acct_1", Amount: 10000, NetAmount: 9000, Currency: "BRL",
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_old", id)
	assert.Nil(t, f.form("POST", "/v1/payment_intents/pi_1/capture"), "must not capture again")
}

func TestCaptureAndTransfer_PayeeNotReady(t *testing.T) {
	f, gw := newFakeStripe(t)
	f.on("GET", "/v1/transfers", 200, `{"object":"list","data":[],"has_more":false,"url":"/v1/transfers"}`)
	f.on("GET", "/v1/payment_intents/pi_1", 200, `{"id":"pi_1","object":"payment_intent","status":"succeeded","latest_charge":"ch_1"}`)
	f.on("POST", "/v1/transfers", 400, `{"error":{"type":"invalid_request_error","code":"insufficient_capabilities_for_transfer","message":"no transfers capability"}}`)

	_, err := gw.CaptureAndTransfer(context.Background(), payments.TransferRequest{
		EscrowID: "esc_1", PaymentRef: "pi_1", PayeeAccount: "acct_1", Amount: 10000, NetAmount: 9000, Currency: "BRL",
	})
	assert.ErrorIs(t, err, payments.ErrPayeeAccountNotReady)
}

func TestRefund_VoidsUncapturedAuthorization(t *testing.T) {
	f, gw := newFakeStripe(t)
	f.on("GET", "/v1/payment_intents/pi_1", 200, `{"id":"pi_1","object":"payment_intent","status":"requires_capture"}`)
	f.on("POST", "/v1/payment_intents/pi_1/cancel", 200, `{"id":"pi_1","object":"payment_intent","status":"canceled"}`)

	require.NoError(t, gw.Refund(context.Background(), payments.RefundRequest{EscrowID: "esc_1", PaymentRef: "pi_1"}))
	assert.NotNil(t, f.form("POST", "/v1/payment_intents/pi_1/cancel"))
}

func TestRefund_AlreadyRefundedIsSuccess(t *testing.T) {
	f, gw := newFakeStripe(t)
	f.on("GET", "/v1/payment_intents/pi_1", 200, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)
	f.on("POST", "/v1/refunds", 400, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"already refunded"}}`)

	assert.NoError(t, gw.Refund(context.Background(), payments.RefundRequest{EscrowID: "esc_1", PaymentRef: "pi_1"}))
}

func TestRefund_CanceledIsNoop(t *testing.T) {
	f, gw := newFakeStripe(t)
	f.on("GET", "/v1/payment_intents/pi_1", 200, `{"id":"pi_1","object":"payment_intent","status":"canceled"}`)

	assert.NoError(t, gw.Refund(context.Background(), payments.RefundRequest{EscrowID: "esc_1", PaymentRef: "pi_1"}))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"network", errors.New("dial tcp: refused"), payments.ErrProcessorUnavailable},
		{"rate limited", &stripego.Error{HTTPStatusCode: 429, Type: stripego.ErrorTypeInvalidRequest}, payments.ErrProcessorUnavailable},
		{"api error", &stripego.Error{HTTPStatusCode: 500, Type: stripego.ErrorTypeAPI}, payments.ErrProcessorUnavailable},
		{"card declined", &stripego.Error{HTTPStatusCode: 402, Type: stripego.ErrorTypeCard}, payments.ErrInvalidRequest},
		{"missing capability", &stripego.Error{HTTPStatusCode: 400, Code: codeInsufficientCaps}, payments.ErrPayeeAccountNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translate(tt.err), tt.want)
		})
	}
}

func signed(t *testing.T, body map[string]any) ([]byte, string) {
	t.Helper()
	body["api_version"] = stripego.APIVersion
	body["object"] = "event"
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func TestParseEvent_CheckoutCompleted(t *testing.T) {
	_, gw := newFakeStripe(t)
	payload, header := signed(t, map[string]any{
		"id":   "evt_1",
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_1",
			"object":         "checkout.session",
			"metadata":       map[string]string{"escrow_id": "esc_1"},
			"payment_intent": "pi_1",
		}},
	})

	evt, err := gw.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, payments.EventAuthorized, evt.Kind)
	assert.Equal(t, "esc_1", evt.EscrowID)
	assert.Equal(t, "pi_1", evt.PaymentRef)
}

func TestParseEvent_PaymentFailed(t *testing.T) {
	_, gw := newFakeStripe(t)
	payload, header := signed(t, map[string]any{
		"id":   "evt_2",
		"type": "payment_intent.payment_failed",
		"data": map[string]any{"object": map[string]any{
			"id":                 "pi_1",
			"object":             "payment_intent",
			"status":             "requires_payment_method",
			"metadata":           map[string]string{"escrow_id": "esc_1"},
			"last_payment_error": map[string]any{"message": "Your card was declined."},
		}},
	})

	evt, err := gw.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, payments.EventFailed, evt.Kind)
	assert.Equal(t, "Your card was declined.", evt.FailureReason)
}

func TestParseEvent_AccountUpdated(t *testing.T) {
	_, gw := newFakeStripe(t)
	payload, header := signed(t, map[string]any{
		"id":   "evt_3",
		"type": "account.updated",
		"data": map[string]any{"object": map[string]any{
			"id":           "acct_1",
			"object":       "account",
			"capabilities": map[string]string{"transfers": "active"},
		}},
	})

	evt, err := gw.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, payments.EventAccountUpdated, evt.Kind)
	assert.Equal(t, "acct_1", evt.AccountID)
	assert.True(t, evt.AccountReady)
}

func TestParseEvent_UnhandledTypeIgnored(t *testing.T) {
	_, gw := newFakeStripe(t)
	payload, header := signed(t, map[string]any{
		"id":   "evt_4",
		"type": "customer.created",
		"data": map[string]any{"object": map[string]any{"id": "cus_1", "object": "customer"}},
	})

	evt, err := gw.ParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, payments.EventIgnored, evt.Kind)
}

func TestParseEvent_BadSignature(t *testing.T) {
	_, gw := newFakeStripe(t)
	payload, _ := signed(t, map[string]any{"id": "evt_5", "type": "account.updated"})

	_, err := gw.ParseEvent(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, payments.ErrInvalidSignature)

	_, err = gw.ParseEvent(append(payload, ' '), "")
	assert.ErrorIs(t, err, payments.ErrInvalidSignature)
}

func TestParseEvent_SignedMalformedBody(t *testing.T) {
	_, gw := newFakeStripe(t)
	payload := []byte(`{"id": "evt_6", "type": `)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})

	_, err := gw.ParseEvent(sp.Payload, sp.Header)
	assert.ErrorIs(t, err, payments.ErrInvalidRequest)
	assert.NotErrorIs(t, err, payments.ErrInvalidSignature)
}
