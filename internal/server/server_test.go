package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/config"
	"github.com/mbd888/contrata/internal/payments"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testJWTSecret = "server-test-secret"

// testConfig returns a minimal in-memory, sandbox-backed config
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "json",
		JWTSecret:         testJWTSecret,
		AdminSecret:       "ops-secret",
		ProcessorTimeout:  time.Second,
		PlatformFeeBPS:    1000,
		DefaultCurrency:   "BRL",
		AutoReleaseWindow: 7 * 24 * time.Hour,
		SchedulerInterval: time.Minute,
		ReconcileInterval: time.Minute,
		ReconcileClaimAge: 10 * time.Minute,
		RateLimitRPM:      1000,
	}
}

type testServer struct {
	*Server
	sandbox *payments.Sandbox
	tokens  *auth.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	sandbox := payments.NewSandbox("whsec_server_test", "")
	s, err := New(testConfig(), WithGateway(sandbox))
	require.NoError(t, err)
	return &testServer{Server: s, sandbox: sandbox, tokens: auth.NewVerifier(testJWTSecret)}
}

func (ts *testServer) token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := ts.tokens.Issue(auth.Identity{Subject: subject, Role: role, Email: subject + "@example.com"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(t, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "sandbox", body["processor"])
	assert.Equal(t, "memory", body["storage"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestLivenessEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", body["status"])

	ts.healthy.Store(false)
	w, _ = ts.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "starting", body["reason"])

	// Ready flag alone is not enough while the background loops are down.
	ts.ready.Store(true)
	w, _ = ts.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.escrowTimer.Start(ctx)
	go ts.reconcileTimer.Start(ctx)

	assert.Eventually(t, func() bool {
		w, _ := ts.do(t, http.MethodGet, "/health/ready", "", nil)
		return w.Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/v1/escrows", "/v1/providers/me/account"} {
		w, body := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, "unauthorized", body["error"], path)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodGet, "/v1/admin/disputes", ts.token(t, "u_client", auth.RoleClient), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/disputes", nil)
	req.Header.Set("X-Admin-Secret", "ops-secret")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRouteRejectsForgedSignature(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := ts.sandbox.SignedEvent(payments.SandboxEvent{
		Type: payments.SandboxPaymentAuthorized, EscrowID: "esc_forged", PaymentRef: "pi_forged",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set(payments.SandboxSignatureHeader, "deadbeef")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSandboxRoutesUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(t, http.MethodPost, "/sandbox/checkout/cs_sandbox_nope/authorize", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = ts.do(t, http.MethodPost, "/sandbox/onboarding/acct_real_1/complete", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSandboxRoutesDisabledInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	s, err := New(cfg, WithGateway(payments.NewSandbox("whsec_prod", "")))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sandbox/checkout/cs_sandbox_x", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestConversationToRelease drives the whole flow over HTTP: provider
// onboarding, price negotiation, checkout, authorization webhook and the
// client's confirmation releasing the funds.
func TestConversationToRelease(t *testing.T) {
	ts := newTestServer(t)
	client := ts.token(t, "u_client", auth.RoleClient)
	provider := ts.token(t, "u_provider", auth.RoleProvider)

	w, body := ts.do(t, http.MethodPost, "/v1/providers/me/onboarding", provider, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	account := body["account"].(map[string]any)["accountId"].(string)

	w, body = ts.do(t, http.MethodPost, "/sandbox/onboarding/"+account+"/complete", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "applied", body["outcome"])

	w, body = ts.do(t, http.MethodPost, "/v1/conversations", client, gin.H{"providerId": "u_provider"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	convID := body["conversation"].(map[string]any)["id"].(string)

	w, _ = ts.do(t, http.MethodPost, "/v1/conversations/"+convID+"/price", client, gin.H{"amount": 15000, "currency": "BRL"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Only the provider accepts.
	w, _ = ts.do(t, http.MethodPost, "/v1/conversations/"+convID+"/accept", client, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	w, body = ts.do(t, http.MethodPost, "/v1/conversations/"+convID+"/accept", provider, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	escrowID := body["escrow"].(map[string]any)["id"].(string)

	w, body = ts.do(t, http.MethodPost, "/v1/escrows/"+escrowID+"/pay", client, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, body["checkoutUrl"])
	ref := body["escrow"].(map[string]any)["externalRef"].(string)

	w, body = ts.do(t, http.MethodPost, "/sandbox/checkout/"+ref+"/authorize", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "applied", body["outcome"])

	w, body = ts.do(t, http.MethodPost, "/v1/escrows/"+escrowID+"/confirm", client, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "released", body["escrow"].(map[string]any)["status"])

	transfers := ts.sandbox.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, account, transfers[0].Account)
	assert.Equal(t, int64(13500), transfers[0].NetAmount)

	// A repeated authorization for the same checkout changes nothing.
	w, body = ts.do(t, http.MethodPost, "/sandbox/checkout/"+ref+"/authorize", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", body["outcome"])
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/contrata", maskDSN("postgres://app:hunter2@db:5432/contrata"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
