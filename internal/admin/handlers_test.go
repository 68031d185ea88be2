package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/escrow"
	"github.com/mbd888/contrata/internal/payments"
	"github.com/mbd888/contrata/internal/providers"
	"github.com/mbd888/contrata/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminSecret = "ops-secret"

type payees map[string]string

func (p payees) ConnectedAccount(_ context.Context, id string) (string, error) { return p[id], nil }

type harness struct {
	svc     *escrow.Service
	sandbox *payments.Sandbox
	router  *gin.Engine
	tokens  map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sb := payments.NewSandbox("whsec", "")
	sb.SetPayeeReady("acct_p", true)
	store := escrow.NewMemoryStore()
	svc := escrow.NewService(store, sb, payees{"u_payee": "acct_p"})
	timer := escrow.NewTimer(svc, slog.Default())
	runner := reconciliation.NewRunner(store, svc, slog.Default())

	provStore := providers.NewMemoryStore()
	now := time.Now()
	require.NoError(t, provStore.Create(context.Background(), &providers.Account{
		ProviderID: "u_payee", AccountID: "acct_p", TransfersReady: true, CreatedAt: now, UpdatedAt: now,
	}))
	provSvc := providers.NewService(provStore, sb)

	verifier := auth.NewVerifier("jwt-secret")
	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(verifier), auth.RequireAdmin(adminSecret))
	NewHandler(svc).WithSweeper(timer).WithReconciler(runner).WithProviders(provSvc).RegisterRoutes(v1)

	tokens := map[string]string{}
	for _, id := range []auth.Identity{
		{Subject: "u_admin", Role: auth.RoleAdmin},
		{Subject: "u_payer", Role: auth.RoleClient},
	} {
		tok, err := verifier.Issue(id, time.Hour)
		require.NoError(t, err)
		tokens[id.Subject] = tok
	}
	return &harness{svc: svc, sandbox: sb, router: r, tokens: tokens}
}

func (h *harness) disputed(t *testing.T) *escrow.Payment {
	t.Helper()
	ctx := context.Background()
	payer := escrow.Actor{ID: "u_payer"}
	p, err := h.svc.CreateOrderEscrow(ctx, payer, escrow.OrderRequest{OrderID: "ord_1", PayeeID: "u_payee", Amount: 8000})
	require.NoError(t, err)
	_, err = h.svc.PayNow(ctx, payer, p.ID, "")
	require.NoError(t, err)
	_, err = h.svc.MarkAuthorized(ctx, p.ID, "pi_1")
	require.NoError(t, err)
	_, _, err = h.svc.OpenDispute(ctx, payer, p.ID, "serviço não prestado")
	require.NoError(t, err)
	return p
}

func (h *harness) do(method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	switch user {
	case "":
	case "secret":
		req.Header.Set("X-Admin-Secret", adminSecret)
	default:
		req.Header.Set("Authorization", "Bearer "+h.tokens[user])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestAdmin_RequiresAdmin(t *testing.T) {
	h := newHarness(t)
	w, _ := h.do(http.MethodGet, "/v1/admin/disputes", "u_payer", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = h.do(http.MethodGet, "/v1/admin/disputes", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = h.do(http.MethodGet, "/v1/admin/disputes", "secret", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_ListAndResolveDispute(t *testing.T) {
	h := newHarness(t)
	p := h.disputed(t)

	w, body := h.do(http.MethodGet, "/v1/admin/disputes", "u_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = h.do(http.MethodPost, "/v1/admin/escrows/"+p.ID+"/resolve", "u_admin", map[string]string{"outcome": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["error"])

	w, body = h.do(http.MethodPost, "/v1/admin/escrows/"+p.ID+"/resolve", "u_admin", map[string]string{"outcome": "refund", "note": "provider no-show"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	esc := body["escrow"].(map[string]any)
	assert.Equal(t, string(escrow.StatusRefunded), esc["status"])
	assert.Equal(t, 1, h.sandbox.Calls(payments.OpRefund))

	w, body = h.do(http.MethodGet, "/v1/admin/disputes", "u_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])

	// Resolving again in the other direction is illegal.
	w, body = h.do(http.MethodPost, "/v1/admin/escrows/"+p.ID+"/resolve", "u_admin", map[string]string{"outcome": "release"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "illegal_transition", body["error"])
}

func TestAdmin_GetEscrowAndRecover(t *testing.T) {
	h := newHarness(t)
	p := h.disputed(t)

	w, body := h.do(http.MethodGet, "/v1/admin/escrows/"+p.ID, "u_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, body["escrow"])

	w, body = h.do(http.MethodPost, "/v1/admin/escrows/"+p.ID+"/recover", "u_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["inFlight"])

	w, _ = h.do(http.MethodGet, "/v1/admin/escrows/not-an-id", "u_admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_SweepAndReconcile(t *testing.T) {
	h := newHarness(t)

	w, body := h.do(http.MethodPost, "/v1/admin/sweep", "u_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["released"])

	w, body = h.do(http.MethodPost, "/v1/admin/reconcile", "secret", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := body["report"].(map[string]any)
	assert.EqualValues(t, 0, report["staleClaims"])
}

func TestAdmin_ProviderLookup(t *testing.T) {
	h := newHarness(t)
	w, body := h.do(http.MethodGet, "/v1/admin/providers/u_payee", "u_admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acct_p", body["account"].(map[string]any)["accountId"])

	w, _ = h.do(http.MethodGet, "/v1/admin/providers/u_nobody", "u_admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_NotConfigured(t *testing.T) {
	r := gin.New()
	NewHandler(nil).RegisterRoutes(r.Group("/v1"))
	for _, path := range []string{"/v1/admin/sweep", "/v1/admin/reconcile"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}
